// Package store owns the durable per-tenant session layout:
//
//	<root>/<tenant>/
//	  index.json                - tenant manifest
//	  <sessionId>.docx          - baseline snapshot
//	  <sessionId>.wal           - journal
//	  <sessionId>.ckpt.<P>.docx - snapshot at journal position P
//
// The manifest is the atomicity boundary for "session exists" and "cursor
// moved": it is rewritten (write-to-temp plus rename) after every tree
// mutation. Baselines and checkpoints are written the same way, so a
// crash never leaves a half-written snapshot behind a live manifest
// entry.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/valdo404/docx-session/pkg/mapwal"
)

// indexVersion is the manifest format version this package writes.
const indexVersion = 1

// ErrNotFound indicates an unknown session id or missing file.
var ErrNotFound = errors.New("not found")

// ErrCorrupt indicates unreadable persisted state (manifest, baseline, or
// journal entry).
var ErrCorrupt = errors.New("corrupt")

// IndexSession is one manifest entry.
type IndexSession struct {
	ID                  string    `json:"id"`
	SourcePath          string    `json:"source_path,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	LastModifiedAt      time.Time `json:"last_modified_at"`
	DocxFile            string    `json:"docx_file"`
	WALCount            int       `json:"wal_count"`
	CursorPosition      int       `json:"cursor_position"`
	CheckpointPositions []int     `json:"checkpoint_positions"`
}

// Index is the tenant manifest.
type Index struct {
	Version  int            `json:"version"`
	Sessions []IndexSession `json:"sessions"`
}

// Session returns the entry for id, or nil.
func (ix *Index) Session(id string) *IndexSession {
	for i := range ix.Sessions {
		if ix.Sessions[i].ID == id {
			return &ix.Sessions[i]
		}
	}

	return nil
}

// Upsert replaces or appends the entry for s.ID.
func (ix *Index) Upsert(s IndexSession) {
	for i := range ix.Sessions {
		if ix.Sessions[i].ID == s.ID {
			ix.Sessions[i] = s

			return
		}
	}

	ix.Sessions = append(ix.Sessions, s)
}

// Remove drops the entry for id, if present.
func (ix *Index) Remove(id string) {
	for i := range ix.Sessions {
		if ix.Sessions[i].ID == id {
			ix.Sessions = append(ix.Sessions[:i], ix.Sessions[i+1:]...)

			return
		}
	}
}

// Store is the durable layout for one tenant. Safe for concurrent use;
// the manifest writer is serialized internally.
type Store struct {
	dir string
	log *zap.Logger

	mu   sync.Mutex
	wals map[string]*mapwal.WAL
}

// New opens (creating if needed) the tenant directory under root.
func New(root, tenant string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dir := filepath.Join(root, tenant)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	return &Store{dir: dir, log: log, wals: make(map[string]*mapwal.WAL)}, nil
}

// Dir returns the tenant directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) indexPath() string { return filepath.Join(s.dir, "index.json") }

func (s *Store) baselinePath(id string) string { return filepath.Join(s.dir, id+".docx") }

func (s *Store) walPath(id string) string { return filepath.Join(s.dir, id+".wal") }

func (s *Store) checkpointPath(id string, pos int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.ckpt.%d.docx", id, pos))
}

// LoadIndex reads the tenant manifest. A missing file is an empty
// manifest, not an error.
//
// Possible errors:
//   - [ErrCorrupt]: unparseable manifest or wrong version
func (s *Store) LoadIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return &Index{Version: indexVersion}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var ix Index
	if err := json.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("%w: index: %w", ErrCorrupt, err)
	}

	if ix.Version != indexVersion {
		return nil, fmt.Errorf("%w: index version %d", ErrCorrupt, ix.Version)
	}

	return &ix, nil
}

// SaveIndex writes the manifest atomically (write-to-temp plus rename).
func (s *Store) SaveIndex(ix *Index) error {
	ix.Version = indexVersion

	sort.Slice(ix.Sessions, func(i, j int) bool { return ix.Sessions[i].ID < ix.Sessions[j].ID })

	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := atomic.WriteFile(s.indexPath(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	return nil
}

// PersistBaseline writes the session's baseline snapshot atomically.
func (s *Store) PersistBaseline(id string, data []byte) error {
	if err := atomic.WriteFile(s.baselinePath(id), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}

	return nil
}

// LoadBaseline reads the session's baseline snapshot.
//
// Possible errors:
//   - [ErrNotFound]: no baseline for id
func (s *Store) LoadBaseline(id string) ([]byte, error) {
	data, err := os.ReadFile(s.baselinePath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: baseline for %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}

	return data, nil
}

// PersistCheckpoint writes a snapshot for journal position pos.
func (s *Store) PersistCheckpoint(id string, pos int, data []byte) error {
	if err := atomic.WriteFile(s.checkpointPath(id, pos), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", pos, err)
	}

	s.log.Debug("checkpoint persisted",
		zap.String("session", id), zap.Int("position", pos), zap.Int("bytes", len(data)))

	return nil
}

// LoadCheckpoint reads the snapshot persisted at pos.
//
// Possible errors:
//   - [ErrNotFound]: no checkpoint file at pos
func (s *Store) LoadCheckpoint(id string, pos int) ([]byte, error) {
	data, err := os.ReadFile(s.checkpointPath(id, pos))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: checkpoint %d for %s", ErrNotFound, pos, id)
	}

	if err != nil {
		return nil, fmt.Errorf("read checkpoint %d: %w", pos, err)
	}

	return data, nil
}

// LoadNearestCheckpoint returns the greatest position <= target from
// positions whose snapshot file exists, falling back to (0, baseline).
//
// Possible errors:
//   - [ErrNotFound]: not even a baseline exists
func (s *Store) LoadNearestCheckpoint(id string, target int, positions []int) (int, []byte, error) {
	sorted := append([]int(nil), positions...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	for _, pos := range sorted {
		if pos > target || pos == 0 {
			continue
		}

		data, err := s.LoadCheckpoint(id, pos)
		if err == nil {
			return pos, data, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return 0, nil, err
		}

		s.log.Warn("checkpoint listed but missing, falling back",
			zap.String("session", id), zap.Int("position", pos))
	}

	baseline, err := s.LoadBaseline(id)
	if err != nil {
		return 0, nil, err
	}

	return 0, baseline, nil
}

// DeleteCheckpointsAfter removes checkpoint files at positions > pos and
// returns the positions kept.
func (s *Store) DeleteCheckpointsAfter(id string, pos int, positions []int) []int {
	var kept []int

	for _, p := range positions {
		if p <= pos {
			kept = append(kept, p)

			continue
		}

		if err := os.Remove(s.checkpointPath(id, p)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("remove checkpoint failed",
				zap.String("session", id), zap.Int("position", p), zap.Error(err))
		}
	}

	return kept
}

// GetOrCreateWAL lazily opens the session's mapped journal. The store
// owns the handle until CloseWAL or DeleteSession.
func (s *Store) GetOrCreateWAL(id string) (*mapwal.WAL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wals[id]; ok {
		return w, nil
	}

	w, err := mapwal.Open(s.walPath(id))
	if err != nil {
		return nil, err
	}

	s.wals[id] = w

	return w, nil
}

// CloseWAL closes the session's journal handle if open.
func (s *Store) CloseWAL(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wals[id]
	if !ok {
		return nil
	}

	delete(s.wals, id)

	return w.Close()
}

// DeleteSession tombstones every file belonging to id: baseline, journal,
// checkpoints. The manifest entry is the caller's to remove.
func (s *Store) DeleteSession(id string) error {
	if err := s.CloseWAL(id); err != nil {
		s.log.Warn("close journal before delete failed", zap.String("session", id), zap.Error(err))
	}

	var firstErr error

	remove := func(path string) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}

	remove(s.baselinePath(id))
	remove(s.walPath(id))

	for _, pos := range s.CheckpointPositionsOnDisk(id) {
		remove(s.checkpointPath(id, pos))
	}

	if firstErr != nil {
		return fmt.Errorf("delete session %s: %w", id, firstErr)
	}

	return nil
}

// CheckpointPositionsOnDisk scans the tenant directory for id's
// checkpoint files, independent of the manifest.
func (s *Store) CheckpointPositionsOnDisk(id string) []int {
	matches, err := filepath.Glob(filepath.Join(s.dir, id+".ckpt.*.docx"))
	if err != nil {
		return nil
	}

	var out []int

	for _, m := range matches {
		base := filepath.Base(m)
		base = strings.TrimPrefix(base, id+".ckpt.")
		base = strings.TrimSuffix(base, ".docx")

		if n, err := strconv.Atoi(base); err == nil {
			out = append(out, n)
		}
	}

	sort.Ints(out)

	return out
}

// Close closes every open journal handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error

	for id, w := range s.wals {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(s.wals, id)
	}

	return firstErr
}
