// Package extsync reconciles live sessions against edits made to their
// backing files by other programs.
//
// Detection is hash-based: the tracker remembers the content hash of the
// file as last seen and compares on every check, so it needs no
// cooperation from the external editor. An optional fsnotify watcher
// marks sessions dirty on filesystem events; polling remains the
// contract and the source of truth.
//
// A successful sync replaces the live document wholesale with the parsed
// file (the diff's patch list is recorded for audit) and appends one
// external-sync journal entry embedding the post-sync bytes. Two
// consecutive syncs with no external write between them append exactly
// one entry.
package extsync

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/valdo404/docx-session/internal/dochash"
	"github.com/valdo404/docx-session/internal/docdiff"
	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
	"github.com/valdo404/docx-session/internal/session"
	"github.com/valdo404/docx-session/internal/store"
)

// ErrNoSourcePath indicates the session is not file-backed.
var ErrNoSourcePath = errors.New("session has no source path")

// ErrNotWatching indicates an operation on a session that was never
// registered with StartWatching.
var ErrNotWatching = errors.New("session is not being watched")

// PendingChange is one detected-but-unsynced external modification.
type PendingChange struct {
	ID           int64            `json:"id"`
	SessionID    string           `json:"session_id"`
	DetectedAt   time.Time        `json:"detected_at"`
	Summary      string           `json:"summary"`
	Changes      []docdiff.Change `json:"changes,omitempty"`
	Acknowledged bool             `json:"acknowledged"`
}

// SyncResult reports a SyncExternalChanges outcome.
type SyncResult struct {
	Success              bool   `json:"success"`
	HasChanges           bool   `json:"has_changes"`
	Summary              string `json:"summary,omitempty"`
	WALPosition          int    `json:"wal_position,omitempty"`
	AcknowledgedChangeID int64  `json:"acknowledged_change_id,omitempty"`
}

// watchState is the per-session tracker state.
type watchState struct {
	path     string
	lastHash string
	dirty    bool
	pending  []*PendingChange
}

// Tracker watches file-backed sessions for external modifications.
type Tracker struct {
	mgr *session.Manager
	log *zap.Logger

	mu       sync.Mutex
	watched  map[string]*watchState
	byPath   map[string]string
	nextID   int64
	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// New returns a tracker over mgr. When the platform supports it, an
// fsnotify watcher feeds dirty marks; otherwise the tracker is purely
// poll-driven.
func New(mgr *session.Manager, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}

	t := &Tracker{
		mgr:     mgr,
		log:     log,
		watched: make(map[string]*watchState),
		byPath:  make(map[string]string),
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable, polling only", zap.Error(err))

		return t
	}

	t.watcher = watcher

	go t.watchLoop()

	return t
}

// watchLoop turns filesystem events into dirty marks. Events are a hint;
// CheckForChanges re-verifies by hash.
func (t *Tracker) watchLoop() {
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			t.mu.Lock()

			if id, ok := t.byPath[ev.Name]; ok {
				if ws := t.watched[id]; ws != nil {
					ws.dirty = true
				}
			}

			t.mu.Unlock()
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}

			t.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher goroutine.
func (t *Tracker) Close() error {
	var err error

	t.stopOnce.Do(func() {
		close(t.done)

		if t.watcher != nil {
			err = t.watcher.Close()
		}
	})

	return err
}

// StartWatching registers the session's source file, recording the hash
// of its current on-disk content as the baseline.
//
// Possible errors:
//   - [ErrNoSourcePath]
func (t *Tracker) StartWatching(sessionID string) error {
	sess, err := t.mgr.Get(sessionID)
	if err != nil {
		return err
	}

	sourcePath, _ := sess.SourceInfo()
	if sourcePath == "" {
		return fmt.Errorf("%w: %s", ErrNoSourcePath, sessionID)
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read watched file: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.watched[sessionID] = &watchState{path: sourcePath, lastHash: dochash.Hash(data)}
	t.byPath[sourcePath] = sessionID

	if t.watcher != nil {
		if err := t.watcher.Add(sourcePath); err != nil {
			t.log.Warn("fsnotify add failed, polling only for session",
				zap.String("session", sessionID), zap.Error(err))
		}
	}

	return nil
}

// StopWatching forgets the session.
func (t *Tracker) StopWatching(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.watched[sessionID]
	if !ok {
		return
	}

	delete(t.watched, sessionID)
	delete(t.byPath, ws.path)

	if t.watcher != nil {
		_ = t.watcher.Remove(ws.path)
	}
}

// UpdateSessionSnapshot refreshes the known on-disk hash after a write
// the service made itself, so self-inflicted changes don't register as
// external.
func (t *Tracker) UpdateSessionSnapshot(sessionID string) {
	t.mu.Lock()
	ws, ok := t.watched[sessionID]
	t.mu.Unlock()

	if !ok {
		return
	}

	data, err := os.ReadFile(ws.path)
	if err != nil {
		return
	}

	t.mu.Lock()
	ws.lastHash = dochash.Hash(data)
	ws.dirty = false
	t.mu.Unlock()
}

// CheckForChanges hashes the watched file and, when it differs from the
// last known hash, diffs the live document against it and enqueues a
// pending change with a monotone id. Returns whether a new change was
// detected.
//
// Possible errors:
//   - [ErrNotWatching]
//   - os errors: read
func (t *Tracker) CheckForChanges(sessionID string) (bool, error) {
	t.mu.Lock()
	ws, ok := t.watched[sessionID]
	t.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotWatching, sessionID)
	}

	data, err := os.ReadFile(ws.path)
	if err != nil {
		return false, fmt.Errorf("read watched file: %w", err)
	}

	hash := dochash.Hash(data)

	t.mu.Lock()
	unchanged := hash == ws.lastHash
	ws.dirty = false
	t.mu.Unlock()

	if unchanged {
		return false, nil
	}

	sess, err := t.mgr.Get(sessionID)
	if err != nil {
		return false, err
	}

	external, err := oxml.Parse(data)
	if err != nil {
		return false, err
	}

	diff := docdiff.Compare(sess.CloneDoc(), external, docdiff.Options{
		SimilarityThreshold: t.mgr.Config().SimilarityThreshold,
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	ws.lastHash = hash
	ws.pending = append(ws.pending, &PendingChange{
		ID:         t.nextID,
		SessionID:  sessionID,
		DetectedAt: time.Now().UTC(),
		Summary:    summarize(diff),
		Changes:    diff.Changes,
	})

	t.log.Info("external change detected",
		zap.String("session", sessionID), zap.Int64("change", t.nextID))

	return true, nil
}

// HasPendingChanges reports whether unacknowledged changes are queued.
func (t *Tracker) HasPendingChanges(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.watched[sessionID]
	if !ok {
		return false
	}

	for _, p := range ws.pending {
		if !p.Acknowledged {
			return true
		}
	}

	return false
}

// GetPendingChanges returns the queued changes, oldest first.
func (t *Tracker) GetPendingChanges(sessionID string) []*PendingChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.watched[sessionID]
	if !ok {
		return nil
	}

	out := make([]*PendingChange, len(ws.pending))
	for i, p := range ws.pending {
		cp := *p
		out[i] = &cp
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// GetLatestUnacknowledged returns the newest unacknowledged change, or
// nil.
func (t *Tracker) GetLatestUnacknowledged(sessionID string) *PendingChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.watched[sessionID]
	if !ok {
		return nil
	}

	for i := len(ws.pending) - 1; i >= 0; i-- {
		if !ws.pending[i].Acknowledged {
			cp := *ws.pending[i]

			return &cp
		}
	}

	return nil
}

// AcknowledgeChange marks one pending change done.
//
// Possible errors:
//   - [ErrNotWatching], [store.ErrNotFound]
func (t *Tracker) AcknowledgeChange(sessionID string, changeID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.watched[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatching, sessionID)
	}

	for _, p := range ws.pending {
		if p.ID == changeID {
			p.Acknowledged = true

			return nil
		}
	}

	return fmt.Errorf("%w: change %d", store.ErrNotFound, changeID)
}

// AcknowledgeAllChanges marks every pending change done.
func (t *Tracker) AcknowledgeAllChanges(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ws, ok := t.watched[sessionID]
	if !ok {
		return
	}

	for _, p := range ws.pending {
		p.Acknowledged = true
	}
}

// SyncExternalChanges reconciles the live document with the file on
// disk. When the file's hash matches the last known one, or the diff
// comes back empty, no journal entry is appended.
//
// Possible errors:
//   - [ErrNoSourcePath]
//   - [oxml.ErrMalformed]: external file unparseable
//   - os errors: read
func (t *Tracker) SyncExternalChanges(sessionID string, ackID int64) (*SyncResult, error) {
	sess, err := t.mgr.Get(sessionID)
	if err != nil {
		return nil, err
	}

	sourcePath, prevHash := sess.SourceInfo()
	if sourcePath == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSourcePath, sessionID)
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}

	newHash := dochash.Hash(data)

	if newHash == prevHash {
		return &SyncResult{Success: true, Summary: "no changes"}, nil
	}

	external, err := oxml.Parse(data)
	if err != nil {
		return nil, err
	}

	diff := docdiff.Compare(sess.CloneDoc(), external, docdiff.Options{
		SimilarityThreshold: t.mgr.Config().SimilarityThreshold,
	})

	if diff.Empty() {
		// Byte-level churn with no structural difference (revision
		// attributes, reordered declarations). Remember the hash so the
		// next check is quiet; nothing to journal.
		t.rememberHash(sessionID, newHash)
		t.mgr.SetKnownHash(sessionID, newHash)

		return &SyncResult{Success: true, Summary: "no changes"}, nil
	}

	summary := summarize(diff)

	pos, err := t.mgr.ApplySync(sessionID, external, newHash, func(snapshot []byte) store.Entry {
		return store.NewSyncEntry(
			fmt.Sprintf("external sync: %s", summary),
			patch.EncodeOps(diff.Patches),
			&store.SyncMeta{
				SourcePath:            sourcePath,
				PreviousHash:          prevHash,
				NewHash:               newHash,
				Summary:               summary,
				UncoveredChanges:      diff.Uncovered,
				DocumentSnapshotBytes: snapshot,
			},
		)
	})
	if err != nil {
		return nil, err
	}

	t.rememberHash(sessionID, newHash)

	res := &SyncResult{
		Success:     true,
		HasChanges:  true,
		Summary:     summary,
		WALPosition: pos,
	}

	res.AcknowledgedChangeID = t.ackAfterSync(sessionID, ackID)

	t.log.Info("external changes synced",
		zap.String("session", sessionID), zap.Int("position", pos), zap.String("summary", summary))

	return res, nil
}

// ackAfterSync acknowledges ackID when given, otherwise every pending
// change (the sync consumed them all). Returns the acknowledged id, 0
// for none.
func (t *Tracker) ackAfterSync(sessionID string, ackID int64) int64 {
	if ackID > 0 {
		if err := t.AcknowledgeChange(sessionID, ackID); err == nil {
			return ackID
		}

		return 0
	}

	latest := t.GetLatestUnacknowledged(sessionID)
	t.AcknowledgeAllChanges(sessionID)

	if latest != nil {
		return latest.ID
	}

	return 0
}

func (t *Tracker) rememberHash(sessionID, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ws, ok := t.watched[sessionID]; ok {
		ws.lastHash = hash
		ws.dirty = false
	}
}

// summarize renders a diff as "2 added, 1 modified" style text.
func summarize(diff *docdiff.Result) string {
	counts := map[docdiff.ChangeKind]int{}

	for _, c := range diff.Changes {
		counts[c.Kind]++
	}

	var parts []string

	for _, kind := range []docdiff.ChangeKind{docdiff.Added, docdiff.Removed, docdiff.Modified, docdiff.Moved} {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
	}

	if len(diff.Uncovered) > 0 {
		parts = append(parts, fmt.Sprintf("%d uncovered", len(diff.Uncovered)))
	}

	if len(parts) == 0 {
		return "no changes"
	}

	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}

	return out
}
