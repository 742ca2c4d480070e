package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/valdo404/docx-session/internal/config"
	"github.com/valdo404/docx-session/internal/dochash"
	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/store"
)

// Manager is the tenant-scoped session registry.
type Manager struct {
	cfg   config.Config
	store *store.Store
	log   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byPath   map[string]string

	// ixMu serializes load-modify-save cycles on the tenant manifest.
	ixMu sync.Mutex

	tracker Tracker
}

// NewManager returns a manager over st.
func NewManager(cfg config.Config, st *store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		cfg:      cfg,
		store:    st,
		log:      log,
		sessions: make(map[string]*Session),
		byPath:   make(map[string]string),
	}
}

// SetTracker wires the external-change tracker. Optional.
func (m *Manager) SetTracker(t Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracker = t
}

// Config returns the manager's configuration.
func (m *Manager) Config() config.Config { return m.cfg }

// Store returns the backing store.
func (m *Manager) Store() *store.Store { return m.store }

// Create starts a new session over an empty but valid document.
func (m *Manager) Create() (*Session, error) {
	id := uuid.NewString()

	doc := oxml.New()
	sess := &Session{
		ID:        id,
		Doc:       doc,
		CreatedAt: time.Now().UTC(),
		gen:       newGenerator(id),
	}

	if err := docid.EnsureAllIDs(doc, sess.gen); err != nil {
		return nil, err
	}

	if err := m.store.PersistBaseline(id, oxml.MustSerialize(doc)); err != nil {
		return nil, err
	}

	if err := m.updateIndex(sess, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session", id))

	return sess, nil
}

// Open materializes a session from the file at path. Opening a path that
// already backs a live session returns that session.
//
// Possible errors:
//   - [oxml.ErrMalformed]: file is not a parseable document
//   - os errors: read
func (m *Manager) Open(path string) (*Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	m.mu.RLock()
	if id, ok := m.byPath[abs]; ok {
		sess := m.sessions[id]
		m.mu.RUnlock()

		return sess, nil
	}
	m.mu.RUnlock()

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	doc, err := oxml.Parse(data)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess := &Session{
		ID:         id,
		Doc:        doc,
		SourcePath: abs,
		CreatedAt:  time.Now().UTC(),
		gen:        newGenerator(id),
	}

	if err := docid.EnsureAllIDs(doc, sess.gen); err != nil {
		return nil, err
	}

	// The baseline carries the assigned ids, the hash covers the bytes
	// as they sit on disk.
	if err := m.store.PersistBaseline(id, oxml.MustSerialize(doc)); err != nil {
		return nil, err
	}

	sess.LastKnownContentHash = dochash.Hash(data)

	if err := m.updateIndex(sess, 0); err != nil {
		return nil, err
	}

	m.mu.Lock()

	// Racing opener may have registered the path meanwhile.
	if otherID, ok := m.byPath[abs]; ok {
		other := m.sessions[otherID]
		m.mu.Unlock()

		cleanupErr := m.store.DeleteSession(id)
		if cleanupErr != nil {
			m.log.Warn("cleanup of duplicate open failed", zap.String("session", id), zap.Error(cleanupErr))
		}

		m.removeFromIndex(id)

		return other, nil
	}

	m.sessions[id] = sess
	m.byPath[abs] = id
	m.mu.Unlock()

	m.log.Info("session opened", zap.String("session", id), zap.String("path", abs))

	return sess, nil
}

// ResolveSession accepts a session id or an absolute filesystem path. An
// unknown path opens a new session; an unknown id is an error.
//
// Possible errors:
//   - [store.ErrNotFound]: unknown session id
func (m *Manager) ResolveSession(ref string) (*Session, error) {
	if filepath.IsAbs(ref) {
		return m.Open(ref)
	}

	return m.Get(ref)
}

// Get returns the live session for id.
//
// Possible errors:
//   - [store.ErrNotFound]
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, id)
	}

	return sess, nil
}

// Sessions returns the live sessions, in no particular order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}

	return out
}

// Close removes the session from memory and tombstones its storage.
//
// Possible errors:
//   - [store.ErrNotFound]
func (m *Manager) Close(id string) error {
	m.mu.Lock()

	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: session %s", store.ErrNotFound, id)
	}

	delete(m.sessions, id)

	if sess.SourcePath != "" {
		delete(m.byPath, sess.SourcePath)
	}

	m.mu.Unlock()

	if err := m.store.DeleteSession(id); err != nil {
		return err
	}

	m.removeFromIndex(id)
	m.log.Info("session closed", zap.String("session", id))

	return nil
}

// Save serializes the live document to path and rebinds the session to
// it.
func (m *Manager) Save(id, path string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	m.mu.RLock()
	owner, taken := m.byPath[abs]
	m.mu.RUnlock()

	if taken && owner != id {
		return fmt.Errorf("%w: %s is backed by session %s", ErrConflict, abs, owner)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	data := oxml.MustSerialize(sess.Doc)

	if err := atomic.WriteFile(abs, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save document: %w", err)
	}

	oldPath := sess.SourcePath
	sess.SourcePath = abs
	sess.LastKnownContentHash = dochash.Hash(data)

	m.mu.Lock()

	if oldPath != "" && oldPath != abs {
		delete(m.byPath, oldPath)
	}

	m.byPath[abs] = id
	m.mu.Unlock()

	m.notifyTracker(id)

	return m.updateIndexLocked(sess)
}

// updateIndex refreshes the manifest entry for sess. walCount is the
// journal length to record.
func (m *Manager) updateIndex(sess *Session, walCount int) error {
	m.ixMu.Lock()
	defer m.ixMu.Unlock()

	ix, err := m.store.LoadIndex()
	if err != nil {
		return err
	}

	ix.Upsert(store.IndexSession{
		ID:                  sess.ID,
		SourcePath:          sess.SourcePath,
		CreatedAt:           sess.CreatedAt,
		LastModifiedAt:      time.Now().UTC(),
		DocxFile:            sess.ID + ".docx",
		WALCount:            walCount,
		CursorPosition:      sess.Cursor,
		CheckpointPositions: append([]int(nil), sess.Checkpoints...),
	})

	return m.store.SaveIndex(ix)
}

// updateIndexLocked is updateIndex for callers already holding the
// session lock; it reads the current journal length itself.
func (m *Manager) updateIndexLocked(sess *Session) error {
	wal, err := m.store.GetOrCreateWAL(sess.ID)
	if err != nil {
		return err
	}

	return m.updateIndex(sess, wal.Count())
}

func (m *Manager) removeFromIndex(id string) {
	m.ixMu.Lock()
	defer m.ixMu.Unlock()

	ix, err := m.store.LoadIndex()
	if err != nil {
		m.log.Warn("load index for removal failed", zap.String("session", id), zap.Error(err))

		return
	}

	ix.Remove(id)

	if err := m.store.SaveIndex(ix); err != nil {
		m.log.Warn("save index after removal failed", zap.String("session", id), zap.Error(err))
	}
}

func (m *Manager) notifyTracker(id string) {
	m.mu.RLock()
	t := m.tracker
	m.mu.RUnlock()

	if t != nil {
		t.UpdateSessionSnapshot(id)
	}
}

// SetKnownHash records the content hash of the bytes currently on disk
// for the session. Used by the external-change tracker when it verifies
// that on-disk churn carries no structural difference.
func (m *Manager) SetKnownHash(id, hash string) {
	sess, err := m.Get(id)
	if err != nil {
		return
	}

	sess.mu.Lock()
	sess.LastKnownContentHash = hash
	sess.mu.Unlock()
}

// hashFileOrEmpty content-hashes the file at path, returning "" when it
// cannot be read.
func hashFileOrEmpty(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	return dochash.Hash(data)
}

// errIsCorrupt collects the error kinds that make persisted session
// state unrecoverable at startup.
func errIsCorrupt(err error) bool {
	return errors.Is(err, store.ErrCorrupt) || errors.Is(err, oxml.ErrMalformed)
}
