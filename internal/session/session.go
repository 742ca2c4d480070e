// Package session owns the in-memory session lifecycle for one tenant:
// creation, opening from disk, cursor-based undo/redo/jump, automatic
// checkpointing, compaction, and startup restoration.
//
// Every session carries a coarse exclusive lock guarding its live
// document, journal appends, cursor changes, and reconstruction.
// Cross-session operations never block each other; only the tenant
// manifest writer is serialized.
package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/oxml"
)

// ErrConflict indicates the requested path is already open under another
// session id; callers should reuse that session.
var ErrConflict = errors.New("path already open in another session")

// ErrCancelled indicates a reconstruction was interrupted by its context.
// The session keeps its previous state.
var ErrCancelled = errors.New("reconstruction cancelled")

// Session is one live editing session. Fields are guarded by mu; the
// manager locks it around every operation.
type Session struct {
	mu sync.RWMutex

	ID         string
	Doc        *oxml.Document
	Cursor     int
	SourcePath string

	// Checkpoints are the journal positions with persisted snapshots,
	// ascending. Position 0 (the baseline) is implicit.
	Checkpoints []int

	// LastKnownContentHash is the content hash of the bytes last seen
	// on disk for SourcePath. Empty for in-memory sessions.
	LastKnownContentHash string

	CreatedAt time.Time

	gen *docid.Generator
}

// Gen returns the session's id generator.
func (s *Session) Gen() *docid.Generator { return s.gen }

// CloneDoc returns an independent copy of the live document, taken under
// the session's reader lock so concurrent patches cannot tear it.
func (s *Session) CloneDoc() *oxml.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.Doc.Clone()
}

// SourceInfo returns the source path and last known on-disk content hash
// under the reader lock.
func (s *Session) SourceInfo() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.SourcePath, s.LastKnownContentHash
}

// newGenerator seeds a session PRNG from the session id, so restored
// sessions keep drawing from the same stream family without any
// process-wide state.
func newGenerator(sessionID string) *docid.Generator {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))

	return docid.NewGenerator(h.Sum64())
}

// MoveResult reports an undo/redo/jump outcome.
type MoveResult struct {
	Position int    `json:"position"`
	Steps    int    `json:"steps"`
	Message  string `json:"message"`
}

// HistoryEntry is one row of GetHistory.
type HistoryEntry struct {
	Position       int       `json:"position"`
	Timestamp      time.Time `json:"timestamp"`
	Description    string    `json:"description"`
	IsCheckpoint   bool      `json:"is_checkpoint"`
	IsCurrent      bool      `json:"is_current"`
	IsExternalSync bool      `json:"is_external_sync"`
	SyncSummary    string    `json:"sync_summary,omitempty"`
}

// Tracker is the external-change tracker's notification surface. The
// manager tells it to refresh its on-disk snapshot after writes it makes
// itself, so self-inflicted changes don't surface as external ones.
type Tracker interface {
	UpdateSessionSnapshot(sessionID string)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}

	return false
}
