package session

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/valdo404/docx-session/internal/dochash"
	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
	"github.com/valdo404/docx-session/internal/store"
)

// ApplyPatch runs one patch batch against the session. Successful
// non-dry-run batches append one journal entry, advance the cursor,
// persist a checkpoint when due, and auto-save when the session is
// file-backed and auto-save is on.
//
// The returned envelope reports per-op outcomes; a Go error means the
// batch outcome could not be made durable and the live document was
// reverted to its pre-call state.
func (m *Manager) ApplyPatch(id string, ops []patch.Op, dryRun bool) (*patch.Result, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var preBytes []byte

	if !dryRun {
		preBytes = oxml.MustSerialize(sess.Doc)
	}

	res, doc := patch.Apply(sess.Doc, sess.gen, ops, patch.Options{
		DryRun: dryRun,
		MaxOps: m.cfg.MaxBatchOps,
	})
	sess.Doc = doc

	if dryRun || !res.Success || res.Applied == 0 && res.Total == 0 {
		return res, nil
	}

	entry := store.NewPatchEntry(describeOps(ops), patch.EncodeOps(ops))

	if _, err := m.appendEntryLocked(sess, entry); err != nil {
		// The batch mutated the tree but could not be journaled; revert
		// so memory and durable state stay consistent.
		restored, parseErr := oxml.Parse(preBytes)
		if parseErr != nil {
			panic(fmt.Sprintf("session: revert parse failed: %v", parseErr))
		}

		sess.Doc = restored

		return nil, err
	}

	return res, nil
}

// AppendWAL appends one already-built journal entry for the session and
// runs the standard post-append sequence. Returns the new journal
// position.
func (m *Manager) AppendWAL(id string, entry store.Entry) (int, error) {
	sess, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return m.appendEntryLocked(sess, entry)
}

// appendEntryLocked performs the atomic-from-the-outside sequence:
// discard redo history, append, advance cursor, checkpoint if due,
// auto-save if enabled, refresh the manifest. Caller holds sess.mu.
func (m *Manager) appendEntryLocked(sess *Session, entry store.Entry) (int, error) {
	wal, err := m.store.GetOrCreateWAL(sess.ID)
	if err != nil {
		return 0, err
	}

	// A new append after an undo discards the redo tail, and with it
	// any checkpoints past the cursor.
	if wal.Count() > sess.Cursor {
		if err := wal.TruncateAt(sess.Cursor); err != nil {
			return 0, err
		}

		sess.Checkpoints = m.store.DeleteCheckpointsAfter(sess.ID, sess.Cursor, sess.Checkpoints)
	}

	line, err := entry.Encode()
	if err != nil {
		return 0, err
	}

	pos, err := wal.Append(line)
	if err != nil {
		return 0, err
	}

	sess.Cursor = pos

	if pos%m.cfg.CheckpointInterval == 0 {
		data := oxml.MustSerialize(sess.Doc)

		if err := m.store.PersistCheckpoint(sess.ID, pos, data); err != nil {
			m.log.Warn("checkpoint persist failed",
				zap.String("session", sess.ID), zap.Int("position", pos), zap.Error(err))
		} else if !containsInt(sess.Checkpoints, pos) {
			sess.Checkpoints = append(sess.Checkpoints, pos)
		}
	}

	m.autoSaveLocked(sess)

	if err := m.updateIndex(sess, wal.Count()); err != nil {
		return 0, err
	}

	return pos, nil
}

// autoSaveLocked writes the live document back to its source path when
// auto-save applies, and refreshes the known on-disk hash so the change
// is not mistaken for an external one.
func (m *Manager) autoSaveLocked(sess *Session) {
	if sess.SourcePath == "" || !m.cfg.AutoSave {
		return
	}

	data := oxml.MustSerialize(sess.Doc)

	if err := atomic.WriteFile(sess.SourcePath, bytes.NewReader(data)); err != nil {
		m.log.Warn("auto-save failed",
			zap.String("session", sess.ID), zap.String("path", sess.SourcePath), zap.Error(err))

		return
	}

	sess.LastKnownContentHash = dochash.Hash(data)
	m.notifyTracker(sess.ID)
}

// ApplySync replaces the session's live document with one reconciled
// against its external file and journals the sync. newHash is the
// content hash of the external bytes; makeEntry receives the serialized
// post-sync document (ids assigned) and builds the journal entry
// embedding it. Returns the new journal position.
func (m *Manager) ApplySync(id string, newDoc *oxml.Document, newHash string,
	makeEntry func(snapshot []byte) store.Entry,
) (int, error) {
	sess, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := docid.EnsureAllIDs(newDoc, sess.gen); err != nil {
		return 0, err
	}

	prevDoc, prevHash := sess.Doc, sess.LastKnownContentHash
	sess.Doc = newDoc
	sess.LastKnownContentHash = newHash

	entry := makeEntry(oxml.MustSerialize(newDoc))

	pos, err := m.appendEntryLocked(sess, entry)
	if err != nil {
		sess.Doc, sess.LastKnownContentHash = prevDoc, prevHash

		return 0, err
	}

	return pos, nil
}

// describeOps builds the human-readable journal description for a batch.
func describeOps(ops []patch.Op) string {
	if len(ops) == 0 {
		return "empty batch"
	}

	var names []string

	seen := make(map[string]bool)

	for _, op := range ops {
		if !seen[op.Op] {
			seen[op.Op] = true

			names = append(names, op.Op)
		}
	}

	if len(ops) == 1 {
		return names[0]
	}

	return fmt.Sprintf("%d ops: %s", len(ops), strings.Join(names, ", "))
}
