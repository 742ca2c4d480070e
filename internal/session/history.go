package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/valdo404/docx-session/internal/docid"
	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
	"github.com/valdo404/docx-session/internal/store"
)

// Undo moves the cursor back by up to steps entries. Steps beyond the
// cursor are clamped; zero effective steps reports "Nothing to undo".
func (m *Manager) Undo(ctx context.Context, id string, steps int) (*MoveResult, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if steps < 0 {
		steps = 0
	}

	if steps > sess.Cursor {
		steps = sess.Cursor
	}

	if steps == 0 {
		return &MoveResult{Position: sess.Cursor, Message: "Nothing to undo"}, nil
	}

	target := sess.Cursor - steps

	if err := m.moveToLocked(ctx, sess, target); err != nil {
		return nil, err
	}

	return &MoveResult{
		Position: target,
		Steps:    steps,
		Message:  fmt.Sprintf("Undid %d change(s), now at position %d", steps, target),
	}, nil
}

// Redo moves the cursor forward by up to steps entries.
func (m *Manager) Redo(ctx context.Context, id string, steps int) (*MoveResult, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	wal, err := m.store.GetOrCreateWAL(id)
	if err != nil {
		return nil, err
	}

	if steps < 0 {
		steps = 0
	}

	if avail := wal.Count() - sess.Cursor; steps > avail {
		steps = avail
	}

	if steps == 0 {
		return &MoveResult{Position: sess.Cursor, Message: "Nothing to redo"}, nil
	}

	target := sess.Cursor + steps

	if err := m.moveToLocked(ctx, sess, target); err != nil {
		return nil, err
	}

	return &MoveResult{
		Position: target,
		Steps:    steps,
		Message:  fmt.Sprintf("Redid %d change(s), now at position %d", steps, target),
	}, nil
}

// JumpTo moves the cursor to an absolute journal position.
func (m *Manager) JumpTo(ctx context.Context, id string, position int) (*MoveResult, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	wal, err := m.store.GetOrCreateWAL(id)
	if err != nil {
		return nil, err
	}

	if position < 0 || position > wal.Count() {
		return nil, fmt.Errorf("%w: position %d outside [0, %d]", store.ErrNotFound, position, wal.Count())
	}

	if position == sess.Cursor {
		return &MoveResult{
			Position: position,
			Message:  fmt.Sprintf("Already at position %d", position),
		}, nil
	}

	steps := position - sess.Cursor
	if steps < 0 {
		steps = -steps
	}

	if err := m.moveToLocked(ctx, sess, position); err != nil {
		return nil, err
	}

	return &MoveResult{
		Position: position,
		Steps:    steps,
		Message:  fmt.Sprintf("Jumped to position %d", position),
	}, nil
}

// moveToLocked rebuilds the session state at target and commits cursor
// and manifest. A failed or cancelled rebuild leaves the session as it
// was.
func (m *Manager) moveToLocked(ctx context.Context, sess *Session, target int) error {
	doc, err := m.materialize(ctx, sess, target)
	if err != nil {
		return err
	}

	sess.Doc = doc
	sess.Cursor = target

	return m.updateIndexLocked(sess)
}

// materialize reconstructs the document at absolute journal position
// target without touching the session. Reconstruction prefers the
// highest external-sync entry at or before target (its embedded snapshot
// is authoritative); otherwise it starts from the nearest persisted
// checkpoint and replays forward.
func (m *Manager) materialize(ctx context.Context, sess *Session, target int) (*oxml.Document, error) {
	wal, err := m.store.GetOrCreateWAL(sess.ID)
	if err != nil {
		return nil, err
	}

	lines, err := wal.Range(0, target)
	if err != nil {
		return nil, err
	}

	entries := make([]*store.Entry, len(lines))

	for i, line := range lines {
		e, err := store.DecodeEntry(line)
		if err != nil {
			return nil, err
		}

		entries[i] = e
	}

	// Highest external-sync at position <= target wins over checkpoints:
	// its snapshot already contains every prior change.
	startPos := 0

	var startBytes []byte

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].EntryType == store.EntryExternalSync && entries[i].SyncMeta != nil {
			startPos = i + 1
			startBytes = entries[i].SyncMeta.DocumentSnapshotBytes

			break
		}
	}

	if startBytes == nil {
		startPos, startBytes, err = m.store.LoadNearestCheckpoint(sess.ID, target, sess.Checkpoints)
		if err != nil {
			return nil, err
		}
	}

	doc, err := oxml.Parse(startBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot at %d: %w", store.ErrCorrupt, startPos, err)
	}

	// Replay draws ids from a freshly seeded generator so reaching a
	// position by jump or by stepwise undo/redo reconstructs the same
	// bytes.
	replayGen := newGenerator(sess.ID + "/replay")

	for pos := startPos + 1; pos <= target; pos++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: at position %d", ErrCancelled, pos)
		default:
		}

		entry := entries[pos-1]

		if entry.EntryType == store.EntryExternalSync && entry.SyncMeta != nil {
			doc, err = oxml.Parse(entry.SyncMeta.DocumentSnapshotBytes)
			if err != nil {
				return nil, fmt.Errorf("%w: sync snapshot at %d: %w", store.ErrCorrupt, pos, err)
			}

			continue
		}

		ops, err := patch.DecodeOps(entry.Patches)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", store.ErrCorrupt, pos, err)
		}

		res, next := patch.Apply(doc, replayGen, ops, patch.Options{MaxOps: len(ops) + 1})
		if !res.Success {
			return nil, fmt.Errorf("%w: replaying entry %d: %s", store.ErrCorrupt, pos, res.Error)
		}

		doc = next
	}

	// Re-stamp identity so journal entries that address elements by id
	// keep resolving against the rebuilt tree.
	if err := docid.EnsureAllIDs(doc, replayGen); err != nil {
		return nil, err
	}

	return doc, nil
}

// Compact rewrites the baseline to the current state and clears journal
// and checkpoints. With redo history present it declines unless
// discardRedo is set.
func (m *Manager) Compact(id string, discardRedo bool) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	wal, err := m.store.GetOrCreateWAL(id)
	if err != nil {
		return err
	}

	if sess.Cursor < wal.Count() && !discardRedo {
		m.log.Debug("compact skipped, redo history present", zap.String("session", id))

		return nil
	}

	if err := m.store.PersistBaseline(id, oxml.MustSerialize(sess.Doc)); err != nil {
		return err
	}

	if err := wal.Truncate(); err != nil {
		return err
	}

	sess.Checkpoints = m.store.DeleteCheckpointsAfter(id, 0, sess.Checkpoints)
	sess.Cursor = 0

	return m.updateIndex(sess, 0)
}

// GetHistory returns journal rows [offset, offset+limit) in position
// order, 1-based. limit <= 0 means "to the end".
func (m *Manager) GetHistory(id string, offset, limit int) ([]HistoryEntry, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	sess.mu.RLock()
	defer sess.mu.RUnlock()

	wal, err := m.store.GetOrCreateWAL(id)
	if err != nil {
		return nil, err
	}

	count := wal.Count()

	if offset < 0 {
		offset = 0
	}

	end := count
	if limit > 0 && offset+limit < count {
		end = offset + limit
	}

	if offset >= end {
		return nil, nil
	}

	lines, err := wal.Range(offset, end)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, 0, len(lines))

	for i, line := range lines {
		pos := offset + i + 1

		entry, err := store.DecodeEntry(line)
		if err != nil {
			return nil, err
		}

		h := HistoryEntry{
			Position:       pos,
			Timestamp:      entry.Timestamp,
			Description:    entry.Description,
			IsCheckpoint:   containsInt(sess.Checkpoints, pos),
			IsCurrent:      pos == sess.Cursor,
			IsExternalSync: entry.EntryType == store.EntryExternalSync,
		}

		if entry.SyncMeta != nil {
			h.SyncSummary = entry.SyncMeta.Summary
		}

		out = append(out, h)
	}

	return out, nil
}

// RestoreSessions rebuilds every manifest session at startup. Sessions
// with unreadable state are dropped from the manifest and their files
// removed; restoration continues with the rest.
func (m *Manager) RestoreSessions(ctx context.Context) error {
	ix, err := m.store.LoadIndex()
	if err != nil {
		return err
	}

	var surviving []store.IndexSession

	for _, entry := range ix.Sessions {
		sess, err := m.restoreOne(ctx, entry)

		switch {
		case err == nil:
			surviving = append(surviving, entry)

			m.mu.Lock()
			m.sessions[sess.ID] = sess

			if sess.SourcePath != "" {
				m.byPath[sess.SourcePath] = sess.ID
			}
			m.mu.Unlock()
		case errIsCorrupt(err):
			m.log.Warn("dropping corrupt session",
				zap.String("session", entry.ID), zap.Error(err))

			if delErr := m.store.DeleteSession(entry.ID); delErr != nil {
				m.log.Warn("cleanup of corrupt session failed",
					zap.String("session", entry.ID), zap.Error(delErr))
			}
		default:
			return err
		}
	}

	ix.Sessions = surviving

	return m.store.SaveIndex(ix)
}

func (m *Manager) restoreOne(ctx context.Context, entry store.IndexSession) (*Session, error) {
	sess := &Session{
		ID:          entry.ID,
		SourcePath:  entry.SourcePath,
		Cursor:      entry.CursorPosition,
		Checkpoints: append([]int(nil), entry.CheckpointPositions...),
		CreatedAt:   entry.CreatedAt,
		gen:         newGenerator(entry.ID),
	}

	// A crash can leave the manifest cursor ahead of what the journal
	// actually retained; replay what exists.
	wal, err := m.store.GetOrCreateWAL(entry.ID)
	if err != nil {
		return nil, err
	}

	if sess.Cursor > wal.Count() {
		sess.Cursor = wal.Count()
	}

	doc, err := m.materialize(ctx, sess, sess.Cursor)
	if err != nil {
		return nil, err
	}

	sess.Doc = doc

	if sess.SourcePath != "" {
		sess.LastKnownContentHash = hashFileOrEmpty(sess.SourcePath)
	}

	m.log.Info("session restored",
		zap.String("session", sess.ID), zap.Int("cursor", sess.Cursor))

	return sess, nil
}
