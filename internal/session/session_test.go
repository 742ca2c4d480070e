package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valdo404/docx-session/internal/config"
	"github.com/valdo404/docx-session/internal/dochash"
	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
	"github.com/valdo404/docx-session/internal/store"
)

func newManager(t *testing.T, root string, mutate func(*config.Config)) *Manager {
	t.Helper()

	cfg := config.Default()
	cfg.StorageRoot = root
	cfg.AutoSave = false

	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.New(cfg.StorageRoot, "tenant-test", nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	return NewManager(cfg, st, nil)
}

func addText(t *testing.T, m *Manager, id string, idx int, text string) {
	t.Helper()

	ops := []patch.Op{{
		Op:    patch.OpAdd,
		Path:  "/body/children/" + strconv.Itoa(idx),
		Value: json.RawMessage(`{"type":"paragraph","text":"` + text + `"}`),
	}}

	res, err := m.ApplyPatch(id, ops, false)
	require.NoError(t, err)
	require.True(t, res.Success, "add %q: %+v", text, res)
}

func bodyText(t *testing.T, m *Manager, id string) string {
	t.Helper()

	sess, err := m.Get(id)
	require.NoError(t, err)

	doc := sess.CloneDoc()

	return doc.Tree.NodeText(doc.Body)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	id := sess.ID

	addText(t, m, id, 0, "A")
	addText(t, m, id, 1, "B")
	addText(t, m, id, 2, "C")

	assert.Equal(t, 3, sess.Cursor)
	assert.Equal(t, "ABC", bodyText(t, m, id))

	res, err := m.Undo(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, "A", bodyText(t, m, id))

	res, err = m.Redo(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)
	assert.Equal(t, "AB", bodyText(t, m, id))

	// A new append after undo discards the redo tail.
	addText(t, m, id, 2, "D")
	assert.Equal(t, 3, sess.Cursor)
	assert.Equal(t, "ABD", bodyText(t, m, id))

	res, err = m.Redo(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, "Nothing to redo", res.Message)
	assert.Equal(t, "ABD", bodyText(t, m, id))
}

func TestUndoClampsAndReportsNothing(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	res, err := m.Undo(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Nothing to undo", res.Message)
	assert.Equal(t, 0, res.Steps)

	addText(t, m, sess.ID, 0, "only")

	// Oversized undo clamps to the cursor.
	res, err = m.Undo(ctx, sess.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Position)
	assert.Equal(t, 1, res.Steps)
}

func TestUndoRestoresBaselineHash(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	baselineHash := dochash.HashDocument(sess.CloneDoc())

	for i, text := range []string{"p1", "p2", "p3", "p4"} {
		addText(t, m, sess.ID, i, text)
	}

	afterHash := dochash.HashDocument(sess.CloneDoc())

	_, err = m.Undo(ctx, sess.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, baselineHash, dochash.HashDocument(sess.CloneDoc()), "undo(n) must return to baseline content")

	_, err = m.Redo(ctx, sess.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, afterHash, dochash.HashDocument(sess.CloneDoc()), "redo(n) must return to head content")
}

func TestJumpToMatchesStepwise(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	for i := range 6 {
		addText(t, m, sess.ID, i, "p"+strconv.Itoa(i))
	}

	_, err = m.JumpTo(ctx, sess.ID, 3)
	require.NoError(t, err)

	jumped := oxml.MustSerialize(sess.CloneDoc())

	_, err = m.JumpTo(ctx, sess.ID, 6)
	require.NoError(t, err)

	_, err = m.Undo(ctx, sess.ID, 3)
	require.NoError(t, err)

	stepped := oxml.MustSerialize(sess.CloneDoc())

	assert.Equal(t, string(jumped), string(stepped), "jump and undo to the same position must agree byte for byte")

	// Same-position jump is a recognizable no-op.
	res, err := m.JumpTo(ctx, sess.ID, 3)
	require.NoError(t, err)
	assert.Contains(t, res.Message, "Already at position 3")

	// Out of range is reported.
	_, err = m.JumpTo(ctx, sess.ID, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpointsPersistAtInterval(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), func(c *config.Config) { c.CheckpointInterval = 3 })

	sess, err := m.Create()
	require.NoError(t, err)

	for i := range 7 {
		addText(t, m, sess.ID, i, "p"+strconv.Itoa(i))
	}

	assert.Equal(t, []int{3, 6}, sess.Checkpoints)
	assert.Equal(t, []int{3, 6}, m.Store().CheckpointPositionsOnDisk(sess.ID))
}

func TestAppendAfterUndoDropsStaleCheckpoints(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), func(c *config.Config) { c.CheckpointInterval = 2 })
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	for i := range 4 {
		addText(t, m, sess.ID, i, "p"+strconv.Itoa(i))
	}

	require.Equal(t, []int{2, 4}, sess.Checkpoints)

	_, err = m.Undo(ctx, sess.ID, 3)
	require.NoError(t, err)

	addText(t, m, sess.ID, 1, "fresh")

	assert.Equal(t, []int{2}, sess.Checkpoints, "checkpoint past the truncation must be gone")
	assert.Equal(t, []int{2}, m.Store().CheckpointPositionsOnDisk(sess.ID))

	wal, err := m.Store().GetOrCreateWAL(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, wal.Count())
}

func TestCompact(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), func(c *config.Config) { c.CheckpointInterval = 2 })
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	for i := range 4 {
		addText(t, m, sess.ID, i, "p"+strconv.Itoa(i))
	}

	// With redo history pending, compact declines silently.
	_, err = m.Undo(ctx, sess.ID, 1)
	require.NoError(t, err)
	require.NoError(t, m.Compact(sess.ID, false))

	wal, err := m.Store().GetOrCreateWAL(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, wal.Count(), "compact must not run with redo history")

	// Discarding redo compacts for real.
	require.NoError(t, m.Compact(sess.ID, true))
	assert.Equal(t, 0, sess.Cursor)
	assert.Equal(t, 0, wal.Count())
	assert.Empty(t, m.Store().CheckpointPositionsOnDisk(sess.ID))
	assert.Equal(t, "p0p1p2", bodyText(t, m, sess.ID), "baseline is the pre-compact state")

	// The compacted baseline reloads as-is.
	baseline, err := m.Store().LoadBaseline(sess.ID)
	require.NoError(t, err)

	doc, err := oxml.Parse(baseline)
	require.NoError(t, err)
	assert.Equal(t, "p0p1p2", doc.Tree.NodeText(doc.Body))
}

func TestGetHistory(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), func(c *config.Config) { c.CheckpointInterval = 2 })
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	for i := range 4 {
		addText(t, m, sess.ID, i, "p"+strconv.Itoa(i))
	}

	_, err = m.Undo(ctx, sess.ID, 1)
	require.NoError(t, err)

	entries, err := m.GetHistory(sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, "add", entries[0].Description)
	assert.True(t, entries[1].IsCheckpoint, "position 2 is a checkpoint")
	assert.True(t, entries[2].IsCurrent, "cursor sits at 3 after undo")
	assert.False(t, entries[3].IsCurrent)

	// Paging.
	page, err := m.GetHistory(sess.ID, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 3, page[0].Position)
}

func TestRestoreSessions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := newManager(t, root, func(c *config.Config) { c.CheckpointInterval = 3 })
	ctx := context.Background()

	sess, err := m.Create()
	require.NoError(t, err)

	id := sess.ID

	for i := range 5 {
		addText(t, m, id, i, "p"+strconv.Itoa(i))
	}

	_, err = m.Undo(ctx, id, 1)
	require.NoError(t, err)

	want := bodyText(t, m, id)
	require.NoError(t, m.Store().Close())

	// A fresh manager over the same root replays to the stored cursor.
	m2 := newManager(t, root, func(c *config.Config) { c.CheckpointInterval = 3 })
	require.NoError(t, m2.RestoreSessions(ctx))

	restored, err := m2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Cursor)
	assert.Equal(t, want, bodyText(t, m2, id))

	// Ids still resolve after the rebuild.
	found := false

	restored.Doc.Tree.Walk(restored.Doc.Body, func(n oxml.NodeID) bool {
		if _, ok := restored.Doc.Tree.Attr(n, oxml.NSIdentity, "id"); ok {
			found = true

			return false
		}

		return true
	})
	assert.True(t, found, "restored tree lost identity attributes")
}

func TestRestoreDropsCorruptSession(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := newManager(t, root, nil)
	ctx := context.Background()

	good, err := m.Create()
	require.NoError(t, err)
	addText(t, m, good.ID, 0, "healthy")

	bad, err := m.Create()
	require.NoError(t, err)
	addText(t, m, bad.ID, 0, "doomed")

	require.NoError(t, m.Store().Close())

	// Destroy the bad session's baseline beyond repair.
	require.NoError(t, m.Store().PersistBaseline(bad.ID, []byte("not a document at all")))

	m2 := newManager(t, root, nil)
	require.NoError(t, m2.RestoreSessions(ctx))

	_, err = m2.Get(good.ID)
	assert.NoError(t, err, "healthy session must survive")

	_, err = m2.Get(bad.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ix, err := m2.Store().LoadIndex()
	require.NoError(t, err)
	assert.Nil(t, ix.Session(bad.ID), "corrupt session must leave the manifest")
}

func TestCloseRemovesEverything(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)

	sess, err := m.Create()
	require.NoError(t, err)
	addText(t, m, sess.ID, 0, "bye")

	require.NoError(t, m.Close(sess.ID))

	_, err = m.Get(sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.Store().LoadBaseline(sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveSessionByIDAndUnknown(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)

	sess, err := m.Create()
	require.NoError(t, err)

	got, err := m.ResolveSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = m.ResolveSession("no-such-session")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveBindsPathAndRejectsConflicts(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "out.docx")

	a, err := m.Create()
	require.NoError(t, err)
	addText(t, m, a.ID, 0, "mine")

	require.NoError(t, m.Save(a.ID, path))
	assert.Equal(t, path, a.SourcePath)
	assert.NotEmpty(t, a.LastKnownContentHash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	doc, err := oxml.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "mine", doc.Tree.NodeText(doc.Body))

	// A second session cannot steal the path.
	b, err := m.Create()
	require.NoError(t, err)

	err = m.Save(b.ID, path)
	assert.ErrorIs(t, err, ErrConflict)

	// Saving again from the owner is fine.
	require.NoError(t, m.Save(a.ID, path))
}

func TestOpenDeduplicatesByPath(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.docx")

	seed, err := m.Create()
	require.NoError(t, err)
	addText(t, m, seed.ID, 0, "content")
	require.NoError(t, m.Save(seed.ID, path))

	again, err := m.Open(path)
	require.NoError(t, err)
	assert.Equal(t, seed.ID, again.ID, "opening a bound path must return the existing session")

	// ResolveSession with an absolute path routes through Open.
	viaResolve, err := m.ResolveSession(path)
	require.NoError(t, err)
	assert.Equal(t, seed.ID, viaResolve.ID)
}

func TestCancelledReconstructionLeavesState(t *testing.T) {
	t.Parallel()

	m := newManager(t, t.TempDir(), func(c *config.Config) { c.CheckpointInterval = 100 })

	sess, err := m.Create()
	require.NoError(t, err)

	for i := range 5 {
		addText(t, m, sess.ID, i, "p"+strconv.Itoa(i))
	}

	before := bodyText(t, m, sess.ID)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Undo(cancelled, sess.ID, 3)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 5, sess.Cursor, "cursor must not move on cancellation")
	assert.Equal(t, before, bodyText(t, m, sess.ID))
}
