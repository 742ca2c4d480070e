package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(t.TempDir(), "tenant-a", nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestIndexRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	ix, err := s.LoadIndex()
	require.NoError(t, err)
	assert.Empty(t, ix.Sessions, "fresh tenant has no sessions")

	now := time.Now().UTC().Truncate(time.Second)
	ix.Upsert(IndexSession{
		ID:                  "sess-1",
		SourcePath:          "/tmp/a.docx",
		CreatedAt:           now,
		LastModifiedAt:      now,
		DocxFile:            "sess-1.docx",
		WALCount:            4,
		CursorPosition:      3,
		CheckpointPositions: []int{0, 10},
	})

	require.NoError(t, s.SaveIndex(ix))

	loaded, err := s.LoadIndex()
	require.NoError(t, err)
	require.Len(t, loaded.Sessions, 1)

	got := loaded.Session("sess-1")
	require.NotNil(t, got)
	assert.Equal(t, 3, got.CursorPosition)
	assert.Equal(t, []int{0, 10}, got.CheckpointPositions)
	assert.Equal(t, "/tmp/a.docx", got.SourcePath)

	// Manifest uses snake_case keys.
	raw, err := os.ReadFile(filepath.Join(s.Dir(), "index.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cursor_position"`)
	assert.Contains(t, string(raw), `"checkpoint_positions"`)
	assert.Contains(t, string(raw), `"version": 1`)
}

func TestLoadIndexRejectsGarbage(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "index.json"), []byte("{nope"), 0o644))

	_, err := s.LoadIndex()
	assert.ErrorIs(t, err, ErrCorrupt)

	wrongVersion, _ := json.Marshal(map[string]any{"version": 99, "sessions": []any{}})
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "index.json"), wrongVersion, 0o644))

	_, err = s.LoadIndex()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBaselineRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	require.NoError(t, s.PersistBaseline("sess-1", []byte("baseline-bytes")))

	data, err := s.LoadBaseline("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "baseline-bytes", string(data))

	_, err = s.LoadBaseline("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNearestCheckpoint(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	require.NoError(t, s.PersistBaseline("sess-1", []byte("base")))
	require.NoError(t, s.PersistCheckpoint("sess-1", 10, []byte("at-10")))
	require.NoError(t, s.PersistCheckpoint("sess-1", 20, []byte("at-20")))

	positions := []int{10, 20}

	pos, data, err := s.LoadNearestCheckpoint("sess-1", 25, positions)
	require.NoError(t, err)
	assert.Equal(t, 20, pos)
	assert.Equal(t, "at-20", string(data))

	pos, data, err = s.LoadNearestCheckpoint("sess-1", 15, positions)
	require.NoError(t, err)
	assert.Equal(t, 10, pos)
	assert.Equal(t, "at-10", string(data))

	// Below every checkpoint: the baseline.
	pos, data, err = s.LoadNearestCheckpoint("sess-1", 5, positions)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	assert.Equal(t, "base", string(data))

	// A listed-but-missing checkpoint falls through to the next one.
	pos, data, err = s.LoadNearestCheckpoint("sess-1", 99, []int{10, 20, 30})
	require.NoError(t, err)
	assert.Equal(t, 20, pos)
	assert.Equal(t, "at-20", string(data))
}

func TestDeleteCheckpointsAfter(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	for _, p := range []int{10, 20, 30} {
		require.NoError(t, s.PersistCheckpoint("sess-1", p, []byte("x")))
	}

	kept := s.DeleteCheckpointsAfter("sess-1", 15, []int{10, 20, 30})
	assert.Equal(t, []int{10}, kept)
	assert.Equal(t, []int{10}, s.CheckpointPositionsOnDisk("sess-1"))
}

func TestWALLifecycle(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	w1, err := s.GetOrCreateWAL("sess-1")
	require.NoError(t, err)

	w2, err := s.GetOrCreateWAL("sess-1")
	require.NoError(t, err)
	assert.Same(t, w1, w2, "store must reuse the open handle")

	_, err = w1.Append([]byte(`{"entry_type":"patch"}`))
	require.NoError(t, err)

	require.NoError(t, s.CloseWAL("sess-1"))

	w3, err := s.GetOrCreateWAL("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w3.Count(), "reopened journal lost entries")
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	require.NoError(t, s.PersistBaseline("sess-1", []byte("b")))
	require.NoError(t, s.PersistCheckpoint("sess-1", 10, []byte("c")))

	_, err := s.GetOrCreateWAL("sess-1")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession("sess-1"))

	_, err = s.LoadBaseline("sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.CheckpointPositionsOnDisk("sess-1"))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)

	for _, e := range entries {
		if e.Name() != "index.json" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}

func TestEntryEncodeDecode(t *testing.T) {
	t.Parallel()

	entry := NewPatchEntry("add paragraph", json.RawMessage(`[{"op":"add"}]`))

	line, err := entry.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEntry(line)
	require.NoError(t, err)
	assert.Equal(t, EntryPatch, decoded.EntryType)
	assert.Equal(t, "add paragraph", decoded.Description)
	assert.JSONEq(t, `[{"op":"add"}]`, string(decoded.Patches))

	sync := NewSyncEntry("external sync", json.RawMessage(`[]`), &SyncMeta{
		SourcePath:            "/tmp/f.docx",
		PreviousHash:          "aaaa",
		NewHash:               "bbbb",
		Summary:               "1 added",
		DocumentSnapshotBytes: []byte("snapshot"),
	})

	line, err = sync.Encode()
	require.NoError(t, err)

	// Snake-case wire keys.
	assert.Contains(t, string(line), `"entry_type":"external_sync"`)
	assert.Contains(t, string(line), `"sync_meta"`)
	assert.Contains(t, string(line), `"document_snapshot_bytes"`)

	decoded, err = DecodeEntry(line)
	require.NoError(t, err)
	require.NotNil(t, decoded.SyncMeta)
	assert.Equal(t, "snapshot", string(decoded.SyncMeta.DocumentSnapshotBytes))

	_, err = DecodeEntry([]byte(`{"entry_type":"mystery"}`))
	assert.True(t, errors.Is(err, ErrCorrupt))
}
