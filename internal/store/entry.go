package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valdo404/docx-session/internal/docdiff"
)

// EntryType discriminates journal entries.
type EntryType string

// Journal entry kinds.
const (
	// EntryPatch records one applied patch batch.
	EntryPatch EntryType = "patch"

	// EntryExternalSync records a reconciliation against an externally
	// modified file. Its embedded snapshot is authoritative for jumps.
	EntryExternalSync EntryType = "external_sync"
)

// SyncMeta is the auxiliary payload of an external-sync entry.
type SyncMeta struct {
	SourcePath       string                    `json:"source_path"`
	PreviousHash     string                    `json:"previous_hash"`
	NewHash          string                    `json:"new_hash"`
	Summary          string                    `json:"summary"`
	UncoveredChanges []docdiff.UncoveredChange `json:"uncovered_changes,omitempty"`

	// DocumentSnapshotBytes is the full serialized document after the
	// sync. Reconstruction at or past this position starts from it.
	DocumentSnapshotBytes []byte `json:"document_snapshot_bytes"`
}

// Entry is one journal record. Entries are serialized as single JSON
// lines in the session's WAL.
type Entry struct {
	EntryType   EntryType       `json:"entry_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description"`
	Patches     json.RawMessage `json:"patches"`
	SyncMeta    *SyncMeta       `json:"sync_meta,omitempty"`
}

// NewPatchEntry returns a patch entry stamped with the current time.
func NewPatchEntry(description string, patches json.RawMessage) Entry {
	return Entry{
		EntryType:   EntryPatch,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Patches:     patches,
	}
}

// NewSyncEntry returns an external-sync entry stamped with the current
// time.
func NewSyncEntry(description string, patches json.RawMessage, meta *SyncMeta) Entry {
	return Entry{
		EntryType:   EntryExternalSync,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Patches:     patches,
		SyncMeta:    meta,
	}
}

// Encode serializes the entry as one journal line.
func (e *Entry) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode journal entry: %w", err)
	}

	return b, nil
}

// DecodeEntry parses one journal line.
//
// Possible errors:
//   - [ErrCorrupt]: not a valid entry
func DecodeEntry(line []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("%w: journal entry: %w", ErrCorrupt, err)
	}

	if e.EntryType != EntryPatch && e.EntryType != EntryExternalSync {
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrCorrupt, e.EntryType)
	}

	return &e, nil
}
