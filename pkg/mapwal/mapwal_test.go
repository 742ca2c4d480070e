package mapwal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTemp(t *testing.T) (*WAL, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.wal")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = w.Close() })

	return w, path
}

func mustAppend(t *testing.T, w *WAL, line string) int {
	t.Helper()

	n, err := w.Append([]byte(line))
	if err != nil {
		t.Fatalf("Append(%q): %v", line, err)
	}

	return n
}

func TestAppendAndRead(t *testing.T) {
	t.Parallel()

	w, _ := openTemp(t)

	if got := mustAppend(t, w, `{"n":1}`); got != 1 {
		t.Errorf("first append count = %d, want 1", got)
	}

	mustAppend(t, w, `{"n":2}`)
	mustAppend(t, w, `{"n":3}`)

	if w.Count() != 3 {
		t.Fatalf("Count = %d, want 3", w.Count())
	}

	entry, err := w.Entry(1)
	if err != nil {
		t.Fatalf("Entry(1): %v", err)
	}

	if string(entry) != `{"n":2}` {
		t.Errorf("Entry(1) = %s", entry)
	}

	lines, err := w.Range(0, 3)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	if len(lines) != 3 || string(lines[2]) != `{"n":3}` {
		t.Errorf("Range = %q", lines)
	}

	if _, err := w.Entry(3); !errors.Is(err, ErrRange) {
		t.Errorf("Entry(3) err = %v, want ErrRange", err)
	}
}

func TestReopenRecoversIndex(t *testing.T) {
	t.Parallel()

	w, path := openTemp(t)

	for i := range 5 {
		mustAppend(t, w, fmt.Sprintf(`{"n":%d}`, i))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = re.Close() }()

	if re.Count() != 5 {
		t.Fatalf("reopened Count = %d, want 5", re.Count())
	}

	entry, err := re.Entry(4)
	if err != nil {
		t.Fatalf("Entry(4): %v", err)
	}

	if string(entry) != `{"n":4}` {
		t.Errorf("Entry(4) = %s", entry)
	}
}

func TestCorruptTailIsDiscarded(t *testing.T) {
	t.Parallel()

	w, path := openTemp(t)
	mustAppend(t, w, `{"good":1}`)
	mustAppend(t, w, `{"good":2}`)

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn append: garbage bytes after the last entry with a
	// header that claims them.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	used := binary.LittleEndian.Uint64(data[8:16])
	garbage := []byte("{\"torn\": tr")
	copy(data[headerSize+int(used):], garbage)
	binary.LittleEndian.PutUint32(data[4:8], 3)
	binary.LittleEndian.PutUint64(data[8:16], used+uint64(len(garbage)))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	re, err := Open(path)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer func() { _ = re.Close() }()

	if re.Count() != 2 {
		t.Fatalf("Count after torn tail = %d, want 2", re.Count())
	}

	entry, err := re.Entry(1)
	if err != nil {
		t.Fatal(err)
	}

	if string(entry) != `{"good":2}` {
		t.Errorf("Entry(1) = %s", entry)
	}

	// The journal stays appendable after recovery.
	if got := mustAppend(t, re, `{"good":3}`); got != 3 {
		t.Errorf("append after recovery count = %d, want 3", got)
	}
}

func TestBadMagicIsCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.wal")
	if err := os.WriteFile(path, []byte("XXXX0123456789abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open(bad magic) err = %v, want ErrCorrupt", err)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	w, _ := openTemp(t)

	for i := range 4 {
		mustAppend(t, w, fmt.Sprintf(`{"n":%d}`, i))
	}

	if err := w.TruncateAt(2); err != nil {
		t.Fatalf("TruncateAt: %v", err)
	}

	if w.Count() != 2 {
		t.Fatalf("Count after TruncateAt(2) = %d", w.Count())
	}

	// Appends continue from the truncation point.
	mustAppend(t, w, `{"n":"new"}`)

	entry, err := w.Entry(2)
	if err != nil {
		t.Fatal(err)
	}

	if string(entry) != `{"n":"new"}` {
		t.Errorf("Entry(2) = %s", entry)
	}

	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if w.Count() != 0 {
		t.Errorf("Count after Truncate = %d", w.Count())
	}

	if err := w.TruncateAt(1); !errors.Is(err, ErrRange) {
		t.Errorf("TruncateAt past end err = %v, want ErrRange", err)
	}
}

func TestGrowthBeyondInitialCapacity(t *testing.T) {
	t.Parallel()

	w, path := openTemp(t)

	big := `{"pad":"` + strings.Repeat("x", 8*1024) + `"}`
	for range 20 {
		mustAppend(t, w, big)
	}

	if w.Count() != 20 {
		t.Fatalf("Count = %d, want 20", w.Count())
	}

	entry, err := w.Entry(19)
	if err != nil {
		t.Fatal(err)
	}

	if string(entry) != big {
		t.Error("large entry corrupted after growth")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() <= initialCapacity {
		t.Errorf("file did not grow: %d bytes", info.Size())
	}

	// Growth survives reopen.
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	re, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = re.Close() }()

	if re.Count() != 20 {
		t.Errorf("reopened Count = %d, want 20", re.Count())
	}
}

func TestClosedOperationsFail(t *testing.T) {
	t.Parallel()

	w, _ := openTemp(t)
	mustAppend(t, w, `{}`)

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Append([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after close err = %v, want ErrClosed", err)
	}

	if _, err := w.Entry(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Entry after close err = %v, want ErrClosed", err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}
}
