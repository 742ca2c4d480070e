// Package mapwal implements the append-only session journal as a single
// memory-mapped file.
//
// Layout: a fixed 16-byte header {magic "DXWL", entry count u32 LE, used
// bytes u64 LE} followed by a data region of newline-terminated UTF-8 JSON
// lines. Trailing capacity is reserved for growth; the mapping doubles
// when an append would overflow it.
//
// An in-memory offset index gives O(1) append and O(1) random-access
// reads. On reopen the index is rebuilt by one linear scan bounded by the
// header's used-byte count; corrupt or truncated trailing entries are
// discarded.
//
// One writer per file. Readers and the writer coordinate through an
// in-process lock; cross-process writers on the same file are not
// supported. Growth remaps the file, so reads return copies rather than
// slices into the mapping.
package mapwal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	magic      = "DXWL"
	headerSize = 16

	// initialCapacity sizes fresh journal files. Small sessions stay in
	// one page table entry; growth doubles from here.
	initialCapacity = 64 * 1024
)

// ErrCorrupt indicates the journal header is unreadable. Unlike a torn
// tail, which recovery drops silently, a bad header means the file is not
// a journal.
var ErrCorrupt = errors.New("journal corrupt")

// ErrClosed indicates use after Close.
var ErrClosed = errors.New("journal closed")

// ErrRange indicates an entry index outside [0, Count).
var ErrRange = errors.New("entry index out of range")

// WAL is one mapped journal file.
type WAL struct {
	mu sync.RWMutex

	f        *os.File
	data     []byte
	capacity int64

	entryCount uint32
	usedBytes  uint64

	// offsets[i] is the start of entry i relative to the data region;
	// the end of entry i is offsets[i+1] (exclusive of its newline) or
	// usedBytes for the last entry.
	offsets []uint64

	closed bool
}

// Open opens or creates the journal at path and recovers its entry index.
//
// Possible errors:
//   - [ErrCorrupt]: existing file with a bad magic
//   - os errors: open, truncate, mmap
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("stat journal: %w", err)
	}

	size := info.Size()
	fresh := size < headerSize

	if fresh {
		size = initialCapacity
		if err := f.Truncate(size); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("size journal: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("mmap journal: %w", err)
	}

	w := &WAL{f: f, data: data, capacity: size}

	if fresh {
		copy(w.data[:4], magic)
		w.writeHeader()

		if err := w.flush(); err != nil {
			_ = w.Close()

			return nil, err
		}

		return w, nil
	}

	if err := w.recover(); err != nil {
		_ = w.Close()

		return nil, err
	}

	return w, nil
}

// recover validates the header and rebuilds the offset index, discarding
// any torn tail.
func (w *WAL) recover() error {
	if string(w.data[:4]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, w.data[:4])
	}

	headerCount := binary.LittleEndian.Uint32(w.data[4:8])
	used := binary.LittleEndian.Uint64(w.data[8:16])

	maxUsed := uint64(w.capacity - headerSize)
	if used > maxUsed {
		used = maxUsed
	}

	region := w.data[headerSize : headerSize+int(used)]

	var (
		offsets []uint64
		start   uint64
	)

	for i := 0; i < len(region); i++ {
		if region[i] != '\n' {
			continue
		}

		line := region[start:i]
		if !json.Valid(line) {
			// A torn or corrupt line; everything after it is gone too.
			break
		}

		offsets = append(offsets, start)
		start = uint64(i + 1)

		if uint32(len(offsets)) == headerCount {
			break
		}
	}

	w.offsets = offsets
	w.entryCount = uint32(len(offsets))
	w.usedBytes = start

	if w.entryCount != headerCount || used != start {
		w.writeHeader()

		return w.flush()
	}

	return nil
}

// Count returns the number of readable entries.
func (w *WAL) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return int(w.entryCount)
}

// Append writes one entry line (a JSON document without trailing newline)
// and returns the new entry count.
//
// Possible errors:
//   - [ErrClosed]
//   - os errors: remap during growth, msync
func (w *WAL) Append(line []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	needed := int64(headerSize) + int64(w.usedBytes) + int64(len(line)) + 1
	if needed > w.capacity {
		if err := w.grow(needed); err != nil {
			return 0, err
		}
	}

	off := headerSize + int(w.usedBytes)
	copy(w.data[off:], line)
	w.data[off+len(line)] = '\n'

	w.offsets = append(w.offsets, w.usedBytes)
	w.usedBytes += uint64(len(line)) + 1
	w.entryCount++
	w.writeHeader()

	if err := w.flushRange(off, len(line)+1); err != nil {
		return 0, err
	}

	return int(w.entryCount), nil
}

// Entry returns a copy of entry k (0-based), without its newline.
//
// Possible errors:
//   - [ErrClosed], [ErrRange]
func (w *WAL) Entry(k int) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return nil, ErrClosed
	}

	return w.entryLocked(k)
}

func (w *WAL) entryLocked(k int) ([]byte, error) {
	if k < 0 || k >= int(w.entryCount) {
		return nil, fmt.Errorf("%w: %d of %d", ErrRange, k, w.entryCount)
	}

	start := w.offsets[k]

	end := w.usedBytes
	if k+1 < int(w.entryCount) {
		end = w.offsets[k+1]
	}

	line := w.data[headerSize+int(start) : headerSize+int(end)-1]
	out := make([]byte, len(line))
	copy(out, line)

	return out, nil
}

// Range returns copies of entries [lo, hi).
//
// Possible errors:
//   - [ErrClosed], [ErrRange]
func (w *WAL) Range(lo, hi int) ([][]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return nil, ErrClosed
	}

	if lo < 0 || hi > int(w.entryCount) || lo > hi {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrRange, lo, hi, w.entryCount)
	}

	out := make([][]byte, 0, hi-lo)

	for k := lo; k < hi; k++ {
		line, err := w.entryLocked(k)
		if err != nil {
			return nil, err
		}

		out = append(out, line)
	}

	return out, nil
}

// Truncate discards every entry. Capacity is kept.
func (w *WAL) Truncate() error {
	return w.TruncateAt(0)
}

// TruncateAt discards entries at positions >= n (0-based count n kept).
//
// Possible errors:
//   - [ErrClosed], [ErrRange]
func (w *WAL) TruncateAt(n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if n < 0 || n > int(w.entryCount) {
		return fmt.Errorf("%w: truncate at %d of %d", ErrRange, n, w.entryCount)
	}

	if n == int(w.entryCount) {
		return nil
	}

	if n == 0 {
		w.usedBytes = 0
	} else {
		w.usedBytes = w.offsets[n]
	}

	w.offsets = w.offsets[:n]
	w.entryCount = uint32(n)
	w.writeHeader()

	return w.flush()
}

// Close unmaps and closes the file. Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	var firstErr error

	if w.data != nil {
		if err := unix.Munmap(w.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap journal: %w", err)
		}

		w.data = nil
	}

	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}

	return firstErr
}

// grow remaps the file at double (or more) capacity. Outstanding read
// slices are invalidated, which is why reads copy.
func (w *WAL) grow(needed int64) error {
	newCap := w.capacity
	for newCap < needed {
		newCap *= 2
	}

	if err := unix.Munmap(w.data); err != nil {
		return fmt.Errorf("munmap for growth: %w", err)
	}

	w.data = nil

	if err := w.f.Truncate(newCap); err != nil {
		return fmt.Errorf("grow journal: %w", err)
	}

	data, err := unix.Mmap(int(w.f.Fd()), 0, int(newCap), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remap journal: %w", err)
	}

	w.data = data
	w.capacity = newCap

	return nil
}

func (w *WAL) writeHeader() {
	binary.LittleEndian.PutUint32(w.data[4:8], w.entryCount)
	binary.LittleEndian.PutUint64(w.data[8:16], w.usedBytes)
}

// flush syncs the header page and the tail page of the data region, the
// pages a metadata-only mutation can dirty.
func (w *WAL) flush() error {
	return w.flushRange(headerSize+int(w.usedBytes), 0)
}

// flushRange syncs the header page plus the pages covering [start,
// start+n) of the mapping.
func (w *WAL) flushRange(start, n int) error {
	page := unix.Getpagesize()

	if err := w.msync(0, page); err != nil {
		return err
	}

	lo := start / page * page

	return w.msync(lo, start+n-lo)
}

func (w *WAL) msync(start, n int) error {
	if start >= len(w.data) || n <= 0 {
		return nil
	}

	end := start + n
	if end > len(w.data) {
		end = len(w.data)
	}

	if err := unix.Msync(w.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync journal: %w", err)
	}

	return nil
}
