// Package list implements an append-only file of fixed-width records with
// buffered writes, in-place chunked external sort and a merged
// sorted-unique iterator. A list coordinates cross-process access through
// the lockable substrate; it has no file header, the record width is
// supplied at open time.
package list

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/cluso-triplestore/pkg/logging"
	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

const (
	// bufferRecords is the number of appends buffered in memory before an
	// implicit flush
	bufferRecords = 256

	// ChunkSize is the unit of the external sort. It must be a multiple of
	// the page size; record widths must divide it.
	ChunkSize = 131072 * 4096
)

// SortState tracks how much ordering the file currently has.
type SortState int

const (
	Unsorted SortState = iota
	ChunkSorted
	Sorted
)

// String returns a printable name for the sort state.
func (s SortState) String() string {
	switch s {
	case Unsorted:
		return "unsorted"
	case ChunkSorted:
		return "chunk sorted"
	case Sorted:
		return "sorted"
	default:
		return "invalid"
	}
}

// Compare orders two records of the list's width.
type Compare func(a, b []byte) int

// List is a buffered, file-backed sequence of fixed-width records.
type List struct {
	hf        *storage.Lockable
	width     int
	offset    int64 // records on disk
	buffer    []byte
	bufferPos int
	state     SortState
	cmp       Compare

	readPos int64 // sequential read cursor, bytes

	// merge iterator state, allocated on first NextSortUniquedLocked call
	chunkPos []int64
	chunkEnd []int64
	mapped   []byte
	last     []byte
	count    int64
}

// Open creates or opens a list file of the given record width. The width
// must divide the sort chunk size. Flags are os.OpenFile flags.
func Open(path string, width int, flags int) (*List, error) {
	if width <= 0 || ChunkSize%width != 0 {
		logging.Crit("list width does not divide chunk size",
			logging.Path(path), logging.Width(width))
		return nil, storage.NewFileError("open", path, storage.ErrBadWidth)
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		logging.ErrorLog("failed to open list file", logging.Path(path), logging.Error(err))
		return nil, storage.NewFileError("open", path, err)
	}

	l := &List{
		hf:     storage.NewLockable(f, path, flags),
		width:  width,
		buffer: make([]byte, bufferRecords*width),
		state:  Unsorted,
	}
	l.hf.ReadMetadata = l.readMetadata
	l.hf.WriteMetadata = l.flush

	if err := l.hf.Init(); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

// Handle exposes the lockable substrate, for callers that batch operations
// under one lock or decorate the metadata hooks.
func (l *List) Handle() *storage.Lockable {
	return l.hf
}

// Width returns the record width in bytes.
func (l *List) Width() int {
	return l.width
}

// readMetadata derives the on-disk record count from the file length.
func (l *List) readMetadata() error {
	end, err := l.hf.File().Seek(0, io.SeekEnd)
	if err != nil {
		logging.Crit("cannot seek to end of list", logging.Path(l.hf.Path()), logging.Error(err))
		return storage.NewFileError("seek", l.hf.Path(), err)
	}
	if end%int64(l.width) != 0 {
		logging.Crit("list length not a multiple of record width",
			logging.Path(l.hf.Path()), logging.Int64("length", end), logging.Width(l.width))
		return storage.NewFileError("open", l.hf.Path(), storage.ErrCorruptHeader)
	}
	l.offset = end / int64(l.width)

	return nil
}

// flush writes buffered records to the file and re-derives the on-disk
// count from the resulting length.
func (l *List) flush() error {
	if l.bufferPos > 0 {
		n, err := l.hf.File().WriteAt(l.buffer[:l.bufferPos*l.width], l.offset*int64(l.width))
		if err != nil || n != l.bufferPos*l.width {
			logging.ErrorLog("failed to write to list", logging.Path(l.hf.Path()), logging.Error(err))
			return storage.NewFileError("write", l.hf.Path(), err)
		}
	}

	l.bufferPos = 0
	end, err := l.hf.File().Seek(0, io.SeekEnd)
	if err != nil {
		return storage.NewFileError("seek", l.hf.Path(), err)
	}
	l.offset = end / int64(l.width)

	return nil
}

func (l *List) assertLocked(mode storage.LockMode) error {
	if !l.hf.Test(mode) {
		return storage.NewFileError("list", l.hf.Path(), storage.ErrNotLocked)
	}
	return nil
}

// Add appends a record under an exclusive lock and returns its index.
func (l *List) Add(rec []byte) (int64, error) {
	if err := l.hf.Lock(storage.LockEX); err != nil {
		return -1, err
	}
	pos, err := l.AddLocked(rec)
	if uerr := l.hf.Lock(storage.LockUN); uerr != nil {
		return -1, uerr
	}
	return pos, err
}

// AddLocked appends a record. The caller must hold the exclusive lock.
// The buffer is flushed to the file when it fills.
func (l *List) AddLocked(rec []byte) (int64, error) {
	if err := l.assertLocked(storage.LockEX); err != nil {
		return -1, err
	}
	if len(rec) != l.width {
		return -1, storage.NewFileError("add", l.hf.Path(), storage.ErrBadWidth)
	}

	if l.bufferPos == bufferRecords {
		if err := l.flush(); err != nil {
			return -1, err
		}
	}

	copy(l.buffer[l.bufferPos*l.width:], rec)
	l.bufferPos++

	return l.offset + int64(l.bufferPos) - 1, nil
}

// Get reads the record at index pos under a shared lock.
func (l *List) Get(pos int64, out []byte) error {
	if err := l.hf.Lock(storage.LockSH); err != nil {
		return err
	}
	err := l.GetLocked(pos, out)
	if uerr := l.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// GetLocked reads the record at index pos. Records not yet flushed are
// served from the append buffer.
func (l *List) GetLocked(pos int64, out []byte) error {
	if err := l.assertLocked(storage.LockSH | storage.LockEX); err != nil {
		return err
	}

	if pos >= l.offset {
		// fetch from buffer
		if pos >= l.offset+int64(l.bufferPos) {
			logging.Crit("tried to read past end of list",
				logging.Path(l.hf.Path()), logging.Int64("pos", pos),
				logging.Int64("length", l.offset+int64(l.bufferPos)))
			return storage.NewFileError("get", l.hf.Path(), storage.ErrOutOfRange)
		}
		copy(out, l.buffer[(pos-l.offset)*int64(l.width):])
		return nil
	}

	if _, err := l.hf.File().ReadAt(out[:l.width], pos*int64(l.width)); err != nil {
		logging.Crit("failed to read from list", logging.Path(l.hf.Path()),
			logging.Int64("pos", pos), logging.Error(err))
		return storage.NewFileError("get", l.hf.Path(), err)
	}

	return nil
}

// LengthLocked returns the logical record count including buffered appends.
func (l *List) LengthLocked() int64 {
	return l.offset + int64(l.bufferPos)
}

// Length returns the logical record count under a shared lock.
func (l *List) Length() (int64, error) {
	if err := l.hf.Lock(storage.LockSH); err != nil {
		return 0, err
	}
	n := l.LengthLocked()
	if err := l.hf.Lock(storage.LockUN); err != nil {
		return 0, err
	}
	return n, nil
}

// RewindLocked resets the sequential read cursor to the first record.
func (l *List) RewindLocked() {
	l.readPos = 0
}

// NextValueLocked reads the next record sequentially from the file. It
// returns false with a nil error at end of file; a short record or a read
// failure returns false with the error.
func (l *List) NextValueLocked(out []byte) (bool, error) {
	if err := l.assertLocked(storage.LockSH | storage.LockEX); err != nil {
		return false, err
	}

	n, err := l.hf.File().ReadAt(out[:l.width], l.readPos)
	if n == 0 && err == io.EOF {
		return false, nil
	}
	if n != l.width {
		logging.ErrorLog("short read from list", logging.Path(l.hf.Path()),
			logging.Int("got", n), logging.Width(l.width), logging.Error(err))
		return false, storage.NewFileError("read", l.hf.Path(), err)
	}
	l.readPos += int64(l.width)

	return true, nil
}

// Truncate resets the list to empty under an exclusive lock.
func (l *List) Truncate() error {
	if err := l.hf.Lock(storage.LockEX); err != nil {
		return err
	}
	err := l.TruncateLocked()
	if uerr := l.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// TruncateLocked resets the list to empty. The sort state returns to
// unsorted.
func (l *List) TruncateLocked() error {
	if err := l.assertLocked(storage.LockEX); err != nil {
		return err
	}

	if err := l.hf.File().Truncate(0); err != nil {
		logging.Crit("failed to truncate list", logging.Path(l.hf.Path()), logging.Error(err))
		return storage.NewFileError("truncate", l.hf.Path(), err)
	}
	l.offset = 0
	l.bufferPos = 0
	l.readPos = 0
	l.state = Unsorted

	return nil
}

// Print writes a diagnostic dump of the list under a shared lock.
func (l *List) Print(w io.Writer, verbosity int) error {
	if err := l.hf.Lock(storage.LockSH); err != nil {
		return err
	}
	err := l.PrintLocked(w, verbosity)
	if uerr := l.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// PrintLocked writes a diagnostic dump of the list. At verbosity above
// zero every record is dumped as 64-bit words when the width allows it.
func (l *List) PrintLocked(w io.Writer, verbosity int) error {
	if err := l.assertLocked(storage.LockSH | storage.LockEX); err != nil {
		return err
	}

	fmt.Fprintf(w, "list of %d entries\n", l.offset+int64(l.bufferPos))
	if l.bufferPos > 0 {
		fmt.Fprintf(w, "   (%d buffered)\n", l.bufferPos)
	}
	fmt.Fprintf(w, "  width %d bytes\n", l.width)
	fmt.Fprintf(w, "  sort state: %s\n", l.state)

	if verbosity < 1 {
		return nil
	}

	buf := make([]byte, l.width)
	chunkRecords := int64(ChunkSize / l.width)
	for i := int64(0); i < l.offset; i++ {
		if l.state == ChunkSorted && i > 0 && i%chunkRecords == 0 {
			fmt.Fprintf(w, "--- sort chunk boundary ----\n")
		}
		if _, err := l.hf.File().ReadAt(buf, i*int64(l.width)); err != nil {
			logging.ErrorLog("error reading entry from list",
				logging.Path(l.hf.Path()), logging.Int64("pos", i), logging.Error(err))
			continue
		}
		if l.width%8 == 0 {
			fmt.Fprintf(w, "%08x", i)
			for j := 0; j+8 <= l.width; j += 8 {
				fmt.Fprintf(w, " %016x", binary.LittleEndian.Uint64(buf[j:]))
			}
			fmt.Fprintf(w, "\n")
		}
	}

	return nil
}

// Unlink removes the list file from the filesystem.
func (l *List) Unlink() error {
	return os.Remove(l.hf.Path())
}

// Close releases the merge iterator mapping, if any, and the file.
func (l *List) Close() error {
	if l.mapped != nil {
		storage.Unmap(l.mapped)
		l.mapped = nil
	}
	return l.hf.File().Close()
}
