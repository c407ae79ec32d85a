package list

import (
	"bytes"
	"sort"
	"time"

	"github.com/dd0wney/cluso-triplestore/pkg/logging"
	"github.com/dd0wney/cluso-triplestore/pkg/metrics"
	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

// recordSorter adapts a memory-mapped run of fixed-width records to
// sort.Interface so the file can be sorted in place.
type recordSorter struct {
	data  []byte
	width int
	cmp   Compare
	tmp   []byte
}

func (r *recordSorter) Len() int {
	return len(r.data) / r.width
}

func (r *recordSorter) Less(i, j int) bool {
	return r.cmp(r.data[i*r.width:(i+1)*r.width], r.data[j*r.width:(j+1)*r.width]) < 0
}

func (r *recordSorter) Swap(i, j int) {
	a := r.data[i*r.width : (i+1)*r.width]
	b := r.data[j*r.width : (j+1)*r.width]
	copy(r.tmp, a)
	copy(a, b)
	copy(b, r.tmp)
}

// sortChunk maps [start, start+length) records read-write and sorts them
// in place. start*width must be page aligned.
func (l *List) sortChunk(start, length int64, cmp Compare) error {
	if length == 0 {
		return nil
	}
	m, err := storage.MapSharedAt(l.hf.File(), start*int64(l.width), int(length)*l.width, true)
	if err != nil {
		logging.ErrorLog("failed to map list for sort", logging.Path(l.hf.Path()),
			logging.Int64("start", start*int64(l.width)),
			logging.Int64("length", length*int64(l.width)), logging.Error(err))
		return storage.NewFileError("mmap", l.hf.Path(), err)
	}

	sort.Sort(&recordSorter{data: m, width: l.width, cmp: cmp, tmp: make([]byte, l.width)})

	if err := storage.Unmap(m); err != nil {
		return storage.NewFileError("munmap", l.hf.Path(), err)
	}

	return nil
}

// Sort sorts the whole list in place under an exclusive lock.
func (l *List) Sort(cmp Compare) error {
	if err := l.hf.Lock(storage.LockEX); err != nil {
		return err
	}
	err := l.SortLocked(cmp)
	if uerr := l.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// SortLocked flushes buffered appends and sorts the whole file in place
// through a read-write mapping.
func (l *List) SortLocked(cmp Compare) error {
	if err := l.assertLocked(storage.LockEX); err != nil {
		return err
	}

	start := time.Now()
	if err := l.flush(); err != nil {
		return err
	}
	l.cmp = cmp

	if err := l.sortChunk(0, l.offset, cmp); err != nil {
		return err
	}
	l.state = Sorted
	metrics.SortObserved("full", time.Since(start))

	return nil
}

// SortChunked sorts the list chunk by chunk under an exclusive lock.
func (l *List) SortChunked(cmp Compare) error {
	if err := l.hf.Lock(storage.LockEX); err != nil {
		return err
	}
	err := l.SortChunkedLocked(cmp)
	if uerr := l.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// SortChunkedLocked flushes buffered appends and sorts each chunk
// independently in place. A list no longer than one chunk ends up fully
// sorted; longer lists are chunk sorted and must be read back through
// NextSortUniquedLocked.
func (l *List) SortChunkedLocked(cmp Compare) error {
	if err := l.assertLocked(storage.LockEX); err != nil {
		return err
	}

	start := time.Now()
	if err := l.flush(); err != nil {
		return err
	}
	l.cmp = cmp

	chunkRecords := int64(ChunkSize / l.width)
	for c := int64(0); c < l.offset; c += chunkRecords {
		length := l.offset - c
		if length > chunkRecords {
			length = chunkRecords
		}
		if err := l.sortChunk(c, length, cmp); err != nil {
			logging.ErrorLog("chunked sort failed", logging.Path(l.hf.Path()),
				logging.Int64("chunk", c/chunkRecords), logging.Error(err))
			return err
		}
	}
	if l.offset <= chunkRecords {
		l.state = Sorted
	} else {
		l.state = ChunkSorted
	}
	metrics.SortObserved("chunked", time.Since(start))

	return nil
}

// initMerge sets up the multi-way merge cursors and maps the file
// read-only. Returns false when the list is empty.
func (l *List) initMerge() (bool, error) {
	size := l.offset * int64(l.width)
	if size == 0 {
		return false, nil
	}

	l.count = 0
	chunks := int(size/ChunkSize) + 1
	l.chunkPos = make([]int64, chunks)
	l.chunkEnd = make([]int64, chunks)
	for c := 0; c < chunks; c++ {
		l.chunkPos[c] = int64(c) * ChunkSize
		l.chunkEnd[c] = int64(c+1) * ChunkSize
	}
	l.chunkEnd[chunks-1] = size

	var chunkLength int64
	for c := 0; c < chunks; c++ {
		chunkLength += (l.chunkEnd[c] - l.chunkPos[c]) / int64(l.width)
	}
	if chunkLength != l.offset {
		logging.ErrorLog("chunk accounting does not cover list",
			logging.Path(l.hf.Path()), logging.Int64("chunked", chunkLength),
			logging.Int64("length", l.offset))
		l.chunkPos = nil
		l.chunkEnd = nil
		return false, storage.NewFileError("merge", l.hf.Path(), storage.ErrOutOfRange)
	}

	m, err := storage.MapShared(l.hf.File(), int(size), false)
	if err != nil {
		l.chunkPos = nil
		l.chunkEnd = nil
		return false, storage.NewFileError("mmap", l.hf.Path(), err)
	}
	l.mapped = m
	l.last = make([]byte, l.width)

	return true, nil
}

func (l *List) finishMerge() {
	if l.count != l.offset {
		logging.ErrorLog("merge did not consume every record",
			logging.Path(l.hf.Path()), logging.Int64("consumed", l.count),
			logging.Int64("length", l.offset))
	}
	l.chunkPos = nil
	l.chunkEnd = nil
	l.last = nil
	storage.Unmap(l.mapped)
	l.mapped = nil
}

// NextSortUniquedLocked returns the next record of the sorted list,
// merging the sorted chunks and skipping bytewise duplicates. It returns
// false when the merge is exhausted. Calling it on an unsorted list logs
// a warning and degrades to NextValueLocked.
func (l *List) NextSortUniquedLocked(out []byte) (bool, error) {
	if err := l.assertLocked(storage.LockSH | storage.LockEX); err != nil {
		return false, err
	}

	if l.state == Unsorted {
		logging.Warn("next-sort-uniqued called on unsorted list", logging.Path(l.hf.Path()))
		return l.NextValueLocked(out)
	}

	// initialise if this is the first time we're called
	if l.chunkPos == nil {
		ok, err := l.initMerge()
		if !ok {
			return false, err
		}
	}

	for {
		bestC := -1
		for c := range l.chunkPos {
			if l.chunkPos[c] >= l.chunkEnd[c] {
				continue
			}
			if bestC == -1 || l.cmp(l.mapped[l.chunkPos[c]:l.chunkPos[c]+int64(l.width)],
				l.mapped[l.chunkPos[bestC]:l.chunkPos[bestC]+int64(l.width)]) < 0 {
				bestC = c
			}
		}
		if bestC == -1 {
			l.finishMerge()
			return false, nil
		}

		rec := l.mapped[l.chunkPos[bestC] : l.chunkPos[bestC]+int64(l.width)]
		l.chunkPos[bestC] += int64(l.width)
		l.count++

		if bytes.Equal(l.last, rec) {
			// duplicate
			continue
		}
		copy(out, rec)
		copy(l.last, rec)

		return true, nil
	}
}
