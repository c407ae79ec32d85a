package list

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

func openTestList(t *testing.T, width int) *List {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.list")
	l, err := Open(path, width, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// cmpFirst8 orders records lexicographically on their first 8 bytes
func cmpFirst8(a, b []byte) int {
	return bytes.Compare(a[:8], b[:8])
}

// TestListWidthMustDivideChunkSize tests the open-time width check
func TestListWidthMustDivideChunkSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.list")
	_, err := Open(path, 33, os.O_RDWR|os.O_CREATE)
	if !errors.Is(err, storage.ErrBadWidth) {
		t.Errorf("Expected ErrBadWidth for width 33, got %v", err)
	}
}

// TestListAppendReadback inserts 100 records whose four 64-bit words all
// equal i+23 and reads them back sequentially and by index
func TestListAppendReadback(t *testing.T) {
	l := openTestList(t, 32)

	for i := 0; i < 100; i++ {
		rec := make([]byte, 32)
		for w := 0; w < 4; w++ {
			binary.LittleEndian.PutUint64(rec[w*8:], uint64(i+23))
		}
		pos, err := l.Add(rec)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if pos != int64(i) {
			t.Errorf("Add returned index %d, want %d", pos, i)
		}
	}

	n, err := l.Length()
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if n != 100 {
		t.Errorf("Expected length 100, got %d", n)
	}

	// random access
	out := make([]byte, 32)
	for i := 0; i < 100; i++ {
		if err := l.Get(int64(i), out); err != nil {
			t.Fatalf("Get(%d) failed: %v", i, err)
		}
		for w := 0; w < 4; w++ {
			if got := binary.LittleEndian.Uint64(out[w*8:]); got != uint64(i+23) {
				t.Fatalf("Get(%d) word %d = %d, want %d", i, w, got, i+23)
			}
		}
	}

	// sequential access sees the flushed prefix of the file
	if err := l.Handle().Lock(storage.LockEX); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	l.RewindLocked()
	count := 0
	for {
		ok, err := l.NextValueLocked(out)
		if err != nil {
			t.Fatalf("NextValue failed: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if count != 100 {
		t.Errorf("Sequential read returned %d records, want 100", count)
	}

	// chunk sort then merge returns the same 100 records in order
	if err := l.SortChunked(cmpFirst8); err != nil {
		t.Fatalf("SortChunked failed: %v", err)
	}
	if err := l.Handle().Lock(storage.LockSH); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	count = 0
	var prev []byte
	for {
		ok, err := l.NextSortUniquedLocked(out)
		if err != nil {
			t.Fatalf("NextSortUniqued failed: %v", err)
		}
		if !ok {
			break
		}
		if prev != nil && cmpFirst8(prev, out) >= 0 {
			t.Fatal("Merge output not strictly increasing")
		}
		if got := binary.LittleEndian.Uint64(out[0:]); got != uint64(count+23) {
			t.Fatalf("Merge record %d = %d, want %d", count, got, count+23)
		}
		prev = append(prev[:0], out...)
		count++
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if count != 100 {
		t.Errorf("Merge returned %d records, want 100", count)
	}
}

// TestListBufferFlush tests appends across the internal buffer boundary
func TestListBufferFlush(t *testing.T) {
	l := openTestList(t, 16)

	if err := l.Handle().Lock(storage.LockEX); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	rec := make([]byte, 16)
	for i := 0; i < 600; i++ {
		binary.LittleEndian.PutUint64(rec, uint64(i+1))
		pos, err := l.AddLocked(rec)
		if err != nil {
			t.Fatalf("AddLocked failed: %v", err)
		}
		if pos != int64(i) {
			t.Errorf("AddLocked returned %d, want %d", pos, i)
		}
	}
	if got := l.LengthLocked(); got != 600 {
		t.Errorf("LengthLocked = %d, want 600", got)
	}

	// reads spanning disk and buffer
	out := make([]byte, 16)
	for _, i := range []int64{0, 255, 256, 511, 512, 599} {
		if err := l.GetLocked(i, out); err != nil {
			t.Fatalf("GetLocked(%d) failed: %v", i, err)
		}
		if got := binary.LittleEndian.Uint64(out); got != uint64(i+1) {
			t.Errorf("GetLocked(%d) = %d, want %d", i, got, i+1)
		}
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	// the unlock flushed everything; file length must equal record count
	info, err := os.Stat(l.Handle().Path())
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 600*16 {
		t.Errorf("File size %d, want %d", info.Size(), 600*16)
	}
}

// TestListGetPastEnd tests the out-of-range read error
func TestListGetPastEnd(t *testing.T) {
	l := openTestList(t, 8)

	rec := make([]byte, 8)
	if _, err := l.Add(rec); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	out := make([]byte, 8)
	if err := l.Get(1, out); !errors.Is(err, storage.ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
}

// TestListTruncate tests that truncation empties the list and resets the
// sort state
func TestListTruncate(t *testing.T) {
	l := openTestList(t, 8)

	rec := make([]byte, 8)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint64(rec, uint64(i+1))
		if _, err := l.Add(rec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := l.Sort(bytes.Compare); err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	if err := l.Truncate(); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	n, err := l.Length()
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected empty list after truncate, got %d", n)
	}
	if l.state != Unsorted {
		t.Errorf("Expected unsorted state after truncate, got %s", l.state)
	}
}

// TestListSort tests the full in-place sort
func TestListSort(t *testing.T) {
	l := openTestList(t, 16)

	rng := rand.New(rand.NewSource(42))
	rec := make([]byte, 16)
	for i := 0; i < 5000; i++ {
		binary.LittleEndian.PutUint64(rec, rng.Uint64()|1)
		binary.LittleEndian.PutUint64(rec[8:], uint64(i))
		if _, err := l.Add(rec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := l.Sort(cmpFirst8); err != nil {
		t.Fatalf("Sort failed: %v", err)
	}

	if err := l.Handle().Lock(storage.LockSH); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	l.RewindLocked()
	out := make([]byte, 16)
	var prev []byte
	count := 0
	for {
		ok, err := l.NextValueLocked(out)
		if err != nil {
			t.Fatalf("NextValue failed: %v", err)
		}
		if !ok {
			break
		}
		if prev != nil && cmpFirst8(prev, out) > 0 {
			t.Fatal("Sequence not non-decreasing after sort")
		}
		prev = append(prev[:0], out...)
		count++
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if count != 5000 {
		t.Errorf("Read %d records after sort, want 5000", count)
	}
}

// TestListMergeDedup tests that the sorted-unique iterator removes
// duplicate records
func TestListMergeDedup(t *testing.T) {
	l := openTestList(t, 8)

	rec := make([]byte, 8)
	// 300 records, each value appearing three times
	for rep := 0; rep < 3; rep++ {
		for i := 0; i < 100; i++ {
			binary.LittleEndian.PutUint64(rec, uint64(i+1))
			if _, err := l.Add(rec); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
	}

	if err := l.SortChunked(bytes.Compare); err != nil {
		t.Fatalf("SortChunked failed: %v", err)
	}

	if err := l.Handle().Lock(storage.LockSH); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	out := make([]byte, 8)
	var got []uint64
	var prev []byte
	for {
		ok, err := l.NextSortUniquedLocked(out)
		if err != nil {
			t.Fatalf("NextSortUniqued failed: %v", err)
		}
		if !ok {
			break
		}
		if prev != nil && bytes.Compare(prev, out) >= 0 {
			t.Fatal("Merge output not strictly increasing")
		}
		prev = append(prev[:0], out...)
		got = append(got, binary.LittleEndian.Uint64(out))
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("Expected 100 unique records, got %d", len(got))
	}
	for i, v := range got {
		if v != uint64(i+1) {
			t.Errorf("Unique record %d = %d, want %d", i, v, i+1)
		}
	}
}

// TestListMergeOnUnsorted tests the degraded path: the merge iterator on
// an unsorted list falls back to plain sequential reads
func TestListMergeOnUnsorted(t *testing.T) {
	l := openTestList(t, 8)

	rec := make([]byte, 8)
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint64(rec, uint64(100-i))
		if _, err := l.Add(rec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := l.Handle().Lock(storage.LockSH); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	l.RewindLocked()
	out := make([]byte, 8)
	count := 0
	for {
		ok, err := l.NextSortUniquedLocked(out)
		if err != nil {
			t.Fatalf("NextSortUniqued failed: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if err := l.Handle().Lock(storage.LockUN); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if count != 5 {
		t.Errorf("Fallback read returned %d records, want 5", count)
	}
}

// TestListPersistence tests that a reopened list sees the flushed records
func TestListPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.list")
	l, err := Open(path, 8, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec := make([]byte, 8)
	for i := 0; i < 50; i++ {
		binary.LittleEndian.PutUint64(rec, uint64(i+7))
		if _, err := l.Add(rec); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l2, err := Open(path, 8, os.O_RDWR)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer l2.Close()

	n, err := l2.Length()
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if n != 50 {
		t.Errorf("Reopened length %d, want 50", n)
	}
	out := make([]byte, 8)
	if err := l2.Get(49, out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := binary.LittleEndian.Uint64(out); got != 56 {
		t.Errorf("Get(49) = %d, want 56", got)
	}
}
