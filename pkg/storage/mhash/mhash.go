// Package mhash implements a persistent open-addressed hash table from
// 64-bit model identifiers to 32-bit index node values. The table is
// linearly probed with a bounded search distance and doubles in place when
// a probe window fills. All I/O is positional; the file is a 512-byte
// header followed by packed little-endian 12-byte entries.
package mhash

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/cluso-triplestore/pkg/logging"
	"github.com/dd0wney/cluso-triplestore/pkg/metrics"
	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

const (
	// Magic identifies a model hash file ("JXM0")
	Magic = 0x4a584d30

	headerSize = 512
	entrySize  = 12

	defaultSize       = 4096
	defaultSearchDist = 16
)

// MHash is a handle on a model hash file.
type MHash struct {
	hf         *storage.Lockable
	size       int32
	count      int32
	searchDist int32
}

type entry struct {
	rid storage.RID
	val uint32 // 0 = unused
}

// homeSlot is the index at which the probe for rid starts.
func (mh *MHash) homeSlot(rid storage.RID) int32 {
	return int32((uint64(rid) >> 10) & uint64(mh.size-1))
}

// Open creates or opens a model hash file. Flags are os.OpenFile flags.
func Open(path string, flags int) (*MHash, error) {
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		logging.ErrorLog("cannot open mhash file", logging.Path(path), logging.Error(err))
		return nil, storage.NewFileError("open", path, err)
	}

	mh := &MHash{
		hf:         storage.NewLockable(f, path, flags),
		size:       defaultSize,
		searchDist: defaultSearchDist,
	}
	mh.hf.ReadMetadata = mh.readHeader
	mh.hf.WriteMetadata = mh.writeHeader

	if err := mh.hf.Init(); err != nil {
		f.Close()
		return nil, err
	}

	return mh, nil
}

// Handle exposes the lockable substrate for callers that batch operations.
func (mh *MHash) Handle() *storage.Lockable {
	return mh.hf
}

func (mh *MHash) readHeader() error {
	var buf [headerSize]byte
	if _, err := mh.hf.File().ReadAt(buf[:], 0); err != nil {
		logging.ErrorLog("short read of mhash header", logging.Path(mh.hf.Path()), logging.Error(err))
		return storage.NewFileError("read header", mh.hf.Path(), err)
	}

	if binary.LittleEndian.Uint32(buf[0:]) != Magic {
		logging.ErrorLog("not a mhash file", logging.Path(mh.hf.Path()))
		return storage.NewFileError("read header", mh.hf.Path(), storage.ErrCorruptHeader)
	}

	mh.size = int32(binary.LittleEndian.Uint32(buf[4:]))
	mh.count = int32(binary.LittleEndian.Uint32(buf[8:]))
	mh.searchDist = int32(binary.LittleEndian.Uint32(buf[12:]))

	return nil
}

func (mh *MHash) writeHeader() error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(mh.size))
	binary.LittleEndian.PutUint32(buf[8:], uint32(mh.count))
	binary.LittleEndian.PutUint32(buf[12:], uint32(mh.searchDist))
	if _, err := mh.hf.File().WriteAt(buf[:], 0); err != nil {
		logging.Crit("failed to write mhash header", logging.Path(mh.hf.Path()), logging.Error(err))
		return storage.NewFileError("write header", mh.hf.Path(), err)
	}

	return nil
}

// readEntry reads the slot at index. A slot beyond the current file length
// reads as free; the file is extended lazily by writes.
func (mh *MHash) readEntry(index int32) (entry, error) {
	var buf [entrySize]byte
	n, err := mh.hf.File().ReadAt(buf[:], headerSize+int64(index)*entrySize)
	if err != nil && err != io.EOF {
		logging.Crit("read from mhash failed", logging.Path(mh.hf.Path()), logging.Error(err))
		return entry{}, storage.NewFileError("read", mh.hf.Path(), err)
	}
	if n < entrySize {
		return entry{}, nil
	}
	return entry{
		rid: storage.RID(binary.LittleEndian.Uint64(buf[0:])),
		val: binary.LittleEndian.Uint32(buf[8:]),
	}, nil
}

func (mh *MHash) writeEntry(index int32, e entry) error {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.rid))
	binary.LittleEndian.PutUint32(buf[8:], e.val)
	if _, err := mh.hf.File().WriteAt(buf[:], headerSize+int64(index)*entrySize); err != nil {
		logging.Crit("write to mhash failed", logging.Path(mh.hf.Path()), logging.Error(err))
		return storage.NewFileError("write", mh.hf.Path(), err)
	}
	return nil
}

// Put stores val under rid within an exclusive lock.
func (mh *MHash) Put(rid storage.RID, val uint32) error {
	if err := mh.hf.Lock(storage.LockEX); err != nil {
		return err
	}
	err := mh.PutLocked(rid, val)
	if uerr := mh.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// PutLocked stores val under rid. A zero val frees the slot. When the
// probe window has no free slot the table doubles in place and the put
// retries from scratch.
func (mh *MHash) PutLocked(rid storage.RID, val uint32) error {
	if !mh.hf.Test(storage.LockEX) {
		return storage.NewFileError("put", mh.hf.Path(), storage.ErrNotLocked)
	}

	slot := mh.homeSlot(rid)
	candidate := int32(-1)
	var e entry
	for i := int32(0); ; i++ {
		var err error
		e, err = mh.readEntry(slot)
		if err != nil {
			return err
		}
		if e.rid == rid {
			// model is already there, replace value
			break
		} else if e.val == 0 && candidate == -1 {
			// can't break here, a matching entry may sit later in the window
			candidate = slot
		}
		if (i+1 >= mh.searchDist || slot == mh.size-1) && candidate != -1 {
			slot = candidate
			e, err = mh.readEntry(slot)
			if err != nil {
				return err
			}
			break
		}
		if i+1 >= mh.searchDist || slot == mh.size-1 {
			// table overfull, grow
			if err := mh.double(); err != nil {
				return err
			}
			return mh.PutLocked(rid, val)
		}
		slot++
	}

	// no write needed if nothing changes
	if e.rid == rid && e.val == val {
		return nil
	}

	oldval := e.val
	if err := mh.writeEntry(slot, entry{rid: rid, val: val}); err != nil {
		return err
	}
	if val != 0 {
		if oldval == 0 {
			mh.count++
		}
	} else {
		if oldval != 0 {
			mh.count--
		}
	}

	return nil
}

// double grows the table in place. Entries whose home slot moves into the
// upper half are rewritten at their linear image; everything else stays.
func (mh *MHash) double() error {
	oldsize := mh.size
	mh.size *= 2
	mh.searchDist = mh.searchDist*2 + 1
	metrics.HashDoubled("mhash")
	logging.Info("doubling mhash", logging.Path(mh.hf.Path()), logging.Int("size", int(mh.size)))

	for i := int32(0); i < oldsize; i++ {
		e, err := mh.readEntry(i)
		if err != nil {
			return err
		}
		if e.rid == 0 {
			continue
		}
		if mh.homeSlot(e.rid) >= oldsize {
			if err := mh.writeEntry(i, entry{}); err != nil {
				return err
			}
			if err := mh.writeEntry(oldsize+i, e); err != nil {
				return err
			}
		}
	}

	return nil
}

// Get looks up rid within a shared lock. Absent keys yield zero.
func (mh *MHash) Get(rid storage.RID) (uint32, error) {
	if err := mh.hf.Lock(storage.LockSH); err != nil {
		return 0, err
	}
	val, err := mh.GetLocked(rid)
	if uerr := mh.hf.Lock(storage.LockUN); uerr != nil {
		return 0, uerr
	}
	return val, err
}

// GetLocked looks up rid, probing at most searchDist slots and stopping at
// the table wrap boundary.
func (mh *MHash) GetLocked(rid storage.RID) (uint32, error) {
	if !mh.hf.Test(storage.LockSH | storage.LockEX) {
		return 0, storage.NewFileError("get", mh.hf.Path(), storage.ErrNotLocked)
	}

	slot := mh.homeSlot(rid)
	for i := int32(0); i < mh.searchDist; i++ {
		e, err := mh.readEntry(slot)
		if err != nil {
			return 0, err
		}
		if e.rid == rid {
			return e.val, nil
		}
		slot = (slot + 1) & (mh.size - 1)
		if slot == 0 {
			break
		}
	}

	return 0, nil
}

// Count returns the number of occupied slots recorded in the header.
func (mh *MHash) Count() int {
	return int(mh.count)
}

// Size returns the current table size in slots.
func (mh *MHash) Size() int {
	return int(mh.size)
}

// Keys returns every stored identifier under a shared lock.
func (mh *MHash) Keys() ([]storage.RID, error) {
	if err := mh.hf.Lock(storage.LockSH); err != nil {
		return nil, err
	}
	keys, err := mh.KeysLocked()
	if uerr := mh.hf.Lock(storage.LockUN); uerr != nil {
		return nil, uerr
	}
	return keys, err
}

// KeysLocked scans the whole table and returns the identifier of every
// entry with a non-zero value.
func (mh *MHash) KeysLocked() ([]storage.RID, error) {
	if !mh.hf.Test(storage.LockSH | storage.LockEX) {
		return nil, storage.NewFileError("keys", mh.hf.Path(), storage.ErrNotLocked)
	}

	var keys []storage.RID
	var buf [entrySize]byte
	for off := int64(headerSize); ; off += entrySize {
		n, err := mh.hf.File().ReadAt(buf[:], off)
		if n < entrySize {
			if err == io.EOF {
				break
			}
			return nil, storage.NewFileError("read", mh.hf.Path(), err)
		}
		if binary.LittleEndian.Uint32(buf[8:]) != 0 {
			keys = append(keys, storage.RID(binary.LittleEndian.Uint64(buf[0:])))
		}
	}

	return keys, nil
}

// Print writes a diagnostic dump of the table under a shared lock.
func (mh *MHash) Print(w io.Writer, verbosity int) error {
	if err := mh.hf.Lock(storage.LockSH); err != nil {
		return err
	}
	err := mh.PrintLocked(w, verbosity)
	if uerr := mh.hf.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// PrintLocked writes header statistics and, at verbosity above zero, every
// occupied slot. Header count mismatches are flagged.
func (mh *MHash) PrintLocked(w io.Writer, verbosity int) error {
	if !mh.hf.Test(storage.LockSH | storage.LockEX) {
		return storage.NewFileError("print", mh.hf.Path(), storage.ErrNotLocked)
	}

	fmt.Fprintf(w, "mhash %s\n", mh.hf.Path())
	fmt.Fprintf(w, "  count: %d\n", mh.count)
	fmt.Fprintf(w, "  size: %d\n", mh.size)
	fmt.Fprintf(w, "\n")

	count := int32(0)
	var buf [entrySize]byte
	slot := int32(0)
	for off := int64(headerSize); ; off += entrySize {
		n, err := mh.hf.File().ReadAt(buf[:], off)
		if n < entrySize {
			if err == io.EOF {
				break
			}
			return storage.NewFileError("read", mh.hf.Path(), err)
		}
		val := binary.LittleEndian.Uint32(buf[8:])
		if val != 0 {
			count++
			if verbosity > 0 {
				fmt.Fprintf(w, "%8d %016x %8d\n", slot,
					binary.LittleEndian.Uint64(buf[0:]), val)
			}
		}
		slot++
	}

	if mh.count != count {
		fmt.Fprintf(w, "ERROR: %s header count %d != scanned count %d\n",
			mh.hf.Path(), mh.count, count)
	}

	return nil
}

// Check verifies that the header count matches a full scan. It returns an
// error describing the mismatch, or nil.
func (mh *MHash) Check() error {
	if err := mh.hf.Lock(storage.LockSH); err != nil {
		return err
	}
	defer mh.hf.Lock(storage.LockUN)

	keys, err := mh.KeysLocked()
	if err != nil {
		return err
	}
	if int32(len(keys)) != mh.count {
		return storage.NewFileError("check", mh.hf.Path(),
			fmt.Errorf("header count %d != scanned count %d: %w",
				mh.count, len(keys), storage.ErrCorruptHeader))
	}

	return nil
}

// Close releases the file handle.
func (mh *MHash) Close() error {
	return mh.hf.File().Close()
}

// Unlink removes the hash file from the filesystem.
func (mh *MHash) Unlink() error {
	return os.Remove(mh.hf.Path())
}
