// Package rhash implements the resource hash: a bucketed, open-addressed,
// memory-mapped hash table from 64-bit resource identifiers to
// variable-length lexical forms. Short lexicals are stored inline in the
// 32-byte table entries under one of several codecs; long ones overflow
// into an append-only auxiliary lex file. A companion prefix dictionary,
// learned online from stored URIs and persisted in a list file, compresses
// common URI prefixes to one-byte codes.
package rhash

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/cluso-triplestore/pkg/logging"
	"github.com/dd0wney/cluso-triplestore/pkg/storage"
	"github.com/dd0wney/cluso-triplestore/pkg/storage/list"
)

const (
	// Magic identifies a resource hash file ("JXR0")
	Magic = 0x4a585230

	headerSize = 512
	entrySize  = 32

	// DefaultSize is the initial bucket count of a fresh table
	DefaultSize = 65536
	// DefaultSearchDist bounds the probe window in entries
	DefaultSearchDist = 32
	// DefaultBucketSize is the number of entries per bucket
	DefaultBucketSize = 16

	// MaxPrefixes bounds the prefix dictionary
	MaxPrefixes = 256

	inlineStrLen   = 15
	prefixLineSize = 512

	// revision 1: 32 byte packed entries
	revision = 1
)

// Entry dispositions: where and how the lexical form is stored.
const (
	DispInlineUTF8   = 'i' // raw bytes in the entry
	DispInlineNumber = 'N' // BCD-packed numeric lexical
	DispInlineDate   = 'D' // BCD-packed dateTime lexical
	DispInlinePrefix = 'p' // prefix code + inline suffix
	DispFileUTF8     = 'f' // raw bytes in the lex file
	DispFilePrefix   = 'P' // prefix code + suffix in the lex file
	DispFileZComp    = 'Z' // zlib-compressed bytes in the lex file
)

// RHash is a handle on a resource hash: the memory-mapped primary table,
// the auxiliary lex file and the prefix dictionary list.
type RHash struct {
	hf     *storage.Lockable
	mapped []byte
	size   uint32 // last mapped table size, detects remap need

	lexF    *os.File
	lexPath string

	prefixFile    *list.List
	ptrie         *PrefixTrie // learns candidate prefixes from stored URIs
	prefixes      *PrefixTrie // matches registered prefixes to codes
	prefixCount   int
	prefixStrings [MaxPrefixes]string

	zbuf []byte // scratch for zlib payloads
}

// Open creates or opens a resource hash. The lex file and the prefix
// dictionary list live next to the primary file with ".lex" and
// ".prefixes" suffixes. Flags are os.OpenFile flags and apply to the
// primary file and the prefix list. The lex file is opened read-write
// (created if missing) when the primary file is writable and read-only
// otherwise; it is never truncated.
func Open(path string, flags int) (*RHash, error) {
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		logging.ErrorLog("cannot open rhash file", logging.Path(path), logging.Error(err))
		return nil, storage.NewFileError("open", path, err)
	}

	rh := &RHash{
		hf:      storage.NewLockable(f, path, flags),
		lexPath: path + ".lex",
		zbuf:    make([]byte, 1024),
	}
	rh.hf.ReadMetadata = rh.remap
	rh.hf.WriteMetadata = rh.writeHeader

	if err := rh.hf.Init(); err != nil {
		f.Close()
		return nil, err
	}

	prefixPath := path + ".prefixes"
	rh.prefixFile, err = list.Open(prefixPath, prefixLineSize, flags)
	if err != nil {
		rh.unmapAndClose()
		return nil, err
	}

	// Hook the prefix list's read-metadata so that whenever the list has
	// changed under us we rebuild the in-memory prefix trie from its
	// contents. The hook fires on every lock acquisition that observes a
	// newer mtime, which batches prefix reloads with the lock we already
	// take.
	ph := rh.prefixFile.Handle()
	origRead := ph.ReadMetadata
	ph.ReadMetadata = func() error {
		if err := origRead(); err != nil {
			return err
		}
		return rh.loadPrefixes()
	}

	// prefixes won't have been loaded yet, so load them
	if err := ph.Lock(storage.LockSH); err != nil {
		rh.closeAll()
		return nil, err
	}
	if err := rh.loadPrefixes(); err != nil {
		ph.Lock(storage.LockUN)
		rh.closeAll()
		return nil, err
	}
	if err := ph.Lock(storage.LockUN); err != nil {
		rh.closeAll()
		return nil, err
	}

	rh.ptrie = NewPrefixTrie()

	lexFlags := os.O_RDONLY
	if rh.hf.Writable() {
		lexFlags = os.O_RDWR | os.O_CREATE
	}
	rh.lexF, err = os.OpenFile(rh.lexPath, lexFlags, 0644)
	if err != nil {
		logging.ErrorLog("failed to open rhash lex file",
			logging.Path(rh.lexPath), logging.Error(err))
		rh.closeAll()
		return nil, storage.NewFileError("open", rh.lexPath, err)
	}

	return rh, nil
}

// Lock acquires or releases the hash lock together with the matching lock
// on the prefix dictionary list. If the prefix lock cannot be taken the
// hash lock is released again so the pair stays consistent.
func (rh *RHash) Lock(op storage.LockMode) error {
	if err := rh.hf.Lock(op); err != nil {
		return err
	}
	if err := rh.prefixFile.Handle().Lock(op); err != nil {
		if op == storage.LockSH || op == storage.LockEX {
			rh.hf.Lock(storage.LockUN)
		}
		return err
	}
	return nil
}

// Handle exposes the lockable substrate of the primary file.
func (rh *RHash) Handle() *storage.Lockable {
	return rh.hf
}

// Header field accessors. The header lives in the shared mapping, so
// mutations are visible to the file immediately and reach disk with the
// fsync on lock release.

func (rh *RHash) hdrSize() uint32       { return binary.LittleEndian.Uint32(rh.mapped[4:]) }
func (rh *RHash) hdrCount() uint32      { return binary.LittleEndian.Uint32(rh.mapped[8:]) }
func (rh *RHash) hdrSearchDist() uint32 { return binary.LittleEndian.Uint32(rh.mapped[12:]) }
func (rh *RHash) hdrBucketSize() uint32 { return binary.LittleEndian.Uint32(rh.mapped[16:]) }
func (rh *RHash) hdrRevision() uint32   { return binary.LittleEndian.Uint32(rh.mapped[20:]) }

func (rh *RHash) setHdrSize(v uint32)  { binary.LittleEndian.PutUint32(rh.mapped[4:], v) }
func (rh *RHash) setHdrCount(v uint32) { binary.LittleEndian.PutUint32(rh.mapped[8:], v) }

// homeSlot is the entry index at which the probe for rid starts: the hash
// selects a bucket, the probe walks entries from the bucket's first slot.
func (rh *RHash) homeSlot(rid storage.RID) int64 {
	return int64((uint64(rid)>>10)&uint64(rh.size-1)) * int64(rh.hdrBucketSize())
}

// entryAt returns the 32-byte entry at the given slot index as a window
// into the shared mapping.
func (rh *RHash) entryAt(slot int64) []byte {
	off := headerSize + slot*entrySize
	return rh.mapped[off : off+entrySize]
}

// remap establishes or refreshes the whole-file mapping. It runs as the
// read-metadata hook, so a lock acquisition that observes another
// process's doubling tears down the old mapping and maps the grown file.
func (rh *RHash) remap() error {
	var size, bucketSize uint32
	if rh.mapped == nil { // first time
		var buf [headerSize]byte
		if _, err := rh.hf.File().ReadAt(buf[:], 0); err != nil {
			logging.ErrorLog("short read of rhash header",
				logging.Path(rh.hf.Path()), logging.Error(err))
			return storage.NewFileError("read header", rh.hf.Path(), err)
		}
		if binary.LittleEndian.Uint32(buf[0:]) != Magic {
			logging.ErrorLog("not a rhash file", logging.Path(rh.hf.Path()))
			return storage.NewFileError("read header", rh.hf.Path(), storage.ErrCorruptHeader)
		}
		size = binary.LittleEndian.Uint32(buf[4:])
		bucketSize = binary.LittleEndian.Uint32(buf[16:])
	} else {
		size = rh.hdrSize()
		bucketSize = rh.hdrBucketSize()
	}
	if bucketSize == 0 {
		bucketSize = 1
	}

	if rh.mapped == nil || rh.size != size {
		if rh.mapped != nil {
			if err := storage.Unmap(rh.mapped); err != nil {
				logging.ErrorLog("munmap failed", logging.Path(rh.hf.Path()), logging.Error(err))
				return storage.NewFileError("munmap", rh.hf.Path(), err)
			}
			rh.mapped = nil
		}
		mapSize := headerSize + int(size)*int(bucketSize)*entrySize
		m, err := storage.MapShared(rh.hf.File(), mapSize, rh.hf.Writable())
		if err != nil {
			logging.ErrorLog("mmap failed", logging.Path(rh.hf.Path()), logging.Error(err))
			return storage.NewFileError("mmap", rh.hf.Path(), err)
		}
		rh.mapped = m
		rh.size = rh.hdrSize()
	}

	return nil
}

// ensureSize pre-extends the file one byte past the end of the table so
// the kernel observes the full length before the table is remapped.
func (rh *RHash) ensureSize() {
	if !rh.hf.Writable() {
		return
	}
	var size, bucketSize uint32
	if rh.mapped == nil { // only the case when initialising a file
		size = DefaultSize
		bucketSize = DefaultBucketSize
	} else {
		size = rh.hdrSize()
		bucketSize = rh.hdrBucketSize()
	}

	length := int64(headerSize) + int64(size)*int64(bucketSize)*entrySize
	if _, err := rh.hf.File().WriteAt([]byte{0}, length); err != nil {
		logging.ErrorLog("couldn't pre-allocate rhash",
			logging.Path(rh.hf.Path()), logging.Error(err))
	}
}

// writeHeader runs as the write-metadata hook. A fresh file gets a
// default header and its pre-extension; on every exclusive release the
// lex file is synced so overflow payloads are durable before the table
// that references them.
func (rh *RHash) writeHeader() error {
	if rh.mapped == nil {
		var buf [headerSize]byte
		binary.LittleEndian.PutUint32(buf[0:], Magic)
		binary.LittleEndian.PutUint32(buf[4:], DefaultSize)
		binary.LittleEndian.PutUint32(buf[8:], 0)
		binary.LittleEndian.PutUint32(buf[12:], DefaultSearchDist)
		binary.LittleEndian.PutUint32(buf[16:], DefaultBucketSize)
		binary.LittleEndian.PutUint32(buf[20:], revision)
		if _, err := rh.hf.File().WriteAt(buf[:], 0); err != nil {
			logging.Crit("failed to write rhash header",
				logging.Path(rh.hf.Path()), logging.Error(err))
			return storage.NewFileError("write header", rh.hf.Path(), err)
		}
		rh.ensureSize()
	}

	if rh.lexF != nil && rh.hf.Writable() {
		if err := rh.lexF.Sync(); err != nil {
			return storage.NewFileError("fsync", rh.lexPath, err)
		}
	}

	return nil
}

// loadPrefixes rebuilds the in-memory prefix state from the dictionary
// list. Always called with at least a read lock on the prefix file.
func (rh *RHash) loadPrefixes() error {
	rh.prefixes = NewPrefixTrie()
	rh.prefixCount = 0

	rh.prefixFile.RewindLocked()
	buf := make([]byte, prefixLineSize)
	for {
		ok, err := rh.prefixFile.NextValueLocked(buf)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		code := int(binary.LittleEndian.Uint32(buf[0:]))
		if code < 0 || code >= MaxPrefixes {
			logging.ErrorLog("prefix code out of range",
				logging.Path(rh.prefixFile.Handle().Path()), logging.Int("code", code))
			continue
		}
		prefix := cString(buf[4:])
		rh.prefixes.AddCode(prefix, code)
		rh.prefixStrings[code] = prefix
		rh.prefixCount++
	}

	return nil
}

// Count returns the number of occupied entries recorded in the header.
func (rh *RHash) Count() int {
	if rh.mapped == nil {
		return 0
	}
	return int(rh.hdrCount())
}

// Size returns the current table size in buckets.
func (rh *RHash) Size() int {
	return int(rh.size)
}

// PrefixCount returns the number of registered dictionary prefixes.
func (rh *RHash) PrefixCount() int {
	return rh.prefixCount
}

func (rh *RHash) unmapAndClose() {
	if rh.mapped != nil {
		storage.Unmap(rh.mapped)
		rh.mapped = nil
	}
	rh.hf.File().Close()
}

func (rh *RHash) closeAll() {
	if rh.prefixFile != nil {
		rh.prefixFile.Close()
	}
	if rh.lexF != nil {
		rh.lexF.Close()
	}
	rh.unmapAndClose()
}

// Close releases the prefix list, the lex file, the mapping and the
// primary file.
func (rh *RHash) Close() error {
	if err := rh.prefixFile.Close(); err != nil {
		return err
	}
	if err := rh.lexF.Close(); err != nil {
		return err
	}
	if rh.mapped != nil {
		if err := storage.Unmap(rh.mapped); err != nil {
			return err
		}
		rh.mapped = nil
	}
	return rh.hf.File().Close()
}

// cString returns the bytes up to the first NUL as a string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Print writes a diagnostic dump of the hash under a shared lock.
func (rh *RHash) Print(w io.Writer, verbosity int) error {
	if err := rh.Lock(storage.LockSH); err != nil {
		return err
	}
	err := rh.PrintLocked(w, verbosity)
	if uerr := rh.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// PrintLocked writes header statistics, the prefix dictionary and, at
// higher verbosity, every occupied entry with its decoded lexical and a
// disposition frequency table.
func (rh *RHash) PrintLocked(w io.Writer, verbosity int) error {
	if !rh.hf.Test(storage.LockSH | storage.LockEX) {
		return storage.NewFileError("print", rh.hf.Path(), storage.ErrNotLocked)
	}

	total := int64(rh.size) * int64(rh.hdrBucketSize())
	fmt.Fprintf(w, "%s\n", rh.hf.Path())
	fmt.Fprintf(w, "size:     %d (buckets)\n", rh.size)
	fmt.Fprintf(w, "bucket:   %d\n", rh.hdrBucketSize())
	fmt.Fprintf(w, "entries:  %d\n", rh.hdrCount())
	fmt.Fprintf(w, "prefixes: %d\n", rh.prefixCount)
	fmt.Fprintf(w, "revision: %d\n", rh.hdrRevision())
	fmt.Fprintf(w, "fill:     %.1f%%\n", 100.0*float64(rh.hdrCount())/float64(total))

	if verbosity < 1 {
		return nil
	}

	for p := 0; p < rh.prefixCount; p++ {
		fmt.Fprintf(w, "prefix %d: %s\n", p, rh.prefixStrings[p])
	}

	if verbosity < 2 {
		return nil
	}

	var dispFreq [128]int
	entries := uint32(0)
	bucketSize := int64(rh.hdrBucketSize())
	for slot := int64(0); slot < total; slot++ {
		e := rh.entryAt(slot)
		rid := binary.LittleEndian.Uint64(e[0:8])
		if rid == 0 {
			continue
		}
		var res storage.Resource
		res.RID = storage.RID(rid)
		disp := e[31]
		if err := rh.decodeEntry(e, &res); err != nil {
			fmt.Fprintf(w, "ERROR: failed to get entry for %016x\n", rid)
			continue
		}
		if disp < 128 {
			dispFreq[disp]++
		}
		entries++
		fmt.Fprintf(w, "%08d.%02d %016x %016x %c %s\n",
			slot/bucketSize, slot%bucketSize, rid,
			binary.LittleEndian.Uint64(e[8:16]), disp, res.Lex)
	}

	fmt.Fprintf(w, "STATS: length: %d, bsize: %d, entries: %d (%+d), %.1f%% full\n",
		rh.size, bucketSize, entries, int64(rh.hdrCount())-int64(entries),
		100.0*float64(entries)/float64(total))
	if rh.hdrCount() != entries {
		fmt.Fprintf(w, "ERROR: entry count in header %d != count from scan %d\n",
			rh.hdrCount(), entries)
	}
	fmt.Fprintf(w, "Disposition frequencies:\n")
	for d := 0; d < 128; d++ {
		if dispFreq[d] > 0 {
			fmt.Fprintf(w, "%c: %8d\n", d, dispFreq[d])
		}
	}

	return nil
}
