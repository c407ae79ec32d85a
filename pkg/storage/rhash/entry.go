package rhash

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/dd0wney/cluso-triplestore/pkg/logging"
	"github.com/dd0wney/cluso-triplestore/pkg/metrics"
	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

// Entry layout, 32 bytes packed:
//   [0:8)   rid, little endian
//   [8:16)  attribute rid, or prefix code + first 7 suffix bytes
//   [16:31) inline string data, or lex file offset in [16:24)
//   [31]    disposition
//
// The suffix of an inline prefix entry ('p') is split: up to 7 bytes ride
// in the attribute union, up to 15 more in the value union, so a 22-byte
// suffix is the inline limit.

// Put stores a resource under an exclusive lock.
func (rh *RHash) Put(res *storage.Resource) error {
	if err := rh.Lock(storage.LockEX); err != nil {
		return err
	}
	err := rh.PutLocked(res)
	if uerr := rh.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// PutLocked stores a resource. A RID already present in its probe window
// is left untouched; whether the payload matches is the caller's concern.
// When the probe window has no free entry the table doubles in place and
// the put retries.
func (rh *RHash) PutLocked(res *storage.Resource) error {
	if !rh.hf.Test(storage.LockEX) {
		return storage.NewFileError("put", rh.hf.Path(), storage.ErrNotLocked)
	}

	total := int64(rh.size) * int64(rh.hdrBucketSize())
	slot := rh.homeSlot(res.RID)
	if slot >= total {
		logging.Crit("bad entry number for rhash put",
			logging.Path(rh.hf.Path()), logging.Int64("slot", slot))
		return storage.NewRIDError("put", rh.hf.Path(), res.RID, storage.ErrOutOfRange)
	}

	free := int64(-1)
	searchDist := int64(rh.hdrSearchDist())
	for i := int64(0); i < searchDist && slot+i < total; i++ {
		e := rh.entryAt(slot + i)
		erid := binary.LittleEndian.Uint64(e[0:8])
		if erid == uint64(res.RID) {
			// resource is already there, we're done
			return nil
		}
		if erid == 0 && free == -1 {
			free = slot + i
		}
	}

	if free == -1 {
		// hash overfull, grow
		if err := rh.double(); err != nil {
			logging.Crit("failed to double rhash", logging.Path(rh.hf.Path()), logging.Error(err))
			return err
		}
		return rh.PutLocked(res)
	}

	e, disp, err := rh.buildEntry(res)
	if err != nil {
		return err
	}
	copy(rh.entryAt(free), e[:])
	rh.setHdrCount(rh.hdrCount() + 1)
	metrics.DispositionStored(disp)

	return nil
}

// buildEntry selects the storage disposition for the resource and encodes
// the 32-byte entry, appending to the lex file when the lexical overflows.
func (rh *RHash) buildEntry(res *storage.Resource) ([entrySize]byte, byte, error) {
	var e [entrySize]byte
	binary.LittleEndian.PutUint64(e[0:], uint64(res.RID))
	lex := res.Lex

	if len(lex) <= inlineStrLen {
		binary.LittleEndian.PutUint64(e[8:], uint64(res.Attr))
		copy(e[16:31], lex)
		e[31] = DispInlineUTF8
		return e, DispInlineUTF8, nil
	}

	if packed, err := compressBCD(lex); err == nil {
		binary.LittleEndian.PutUint64(e[8:], uint64(res.Attr))
		copy(e[16:31], packed[:])
		e[31] = DispInlineNumber
		return e, DispInlineNumber, nil
	}

	if packed, err := compressBCDate(lex); err == nil {
		binary.LittleEndian.PutUint64(e[8:], uint64(res.Attr))
		copy(e[16:31], packed[:])
		e[31] = DispInlineDate
		return e, DispInlineDate, nil
	}

	if res.RID.IsURI() {
		if code, plen := rh.prefixes.GetCode(lex); plen > 0 {
			suffix := lex[plen:]
			e[8] = byte(code)
			if len(suffix) > 22 {
				// even with the prefix it won't fit inline
				pos, err := rh.lexAppendString(suffix)
				if err != nil {
					return e, 0, err
				}
				binary.LittleEndian.PutUint64(e[16:], uint64(pos))
				e[31] = DispFilePrefix
				return e, DispFilePrefix, nil
			}
			copy(e[9:16], suffix)
			if len(suffix) > 7 {
				copy(e[16:31], suffix[7:])
			}
			e[31] = DispInlinePrefix
			return e, DispInlinePrefix, nil
		}
	}

	// needs to go into the external file; feed the learner so frequent
	// URI prefixes eventually earn dictionary codes
	if rh.ptrie != nil && res.RID.IsURI() {
		if err := rh.ptrie.AddString(lex); err != nil {
			rh.harvestPrefixes()
		}
	}

	data := []byte(lex)
	disp := byte(DispFileUTF8)
	// long strings may be worth compressing
	if len(lex) > 100 {
		comp, err := rh.deflate([]byte(lex))
		if err != nil {
			logging.ErrorLog("zlib compress failed", logging.Path(rh.lexPath), logging.Error(err))
		} else if len(comp) > 0 && len(comp) < len(lex)-4 {
			data = comp
			disp = DispFileZComp
		}
	}

	pos, err := rh.lexAppend(data, len(lex), disp == DispFileZComp)
	if err != nil {
		return e, 0, err
	}
	binary.LittleEndian.PutUint64(e[8:], uint64(res.Attr))
	binary.LittleEndian.PutUint64(e[16:], uint64(pos))
	e[31] = disp

	return e, disp, nil
}

// lexAppendString writes a {length, bytes, NUL} frame for a prefix suffix
// and returns the frame's offset.
func (rh *RHash) lexAppendString(s string) (int64, error) {
	pos, err := rh.lexF.Seek(0, io.SeekEnd)
	if err != nil {
		logging.Crit("failed to seek to end of lex file",
			logging.Path(rh.lexPath), logging.Error(err))
		return 0, storage.NewFileError("seek", rh.lexPath, err)
	}

	frame := make([]byte, 0, 4+len(s)+1)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(s)))
	frame = append(frame, s...)
	frame = append(frame, 0)
	if _, err := rh.lexF.Write(frame); err != nil {
		logging.Crit("failed writing to lexical file",
			logging.Path(rh.lexPath), logging.Error(err))
		return 0, storage.NewFileError("write", rh.lexPath, err)
	}
	metrics.LexWritten(len(frame))

	return pos, nil
}

// lexAppend writes a payload frame and returns its offset. Compressed
// frames carry both the compressed and the uncompressed length.
func (rh *RHash) lexAppend(data []byte, uncompLen int, compressed bool) (int64, error) {
	pos, err := rh.lexF.Seek(0, io.SeekEnd)
	if err != nil {
		logging.Crit("failed to seek to end of lex file",
			logging.Path(rh.lexPath), logging.Error(err))
		return 0, storage.NewFileError("seek", rh.lexPath, err)
	}

	frame := make([]byte, 0, 8+len(data)+1)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(data)))
	if compressed {
		frame = binary.LittleEndian.AppendUint32(frame, uint32(uncompLen))
	}
	frame = append(frame, data...)
	frame = append(frame, 0)
	if _, err := rh.lexF.Write(frame); err != nil {
		logging.Crit("failed writing to lexical file",
			logging.Path(rh.lexPath), logging.Error(err))
		return 0, storage.NewFileError("write", rh.lexPath, err)
	}
	metrics.LexWritten(len(frame))

	return pos, nil
}

// harvestPrefixes drains the learning trie into the prefix dictionary:
// the highest-scoring candidates get the next codes, are added to the
// match trie and appended to the dictionary list, then learning restarts.
func (rh *RHash) harvestPrefixes() {
	candidates := rh.ptrie.Prefixes(32)
	var line [prefixLineSize]byte
	for _, p := range candidates {
		if p.Score == 0 || rh.prefixCount == MaxPrefixes {
			break
		}
		rh.prefixStrings[rh.prefixCount] = p.Prefix
		rh.prefixes.AddCode(p.Prefix, rh.prefixCount)
		logging.Info("adding prefix", logging.Int("code", rh.prefixCount),
			logging.String("prefix", p.Prefix))
		for i := range line {
			line[i] = 0
		}
		binary.LittleEndian.PutUint32(line[0:], uint32(rh.prefixCount))
		copy(line[4:], p.Prefix)
		if _, err := rh.prefixFile.AddLocked(line[:]); err != nil {
			logging.ErrorLog("failed to append prefix",
				logging.Path(rh.prefixFile.Handle().Path()), logging.Error(err))
			return
		}
		rh.prefixCount++
	}
	rh.ptrie = NewPrefixTrie()
}

// double grows the table in place: the header size doubles, the file is
// pre-extended and remapped, then each bucket's entries whose new home
// lies in the upper half move to their linear image.
func (rh *RHash) double() error {
	oldTotal := int64(rh.size) * int64(rh.hdrBucketSize())
	bucketSize := int64(rh.hdrBucketSize())

	logging.Info("doubling rhash", logging.Path(rh.hf.Path()),
		logging.Int("size", int(rh.size)*2))
	metrics.HashDoubled("rhash")

	rh.setHdrSize(rh.hdrSize() * 2)
	rh.ensureSize()
	if err := rh.remap(); err != nil {
		return err
	}

	bufferHi := make([]byte, bucketSize*entrySize)
	for i := int64(0); i < oldTotal; i += bucketSize {
		for j := range bufferHi {
			bufferHi[j] = 0
		}
		for j := int64(0); j < bucketSize; j++ {
			e := rh.entryAt(i + j)
			erid := binary.LittleEndian.Uint64(e[0:8])
			if erid == 0 {
				continue
			}
			if rh.homeSlot(storage.RID(erid)) >= oldTotal {
				copy(bufferHi[j*entrySize:], e)
				for k := range e {
					e[k] = 0
				}
			}
		}
		copy(rh.mapped[headerSize+(i+oldTotal)*entrySize:], bufferHi)
	}

	return nil
}

// Get looks up the resource named by res.RID under a shared lock.
func (rh *RHash) Get(res *storage.Resource) error {
	if err := rh.Lock(storage.LockSH); err != nil {
		return err
	}
	err := rh.GetLocked(res)
	if uerr := rh.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// GetLocked looks up res.RID and fills in the lexical form and attribute.
// A miss leaves a diagnostic lexical in the resource and returns
// storage.ErrNotFound.
func (rh *RHash) GetLocked(res *storage.Resource) error {
	if !rh.hf.Test(storage.LockSH | storage.LockEX) {
		return storage.NewFileError("get", rh.hf.Path(), storage.ErrNotLocked)
	}

	total := int64(rh.size) * int64(rh.hdrBucketSize())
	slot := rh.homeSlot(res.RID)
	searchDist := int64(rh.hdrSearchDist())
	for k := int64(0); k < searchDist && slot+k < total; k++ {
		e := rh.entryAt(slot + k)
		if binary.LittleEndian.Uint64(e[0:8]) == uint64(res.RID) {
			return rh.decodeEntry(e, res)
		}
	}

	logging.Warn("resource not found",
		logging.Path(rh.hf.Path()), logging.RID(uint64(res.RID)),
		logging.String("probed", fmt.Sprintf("0x%x-0x%x", slot, slot+searchDist-1)))
	res.Lex = fmt.Sprintf("¡resource %x not found!", uint64(res.RID))
	res.Attr = 0

	return storage.NewRIDError("get", rh.hf.Path(), res.RID, storage.ErrNotFound)
}

// decodeEntry reconstructs the lexical form from an occupied entry.
func (rh *RHash) decodeEntry(e []byte, res *storage.Resource) error {
	switch e[31] {
	case DispInlineUTF8:
		res.Lex = cString(e[16:31])
		res.Attr = storage.RID(binary.LittleEndian.Uint64(e[8:16]))

	case DispInlineNumber:
		res.Lex = uncompressBCD(e[16:31])
		res.Attr = storage.RID(binary.LittleEndian.Uint64(e[8:16]))

	case DispInlineDate:
		res.Lex = uncompressBCDate(e[16:31])
		res.Attr = storage.RID(binary.LittleEndian.Uint64(e[8:16]))

	case DispInlinePrefix:
		code := int(e[8])
		if code >= rh.prefixCount {
			logging.ErrorLog("prefix out of range", logging.Path(rh.hf.Path()),
				logging.Int("code", code), logging.Count(rh.prefixCount))
			res.Lex = fmt.Sprintf("¡bad prefix %d (max %d)!", code, rh.prefixCount-1)
			return storage.NewRIDError("get", rh.hf.Path(), res.RID, storage.ErrCorruptHeader)
		}
		res.Lex = rh.prefixStrings[code] + cString(e[9:16]) + cString(e[16:31])
		res.Attr = 0

	case DispFileUTF8:
		offset := int64(binary.LittleEndian.Uint64(e[16:24]))
		lexLen, err := rh.readLexInt32(offset)
		if err != nil {
			return err
		}
		buf := make([]byte, lexLen)
		if _, err := rh.lexF.ReadAt(buf, offset+4); err != nil {
			logging.ErrorLog("partial read from lexical store",
				logging.Path(rh.lexPath), logging.Offset(offset), logging.Error(err))
			res.Lex = ""
			return storage.NewFileError("read", rh.lexPath, err)
		}
		res.Lex = string(buf)
		res.Attr = storage.RID(binary.LittleEndian.Uint64(e[8:16]))

	case DispFilePrefix:
		code := int(e[8])
		if code >= rh.prefixCount {
			logging.ErrorLog("prefix out of range", logging.Path(rh.hf.Path()),
				logging.Int("code", code), logging.Count(rh.prefixCount))
			return storage.NewRIDError("get", rh.hf.Path(), res.RID, storage.ErrCorruptHeader)
		}
		offset := int64(binary.LittleEndian.Uint64(e[16:24]))
		suffixLen, err := rh.readLexInt32(offset)
		if err != nil {
			return err
		}
		buf := make([]byte, suffixLen)
		if _, err := rh.lexF.ReadAt(buf, offset+4); err != nil {
			logging.ErrorLog("partial read from lexical store",
				logging.Path(rh.lexPath), logging.Offset(offset),
				logging.RID(uint64(res.RID)), logging.Error(err))
			res.Lex = ""
			return storage.NewFileError("read", rh.lexPath, err)
		}
		res.Lex = rh.prefixStrings[code] + string(buf)
		res.Attr = 0

	case DispFileZComp:
		offset := int64(binary.LittleEndian.Uint64(e[16:24]))
		compLen, err := rh.readLexInt32(offset)
		if err != nil {
			return err
		}
		uncompLen, err := rh.readLexInt32(offset + 4)
		if err != nil {
			return err
		}
		comp := rh.growZBuf(int(compLen))
		if _, err := rh.lexF.ReadAt(comp, offset+8); err != nil {
			logging.ErrorLog("partial read from lexical store",
				logging.Path(rh.lexPath), logging.Offset(offset), logging.Error(err))
			res.Lex = "¡read error!"
			return storage.NewFileError("read", rh.lexPath, err)
		}
		lex, err := rh.inflate(comp, int(uncompLen))
		if err != nil {
			logging.ErrorLog("zlib inflate failed", logging.Path(rh.lexPath),
				logging.Offset(offset), logging.Error(err))
			res.Lex = ""
			return storage.NewFileError("inflate", rh.lexPath, err)
		}
		res.Lex = lex
		res.Attr = storage.RID(binary.LittleEndian.Uint64(e[8:16]))

	default:
		res.Lex = fmt.Sprintf("error: unknown disposition: %c", e[31])
		return storage.NewRIDError("get", rh.hf.Path(), res.RID, storage.ErrUnknownDisp)
	}

	return nil
}

func (rh *RHash) readLexInt32(offset int64) (int32, error) {
	var buf [4]byte
	if _, err := rh.lexF.ReadAt(buf[:], offset); err != nil {
		logging.ErrorLog("read error from lexical store",
			logging.Path(rh.lexPath), logging.Offset(offset), logging.Error(err))
		return 0, storage.NewFileError("read", rh.lexPath, err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// sortByHome orders resources by home slot then RID, turning batched
// operations into mostly sequential access over the mapping and lex file.
func (rh *RHash) sortByHome(res []storage.Resource) {
	sort.SliceStable(res, func(i, j int) bool {
		hi, hj := rh.homeSlot(res[i].RID), rh.homeSlot(res[j].RID)
		if hi != hj {
			return hi < hj
		}
		return res[i].RID < res[j].RID
	})
}

// MultiPut stores a batch of resources under one exclusive lock.
func (rh *RHash) MultiPut(res []storage.Resource) error {
	if err := rh.Lock(storage.LockEX); err != nil {
		return err
	}
	err := rh.MultiPutLocked(res)
	if uerr := rh.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// MultiPutLocked sorts the batch by home slot and stores each resource,
// skipping null and repeated identifiers.
func (rh *RHash) MultiPutLocked(res []storage.Resource) error {
	rh.sortByHome(res)

	last := storage.RIDNull
	failed := 0
	for i := range res {
		if res[i].RID == storage.RIDNull || res[i].RID == last {
			continue
		}
		if err := rh.PutLocked(&res[i]); err != nil {
			failed++
		}
		last = res[i].RID
	}

	if failed > 0 {
		return storage.NewFileError("multi-put", rh.hf.Path(),
			fmt.Errorf("%d of %d resources failed", failed, len(res)))
	}
	return nil
}

// Disposition reports the on-disk disposition byte of the entry for rid.
// Used by dump tooling and consistency checks.
func (rh *RHash) Disposition(rid storage.RID) (byte, error) {
	if err := rh.Lock(storage.LockSH); err != nil {
		return 0, err
	}
	defer rh.Lock(storage.LockUN)

	total := int64(rh.size) * int64(rh.hdrBucketSize())
	slot := rh.homeSlot(rid)
	searchDist := int64(rh.hdrSearchDist())
	for k := int64(0); k < searchDist && slot+k < total; k++ {
		e := rh.entryAt(slot + k)
		if binary.LittleEndian.Uint64(e[0:8]) == uint64(rid) {
			return e[31], nil
		}
	}

	return 0, storage.NewRIDError("disposition", rh.hf.Path(), rid, storage.ErrNotFound)
}

// MultiGet resolves a batch of identifiers under one shared lock.
func (rh *RHash) MultiGet(res []storage.Resource) error {
	if err := rh.Lock(storage.LockSH); err != nil {
		return err
	}
	err := rh.MultiGetLocked(res)
	if uerr := rh.Lock(storage.LockUN); uerr != nil {
		return uerr
	}
	return err
}

// MultiGetLocked sorts the batch by home slot and resolves each
// identifier. Blank nodes render as "_:b<hex>" without touching the table.
func (rh *RHash) MultiGetLocked(res []storage.Resource) error {
	rh.sortByHome(res)

	failed := 0
	for i := range res {
		res[i].Attr = storage.RIDNull
		res[i].Lex = ""
		if res[i].RID.IsBnode() {
			res[i].Lex = fmt.Sprintf("_:b%x", uint64(res[i].RID))
			continue
		}
		if err := rh.GetLocked(&res[i]); err != nil {
			failed++
		}
	}

	if failed > 0 {
		return storage.NewFileError("multi-get", rh.hf.Path(),
			fmt.Errorf("%d of %d resources failed: %w", failed, len(res), storage.ErrNotFound))
	}
	return nil
}
