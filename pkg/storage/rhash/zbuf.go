package rhash

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/dd0wney/cluso-triplestore/pkg/storage"
)

// growZBuf returns the scratch buffer sized for n bytes, growing it by
// doubling to at least max(1024, 1.01*n+12).
func (rh *RHash) growZBuf(n int) []byte {
	need := int(float64(n)*1.01) + 12
	if need < 1024 {
		need = 1024
	}
	if cap(rh.zbuf) < need {
		size := cap(rh.zbuf)
		if size < 1024 {
			size = 1024
		}
		for size < need {
			size *= 2
		}
		rh.zbuf = make([]byte, size)
	}
	return rh.zbuf[:n]
}

// deflate compresses data into the scratch buffer and returns the
// compressed bytes, which are only valid until the next scratch use.
func (rh *RHash) deflate(data []byte) ([]byte, error) {
	rh.growZBuf(len(data))
	buf := bytes.NewBuffer(rh.zbuf[:0])
	w := zlib.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, storage.ErrCodec
	}
	if err := w.Close(); err != nil {
		return nil, storage.ErrCodec
	}
	return buf.Bytes(), nil
}

// inflate decompresses comp, which must expand to exactly uncompLen bytes.
func (rh *RHash) inflate(comp []byte, uncompLen int) (string, error) {
	r, err := zlib.NewReader(bytes.NewReader(comp))
	if err != nil {
		return "", storage.ErrCodec
	}
	defer r.Close()

	out := make([]byte, uncompLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", storage.ErrCodec
	}
	// a trailing byte would mean the stored length lied
	var trail [1]byte
	if n, _ := r.Read(trail[:]); n != 0 {
		return "", storage.ErrCodec
	}

	return string(out), nil
}
