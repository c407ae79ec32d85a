package rhash

import "github.com/dd0wney/cluso-triplestore/pkg/storage"

// Literal storage compression: numeric and dateTime lexicals pack two
// symbols per byte, low nibble first, into the 15 inline bytes of an
// entry. Nibble zero terminates, so at most 30 symbols fit.

const (
	bcdNul = iota
	bcd1
	bcd2
	bcd3
	bcd4
	bcd5
	bcd6
	bcd7
	bcd8
	bcd9
	bcd0
	bcdDot
	bcdPlus
	bcdMinus
	bcdE
)

var bcdMap = [16]byte{
	0, '1', '2', '3', '4', '5', '6', '7',
	'8', '9', '0', '.', '+', '-', 'e', '?',
}

const (
	bcdateNul = iota
	bcdate1
	bcdate2
	bcdate3
	bcdate4
	bcdate5
	bcdate6
	bcdate7
	bcdate8
	bcdate9
	bcdate0
	bcdateColon
	bcdatePlus
	bcdateMinus
	bcdateT
	bcdateZ
)

var bcdateMap = [16]byte{
	0, '1', '2', '3', '4', '5', '6', '7',
	'8', '9', '0', ':', '+', '-', 'T', 'Z',
}

func bcdSymbol(c byte) (byte, bool) {
	switch c {
	case '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return c - '0', true
	case '0':
		return bcd0, true
	case '.':
		return bcdDot, true
	case '+':
		return bcdPlus, true
	case '-':
		return bcdMinus, true
	case 'e':
		return bcdE, true
	default:
		return 0, false
	}
}

func bcdateSymbol(c byte) (byte, bool) {
	switch c {
	case '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return c - '0', true
	case '0':
		return bcdate0, true
	case ':':
		return bcdateColon, true
	case '+':
		return bcdatePlus, true
	case '-':
		return bcdateMinus, true
	case 'T':
		return bcdateT, true
	case 'Z':
		return bcdateZ, true
	default:
		return 0, false
	}
}

func packNibbles(in string, symbol func(byte) (byte, bool)) ([inlineStrLen]byte, error) {
	var out [inlineStrLen]byte
	if len(in) > inlineStrLen*2 {
		// too long
		return out, storage.ErrTooLong
	}
	for i := 0; i < len(in); i++ {
		nib, ok := symbol(in[i])
		if !ok {
			// character we can't handle
			return out, storage.ErrCodec
		}
		out[i/2] |= nib << ((i % 2) * 4)
	}
	return out, nil
}

func unpackNibbles(bcd []byte, symbols *[16]byte) string {
	out := make([]byte, 0, inlineStrLen*2)
	for pos := 0; pos < inlineStrLen*2 && pos/2 < len(bcd); pos++ {
		code := bcd[pos/2]
		if pos%2 == 0 {
			code &= 15
		} else {
			code >>= 4
		}
		if code == bcdNul {
			break
		}
		out = append(out, symbols[code])
	}
	return string(out)
}

// compressBCD packs a numeric lexical. Any character outside the numeric
// alphabet or a length above 30 symbols fails, and the caller falls
// through to the next codec.
func compressBCD(in string) ([inlineStrLen]byte, error) {
	return packNibbles(in, bcdSymbol)
}

// compressBCDate packs an xsd:dateTime lexical.
func compressBCDate(in string) ([inlineStrLen]byte, error) {
	return packNibbles(in, bcdateSymbol)
}

// uncompressBCD recovers a numeric lexical from packed nibbles.
func uncompressBCD(bcd []byte) string {
	return unpackNibbles(bcd, &bcdMap)
}

// uncompressBCDate recovers a dateTime lexical from packed nibbles.
func uncompressBCDate(bcd []byte) string {
	return unpackNibbles(bcd, &bcdateMap)
}
