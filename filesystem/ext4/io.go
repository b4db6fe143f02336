package ext4

import (
	"encoding/binary"
	"fmt"
	"io"
)

// helpers for the in-place record views (descriptors, inodes, superblock).
// Fields split into a lo and hi half are combined here; hiLen is the width of the
// hi half in bytes (0 when the record has no hi half).

func le16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off:])
}

func le32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func put16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:], v)
}

func put32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

func getLoHi(b []byte, lo, loLen, hi, hiLen int) uint64 {
	var v uint64
	switch loLen {
	case 2:
		v = uint64(le16(b, lo))
	default:
		v = uint64(le32(b, lo))
	}
	if hiLen == 0 || hi+hiLen > len(b) {
		return v
	}
	switch hiLen {
	case 2:
		v |= uint64(le16(b, hi)) << (8 * loLen)
	default:
		v |= uint64(le32(b, hi)) << (8 * loLen)
	}
	return v
}

func putLoHi(b []byte, v uint64, lo, loLen, hi, hiLen int) {
	switch loLen {
	case 2:
		put16(b, lo, uint16(v))
	default:
		put32(b, lo, uint32(v))
	}
	if hiLen == 0 || hi+hiLen > len(b) {
		return
	}
	switch hiLen {
	case 2:
		put16(b, hi, uint16(v>>(8*loLen)))
	default:
		put32(b, hi, uint32(v>>(8*loLen)))
	}
}

func checkLength(b []byte, want int, what string) error {
	if len(b) < want {
		return fmt.Errorf("%w: %s expected at least %d bytes, received: %d", io.EOF, what, want, len(b))
	}
	return nil
}
