package crc

import "testing"

func TestCRC32c(t *testing.T) {
	// the standard check value 0xe3069283 includes the final inversion
	if got := CRC32c(0xffffffff, []byte("123456789")); got != ^uint32(0xe3069283) {
		t.Errorf("CRC32c = %#x, expected %#x", got, ^uint32(0xe3069283))
	}
	whole := CRC32c(0xffffffff, []byte("hello world"))
	split := CRC32c(CRC32c(0xffffffff, []byte("hello ")), []byte("world"))
	if whole != split {
		t.Errorf("incremental crc32c %#x differs from one-shot %#x", split, whole)
	}
}

func TestCRC16(t *testing.T) {
	if got := CRC16(0, []byte("123456789")); got != 0xbb3d {
		t.Errorf("CRC16 = %#x, expected 0xbb3d", got)
	}
	whole := CRC16(0xffff, []byte("descriptor"))
	split := CRC16(CRC16(0xffff, []byte("desc")), []byte("riptor"))
	if whole != split {
		t.Errorf("incremental crc16 %#x differs from one-shot %#x", split, whole)
	}
}
