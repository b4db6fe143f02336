// Package crc implements the two checksums ext4 uses for metadata: crc32c for
// metadata_csum filesystems and the crc16 used by the older gdt_csum feature.
// Neither applies the final inversion, matching the kernel's crc32c_le and crc16.
package crc

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32c continues a crc32c computation from seed over b
func CRC32c(seed uint32, b []byte) uint32 {
	return ^crc32.Update(^seed, castagnoli, b)
}

// crc16Table is the reflected table for polynomial 0x8005
var crc16Table = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		c := uint16(i)
		for j := 0; j < 8; j++ {
			if c&1 == 1 {
				c = c>>1 ^ 0xa001
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC16 continues a crc16 computation from seed over b
func CRC16(seed uint16, b []byte) uint16 {
	c := seed
	for _, v := range b {
		c = c>>8 ^ crc16Table[byte(c)^v]
	}
	return c
}
