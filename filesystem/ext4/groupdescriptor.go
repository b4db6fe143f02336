package ext4

import (
	"encoding/binary"

	"github.com/diskfs/go-ext4alloc/filesystem/ext4/crc"
)

const (
	groupDescriptorSize32 uint16 = 32
	groupDescriptorSize64 uint16 = 64

	// descriptor field offsets; the hi halves only exist in 64-byte descriptors
	gdBlockBitmapLo     = 0x0
	gdInodeBitmapLo     = 0x4
	gdInodeTableLo      = 0x8
	gdFreeBlocksLo      = 0xc
	gdFreeInodesLo      = 0xe
	gdUsedDirsLo        = 0x10
	gdFlags             = 0x12
	gdBlockBitmapCsumLo = 0x18
	gdInodeBitmapCsumLo = 0x1a
	gdItableUnusedLo    = 0x1c
	gdChecksum          = 0x1e
	gdBlockBitmapHi     = 0x20
	gdInodeBitmapHi     = 0x24
	gdInodeTableHi      = 0x28
	gdFreeBlocksHi      = 0x2c
	gdFreeInodesHi      = 0x2e
	gdUsedDirsHi        = 0x30
	gdItableUnusedHi    = 0x32
	gdBlockBitmapCsumHi = 0x38
	gdInodeBitmapCsumHi = 0x3a
)

type blockGroupFlag uint16

const (
	blockGroupInodeUninit  blockGroupFlag = 0x1
	blockGroupBlockUninit  blockGroupFlag = 0x2
	blockGroupItableZeroed blockGroupFlag = 0x4
)

// groupDescriptor is a view over one descriptor inside a pinned descriptor table block.
// Setters write straight into that block.
type groupDescriptor struct {
	b []byte
}

// hi returns the offset and width of the hi half, or 0 width for 32-byte descriptors
func (gd groupDescriptor) hi(off, width int) (int, int) {
	if len(gd.b) < int(groupDescriptorSize64) {
		return off, 0
	}
	return off, width
}

func (gd groupDescriptor) get(lo, loLen, hi, hiLen int) uint64 {
	hi, hiLen = gd.hi(hi, hiLen)
	return getLoHi(gd.b, lo, loLen, hi, hiLen)
}

func (gd groupDescriptor) set(v uint64, lo, loLen, hi, hiLen int) {
	hi, hiLen = gd.hi(hi, hiLen)
	putLoHi(gd.b, v, lo, loLen, hi, hiLen)
}

func (gd groupDescriptor) blockBitmap() uint64 {
	return gd.get(gdBlockBitmapLo, 4, gdBlockBitmapHi, 4)
}

func (gd groupDescriptor) setBlockBitmap(v uint64) {
	gd.set(v, gdBlockBitmapLo, 4, gdBlockBitmapHi, 4)
}

func (gd groupDescriptor) inodeBitmap() uint64 {
	return gd.get(gdInodeBitmapLo, 4, gdInodeBitmapHi, 4)
}

func (gd groupDescriptor) setInodeBitmap(v uint64) {
	gd.set(v, gdInodeBitmapLo, 4, gdInodeBitmapHi, 4)
}

func (gd groupDescriptor) inodeTable() uint64 {
	return gd.get(gdInodeTableLo, 4, gdInodeTableHi, 4)
}

func (gd groupDescriptor) setInodeTable(v uint64) {
	gd.set(v, gdInodeTableLo, 4, gdInodeTableHi, 4)
}

func (gd groupDescriptor) freeBlocks() uint32 {
	return uint32(gd.get(gdFreeBlocksLo, 2, gdFreeBlocksHi, 2))
}

func (gd groupDescriptor) setFreeBlocks(v uint32) {
	gd.set(uint64(v), gdFreeBlocksLo, 2, gdFreeBlocksHi, 2)
}

func (gd groupDescriptor) freeInodes() uint32 {
	return uint32(gd.get(gdFreeInodesLo, 2, gdFreeInodesHi, 2))
}

func (gd groupDescriptor) setFreeInodes(v uint32) {
	gd.set(uint64(v), gdFreeInodesLo, 2, gdFreeInodesHi, 2)
}

func (gd groupDescriptor) usedDirs() uint32 {
	return uint32(gd.get(gdUsedDirsLo, 2, gdUsedDirsHi, 2))
}

func (gd groupDescriptor) setUsedDirs(v uint32) {
	gd.set(uint64(v), gdUsedDirsLo, 2, gdUsedDirsHi, 2)
}

func (gd groupDescriptor) itableUnused() uint32 {
	return uint32(gd.get(gdItableUnusedLo, 2, gdItableUnusedHi, 2))
}

func (gd groupDescriptor) setItableUnused(v uint32) {
	gd.set(uint64(v), gdItableUnusedLo, 2, gdItableUnusedHi, 2)
}

func (gd groupDescriptor) hasFlag(f blockGroupFlag) bool {
	return blockGroupFlag(le16(gd.b, gdFlags))&f != 0
}

func (gd groupDescriptor) setFlag(f blockGroupFlag) {
	put16(gd.b, gdFlags, le16(gd.b, gdFlags)|uint16(f))
}

func (gd groupDescriptor) clearFlag(f blockGroupFlag) {
	put16(gd.b, gdFlags, le16(gd.b, gdFlags)&^uint16(f))
}

func (gd groupDescriptor) checksum() uint16 {
	return le16(gd.b, gdChecksum)
}

func (gd groupDescriptor) setChecksum(v uint16) {
	put16(gd.b, gdChecksum, v)
}

// groupDescriptorChecksum computes the descriptor checksum for group.
// metadata_csum uses the low 16 bits of crc32c, gdt_csum uses crc16, and with
// neither feature the checksum is 0.
func groupDescriptorChecksum(sb *superblock, group uint32, desc []byte) uint16 {
	groupBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupBytes, group)

	switch {
	case sb.hasMetadataChecksums():
		c := crc.CRC32c(sb.checksumSeed, groupBytes)
		c = crc.CRC32c(c, desc[:gdChecksum])
		c = crc.CRC32c(c, []byte{0, 0})
		if len(desc) > gdChecksum+2 {
			c = crc.CRC32c(c, desc[gdChecksum+2:])
		}
		return uint16(c & 0xffff)
	case sb.hasGDTChecksum():
		c := crc.CRC16(0xffff, sb.uuid[:])
		c = crc.CRC16(c, groupBytes)
		c = crc.CRC16(c, desc[:gdChecksum])
		if sb.is64Bit() && len(desc) > gdChecksum+2 {
			c = crc.CRC16(c, desc[gdChecksum+2:])
		}
		return c
	default:
		return 0
	}
}
