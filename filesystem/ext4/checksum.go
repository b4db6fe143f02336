package ext4

import (
	"github.com/diskfs/go-ext4alloc/filesystem/ext4/crc"
)

// bitmapChecksummer computes the checksum of the significant bytes of a bitmap block.
// Only filesystems with metadata_csum carry bitmap checksums.
type bitmapChecksummer func(bitmap []byte) uint32

// blockBitmapChecksum covers the bytes holding blocks-per-group bits
// original calculations can be seen for e2fsprogs https://git.kernel.org/pub/scm/fs/ext2/e2fsprogs.git/tree/lib/ext2fs/csum.c
func blockBitmapChecksum(sb *superblock) bitmapChecksummer {
	size := int(sb.blocksPerGroup / 8)
	return func(b []byte) uint32 {
		return crc.CRC32c(sb.checksumSeed, b[:min(size, len(b))])
	}
}

// inodeBitmapChecksum covers the bytes holding inodes-per-group bits
func inodeBitmapChecksum(sb *superblock) bitmapChecksummer {
	size := int(sb.inodesPerGroup / 8)
	return func(b []byte) uint32 {
		return crc.CRC32c(sb.checksumSeed, b[:min(size, len(b))])
	}
}

// storedBitmapChecksums returns the block and inode bitmap checksums recorded in gd.
// 32-byte descriptors only keep the low 16 bits, and the computed value is masked to match.
func storedBitmapChecksums(gd groupDescriptor) (block, inode uint32, mask uint32) {
	block = uint32(gd.get(gdBlockBitmapCsumLo, 2, gdBlockBitmapCsumHi, 2))
	inode = uint32(gd.get(gdInodeBitmapCsumLo, 2, gdInodeBitmapCsumHi, 2))
	mask = 0xffff
	if len(gd.b) >= int(groupDescriptorSize64) {
		mask = 0xffffffff
	}
	return block, inode, mask
}
