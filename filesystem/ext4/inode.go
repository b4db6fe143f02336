package ext4

import (
	"fmt"
	"os"

	"github.com/diskfs/go-ext4alloc/blockdev"
)

const (
	// inode field offsets
	inodeMode        = 0x0
	inodeSizeLo      = 0x4
	inodeLinks       = 0x1a
	inodeBlocksLo    = 0x1c
	inodeFlags       = 0x20
	inodeBlock       = 0x28
	inodeFileACLLo   = 0x68
	inodeSizeHi      = 0x6c
	inodeBlocksHi    = 0x74
	inodeFileACLHi   = 0x76
	inodeExtraIsize  = 0x80
	inodeBlockLength = inodeBlockPtrs * blockPointerBytes

	goodOldInodeSize = 128

	fileTypeMask      uint16 = 0xf000
	fileTypeDirectory uint16 = 0x4000
	fileTypeRegular   uint16 = 0x8000
)

type inodeFlag uint32

const (
	inodeFlagImmutable  inodeFlag = 0x10
	inodeFlagAppendOnly inodeFlag = 0x20
	inodeFlagHugeFile   inodeFlag = 0x40000
	inodeFlagExtents    inodeFlag = 0x80000
	inodeFlagInlineData inodeFlag = 0x10000000
)

// inodeRecord is a view over one inode inside a pinned inode table block
type inodeRecord struct {
	b []byte
}

func (in inodeRecord) mode() uint16 {
	return le16(in.b, inodeMode)
}

func (in inodeRecord) setMode(v uint16) {
	put16(in.b, inodeMode, v)
}

func (in inodeRecord) links() uint16 {
	return le16(in.b, inodeLinks)
}

func (in inodeRecord) setLinks(v uint16) {
	put16(in.b, inodeLinks, v)
}

func (in inodeRecord) size() uint64 {
	return uint64(le32(in.b, inodeSizeLo)) | uint64(le32(in.b, inodeSizeHi))<<32
}

func (in inodeRecord) setSize(v uint64) {
	put32(in.b, inodeSizeLo, uint32(v))
	put32(in.b, inodeSizeHi, uint32(v>>32))
}

func (in inodeRecord) flags() inodeFlag {
	return inodeFlag(le32(in.b, inodeFlags))
}

func (in inodeRecord) setFlags(f inodeFlag) {
	put32(in.b, inodeFlags, uint32(f))
}

// blocks returns the block count in 512 byte units. hugeFiles enables the hi half.
func (in inodeRecord) blocks(hugeFiles bool, blockSize uint32) uint64 {
	hiLen := 0
	if hugeFiles {
		hiLen = 2
	}
	v := getLoHi(in.b, inodeBlocksLo, 4, inodeBlocksHi, hiLen)
	if hugeFiles && in.flags()&inodeFlagHugeFile != 0 {
		v *= uint64(blockSize / inodeBlockUnit)
	}
	return v
}

func (in inodeRecord) setBlocks(v uint64, hugeFiles bool, blockSize uint32) {
	hiLen := 0
	if hugeFiles {
		hiLen = 2
	}
	if hugeFiles && in.flags()&inodeFlagHugeFile != 0 {
		v /= uint64(blockSize / inodeBlockUnit)
	}
	putLoHi(in.b, v, inodeBlocksLo, 4, inodeBlocksHi, hiLen)
}

func (in inodeRecord) blockPointer(i int) uint32 {
	return le32(in.b, inodeBlock+i*blockPointerBytes)
}

func (in inodeRecord) setBlockPointer(i int, v uint32) {
	put32(in.b, inodeBlock+i*blockPointerBytes, v)
}

// blockArea is the 60 byte pointer table, which holds the extent root on extent inodes
func (in inodeRecord) blockArea() []byte {
	return in.b[inodeBlock : inodeBlock+inodeBlockLength]
}

func (in inodeRecord) fileACL() uint64 {
	return uint64(le32(in.b, inodeFileACLLo)) | uint64(le16(in.b, inodeFileACLHi))<<32
}

func (in inodeRecord) setFileACL(v uint64) {
	put32(in.b, inodeFileACLLo, uint32(v))
	put16(in.b, inodeFileACLHi, uint16(v>>32))
}

// InodeRef is a pinned inode record. It stays valid until Release.
type InodeRef struct {
	fs       *FileSystem
	block    *blockdev.Block
	inode    inodeRecord
	number   uint32
	dirty    bool
	released bool
}

// AcquireInode pins inode number, which is 1-based
func (fs *FileSystem) AcquireInode(number uint32) (*InodeRef, error) {
	sb := fs.superblock
	if number == 0 || number > sb.inodeCount {
		return nil, fmt.Errorf("%w: inode %d out of range 1-%d", ErrInvalid, number, sb.inodeCount)
	}
	group := (number - 1) / sb.inodesPerGroup
	offset := (number - 1) % sb.inodesPerGroup

	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		return nil, fmt.Errorf("could not locate inode %d: %w", number, err)
	}
	table := bg.desc.inodeTable()
	if err := bg.Release(); err != nil {
		return nil, fmt.Errorf("could not locate inode %d: %w", number, err)
	}

	byteOffset := uint64(offset) * uint64(sb.inodeSize)
	blockNum := table + byteOffset/uint64(sb.blockSize)
	inBlock := int(byteOffset % uint64(sb.blockSize))
	block, err := fs.dev.Get(blockNum)
	if err != nil {
		return nil, fmt.Errorf("could not read inode %d: %w", number, err)
	}
	return &InodeRef{
		fs:     fs,
		block:  block,
		inode:  inodeRecord{b: block.Data[inBlock : inBlock+int(sb.inodeSize)]},
		number: number,
	}, nil
}

// Release unpins the inode, writing its block if the inode was modified
func (ref *InodeRef) Release() error {
	if ref.released {
		return fmt.Errorf("inode %d: %w", ref.number, errReleased)
	}
	ref.released = true
	if ref.dirty {
		ref.block.Dirty = true
	}
	if err := ref.fs.dev.Put(ref.block); err != nil {
		return fmt.Errorf("could not write inode %d: %w", ref.number, err)
	}
	return nil
}

// MarkDirty schedules the inode to be written on Release
func (ref *InodeRef) MarkDirty() {
	ref.dirty = true
}

// Number of the inode
func (ref *InodeRef) Number() uint32 {
	return ref.number
}

// Mode is the raw mode, file type included
func (ref *InodeRef) Mode() uint16 {
	return ref.inode.mode()
}

// FileMode converts the inode mode to an os.FileMode
func (ref *InodeRef) FileMode() os.FileMode {
	mode := ref.inode.mode()
	m := os.FileMode(mode & 0o777)
	switch mode & fileTypeMask {
	case fileTypeDirectory:
		m |= os.ModeDir
	case fileTypeRegular:
	default:
		m |= os.ModeIrregular
	}
	return m
}

// IsDir reports whether the inode is a directory
func (ref *InodeRef) IsDir() bool {
	return ref.inode.mode()&fileTypeMask == fileTypeDirectory
}

// Size in bytes
func (ref *InodeRef) Size() uint64 {
	return ref.inode.size()
}

// SetSize sets the recorded size without touching any block
func (ref *InodeRef) SetSize(size uint64) {
	ref.inode.setSize(size)
	ref.dirty = true
}

// Links is the hard link count
func (ref *InodeRef) Links() uint16 {
	return ref.inode.links()
}

// BlocksCount is the number of 512 byte units allocated to the inode
func (ref *InodeRef) BlocksCount() uint64 {
	return ref.inode.blocks(ref.fs.superblock.hasHugeFiles(), ref.fs.superblock.blockSize)
}

func (ref *InodeRef) setBlocksCount(v uint64) {
	ref.inode.setBlocks(v, ref.fs.superblock.hasHugeFiles(), ref.fs.superblock.blockSize)
	ref.dirty = true
}

// Flags returns the raw inode flags
func (ref *InodeRef) Flags() uint32 {
	return uint32(ref.inode.flags())
}

// SetFlags replaces the raw inode flags
func (ref *InodeRef) SetFlags(f uint32) {
	ref.inode.setFlags(inodeFlag(f))
	ref.dirty = true
}

// UsesExtents reports whether the blocks are mapped through an extent tree
func (ref *InodeRef) UsesExtents() bool {
	return ref.fs.superblock.hasExtents() && ref.inode.flags()&inodeFlagExtents != 0
}

// XattrBlock is the address of the extended attribute block, 0 if none
func (ref *InodeRef) XattrBlock() uint64 {
	return ref.inode.fileACL()
}

// SetXattrBlock records the address of the extended attribute block
func (ref *InodeRef) SetXattrBlock(v uint64) {
	ref.inode.setFileACL(v)
	ref.dirty = true
}

// canTruncate mirrors the kernel: append-only and immutable inodes are never shrunk,
// and only regular files and directories have blocks to release
func (ref *InodeRef) canTruncate() bool {
	if ref.inode.flags()&(inodeFlagAppendOnly|inodeFlagImmutable) != 0 {
		return false
	}
	t := ref.inode.mode() & fileTypeMask
	return t == fileTypeRegular || t == fileTypeDirectory
}
