package ext4

import (
	"errors"
	"fmt"

	"github.com/diskfs/go-ext4alloc/blockdev"
	"github.com/diskfs/go-ext4alloc/util"
	"github.com/sirupsen/logrus"
)

// BlockGroupRef is a pinned block group descriptor. It stays valid until Release.
type BlockGroupRef struct {
	fs       *FileSystem
	block    *blockdev.Block
	desc     groupDescriptor
	index    uint32
	dirty    bool
	released bool
}

// AcquireBlockGroup pins the descriptor of group index. Groups flagged as not yet
// initialized get their bitmaps, and if needed their inode table, initialized first.
func (fs *FileSystem) AcquireBlockGroup(index uint32) (*BlockGroupRef, error) {
	if uint64(index) >= fs.superblock.blockGroupCount() {
		return nil, fmt.Errorf("%w: block group %d does not exist", ErrInvalid, index)
	}
	blockNum, offset := fs.descriptorLocation(index)
	block, err := fs.dev.Get(blockNum)
	if err != nil {
		return nil, fmt.Errorf("could not read descriptor of block group %d: %w", index, err)
	}
	ref := &BlockGroupRef{
		fs:    fs,
		block: block,
		desc:  groupDescriptor{b: block.Data[offset : offset+int(fs.superblock.groupDescriptorSize)]},
		index: index,
	}

	if ref.desc.hasFlag(blockGroupBlockUninit) {
		if err := fs.initBlockBitmap(ref); err != nil {
			return nil, errors.Join(err, fs.dev.Put(block))
		}
		ref.desc.clearFlag(blockGroupBlockUninit)
		ref.dirty = true
	}
	if ref.desc.hasFlag(blockGroupInodeUninit) {
		if err := fs.initInodeBitmap(ref); err != nil {
			return nil, errors.Join(err, fs.dev.Put(block))
		}
		ref.desc.clearFlag(blockGroupInodeUninit)
		ref.dirty = true
		if !ref.desc.hasFlag(blockGroupItableZeroed) {
			if err := fs.initInodeTable(ref); err != nil {
				return nil, errors.Join(err, fs.dev.Put(block))
			}
			ref.desc.setFlag(blockGroupItableZeroed)
		}
	}
	return ref, nil
}

// Release unpins the descriptor, updating its checksum first if it was modified
func (ref *BlockGroupRef) Release() error {
	if ref.released {
		return fmt.Errorf("block group %d: %w", ref.index, errReleased)
	}
	ref.released = true
	if ref.dirty {
		ref.desc.setChecksum(groupDescriptorChecksum(ref.fs.superblock, ref.index, ref.desc.b))
		ref.block.Dirty = true
	}
	if err := ref.fs.dev.Put(ref.block); err != nil {
		return fmt.Errorf("could not write descriptor of block group %d: %w", ref.index, err)
	}
	return nil
}

// Index of the group
func (ref *BlockGroupRef) Index() uint32 {
	return ref.index
}

// FreeBlocks recorded in the descriptor
func (ref *BlockGroupRef) FreeBlocks() uint32 {
	return ref.desc.freeBlocks()
}

// FreeInodes recorded in the descriptor
func (ref *BlockGroupRef) FreeInodes() uint32 {
	return ref.desc.freeInodes()
}

// UsedDirs recorded in the descriptor
func (ref *BlockGroupRef) UsedDirs() uint32 {
	return ref.desc.usedDirs()
}

// BlockBitmap is the address of the group's block bitmap
func (ref *BlockGroupRef) BlockBitmap() uint64 {
	return ref.desc.blockBitmap()
}

// InodeBitmap is the address of the group's inode bitmap
func (ref *BlockGroupRef) InodeBitmap() uint64 {
	return ref.desc.inodeBitmap()
}

// InodeTable is the address of the first inode table block
func (ref *BlockGroupRef) InodeTable() uint64 {
	return ref.desc.inodeTable()
}

func (ref *BlockGroupRef) markDirty() {
	ref.dirty = true
}

func (fs *FileSystem) initBlockBitmap(ref *BlockGroupRef) error {
	addr := ref.desc.blockBitmap()
	b, err := fs.dev.Get(addr)
	if err != nil {
		return fmt.Errorf("could not read block bitmap of group %d: %w", ref.index, err)
	}
	clear(b.Data)
	first := fs.firstDataIndex(ref.index, ref.desc)
	bm := util.BitmapWithBytes(b.Data)
	if err := bm.SetRange(0, int(first)); err != nil {
		return errors.Join(fmt.Errorf("%w: group %d overhead: %v", ErrCorrupt, ref.index, err), fs.dev.Put(b))
	}
	// bits past the last block of the group are marked in use, as at format
	if blocks := int(fs.blocksInGroup(ref.index)); blocks < bm.Len() {
		_ = bm.SetRange(blocks, bm.Len()-blocks)
	}
	b.Dirty = true
	fs.log.WithFields(logrus.Fields{"group": ref.index, "overhead": first}).Debug("initialized block bitmap")
	return fs.dev.Put(b)
}

func (fs *FileSystem) initInodeBitmap(ref *BlockGroupRef) error {
	addr := ref.desc.inodeBitmap()
	b, err := fs.dev.Get(addr)
	if err != nil {
		return fmt.Errorf("could not read inode bitmap of group %d: %w", ref.index, err)
	}
	ipg := int(fs.superblock.inodesPerGroup)
	used := (ipg + 7) / 8
	clear(b.Data[:used])
	bm := util.BitmapWithBytes(b.Data)
	// padding bits never describe an inode
	for i := ipg; i < used*8; i++ {
		_ = bm.Set(i)
	}
	for i := used; i < len(b.Data); i++ {
		b.Data[i] = 0xff
	}
	b.Dirty = true
	fs.log.WithField("group", ref.index).Debug("initialized inode bitmap")
	return fs.dev.Put(b)
}

func (fs *FileSystem) initInodeTable(ref *BlockGroupRef) error {
	first := ref.desc.inodeTable()
	count := (uint64(fs.superblock.inodesPerGroup)*uint64(fs.superblock.inodeSize) + uint64(fs.superblock.blockSize) - 1) / uint64(fs.superblock.blockSize)
	for i := uint64(0); i < count; i++ {
		if err := fs.dev.Zero(first + i); err != nil {
			return fmt.Errorf("could not zero inode table of group %d: %w", ref.index, err)
		}
	}
	fs.log.WithFields(logrus.Fields{"group": ref.index, "blocks": count}).Debug("zeroed inode table")
	return nil
}
