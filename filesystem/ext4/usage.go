package ext4

import (
	"fmt"

	"github.com/diskfs/go-ext4alloc/util"
)

// GroupUsage is the allocation state of every block in one block group
type GroupUsage struct {
	Index uint32
	// First is the address of the group's first block
	First uint64
	// Overhead counts the blocks at the start of the group taken by superblock and
	// descriptor backups, the bitmaps and the inode table
	Overhead uint32
	// InUse has one entry per block of the group
	InUse []bool
}

// BlockUsage reads the block bitmap of group. Like Check it does not initialize
// a lazily initialized group; such a group reports only its overhead in use.
func (fs *FileSystem) BlockUsage(group uint32) (*GroupUsage, error) {
	if group >= fs.GroupCount() {
		return nil, fmt.Errorf("%w: block group %d does not exist", ErrInvalid, group)
	}
	blockNum, offset := fs.descriptorLocation(group)
	b, err := fs.dev.Get(blockNum)
	if err != nil {
		return nil, fmt.Errorf("could not read descriptor of block group %d: %w", group, err)
	}
	desc := make([]byte, fs.superblock.groupDescriptorSize)
	copy(desc, b.Data[offset:])
	if err := fs.dev.Put(b); err != nil {
		return nil, err
	}
	gd := groupDescriptor{b: desc}

	usage := &GroupUsage{
		Index:    group,
		First:    fs.blockOf(group, 0),
		Overhead: fs.firstDataIndex(group, gd),
		InUse:    make([]bool, fs.blocksInGroup(group)),
	}
	if gd.hasFlag(blockGroupBlockUninit) {
		for i := uint32(0); i < usage.Overhead; i++ {
			usage.InUse[i] = true
		}
		return usage, nil
	}

	bb, err := fs.dev.Get(gd.blockBitmap())
	if err != nil {
		return nil, fmt.Errorf("could not read block bitmap of group %d: %w", group, err)
	}
	bm := util.BitmapWithBytes(bb.Data)
	for i := range usage.InUse {
		usage.InUse[i], _ = bm.IsSet(i)
	}
	if err := fs.dev.Put(bb); err != nil {
		return nil, err
	}
	return usage, nil
}
