package ext4

import (
	"errors"
	"fmt"

	"github.com/diskfs/go-ext4alloc/util"
	"github.com/sirupsen/logrus"
)

// updateBlockCounts moves count blocks between the free pool and ref.
// The superblock, the group and the inode are always updated together.
func (fs *FileSystem) updateBlockCounts(bg *BlockGroupRef, ref *InodeRef, count uint32, allocated bool) {
	sb := fs.superblock
	perBlock := uint64(sb.blockSize / inodeBlockUnit)
	units := uint64(count) * perBlock
	if allocated {
		sb.freeBlocks -= uint64(count)
		bg.desc.setFreeBlocks(bg.desc.freeBlocks() - count)
		if ref != nil {
			ref.setBlocksCount(ref.BlocksCount() + units)
		}
	} else {
		sb.freeBlocks += uint64(count)
		bg.desc.setFreeBlocks(bg.desc.freeBlocks() + count)
		if ref != nil {
			have := ref.BlocksCount()
			if have < units {
				fs.log.WithFields(logrus.Fields{"inode": ref.number, "blocks": have, "freed": units}).Warn("inode block count underflow")
				units = have
			}
			ref.setBlocksCount(have - units)
		}
	}
	bg.markDirty()
}

// findGoal picks the block a new block of ref should ideally land on: right after its
// current last block, or right after the inode table of its group when the file is
// empty or ends in a hole.
func (fs *FileSystem) findGoal(ref *InodeRef) (uint64, error) {
	sb := fs.superblock
	if size := ref.Size(); size > 0 {
		last := (size - 1) / uint64(sb.blockSize)
		phys, err := fs.GetBlock(ref, last)
		if err != nil {
			return 0, err
		}
		if phys != 0 && phys+1 < sb.blockCount {
			return phys + 1, nil
		}
	}

	group := (ref.number - 1) / sb.inodesPerGroup
	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		return 0, err
	}
	goal := bg.desc.inodeTable() + fs.inodeTableBlocks(group)
	if err := bg.Release(); err != nil {
		return 0, err
	}
	if goal < uint64(sb.firstDataBlock) || goal >= sb.blockCount {
		goal = uint64(sb.firstDataBlock)
	}
	return goal, nil
}

// allocInGroup finds and sets a free bit in the block bitmap of bg at or after start.
// With preferStart the start bit and then the rest of its 64 bit aligned window are
// tried before the general search.
func (fs *FileSystem) allocInGroup(bg *BlockGroupRef, start uint32, preferStart bool) (uint32, bool, error) {
	blocks := fs.blocksInGroup(bg.index)
	if start >= blocks {
		return 0, false, nil
	}
	bb, err := fs.dev.Get(bg.desc.blockBitmap())
	if err != nil {
		return 0, false, fmt.Errorf("could not read block bitmap of group %d: %w", bg.index, err)
	}
	bm := util.BitmapWithBytes(bb.Data)

	found := -1
	if preferStart {
		if set, _ := bm.IsSet(int(start)); !set {
			found = int(start)
		} else {
			end := (start + 63) &^ 63
			if end > blocks {
				end = blocks
			}
			found = bm.FirstFree(int(start)+1, int(end))
		}
	}
	if found < 0 {
		found = bm.FirstFree(int(start), int(blocks))
	}
	if found < 0 {
		return 0, false, fs.dev.Put(bb)
	}
	_ = bm.Set(found)
	bb.Dirty = true
	if err := fs.dev.Put(bb); err != nil {
		return 0, false, fmt.Errorf("could not write block bitmap of group %d: %w", bg.index, err)
	}
	return uint32(found), true, nil
}

// AllocBlock allocates one block for ref, as close to its goal block as possible.
// The goal's group is searched first, then every group in turn starting with the next one.
func (fs *FileSystem) AllocBlock(ref *InodeRef) (uint64, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	goal, err := fs.findGoal(ref)
	if err != nil {
		return 0, fmt.Errorf("could not find goal block for inode %d: %w", ref.number, err)
	}
	group := fs.blockGroupOf(goal)
	index := fs.indexInGroup(goal)

	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		return 0, err
	}
	if bg.desc.freeBlocks() > 0 {
		if first := fs.firstDataIndex(group, bg.desc); index < first {
			index = first
		}
		idx, ok, err := fs.allocInGroup(bg, index, true)
		if err != nil {
			return 0, errors.Join(err, bg.Release())
		}
		if ok {
			return fs.commitAlloc(bg, ref, idx)
		}
	}
	if err := bg.Release(); err != nil {
		return 0, err
	}

	count := fs.GroupCount()
	for i, g := uint32(0), (group+1)%count; i < count; i, g = i+1, (g+1)%count {
		bg, err := fs.AcquireBlockGroup(g)
		if err != nil {
			return 0, err
		}
		if bg.desc.freeBlocks() == 0 {
			if err := bg.Release(); err != nil {
				return 0, err
			}
			continue
		}
		idx, ok, err := fs.allocInGroup(bg, fs.firstDataIndex(g, bg.desc), false)
		if err != nil {
			return 0, errors.Join(err, bg.Release())
		}
		if ok {
			fs.log.WithFields(logrus.Fields{"inode": ref.number, "goalGroup": group, "group": g}).Debug("allocated outside goal group")
			return fs.commitAlloc(bg, ref, idx)
		}
		if err := bg.Release(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: no free block for inode %d", ErrNoSpace, ref.number)
}

func (fs *FileSystem) commitAlloc(bg *BlockGroupRef, ref *InodeRef, idx uint32) (uint64, error) {
	fs.updateBlockCounts(bg, ref, 1, true)
	baddr := fs.blockOf(bg.index, idx)
	if err := bg.Release(); err != nil {
		return 0, err
	}
	return baddr, nil
}

// TryAllocBlock claims baddr for ref if it is free, and reports whether it was
func (fs *FileSystem) TryAllocBlock(ref *InodeRef, baddr uint64) (bool, error) {
	if err := fs.checkWritable(); err != nil {
		return false, err
	}
	if baddr < uint64(fs.superblock.firstDataBlock) || baddr >= fs.superblock.blockCount {
		return false, fmt.Errorf("%w: block %d outside of filesystem", ErrInvalid, baddr)
	}
	group := fs.blockGroupOf(baddr)
	index := fs.indexInGroup(baddr)

	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		return false, err
	}
	bb, err := fs.dev.Get(bg.desc.blockBitmap())
	if err != nil {
		return false, errors.Join(fmt.Errorf("could not read block bitmap of group %d: %w", group, err), bg.Release())
	}
	bm := util.BitmapWithBytes(bb.Data)
	if set, _ := bm.IsSet(int(index)); set {
		return false, errors.Join(fs.dev.Put(bb), bg.Release())
	}
	_ = bm.Set(int(index))
	bb.Dirty = true
	if err := fs.dev.Put(bb); err != nil {
		return false, errors.Join(fmt.Errorf("could not write block bitmap of group %d: %w", group, err), bg.Release())
	}
	fs.updateBlockCounts(bg, ref, 1, true)
	if err := bg.Release(); err != nil {
		return false, err
	}
	return true, nil
}

// FreeBlock releases baddr from ref
func (fs *FileSystem) FreeBlock(ref *InodeRef, baddr uint64) error {
	return fs.FreeBlocks(ref, baddr, 1)
}

// FreeBlocks releases count blocks starting at first from ref. The range has to lie
// within one block group, and every block in it has to be in use.
func (fs *FileSystem) FreeBlocks(ref *InodeRef, first uint64, count uint32) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	sb := fs.superblock
	last := first + uint64(count) - 1
	if first < uint64(sb.firstDataBlock) || last >= sb.blockCount {
		return fmt.Errorf("%w: blocks %d-%d outside of filesystem", ErrCorrupt, first, last)
	}
	group := fs.blockGroupOf(first)
	if lastGroup := fs.blockGroupOf(last); lastGroup != group {
		return fmt.Errorf("%w: blocks %d-%d span groups %d and %d", ErrCorrupt, first, last, group, lastGroup)
	}
	index := fs.indexInGroup(first)

	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		return err
	}
	bb, err := fs.dev.Get(bg.desc.blockBitmap())
	if err != nil {
		return errors.Join(fmt.Errorf("could not read block bitmap of group %d: %w", group, err), bg.Release())
	}
	bm := util.BitmapWithBytes(bb.Data)
	for i := index; i < index+count; i++ {
		if set, _ := bm.IsSet(int(i)); !set {
			return errors.Join(
				fmt.Errorf("%w: block %d is already free", ErrCorrupt, fs.blockOf(group, i)),
				fs.dev.Put(bb), bg.Release())
		}
	}
	_ = bm.ClearRange(int(index), int(count))
	bb.Dirty = true
	if err := fs.dev.Put(bb); err != nil {
		return errors.Join(fmt.Errorf("could not write block bitmap of group %d: %w", group, err), bg.Release())
	}
	fs.updateBlockCounts(bg, ref, count, false)
	return bg.Release()
}

// freeExtent releases a physical run that may cross group boundaries, one group at a time
func (fs *FileSystem) freeExtent(ref *InodeRef, first, count uint64) error {
	for count > 0 {
		group := fs.blockGroupOf(first)
		groupEnd := fs.blockOf(group, 0) + uint64(fs.blocksInGroup(group))
		n := min(count, groupEnd-first)
		if err := fs.FreeBlocks(ref, first, uint32(n)); err != nil {
			return err
		}
		first += n
		count -= n
	}
	return nil
}
