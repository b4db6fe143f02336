package ext4

import (
	"errors"
	"fmt"

	"github.com/diskfs/go-ext4alloc/util"
)

// allocInodeNumber takes the first free inode of the lowest group that has one
func (fs *FileSystem) allocInodeNumber(isDir bool) (uint32, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	sb := fs.superblock
	count := fs.GroupCount()
	for group := uint32(0); group < count; group++ {
		bg, err := fs.AcquireBlockGroup(group)
		if err != nil {
			return 0, err
		}
		if bg.desc.freeInodes() == 0 {
			if err := bg.Release(); err != nil {
				return 0, err
			}
			continue
		}

		ib, err := fs.dev.Get(bg.desc.inodeBitmap())
		if err != nil {
			return 0, errors.Join(fmt.Errorf("could not read inode bitmap of group %d: %w", group, err), bg.Release())
		}
		inodes := fs.inodesInGroup(group)
		bm := util.BitmapWithBytes(ib.Data)
		idx := bm.FirstFree(0, int(inodes))
		if idx < 0 {
			if err := errors.Join(fs.dev.Put(ib), bg.Release()); err != nil {
				return 0, err
			}
			continue
		}
		_ = bm.Set(idx)
		ib.Dirty = true
		if err := fs.dev.Put(ib); err != nil {
			return 0, errors.Join(fmt.Errorf("could not write inode bitmap of group %d: %w", group, err), bg.Release())
		}

		if sb.hasGDTChecksum() || sb.hasMetadataChecksums() {
			// inodes past the high-water mark are known unused and never read by fsck
			unused := bg.desc.itableUnused()
			if used := inodes - unused; uint32(idx) >= used {
				bg.desc.setItableUnused(inodes - uint32(idx) - 1)
			}
		}
		bg.desc.setFreeInodes(bg.desc.freeInodes() - 1)
		if isDir {
			bg.desc.setUsedDirs(bg.desc.usedDirs() + 1)
		}
		bg.markDirty()
		sb.freeInodes--
		if err := bg.Release(); err != nil {
			return 0, err
		}
		return group*sb.inodesPerGroup + uint32(idx) + 1, nil
	}
	return 0, fmt.Errorf("%w: all %d groups are full", ErrNoInodeSpace, count)
}

// freeInodeNumber returns number to its group's inode bitmap
func (fs *FileSystem) freeInodeNumber(number uint32, isDir bool) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	sb := fs.superblock
	if number == 0 || number > sb.inodeCount {
		return fmt.Errorf("%w: inode %d out of range 1-%d", ErrInvalid, number, sb.inodeCount)
	}
	group := (number - 1) / sb.inodesPerGroup
	idx := int((number - 1) % sb.inodesPerGroup)

	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		return err
	}
	ib, err := fs.dev.Get(bg.desc.inodeBitmap())
	if err != nil {
		return errors.Join(fmt.Errorf("could not read inode bitmap of group %d: %w", group, err), bg.Release())
	}
	bm := util.BitmapWithBytes(ib.Data)
	if set, _ := bm.IsSet(idx); !set {
		return errors.Join(fmt.Errorf("%w: inode %d is already free", ErrCorrupt, number), fs.dev.Put(ib), bg.Release())
	}
	_ = bm.Clear(idx)
	ib.Dirty = true
	if err := fs.dev.Put(ib); err != nil {
		return errors.Join(fmt.Errorf("could not write inode bitmap of group %d: %w", group, err), bg.Release())
	}

	bg.desc.setFreeInodes(bg.desc.freeInodes() + 1)
	if isDir {
		if dirs := bg.desc.usedDirs(); dirs > 0 {
			bg.desc.setUsedDirs(dirs - 1)
		}
	}
	bg.markDirty()
	sb.freeInodes++
	return bg.Release()
}
