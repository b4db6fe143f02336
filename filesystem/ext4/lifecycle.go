package ext4

import (
	"errors"
	"fmt"
)

const (
	defaultDirMode  uint16 = 0o777
	defaultFileMode uint16 = 0o666
	extraIsize      uint16 = 32
)

// AllocInode allocates and initializes a new inode. Directories start with a link
// count of 1 for their own entry, files with 0. On filesystems with extents the inode
// gets an empty extent tree.
func (fs *FileSystem) AllocInode(isDir bool) (*InodeRef, error) {
	number, err := fs.allocInodeNumber(isDir)
	if err != nil {
		return nil, err
	}
	ref, err := fs.AcquireInode(number)
	if err != nil {
		return nil, errors.Join(err, fs.freeInodeNumber(number, isDir))
	}

	clear(ref.inode.b)
	if isDir {
		ref.inode.setMode(defaultDirMode | fileTypeDirectory)
		ref.inode.setLinks(1)
	} else {
		ref.inode.setMode(defaultFileMode | fileTypeRegular)
		ref.inode.setLinks(0)
	}
	if fs.superblock.inodeSize > goodOldInodeSize {
		isize := fs.superblock.wantExtraIsize
		if isize == 0 {
			isize = extraIsize
		}
		put16(ref.inode.b, inodeExtraIsize, isize)
	}
	if fs.superblock.hasExtents() {
		ref.inode.setFlags(inodeFlagExtents)
		initExtentRoot(ref.inode.blockArea())
	}
	ref.dirty = true
	return ref, nil
}

// FreeInode releases every block owned by ref, its extended attribute block, and
// finally the inode number. The reference itself still has to be released.
// The size is left as it is.
func (fs *FileSystem) FreeInode(ref *InodeRef) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := ref.mapper().teardown(); err != nil {
		return fmt.Errorf("could not release blocks of inode %d: %w", ref.number, err)
	}
	if xattr := ref.inode.fileACL(); xattr != 0 {
		if err := fs.FreeBlock(ref, xattr); err != nil {
			return fmt.Errorf("could not release xattr block of inode %d: %w", ref.number, err)
		}
		ref.inode.setFileACL(0)
		ref.dirty = true
	}
	return fs.freeInodeNumber(ref.number, ref.IsDir())
}

// Truncate shrinks ref to newSize bytes, releasing blocks past the new end from the
// last one down. Growing is not supported.
func (fs *FileSystem) Truncate(ref *InodeRef, newSize uint64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if !ref.canTruncate() {
		return fmt.Errorf("%w: inode %d cannot be truncated", ErrInvalid, ref.number)
	}
	oldSize := ref.Size()
	if oldSize == newSize {
		return nil
	}
	if newSize > oldSize {
		return fmt.Errorf("%w: truncate of inode %d from %d to %d would grow it", ErrInvalid, ref.number, oldSize, newSize)
	}

	bs := uint64(fs.superblock.blockSize)
	newBlocks := (newSize + bs - 1) / bs
	if err := ref.mapper().releaseFrom(newBlocks); err != nil {
		return fmt.Errorf("could not truncate inode %d: %w", ref.number, err)
	}
	ref.SetSize(newSize)
	return nil
}
