package ext4

import "fmt"

// blockMapper translates logical blocks of one inode. Every inode maps its blocks
// either through the indirect pointer table or through an extent tree; mapper picks
// the implementation once per operation.
type blockMapper interface {
	getBlock(iblock uint64) (uint64, error)
	setBlock(iblock, fblock uint64) error
	releaseBlock(iblock uint64) error
	appendBlock() (fblock, iblock uint64, err error)
	// releaseFrom frees every block at or after iblock
	releaseFrom(iblock uint64) error
	// teardown frees every block the mapping owns, including its own metadata blocks
	teardown() error
}

var (
	_ blockMapper = &indirectMapper{}
	_ blockMapper = &extentMapper{}
)

func (ref *InodeRef) mapper() blockMapper {
	if ref.UsesExtents() {
		return &extentMapper{fs: ref.fs, ref: ref}
	}
	return &indirectMapper{fs: ref.fs, ref: ref}
}

// GetBlock returns the physical block holding logical block iblock of ref, or 0 for a hole
func (fs *FileSystem) GetBlock(ref *InodeRef, iblock uint64) (uint64, error) {
	if ref.Size() == 0 {
		return 0, nil
	}
	fblock, err := ref.mapper().getBlock(iblock)
	if err != nil {
		return 0, fmt.Errorf("inode %d logical block %d: %w", ref.number, iblock, err)
	}
	return fblock, nil
}

// SetBlock maps logical block iblock of ref to fblock, allocating any indirect blocks
// on the way. Extent inodes are not supported.
func (fs *FileSystem) SetBlock(ref *InodeRef, iblock, fblock uint64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := ref.mapper().setBlock(iblock, fblock); err != nil {
		return fmt.Errorf("inode %d logical block %d: %w", ref.number, iblock, err)
	}
	return nil
}

// ReleaseBlock unmaps logical block iblock of ref and frees its physical block.
// Releasing a hole does nothing. Indirect blocks emptied this way are kept.
func (fs *FileSystem) ReleaseBlock(ref *InodeRef, iblock uint64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if err := ref.mapper().releaseBlock(iblock); err != nil {
		return fmt.Errorf("inode %d logical block %d: %w", ref.number, iblock, err)
	}
	return nil
}

// AppendBlock allocates a block, maps it at the end of ref and grows ref by one block.
// The size is first rounded up to a whole block.
func (fs *FileSystem) AppendBlock(ref *InodeRef) (fblock, iblock uint64, err error) {
	if err := fs.checkWritable(); err != nil {
		return 0, 0, err
	}
	fblock, iblock, err = ref.mapper().appendBlock()
	if err != nil {
		return 0, 0, fmt.Errorf("could not append to inode %d: %w", ref.number, err)
	}
	return fblock, iblock, nil
}

// nextLogicalBlock rounds the size of ref up to a block and returns the rounded size
// and the first logical block past it
func (fs *FileSystem) nextLogicalBlock(ref *InodeRef) (aligned, iblock uint64) {
	bs := uint64(fs.superblock.blockSize)
	aligned = (ref.Size() + bs - 1) / bs * bs
	return aligned, aligned / bs
}
