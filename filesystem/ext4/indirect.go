package ext4

import (
	"errors"
	"fmt"
	"math"
)

// indirectMapper maps blocks through the 12 direct and 3 indirect pointers of the inode
type indirectMapper struct {
	fs  *FileSystem
	ref *InodeRef
}

// level returns the indirection level 1-3 of a non-direct logical block, 0 if out of range
func (l indirectLimits) level(iblock uint64) int {
	for i := 1; i <= indirectLevels; i++ {
		if iblock < l.limits[i] {
			return i
		}
	}
	return 0
}

// path returns the level of iblock, the inode slot of its top indirect block, and the
// offset of iblock within that subtree
func (m *indirectMapper) path(iblock uint64) (level, slot int, off uint64, err error) {
	level = m.fs.limits.level(iblock)
	if level == 0 {
		return 0, 0, 0, fmt.Errorf("%w: logical block %d beyond triple indirect range of %d blocks", ErrInvalid, iblock, m.fs.limits.limits[indirectLevels])
	}
	return level, directBlocks + level - 1, iblock - m.fs.limits.limits[level-1], nil
}

func (m *indirectMapper) getBlock(iblock uint64) (uint64, error) {
	if iblock < directBlocks {
		return uint64(m.ref.inode.blockPointer(int(iblock))), nil
	}
	level, slot, off, err := m.path(iblock)
	if err != nil {
		return 0, err
	}
	current := uint64(m.ref.inode.blockPointer(slot))
	for ; level > 0; level-- {
		if current == 0 {
			return 0, nil
		}
		b, err := m.fs.dev.Get(current)
		if err != nil {
			return 0, err
		}
		per := m.fs.limits.blocksPerLevel[level-1]
		idx := int(off / per)
		off %= per
		current = uint64(le32(b.Data, idx*blockPointerBytes))
		if err := m.fs.dev.Put(b); err != nil {
			return 0, err
		}
	}
	return current, nil
}

// newIndirectBlock allocates a zeroed block for the tree
func (m *indirectMapper) newIndirectBlock() (uint64, error) {
	nb, err := m.fs.AllocBlock(m.ref)
	if err != nil {
		return 0, err
	}
	if err := m.fs.dev.Zero(nb); err != nil {
		return 0, errors.Join(err, m.fs.FreeBlock(m.ref, nb))
	}
	return nb, nil
}

func (m *indirectMapper) setBlock(iblock, fblock uint64) error {
	if fblock > math.MaxUint32 {
		return fmt.Errorf("%w: block %d does not fit a 32 bit block pointer", ErrInvalid, fblock)
	}
	if iblock < directBlocks {
		m.ref.inode.setBlockPointer(int(iblock), uint32(fblock))
		m.ref.dirty = true
		return nil
	}
	level, slot, off, err := m.path(iblock)
	if err != nil {
		return err
	}
	current := uint64(m.ref.inode.blockPointer(slot))
	if current == 0 {
		if current, err = m.newIndirectBlock(); err != nil {
			return err
		}
		m.ref.inode.setBlockPointer(slot, uint32(current))
		m.ref.dirty = true
	}

	for ; level > 0; level-- {
		b, err := m.fs.dev.Get(current)
		if err != nil {
			return err
		}
		per := m.fs.limits.blocksPerLevel[level-1]
		idx := int(off / per)
		off %= per
		if level == 1 {
			put32(b.Data, idx*blockPointerBytes, uint32(fblock))
			b.Dirty = true
			return m.fs.dev.Put(b)
		}
		next := uint64(le32(b.Data, idx*blockPointerBytes))
		if next == 0 {
			if next, err = m.newIndirectBlock(); err != nil {
				return errors.Join(err, m.fs.dev.Put(b))
			}
			put32(b.Data, idx*blockPointerBytes, uint32(next))
			b.Dirty = true
		}
		if err := m.fs.dev.Put(b); err != nil {
			return err
		}
		current = next
	}
	return nil
}

func (m *indirectMapper) releaseBlock(iblock uint64) error {
	if iblock < directBlocks {
		fblock := uint64(m.ref.inode.blockPointer(int(iblock)))
		if fblock == 0 {
			return nil
		}
		m.ref.inode.setBlockPointer(int(iblock), 0)
		m.ref.dirty = true
		return m.fs.FreeBlock(m.ref, fblock)
	}
	level, slot, off, err := m.path(iblock)
	if err != nil {
		return err
	}
	current := uint64(m.ref.inode.blockPointer(slot))
	for ; level > 0; level-- {
		if current == 0 {
			return nil
		}
		b, err := m.fs.dev.Get(current)
		if err != nil {
			return err
		}
		per := m.fs.limits.blocksPerLevel[level-1]
		idx := int(off / per)
		off %= per
		next := uint64(le32(b.Data, idx*blockPointerBytes))
		if level == 1 && next != 0 {
			put32(b.Data, idx*blockPointerBytes, 0)
			b.Dirty = true
		}
		if err := m.fs.dev.Put(b); err != nil {
			return err
		}
		if level == 1 && next != 0 {
			return m.fs.FreeBlock(m.ref, next)
		}
		current = next
	}
	return nil
}

func (m *indirectMapper) appendBlock() (uint64, uint64, error) {
	aligned, iblock := m.fs.nextLogicalBlock(m.ref)
	fblock, err := m.fs.AllocBlock(m.ref)
	if err != nil {
		return 0, 0, err
	}
	if err := m.setBlock(iblock, fblock); err != nil {
		return 0, 0, errors.Join(err, m.fs.FreeBlock(m.ref, fblock))
	}
	m.ref.SetSize(aligned + uint64(m.fs.superblock.blockSize))
	return fblock, iblock, nil
}

// releaseFrom releases every block from the end of the file down to iblock, then
// frees indirect subtrees that lie wholly past iblock
func (m *indirectMapper) releaseFrom(iblock uint64) error {
	bs := uint64(m.fs.superblock.blockSize)
	end := (m.ref.Size() + bs - 1) / bs
	for i := end; i > iblock; i-- {
		if err := m.releaseBlock(i - 1); err != nil {
			return err
		}
	}
	for level := 1; level <= indirectLevels; level++ {
		if iblock > m.fs.limits.limits[level-1] {
			continue
		}
		if err := m.freeSubtree(directBlocks + level - 1); err != nil {
			return err
		}
	}
	return nil
}

func (m *indirectMapper) teardown() error {
	for i := uint64(0); i < directBlocks; i++ {
		if err := m.releaseBlock(i); err != nil {
			return err
		}
	}
	for slot := directBlocks; slot < inodeBlockPtrs; slot++ {
		if err := m.freeSubtree(slot); err != nil {
			return err
		}
	}
	return nil
}

// freeSubtree frees the indirect tree rooted at inode pointer slot and clears the pointer
func (m *indirectMapper) freeSubtree(slot int) error {
	root := uint64(m.ref.inode.blockPointer(slot))
	if root == 0 {
		return nil
	}
	if err := m.freeTree(root, slot-directBlocks+1); err != nil {
		return err
	}
	m.ref.inode.setBlockPointer(slot, 0)
	m.ref.dirty = true
	return nil
}

// freeTree frees every block referenced below addr, depth levels deep, and then addr
func (m *indirectMapper) freeTree(addr uint64, depth int) error {
	b, err := m.fs.dev.Get(addr)
	if err != nil {
		return err
	}
	var children []uint64
	for off := 0; off+blockPointerBytes <= len(b.Data); off += blockPointerBytes {
		if p := le32(b.Data, off); p != 0 {
			children = append(children, uint64(p))
		}
	}
	if err := m.fs.dev.Put(b); err != nil {
		return err
	}
	for _, child := range children {
		if depth > 1 {
			err = m.freeTree(child, depth-1)
		} else {
			err = m.fs.FreeBlock(m.ref, child)
		}
		if err != nil {
			return err
		}
	}
	return m.fs.FreeBlock(m.ref, addr)
}
