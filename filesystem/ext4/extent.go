package ext4

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

const (
	extentTreeHeaderLength int    = 12
	extentTreeEntryLength  int    = 12
	extentHeaderSignature  uint16 = 0xf30a
	extentTreeMaxDepth     int    = 5
	// the root lives in the inode's 60 byte block pointer table
	extentRootMax uint16 = uint16((inodeBlockLength - extentTreeHeaderLength) / extentTreeEntryLength)
	// lengths above this mark an unwritten extent
	maxBlocksPerExtent uint16 = 32768
)

// extent a structure with information about a single contiguous run of blocks containing file data
type extent struct {
	// fileBlock block number relative to the file. E.g. if the file is composed of 5 blocks, this could be 0-4
	fileBlock uint32
	// startingBlock the first block on disk that contains the data in this extent
	startingBlock uint64
	// count how many contiguous blocks are covered by this extent, plus maxBlocksPerExtent if unwritten
	count uint16
}

func (e extent) unwritten() bool {
	return e.count > maxBlocksPerExtent
}

// length is the number of blocks covered, written or not
func (e extent) length() uint32 {
	if e.unwritten() {
		return uint32(e.count - maxBlocksPerExtent)
	}
	return uint32(e.count)
}

func (e *extent) setLength(n uint32) {
	if e.unwritten() {
		n += uint32(maxBlocksPerExtent)
	}
	e.count = uint16(n)
}

// extentChildPtr represents a child pointer in an internal node of extents
type extentChildPtr struct {
	fileBlock uint32 // children of this cover from file block fileBlock onwards
	diskBlock uint64 // block number where the child node lives
}

// extentNodeHeader represents the header of an extent node
type extentNodeHeader struct {
	depth   uint16 // the depth of tree below here; for leaf nodes, will be 0
	entries uint16 // number of entries
	max     uint16 // maximum number of entries allowed at this level
}

// extentNode is one node of the tree. Leaves (depth 0) carry extents, index nodes carry children.
type extentNode struct {
	extentNodeHeader
	extents  []extent
	children []extentChildPtr
}

// parseExtentNode parses the node stored in b, either a block or the inode's pointer table
func parseExtentNode(b []byte) (*extentNode, error) {
	if len(b) < extentTreeHeaderLength {
		return nil, fmt.Errorf("%w: cannot parse extent node from %d bytes", ErrCorrupt, len(b))
	}
	if sig := le16(b, 0); sig != extentHeaderSignature {
		return nil, fmt.Errorf("%w: invalid extent tree signature %#x", ErrCorrupt, sig)
	}
	n := &extentNode{extentNodeHeader: extentNodeHeader{
		entries: le16(b, 0x2),
		max:     le16(b, 0x4),
		depth:   le16(b, 0x6),
	}}
	// b[0x8:0xc] is the generation, unused by ext4
	if n.entries > n.max || extentTreeHeaderLength+int(n.max)*extentTreeEntryLength > len(b) {
		return nil, fmt.Errorf("%w: extent node with %d of %d entries does not fit %d bytes", ErrCorrupt, n.entries, n.max, len(b))
	}
	if int(n.depth) > extentTreeMaxDepth {
		return nil, fmt.Errorf("%w: extent tree depth %d", ErrCorrupt, n.depth)
	}
	for i := 0; i < int(n.entries); i++ {
		off := extentTreeHeaderLength + i*extentTreeEntryLength
		if n.depth == 0 {
			n.extents = append(n.extents, extent{
				fileBlock:     le32(b, off),
				count:         le16(b, off+4),
				startingBlock: uint64(le16(b, off+6))<<32 | uint64(le32(b, off+8)),
			})
		} else {
			n.children = append(n.children, extentChildPtr{
				fileBlock: le32(b, off),
				diskBlock: uint64(le32(b, off+4)) | uint64(le16(b, off+8))<<32,
			})
		}
	}
	return n, nil
}

// write stores the node into b, leaving the generation field alone
func (n *extentNode) write(b []byte) {
	if n.depth == 0 {
		n.entries = uint16(len(n.extents))
	} else {
		n.entries = uint16(len(n.children))
	}
	put16(b, 0x0, extentHeaderSignature)
	put16(b, 0x2, n.entries)
	put16(b, 0x4, n.max)
	put16(b, 0x6, n.depth)
	clear(b[extentTreeHeaderLength : extentTreeHeaderLength+int(n.max)*extentTreeEntryLength])
	for i, e := range n.extents {
		off := extentTreeHeaderLength + i*extentTreeEntryLength
		put32(b, off, e.fileBlock)
		put16(b, off+4, e.count)
		put16(b, off+6, uint16(e.startingBlock>>32))
		put32(b, off+8, uint32(e.startingBlock))
	}
	for i, c := range n.children {
		off := extentTreeHeaderLength + i*extentTreeEntryLength
		put32(b, off, c.fileBlock)
		put32(b, off+4, uint32(c.diskBlock))
		put16(b, off+8, uint16(c.diskBlock>>32))
	}
}

// appendBlock extends the last extent with fblock at iblock if contiguous, otherwise adds
// an extent when there is room. Reports false when the node is full.
func (n *extentNode) appendBlock(iblock uint32, fblock uint64) bool {
	if k := len(n.extents); k > 0 {
		last := &n.extents[k-1]
		l := last.length()
		if !last.unwritten() && l < uint32(maxBlocksPerExtent) &&
			last.fileBlock+l == iblock && last.startingBlock+uint64(l) == fblock {
			last.setLength(l + 1)
			return true
		}
	}
	if len(n.extents) >= int(n.max) {
		return false
	}
	n.extents = append(n.extents, extent{fileBlock: iblock, startingBlock: fblock, count: 1})
	return true
}

// initExtentRoot writes an empty root into the inode's pointer table
func initExtentRoot(b []byte) {
	root := extentNode{extentNodeHeader: extentNodeHeader{max: extentRootMax}}
	root.write(b)
}

// extentRun is a physical range to give back to the allocator
type extentRun struct {
	start uint64
	count uint64
}

// trimExtents drops everything at or after iblock and returns what is left and what was cut
func trimExtents(in []extent, iblock uint32) ([]extent, []extentRun) {
	var (
		kept []extent
		runs []extentRun
	)
	for _, e := range in {
		l := e.length()
		switch {
		case e.fileBlock >= iblock:
			runs = append(runs, extentRun{start: e.startingBlock, count: uint64(l)})
		case e.fileBlock+l > iblock:
			keep := iblock - e.fileBlock
			runs = append(runs, extentRun{start: e.startingBlock + uint64(keep), count: uint64(l - keep)})
			e.setLength(keep)
			kept = append(kept, e)
		default:
			kept = append(kept, e)
		}
	}
	return kept, runs
}

// extentMapper maps blocks through the extent tree rooted in the inode
type extentMapper struct {
	fs  *FileSystem
	ref *InodeRef
}

func (m *extentMapper) root() (*extentNode, error) {
	return parseExtentNode(m.ref.inode.blockArea())
}

func (m *extentMapper) writeRoot(root *extentNode) {
	root.write(m.ref.inode.blockArea())
	m.ref.dirty = true
}

// readNode parses the node stored in block addr
func (m *extentMapper) readNode(addr uint64) (*extentNode, error) {
	b, err := m.fs.dev.Get(addr)
	if err != nil {
		return nil, err
	}
	n, err := parseExtentNode(b.Data)
	if err != nil {
		err = fmt.Errorf("extent node in block %d: %w", addr, err)
	}
	return n, errors.Join(err, m.fs.dev.Put(b))
}

// writeNode stores n into block addr
func (m *extentMapper) writeNode(addr uint64, n *extentNode) error {
	b, err := m.fs.dev.Get(addr)
	if err != nil {
		return err
	}
	n.write(b.Data)
	b.Dirty = true
	return m.fs.dev.Put(b)
}

func (m *extentMapper) getBlock(iblock uint64) (uint64, error) {
	if iblock > math.MaxUint32 {
		return 0, nil
	}
	target := uint32(iblock)
	node, err := m.root()
	if err != nil {
		return 0, err
	}
	for node.depth > 0 {
		// the last child starting at or before target
		i := len(node.children) - 1
		for i >= 0 && node.children[i].fileBlock > target {
			i--
		}
		if i < 0 {
			return 0, nil
		}
		depth := node.depth
		if node, err = m.readNode(node.children[i].diskBlock); err != nil {
			return 0, err
		}
		if node.depth != depth-1 {
			return 0, fmt.Errorf("%w: extent node at depth %d under depth %d", ErrCorrupt, node.depth, depth)
		}
	}
	for _, e := range node.extents {
		if target >= e.fileBlock && target < e.fileBlock+e.length() {
			return e.startingBlock + uint64(target-e.fileBlock), nil
		}
	}
	return 0, nil
}

func (m *extentMapper) setBlock(_, _ uint64) error {
	return fmt.Errorf("%w: block pointers of extent mapped inode %d cannot be set directly", ErrUnsupported, m.ref.number)
}

func (m *extentMapper) releaseBlock(_ uint64) error {
	return fmt.Errorf("%w: extent mapped inode %d releases blocks by truncation only", ErrUnsupported, m.ref.number)
}

func (m *extentMapper) appendBlock() (uint64, uint64, error) {
	aligned, iblock := m.fs.nextLogicalBlock(m.ref)
	if iblock > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: logical block %d beyond extent range", ErrInvalid, iblock)
	}
	fblock, err := m.fs.AllocBlock(m.ref)
	if err != nil {
		return 0, 0, err
	}
	if err := m.insert(uint32(iblock), fblock); err != nil {
		return 0, 0, errors.Join(err, m.fs.FreeBlock(m.ref, fblock))
	}
	m.ref.SetSize(aligned + uint64(m.fs.superblock.blockSize))
	return fblock, iblock, nil
}

func (m *extentMapper) leafMax() uint16 {
	return uint16((int(m.fs.superblock.blockSize) - extentTreeHeaderLength) / extentTreeEntryLength)
}

// newLeaf allocates a block and stores a leaf holding exts in it
func (m *extentMapper) newLeaf(exts []extent) (uint64, error) {
	addr, err := m.fs.AllocBlock(m.ref)
	if err != nil {
		return 0, err
	}
	leaf := &extentNode{extentNodeHeader: extentNodeHeader{max: m.leafMax()}, extents: exts}
	if err := m.writeNode(addr, leaf); err != nil {
		return 0, errors.Join(err, m.fs.FreeBlock(m.ref, addr))
	}
	return addr, nil
}

// insert maps iblock to fblock at the end of the tree. A full root is pushed down into a
// new leaf once; after that new leaves are added to the root until it is full too.
func (m *extentMapper) insert(iblock uint32, fblock uint64) error {
	root, err := m.root()
	if err != nil {
		return err
	}
	switch root.depth {
	case 0:
		if root.appendBlock(iblock, fblock) {
			m.writeRoot(root)
			return nil
		}
		exts := append(slices.Clone(root.extents), extent{fileBlock: iblock, startingBlock: fblock, count: 1})
		addr, err := m.newLeaf(exts)
		if err != nil {
			return err
		}
		m.fs.log.WithField("inode", m.ref.number).Debug("extent root moved into leaf block")
		m.writeRoot(&extentNode{
			extentNodeHeader: extentNodeHeader{depth: 1, max: root.max},
			children:         []extentChildPtr{{fileBlock: exts[0].fileBlock, diskBlock: addr}},
		})
		return nil
	case 1:
		if len(root.children) > 0 {
			last := root.children[len(root.children)-1]
			leaf, err := m.readNode(last.diskBlock)
			if err != nil {
				return err
			}
			if leaf.appendBlock(iblock, fblock) {
				return m.writeNode(last.diskBlock, leaf)
			}
		}
		if len(root.children) >= int(root.max) {
			return fmt.Errorf("%w: extent tree of inode %d is full", ErrUnsupported, m.ref.number)
		}
		addr, err := m.newLeaf([]extent{{fileBlock: iblock, startingBlock: fblock, count: 1}})
		if err != nil {
			return err
		}
		root.children = append(root.children, extentChildPtr{fileBlock: iblock, diskBlock: addr})
		m.writeRoot(root)
		return nil
	default:
		return fmt.Errorf("%w: appending to extent tree of depth %d", ErrUnsupported, root.depth)
	}
}

func (m *extentMapper) releaseFrom(iblock uint64) error {
	if iblock > math.MaxUint32 {
		return nil
	}
	root, err := m.root()
	if err != nil {
		return err
	}
	runs, err := m.trim(root, uint32(iblock))
	if err != nil {
		return err
	}
	if root.depth > 0 && len(root.children) == 0 {
		root = &extentNode{extentNodeHeader: extentNodeHeader{max: root.max}}
	}
	m.writeRoot(root)
	return m.freeRuns(runs)
}

func (m *extentMapper) teardown() error {
	return m.releaseFrom(0)
}

func (m *extentMapper) freeRuns(runs []extentRun) error {
	for _, r := range runs {
		if err := m.fs.freeExtent(m.ref, r.start, r.count); err != nil {
			return err
		}
	}
	return nil
}

// trim cuts n down to the blocks before iblock. Leaf runs are returned for the caller to
// free once n has been written; emptied child nodes are freed here.
func (m *extentMapper) trim(n *extentNode, iblock uint32) ([]extentRun, error) {
	if n.depth == 0 {
		var runs []extentRun
		n.extents, runs = trimExtents(n.extents, iblock)
		return runs, nil
	}
	orig := slices.Clone(n.children)
	for i := len(orig) - 1; i >= 0; i-- {
		// child i ends where child i+1 starts
		if i+1 < len(orig) && orig[i+1].fileBlock <= iblock {
			break
		}
		empty, err := m.trimChild(orig[i].diskBlock, iblock)
		if err != nil {
			return nil, err
		}
		if empty {
			n.children = slices.Delete(n.children, i, i+1)
		}
	}
	return nil, nil
}

// trimChild trims the node in block addr and frees the block if nothing is left in it
func (m *extentMapper) trimChild(addr uint64, iblock uint32) (bool, error) {
	b, err := m.fs.dev.Get(addr)
	if err != nil {
		return false, err
	}
	child, err := parseExtentNode(b.Data)
	if err != nil {
		return false, errors.Join(fmt.Errorf("extent node in block %d: %w", addr, err), m.fs.dev.Put(b))
	}
	runs, err := m.trim(child, iblock)
	if err != nil {
		return false, errors.Join(err, m.fs.dev.Put(b))
	}
	child.write(b.Data)
	b.Dirty = true
	if err := m.fs.dev.Put(b); err != nil {
		return false, err
	}
	if err := m.freeRuns(runs); err != nil {
		return false, err
	}
	if child.entries > 0 {
		return false, nil
	}
	return true, m.fs.FreeBlock(m.ref, addr)
}
