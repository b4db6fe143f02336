package ext4

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func createExtentFS(t *testing.T) *FileSystem {
	t.Helper()
	fs, _ := createFS(t, megabyte, &Params{BlockSize: 1024, UUID: &testUUID})
	return fs
}

func extentRoot(t *testing.T, fs *FileSystem, ref *InodeRef) *extentNode {
	t.Helper()
	root, err := (&extentMapper{fs: fs, ref: ref}).root()
	if err != nil {
		t.Fatalf("extent root of inode %d: %v", ref.Number(), err)
	}
	return root
}

func assertEmptyRoot(t *testing.T, root *extentNode) {
	t.Helper()
	if root.depth != 0 || root.entries != 0 || root.max != extentRootMax {
		t.Errorf("root depth %d entries %d max %d, expected an empty leaf of %d", root.depth, root.entries, root.max, extentRootMax)
	}
}

func TestExtentRootInit(t *testing.T) {
	fs := createExtentFS(t)
	ref := allocFile(t, fs)
	if !ref.UsesExtents() {
		t.Fatal("new inode does not use extents")
	}
	assertEmptyRoot(t, extentRoot(t, fs, ref))
	if got, err := fs.GetBlock(ref, 0); err != nil || got != 0 {
		t.Errorf("empty inode maps block 0 to %d %v", got, err)
	}
	if err := fs.SetBlock(ref, 0, 100); !errors.Is(err, ErrUnsupported) {
		t.Errorf("set block: got %v, expected %v", err, ErrUnsupported)
	}
	if err := fs.ReleaseBlock(ref, 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("release block: got %v, expected %v", err, ErrUnsupported)
	}
	if err := fs.FreeInode(ref); err != nil {
		t.Fatal(err)
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestExtentContiguousAppend(t *testing.T) {
	fs := createExtentFS(t)
	ref := allocFile(t, fs)
	free := fs.FreeBlocksCount()
	var first uint64
	for i := 0; i < 5; i++ {
		fblock, iblock, err := fs.AppendBlock(ref)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = fblock
		}
		if iblock != uint64(i) || fblock != first+uint64(i) {
			t.Errorf("append %d: logical %d physical %d", i, iblock, fblock)
		}
	}
	root := extentRoot(t, fs, ref)
	if root.depth != 0 || len(root.extents) != 1 {
		t.Fatalf("expected a single extent in the root, got depth %d with %d extents", root.depth, len(root.extents))
	}
	if e := root.extents[0]; e.fileBlock != 0 || e.startingBlock != first || e.length() != 5 {
		t.Errorf("extent covers %d+%d at %d, expected 0+5 at %d", e.fileBlock, e.length(), e.startingBlock, first)
	}
	for i := uint64(0); i < 5; i++ {
		if got, err := fs.GetBlock(ref, i); err != nil || got != first+i {
			t.Errorf("block %d maps to %d %v, expected %d", i, got, err, first+i)
		}
	}
	if got, _ := fs.GetBlock(ref, 5); got != 0 {
		t.Errorf("block past the end maps to %d", got)
	}

	// cutting into the extent shortens it
	if err := fs.Truncate(ref, 2*1024+1); err != nil {
		t.Fatal(err)
	}
	root = extentRoot(t, fs, ref)
	if len(root.extents) != 1 || root.extents[0].length() != 3 {
		t.Errorf("after truncate: %d extents, first of %d blocks", len(root.extents), root.extents[0].length())
	}
	if got := free - fs.FreeBlocksCount(); got != 3 {
		t.Errorf("%d blocks in use after truncate, expected 3", got)
	}
	if err := fs.FreeInode(ref); err != nil {
		t.Fatal(err)
	}
	release(t, ref)
	if fs.FreeBlocksCount() != free {
		t.Errorf("free blocks %d, expected %d", fs.FreeBlocksCount(), free)
	}
	assertConsistent(t, fs)
}

func TestExtentTreeGrowsAndCollapses(t *testing.T) {
	fs := createExtentFS(t)
	free := fs.FreeBlocksCount()
	a := allocFile(t, fs)
	b := allocFile(t, fs)

	// interleaved appends keep the blocks of a apart, one extent each
	var blocks []uint64
	for i := 0; i < 6; i++ {
		fblock, _, err := fs.AppendBlock(a)
		if err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, fblock)
		if _, _, err := fs.AppendBlock(b); err != nil {
			t.Fatal(err)
		}
	}
	root := extentRoot(t, fs, a)
	if root.depth != 1 || len(root.children) != 1 {
		t.Fatalf("expected one leaf below the root, got depth %d with %d children", root.depth, len(root.children))
	}
	leaf, err := (&extentMapper{fs: fs, ref: a}).readNode(root.children[0].diskBlock)
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.extents) != 6 || leaf.max != 84 {
		t.Errorf("leaf holds %d of %d extents, expected 6 of 84", len(leaf.extents), leaf.max)
	}
	for i, want := range blocks {
		if got, err := fs.GetBlock(a, uint64(i)); err != nil || got != want {
			t.Errorf("block %d maps to %d %v, expected %d", i, got, err, want)
		}
	}
	// six data blocks and the leaf
	if a.BlocksCount() != 7*2 {
		t.Errorf("inode holds %d sectors, expected 14", a.BlocksCount())
	}

	if err := fs.Truncate(a, 2*1024); err != nil {
		t.Fatal(err)
	}
	if root = extentRoot(t, fs, a); root.depth != 1 {
		t.Errorf("root depth %d after partial truncate, expected 1", root.depth)
	}
	if got, _ := fs.GetBlock(a, 1); got != blocks[1] {
		t.Errorf("block 1 maps to %d after truncate, expected %d", got, blocks[1])
	}

	if err := fs.Truncate(a, 0); err != nil {
		t.Fatal(err)
	}
	assertEmptyRoot(t, extentRoot(t, fs, a))
	if a.BlocksCount() != 0 {
		t.Errorf("inode holds %d sectors after truncate to 0", a.BlocksCount())
	}

	for _, ref := range []*InodeRef{a, b} {
		if err := fs.FreeInode(ref); err != nil {
			t.Fatal(err)
		}
		release(t, ref)
	}
	if fs.FreeBlocksCount() != free {
		t.Errorf("free blocks %d, expected %d", fs.FreeBlocksCount(), free)
	}
	assertConsistent(t, fs)
}

func TestTrimExtents(t *testing.T) {
	deep.CompareUnexportedFields = true
	defer func() { deep.CompareUnexportedFields = false }()

	in := []extent{
		{fileBlock: 0, startingBlock: 100, count: 4},
		{fileBlock: 4, startingBlock: 200, count: 2},
		{fileBlock: 10, startingBlock: 300, count: maxBlocksPerExtent + 3},
	}
	tests := []struct {
		iblock uint32
		kept   []extent
		runs   []extentRun
	}{
		{0, nil, []extentRun{{100, 4}, {200, 2}, {300, 3}}},
		{2, []extent{{0, 100, 2}}, []extentRun{{102, 2}, {200, 2}, {300, 3}}},
		{5, []extent{in[0], {4, 200, 1}}, []extentRun{{201, 1}, {300, 3}}},
		{11, []extent{in[0], in[1], {10, 300, maxBlocksPerExtent + 1}}, []extentRun{{301, 2}}},
		{20, in, nil},
	}
	for _, tt := range tests {
		kept, runs := trimExtents(in, tt.iblock)
		if diff := deep.Equal(kept, tt.kept); diff != nil {
			t.Errorf("trim at %d kept: %v", tt.iblock, diff)
		}
		if diff := deep.Equal(runs, tt.runs); diff != nil {
			t.Errorf("trim at %d runs: %v", tt.iblock, diff)
		}
	}
}

func TestParseExtentNodeErrors(t *testing.T) {
	good := make([]byte, inodeBlockLength)
	initExtentRoot(good)
	if _, err := parseExtentNode(good); err != nil {
		t.Fatalf("valid root: %v", err)
	}
	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"short", nil},
		{"signature", func(b []byte) { put16(b, 0, 0x1234) }},
		{"too many entries", func(b []byte) { put16(b, 2, 5) }},
		{"max beyond buffer", func(b []byte) { put16(b, 4, 5) }},
		{"too deep", func(b []byte) { put16(b, 6, 6) }},
	}
	for _, tt := range tests {
		b := make([]byte, len(good))
		copy(b, good)
		if tt.mutate == nil {
			b = b[:extentTreeHeaderLength-1]
		} else {
			tt.mutate(b)
		}
		if _, err := parseExtentNode(b); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: got %v, expected %v", tt.name, err, ErrCorrupt)
		}
	}
}
