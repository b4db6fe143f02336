package ext4

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

type groupSummary struct {
	BlockBitmap, InodeBitmap, InodeTable uint64
	FreeBlocks, FreeInodes, UsedDirs     uint32
}

func summarize(t *testing.T, fs *FileSystem, group uint32) groupSummary {
	t.Helper()
	bg, err := fs.AcquireBlockGroup(group)
	if err != nil {
		t.Fatalf("acquire group %d: %v", group, err)
	}
	defer func() {
		if err := bg.Release(); err != nil {
			t.Fatalf("release group %d: %v", group, err)
		}
	}()
	if bg.Index() != group {
		t.Errorf("index %d, expected %d", bg.Index(), group)
	}
	return groupSummary{bg.BlockBitmap(), bg.InodeBitmap(), bg.InodeTable(), bg.FreeBlocks(), bg.FreeInodes(), bg.UsedDirs()}
}

func TestBlockGroupLayout(t *testing.T) {
	fs, _ := createTinyFS(t)
	want := []groupSummary{
		{3, 4, 5, 3, 0, 0},
		{11, 12, 13, 3, 6, 0},
		{17, 18, 19, 5, 8, 0},
		{27, 28, 29, 3, 8, 0},
	}
	for g, w := range want {
		if diff := deep.Equal(summarize(t, fs, uint32(g)), w); diff != nil {
			t.Errorf("group %d: %v", g, diff)
		}
	}
	assertConsistent(t, fs)
}

func TestBlockGroupLocation(t *testing.T) {
	fs, _ := createTinyFS(t)
	tests := []struct {
		baddr uint64
		group uint32
		index uint32
	}{
		{1, 0, 0},
		{8, 0, 7},
		{9, 1, 0},
		{24, 2, 7},
		{32, 3, 7},
	}
	for _, tt := range tests {
		g, i := fs.blockGroupOf(tt.baddr), fs.indexInGroup(tt.baddr)
		if g != tt.group || i != tt.index {
			t.Errorf("block %d: group %d index %d, expected %d and %d", tt.baddr, g, i, tt.group, tt.index)
		}
		if back := fs.blockOf(g, i); back != tt.baddr {
			t.Errorf("block %d maps back to %d", tt.baddr, back)
		}
	}
	firstData := []uint32{5, 5, 3, 5}
	for g, want := range firstData {
		bg, err := fs.AcquireBlockGroup(uint32(g))
		if err != nil {
			t.Fatal(err)
		}
		if got := fs.firstDataIndex(uint32(g), bg.desc); got != want {
			t.Errorf("group %d: first data index %d, expected %d", g, got, want)
		}
		if err := bg.Release(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := fs.AcquireBlockGroup(4); !errors.Is(err, ErrInvalid) {
		t.Errorf("acquire group 4: got %v, expected %v", err, ErrInvalid)
	}
}

func TestBlockGroupLazyInit(t *testing.T) {
	p := tinyParams()
	p.LazyInit = true
	fs, f := createFS(t, tinySize, p)
	// lazily initialized groups are consistent before anyone touches them
	assertConsistent(t, fs)
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	// garbage where group 2 keeps its bitmaps and inode table
	garbage := bytes.Repeat([]byte{0xaa}, 3*1024)
	if _, err := f.WriteAt(garbage, 17*1024); err != nil {
		t.Fatal(err)
	}
	fs = mount(t, f, tinySize)

	bg, err := fs.AcquireBlockGroup(2)
	if err != nil {
		t.Fatal(err)
	}
	flags := []bool{bg.desc.hasFlag(blockGroupBlockUninit), bg.desc.hasFlag(blockGroupInodeUninit), bg.desc.hasFlag(blockGroupItableZeroed)}
	if diff := deep.Equal(flags, []bool{false, false, true}); diff != nil {
		t.Errorf("flags after init: %v", diff)
	}
	if err := bg.Release(); err != nil {
		t.Fatal(err)
	}

	image := f.Bytes()
	blockBitmap := image[17*1024 : 18*1024]
	inodeBitmap := image[18*1024 : 19*1024]
	inodeTable := image[19*1024 : 20*1024]
	if blockBitmap[0] != 0x07 || !allBytes(blockBitmap[1:], 0xff) {
		t.Errorf("block bitmap starts %x, expected the 3 metadata blocks and padding in use", blockBitmap[:4])
	}
	if inodeBitmap[0] != 0 || !allBytes(inodeBitmap[1:], 0xff) {
		t.Errorf("inode bitmap starts %x, expected 8 free inodes and padding", inodeBitmap[:4])
	}
	if !allBytes(inodeTable, 0) {
		t.Error("inode table not zeroed")
	}

	// group 3 keeps superblock backups in front of its bitmaps
	if diff := deep.Equal(summarize(t, fs, 3), groupSummary{27, 28, 29, 3, 8, 0}); diff != nil {
		t.Errorf("group 3: %v", diff)
	}
	if b := f.Bytes()[27*1024]; b != 0x1f {
		t.Errorf("group 3 block bitmap starts %#x, expected 0x1f", b)
	}
	assertConsistent(t, fs)
}

func TestLazyInitShortLastGroup(t *testing.T) {
	// a fifth group of 6 blocks: bitmaps at 33 and 34, inode table 35, data 36-38
	const size = 39 * 1024
	formatted, f := createFS(t, size, tinyParams())
	want := f.Bytes()[33*1024 : 34*1024]
	if want[0] != 0xc7 || !allBytes(want[1:], 0xff) {
		t.Fatalf("formatted block bitmap starts %x", want[:4])
	}
	assertConsistent(t, formatted)

	p := tinyParams()
	p.LazyInit = true
	fs, lazy := createFS(t, size, p)
	if diff := deep.Equal(summarize(t, fs, 4), groupSummary{33, 34, 35, 3, 8, 0}); diff != nil {
		t.Errorf("group 4: %v", diff)
	}
	got := lazy.Bytes()[33*1024 : 34*1024]
	if !bytes.Equal(got, want) {
		t.Errorf("lazily initialized block bitmap starts %x, expected %x", got[:4], want[:4])
	}
	assertConsistent(t, fs)
}

func TestInitInodeBitmapPadding(t *testing.T) {
	fs, f := createTinyFS(t)
	bg, err := fs.AcquireBlockGroup(2)
	if err != nil {
		t.Fatal(err)
	}
	// 5 inodes per group leave 3 padding bits in the first byte
	fs.superblock.inodesPerGroup = 5
	err = fs.initInodeBitmap(bg)
	fs.superblock.inodesPerGroup = 8
	if err != nil {
		t.Fatal(err)
	}
	if err := bg.Release(); err != nil {
		t.Fatal(err)
	}
	b := f.Bytes()[18*1024 : 19*1024]
	if b[0] != 0xe0 || !allBytes(b[1:], 0xff) {
		t.Errorf("inode bitmap starts %x, expected e0 ff ff ff", b[:4])
	}
}

func TestBlockGroupChecksum(t *testing.T) {
	fs, f := createTinyFS(t)
	// a modified descriptor gets a fresh checksum on release
	bg, err := fs.AcquireBlockGroup(1)
	if err != nil {
		t.Fatal(err)
	}
	before := bg.desc.checksum()
	bg.desc.setUsedDirs(1)
	bg.markDirty()
	if err := bg.Release(); err != nil {
		t.Fatal(err)
	}
	bg, err = fs.AcquireBlockGroup(1)
	if err != nil {
		t.Fatal(err)
	}
	after := bg.desc.checksum()
	if after == before {
		t.Error("checksum unchanged after modification")
	}
	if want := groupDescriptorChecksum(fs.superblock, 1, bg.desc.b); after != want {
		t.Errorf("checksum %#04x, expected %#04x", after, want)
	}
	bg.desc.setUsedDirs(0)
	bg.markDirty()
	if err := bg.Release(); err != nil {
		t.Fatal(err)
	}
	if err := bg.Release(); !errors.Is(err, errReleased) {
		t.Errorf("second release: got %v, expected %v", err, errReleased)
	}
	assertConsistent(t, fs)

	// a descriptor changed behind the filesystem's back fails the check
	if _, err := f.WriteAt([]byte{0x55}, 2*1024+int64(groupDescriptorSize32)+gdUsedDirsLo); err != nil {
		t.Fatal(err)
	}
	report, err := fs.Check()
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Problems) != 1 {
		t.Errorf("expected one checksum problem, got %q", report.Problems)
	}
}

func TestGroupDescriptorChecksumKinds(t *testing.T) {
	desc := make([]byte, groupDescriptorSize32)
	gd := groupDescriptor{b: desc}
	gd.setBlockBitmap(3)
	gd.setInodeBitmap(4)
	gd.setInodeTable(5)
	sb := &superblock{uuid: testUUID}
	if c := groupDescriptorChecksum(sb, 0, desc); c != 0 {
		t.Errorf("checksum without feature %#04x, expected 0", c)
	}
	sb.featureROCompat = roCompatGDTChecksum
	crc16 := groupDescriptorChecksum(sb, 0, desc)
	if crc16 == groupDescriptorChecksum(sb, 1, desc) {
		t.Error("crc16 checksum does not depend on the group")
	}
	sb.featureROCompat = roCompatMetadataCsum
	sb.checksumSeed = 0x12345678
	if c := groupDescriptorChecksum(sb, 0, desc); c == crc16 {
		t.Error("metadata checksum equals crc16 checksum")
	}
	// the stored checksum field does not take part
	gd.setChecksum(0xffff)
	a := groupDescriptorChecksum(sb, 0, desc)
	gd.setChecksum(0)
	if b := groupDescriptorChecksum(sb, 0, desc); a != b {
		t.Errorf("checksum depends on its own field: %#04x vs %#04x", a, b)
	}
}

func allBytes(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}
