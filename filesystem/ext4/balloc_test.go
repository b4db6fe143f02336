package ext4

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/diskfs/go-ext4alloc/blockdev"
	"github.com/diskfs/go-ext4alloc/util"
	"github.com/go-test/deep"
)

func TestAllocBlockGoal(t *testing.T) {
	fs, _ := createTinyFS(t)
	ref := acquire(t, fs, 2)

	// leave indices 5 and 6 of group 0 free
	taken, err := fs.TryAllocBlock(ref, 8)
	if err != nil || !taken {
		t.Fatalf("claim block 8: %v %v", taken, err)
	}
	if free := groupFree(t, fs, 0); free != 2 {
		t.Fatalf("group 0 has %d free blocks, expected 2", free)
	}

	sbFree := fs.FreeBlocksCount()
	first, err := fs.AllocBlock(ref)
	if err != nil {
		t.Fatal(err)
	}
	if first != 6 {
		t.Errorf("first allocation %d, expected 6", first)
	}
	if free := groupFree(t, fs, 0); free != 1 {
		t.Errorf("group 0 has %d free blocks, expected 1", free)
	}
	if fs.FreeBlocksCount() != sbFree-1 {
		t.Errorf("superblock free %d, expected %d", fs.FreeBlocksCount(), sbFree-1)
	}

	second, err := fs.AllocBlock(ref)
	if err != nil {
		t.Fatal(err)
	}
	if second != 7 {
		t.Errorf("second allocation %d, expected 7", second)
	}

	// group 0 is full now, the search continues with group 1
	third, err := fs.AllocBlock(ref)
	if err != nil {
		t.Fatal(err)
	}
	if third != 14 {
		t.Errorf("third allocation %d, expected 14", third)
	}
	if ref.BlocksCount() != 4*2 {
		t.Errorf("inode holds %d sectors, expected 8", ref.BlocksCount())
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestAllocBlockGoalFollowsFile(t *testing.T) {
	fs, _ := createTinyFS(t)
	ref := acquire(t, fs, 2)
	// a file whose last block is 21 continues at 22
	taken, err := fs.TryAllocBlock(ref, 21)
	if err != nil || !taken {
		t.Fatalf("claim block 21: %v %v", taken, err)
	}
	if err := fs.SetBlock(ref, 0, 21); err != nil {
		t.Fatal(err)
	}
	ref.SetSize(1024)
	b, err := fs.AllocBlock(ref)
	if err != nil {
		t.Fatal(err)
	}
	if b != 22 {
		t.Errorf("allocated %d, expected 22", b)
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestAllocBlockWrapsAround(t *testing.T) {
	fs, _ := createTinyFS(t)
	// inode 25 lives in group 3; fill group 3 so the search wraps to group 0
	ref := acquire(t, fs, 25)
	for _, b := range []uint64{30, 31, 32} {
		if taken, err := fs.TryAllocBlock(ref, b); err != nil || !taken {
			t.Fatalf("claim block %d: %v %v", b, taken, err)
		}
	}
	b, err := fs.AllocBlock(ref)
	if err != nil {
		t.Fatal(err)
	}
	if b != 6 {
		t.Errorf("allocated %d, expected 6 in group 0", b)
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestAllocBlockNoSpace(t *testing.T) {
	fs, _ := createTinyFS(t)
	ref := acquire(t, fs, 2)
	seen := map[uint64]bool{}
	for i := 0; i < tinyFreeBlocks; i++ {
		b, err := fs.AllocBlock(ref)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if seen[b] {
			t.Fatalf("block %d allocated twice", b)
		}
		seen[b] = true
	}
	if _, err := fs.AllocBlock(ref); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("got %v, expected %v", err, ErrNoSpace)
	}
	if fs.FreeBlocksCount() != 0 {
		t.Errorf("superblock free %d, expected 0", fs.FreeBlocksCount())
	}
	for b := range seen {
		if err := fs.FreeBlock(ref, b); err != nil {
			t.Fatalf("free %d: %v", b, err)
		}
	}
	if fs.FreeBlocksCount() != tinyFreeBlocks || ref.BlocksCount() != 0 {
		t.Errorf("after freeing: superblock free %d, inode sectors %d", fs.FreeBlocksCount(), ref.BlocksCount())
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestTryAllocBlock(t *testing.T) {
	fs, _ := createTinyFS(t)
	ref := acquire(t, fs, 2)
	tests := []struct {
		baddr uint64
		taken bool
		err   error
	}{
		{20, true, nil},
		{20, false, nil},
		{17, false, nil}, // block bitmap of group 2
		{0, false, ErrInvalid},
		{tinyBlocks, false, ErrInvalid},
	}
	for _, tt := range tests {
		taken, err := fs.TryAllocBlock(ref, tt.baddr)
		if !errors.Is(err, tt.err) || taken != tt.taken {
			t.Errorf("block %d: got %v %v, expected %v %v", tt.baddr, taken, err, tt.taken, tt.err)
		}
	}
	if fs.FreeBlocksCount() != tinyFreeBlocks-1 {
		t.Errorf("superblock free %d, expected %d", fs.FreeBlocksCount(), tinyFreeBlocks-1)
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestFreeBlocks(t *testing.T) {
	fs, _ := createTinyFS(t)
	ref := acquire(t, fs, 2)
	for _, b := range []uint64{20, 21, 22, 23} {
		if taken, err := fs.TryAllocBlock(ref, b); err != nil || !taken {
			t.Fatalf("claim block %d: %v %v", b, taken, err)
		}
	}
	tests := []struct {
		name  string
		first uint64
		count uint32
		err   error
	}{
		{"range", 20, 3, nil},
		{"already free", 21, 1, ErrCorrupt},
		{"partly free", 22, 2, ErrCorrupt},
		{"spans groups", 16, 2, ErrCorrupt},
		{"outside", tinyBlocks - 1, 2, ErrCorrupt},
		{"before first data block", 0, 1, ErrCorrupt},
		{"empty", 20, 0, nil},
	}
	for _, tt := range tests {
		if err := fs.FreeBlocks(ref, tt.first, tt.count); !errors.Is(err, tt.err) {
			t.Errorf("%s: got %v, expected %v", tt.name, err, tt.err)
		}
		if pinned := fs.dev.Pinned(); pinned != 1 {
			t.Errorf("%s: %d blocks pinned, expected only the inode", tt.name, pinned)
		}
	}
	// block 23 is still in use, the failed partial free left it alone
	if err := fs.FreeBlock(ref, 23); err != nil {
		t.Errorf("free 23: %v", err)
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestFreeExtent(t *testing.T) {
	fs, _ := createTinyFS(t)
	ref := acquire(t, fs, 2)
	for _, b := range []uint64{22, 23, 24} {
		if taken, err := fs.TryAllocBlock(ref, b); err != nil || !taken {
			t.Fatalf("claim block %d: %v %v", b, taken, err)
		}
	}
	// the run ends on the last block of group 2
	if err := fs.freeExtent(ref, 22, 3); err != nil {
		t.Fatal(err)
	}
	if free := groupFree(t, fs, 2); free != 5 {
		t.Errorf("group 2 has %d free blocks, expected 5", free)
	}
	release(t, ref)
	assertConsistent(t, fs)
}

func TestAllocBlockIOFailure(t *testing.T) {
	tests := []struct {
		name  string
		read  bool
		block int64
	}{
		{"block bitmap read", true, 3},
		{"block bitmap write", false, 3},
		{"descriptor write", false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, mem := createTinyFS(t)
			f := newFaultyFile(mem, 1024)
			fs := mount(t, f, tinySize)
			ref := acquire(t, fs, 2)
			if tt.read {
				f.failRead[tt.block] = true
			} else {
				f.failWrite[tt.block] = true
			}
			_, err := fs.AllocBlock(ref)
			var ioErr *blockdev.Error
			if !errors.As(err, &ioErr) || !errors.Is(err, errInjected) {
				t.Fatalf("got %v, expected injected block error", err)
			}
			if diff := deep.Equal(ioErr.Block, uint64(tt.block)); diff != nil {
				t.Errorf("failed block: %v", diff)
			}
			if pinned := fs.dev.Pinned(); pinned != 1 {
				t.Errorf("%d blocks pinned after failure, expected only the inode", pinned)
			}
			release(t, ref)
		})
	}
}

// syncedImage writes the superblock with a fixed write time and returns the image bytes
func syncedImage(t *testing.T, fs *FileSystem, f *util.MemFile) []byte {
	t.Helper()
	fs.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := fs.Sync(); err != nil {
		t.Fatal(err)
	}
	return f.Bytes()
}

// changedBlocks lists the 1KiB blocks that differ between two images
func changedBlocks(before, after []byte) []int {
	var changed []int
	for off := 0; off < len(before); off += 1024 {
		if !bytes.Equal(before[off:off+1024], after[off:off+1024]) {
			changed = append(changed, off/1024)
		}
	}
	return changed
}

func TestAllocFreeRestoresImage(t *testing.T) {
	fs, f := createTinyFS(t)
	before := syncedImage(t, fs, f)

	ref := acquire(t, fs, 2)
	// every free block, so the allocation crosses all four groups
	var blocks []uint64
	for i := 0; i < tinyFreeBlocks; i++ {
		b, err := fs.AllocBlock(ref)
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		blocks = append(blocks, b)
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if err := fs.FreeBlock(ref, blocks[i]); err != nil {
			t.Fatalf("free %d: %v", blocks[i], err)
		}
	}
	release(t, ref)

	after := syncedImage(t, fs, f)
	if changed := changedBlocks(before, after); len(changed) != 0 {
		t.Errorf("blocks %v differ after allocating and freeing", changed)
	}
	if fs.FreeBlocksCount() != tinyFreeBlocks {
		t.Errorf("superblock free %d, expected %d", fs.FreeBlocksCount(), tinyFreeBlocks)
	}
}

func TestAllocFreeSingleBlockRestoresImage(t *testing.T) {
	fs, f := createTinyFS(t)
	ref := acquire(t, fs, 2)
	// a block in the middle of group 2
	if taken, err := fs.TryAllocBlock(ref, 20); err != nil || !taken {
		t.Fatalf("claim block 20: %v %v", taken, err)
	}
	release(t, ref)
	before := syncedImage(t, fs, f)

	ref = acquire(t, fs, 2)
	b, err := fs.AllocBlock(ref)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.FreeBlock(ref, b); err != nil {
		t.Fatal(err)
	}
	release(t, ref)
	if changed := changedBlocks(before, syncedImage(t, fs, f)); len(changed) != 0 {
		t.Errorf("block %d: blocks %v differ after allocating and freeing", b, changed)
	}
}
