package ext4

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireInodeRange(t *testing.T) {
	fs, _ := createTinyFS(t)
	for _, number := range []uint32{0, 33, 1000} {
		if _, err := fs.AcquireInode(number); !errors.Is(err, ErrInvalid) {
			t.Errorf("inode %d: got %v, expected %v", number, err, ErrInvalid)
		}
	}
	if fs.dev.Pinned() != 0 {
		t.Errorf("%d blocks pinned after failed acquires", fs.dev.Pinned())
	}
}

func TestInodeRefSharesTableBlock(t *testing.T) {
	fs, f := createTinyFS(t)
	// inodes 11 and 12 sit side by side in block 13
	a := acquire(t, fs, 11)
	b := acquire(t, fs, 12)
	if a.block != b.block || fs.dev.Pinned() != 1 {
		t.Fatalf("expected one pinned block, got %d", fs.dev.Pinned())
	}
	a.SetSize(5000)
	b.inode.setMode(0xa000 | 0o777)
	b.MarkDirty()
	release(t, a)
	if fs.dev.Pinned() != 1 {
		t.Errorf("%d blocks pinned with one ref held", fs.dev.Pinned())
	}
	if err := a.Release(); !errors.Is(err, errReleased) {
		t.Errorf("second release: got %v, expected %v", err, errReleased)
	}
	release(t, b)
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	fs = mount(t, f, tinySize)
	a = acquire(t, fs, 11)
	b = acquire(t, fs, 12)
	if a.Size() != 5000 {
		t.Errorf("size %d after remount, expected 5000", a.Size())
	}
	if b.FileMode() != os.ModeIrregular|0o777 || b.IsDir() {
		t.Errorf("mode %v after remount", b.FileMode())
	}
	release(t, a)
	release(t, b)
}
