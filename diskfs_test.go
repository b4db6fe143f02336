package diskfs_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-ext4alloc"
	"github.com/diskfs/go-ext4alloc/filesystem/ext4"
	"github.com/go-test/deep"
)

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	const size = 4 * 1024 * 1024

	d, err := diskfs.Create(path, size)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Size != size || d.Type != diskfs.File || !d.Writable {
		t.Fatalf("unexpected disk %+v", d)
	}
	fs, err := d.CreateFilesystem(&ext4.Params{VolumeName: "reopen"})
	if err != nil {
		t.Fatalf("create filesystem: %v", err)
	}
	free := fs.FreeBlocksCount()
	if err := fs.Close(); err != nil {
		t.Fatalf("close filesystem: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close disk: %v", err)
	}

	d, err = diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	fs, err = d.GetFilesystem()
	if err != nil {
		t.Fatalf("get filesystem: %v", err)
	}
	got := struct {
		Label    string
		Free     uint64
		ReadOnly bool
	}{fs.Label(), fs.FreeBlocksCount(), fs.ReadOnly()}
	want := struct {
		Label    string
		Free     uint64
		ReadOnly bool
	}{"reopen", free, true}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
	if _, err := fs.AllocInode(false); !errors.Is(err, ext4.ErrUnsupported) {
		t.Errorf("read-only alloc returned %v, expected %v", err, ext4.ErrUnsupported)
	}
	if _, err := d.CreateFilesystem(nil); err == nil {
		t.Error("expected error formatting a read-only disk")
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := diskfs.Open(""); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := diskfs.Open(filepath.Join(t.TempDir(), "missing.img")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := diskfs.Open("x", diskfs.WithOpenMode(diskfs.OpenModeOption(7))); err == nil {
		t.Error("expected error for unknown mode")
	}
	path := filepath.Join(t.TempDir(), "exists.img")
	d, err := diskfs.Create(path, 1024*1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d.Close()
	if _, err := diskfs.Create(path, 1024*1024); err == nil {
		t.Error("expected error creating over an existing file")
	}
}
