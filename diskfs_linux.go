package diskfs

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// deviceGeometry returns the size in bytes and the logical and physical sector sizes
// of an opened block device
func deviceGeometry(f *os.File) (size, logical, physical int64, err error) {
	fd := f.Fd()
	// BLKGETSIZE64 writes a uint64, wider than what IoctlGetInt reads on 32 bit systems
	var blockDeviceSize uint64
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&blockDeviceSize))); errno != 0 {
		return 0, 0, 0, os.NewSyscallError("ioctl: BLKGETSIZE64", errno)
	}
	logicalSectorSize, err := unix.IoctlGetInt(int(fd), unix.BLKSSZGET)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unable to get device logical sector size: %w", err)
	}
	physicalSectorSize, err := unix.IoctlGetInt(int(fd), unix.BLKPBSZGET)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("unable to get device physical sector size: %w", err)
	}
	return int64(blockDeviceSize), int64(logicalSectorSize), int64(physicalSectorSize), nil
}
