package ext4

import "errors"

// Error kinds returned by the allocator, the mapping engine and the inode lifecycle.
// Returned errors wrap one of these together with the block or inode involved; test
// with errors.Is. I/O failures from the device are wrapped as *blockdev.Error and keep
// the device's own error reachable with errors.Is.
var (
	// ErrNoSpace no free block left after searching every group
	ErrNoSpace = errors.New("no space left on device")
	// ErrNoInodeSpace no free inode left in any group
	ErrNoInodeSpace = errors.New("no free inodes left")
	// ErrInvalid bad argument, e.g. a truncate that would grow the file
	ErrInvalid = errors.New("invalid argument")
	// ErrUnsupported operation does not apply, e.g. indirect mutation on an extent inode
	ErrUnsupported = errors.New("operation not supported")
	// ErrCorrupt on-disk structures contradict each other
	ErrCorrupt = errors.New("filesystem structure is corrupt")

	errReleased = errors.New("reference already released")
)
