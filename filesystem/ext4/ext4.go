// Package ext4 implements the free-space and block-mapping core of an ext4 filesystem:
// block group descriptors with lazy initialization, the block and inode bitmap allocators,
// inode records, logical to physical block translation through direct, indirect and extent
// mapped inodes, and whole-inode allocation, truncation and release.
//
// All operations are synchronous and single threaded. Every Acquire has to be paired with
// exactly one Release on every path.
package ext4

import (
	"errors"
	"fmt"
	"time"

	"github.com/diskfs/go-ext4alloc/blockdev"
	"github.com/diskfs/go-ext4alloc/util"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SectorSize indicates what the sector size in bytes is
type SectorSize uint16

const (
	// SectorSize512 is a sector size of 512 bytes, used as the logical size for all ext4 filesystems
	SectorSize512 SectorSize = 512
	// inode block counts are kept in units of 512 bytes
	inodeBlockUnit uint32 = 512

	minBlockLogSize int = 10 /* 1024 */
	maxBlockLogSize int = 16 /* 65536 */
	minBlockSize    int = 1 << minBlockLogSize
	maxBlockSize    int = 1 << maxBlockLogSize

	firstNonReservedInode uint32 = 11 // traditional

	// block pointer table in the inode: 12 direct, then single, double and triple indirect
	directBlocks      = 12
	indirectLevels    = 3
	inodeBlockPtrs    = directBlocks + indirectLevels
	blockPointerBytes = 4
)

// FileSystem is a mounted ext4 filesystem
type FileSystem struct {
	superblock *superblock
	dev        *blockdev.Cache
	file       util.File
	size       int64
	start      int64
	readOnly   bool
	log        *logrus.Entry
	limits     indirectLimits
	now        func() time.Time
}

// indirectLimits classifies logical block indexes into indirection levels.
// limits[i] is the number of logical blocks reachable through levels 0..i,
// blocksPerLevel[i] the number of data blocks one level-i pointer covers.
type indirectLimits struct {
	limits         [indirectLevels + 1]uint64
	blocksPerLevel [indirectLevels + 1]uint64
}

func newIndirectLimits(blockSize uint32) indirectLimits {
	perBlock := uint64(blockSize / blockPointerBytes)
	var l indirectLimits
	l.blocksPerLevel[0] = 1
	l.limits[0] = directBlocks
	for i := 1; i <= indirectLevels; i++ {
		l.blocksPerLevel[i] = l.blocksPerLevel[i-1] * perBlock
		l.limits[i] = l.limits[i-1] + l.blocksPerLevel[i]
	}
	return l
}

// Option configures how a filesystem is mounted
type Option func(*mountOptions)

type mountOptions struct {
	readOnly bool
	logger   *logrus.Logger
}

// WithReadOnly mounts without writing anything back to the underlying file.
// Mutating operations fail with ErrUnsupported.
func WithReadOnly() Option {
	return func(o *mountOptions) {
		o.readOnly = true
	}
}

// WithLogger sets the logger; the default is the logrus standard logger
func WithLogger(l *logrus.Logger) Option {
	return func(o *mountOptions) {
		o.logger = l
	}
}

// Read reads a filesystem from a given disk.
//
// requires the util.File where to read the filesystem, size is the size of the filesystem in bytes,
// start is how far in bytes from the beginning of the util.File the filesystem is expected to begin,
// and sectorsize is the logical sector size, which has to be 512 or 0.
//
// A writable mount marks the superblock as in use and bumps its mount count; Close undoes the former.
func Read(file util.File, size, start, sectorsize int64, opts ...Option) (*FileSystem, error) {
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	o := mountOptions{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	superblockBytes := make([]byte, superblockLength)
	n, err := file.ReadAt(superblockBytes, start+superblockOffset)
	if err != nil && n != superblockLength {
		return nil, fmt.Errorf("could not read superblock bytes from file: %w", err)
	}
	sb, err := superblockFromBytes(superblockBytes)
	if err != nil {
		return nil, fmt.Errorf("could not interpret superblock data: %w", err)
	}
	if fsBytes := int64(sb.blockCount) * int64(sb.blockSize); size > 0 && fsBytes > size {
		return nil, fmt.Errorf("%w: filesystem of %d bytes does not fit in %d bytes", ErrInvalid, fsBytes, size)
	}

	log := o.logger.WithField("uuid", sb.uuid.String())
	readOnly, err := checkFeatures(sb, o.readOnly, log)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		superblock: sb,
		dev:        blockdev.New(file, start, sb.blockSize, sb.blockCount, readOnly, log),
		file:       file,
		size:       size,
		start:      start,
		readOnly:   readOnly,
		log:        log,
		limits:     newIndirectLimits(sb.blockSize),
		now:        time.Now,
	}
	log.WithFields(logrus.Fields{
		"blockSize": sb.blockSize,
		"blocks":    sb.blockCount,
		"groups":    sb.blockGroupCount(),
		"inodes":    sb.inodeCount,
		"readOnly":  readOnly,
	}).Debug("mounted ext4 filesystem")

	if !readOnly {
		sb.state &^= fsStateValid
		sb.mountCount++
		sb.mountTime = fs.now()
		if err := fs.writeSuperblock(); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// checkFeatures decides whether the filesystem can be mounted, and whether only read-only.
// A filesystem with a journal that still needs recovery cannot be written, since the
// journal is not replayed here; read-only it is mounted with a warning.
func checkFeatures(sb *superblock, readOnly bool, log *logrus.Entry) (bool, error) {
	log.WithFields(logrus.Fields{
		"compat":   fmt.Sprintf("%#x", sb.featureCompat),
		"incompat": featureList(sb.featureIncompat, incompatNames),
		"roCompat": featureList(sb.featureROCompat, roCompatNames),
	}).Debug("superblock features")

	if sb.featureIncompat&incompatRecover != 0 {
		if !readOnly {
			return false, fmt.Errorf("%w: filesystem needs journal recovery", ErrUnsupported)
		}
		log.Warn("filesystem needs journal recovery, contents may be stale")
	}
	if unsupported := sb.featureIncompat &^ (supportedIncompat | incompatRecover); unsupported != 0 {
		return false, fmt.Errorf("%w: incompatible features %s", ErrUnsupported, featureList(unsupported, incompatNames))
	}
	if unsupported := sb.featureROCompat &^ supportedROCompat; unsupported != 0 {
		if !readOnly {
			return false, fmt.Errorf("%w: read-only compatible features %s require a read-only mount", ErrUnsupported, featureList(unsupported, roCompatNames))
		}
		log.Warnf("features %s are not supported for writing", featureList(unsupported, roCompatNames))
	}
	return readOnly, nil
}

// Sync writes the in-memory superblock counters to disk
func (fs *FileSystem) Sync() error {
	if fs.readOnly {
		return nil
	}
	return fs.writeSuperblock()
}

// Close marks the filesystem clean and writes the superblock.
// References still held at this point are reported as an error.
func (fs *FileSystem) Close() error {
	var err error
	if pinned := fs.dev.Pinned(); pinned > 0 {
		err = fmt.Errorf("%d blocks still referenced at close", pinned)
	}
	if fs.readOnly {
		return err
	}
	fs.superblock.state |= fsStateValid
	return errors.Join(err, fs.writeSuperblock())
}

func (fs *FileSystem) writeSuperblock() error {
	fs.superblock.writeTime = fs.now()
	b := fs.superblock.toBytes()
	if _, err := fs.file.WriteAt(b, fs.start+superblockOffset); err != nil {
		return fmt.Errorf("could not write superblock: %w", err)
	}
	return nil
}

func (fs *FileSystem) checkWritable() error {
	if fs.readOnly {
		return fmt.Errorf("%w: filesystem is mounted read-only", ErrUnsupported)
	}
	return nil
}

// Label of the filesystem
func (fs *FileSystem) Label() string {
	return fs.superblock.volumeLabel
}

// UUID of the filesystem
func (fs *FileSystem) UUID() uuid.UUID {
	return fs.superblock.uuid
}

// BlockSize in bytes
func (fs *FileSystem) BlockSize() uint32 {
	return fs.superblock.blockSize
}

// BlocksCount is the total number of blocks
func (fs *FileSystem) BlocksCount() uint64 {
	return fs.superblock.blockCount
}

// FreeBlocksCount is the free block count recorded in the superblock
func (fs *FileSystem) FreeBlocksCount() uint64 {
	return fs.superblock.freeBlocks
}

// InodesCount is the total number of inodes
func (fs *FileSystem) InodesCount() uint32 {
	return fs.superblock.inodeCount
}

// FreeInodes as recorded in the superblock
func (fs *FileSystem) FreeInodes() uint32 {
	return fs.superblock.freeInodes
}

// GroupCount is the number of block groups
func (fs *FileSystem) GroupCount() uint32 {
	return uint32(fs.superblock.blockGroupCount())
}

// MountCount as recorded in the superblock
func (fs *FileSystem) MountCount() uint16 {
	return fs.superblock.mountCount
}

// ReadOnly reports whether the filesystem was mounted read-only
func (fs *FileSystem) ReadOnly() bool {
	return fs.readOnly
}

// blockGroupOf returns the group holding baddr
func (fs *FileSystem) blockGroupOf(baddr uint64) uint32 {
	return uint32((baddr - uint64(fs.superblock.firstDataBlock)) / uint64(fs.superblock.blocksPerGroup))
}

// indexInGroup returns the bitmap index of baddr within its group
func (fs *FileSystem) indexInGroup(baddr uint64) uint32 {
	return uint32((baddr - uint64(fs.superblock.firstDataBlock)) % uint64(fs.superblock.blocksPerGroup))
}

// blockOf is the inverse of blockGroupOf and indexInGroup
func (fs *FileSystem) blockOf(group, index uint32) uint64 {
	return uint64(fs.superblock.blocksPerGroup)*uint64(group) + uint64(index) + uint64(fs.superblock.firstDataBlock)
}

// blocksInGroup is blocks per group, except for a possibly shorter last group
func (fs *FileSystem) blocksInGroup(group uint32) uint32 {
	sb := fs.superblock
	count := uint32(sb.blockGroupCount())
	if group+1 < count {
		return sb.blocksPerGroup
	}
	return uint32(sb.blockCount - uint64(sb.firstDataBlock) - uint64(count-1)*uint64(sb.blocksPerGroup))
}

// inodesInGroup is inodes per group, except for a possibly shorter last group
func (fs *FileSystem) inodesInGroup(group uint32) uint32 {
	sb := fs.superblock
	count := uint32(sb.blockGroupCount())
	if group+1 < count {
		return sb.inodesPerGroup
	}
	return sb.inodeCount - (count-1)*sb.inodesPerGroup
}

// inodeTableBlocks is the number of inode table blocks holding live inodes of group
func (fs *FileSystem) inodeTableBlocks(group uint32) uint64 {
	bytes := uint64(fs.inodesInGroup(group)) * uint64(fs.superblock.inodeSize)
	bs := uint64(fs.superblock.blockSize)
	return (bytes + bs - 1) / bs
}

// backupOverhead is the number of blocks at the start of group taken by the superblock
// and descriptor table copies
func (fs *FileSystem) backupOverhead(group uint32) uint32 {
	sb := fs.superblock
	if !sb.hasSuperblockBackup(group) {
		return 0
	}
	return 1 + uint32(sb.gdtBlocks()) + uint32(sb.reservedGDTBlocks)
}

// firstDataIndex is the bitmap index of the first block of group after its metadata.
// Groups whose inode table lives elsewhere (flex_bg) only lose their backup blocks.
func (fs *FileSystem) firstDataIndex(group uint32, gd groupDescriptor) uint32 {
	table := gd.inodeTable()
	if table < uint64(fs.superblock.firstDataBlock) || fs.blockGroupOf(table) != group {
		return fs.backupOverhead(group)
	}
	first := table + fs.inodeTableBlocks(group)
	idx := first - fs.blockOf(group, 0)
	if blocks := uint64(fs.blocksInGroup(group)); idx > blocks {
		idx = blocks
	}
	return uint32(idx)
}

// descriptorLocation returns the descriptor table block and byte offset for group
func (fs *FileSystem) descriptorLocation(group uint32) (uint64, int) {
	sb := fs.superblock
	per := sb.descriptorsPerBlock()
	block := uint64(sb.firstDataBlock) + 1 + uint64(group/per)
	return block, int(group%per) * int(sb.groupDescriptorSize)
}
