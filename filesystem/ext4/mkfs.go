package ext4

import (
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/diskfs/go-ext4alloc/util"
	"github.com/elliotwutingfeng/asciiset"
	"github.com/google/uuid"
)

const (
	DefaultInodeRatio            int64  = 8192
	DefaultInodeSize             uint16 = 256
	DefaultReservedBlocksPercent uint8  = 5
	DefaultVolumeName                   = "diskfs_ext4"
	smallFilesystemSize          int64  = 32 * 1024 * 1024
	maxVolumeNameLength                 = 16
	hashVersionHalfMD4           uint8  = 1
)

var validLabelCharacters, _ = asciiset.MakeASCIISet(
	" !\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~")

// Params controls the layout of a new filesystem. Zero values pick defaults.
type Params struct {
	UUID *uuid.UUID
	// BlockSize in bytes; 1024 for images below 32MiB, otherwise 4096
	BlockSize      uint32
	BlocksPerGroup uint32
	// InodesPerGroup overrides InodeRatio
	InodesPerGroup        uint32
	InodeRatio            int64
	InodeSize             uint16
	FirstInode            uint32
	ReservedBlocksPercent uint8
	VolumeName            string
	// LazyInit leaves bitmaps and inode tables of groups past the first uninitialized,
	// to be set up on first use. Requires the gdt checksum feature.
	LazyInit  bool
	CreatedAt time.Time
	Features  []FeatureOpt
}

type featureFlags struct {
	extents     bool
	gdtChecksum bool
	fs64Bit     bool
	sparseSuper bool
	hugeFile    bool
}

func defaultFeatures() featureFlags {
	return featureFlags{
		extents:     true,
		gdtChecksum: true,
		sparseSuper: true,
	}
}

// FeatureOpt toggles an optional filesystem feature
type FeatureOpt func(*featureFlags)

// WithFeatureExtents maps file blocks through extent trees instead of indirect blocks
func WithFeatureExtents(enable bool) FeatureOpt {
	return func(f *featureFlags) { f.extents = enable }
}

// WithFeatureGDTChecksum protects group descriptors with a crc16 (uninit_bg)
func WithFeatureGDTChecksum(enable bool) FeatureOpt {
	return func(f *featureFlags) { f.gdtChecksum = enable }
}

// WithFeature64Bit uses 64 byte group descriptors and 64 bit block counts
func WithFeature64Bit(enable bool) FeatureOpt {
	return func(f *featureFlags) { f.fs64Bit = enable }
}

// WithFeatureSparseSuper keeps superblock backups only in groups 0, 1 and powers of 3, 5 and 7
func WithFeatureSparseSuper(enable bool) FeatureOpt {
	return func(f *featureFlags) { f.sparseSuper = enable }
}

// WithFeatureHugeFile allows inode block counts above 32 bits
func WithFeatureHugeFile(enable bool) FeatureOpt {
	return func(f *featureFlags) { f.hugeFile = enable }
}

// groupLayout is where the metadata of one group lives
type groupLayout struct {
	start       uint64
	blocks      uint32
	backup      bool
	blockBitmap uint64
	inodeBitmap uint64
	inodeTable  uint64
	overhead    uint32
}

// Create creates an ext4 filesystem in a given file or device and mounts it.
//
// requires the util.File where to create the filesystem, size is the size of the filesystem in bytes,
// start is how far in bytes from the beginning of the util.File to create the filesystem,
// and sectorsize is the logical sector size, which has to be 512 or 0.
//
// Every group gets its bitmaps and inode table right after its superblock backup, if it has one.
// Inodes below the first non-reserved inode are marked in use; no directories are created.
func Create(f util.File, size, start, sectorsize int64, p *Params, opts ...Option) (*FileSystem, error) {
	if sectorsize != int64(SectorSize512) && sectorsize > 0 {
		return nil, fmt.Errorf("sectorsize for ext4 must be either 512 bytes or 0, not %d", sectorsize)
	}
	if p == nil {
		p = &Params{}
	}
	if err := format(f, size, start, p); err != nil {
		return nil, err
	}
	return Read(f, size, start, sectorsize, opts...)
}

//nolint:gocyclo // layout validation is a long list of independent checks
func format(f util.File, size, start int64, p *Params) error {
	features := defaultFeatures()
	for _, opt := range p.Features {
		opt(&features)
	}
	if p.LazyInit && !features.gdtChecksum {
		return fmt.Errorf("%w: lazy group initialization requires the gdt checksum feature", ErrInvalid)
	}

	label := p.VolumeName
	if label == "" {
		label = DefaultVolumeName
	}
	if len(label) > maxVolumeNameLength {
		return fmt.Errorf("%w: volume name %q longer than %d bytes", ErrInvalid, label, maxVolumeNameLength)
	}
	for i := 0; i < len(label); i++ {
		if !validLabelCharacters.Contains(label[i]) {
			return fmt.Errorf("%w: volume name %q contains invalid character %q", ErrInvalid, label, label[i])
		}
	}

	blockSize := p.BlockSize
	if blockSize == 0 {
		blockSize = 4096
		if size < smallFilesystemSize {
			blockSize = uint32(minBlockSize)
		}
	}
	if blockSize < uint32(minBlockSize) || blockSize > uint32(maxBlockSize) || blockSize&(blockSize-1) != 0 {
		return fmt.Errorf("%w: block size %d must be a power of 2 between %d and %d", ErrInvalid, blockSize, minBlockSize, maxBlockSize)
	}
	blockCount := uint64(size) / uint64(blockSize)
	if !features.fs64Bit && blockCount > math.MaxUint32 {
		return fmt.Errorf("%w: %d blocks need the 64bit feature", ErrInvalid, blockCount)
	}
	var firstDataBlock uint32
	if blockSize == uint32(minBlockSize) {
		firstDataBlock = 1
	}

	blocksPerGroup := p.BlocksPerGroup
	if blocksPerGroup == 0 {
		blocksPerGroup = 8 * blockSize
	}
	if blocksPerGroup%8 != 0 || blocksPerGroup > 8*blockSize || blocksPerGroup < 8 {
		return fmt.Errorf("%w: blocks per group %d must be a multiple of 8 up to %d", ErrInvalid, blocksPerGroup, 8*blockSize)
	}
	if blockCount <= uint64(firstDataBlock) {
		return fmt.Errorf("%w: %d bytes hold no data blocks", ErrInvalid, size)
	}
	groups := (blockCount - uint64(firstDataBlock) + uint64(blocksPerGroup) - 1) / uint64(blocksPerGroup)

	inodeSize := p.InodeSize
	if inodeSize == 0 {
		inodeSize = DefaultInodeSize
	}
	if inodeSize < goodOldInodeSize || uint32(inodeSize) > blockSize || inodeSize&(inodeSize-1) != 0 {
		return fmt.Errorf("%w: inode size %d must be a power of 2 between %d and the block size", ErrInvalid, inodeSize, goodOldInodeSize)
	}
	inodesPerBlock := blockSize / uint32(inodeSize)
	inodesPerGroup := p.InodesPerGroup
	if inodesPerGroup == 0 {
		ratio := p.InodeRatio
		if ratio <= 0 {
			ratio = DefaultInodeRatio
		}
		total := uint64(size) / uint64(ratio)
		inodesPerGroup = uint32((total + groups - 1) / groups)
	}
	// inode tables fill whole blocks, and bitmaps whole bytes
	align := max(inodesPerBlock, 8)
	inodesPerGroup = (inodesPerGroup + align - 1) / align * align
	if inodesPerGroup == 0 || inodesPerGroup > 8*blockSize {
		return fmt.Errorf("%w: inodes per group %d must be between 1 and %d", ErrInvalid, inodesPerGroup, 8*blockSize)
	}

	descSize := groupDescriptorSize32
	if features.fs64Bit {
		descSize = groupDescriptorSize64
	}
	itableBlocks := inodesPerGroup / inodesPerBlock

	// the last group is dropped if it cannot hold its own metadata plus one block
	var layouts []groupLayout
	for {
		gdtBlocks := (groups*uint64(descSize) + uint64(blockSize) - 1) / uint64(blockSize)
		layouts = layouts[:0]
		for g := uint64(0); g < groups; g++ {
			l := groupLayout{start: uint64(firstDataBlock) + g*uint64(blocksPerGroup)}
			l.blocks = blocksPerGroup
			if g == groups-1 {
				l.blocks = uint32(blockCount - l.start)
			}
			var off uint64
			if !features.sparseSuper || g <= 1 || isPowerOf(uint32(g), 3) || isPowerOf(uint32(g), 5) || isPowerOf(uint32(g), 7) {
				l.backup = true
				off = 1 + gdtBlocks
			}
			l.blockBitmap = l.start + off
			l.inodeBitmap = l.blockBitmap + 1
			l.inodeTable = l.inodeBitmap + 1
			l.overhead = uint32(off) + 2 + itableBlocks
			layouts = append(layouts, l)
		}
		last := layouts[len(layouts)-1]
		if last.overhead < last.blocks {
			break
		}
		if groups == 1 {
			return fmt.Errorf("%w: %d blocks cannot hold the metadata of one group", ErrInvalid, blockCount)
		}
		groups--
		blockCount = uint64(firstDataBlock) + groups*uint64(blocksPerGroup)
	}
	for g, l := range layouts {
		if l.overhead >= l.blocks {
			return fmt.Errorf("%w: group %d has no room for data with %d blocks per group", ErrInvalid, g, blocksPerGroup)
		}
	}

	inodeCount := uint64(inodesPerGroup) * groups
	if inodeCount > math.MaxUint32 {
		return fmt.Errorf("%w: %d inodes exceed the 32 bit inode count", ErrInvalid, inodeCount)
	}
	firstIno := p.FirstInode
	if firstIno == 0 {
		firstIno = firstNonReservedInode
	}
	if uint64(firstIno) > inodeCount {
		return fmt.Errorf("%w: first inode %d beyond %d inodes", ErrInvalid, firstIno, inodeCount)
	}

	id := uuid.New()
	if p.UUID != nil {
		id = *p.UUID
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	pct := p.ReservedBlocksPercent
	if pct == 0 {
		pct = DefaultReservedBlocksPercent
	}

	// superblock
	raw := make([]byte, superblockLength)
	var (
		freeBlocks uint64
		freeInodes = inodeCount - uint64(firstIno-1)
		compat     = compatExtAttr
		incompat   = incompatFiletype
		roCompat   = roCompatLargeFile | roCompatDirNlink
	)
	for _, l := range layouts {
		freeBlocks += uint64(l.blocks - l.overhead)
	}
	if features.extents {
		incompat |= incompatExtents
	}
	if features.fs64Bit {
		incompat |= incompat64Bit
	}
	if features.sparseSuper {
		roCompat |= roCompatSparseSuper
	}
	if features.gdtChecksum {
		roCompat |= roCompatGDTChecksum
	}
	if features.hugeFile {
		roCompat |= roCompatHugeFile
	}
	if inodeSize > goodOldInodeSize {
		roCompat |= roCompatExtraIsize
		put16(raw, sbMinExtraIsize, extraIsize)
		put16(raw, sbWantExtraIsize, extraIsize)
	}
	hiLen := 0
	if features.fs64Bit {
		hiLen = 4
	}
	put32(raw, sbInodesCount, uint32(inodeCount))
	putLoHi(raw, blockCount, sbBlocksCountLo, 4, sbBlocksCountHi, hiLen)
	putLoHi(raw, blockCount*uint64(pct)/100, sbRBlocksCountLo, 4, sbRBlocksCountHi, hiLen)
	putLoHi(raw, freeBlocks, sbFreeBlocksLo, 4, sbFreeBlocksHi, hiLen)
	put32(raw, sbFreeInodes, uint32(freeInodes))
	put32(raw, sbFirstDataBlock, firstDataBlock)
	logBlock := uint32(bits.TrailingZeros32(blockSize) - minBlockLogSize)
	put32(raw, sbLogBlockSize, logBlock)
	put32(raw, sbLogClusterSize, logBlock)
	put32(raw, sbBlocksPerGroup, blocksPerGroup)
	put32(raw, sbClustersPerGroup, blocksPerGroup)
	put32(raw, sbInodesPerGroup, inodesPerGroup)
	put32(raw, sbWriteTime, uint32(created.Unix()))
	put32(raw, sbLastCheck, uint32(created.Unix()))
	put32(raw, sbMkfsTime, uint32(created.Unix()))
	put16(raw, sbMaxMountCount, 0xffff)
	put16(raw, sbMagic, superblockSignature)
	put16(raw, sbState, fsStateValid)
	put16(raw, sbErrors, 1)
	put32(raw, sbRevLevel, 1)
	put32(raw, sbFirstIno, firstIno)
	put16(raw, sbInodeSize, inodeSize)
	put32(raw, sbFeatureCompat, compat)
	put32(raw, sbFeatureIncompat, incompat)
	put32(raw, sbFeatureROCompat, roCompat)
	copy(raw[sbUUID:sbUUID+16], id[:])
	copy(raw[sbVolumeName:sbVolumeName+maxVolumeNameLength], label)
	hashSeed := uuid.New()
	copy(raw[sbHashSeed:sbHashSeed+16], hashSeed[:])
	raw[sbDefHashVersion] = hashVersionHalfMD4
	if features.fs64Bit {
		put16(raw, sbDescSize, descSize)
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return fmt.Errorf("could not build superblock: %w", err)
	}

	w := &formatWriter{f: f, start: start, blockSize: blockSize}

	// descriptors and bitmaps
	gdt := make([]byte, uint64(len(layouts))*uint64(descSize))
	for g, l := range layouts {
		group := uint32(g)
		gd := groupDescriptor{b: gdt[g*int(descSize) : (g+1)*int(descSize)]}
		gd.setBlockBitmap(l.blockBitmap)
		gd.setInodeBitmap(l.inodeBitmap)
		gd.setInodeTable(l.inodeTable)
		gd.setFreeBlocks(l.blocks - l.overhead)

		// inodes of this group below the first non-reserved one
		groupFirst := uint64(group)*uint64(inodesPerGroup) + 1
		var reserved uint32
		if groupFirst < uint64(firstIno) {
			reserved = uint32(min(uint64(firstIno)-groupFirst, uint64(inodesPerGroup)))
		}
		gd.setFreeInodes(inodesPerGroup - reserved)
		if features.gdtChecksum {
			gd.setItableUnused(inodesPerGroup - reserved)
		}

		if p.LazyInit && group > 0 {
			gd.setFlag(blockGroupBlockUninit)
		} else {
			bitmap := make([]byte, blockSize)
			bm := util.BitmapWithBytes(bitmap)
			_ = bm.SetRange(0, int(l.overhead))
			if int(l.blocks) < bm.Len() {
				_ = bm.SetRange(int(l.blocks), bm.Len()-int(l.blocks))
			}
			if err := w.writeBlock(l.blockBitmap, bitmap); err != nil {
				return fmt.Errorf("could not write block bitmap of group %d: %w", g, err)
			}
		}

		if p.LazyInit && group > 0 && reserved == 0 {
			gd.setFlag(blockGroupInodeUninit)
		} else {
			bitmap := make([]byte, blockSize)
			bm := util.BitmapWithBytes(bitmap)
			_ = bm.SetRange(0, int(reserved))
			_ = bm.SetRange(int(inodesPerGroup), bm.Len()-int(inodesPerGroup))
			if err := w.writeBlock(l.inodeBitmap, bitmap); err != nil {
				return fmt.Errorf("could not write inode bitmap of group %d: %w", g, err)
			}
			zero := make([]byte, blockSize)
			for i := uint64(0); i < uint64(itableBlocks); i++ {
				if err := w.writeBlock(l.inodeTable+i, zero); err != nil {
					return fmt.Errorf("could not zero inode table of group %d: %w", g, err)
				}
			}
			gd.setFlag(blockGroupItableZeroed)
		}
		gd.setChecksum(groupDescriptorChecksum(sb, group, gd.b))
	}

	// descriptor table and superblock, primary and backups
	gdtPadded := make([]byte, sb.gdtBlocks()*uint64(blockSize))
	copy(gdtPadded, gdt)
	for g, l := range layouts {
		if !l.backup {
			continue
		}
		if err := w.writeBlock(l.start+1, gdtPadded); err != nil {
			return fmt.Errorf("could not write descriptor table copy in group %d: %w", g, err)
		}
		put16(sb.raw, sbBlockGroupNr, uint16(g))
		b := sb.toBytes()
		offset := int64(l.start) * int64(blockSize)
		if g == 0 {
			offset = superblockOffset
		}
		if _, err := f.WriteAt(b, start+offset); err != nil {
			return fmt.Errorf("could not write superblock copy in group %d: %w", g, err)
		}
	}
	return nil
}

type formatWriter struct {
	f         util.File
	start     int64
	blockSize uint32
}

func (w *formatWriter) writeBlock(addr uint64, b []byte) error {
	_, err := w.f.WriteAt(b, w.start+int64(addr)*int64(w.blockSize))
	return err
}
