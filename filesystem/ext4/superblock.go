package ext4

import (
	"fmt"
	"strings"
	"time"

	"github.com/diskfs/go-ext4alloc/filesystem/ext4/crc"
	"github.com/google/uuid"
)

const (
	superblockOffset    int64  = 1024
	superblockLength    int    = 1024
	superblockSignature uint16 = 0xef53

	fsStateValid  uint16 = 0x1
	fsStateErrors uint16 = 0x2

	// superblock field offsets
	sbInodesCount      = 0x0
	sbBlocksCountLo    = 0x4
	sbRBlocksCountLo   = 0x8
	sbFreeBlocksLo     = 0xc
	sbFreeInodes       = 0x10
	sbFirstDataBlock   = 0x14
	sbLogBlockSize     = 0x18
	sbLogClusterSize   = 0x1c
	sbBlocksPerGroup   = 0x20
	sbClustersPerGroup = 0x24
	sbInodesPerGroup   = 0x28
	sbMountTime        = 0x2c
	sbWriteTime        = 0x30
	sbMountCount       = 0x34
	sbMaxMountCount    = 0x36
	sbMagic            = 0x38
	sbState            = 0x3a
	sbErrors           = 0x3c
	sbLastCheck        = 0x40
	sbRevLevel         = 0x4c
	sbFirstIno         = 0x54
	sbInodeSize        = 0x58
	sbBlockGroupNr     = 0x5a
	sbFeatureCompat    = 0x5c
	sbFeatureIncompat  = 0x60
	sbFeatureROCompat  = 0x64
	sbUUID             = 0x68
	sbVolumeName       = 0x78
	sbReservedGDT      = 0xce
	sbHashSeed         = 0xec
	sbDefHashVersion   = 0xfc
	sbDescSize         = 0xfe
	sbMkfsTime         = 0x108
	sbBlocksCountHi    = 0x150
	sbRBlocksCountHi   = 0x154
	sbFreeBlocksHi     = 0x158
	sbMinExtraIsize    = 0x15c
	sbWantExtraIsize   = 0x15e
	sbChecksumType     = 0x175
	sbChecksumSeed     = 0x270
	sbChecksum         = 0x3fc
)

// feature flags
const (
	compatHasJournal  uint32 = 0x4
	compatExtAttr     uint32 = 0x8
	compatResizeInode uint32 = 0x10
	compatDirIndex    uint32 = 0x20

	incompatFiletype   uint32 = 0x2
	incompatRecover    uint32 = 0x4
	incompatJournalDev uint32 = 0x8
	incompatMetaBG     uint32 = 0x10
	incompatExtents    uint32 = 0x40
	incompat64Bit      uint32 = 0x80
	incompatMMP        uint32 = 0x100
	incompatFlexBG     uint32 = 0x200
	incompatCsumSeed   uint32 = 0x2000
	incompatLargeDir   uint32 = 0x4000
	incompatInlineData uint32 = 0x8000

	roCompatSparseSuper  uint32 = 0x1
	roCompatLargeFile    uint32 = 0x2
	roCompatBtreeDir     uint32 = 0x4
	roCompatHugeFile     uint32 = 0x8
	roCompatGDTChecksum  uint32 = 0x10
	roCompatDirNlink     uint32 = 0x20
	roCompatExtraIsize   uint32 = 0x40
	roCompatQuota        uint32 = 0x100
	roCompatBigalloc     uint32 = 0x200
	roCompatMetadataCsum uint32 = 0x400

	supportedIncompat = incompatFiletype | incompatExtents | incompat64Bit | incompatFlexBG |
		incompatCsumSeed | incompatLargeDir
	supportedROCompat = roCompatSparseSuper | roCompatLargeFile | roCompatBtreeDir | roCompatHugeFile |
		roCompatGDTChecksum | roCompatDirNlink | roCompatExtraIsize
)

var (
	incompatNames = map[uint32]string{
		0x1: "compression", incompatFiletype: "filetype", incompatRecover: "needs_recovery",
		incompatJournalDev: "journal_dev", incompatMetaBG: "meta_bg", incompatExtents: "extent",
		incompat64Bit: "64bit", incompatMMP: "mmp", incompatFlexBG: "flex_bg", 0x400: "ea_inode",
		0x1000: "dirdata", incompatCsumSeed: "metadata_csum_seed", incompatLargeDir: "large_dir",
		incompatInlineData: "inline_data", 0x10000: "encrypt", 0x20000: "casefold",
	}
	roCompatNames = map[uint32]string{
		roCompatSparseSuper: "sparse_super", roCompatLargeFile: "large_file", roCompatBtreeDir: "btree_dir",
		roCompatHugeFile: "huge_file", roCompatGDTChecksum: "uninit_bg", roCompatDirNlink: "dir_nlink",
		roCompatExtraIsize: "extra_isize", 0x80: "has_snapshot", roCompatQuota: "quota",
		roCompatBigalloc: "bigalloc", roCompatMetadataCsum: "metadata_csum", 0x800: "replica",
		0x1000: "read-only", 0x2000: "project", 0x8000: "verity",
	}
)

// featureList names the bits set in flags, for logs and errors
func featureList(flags uint32, names map[uint32]string) string {
	var out []string
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if flags&bit == 0 {
			continue
		}
		if n, ok := names[bit]; ok {
			out = append(out, n)
		} else {
			out = append(out, fmt.Sprintf("%#x", bit))
		}
	}
	return strings.Join(out, ",")
}

// superblock is the parsed primary superblock. raw holds the on-disk bytes so that
// fields this package does not model survive a write back.
type superblock struct {
	raw                 []byte
	inodeCount          uint32
	blockCount          uint64
	reservedBlocks      uint64
	freeBlocks          uint64
	freeInodes          uint32
	firstDataBlock      uint32
	blockSize           uint32
	blocksPerGroup      uint32
	inodesPerGroup      uint32
	mountTime           time.Time
	writeTime           time.Time
	mkfsTime            time.Time
	mountCount          uint16
	maxMountCount       uint16
	state               uint16
	revision            uint32
	firstNonReserved    uint32
	inodeSize           uint16
	reservedGDTBlocks   uint16
	featureCompat       uint32
	featureIncompat     uint32
	featureROCompat     uint32
	uuid                uuid.UUID
	volumeLabel         string
	groupDescriptorSize uint16
	wantExtraIsize      uint16
	checksumSeed        uint32
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if err := checkLength(b, superblockLength, "superblock"); err != nil {
		return nil, err
	}
	if magic := le16(b, sbMagic); magic != superblockSignature {
		return nil, fmt.Errorf("%w: bad superblock signature %#x", ErrCorrupt, magic)
	}
	raw := make([]byte, superblockLength)
	copy(raw, b)

	sb := &superblock{
		raw:               raw,
		inodeCount:        le32(raw, sbInodesCount),
		firstDataBlock:    le32(raw, sbFirstDataBlock),
		blocksPerGroup:    le32(raw, sbBlocksPerGroup),
		inodesPerGroup:    le32(raw, sbInodesPerGroup),
		mountTime:         time.Unix(int64(le32(raw, sbMountTime)), 0).UTC(),
		writeTime:         time.Unix(int64(le32(raw, sbWriteTime)), 0).UTC(),
		mkfsTime:          time.Unix(int64(le32(raw, sbMkfsTime)), 0).UTC(),
		mountCount:        le16(raw, sbMountCount),
		maxMountCount:     le16(raw, sbMaxMountCount),
		state:             le16(raw, sbState),
		revision:          le32(raw, sbRevLevel),
		freeInodes:        le32(raw, sbFreeInodes),
		reservedGDTBlocks: le16(raw, sbReservedGDT),
		featureCompat:     le32(raw, sbFeatureCompat),
		featureIncompat:   le32(raw, sbFeatureIncompat),
		featureROCompat:   le32(raw, sbFeatureROCompat),
		volumeLabel:       strings.TrimRight(string(raw[sbVolumeName:sbVolumeName+16]), "\x00"),
		wantExtraIsize:    le16(raw, sbWantExtraIsize),
	}
	logSize := le32(raw, sbLogBlockSize)
	if logSize > uint32(maxBlockLogSize-minBlockLogSize) {
		return nil, fmt.Errorf("%w: block size log %d out of range", ErrCorrupt, logSize)
	}
	sb.blockSize = 1 << (uint32(minBlockLogSize) + logSize)

	hiLen := 0
	if sb.is64Bit() {
		hiLen = 4
	}
	sb.blockCount = getLoHi(raw, sbBlocksCountLo, 4, sbBlocksCountHi, hiLen)
	sb.reservedBlocks = getLoHi(raw, sbRBlocksCountLo, 4, sbRBlocksCountHi, hiLen)
	sb.freeBlocks = getLoHi(raw, sbFreeBlocksLo, 4, sbFreeBlocksHi, hiLen)

	// revision 0 has fixed inode geometry
	sb.firstNonReserved = firstNonReservedInode
	sb.inodeSize = 128
	if sb.revision > 0 {
		sb.firstNonReserved = le32(raw, sbFirstIno)
		sb.inodeSize = le16(raw, sbInodeSize)
	}

	sb.groupDescriptorSize = groupDescriptorSize32
	if sb.is64Bit() {
		if ds := le16(raw, sbDescSize); ds >= groupDescriptorSize64 {
			sb.groupDescriptorSize = ds
		}
	}

	copy(sb.uuid[:], raw[sbUUID:sbUUID+16])
	if sb.featureIncompat&incompatCsumSeed != 0 {
		sb.checksumSeed = le32(raw, sbChecksumSeed)
	} else {
		sb.checksumSeed = crc.CRC32c(0xffffffff, sb.uuid[:])
	}

	switch {
	case sb.blocksPerGroup == 0 || sb.inodesPerGroup == 0:
		return nil, fmt.Errorf("%w: zero blocks or inodes per group", ErrCorrupt)
	case sb.blocksPerGroup > 8*sb.blockSize:
		return nil, fmt.Errorf("%w: %d blocks per group do not fit one bitmap block", ErrCorrupt, sb.blocksPerGroup)
	case sb.inodesPerGroup > 8*sb.blockSize:
		return nil, fmt.Errorf("%w: %d inodes per group do not fit one bitmap block", ErrCorrupt, sb.inodesPerGroup)
	case sb.inodeSize < 128 || uint32(sb.inodeSize) > sb.blockSize || sb.inodeSize&(sb.inodeSize-1) != 0:
		return nil, fmt.Errorf("%w: invalid inode size %d", ErrCorrupt, sb.inodeSize)
	case sb.blockCount <= uint64(sb.firstDataBlock):
		return nil, fmt.Errorf("%w: block count %d is below the first data block", ErrCorrupt, sb.blockCount)
	case uint64(sb.inodeCount) > uint64(sb.inodesPerGroup)*sb.blockGroupCount():
		return nil, fmt.Errorf("%w: inode count %d exceeds %d groups of %d", ErrCorrupt, sb.inodeCount, sb.blockGroupCount(), sb.inodesPerGroup)
	}
	return sb, nil
}

// toBytes writes the modelled fields back into the raw superblock and returns a copy
func (sb *superblock) toBytes() []byte {
	b := sb.raw
	hiLen := 0
	if sb.is64Bit() {
		hiLen = 4
	}
	put32(b, sbInodesCount, sb.inodeCount)
	putLoHi(b, sb.blockCount, sbBlocksCountLo, 4, sbBlocksCountHi, hiLen)
	putLoHi(b, sb.reservedBlocks, sbRBlocksCountLo, 4, sbRBlocksCountHi, hiLen)
	putLoHi(b, sb.freeBlocks, sbFreeBlocksLo, 4, sbFreeBlocksHi, hiLen)
	put32(b, sbFreeInodes, sb.freeInodes)
	put32(b, sbMountTime, uint32(sb.mountTime.Unix()))
	put32(b, sbWriteTime, uint32(sb.writeTime.Unix()))
	put16(b, sbMountCount, sb.mountCount)
	put16(b, sbMaxMountCount, sb.maxMountCount)
	put16(b, sbState, sb.state)
	put32(b, sbFeatureCompat, sb.featureCompat)
	put32(b, sbFeatureIncompat, sb.featureIncompat)
	put32(b, sbFeatureROCompat, sb.featureROCompat)
	if sb.hasMetadataChecksums() {
		put32(b, sbChecksum, sb.computeChecksum())
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (sb *superblock) computeChecksum() uint32 {
	return crc.CRC32c(0xffffffff, sb.raw[:sbChecksum])
}

func (sb *superblock) is64Bit() bool {
	return sb.featureIncompat&incompat64Bit != 0
}

func (sb *superblock) hasExtents() bool {
	return sb.featureIncompat&incompatExtents != 0
}

func (sb *superblock) hasGDTChecksum() bool {
	return sb.featureROCompat&roCompatGDTChecksum != 0
}

func (sb *superblock) hasMetadataChecksums() bool {
	return sb.featureROCompat&roCompatMetadataCsum != 0
}

func (sb *superblock) hasHugeFiles() bool {
	return sb.featureROCompat&roCompatHugeFile != 0
}

func (sb *superblock) blockGroupCount() uint64 {
	data := sb.blockCount - uint64(sb.firstDataBlock)
	return (data + uint64(sb.blocksPerGroup) - 1) / uint64(sb.blocksPerGroup)
}

func (sb *superblock) descriptorsPerBlock() uint32 {
	return sb.blockSize / uint32(sb.groupDescriptorSize)
}

// gdtBlocks is the number of blocks the descriptor table occupies
func (sb *superblock) gdtBlocks() uint64 {
	per := uint64(sb.descriptorsPerBlock())
	return (sb.blockGroupCount() + per - 1) / per
}

// hasSuperblockBackup reports whether group holds a copy of the superblock and descriptor table
func (sb *superblock) hasSuperblockBackup(group uint32) bool {
	if sb.featureROCompat&roCompatSparseSuper == 0 || group <= 1 {
		return true
	}
	return isPowerOf(group, 3) || isPowerOf(group, 5) || isPowerOf(group, 7)
}

func isPowerOf(n, base uint32) bool {
	for n > 1 && n%base == 0 {
		n /= base
	}
	return n == 1
}
