package ext4

import (
	"fmt"

	"github.com/diskfs/go-ext4alloc/util"
	"github.com/sirupsen/logrus"
)

// GroupStatus is what Check found for one block group
type GroupStatus struct {
	Index            uint32
	FreeBlocks       uint32
	FreeInodes       uint32
	BitmapFreeBlocks uint32
	BitmapFreeInodes uint32
	BlockUninit      bool
	InodeUninit      bool
}

// CheckReport lists every inconsistency between the free counters, the bitmaps and
// the descriptor checksums
type CheckReport struct {
	Groups     []GroupStatus
	FreeBlocks uint64
	FreeInodes uint32
	Problems   []string
}

// OK reports whether no problem was found
func (r *CheckReport) OK() bool {
	return len(r.Problems) == 0
}

func (r *CheckReport) addf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Check verifies that every group's free block and inode counts match its bitmaps,
// that the superblock counts are the sums of the group counts, and that descriptor
// and bitmap checksums are valid. Groups not yet initialized are checked against the
// counts their lazy initialization would produce, without initializing them.
// Only I/O failures are returned as errors.
func (fs *FileSystem) Check() (*CheckReport, error) {
	sb := fs.superblock
	report := &CheckReport{
		FreeBlocks: sb.freeBlocks,
		FreeInodes: sb.freeInodes,
	}
	var (
		sumBlocks uint64
		sumInodes uint64
	)
	for group := uint32(0); group < fs.GroupCount(); group++ {
		status, err := fs.checkGroup(group, report)
		if err != nil {
			return nil, err
		}
		report.Groups = append(report.Groups, status)
		sumBlocks += uint64(status.FreeBlocks)
		sumInodes += uint64(status.FreeInodes)
	}
	if sumBlocks != sb.freeBlocks {
		report.addf("superblock free blocks %d, groups sum to %d", sb.freeBlocks, sumBlocks)
	}
	if sumInodes != uint64(sb.freeInodes) {
		report.addf("superblock free inodes %d, groups sum to %d", sb.freeInodes, sumInodes)
	}
	if !report.OK() {
		fs.log.WithField("problems", len(report.Problems)).Warn("filesystem check found inconsistencies")
	}
	return report, nil
}

func (fs *FileSystem) checkGroup(group uint32, report *CheckReport) (GroupStatus, error) {
	sb := fs.superblock
	blockNum, offset := fs.descriptorLocation(group)
	b, err := fs.dev.Get(blockNum)
	if err != nil {
		return GroupStatus{}, fmt.Errorf("could not read descriptor of block group %d: %w", group, err)
	}
	desc := make([]byte, sb.groupDescriptorSize)
	copy(desc, b.Data[offset:])
	if err := fs.dev.Put(b); err != nil {
		return GroupStatus{}, err
	}
	gd := groupDescriptor{b: desc}

	status := GroupStatus{
		Index:       group,
		FreeBlocks:  gd.freeBlocks(),
		FreeInodes:  gd.freeInodes(),
		BlockUninit: gd.hasFlag(blockGroupBlockUninit),
		InodeUninit: gd.hasFlag(blockGroupInodeUninit),
	}
	if sb.hasGDTChecksum() || sb.hasMetadataChecksums() {
		if want := groupDescriptorChecksum(sb, group, desc); gd.checksum() != want {
			report.addf("group %d: descriptor checksum %#04x, expected %#04x", group, gd.checksum(), want)
		}
	}
	storedBlock, storedInode, mask := storedBitmapChecksums(gd)

	blocks := fs.blocksInGroup(group)
	if status.BlockUninit {
		status.BitmapFreeBlocks = blocks - fs.firstDataIndex(group, gd)
	} else {
		bb, err := fs.dev.Get(gd.blockBitmap())
		if err != nil {
			return status, fmt.Errorf("could not read block bitmap of group %d: %w", group, err)
		}
		status.BitmapFreeBlocks = uint32(util.BitmapWithBytes(bb.Data).CountClear(int(blocks)))
		if sb.hasMetadataChecksums() {
			if c := blockBitmapChecksum(sb)(bb.Data) & mask; c != storedBlock {
				report.addf("group %d: block bitmap checksum %#x, expected %#x", group, storedBlock, c)
			}
		}
		if err := fs.dev.Put(bb); err != nil {
			return status, err
		}
	}

	inodes := fs.inodesInGroup(group)
	if status.InodeUninit {
		status.BitmapFreeInodes = inodes
	} else {
		ib, err := fs.dev.Get(gd.inodeBitmap())
		if err != nil {
			return status, fmt.Errorf("could not read inode bitmap of group %d: %w", group, err)
		}
		status.BitmapFreeInodes = uint32(util.BitmapWithBytes(ib.Data).CountClear(int(inodes)))
		if sb.hasMetadataChecksums() {
			if c := inodeBitmapChecksum(sb)(ib.Data) & mask; c != storedInode {
				report.addf("group %d: inode bitmap checksum %#x, expected %#x", group, storedInode, c)
			}
		}
		if err := fs.dev.Put(ib); err != nil {
			return status, err
		}
	}

	if status.FreeBlocks != status.BitmapFreeBlocks {
		report.addf("group %d: %d free blocks recorded, bitmap has %d", group, status.FreeBlocks, status.BitmapFreeBlocks)
	}
	if status.FreeInodes != status.BitmapFreeInodes {
		report.addf("group %d: %d free inodes recorded, bitmap has %d", group, status.FreeInodes, status.BitmapFreeInodes)
	}
	fs.log.WithFields(logrus.Fields{
		"group":      group,
		"freeBlocks": status.FreeBlocks,
		"freeInodes": status.FreeInodes,
	}).Trace("checked block group")
	return status, nil
}
