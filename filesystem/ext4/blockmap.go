package ext4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/diskfs/go-ext4alloc/filesystem/compression"
	"github.com/sirupsen/logrus"
)

const (
	blockMapMagic      = "E4BM"
	blockMapVersion    = 1
	blockMapHeaderSize = 28
	blockMapEntrySize  = 16
)

// Mapping is one mapped logical block of an inode
type Mapping struct {
	Logical  uint64
	Physical uint64
}

// blockMapHeader precedes the compressed mapping entries:
//
//	0:4   magic "E4BM"
//	4     version
//	5     compression kind
//	6:8   reserved
//	8:12  block size
//	12:20 inode size in bytes
//	20:24 entry count
//	24:28 compressed payload length
type blockMapHeader struct {
	kind      compression.Kind
	blockSize uint32
	size      uint64
	count     uint32
	length    uint32
}

func (h *blockMapHeader) toBytes() []byte {
	b := make([]byte, blockMapHeaderSize)
	copy(b[0:4], blockMapMagic)
	b[4] = blockMapVersion
	b[5] = byte(h.kind)
	binary.LittleEndian.PutUint32(b[8:12], h.blockSize)
	binary.LittleEndian.PutUint64(b[12:20], h.size)
	binary.LittleEndian.PutUint32(b[20:24], h.count)
	binary.LittleEndian.PutUint32(b[24:28], h.length)
	return b
}

func blockMapHeaderFromBytes(b []byte) (*blockMapHeader, error) {
	if err := checkLength(b, blockMapHeaderSize, "block map header"); err != nil {
		return nil, err
	}
	if string(b[0:4]) != blockMapMagic {
		return nil, fmt.Errorf("%w: bad block map signature %q", ErrInvalid, b[0:4])
	}
	if b[4] != blockMapVersion {
		return nil, fmt.Errorf("%w: block map version %d", ErrUnsupported, b[4])
	}
	return &blockMapHeader{
		kind:      compression.Kind(b[5]),
		blockSize: binary.LittleEndian.Uint32(b[8:12]),
		size:      binary.LittleEndian.Uint64(b[12:20]),
		count:     binary.LittleEndian.Uint32(b[20:24]),
		length:    binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// BlockMap lists every mapped logical block of ref in ascending order. Holes are skipped.
func (fs *FileSystem) BlockMap(ref *InodeRef) ([]Mapping, error) {
	bs := uint64(fs.superblock.blockSize)
	end := (ref.Size() + bs - 1) / bs
	var out []Mapping
	for i := uint64(0); i < end; i++ {
		p, err := fs.GetBlock(ref, i)
		if err != nil {
			return nil, err
		}
		if p != 0 {
			out = append(out, Mapping{Logical: i, Physical: p})
		}
	}
	return out, nil
}

// ExportBlockMap writes the block map of ref to w, compressed with c
func (fs *FileSystem) ExportBlockMap(ref *InodeRef, w io.Writer, c compression.Compressor) error {
	mappings, err := fs.BlockMap(ref)
	if err != nil {
		return err
	}
	raw := make([]byte, len(mappings)*blockMapEntrySize)
	for i, m := range mappings {
		binary.LittleEndian.PutUint64(raw[i*blockMapEntrySize:], m.Logical)
		binary.LittleEndian.PutUint64(raw[i*blockMapEntrySize+8:], m.Physical)
	}
	payload, err := c.Compress(raw)
	if err != nil {
		return fmt.Errorf("could not compress block map of inode %d: %w", ref.number, err)
	}
	h := &blockMapHeader{
		kind:      c.Kind(),
		blockSize: fs.superblock.blockSize,
		size:      ref.Size(),
		count:     uint32(len(mappings)),
		length:    uint32(len(payload)),
	}
	if _, err := w.Write(h.toBytes()); err != nil {
		return fmt.Errorf("could not write block map header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("could not write block map: %w", err)
	}
	fs.log.WithFields(logrus.Fields{
		"inode":       ref.number,
		"blocks":      len(mappings),
		"compression": c.Kind().String(),
		"bytes":       blockMapHeaderSize + len(payload),
	}).Debug("exported block map")
	return nil
}

// ReadBlockMap parses an exported block map, returning its mappings together with the
// inode size and block size recorded with it
func ReadBlockMap(r io.Reader) ([]Mapping, uint64, uint32, error) {
	hb := make([]byte, blockMapHeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, 0, 0, fmt.Errorf("could not read block map header: %w", err)
	}
	h, err := blockMapHeaderFromBytes(hb)
	if err != nil {
		return nil, 0, 0, err
	}
	if int64(h.count)*blockMapEntrySize > compression.MaxDecompressedSize {
		return nil, 0, 0, fmt.Errorf("%w: block map of %d entries is too large", ErrInvalid, h.count)
	}
	c, err := compression.New(h.kind)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, 0, fmt.Errorf("could not read block map: %w", err)
	}
	raw, err := c.Decompress(payload)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("could not decompress block map: %w", err)
	}
	if len(raw) != int(h.count)*blockMapEntrySize {
		return nil, 0, 0, fmt.Errorf("%w: block map holds %d bytes for %d entries", ErrInvalid, len(raw), h.count)
	}
	mappings := make([]Mapping, h.count)
	for i := range mappings {
		mappings[i].Logical = binary.LittleEndian.Uint64(raw[i*blockMapEntrySize:])
		mappings[i].Physical = binary.LittleEndian.Uint64(raw[i*blockMapEntrySize+8:])
	}
	return mappings, h.size, h.blockSize, nil
}

// RestoreBlockMap claims the physical blocks of an exported block map for ref and maps
// them at their logical positions. All data blocks are claimed before any mapping is
// written, so indirect blocks allocated while mapping cannot take one of them.
// A block already mapped at the same position is kept; a block in use elsewhere is ErrCorrupt.
// On failure, claimed blocks not yet mapped are freed again while blocks already mapped
// stay. Returns the number of blocks restored.
func (fs *FileSystem) RestoreBlockMap(ref *InodeRef, r io.Reader) (int, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	if ref.UsesExtents() {
		return 0, fmt.Errorf("%w: block map restore into extent inode %d", ErrUnsupported, ref.number)
	}
	mappings, size, blockSize, err := ReadBlockMap(r)
	if err != nil {
		return 0, err
	}
	if blockSize != fs.superblock.blockSize {
		return 0, fmt.Errorf("%w: block map of %d byte blocks on a filesystem of %d byte blocks", ErrInvalid, blockSize, fs.superblock.blockSize)
	}

	var claimed []Mapping
	for _, m := range mappings {
		if current, err := fs.GetBlock(ref, m.Logical); err != nil {
			return 0, err
		} else if current == m.Physical {
			continue
		}
		taken, err := fs.TryAllocBlock(ref, m.Physical)
		if err == nil && !taken {
			err = fmt.Errorf("%w: block %d for logical block %d is already in use", ErrCorrupt, m.Physical, m.Logical)
		}
		if err != nil {
			return 0, errors.Join(err, fs.unclaim(ref, claimed))
		}
		claimed = append(claimed, m)
	}
	for i, m := range claimed {
		if err := fs.SetBlock(ref, m.Logical, m.Physical); err != nil {
			return i, errors.Join(err, fs.unclaim(ref, claimed[i:]))
		}
	}
	if size > ref.Size() {
		ref.SetSize(size)
	}
	return len(claimed), nil
}

func (fs *FileSystem) unclaim(ref *InodeRef, claimed []Mapping) error {
	var errs []error
	for _, m := range claimed {
		errs = append(errs, fs.FreeBlock(ref, m.Physical))
	}
	return errors.Join(errs...)
}
