// Package blockdev provides the block buffer contract used by the filesystem code:
// Get pins a block and returns its mutable buffer, Put unpins it and writes it back
// if it was marked dirty. Two Gets of the same address while pinned share one buffer.
package blockdev

import (
	"errors"
	"fmt"
	"io"

	"github.com/diskfs/go-ext4alloc/util"
	"github.com/sirupsen/logrus"
)

// Block is a pinned filesystem block.
type Block struct {
	// Addr is the block address in filesystem block-size units
	Addr uint64
	// Data is the block contents; changes are visible to every holder of the block
	Data []byte
	// Dirty marks the block for write-back on Put
	Dirty bool
	refs  int
}

// Device is the contract consumed by the filesystem
type Device interface {
	Get(addr uint64) (*Block, error)
	Put(b *Block) error
	BlockSize() uint32
}

// Error is an I/O failure on a specific block
type Error struct {
	Op    string
	Block uint64
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s block %d: %v", e.Op, e.Block, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errNotPinned = errors.New("block is not pinned")

// Cache pins blocks of a util.File. Unpinned blocks are not retained, except on
// a read-only cache where dirty blocks are kept in an in-memory overlay instead of
// being written.
type Cache struct {
	file      util.File
	start     int64
	blockSize uint32
	count     uint64
	readOnly  bool
	pinned    map[uint64]*Block
	overlay   map[uint64][]byte
	log       *logrus.Entry
}

var _ Device = &Cache{}

// New creates a Cache over file, with the filesystem starting at byte offset start and
// holding count blocks of blockSize bytes.
func New(file util.File, start int64, blockSize uint32, count uint64, readOnly bool, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		file:      file,
		start:     start,
		blockSize: blockSize,
		count:     count,
		readOnly:  readOnly,
		pinned:    map[uint64]*Block{},
		overlay:   map[uint64][]byte{},
		log:       log,
	}
}

// BlockSize of the device
func (c *Cache) BlockSize() uint32 {
	return c.blockSize
}

// Pinned returns how many distinct blocks are currently pinned.
func (c *Cache) Pinned() int {
	return len(c.pinned)
}

// Get pins the block at addr, reading it from the file if no one holds it yet.
func (c *Cache) Get(addr uint64) (*Block, error) {
	if b, ok := c.pinned[addr]; ok {
		b.refs++
		return b, nil
	}
	if addr >= c.count {
		return nil, &Error{Op: "read", Block: addr, Err: fmt.Errorf("beyond end of device at %d blocks", c.count)}
	}
	data := make([]byte, c.blockSize)
	if o, ok := c.overlay[addr]; ok {
		copy(data, o)
	} else {
		n, err := c.file.ReadAt(data, c.offset(addr))
		if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
			return nil, &Error{Op: "read", Block: addr, Err: err}
		}
		if n != len(data) {
			return nil, &Error{Op: "read", Block: addr, Err: io.ErrUnexpectedEOF}
		}
	}
	b := &Block{Addr: addr, Data: data, refs: 1}
	c.pinned[addr] = b
	return b, nil
}

// Put unpins b, writing it first if it is dirty. The block is unpinned even if
// the write fails.
func (c *Cache) Put(b *Block) error {
	if b == nil {
		return nil
	}
	if cur, ok := c.pinned[b.Addr]; !ok || cur != b {
		return &Error{Op: "put", Block: b.Addr, Err: errNotPinned}
	}
	var err error
	if b.Dirty {
		err = c.flush(b)
	}
	b.refs--
	if b.refs == 0 {
		delete(c.pinned, b.Addr)
	}
	return err
}

func (c *Cache) flush(b *Block) error {
	if c.readOnly {
		o := make([]byte, len(b.Data))
		copy(o, b.Data)
		c.overlay[b.Addr] = o
		b.Dirty = false
		return nil
	}
	n, err := c.file.WriteAt(b.Data, c.offset(b.Addr))
	if err != nil {
		return &Error{Op: "write", Block: b.Addr, Err: err}
	}
	if n != len(b.Data) {
		return &Error{Op: "write", Block: b.Addr, Err: io.ErrShortWrite}
	}
	b.Dirty = false
	c.log.WithField("block", b.Addr).Trace("block written")
	return nil
}

// Zero writes a block of zeros at addr without pinning it. Pinned copies are zeroed too.
func (c *Cache) Zero(addr uint64) error {
	b, err := c.Get(addr)
	if err != nil {
		return err
	}
	clear(b.Data)
	b.Dirty = true
	return c.Put(b)
}

func (c *Cache) offset(addr uint64) int64 {
	return c.start + int64(addr)*int64(c.blockSize)
}
