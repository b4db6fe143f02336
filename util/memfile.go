package util

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// MemFile is an in-memory File of a fixed size. Reads past the end return io.EOF,
// writes past the end fail; the image never grows.
type MemFile struct {
	mu   sync.RWMutex
	data []byte
	pos  int64
}

var _ File = &MemFile{}

// NewMemFile returns a zero-filled in-memory File of size bytes.
func NewMemFile(size int64) *MemFile {
	return &MemFile{data: make([]byte, size)}
}

// MemFileFromBytes wraps b. The slice is used directly, not copied.
func MemFileFromBytes(b []byte) *MemFile {
	return &MemFile{data: b}
}

// ReadAt implements io.ReaderAt
func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d exceeds image size %d", len(p), off, len(m.data))
	}
	return copy(m.data[off:], p), nil
}

// Seek implements io.Seeker
func (m *MemFile) Seek(offset int64, whence int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = m.pos + offset
	case io.SeekEnd:
		next = int64(len(m.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = next
	return next, nil
}

// Size returns the image size in bytes.
func (m *MemFile) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Bytes returns a copy of the image contents.
func (m *MemFile) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := make([]byte, len(m.data))
	copy(b, m.data)
	return b
}
