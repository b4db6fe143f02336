// Package compression wraps the codecs used for block map snapshots behind one interface.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Kind identifies a codec in serialized headers
type Kind uint8

const (
	KindNone Kind = iota
	KindGzip
	KindLzma
	KindXz
	KindLz4
	KindZstd
)

var kindNames = map[Kind]string{
	KindNone: "none",
	KindGzip: "gzip",
	KindLzma: "lzma",
	KindXz:   "xz",
	KindLz4:  "lz4",
	KindZstd: "zstd",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind returns the Kind named s, case-insensitive
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, s) {
			return k, nil
		}
	}
	return KindNone, fmt.Errorf("unknown compression %q", s)
}

// MaxDecompressedSize caps what any codec will inflate a snapshot to. A block map
// of 16 byte entries this size covers a few million mapped blocks.
var MaxDecompressedSize int64 = 64 << 20

// ErrTooLarge is returned when decompressed data would exceed MaxDecompressedSize
var ErrTooLarge = errors.New("decompressed data too large")

func readLimited(r io.Reader) ([]byte, error) {
	p, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("error decompressing: %w", err)
	}
	if int64(len(p)) > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxDecompressedSize)
	}
	return p, nil
}

// Compressor compresses and decompresses whole buffers
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
	Kind() Kind
}

// New returns a Compressor for k with default settings
func New(k Kind) (Compressor, error) {
	switch k {
	case KindNone:
		return &CompressorNone{}, nil
	case KindGzip:
		return &CompressorGzip{Level: gzip.DefaultCompression}, nil
	case KindLzma:
		return &CompressorLzma{}, nil
	case KindXz:
		return &CompressorXz{}, nil
	case KindLz4:
		return &CompressorLz4{}, nil
	case KindZstd:
		return &CompressorZstd{Level: 3}, nil
	default:
		return nil, fmt.Errorf("unsupported compression kind %d", uint8(k))
	}
}

// CompressorNone stores data as is
type CompressorNone struct{}

func (c *CompressorNone) Compress(in []byte) ([]byte, error) {
	return bytes.Clone(in), nil
}
func (c *CompressorNone) Decompress(in []byte) ([]byte, error) {
	return readLimited(bytes.NewReader(in))
}
func (c *CompressorNone) Kind() Kind {
	return KindNone
}

// CompressorGzip gzip compression
type CompressorGzip struct {
	Level int
}

func (c *CompressorGzip) Compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	gz, err := gzip.NewWriterLevel(&b, c.Level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip compressor: %w", err)
	}
	if _, err := gz.Write(in); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
func (c *CompressorGzip) Decompress(in []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("error creating gzip decompressor: %w", err)
	}
	defer gz.Close()
	return readLimited(gz)
}
func (c *CompressorGzip) Kind() Kind {
	return KindGzip
}

// CompressorLzma lzma compression; not available on 32 bit systems.
// WindowSize is the dictionary size, 0 for the codec default.
type CompressorLzma struct {
	WindowSize int
}

func (c *CompressorLzma) Compress(in []byte) ([]byte, error) {
	return c.compress(in)
}
func (c *CompressorLzma) Decompress(in []byte) ([]byte, error) {
	return c.decompress(in)
}
func (c *CompressorLzma) Kind() Kind {
	return KindLzma
}

// CompressorXz xz compression with crc32 block checks; not available on 32 bit systems.
// WindowSize is the dictionary size, 0 for the codec default.
type CompressorXz struct {
	WindowSize int
}

func (c *CompressorXz) Compress(in []byte) ([]byte, error) {
	return c.compress(in)
}
func (c *CompressorXz) Decompress(in []byte) ([]byte, error) {
	return c.decompress(in)
}
func (c *CompressorXz) Kind() Kind {
	return KindXz
}

// CompressorLz4 lz4 compression
type CompressorLz4 struct {
	HighCompression bool
}

func (c *CompressorLz4) Compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	z := lz4.NewWriter(&b)
	if c.HighCompression {
		if err := z.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("error setting lz4 compression level: %w", err)
		}
	}
	if _, err := z.Write(in); err != nil {
		return nil, err
	}
	if err := z.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
func (c *CompressorLz4) Decompress(in []byte) ([]byte, error) {
	return readLimited(lz4.NewReader(bytes.NewReader(in)))
}
func (c *CompressorLz4) Kind() Kind {
	return KindLz4
}

// CompressorZstd zstd compression
type CompressorZstd struct {
	Level int
}

func (c *CompressorZstd) Compress(in []byte) ([]byte, error) {
	z, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
	if err != nil {
		return nil, fmt.Errorf("error creating zstd compressor: %w", err)
	}
	defer z.Close()
	return z.EncodeAll(in, nil), nil
}
func (c *CompressorZstd) Decompress(in []byte) ([]byte, error) {
	z, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxDecompressedSize)))
	if err != nil {
		return nil, fmt.Errorf("error creating zstd decompressor: %w", err)
	}
	defer z.Close()
	p, err := z.DecodeAll(in, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxDecompressedSize)
	}
	if err != nil {
		return nil, fmt.Errorf("error decompressing: %w", err)
	}
	return p, nil
}
func (c *CompressorZstd) Kind() Kind {
	return KindZstd
}
