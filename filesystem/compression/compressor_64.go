//go:build !arm && !386

package compression

import (
	"bytes"
	"fmt"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

func (c *CompressorLzma) compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	lz, err := lzma.NewWriterConfig(&b, lzma.WriterConfig{WindowSize: c.WindowSize})
	if err != nil {
		return nil, fmt.Errorf("error creating lzma compressor: %w", err)
	}
	if _, err := lz.Write(in); err != nil {
		return nil, err
	}
	if err := lz.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (c *CompressorLzma) decompress(in []byte) ([]byte, error) {
	lz, err := lzma.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("error creating lzma decompressor: %w", err)
	}
	return readLimited(lz)
}

// snapshots are small, so a single worker writes them as one xz block
func (c *CompressorXz) compress(in []byte) ([]byte, error) {
	var b bytes.Buffer
	xzWriter, err := xz.NewWriterConfig(&b, xz.WriterConfig{
		WindowSize: c.WindowSize,
		Workers:    1,
		Checksum:   xz.CRC32,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating xz compressor: %w", err)
	}
	if _, err = xzWriter.Write(in); err != nil {
		return nil, err
	}
	if err = xzWriter.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (c *CompressorXz) decompress(in []byte) ([]byte, error) {
	xzReader, err := xz.NewReaderConfig(bytes.NewReader(in), xz.ReaderConfig{Workers: 1})
	if err != nil {
		return nil, fmt.Errorf("error creating xz decompressor: %w", err)
	}
	defer xzReader.Close()
	return readLimited(xzReader)
}
