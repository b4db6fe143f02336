//go:build arm || 386

// the xz module does not build for 32 bit targets, so lzma and xz snapshots can
// neither be written nor read there
package compression

import (
	"errors"
	"fmt"
)

func (c *CompressorLzma) compress(_ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%v snapshots on 32 bit systems: %w", KindLzma, errors.ErrUnsupported)
}

func (c *CompressorLzma) decompress(_ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%v snapshots on 32 bit systems: %w", KindLzma, errors.ErrUnsupported)
}

func (c *CompressorXz) compress(_ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%v snapshots on 32 bit systems: %w", KindXz, errors.ErrUnsupported)
}

func (c *CompressorXz) decompress(_ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%v snapshots on 32 bit systems: %w", KindXz, errors.ErrUnsupported)
}
