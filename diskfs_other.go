//go:build !linux

package diskfs

import (
	"errors"
	"os"
)

func deviceGeometry(_ *os.File) (size, logical, physical int64, err error) {
	return 0, 0, 0, errors.New("block devices are only supported on linux")
}
