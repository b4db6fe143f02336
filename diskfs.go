// Package diskfs opens disk images and block devices holding an ext4 filesystem and
// mounts or formats them with the allocator core in filesystem/ext4.
//
// A regular file is used as an image of its full size with 512 byte sectors. A block
// device reports its own size and sector sizes.
package diskfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/diskfs/go-ext4alloc/filesystem/ext4"
	"github.com/sirupsen/logrus"
)

// OpenModeOption is the mode a disk is opened in
type OpenModeOption int

const (
	// ReadOnly opens the disk without write access
	ReadOnly OpenModeOption = iota
	// ReadWriteExclusive opens the disk for writing, and block devices exclusively
	ReadWriteExclusive
)

const defaultSectorSize = 512

// Type of the backing storage
type Type int

const (
	// File is a regular image file
	File Type = iota
	// Device is a block device
	Device
)

// Disk is an opened image or device
type Disk struct {
	File              *os.File
	Type              Type
	Size              int64
	LogicalBlocksize  int64
	PhysicalBlocksize int64
	Writable          bool
	logger            *logrus.Logger
}

type openOpts struct {
	mode   OpenModeOption
	logger *logrus.Logger
}

// OpenOpt configures Open
type OpenOpt func(o *openOpts) error

// WithOpenMode sets the open mode; the default is ReadWriteExclusive
func WithOpenMode(mode OpenModeOption) OpenOpt {
	return func(o *openOpts) error {
		if mode != ReadOnly && mode != ReadWriteExclusive {
			return fmt.Errorf("unknown open mode %d", mode)
		}
		o.mode = mode
		return nil
	}
}

// WithLogger sets the logger handed on to the filesystem
func WithLogger(l *logrus.Logger) OpenOpt {
	return func(o *openOpts) error {
		o.logger = l
		return nil
	}
}

// Open opens an existing image file or block device
func Open(device string, opts ...OpenOpt) (*Disk, error) {
	o := &openOpts{mode: ReadWriteExclusive, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if device == "" {
		return nil, errors.New("must pass device or file name")
	}
	info, err := os.Stat(device)
	if err != nil {
		return nil, fmt.Errorf("could not get info for device %s: %w", device, err)
	}

	flags := os.O_RDONLY
	if o.mode == ReadWriteExclusive {
		flags = os.O_RDWR
		if info.Mode()&os.ModeDevice != 0 {
			flags |= os.O_EXCL
		}
	}
	f, err := os.OpenFile(device, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", device, err)
	}

	d := &Disk{
		File:              f,
		Type:              File,
		Size:              info.Size(),
		LogicalBlocksize:  defaultSectorSize,
		PhysicalBlocksize: defaultSectorSize,
		Writable:          o.mode == ReadWriteExclusive,
		logger:            o.logger,
	}
	if info.Mode()&os.ModeDevice != 0 {
		size, logical, physical, err := deviceGeometry(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("could not get geometry of device %s: %w", device, err)
		}
		d.Type = Device
		d.Size = size
		d.LogicalBlocksize = logical
		d.PhysicalBlocksize = physical
	}
	o.logger.WithFields(logrus.Fields{
		"device":   device,
		"size":     d.Size,
		"writable": d.Writable,
	}).Debug("opened disk")
	return d, nil
}

// Create creates a new image file of size bytes. It fails if the file exists.
func Create(device string, size int64, opts ...OpenOpt) (*Disk, error) {
	if device == "" {
		return nil, errors.New("must pass device name")
	}
	if size <= 0 {
		return nil, errors.New("must pass valid device size to create")
	}
	f, err := os.OpenFile(device, os.O_RDWR|os.O_EXCL|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create device %s: %w", device, err)
	}
	if err := f.Truncate(size); err != nil {
		return nil, errors.Join(fmt.Errorf("could not expand device %s to size %d: %w", device, size, err), f.Close())
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return Open(device, opts...)
}

// CreateFilesystem formats the whole disk as ext4 and mounts the result
func (d *Disk) CreateFilesystem(p *ext4.Params) (*ext4.FileSystem, error) {
	if !d.Writable {
		return nil, errors.New("disk file or device not open for write")
	}
	return ext4.Create(d.File, d.Size, 0, d.LogicalBlocksize, p, ext4.WithLogger(d.logger))
}

// GetFilesystem mounts the ext4 filesystem on the disk, read-only unless the disk is writable
func (d *Disk) GetFilesystem() (*ext4.FileSystem, error) {
	opts := []ext4.Option{ext4.WithLogger(d.logger)}
	if !d.Writable {
		opts = append(opts, ext4.WithReadOnly())
	}
	return ext4.Read(d.File, d.Size, 0, d.LogicalBlocksize, opts...)
}

// Close closes the backing file
func (d *Disk) Close() error {
	return d.File.Close()
}
