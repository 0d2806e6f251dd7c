// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"os"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// FileDevice backs each device number with a file image on disk.
type FileDevice struct {
	imageDevice

	direct bool
	files  map[uint32]*os.File
}

// FileDeviceOption is a functional option type for FileDevice.
type FileDeviceOption func(d *FileDevice)

// OptFileDeviceDirect opens images with O_DIRECT, bypassing the host page
// cache. The block size must then be a multiple of directio.BlockSize.
func OptFileDeviceDirect(direct bool) FileDeviceOption {
	return func(d *FileDevice) {
		d.direct = direct
	}
}

// NewFileDevice returns a device with no images attached.
func NewFileDevice(blockSize int, opts ...FileDeviceOption) (*FileDevice, error) {
	d := &FileDevice{
		imageDevice: newImageDevice(blockSize),
		files:       make(map[uint32]*os.File),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.direct && blockSize%directio.BlockSize != 0 {
		return nil, errors.Errorf("direct I/O needs a block size that is a multiple of %d, got %d", directio.BlockSize, blockSize)
	}
	return d, nil
}

// Attach opens (creating if needed) the image file for dev. Attaching a
// device twice is a no-op.
func (d *FileDevice) Attach(dev uint32, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.files[dev]; ok {
		return nil
	}

	var (
		fd  *os.File
		err error
	)
	if d.direct {
		fd, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	} else {
		fd, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	}
	if err != nil {
		return errors.Wrapf(err, "opening image for dev %d", dev)
	}
	d.files[dev] = fd
	d.images[dev] = fd
	return nil
}

func (d *FileDevice) ReadBlock(b *Buffer) error {
	if err := d.checkSize(b); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := d.image(b.dev)
	if err != nil {
		return err
	}
	p := d.transferBuf(b.data)
	if err := readAt(img, p, d.offset(b.blockno)); err != nil {
		return errors.Wrapf(err, "reading dev %d block %d", b.dev, b.blockno)
	}
	if d.direct {
		copy(b.data, p)
	}
	d.reads.Inc()
	return nil
}

func (d *FileDevice) WriteBlock(b *Buffer) error {
	if err := d.checkSize(b); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := d.image(b.dev)
	if err != nil {
		return err
	}
	p := d.transferBuf(b.data)
	if d.direct {
		copy(p, b.data)
	}
	if _, err := img.WriteAt(p, d.offset(b.blockno)); err != nil {
		return errors.Wrapf(err, "writing dev %d block %d", b.dev, b.blockno)
	}
	d.writes.Inc()
	return nil
}

// Close closes every attached image.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	for dev, fd := range d.files {
		if err := fd.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing image for dev %d", dev)
		}
		delete(d.files, dev)
		delete(d.images, dev)
	}
	return first
}

// transferBuf returns the slice to hand the kernel. O_DIRECT needs memory
// aligned to directio.AlignSize, which buffer payloads are not.
func (d *FileDevice) transferBuf(data []byte) []byte {
	if !d.direct {
		return data
	}
	return directio.AlignedBlock(len(data))
}
