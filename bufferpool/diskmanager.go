// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Device transfers whole blocks between a buffer and backing storage. The
// cache calls it with the buffer locked.
type Device interface {
	// ReadBlock fills b.Data() with block b.BlockNo() of device b.Dev().
	ReadBlock(b *Buffer) error

	// WriteBlock stores b.Data() as block b.BlockNo() of device b.Dev().
	WriteBlock(b *Buffer) error

	// Close releases the backing storage.
	Close() error
}

// blockImage is the backing store of one device number.
type blockImage interface {
	io.ReaderAt
	io.WriterAt
}

// imageDevice maps device numbers to block images. Blocks past the end of
// an image read as zeros, as on a freshly made file system.
type imageDevice struct {
	mu        sync.Mutex
	blockSize int
	images    map[uint32]blockImage

	reads  atomic.Uint64
	writes atomic.Uint64
}

func newImageDevice(blockSize int) imageDevice {
	return imageDevice{
		blockSize: blockSize,
		images:    make(map[uint32]blockImage),
	}
}

func (d *imageDevice) image(dev uint32) (blockImage, error) {
	img, ok := d.images[dev]
	if !ok {
		return nil, errors.Errorf("no image attached for dev %d", dev)
	}
	return img, nil
}

func (d *imageDevice) checkSize(b *Buffer) error {
	if len(b.data) != d.blockSize {
		return errors.Errorf("buffer holds %d bytes, device block size is %d", len(b.data), d.blockSize)
	}
	return nil
}

func (d *imageDevice) offset(blockno uint32) int64 {
	return int64(blockno) * int64(d.blockSize)
}

// readAt fills p from img at off, zeroing whatever lies past the end.
func readAt(img blockImage, p []byte, off int64) error {
	n, err := img.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return err
	}
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return nil
}

// Reads returns the number of blocks read.
func (d *imageDevice) Reads() uint64 { return d.reads.Load() }

// Writes returns the number of blocks written.
func (d *imageDevice) Writes() uint64 { return d.writes.Load() }
