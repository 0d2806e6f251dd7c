// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"time"

	"github.com/dsnet/golib/memfile"
	"github.com/pkg/errors"
)

// MemDevice keeps every device image in memory. Images are created on
// first use.
type MemDevice struct {
	imageDevice

	// Latency is added to every transfer to stand in for a slow disk.
	Latency time.Duration

	// reads of these (dev, blockno) pairs fail
	failReads map[[2]uint32]error
}

// NewMemDevice returns an in-memory device with the given block size.
func NewMemDevice(blockSize int) *MemDevice {
	return &MemDevice{
		imageDevice: newImageDevice(blockSize),
		failReads:   make(map[[2]uint32]error),
	}
}

// FailRead makes reads of the block return err until cleared with a nil
// err.
func (d *MemDevice) FailRead(dev, blockno uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failReads, [2]uint32{dev, blockno})
		return
	}
	d.failReads[[2]uint32{dev, blockno}] = err
}

func (d *MemDevice) memImage(dev uint32) blockImage {
	img, ok := d.images[dev]
	if !ok {
		img = memfile.New(make([]byte, 0))
		d.images[dev] = img
	}
	return img
}

func (d *MemDevice) ReadBlock(b *Buffer) error {
	if err := d.checkSize(b); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failReads[[2]uint32{b.dev, b.blockno}]; ok {
		return err
	}
	d.sleep()
	if err := readAt(d.memImage(b.dev), b.data, d.offset(b.blockno)); err != nil {
		return errors.Wrapf(err, "reading dev %d block %d", b.dev, b.blockno)
	}
	d.reads.Inc()
	return nil
}

func (d *MemDevice) WriteBlock(b *Buffer) error {
	if err := d.checkSize(b); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleep()
	if _, err := d.memImage(b.dev).WriteAt(b.data, d.offset(b.blockno)); err != nil {
		return errors.Wrapf(err, "writing dev %d block %d", b.dev, b.blockno)
	}
	d.writes.Inc()
	return nil
}

// Block returns a copy of a block as currently stored.
func (d *MemDevice) Block(dev, blockno uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := make([]byte, d.blockSize)
	if err := readAt(d.memImage(dev), p, d.offset(blockno)); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *MemDevice) Close() error { return nil }

func (d *MemDevice) sleep() {
	if d.Latency > 0 {
		time.Sleep(d.Latency)
	}
}
