// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

const noBucket = -1

// Buffer caches the contents of one disk block. A Buffer returned by Get or
// Read is locked by the caller until Release; nobody else can read or
// modify Data until then.
type Buffer struct {
	index int

	// Identity and bookkeeping. Guarded by the lock of the bucket the
	// buffer is chained on; bucket and next additionally change only
	// under the cache's eviction lock.
	dev       uint32
	blockno   uint32
	refcnt    int
	timestamp uint64
	bucket    int
	next      int

	// valid and data are guarded by lock.
	valid bool
	lock  sleepLock
	data  []byte
}

// Dev returns the device of the block held in the buffer. Stable while the
// caller holds a reference.
func (b *Buffer) Dev() uint32 { return b.dev }

// BlockNo returns the block number held in the buffer. Stable while the
// caller holds a reference.
func (b *Buffer) BlockNo() uint32 { return b.blockno }

// Data returns the block contents. The slice aliases the buffer and must
// only be touched while the buffer is locked.
func (b *Buffer) Data() []byte { return b.data }

// Valid reports whether Data holds the block as read from the device.
func (b *Buffer) Valid() bool { return b.valid }

// Index returns the buffer's slot in the pool.
func (b *Buffer) Index() int { return b.index }

// sleepLock is a lock a holder may keep across device I/O. Waiters block
// without spinning. It records only that it is held, not by whom.
type sleepLock struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

func newSleepLock() sleepLock {
	return sleepLock{sem: semaphore.NewWeighted(1)}
}

func (l *sleepLock) acquire() {
	// Acquire only fails when its context is done.
	_ = l.sem.Acquire(context.Background(), 1)
	l.held.Store(true)
}

// release unlocks and reports whether the lock was held.
func (l *sleepLock) release() bool {
	if !l.held.CAS(true, false) {
		return false
	}
	l.sem.Release(1)
	return true
}

func (l *sleepLock) holding() bool {
	return l.held.Load()
}
