// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package bufferpool is the block buffer cache. It holds a fixed number of
// block-sized buffers, at most one per (dev, blockno), and recycles the
// least recently released unreferenced buffer on a miss.
package bufferpool

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/logger"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

const (
	ErrConfig     errors.Code = "CacheConfig"
	ErrNoBuffers  errors.Code = "NoBuffers"
	ErrNotHolding errors.Code = "BufferNotHeld"
	ErrRefcount   errors.Code = "BufferRefcount"
)

const nilBuf = -1

// bucket chains the buffers whose block hashes to it. Its lock guards the
// bookkeeping of every buffer on the chain.
type bucket struct {
	mu   sync.Mutex
	head int
}

// Cache is the buffer cache.
//
// Lock order: evictMu, then bucket locks in ascending index, then a
// buffer's content lock. No goroutine waits for a content lock while
// holding any other cache lock.
type Cache struct {
	dev     Device
	bufs    []Buffer
	buckets []bucket

	// evictMu serializes victim selection so two misses never pick the
	// same buffer. Hits never take it.
	evictMu sync.Mutex

	ticker     Ticker
	stopTicker context.CancelFunc

	stats  *Stats
	logger logger.Logger

	// beforeRevalidate, when set, runs between victim selection and the
	// recheck under the bucket locks.
	beforeRevalidate func(victim int)
}

// CacheOption is a functional option type for Cache.
type CacheOption func(c *Cache)

// OptCacheLogger sets the logger used for fatal conditions.
func OptCacheLogger(l logger.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = l
	}
}

// OptCacheStats sets the counters the cache reports to.
func OptCacheStats(s *Stats) CacheOption {
	return func(c *Cache) {
		c.stats = s
	}
}

// OptCacheTicker overrides the configured timestamp source.
func OptCacheTicker(t Ticker) CacheOption {
	return func(c *Cache) {
		c.ticker = t
	}
}

// NewCache returns a cache of cfg.Buffers empty buffers over dev.
func NewCache(cfg *Config, dev Device, opts ...CacheOption) (*Cache, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, errors.New(ErrConfig, "no device")
	}

	c := &Cache{
		dev:     dev,
		bufs:    make([]Buffer, cfg.Buffers),
		buckets: make([]bucket, cfg.Buckets),
		logger:  logger.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.stats == nil {
		c.stats = NewStats(nil)
	}
	if c.ticker == nil {
		switch cfg.TickSource {
		case TickSourceTimer:
			ctx, cancel := context.WithCancel(context.Background())
			c.ticker = NewTimerClock(ctx, cfg.TickInterval)
			c.stopTicker = cancel
		default:
			c.ticker = NewLogicalClock()
		}
	}

	for i := range c.buckets {
		c.buckets[i].head = nilBuf
	}
	data := make([]byte, cfg.Buffers*cfg.BlockSize)
	for i := range c.bufs {
		b := &c.bufs[i]
		b.index = i
		b.bucket = noBucket
		b.next = nilBuf
		b.lock = newSleepLock()
		b.data = data[i*cfg.BlockSize : (i+1)*cfg.BlockSize : (i+1)*cfg.BlockSize]
	}
	return c, nil
}

// Close stops the timestamp source and closes the device.
func (c *Cache) Close() error {
	if c.stopTicker != nil {
		c.stopTicker()
	}
	return c.dev.Close()
}

// Get returns the buffer for (dev, blockno), locked, with one more
// reference. The contents are only meaningful if the buffer is Valid. Get
// blocks while another holder has the buffer locked, and halts if every
// buffer is referenced.
func (c *Cache) Get(dev, blockno uint32) *Buffer {
	target := c.bucketOf(dev, blockno)
	bk := &c.buckets[target]

	bk.mu.Lock()
	if b := c.lookup(bk, dev, blockno); b != nil {
		b.refcnt++
		bk.mu.Unlock()
		c.stats.Hits.Inc()
		b.lock.acquire()
		return b
	}
	bk.mu.Unlock()

	b := c.miss(target, dev, blockno)
	b.lock.acquire()
	return b
}

// miss takes a reference to (dev, blockno) under evictMu, recycling a
// buffer if no other miss cached the block first.
func (c *Cache) miss(target int, dev, blockno uint32) *Buffer {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	// Another miss for the same block may have cached it while we waited.
	bk := &c.buckets[target]
	bk.mu.Lock()
	if b := c.lookup(bk, dev, blockno); b != nil {
		b.refcnt++
		bk.mu.Unlock()
		c.stats.Hits.Inc()
		return b
	}
	bk.mu.Unlock()

	c.stats.Misses.Inc()
	return c.recycle(target, dev, blockno)
}

// Read returns the locked buffer for (dev, blockno) holding the block's
// contents, reading it from the device if the cached copy is not valid. On
// a device error the buffer is released and the error returned.
func (c *Cache) Read(dev, blockno uint32) (*Buffer, error) {
	b := c.Get(dev, blockno)
	if !b.valid {
		if err := c.dev.ReadBlock(b); err != nil {
			c.Release(b)
			return nil, errors.Wrapf(err, "bread: dev %d block %d", dev, blockno)
		}
		b.valid = true
		c.stats.Reads.Inc()
	}
	return b, nil
}

// Write stores the buffer's contents to the device. The caller must hold
// the buffer locked.
func (c *Cache) Write(b *Buffer) error {
	if !b.lock.holding() {
		c.fatalf(ErrNotHolding, "bwrite: buffer %d (dev %d block %d) is not locked", b.index, b.dev, b.blockno)
	}
	if err := c.dev.WriteBlock(b); err != nil {
		return errors.Wrapf(err, "bwrite: dev %d block %d", b.dev, b.blockno)
	}
	c.stats.Writes.Inc()
	return nil
}

// Release unlocks the buffer and drops the caller's reference. When the
// last reference goes the buffer is stamped with the current tick and
// becomes eligible for recycling.
func (c *Cache) Release(b *Buffer) {
	if !b.lock.release() {
		c.fatalf(ErrNotHolding, "brelse: buffer %d (dev %d block %d) is not locked", b.index, b.dev, b.blockno)
	}
	c.unref(b, "brelse")
}

// Pin adds a reference without locking the buffer, keeping its block
// cached after Release. The caller must already hold a reference.
func (c *Cache) Pin(b *Buffer) {
	if b.bucket == noBucket {
		c.fatalf(ErrRefcount, "bpin: buffer %d holds no block", b.index)
	}
	bk := &c.buckets[b.bucket]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if b.refcnt < 1 {
		c.fatalf(ErrRefcount, "bpin: buffer %d is not referenced", b.index)
	}
	b.refcnt++
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(b *Buffer) {
	c.unref(b, "bunpin")
}

// RefCount returns the number of references to the buffer.
func (c *Cache) RefCount(b *Buffer) int {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	if b.bucket == noBucket {
		return b.refcnt
	}
	bk := &c.buckets[b.bucket]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return b.refcnt
}

// Cached reports whether a buffer currently holds (dev, blockno). It takes
// no reference, so the answer may be stale by the time it is used.
func (c *Cache) Cached(dev, blockno uint32) bool {
	bk := &c.buckets[c.bucketOf(dev, blockno)]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return c.lookup(bk, dev, blockno) != nil
}

// Len returns the number of buffers in the pool.
func (c *Cache) Len() int { return len(c.bufs) }

// Dump writes a table of every buffer holding a block.
func (c *Cache) Dump(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"buf", "bucket", "dev", "block", "refcnt", "stamp"})

	c.evictMu.Lock()
	var held, total int
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.mu.Lock()
		for j := bk.head; j != nilBuf; j = c.bufs[j].next {
			b := &c.bufs[j]
			t.AppendRow(table.Row{b.index, i, b.dev, b.blockno, b.refcnt, b.timestamp})
			total++
			if b.refcnt > 0 {
				held++
			}
		}
		bk.mu.Unlock()
	}
	c.evictMu.Unlock()

	t.AppendFooter(table.Row{"cached", total, "", "", held, ""})
	t.Render()
}

// bucketOf hashes the block identity onto a bucket.
func (c *Cache) bucketOf(dev, blockno uint32) int {
	var key [8]byte
	binary.LittleEndian.PutUint32(key[:4], dev)
	binary.LittleEndian.PutUint32(key[4:], blockno)
	return int(xxhash.Sum64(key[:]) % uint64(len(c.buckets)))
}

// lookup finds the block on bk's chain. bk must be locked.
func (c *Cache) lookup(bk *bucket, dev, blockno uint32) *Buffer {
	for i := bk.head; i != nilBuf; i = c.bufs[i].next {
		if b := &c.bufs[i]; b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

// recycle gives the least recently released unreferenced buffer the new
// identity and moves it onto the target chain with one reference. The
// caller holds evictMu.
func (c *Cache) recycle(target int, dev, blockno uint32) *Buffer {
	for {
		victim := c.selectVictim()
		if victim == nilBuf {
			c.fatalf(ErrNoBuffers, "bget: no buffers for dev %d block %d", dev, blockno)
		}
		if c.beforeRevalidate != nil {
			c.beforeRevalidate(victim)
		}
		b := &c.bufs[victim]
		old := b.bucket

		unlock := c.lockPair(old, target)
		// A hit may have referenced the victim since it was selected.
		if b.refcnt != 0 {
			unlock()
			c.stats.Retries.Inc()
			continue
		}
		if old != noBucket {
			c.logger.Debugf("bget: evict buf %d (dev %d block %d) for dev %d block %d", victim, b.dev, b.blockno, dev, blockno)
			c.unlink(old, victim)
			c.stats.Evictions.Inc()
		}
		b.dev = dev
		b.blockno = blockno
		b.valid = false
		b.refcnt = 1
		b.bucket = target
		b.next = c.buckets[target].head
		c.buckets[target].head = victim
		unlock()
		return b
	}
}

// selectVictim returns the unreferenced buffer with the smallest release
// timestamp, the lowest index winning ties, or nilBuf if all are
// referenced. The caller holds evictMu, so no buffer changes bucket during
// the scan, but the answer is only a candidate until rechecked under its
// bucket lock.
func (c *Cache) selectVictim() int {
	victim := nilBuf
	var oldest uint64
	for i := range c.bufs {
		b := &c.bufs[i]
		var free bool
		var stamp uint64
		if b.bucket == noBucket {
			free, stamp = b.refcnt == 0, b.timestamp
		} else {
			bk := &c.buckets[b.bucket]
			bk.mu.Lock()
			free, stamp = b.refcnt == 0, b.timestamp
			bk.mu.Unlock()
		}
		if free && (victim == nilBuf || stamp < oldest) {
			victim, oldest = i, stamp
		}
	}
	return victim
}

// lockPair locks buckets a and b in ascending order, skipping noBucket and
// locking a shared bucket once, and returns the matching unlock.
func (c *Cache) lockPair(a, b int) func() {
	if a > b {
		a, b = b, a
	}
	var locked []*sync.Mutex
	if a != noBucket {
		locked = append(locked, &c.buckets[a].mu)
	}
	if b != a {
		locked = append(locked, &c.buckets[b].mu)
	}
	for _, mu := range locked {
		mu.Lock()
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// unlink removes buffer idx from bucket bi's chain. The bucket must be
// locked.
func (c *Cache) unlink(bi, idx int) {
	bk := &c.buckets[bi]
	if bk.head == idx {
		bk.head = c.bufs[idx].next
	} else {
		for i := bk.head; i != nilBuf; i = c.bufs[i].next {
			if c.bufs[i].next == idx {
				c.bufs[i].next = c.bufs[idx].next
				break
			}
		}
	}
	c.bufs[idx].next = nilBuf
	c.bufs[idx].bucket = noBucket
}

func (c *Cache) unref(b *Buffer, op string) {
	if b.bucket == noBucket {
		c.fatalf(ErrRefcount, "%s: buffer %d holds no block", op, b.index)
	}
	bk := &c.buckets[b.bucket]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if b.refcnt < 1 {
		c.fatalf(ErrRefcount, "%s: buffer %d has no references", op, b.index)
	}
	b.refcnt--
	if b.refcnt == 0 {
		b.timestamp = c.ticker.Tick()
	}
}

// fatalf logs and panics with a coded error. It never returns.
func (c *Cache) fatalf(code errors.Code, format string, args ...interface{}) {
	err := errors.Newf(code, format, args...)
	c.logger.Panicf("%v", err)
	panic(err)
}
