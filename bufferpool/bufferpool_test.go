// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/featurebasedb/kcore/bufferpool"
	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/logger"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const dev = uint32(1)

func newCache(t *testing.T, buffers int, opts ...bufferpool.CacheOption) (*bufferpool.Cache, *bufferpool.MemDevice, *bufferpool.Stats) {
	t.Helper()
	cfg := bufferpool.NewDefaultConfig()
	cfg.Buffers = buffers
	cfg.BlockSize = 64
	stats := bufferpool.NewStats(prometheus.NewRegistry())
	mem := bufferpool.NewMemDevice(cfg.BlockSize)
	opts = append([]bufferpool.CacheOption{
		bufferpool.OptCacheStats(stats),
		bufferpool.OptCacheLogger(logger.NewLogfLogger(t)),
	}, opts...)
	c, err := bufferpool.NewCache(cfg, mem, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mem, stats
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &io_prometheus_client.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func requirePanicCode(t *testing.T, code errors.Code, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic with %s", code)
		err := errors.Recovered(r)
		require.True(t, errors.Is(err, code), "got %v", err)
	}()
	fn()
}

func read(t *testing.T, c *bufferpool.Cache, blockno uint32) *bufferpool.Buffer {
	t.Helper()
	b, err := c.Read(dev, blockno)
	require.NoError(t, err)
	return b
}

// constTicker stamps every release with the same time.
type constTicker uint64

func (c constTicker) Tick() uint64 { return uint64(c) }

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(cfg *bufferpool.Config)
		ok   bool
	}{
		{name: "default", mod: func(*bufferpool.Config) {}, ok: true},
		{name: "no buffers", mod: func(cfg *bufferpool.Config) { cfg.Buffers = 0 }},
		{name: "no buckets", mod: func(cfg *bufferpool.Config) { cfg.Buckets = 0 }},
		{name: "zero block size", mod: func(cfg *bufferpool.Config) { cfg.BlockSize = 0 }},
		{name: "unknown tick source", mod: func(cfg *bufferpool.Config) { cfg.TickSource = "sundial" }},
		{name: "timer without interval", mod: func(cfg *bufferpool.Config) {
			cfg.TickSource = bufferpool.TickSourceTimer
			cfg.TickInterval = 0
		}},
		{name: "timer", mod: func(cfg *bufferpool.Config) { cfg.TickSource = bufferpool.TickSourceTimer }, ok: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := bufferpool.NewDefaultConfig()
			test.mod(cfg)
			err := cfg.Validate()
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, bufferpool.ErrConfig), "got %v", err)
			}
		})
	}
}

func TestCache_ReadHitsCachedBlock(t *testing.T) {
	c, mem, stats := newCache(t, 4)

	b := read(t, c, 7)
	assert.True(t, b.Valid())
	assert.Equal(t, dev, b.Dev())
	assert.Equal(t, uint32(7), b.BlockNo())
	copy(b.Data(), "hello")
	c.Release(b)

	b2 := read(t, c, 7)
	assert.Same(t, b, b2)
	assert.Equal(t, "hello", string(b2.Data()[:5]), "cached contents survive release")
	c.Release(b2)

	assert.Equal(t, uint64(1), mem.Reads())
	assert.Equal(t, float64(1), counterValue(t, stats.Hits))
	assert.Equal(t, float64(1), counterValue(t, stats.Misses))
}

func TestCache_EvictsLeastRecentlyReleased(t *testing.T) {
	c, mem, stats := newCache(t, bufferpool.DefaultBuffers)

	for blockno := uint32(1); blockno <= bufferpool.DefaultBuffers; blockno++ {
		c.Release(read(t, c, blockno))
	}
	// Touch block 1 again so block 2 becomes the oldest.
	c.Release(read(t, c, 1))

	c.Release(read(t, c, bufferpool.DefaultBuffers+1))

	assert.False(t, c.Cached(dev, 2))
	assert.True(t, c.Cached(dev, 1))
	for blockno := uint32(3); blockno <= bufferpool.DefaultBuffers+1; blockno++ {
		assert.True(t, c.Cached(dev, blockno), "block %d", blockno)
	}
	assert.Equal(t, uint64(bufferpool.DefaultBuffers+1), mem.Reads())
	assert.Equal(t, float64(1), counterValue(t, stats.Evictions))
}

func TestCache_TiesGoToLowestIndex(t *testing.T) {
	c, _, _ := newCache(t, 3, bufferpool.OptCacheTicker(constTicker(0)))

	bufs := make([]*bufferpool.Buffer, 0, 3)
	for blockno := uint32(5); blockno <= 7; blockno++ {
		bufs = append(bufs, read(t, c, blockno))
	}
	// Release in reverse so recency cannot explain the choice.
	for i := len(bufs) - 1; i >= 0; i-- {
		c.Release(bufs[i])
	}

	b := read(t, c, 8)
	defer c.Release(b)
	assert.Equal(t, 0, b.Index())
	assert.False(t, c.Cached(dev, 5))
}

func TestCache_PinnedBufferIsNotEvicted(t *testing.T) {
	c, _, _ := newCache(t, 2)

	a := read(t, c, 1)
	c.Pin(a)
	c.Release(a)
	assert.Equal(t, 1, c.RefCount(a))

	c.Release(read(t, c, 2))
	c.Release(read(t, c, 3))
	assert.True(t, c.Cached(dev, 1), "pinned block stays cached")
	assert.False(t, c.Cached(dev, 2))

	c.Unpin(a)
	assert.Equal(t, 0, c.RefCount(a))

	// Block 3 was released before the unpin, so it goes first.
	c.Release(read(t, c, 4))
	assert.True(t, c.Cached(dev, 1))
	assert.False(t, c.Cached(dev, 3))
}

func TestCache_NoBuffersIsFatal(t *testing.T) {
	c, _, _ := newCache(t, 2)
	b := c.Get(dev, 1)
	c.Get(dev, 2)
	requirePanicCode(t, bufferpool.ErrNoBuffers, func() { c.Get(dev, 3) })

	// Recovering leaves the cache usable once a buffer is free again.
	c.Release(b)
	done := make(chan *bufferpool.Buffer)
	go func() { done <- c.Get(dev, 3) }()
	select {
	case got := <-done:
		assert.Equal(t, b.Index(), got.Index())
		c.Release(got)
	case <-time.After(5 * time.Second):
		t.Fatal("miss blocked after recovered panic")
	}
}

func TestCache_Misuse(t *testing.T) {
	t.Run("write unlocked", func(t *testing.T) {
		c, _, _ := newCache(t, 2)
		b := read(t, c, 1)
		c.Release(b)
		requirePanicCode(t, bufferpool.ErrNotHolding, func() { c.Write(b) })
	})
	t.Run("double release", func(t *testing.T) {
		c, _, _ := newCache(t, 2)
		b := read(t, c, 1)
		c.Release(b)
		requirePanicCode(t, bufferpool.ErrNotHolding, func() { c.Release(b) })
	})
	t.Run("unpin unreferenced", func(t *testing.T) {
		c, _, _ := newCache(t, 2)
		b := read(t, c, 1)
		c.Release(b)
		requirePanicCode(t, bufferpool.ErrRefcount, func() { c.Unpin(b) })
	})
	t.Run("pin unreferenced", func(t *testing.T) {
		c, _, _ := newCache(t, 2)
		b := read(t, c, 1)
		c.Release(b)
		requirePanicCode(t, bufferpool.ErrRefcount, func() { c.Pin(b) })
	})
}

func TestCache_ReadDeviceError(t *testing.T) {
	c, mem, _ := newCache(t, 2)
	boom := fmt.Errorf("media error")
	mem.FailRead(dev, 3, boom)

	_, err := c.Read(dev, 3)
	require.Error(t, err)
	assert.Equal(t, boom, errors.Cause(err))

	// The buffer was released and left invalid, so the next read retries.
	mem.FailRead(dev, 3, nil)
	b := c.Get(dev, 3)
	assert.False(t, b.Valid())
	c.Release(b)

	b = read(t, c, 3)
	assert.True(t, b.Valid())
	c.Release(b)
	assert.Equal(t, uint64(1), mem.Reads())
}

func TestCache_WriteReachesDevice(t *testing.T) {
	c, mem, stats := newCache(t, 1)

	b := read(t, c, 9)
	copy(b.Data(), "persist me")
	require.NoError(t, c.Write(b))
	c.Release(b)

	stored, err := mem.Block(dev, 9)
	require.NoError(t, err)
	assert.Equal(t, "persist me", string(stored[:10]))

	// Evict it and read it back.
	c.Release(read(t, c, 10))
	b = read(t, c, 9)
	assert.Equal(t, "persist me", string(b.Data()[:10]))
	c.Release(b)
	assert.Equal(t, float64(1), counterValue(t, stats.Writes))
}

func TestCache_GetBlocksWhileLocked(t *testing.T) {
	c, _, _ := newCache(t, 4)
	b := read(t, c, 1)

	got := make(chan *bufferpool.Buffer)
	go func() { got <- c.Get(dev, 1) }()

	select {
	case <-got:
		t.Fatal("Get returned while another holder had the buffer locked")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Eventually(t, func() bool { return c.RefCount(b) == 2 }, time.Second, time.Millisecond)

	c.Release(b)
	b2 := <-got
	assert.Same(t, b, b2)
	c.Release(b2)
}

func TestCache_ConcurrentGetsShareOneBuffer(t *testing.T) {
	const workers = 16
	c, _, _ := newCache(t, 4)
	seen := mapset.NewSet[int]()

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			b, err := c.Read(dev, 42)
			if err != nil {
				return err
			}
			seen.Add(b.Index())
			b.Data()[0]++
			c.Release(b)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, seen.Cardinality())
	b := read(t, c, 42)
	assert.Equal(t, byte(workers), b.Data()[0])
	c.Release(b)
}

func TestCache_RefCountCountsWaitingHolders(t *testing.T) {
	const waiters = 5
	c, _, _ := newCache(t, 4)
	b := read(t, c, 11)

	got := make(chan *bufferpool.Buffer, waiters)
	for i := 0; i < waiters; i++ {
		go func() { got <- c.Get(dev, 11) }()
	}
	assert.Eventually(t, func() bool { return c.RefCount(b) == waiters+1 }, time.Second, time.Millisecond)

	c.Release(b)
	for i := 0; i < waiters; i++ {
		next := <-got
		assert.Same(t, b, next)
		c.Release(next)
	}
	assert.Equal(t, 0, c.RefCount(b))
}

// TestCache_ConcurrentCounters has workers increment counters kept in more
// blocks than there are buffers. Every increment is written through, so a
// block cached twice would lose updates.
func TestCache_ConcurrentCounters(t *testing.T) {
	const (
		workers = 8
		ops     = 500
		blocks  = 40
	)
	c, _, stats := newCache(t, 10)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		rnd := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			for i := 0; i < ops; i++ {
				b, err := c.Read(dev, uint32(rnd.Intn(blocks)))
				if err != nil {
					return err
				}
				n := binary.LittleEndian.Uint32(b.Data())
				binary.LittleEndian.PutUint32(b.Data(), n+1)
				err = c.Write(b)
				c.Release(b)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var total uint32
	for blockno := uint32(0); blockno < blocks; blockno++ {
		b := read(t, c, blockno)
		total += binary.LittleEndian.Uint32(b.Data())
		c.Release(b)
	}
	assert.Equal(t, uint32(workers*ops), total)
	assert.Greater(t, counterValue(t, stats.Evictions), float64(0))
}

func TestCache_Dump(t *testing.T) {
	c, _, _ := newCache(t, 3)
	held := read(t, c, 1)
	c.Release(read(t, c, 2))

	var sb strings.Builder
	c.Dump(&sb)
	out := sb.String()
	assert.Contains(t, out, "refcnt")
	assert.Contains(t, out, "cached")
	c.Release(held)
}

func TestTimerClock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := bufferpool.NewTimerClock(ctx, time.Millisecond)
	assert.Eventually(t, func() bool { return clk.Tick() > 0 }, time.Second, time.Millisecond)

	logical := bufferpool.NewLogicalClock()
	assert.Equal(t, uint64(1), logical.Tick())
	assert.Equal(t, uint64(2), logical.Tick())
	assert.Equal(t, uint64(2), logical.Uptime())
}
