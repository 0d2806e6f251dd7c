// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package kalloc_test

import (
	"bytes"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/kalloc"
	"github.com/featurebasedb/kcore/logger"
	"github.com/featurebasedb/kcore/vm"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newAllocator(t *testing.T, cpus, pages int) (*kalloc.Allocator, *kalloc.Stats) {
	t.Helper()
	cfg := kalloc.NewDefaultConfig()
	cfg.CPUs = cpus
	cfg.Pages = pages
	stats := kalloc.NewStats(prometheus.NewRegistry())
	a, err := kalloc.NewAllocator(cfg,
		kalloc.OptAllocatorLogger(logger.NewLogfLogger(t)),
		kalloc.OptAllocatorStats(stats),
	)
	require.NoError(t, err)
	return a, stats
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m io_prometheus_client.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// requirePanicCode runs fn and checks that it panics with an error
// carrying code.
func requirePanicCode(t *testing.T, code errors.Code, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected panic with %s", code)
		err := errors.Recovered(r)
		require.True(t, errors.Is(err, code), "expected %s, got %v", code, err)
	}()
	fn()
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*kalloc.Config)
		ok   bool
	}{
		{name: "default", mod: func(*kalloc.Config) {}, ok: true},
		{name: "no cpus", mod: func(c *kalloc.Config) { c.CPUs = 0 }},
		{name: "no pages", mod: func(c *kalloc.Config) { c.Pages = 0 }},
		{name: "misaligned base", mod: func(c *kalloc.Config) { c.Base = 0x80000010 }},
		{name: "zero base", mod: func(c *kalloc.Config) { c.Base = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := kalloc.NewDefaultConfig()
			test.mod(cfg)
			err := cfg.Validate()
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, kalloc.ErrConfig), "got %v", err)
			}
		})
	}
}

func TestAllocator_AllocFree(t *testing.T) {
	a, stats := newAllocator(t, 2, 8)
	require.Equal(t, 8, a.NumPages())
	require.Equal(t, 8, a.FreeCount())
	require.Equal(t, []int{4, 4}, a.PoolCounts())

	pa, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, a.Base(), pa, "lowest frame comes first")
	assert.Zero(t, pa%vm.PGSIZE)
	assert.Equal(t, 1, a.RefCount(pa))
	assert.Equal(t, bytes.Repeat([]byte{0x05}, int(vm.PGSIZE)), a.Page(pa))
	assert.Equal(t, 7, a.FreeCount())

	copy(a.Page(pa), "hello")
	a.Free(1, pa)
	assert.Equal(t, 0, a.RefCount(pa))
	assert.Equal(t, bytes.Repeat([]byte{0x01}, int(vm.PGSIZE)), a.Page(pa))
	assert.Equal(t, []int{3, 5}, a.PoolCounts(), "freed onto the freeing cpu's list")

	assert.Equal(t, float64(1), counterValue(t, stats.Allocs))
	assert.Equal(t, float64(1), counterValue(t, stats.Frees))
}

func TestAllocator_ExhaustThenFree(t *testing.T) {
	a, stats := newAllocator(t, 4, 16)

	got := make([]uintptr, 0, 16)
	for i := 0; i < 16; i++ {
		pa, err := a.Alloc(i % 4)
		require.NoError(t, err)
		got = append(got, pa)
	}

	pa, err := a.Alloc(2)
	assert.True(t, errors.Is(err, kalloc.ErrNoMemory), "got %v", err)
	assert.Zero(t, pa)
	assert.Equal(t, float64(1), counterValue(t, stats.Failures))

	a.Free(3, got[5])
	again, err := a.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, got[5], again)
	assert.Equal(t, float64(1), counterValue(t, stats.Steals))
}

func TestAllocator_Steal(t *testing.T) {
	a, stats := newAllocator(t, 2, 4)

	// Drain cpu 0's own list, then keep going.
	for i := 0; i < 4; i++ {
		_, err := a.Alloc(0)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 0}, a.PoolCounts())
	assert.Equal(t, float64(2), counterValue(t, stats.Steals))
}

func TestAllocator_ConcurrentAllocationsAreDisjoint(t *testing.T) {
	const cpus, pages, rounds = 4, 64, 200
	a, _ := newAllocator(t, cpus, pages)
	live := mapset.NewSet[uintptr]()

	var g errgroup.Group
	for cpu := 0; cpu < cpus; cpu++ {
		cpu := cpu
		g.Go(func() error {
			held := make([]uintptr, 0, pages)
			for r := 0; r < rounds; r++ {
				pa, err := a.Alloc(cpu)
				if err == nil {
					if !live.Add(pa) {
						return errors.Errorf("frame %#x handed out twice", pa)
					}
					held = append(held, pa)
				} else if !errors.Is(err, kalloc.ErrNoMemory) {
					return err
				}
				if len(held) > 0 && (r%3 == 0 || err != nil) {
					victim := held[0]
					held = held[1:]
					live.Remove(victim)
					a.Free(cpu, victim)
				}
			}
			for _, pa := range held {
				live.Remove(pa)
				a.Free(cpu, pa)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, pages, a.FreeCount())
	assert.Zero(t, live.Cardinality())
}

func TestAllocator_RefCountTracksMappings(t *testing.T) {
	const n = 5
	a, _ := newAllocator(t, 1, 4)

	pa, err := a.Alloc(0)
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		a.IncRef(pa)
	}
	require.Equal(t, n, a.RefCount(pa))

	for i := n; i > 1; i-- {
		a.Free(0, pa)
		require.Equal(t, i-1, a.RefCount(pa))
		require.Equal(t, 3, a.FreeCount(), "frame must stay allocated until the last reference goes")
	}
	a.Free(0, pa)
	assert.Equal(t, 0, a.RefCount(pa))
	assert.Equal(t, 4, a.FreeCount())
}

func TestAllocator_Fatal(t *testing.T) {
	a, _ := newAllocator(t, 2, 4)
	pa, err := a.Alloc(0)
	require.NoError(t, err)

	t.Run("misaligned", func(t *testing.T) {
		requirePanicCode(t, kalloc.ErrBadAddress, func() { a.Free(0, pa+8) })
	})
	t.Run("below range", func(t *testing.T) {
		requirePanicCode(t, kalloc.ErrBadAddress, func() { a.Free(0, a.Base()-vm.PGSIZE) })
	})
	t.Run("above range", func(t *testing.T) {
		requirePanicCode(t, kalloc.ErrBadAddress, func() { a.Free(0, a.Base()+4*vm.PGSIZE) })
	})
	t.Run("double free", func(t *testing.T) {
		other, err := a.Alloc(1)
		require.NoError(t, err)
		a.Free(1, other)
		requirePanicCode(t, kalloc.ErrRefcount, func() { a.Free(1, other) })
	})
	t.Run("incref free frame", func(t *testing.T) {
		requirePanicCode(t, kalloc.ErrRefcount, func() { a.IncRef(a.Base() + 3*vm.PGSIZE) })
	})
	t.Run("bad cpu", func(t *testing.T) {
		requirePanicCode(t, kalloc.ErrBadCPU, func() { _, _ = a.Alloc(2) })
	})
}

func TestAllocator_Dump(t *testing.T) {
	a, _ := newAllocator(t, 2, 4)
	pa, err := a.Alloc(0)
	require.NoError(t, err)
	a.IncRef(pa)

	var buf bytes.Buffer
	a.Dump(&buf)
	assert.Contains(t, buf.String(), "1 (1 shared)")
}
