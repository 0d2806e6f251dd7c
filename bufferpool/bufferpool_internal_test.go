// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"testing"

	"github.com/featurebasedb/kcore/logger"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_VictimReferencedBeforeRecheck(t *testing.T) {
	const dev = uint32(1)
	cfg := NewDefaultConfig()
	cfg.Buffers = 3
	cfg.BlockSize = 64
	stats := NewStats(prometheus.NewRegistry())
	c, err := NewCache(cfg, NewMemDevice(cfg.BlockSize),
		OptCacheStats(stats),
		OptCacheLogger(logger.NewLogfLogger(t)),
	)
	require.NoError(t, err)
	defer c.Close()

	first := map[uint32]int{}
	for blockno := uint32(0); blockno < 3; blockno++ {
		b, err := c.Read(dev, blockno)
		require.NoError(t, err)
		first[blockno] = b.Index()
		c.Release(b)
	}

	// Block 0 is the least recently released. Take a hit on it after it is
	// chosen but before the recheck.
	var chosen []int
	var held *Buffer
	c.beforeRevalidate = func(victim int) {
		chosen = append(chosen, victim)
		if held == nil {
			held = c.Get(dev, c.bufs[victim].blockno)
		}
	}

	b, err := c.Read(dev, 3)
	require.NoError(t, err)
	c.beforeRevalidate = nil

	require.Len(t, chosen, 2)
	assert.Equal(t, first[0], chosen[0])
	assert.Equal(t, first[1], chosen[1])
	assert.Equal(t, first[1], b.Index())
	require.NotNil(t, held)
	assert.Equal(t, first[0], held.Index())

	assert.True(t, c.Cached(dev, 0), "referenced block stays cached")
	assert.False(t, c.Cached(dev, 1))
	assert.True(t, c.Cached(dev, 3))

	m := &io_prometheus_client.Metric{}
	require.NoError(t, stats.Retries.Write(m))
	assert.Equal(t, float64(1), m.GetCounter().GetValue())

	c.Release(held)
	c.Release(b)
}
