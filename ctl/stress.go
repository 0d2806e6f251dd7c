// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/featurebasedb/kcore"
	"github.com/featurebasedb/kcore/bufferpool"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const stressDev = uint32(1)

// StressCommand drives the buffer cache from concurrent workers. Each
// operation increments a counter stored in a random block and writes it
// through, so a final scan detects any lost update.
type StressCommand struct {
	*kcore.CmdIO

	Config *bufferpool.Config

	// Number of concurrent workers and operations per worker.
	Workers int
	Ops     int

	// Number of distinct blocks touched. More blocks than buffers forces
	// eviction.
	Blocks int

	// ImageDir, when set, backs the cache with a scratch image file in
	// that directory instead of memory.
	ImageDir string
	Direct   bool
	Keep     bool

	// Latency is added to every in-memory device transfer.
	Latency time.Duration

	// Rate caps operations per second across all workers. Zero means
	// unlimited.
	Rate float64

	Seed int64
	Dump bool

	// Stats is filled in by Run.
	Stats *bufferpool.Stats
}

// NewStressCommand returns a new instance of StressCommand.
func NewStressCommand(stdin io.Reader, stdout, stderr io.Writer) *StressCommand {
	return &StressCommand{
		CmdIO:   kcore.NewCmdIO(stdin, stdout, stderr),
		Config:  bufferpool.NewDefaultConfig(),
		Workers: 8,
		Ops:     1000,
		Blocks:  100,
	}
}

// Run executes the stress test.
func (cmd *StressCommand) Run(ctx context.Context) error {
	logger := cmd.Logger()
	switch {
	case cmd.Workers < 1:
		return errors.New("at least one worker required")
	case cmd.Workers > cmd.Config.Buffers:
		// Each worker holds one buffer at a time.
		return errors.Errorf("%d workers would exhaust %d buffers", cmd.Workers, cmd.Config.Buffers)
	case cmd.Blocks < 1:
		return errors.New("at least one block required")
	case cmd.Config.BlockSize < 8:
		return errors.Errorf("block size %d cannot hold a counter", cmd.Config.BlockSize)
	case cmd.Rate < 0:
		return errors.Errorf("invalid rate %v", cmd.Rate)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cmd.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cmd.Rate), 1)
	}

	dev, cleanup, err := cmd.device()
	if err != nil {
		return err
	}
	defer cleanup()

	cmd.Stats = bufferpool.NewStats(prometheus.NewRegistry())
	cache, err := bufferpool.NewCache(cmd.Config, dev,
		bufferpool.OptCacheLogger(logger.WithPrefix("bcache: ")),
		bufferpool.OptCacheStats(cmd.Stats),
	)
	if err != nil {
		return errors.Wrap(err, "creating cache")
	}
	defer cache.Close()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cmd.Workers; w++ {
		rnd := rand.New(rand.NewSource(cmd.Seed + int64(w)))
		g.Go(func() error {
			for i := 0; i < cmd.Ops; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if err := increment(cache, uint32(rnd.Intn(cmd.Blocks))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var total uint64
	for blockno := 0; blockno < cmd.Blocks; blockno++ {
		b, err := cache.Read(stressDev, uint32(blockno))
		if err != nil {
			return err
		}
		total += binary.LittleEndian.Uint64(b.Data())
		cache.Release(b)
	}
	want := uint64(cmd.Workers * cmd.Ops)
	if total != want {
		return errors.Errorf("lost updates: counted %d increments, performed %d", total, want)
	}
	logger.Infof("stress: %d ops in %s, no lost updates", want, elapsed)

	cmd.printStats(want, elapsed)
	if cmd.Dump {
		cache.Dump(cmd.Stdout)
	}
	return nil
}

func increment(cache *bufferpool.Cache, blockno uint32) error {
	b, err := cache.Read(stressDev, blockno)
	if err != nil {
		return err
	}
	defer cache.Release(b)
	n := binary.LittleEndian.Uint64(b.Data())
	binary.LittleEndian.PutUint64(b.Data(), n+1)
	return cache.Write(b)
}

// device returns the backing device and a func to dispose of it.
func (cmd *StressCommand) device() (bufferpool.Device, func(), error) {
	if cmd.ImageDir == "" {
		mem := bufferpool.NewMemDevice(cmd.Config.BlockSize)
		mem.Latency = cmd.Latency
		return mem, func() {}, nil
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, nil, errors.Wrap(err, "naming scratch image")
	}
	path := filepath.Join(cmd.ImageDir, id.String()+".img")
	fd, err := bufferpool.NewFileDevice(cmd.Config.BlockSize, bufferpool.OptFileDeviceDirect(cmd.Direct))
	if err != nil {
		return nil, nil, err
	}
	if err := fd.Attach(stressDev, path); err != nil {
		return nil, nil, err
	}
	cmd.Logger().Infof("stress: scratch image %s", path)
	return fd, func() {
		if cmd.Keep {
			return
		}
		if err := os.Remove(path); err != nil {
			cmd.Logger().Warnf("removing scratch image: %v", err)
		}
	}, nil
}

func (cmd *StressCommand) printStats(ops uint64, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"metric", "value"})
	for _, row := range []struct {
		name string
		c    prometheus.Counter
	}{
		{bufferpool.MetricHits, cmd.Stats.Hits},
		{bufferpool.MetricMisses, cmd.Stats.Misses},
		{bufferpool.MetricEvictions, cmd.Stats.Evictions},
		{bufferpool.MetricRetries, cmd.Stats.Retries},
		{bufferpool.MetricReads, cmd.Stats.Reads},
		{bufferpool.MetricWrites, cmd.Stats.Writes},
	} {
		t.AppendRow(table.Row{row.name, counterValue(row.c)})
	}
	t.AppendRow(table.Row{"ops", ops})
	t.AppendRow(table.Row{"elapsed", elapsed.Round(time.Microsecond)})
	t.AppendFooter(table.Row{"ops/sec", fmt.Sprintf("%0.3f", float64(ops)/elapsed.Seconds())})
	t.Render()
}

func counterValue(c prometheus.Counter) uint64 {
	m := &io_prometheus_client.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}
