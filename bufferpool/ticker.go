// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Ticker supplies the timestamps stamped on buffers when their last
// reference is released. Only the ordering of values matters.
type Ticker interface {
	Tick() uint64
}

// LogicalClock advances by one on every Tick, so no two releases share a
// timestamp.
type LogicalClock struct {
	n atomic.Uint64
}

func NewLogicalClock() *LogicalClock {
	return &LogicalClock{}
}

func (c *LogicalClock) Tick() uint64 { return c.n.Inc() }

// Uptime returns the last value handed out.
func (c *LogicalClock) Uptime() uint64 { return c.n.Load() }

// TimerClock counts timer interrupts, like the kernel's ticks variable.
// Releases within one period share a timestamp.
type TimerClock struct {
	n atomic.Uint64
}

// NewTimerClock starts a clock which advances every interval until ctx is
// done.
func NewTimerClock(ctx context.Context, interval time.Duration) *TimerClock {
	c := &TimerClock{}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.n.Inc()
			}
		}
	}()
	return c
}

func (c *TimerClock) Tick() uint64 { return c.n.Load() }

// Uptime returns the number of ticks since the clock started.
func (c *TimerClock) Uptime() uint64 { return c.n.Load() }
