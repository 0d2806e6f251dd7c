// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bufferpool

import (
	"time"

	"github.com/featurebasedb/kcore/errors"
	"github.com/spf13/pflag"
)

const (
	// DefaultBuffers is NBUF: enough for three maximum-size log
	// operations in flight.
	DefaultBuffers = 30

	// DefaultBuckets is a prime so block numbers spread evenly.
	DefaultBuckets = 13

	// DefaultBlockSize is the filesystem block size (BSIZE).
	DefaultBlockSize = 1024

	TickSourceLogical = "logical"
	TickSourceTimer   = "timer"
)

// Config defines externally configurable cache options.
type Config struct {
	// Number of buffers in the pool. This is a hard capacity: a miss with
	// every buffer referenced halts.
	Buffers int `toml:"bcache-buffers"`

	// Number of hash buckets.
	Buckets int `toml:"bcache-buckets"`

	// Size in bytes of each buffer's payload.
	BlockSize int `toml:"bcache-block-size"`

	// Where release timestamps come from: "logical" advances once per
	// release, "timer" advances every TickInterval.
	TickSource string `toml:"bcache-tick-source"`

	TickInterval time.Duration `toml:"bcache-tick-interval"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Buffers:      DefaultBuffers,
		Buckets:      DefaultBuckets,
		BlockSize:    DefaultBlockSize,
		TickSource:   TickSourceLogical,
		TickInterval: 100 * time.Millisecond,
	}
}

func (cfg *Config) DefineFlags(flags *pflag.FlagSet) {
	default0 := NewDefaultConfig()
	flags.IntVar(&cfg.Buffers, "bcache-buffers", default0.Buffers, "number of block buffers in the cache")
	flags.IntVar(&cfg.Buckets, "bcache-buckets", default0.Buckets, "number of hash buckets indexing the cache")
	flags.IntVar(&cfg.BlockSize, "bcache-block-size", default0.BlockSize, "size in bytes of a disk block")
	flags.StringVar(&cfg.TickSource, "bcache-tick-source", default0.TickSource, "release timestamp source: logical or timer")
	flags.DurationVar(&cfg.TickInterval, "bcache-tick-interval", default0.TickInterval, "tick period when bcache-tick-source is timer")
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	switch {
	case cfg.Buffers < 1:
		return errors.Newf(ErrConfig, "bcache-buffers must be at least 1, got %d", cfg.Buffers)
	case cfg.Buckets < 1:
		return errors.Newf(ErrConfig, "bcache-buckets must be at least 1, got %d", cfg.Buckets)
	case cfg.BlockSize < 1:
		return errors.Newf(ErrConfig, "bcache-block-size must be positive, got %d", cfg.BlockSize)
	}
	switch cfg.TickSource {
	case TickSourceLogical:
	case TickSourceTimer:
		if cfg.TickInterval <= 0 {
			return errors.Newf(ErrConfig, "bcache-tick-interval must be positive, got %s", cfg.TickInterval)
		}
	default:
		return errors.Newf(ErrConfig, "unknown bcache-tick-source %q", cfg.TickSource)
	}
	return nil
}
