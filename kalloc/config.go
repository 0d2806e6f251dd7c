// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package kalloc

import (
	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/vm"
	"github.com/spf13/pflag"
)

const (
	// DefaultCPUs matches NCPU of the kernel this allocator was sized for.
	DefaultCPUs = 8

	// DefaultPages is 4MB of managed memory.
	DefaultPages = 1024

	// DefaultBase is where the kernel expects RAM to start (KERNBASE).
	DefaultBase = uint64(0x80000000)
)

// Config defines externally configurable allocator options.
type Config struct {
	// Number of per-CPU free-list partitions.
	CPUs int `toml:"kalloc-cpus"`

	// Number of physical page frames managed.
	Pages int `toml:"kalloc-pages"`

	// Physical address of the first managed frame. Must be page-aligned.
	Base uint64 `toml:"kalloc-base"`
}

func NewDefaultConfig() *Config {
	return &Config{
		CPUs:  DefaultCPUs,
		Pages: DefaultPages,
		Base:  DefaultBase,
	}
}

func (cfg *Config) DefineFlags(flags *pflag.FlagSet) {
	default0 := NewDefaultConfig()
	flags.IntVar(&cfg.CPUs, "kalloc-cpus", default0.CPUs, "number of per-CPU free lists in the page allocator")
	flags.IntVar(&cfg.Pages, "kalloc-pages", default0.Pages, "number of physical page frames managed by the page allocator")
	flags.Uint64Var(&cfg.Base, "kalloc-base", default0.Base, "physical address of the first managed page frame")
}

// Validate checks that the configuration describes a usable frame range.
func (cfg *Config) Validate() error {
	switch {
	case cfg.CPUs < 1:
		return errors.Newf(ErrConfig, "kalloc-cpus must be at least 1, got %d", cfg.CPUs)
	case cfg.Pages < 1:
		return errors.Newf(ErrConfig, "kalloc-pages must be at least 1, got %d", cfg.Pages)
	case cfg.Pages > 1<<31-1:
		return errors.Newf(ErrConfig, "kalloc-pages too large: %d", cfg.Pages)
	case cfg.Base%uint64(vm.PGSIZE) != 0:
		return errors.Newf(ErrConfig, "kalloc-base %#x is not page-aligned", cfg.Base)
	case cfg.Base == 0:
		// zero is the failed-allocation address
		return errors.New(ErrConfig, "kalloc-base must not be zero")
	case cfg.Base+uint64(cfg.Pages)*uint64(vm.PGSIZE) < cfg.Base:
		return errors.New(ErrConfig, "managed range overflows the address space")
	}
	return nil
}
