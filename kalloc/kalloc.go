// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package kalloc is the physical page allocator. It hands out whole page
// frames from per-CPU free lists and keeps a reference count per frame so a
// frame can be shared copy-on-write between address spaces.
package kalloc

import (
	"fmt"
	"io"
	"sync"

	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/logger"
	"github.com/featurebasedb/kcore/vm"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

const (
	ErrConfig     errors.Code = "AllocatorConfig"
	ErrNoMemory   errors.Code = "NoMemory"
	ErrBadAddress errors.Code = "BadPhysicalAddress"
	ErrBadCPU     errors.Code = "BadCPU"
	ErrRefcount   errors.Code = "FrameRefcount"
	ErrNotCOW     errors.Code = "NotCOW"
	ErrNotMapped  errors.Code = "NotMapped"
)

const (
	// allocJunk fills freshly allocated frames so reads of uninitialized
	// memory stand out.
	allocJunk = 0x05

	// freeJunk fills freed frames to catch dangling references.
	freeJunk = 0x01
)

const nilFrame = int32(-1)

// cpuPool is one CPU's partition of the free frames. Frames on the list are
// linked through Allocator.next, which the pool's lock guards.
type cpuPool struct {
	mu   sync.Mutex
	head int32
	n    int
}

func (p *cpuPool) push(next []int32, idx int32) {
	p.mu.Lock()
	next[idx] = p.head
	p.head = idx
	p.n++
	p.mu.Unlock()
}

func (p *cpuPool) pop(next []int32) (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.head
	if idx == nilFrame {
		return nilFrame, false
	}
	p.head = next[idx]
	next[idx] = nilFrame
	p.n--
	return idx, true
}

func (p *cpuPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

type frameRef struct {
	mu sync.Mutex
	n  int32
}

// Allocator manages a fixed range of physical page frames.
type Allocator struct {
	base   uintptr
	npages int

	// mem backs every managed frame; frame i is mem[i*PGSIZE:(i+1)*PGSIZE].
	mem []byte

	pools []cpuPool
	next  []int32
	refs  []frameRef

	stats  *Stats
	logger logger.Logger
}

// AllocatorOption is a functional option type for Allocator.
type AllocatorOption func(a *Allocator)

// OptAllocatorLogger sets the logger used for exhaustion warnings and fatal
// conditions.
func OptAllocatorLogger(l logger.Logger) AllocatorOption {
	return func(a *Allocator) {
		a.logger = l
	}
}

// OptAllocatorStats sets the counters the allocator reports to.
func OptAllocatorStats(s *Stats) AllocatorOption {
	return func(a *Allocator) {
		a.stats = s
	}
}

// NewAllocator returns an allocator with every frame free. Frames are split
// into contiguous runs, one per CPU, with any remainder on the last CPU.
func NewAllocator(cfg *Config, opts ...AllocatorOption) (*Allocator, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Allocator{
		base:   uintptr(cfg.Base),
		npages: cfg.Pages,
		mem:    make([]byte, cfg.Pages*int(vm.PGSIZE)),
		pools:  make([]cpuPool, cfg.CPUs),
		next:   make([]int32, cfg.Pages),
		refs:   make([]frameRef, cfg.Pages),
		logger: logger.NopLogger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.stats == nil {
		a.stats = NewStats(nil)
	}

	for i := range a.pools {
		a.pools[i].head = nilFrame
	}
	fill(a.mem, freeJunk)

	per := cfg.Pages / cfg.CPUs
	for i := cfg.Pages - 1; i >= 0; i-- {
		cpu := cfg.CPUs - 1
		if per > 0 && i/per < cfg.CPUs {
			cpu = i / per
		}
		a.pools[cpu].push(a.next, int32(i))
	}
	a.logger.Debugf("kalloc: [%#x, %#x) across %d cpus", a.base, a.end(), cfg.CPUs)
	return a, nil
}

// Alloc returns the address of an exclusively owned frame with reference
// count 1, taken from cpu's free list or, when that is empty, stolen from
// another CPU's. It returns ErrNoMemory when every list is empty.
func (a *Allocator) Alloc(cpu int) (uintptr, error) {
	a.checkCPU(cpu, "kalloc")

	idx, ok := a.pools[cpu].pop(a.next)
	if !ok {
		// one remote lock at a time
		for i := 1; i < len(a.pools) && !ok; i++ {
			idx, ok = a.pools[(cpu+i)%len(a.pools)].pop(a.next)
		}
		if ok {
			a.stats.Steals.Inc()
		}
	}
	if !ok {
		a.stats.Failures.Inc()
		a.logger.Warnf("kalloc: out of memory on cpu %d", cpu)
		return 0, errors.Newf(ErrNoMemory, "kalloc: no free page frame (cpu %d)", cpu)
	}

	a.withRef(int(idx), func(ref *int32) {
		if *ref != 0 {
			a.fatalf(ErrRefcount, "kalloc: free frame %#x has refcount %d", a.addr(int(idx)), *ref)
		}
		*ref = 1
	})
	fill(a.frame(int(idx)), allocJunk)
	a.stats.Allocs.Inc()
	return a.addr(int(idx)), nil
}

// Free drops one reference to the frame at pa. When the last reference
// goes, the frame is junk-filled and pushed onto cpu's free list, so it is
// safe to call on a frame that is still shared copy-on-write.
func (a *Allocator) Free(cpu int, pa uintptr) {
	a.checkCPU(cpu, "kfree")
	idx := a.index(pa, "kfree")

	var last bool
	a.withRef(idx, func(ref *int32) {
		if *ref <= 0 {
			a.fatalf(ErrRefcount, "kfree: frame %#x is already free", pa)
		}
		*ref--
		last = *ref == 0
	})
	if !last {
		return
	}
	fill(a.frame(idx), freeJunk)
	a.pools[cpu].push(a.next, int32(idx))
	a.stats.Frees.Inc()
}

// IncRef records one more mapping of an allocated frame.
func (a *Allocator) IncRef(pa uintptr) {
	idx := a.index(pa, "incref")
	a.withRef(idx, func(ref *int32) {
		if *ref <= 0 {
			a.fatalf(ErrRefcount, "incref: frame %#x is free", pa)
		}
		*ref++
	})
}

// RefCount returns the current reference count of the frame at pa.
func (a *Allocator) RefCount(pa uintptr) int {
	idx := a.index(pa, "refcount")
	var n int32
	a.withRef(idx, func(ref *int32) { n = *ref })
	return int(n)
}

// Page returns the bytes of the frame at pa. The slice aliases the frame.
func (a *Allocator) Page(pa uintptr) []byte {
	return a.frame(a.index(pa, "page"))
}

// Contains reports whether pa is the address of a managed frame.
func (a *Allocator) Contains(pa uintptr) bool {
	return pa%vm.PGSIZE == 0 && pa >= a.base && pa < a.end()
}

// FreeCount returns the number of free frames across all CPUs. The pools
// are visited one at a time, so the total is only exact when no other
// goroutine is allocating or freeing.
func (a *Allocator) FreeCount() int {
	n := 0
	for i := range a.pools {
		n += a.pools[i].len()
	}
	return n
}

// PoolCounts returns the number of free frames per CPU.
func (a *Allocator) PoolCounts() []int {
	counts := make([]int, len(a.pools))
	for i := range a.pools {
		counts[i] = a.pools[i].len()
	}
	return counts
}

// NumCPU returns the number of free-list partitions.
func (a *Allocator) NumCPU() int { return len(a.pools) }

// NumPages returns the number of managed frames.
func (a *Allocator) NumPages() int { return a.npages }

// Base returns the address of the first managed frame.
func (a *Allocator) Base() uintptr { return a.base }

// Dump writes a table of per-CPU free counts and the number of shared
// frames.
func (a *Allocator) Dump(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"cpu", "free"})
	for cpu, n := range a.PoolCounts() {
		t.AppendRow(table.Row{cpu, n})
	}

	var used, shared int
	for i := range a.refs {
		var n int32
		a.withRef(i, func(ref *int32) { n = *ref })
		if n > 0 {
			used++
		}
		if n > 1 {
			shared++
		}
	}
	t.AppendFooter(table.Row{"in use", fmt.Sprintf("%d (%d shared)", used, shared)})
	t.Render()
}

// withRef runs fn with the frame's reference count locked. Every read or
// write of a reference count goes through here.
func (a *Allocator) withRef(idx int, fn func(ref *int32)) {
	r := &a.refs[idx]
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.n)
}

func (a *Allocator) end() uintptr {
	return a.base + uintptr(a.npages)*vm.PGSIZE
}

func (a *Allocator) addr(idx int) uintptr {
	return a.base + uintptr(idx)*vm.PGSIZE
}

func (a *Allocator) frame(idx int) []byte {
	off := idx * int(vm.PGSIZE)
	return a.mem[off : off+int(vm.PGSIZE) : off+int(vm.PGSIZE)]
}

// index converts pa into a frame index, halting on a misaligned or
// unmanaged address.
func (a *Allocator) index(pa uintptr, op string) int {
	if !a.Contains(pa) {
		a.fatalf(ErrBadAddress, "%s: bad physical address %#x", op, pa)
	}
	return int((pa - a.base) / vm.PGSIZE)
}

func (a *Allocator) checkCPU(cpu int, op string) {
	if cpu < 0 || cpu >= len(a.pools) {
		a.fatalf(ErrBadCPU, "%s: cpu %d out of range [0, %d)", op, cpu, len(a.pools))
	}
}

// fatalf logs and panics with a coded error. It never returns.
func (a *Allocator) fatalf(code errors.Code, format string, args ...interface{}) {
	err := errors.Newf(code, format, args...)
	a.logger.Panicf("%v", err)
	panic(err)
}

func fill(b []byte, c byte) {
	for i := range b {
		b[i] = c
	}
}
