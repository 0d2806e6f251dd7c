// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package vm

import (
	"sync"

	"github.com/featurebasedb/kcore/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	ErrBadVA errors.Code = "BadVirtualAddress"
	ErrRemap errors.Code = "Remap"
)

// PageTable holds the leaf entries of one address space, keyed by
// page-aligned virtual address. The multi-level walk of real hardware tables
// is not modelled; Walk resolves straight to the leaf.
type PageTable struct {
	mu   sync.Mutex
	ptes map[uintptr]PTE
}

// NewPageTable returns an empty page table.
func NewPageTable() *PageTable {
	return &PageTable{ptes: make(map[uintptr]PTE)}
}

// Walk returns a copy of the leaf entry for va. ok is false when no entry
// exists or the entry is not valid.
func (pt *PageTable) Walk(va uintptr) (pte PTE, ok bool, err error) {
	if va >= MAXVA {
		return 0, false, errors.Newf(ErrBadVA, "walk: va %#x beyond MAXVA", va)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok = pt.ptes[PGGROUNDDOWN(va)]
	return pte, ok && pte&PTE_V != 0, nil
}

// Update runs fn on the leaf entry for va while holding the table lock, so
// a check-and-rewrite of an entry is atomic with respect to other updates.
// fn is not called when the entry is absent; Update then reports false.
func (pt *PageTable) Update(va uintptr, fn func(pte *PTE) error) (bool, error) {
	if va >= MAXVA {
		return false, errors.Newf(ErrBadVA, "update: va %#x beyond MAXVA", va)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	a := PGGROUNDDOWN(va)
	pte, ok := pt.ptes[a]
	if !ok {
		return false, nil
	}
	if err := fn(&pte); err != nil {
		return true, err
	}
	pt.ptes[a] = pte
	return true, nil
}

// MapPages creates entries for virtual addresses starting at va that refer
// to physical addresses starting at pa. va and size need not be
// page-aligned. Mapping over a valid entry fails with ErrRemap, leaving
// the pages mapped so far in place.
func (pt *PageTable) MapPages(va, size, pa uintptr, perm PTE) error {
	if size == 0 {
		return errors.New(ErrBadVA, "mappages: size")
	}
	if va >= MAXVA || va+size-1 < va {
		return errors.Newf(ErrBadVA, "mappages: va %#x size %#x out of range", va, size)
	}
	a := PGGROUNDDOWN(va)
	last := PGGROUNDDOWN(va + size - 1)
	if last >= MAXVA {
		return errors.Newf(ErrBadVA, "mappages: va %#x beyond MAXVA", last)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for {
		if old, ok := pt.ptes[a]; ok && old&PTE_V != 0 {
			return errors.Newf(ErrRemap, "mappages: remap of va %#x", a)
		}
		pt.ptes[a] = PA2PTE(pa) | perm | PTE_V
		if a == last {
			break
		}
		a += PGSIZE
		pa += PGSIZE
	}
	return nil
}

// Unmap removes the entry for va and returns it.
func (pt *PageTable) Unmap(va uintptr) (PTE, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	a := PGGROUNDDOWN(va)
	pte, ok := pt.ptes[a]
	if ok {
		delete(pt.ptes, a)
	}
	return pte, ok
}

// Mapped returns the virtual addresses with an entry, in ascending order.
func (pt *PageTable) Mapped() []uintptr {
	pt.mu.Lock()
	vas := maps.Keys(pt.ptes)
	pt.mu.Unlock()
	slices.Sort(vas)
	return vas
}

// Len returns the number of entries.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.ptes)
}
