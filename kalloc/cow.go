// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package kalloc

import (
	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/vm"
)

// ResolveWriteFault repairs a store fault on a copy-on-write page. It
// returns ErrNotCOW when the entry for va is missing, not a valid user
// entry, or not marked copy-on-write; the trap handler treats that as a
// real protection violation. It returns ErrNoMemory when a private copy
// is needed and no frame is free.
func (a *Allocator) ResolveWriteFault(cpu int, pt *vm.PageTable, va uintptr) error {
	if va >= vm.MAXVA {
		return errors.Newf(ErrNotCOW, "cow: va %#x beyond MAXVA", va)
	}

	found, err := pt.Update(va, func(pte *vm.PTE) error {
		if !pte.Has(vm.PTE_V|vm.PTE_U) || !pte.Has(vm.PTE_COW) {
			return errors.Newf(ErrNotCOW, "cow: va %#x flags %#x", va, uint64(pte.Flags()))
		}
		pa := vm.PTE2PA(*pte)
		if !a.Contains(pa) {
			return errors.Newf(ErrNotCOW, "cow: va %#x maps unmanaged frame %#x", va, pa)
		}
		flags := (pte.Flags() | vm.PTE_W) &^ vm.PTE_COW

		if a.RefCount(pa) == 1 {
			// Every other sharer has already copied or gone away.
			*pte = vm.PA2PTE(pa) | flags
			a.stats.COWUpgrades.Inc()
			return nil
		}

		npa, err := a.Alloc(cpu)
		if err != nil {
			return errors.Wrapf(err, "cow: va %#x", va)
		}
		copy(a.Page(npa), a.Page(pa))
		a.Free(cpu, pa)
		*pte = vm.PA2PTE(npa) | flags
		a.stats.COWCopies.Inc()
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.Newf(ErrNotCOW, "cow: va %#x not mapped", va)
	}
	return nil
}

// CopyCOW gives child a copy-on-write view of every user mapping in parent,
// as fork does. Writable parent entries lose PTE_W and gain PTE_COW; both
// sides then share each frame, whose reference count goes up by one. On
// failure the mappings already added to child are removed again.
func (a *Allocator) CopyCOW(cpu int, parent, child *vm.PageTable) error {
	var done []uintptr
	undo := func() {
		for _, va := range done {
			a.Unmap(cpu, child, va, 1, true)
		}
	}

	for _, va := range parent.Mapped() {
		var pa uintptr
		var perm vm.PTE
		var share bool
		_, err := parent.Update(va, func(pte *vm.PTE) error {
			if !pte.Has(vm.PTE_V | vm.PTE_U) {
				return nil
			}
			pa = vm.PTE2PA(*pte)
			if !a.Contains(pa) {
				return errors.Newf(ErrBadAddress, "copycow: va %#x maps unmanaged frame %#x", va, pa)
			}
			if pte.Has(vm.PTE_W) {
				*pte = (*pte &^ vm.PTE_W) | vm.PTE_COW
			}
			perm = pte.Flags() &^ vm.PTE_V
			a.IncRef(pa)
			share = true
			return nil
		})
		if err != nil {
			undo()
			return err
		}
		if !share {
			continue
		}
		if err := child.MapPages(va, vm.PGSIZE, pa, perm); err != nil {
			a.Free(cpu, pa)
			undo()
			return errors.Wrap(err, "copycow")
		}
		done = append(done, va)
	}
	return nil
}

// Unmap removes npages mappings starting at the page-aligned va. With
// doFree each mapped frame loses one reference. Unmapping a page that is
// not mapped is fatal.
func (a *Allocator) Unmap(cpu int, pt *vm.PageTable, va uintptr, npages int, doFree bool) {
	if va%vm.PGSIZE != 0 {
		a.fatalf(ErrNotMapped, "uvmunmap: va %#x not aligned", va)
	}
	for i := 0; i < npages; i++ {
		at := va + uintptr(i)*vm.PGSIZE
		pte, ok := pt.Unmap(at)
		if !ok || pte&vm.PTE_V == 0 {
			a.fatalf(ErrNotMapped, "uvmunmap: va %#x not mapped", at)
		}
		if doFree {
			a.Free(cpu, vm.PTE2PA(pte))
		}
	}
}
