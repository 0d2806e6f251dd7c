// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package vm models the leaf page-table entries that the page allocator's
// copy-on-write fault repair reads and rewrites. Entries follow the RISC-V
// Sv39 layout.
package vm

const PGSIZE = uintptr(4096)

// MAXVA is one bit less than the max allowed by Sv39, to avoid having to
// sign-extend virtual addresses that have the high bit set.
const MAXVA = uintptr(1) << (9 + 9 + 9 + 12 - 1)

// PTE is a page-table entry.
type PTE uint64

const (
	PTE_V PTE = 1 << 0 // valid
	PTE_R PTE = 1 << 1
	PTE_W PTE = 1 << 2
	PTE_X PTE = 1 << 3
	PTE_U PTE = 1 << 4 // user can access
	PTE_G PTE = 1 << 5
	PTE_A PTE = 1 << 6
	PTE_D PTE = 1 << 7

	// PTE_COW uses the first RSW bit, which hardware ignores.
	PTE_COW PTE = 1 << 8
)

const flagMask = PTE(0x3FF)

// PX extracts the 9-bit page-table index for level from va.
func PX(level int, va uintptr) uintptr { return (va >> (12 + uintptr(level)*9)) & 0x1FF }

func PTE2PA(pte PTE) uintptr { return (uintptr(pte) >> 10) << 12 }
func PA2PTE(pa uintptr) PTE  { return PTE((pa >> 12) << 10) }

// Flags returns the low flag bits of the entry.
func (p PTE) Flags() PTE { return p & flagMask }

// Has reports whether all of the given flags are set.
func (p PTE) Has(flags PTE) bool { return p&flags == flags }

func PGGROUNDDOWN(a uintptr) uintptr { return a &^ (PGSIZE - 1) }
func PGGROUNDUP(a uintptr) uintptr   { return (a + PGSIZE - 1) &^ (PGSIZE - 1) }
