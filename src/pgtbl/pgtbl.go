// Package pgtbl implements the Sv39 three-level page-table engine
// (spec.md §4.A): walk, map_pages, unmap, free_walk, resolve_user. All
// mutation of a page table passes through this package so every invariant
// in spec.md §3 has a single choke point, mirroring the teaching kernel's
// own page-table package design.
package pgtbl

import (
	"unsafe"

	"rvkernel/src/klog"
	"rvkernel/src/mem"
	"rvkernel/src/util"
)

// PTE is one 64-bit page-table entry: Sv39 flag bits in the low 10 bits,
// the frame's physical address packed into the page-aligned high bits
// (functionally equivalent to RISC-V's PPN<<10 encoding, see SPEC_FULL.md
// §3 for why this module does not commit to the exact on-the-wire shift).
type PTE mem.Pa_t

// Sv39 PTE flag bits, at their real RISC-V bit positions.
const (
	PTE_V     PTE = 1 << 0 // valid
	PTE_R     PTE = 1 << 1 // readable
	PTE_W     PTE = 1 << 2 // writable
	PTE_X     PTE = 1 << 3 // executable
	PTE_U     PTE = 1 << 4 // user-accessible
	PTE_A     PTE = 1 << 6 // accessed
	PTE_D     PTE = 1 << 7 // dirty
	PTE_COW_R PTE = 1 << 8 // software: was readable under COW
	PTE_COW_W PTE = 1 << 9 // software: was writable under COW

	pteFlagBits = 10
	pteAddrMask = PTE(^(uint64(1)<<pteFlagBits - 1))
)

// PageTable is one level of the Sv39 tree: 512 entries, occupying exactly
// one physical frame.
type PageTable struct {
	Entries [512]PTE
}

// MAXVA bounds virtual addresses, per Sv39's requirement that bit 38 be
// sign-extended identically through bit 63 (spec.md §3).
const MAXVA = uintptr(1) << (9 + 9 + 9 + 12 - 1)

// Valid reports whether the PTE's V bit is set.
func (p PTE) Valid() bool { return p&PTE_V != 0 }

// Leaf reports whether the PTE is a leaf mapping (has R, W, or X set).
func (p PTE) Leaf() bool { return p&(PTE_R|PTE_W|PTE_X) != 0 }

// Has reports whether all bits in mask are set.
func (p PTE) Has(mask PTE) bool { return p&mask == mask }

// Flags returns the flag bits of the PTE (address bits cleared).
func (p PTE) Flags() PTE { return p &^ pteAddrMask }

// Addr returns the physical frame address the PTE refers to.
func (p PTE) Addr() mem.Pa_t { return mem.Pa_t(p & pteAddrMask) }

// MakePTE packs a physical address and flags into a PTE.
func MakePTE(pa mem.Pa_t, flags PTE) PTE {
	return PTE(pa)&pteAddrMask | (flags &^ pteAddrMask)
}

func asTable(pg *mem.Page) *PageTable {
	return (*PageTable)(unsafe.Pointer(pg))
}

// TableAt returns the PageTable view of the frame at pa, for callers (such
// as vm.UserCreate) that need to address a fresh root table directly.
func TableAt(alloc *mem.Allocator, pa mem.Pa_t) *PageTable {
	return asTable(alloc.Deref(pa))
}

func pageIndex(level int, va uintptr) uintptr {
	shift := uint(12 + 9*level)
	return (va >> shift) & 0x1ff
}

// Walk returns the address of the PTE in pagetable that corresponds to va.
// If alloc is true, missing interior tables are allocated and zeroed. It
// is fatal (spec.md §7 class 3) to call Walk with va >= MAXVA.
func Walk(root *PageTable, alloc *mem.Allocator, va uintptr, doAlloc bool) (*PTE, bool) {
	if va >= MAXVA {
		klog.Fatal("pgtbl", "va", va, "walk of va >= MAXVA")
	}
	table := root
	for level := 2; level > 0; level-- {
		pte := &table.Entries[pageIndex(level, va)]
		if pte.Valid() {
			table = asTable(alloc.Deref(pte.Addr()))
			continue
		}
		if !doAlloc {
			return nil, false
		}
		pa, ok := alloc.AllocFrame()
		if !ok {
			return nil, false
		}
		*pte = MakePTE(pa, PTE_V)
		table = asTable(alloc.Deref(pa))
	}
	return &table.Entries[pageIndex(0, va)], true
}

// MapPages installs leaf PTEs for every page-aligned slice of
// [va, va+size) mapping to the corresponding slice of [pa, pa+size),
// carrying the given permission flags plus V. It is fatal to remap an
// already-valid PTE (spec.md §3); it returns false if a Walk could not
// allocate an interior table.
func MapPages(root *PageTable, alloc *mem.Allocator, va uintptr, size int, pa mem.Pa_t, perm PTE) bool {
	a := util.Rounddown(va, uintptr(mem.PGSIZE))
	last := util.Rounddown(va+uintptr(size)-1, uintptr(mem.PGSIZE))
	p := pa
	for {
		pte, ok := Walk(root, alloc, a, true)
		if !ok {
			return false
		}
		if pte.Valid() {
			klog.Fatal("pgtbl", "va", a, "remap of valid pte")
		}
		*pte = MakePTE(p, perm|PTE_V)
		if a == last {
			break
		}
		a += uintptr(mem.PGSIZE)
		p += mem.Pa_t(mem.PGSIZE)
	}
	return true
}

// Unmap clears npages leaf mappings starting at the page-aligned va. Every
// mapping must already exist and be a leaf; if free is true the underlying
// frames are returned to alloc. Misalignment or a missing/non-leaf mapping
// is fatal (spec.md §4.A).
func Unmap(root *PageTable, alloc *mem.Allocator, va uintptr, npages int, free bool) {
	if va%uintptr(mem.PGSIZE) != 0 {
		klog.Fatal("pgtbl", "va", va, "unmap: not aligned")
	}
	for i := 0; i < npages; i++ {
		a := va + uintptr(i*mem.PGSIZE)
		pte, ok := Walk(root, alloc, a, false)
		if !ok || pte == nil || !pte.Valid() {
			klog.Fatal("pgtbl", "va", a, "unmap: not mapped")
		}
		if !pte.Leaf() {
			klog.Fatal("pgtbl", "va", a, "unmap: not a leaf")
		}
		if free {
			alloc.FreeFrame(pte.Addr())
		}
		*pte = 0
	}
}

// FreeWalk recursively frees the non-leaf tables reachable from root (not
// root itself — callers that allocated root's frame from alloc must free
// it separately, mirroring the teaching kernel, whose pagetable pointer
// and backing frame are freed by the caller after uvmfree). Any surviving
// leaf is a fatal invariant violation: all user leaves must already have
// been unmapped (spec.md §4.A).
func FreeWalk(root *PageTable, alloc *mem.Allocator) {
	for i := range root.Entries {
		pte := root.Entries[i]
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() {
			klog.Fatal("pgtbl", "index", i, "freewalk: leaf")
		}
		child := asTable(alloc.Deref(pte.Addr()))
		FreeWalk(child, alloc)
		alloc.FreeFrame(pte.Addr())
		root.Entries[i] = 0
	}
}

// ResolveUser is a non-fatal lookup that requires both V and U; it is the
// only page-table lookup a user-memory copy path may use (spec.md §4.A).
func ResolveUser(root *PageTable, alloc *mem.Allocator, va uintptr) (mem.Pa_t, bool) {
	if va >= MAXVA {
		return 0, false
	}
	pte, ok := Walk(root, alloc, va, false)
	if !ok || pte == nil || !pte.Valid() || !pte.Has(PTE_U) {
		return 0, false
	}
	return pte.Addr(), true
}
