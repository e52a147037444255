// Package vm implements user address-space operations (spec.md §4.C) and
// the COW page-fault resolver (§4.D), on top of the Sv39 engine in pgtbl
// and the frame allocator in mem. Adapted from the teaching kernel's
// vm/as.go Vm_t, whose embedded sync.Mutex and Pmap/RootPA field pairing
// this package's Vm_t mirrors directly.
package vm

import (
	"sync"

	"rvkernel/src/defs"
	"rvkernel/src/klog"
	"rvkernel/src/mem"
	"rvkernel/src/pgtbl"
	"rvkernel/src/util"
)

// leafPerm is the fixed permission set user_init/user_grow install: a
// process image page is RWX+U (spec.md §4.C).
const leafPerm = pgtbl.PTE_R | pgtbl.PTE_W | pgtbl.PTE_X | pgtbl.PTE_U

// Vm_t is one process's address space: a root Sv39 page table plus its
// current size. The embedded mutex plays the teaching kernel's
// "lock_pmap"/"unlock_pmap" role — callers serialize page-table mutation
// and page-fault resolution through it.
type Vm_t struct {
	sync.Mutex
	Root   *pgtbl.PageTable
	RootPA mem.Pa_t
	Sz     uintptr
}

// UserCreate allocates and zeroes a root table (spec.md §4.C user_create).
func UserCreate(alloc *mem.Allocator) (*Vm_t, bool) {
	pa, ok := alloc.AllocFrame()
	if !ok {
		return nil, false
	}
	return &Vm_t{
		Root:   pgtbl.TableAt(alloc, pa),
		RootPA: pa,
	}, true
}

// UserInit installs a single RWX+U page at VA 0 and copies src into it
// (spec.md §4.C user_init; the first process image). len(src) must be
// less than mem.PGSIZE.
func UserInit(vm *Vm_t, alloc *mem.Allocator, src []byte) bool {
	if len(src) >= mem.PGSIZE {
		klog.Fatal("vm", "len", len(src), "user_init: image too large for one page")
	}
	pa, ok := alloc.AllocFrame()
	if !ok {
		return false
	}
	copy(alloc.Bytes(pa), src)
	if !pgtbl.MapPages(vm.Root, alloc, 0, mem.PGSIZE, pa, leafPerm) {
		alloc.FreeFrame(pa)
		return false
	}
	vm.Sz = uintptr(mem.PGSIZE)
	return true
}

// UserGrow extends the address space from oldSz to newSz, mapping a
// freshly zeroed RWX+U frame for every new page. On any allocation
// failure it unmaps and frees every page it added, back to oldSz
// (spec.md §4.C user_grow); interior page-table frames allocated along
// the way stay with the table and are freed by UserFree.
func UserGrow(vm *Vm_t, alloc *mem.Allocator, oldSz, newSz uintptr) (uintptr, bool) {
	if newSz <= oldSz {
		return oldSz, true
	}
	start := util.Roundup(oldSz, uintptr(mem.PGSIZE))
	end := util.Roundup(newSz, uintptr(mem.PGSIZE))

	for va := start; va < end; va += uintptr(mem.PGSIZE) {
		pa, ok := alloc.AllocFrame()
		if !ok || !pgtbl.MapPages(vm.Root, alloc, va, mem.PGSIZE, pa, leafPerm) {
			if ok {
				alloc.FreeFrame(pa)
			}
			// Rewind everything mapped so far this call.
			if va > start {
				npages := int((va - start) / uintptr(mem.PGSIZE))
				pgtbl.Unmap(vm.Root, alloc, start, npages, true)
			}
			return oldSz, false
		}
	}
	vm.Sz = end
	return newSz, true
}

// UserShrink unmaps and frees pages between the rounded-up sizes,
// tolerating newSz >= oldSz as a no-op (spec.md §4.C user_shrink).
func UserShrink(vm *Vm_t, alloc *mem.Allocator, oldSz, newSz uintptr) uintptr {
	if newSz >= oldSz {
		return oldSz
	}
	start := util.Roundup(newSz, uintptr(mem.PGSIZE))
	end := util.Roundup(oldSz, uintptr(mem.PGSIZE))
	if end > start {
		npages := int((end - start) / uintptr(mem.PGSIZE))
		pgtbl.Unmap(vm.Root, alloc, start, npages, true)
	}
	vm.Sz = newSz
	return newSz
}

// UserFree unmaps and frees every user leaf below sz, then recursively
// frees the interior tables (spec.md §4.C user_free).
func UserFree(vm *Vm_t, alloc *mem.Allocator) {
	npages := int(util.Roundup(vm.Sz, uintptr(mem.PGSIZE)) / uintptr(mem.PGSIZE))
	for i := 0; i < npages; i++ {
		va := uintptr(i * mem.PGSIZE)
		pte, ok := pgtbl.Walk(vm.Root, alloc, va, false)
		if !ok || pte == nil || !pte.Valid() {
			continue
		}
		pgtbl.Unmap(vm.Root, alloc, va, 1, true)
	}
	pgtbl.FreeWalk(vm.Root, alloc)
	alloc.FreeFrame(vm.RootPA)
	vm.Sz = 0
}

// UserClear strips the U bit from the PTE at va, used by exec to install
// a stack guard page (spec.md §4.C user_clear).
func UserClear(vm *Vm_t, alloc *mem.Allocator, va uintptr) {
	pte, ok := pgtbl.Walk(vm.Root, alloc, va, false)
	if !ok || pte == nil || !pte.Valid() {
		klog.Fatal("vm", "va", va, "user_clear: not mapped")
	}
	*pte &^= pgtbl.PTE_U
}

// UserCopyOriginal eagerly copies every valid user page below sz into
// child, used only as the non-COW fallback (spec.md §4.C).
func UserCopyOriginal(parent, child *Vm_t, alloc *mem.Allocator, sz uintptr) bool {
	npages := int(util.Roundup(sz, uintptr(mem.PGSIZE)) / uintptr(mem.PGSIZE))
	for i := 0; i < npages; i++ {
		va := uintptr(i * mem.PGSIZE)
		pte, ok := pgtbl.Walk(parent.Root, alloc, va, false)
		if !ok || pte == nil || !pte.Valid() {
			continue
		}
		newPa, ok := alloc.AllocFrame()
		if !ok {
			return false
		}
		copy(alloc.Bytes(newPa), alloc.Bytes(pte.Addr()))
		if !pgtbl.MapPages(child.Root, alloc, va, mem.PGSIZE, newPa, pte.Flags()) {
			alloc.FreeFrame(newPa)
			return false
		}
	}
	child.Sz = sz
	return true
}

// UserCopy is the default COW fork variant (spec.md §4.C user_copy): for
// every valid user page below sz, mirror the physical frame into child,
// demote both mappings to COW, and bump the shared refcount.
func UserCopy(parent, child *Vm_t, alloc *mem.Allocator, sz uintptr) bool {
	npages := int(util.Roundup(sz, uintptr(mem.PGSIZE)) / uintptr(mem.PGSIZE))
	var mapped []uintptr
	for i := 0; i < npages; i++ {
		va := uintptr(i * mem.PGSIZE)
		pte, ok := pgtbl.Walk(parent.Root, alloc, va, false)
		if !ok || pte == nil || !pte.Valid() {
			continue
		}
		flags := pte.Flags()
		pa := pte.Addr()

		if flags.Has(pgtbl.PTE_R) || flags.Has(pgtbl.PTE_COW_R) {
			flags |= pgtbl.PTE_COW_R
		}
		if flags.Has(pgtbl.PTE_W) || flags.Has(pgtbl.PTE_COW_W) {
			flags = flags &^ pgtbl.PTE_W
			flags |= pgtbl.PTE_COW_W
		}

		orig := *pte
		*pte = pgtbl.MakePTE(pa, flags|pgtbl.PTE_V)
		if !pgtbl.MapPages(child.Root, alloc, va, mem.PGSIZE, pa, flags) {
			// Rewind: demap everything mapped into child so far, restore
			// the parent's permissions on the page we just demoted.
			*pte = orig
			for _, m := range mapped {
				pgtbl.Unmap(child.Root, alloc, m, 1, false)
			}
			return false
		}
		alloc.CowShare(pa)
		mapped = append(mapped, va)
	}
	child.Sz = sz
	return true
}

// Fault classes ResolvePageFault distinguishes, per spec.md §4.D entry
// conditions.
type FaultKind int

const (
	FaultWrite FaultKind = iota
	FaultRead
)

// ResolvePageFault implements the COW fault resolver (spec.md §4.D). va
// must already be page-aligned by the caller (trap handling is out of
// scope here). It returns defs.EFAULT if va is out of range or unmapped.
func ResolvePageFault(vm *Vm_t, alloc *mem.Allocator, va uintptr, kind FaultKind) defs.Err_t {
	if va >= vm.Sz {
		return -defs.EFAULT
	}
	pte, ok := pgtbl.Walk(vm.Root, alloc, va, false)
	if !ok || pte == nil || !pte.Valid() {
		return -defs.EFAULT
	}

	flags := pte.Flags()
	if kind == FaultWrite && !flags.Has(pgtbl.PTE_COW_W) {
		return -defs.EFAULT
	}
	if kind == FaultRead && !(flags.Has(pgtbl.PTE_COW_R) && !flags.Has(pgtbl.PTE_R)) {
		return -defs.EFAULT
	}

	pa := pte.Addr()
	count := alloc.CowCount(pa)
	if count == 0 {
		klog.Fatal("vm", "va", va, "pa", pa, "cow fault: refcount 0")
	}

	restored := flags &^ (pgtbl.PTE_COW_R | pgtbl.PTE_COW_W)
	if flags.Has(pgtbl.PTE_COW_R) {
		restored |= pgtbl.PTE_R
	}
	if flags.Has(pgtbl.PTE_COW_W) {
		restored |= pgtbl.PTE_W
	}
	// Never upgrade a non-U (guard) page to U on resolution (Open
	// Question 4 / spec.md §4.D step 5): restored already carries U only
	// if flags did.

	if count >= 2 {
		newPa, ok := alloc.AllocFrameNoZero()
		if !ok {
			return -defs.ENOMEM
		}
		copy(alloc.Bytes(newPa), alloc.Bytes(pa))
		pgtbl.Unmap(vm.Root, alloc, va, 1, false)
		if !pgtbl.MapPages(vm.Root, alloc, va, mem.PGSIZE, newPa, restored) {
			alloc.FreeFrame(newPa)
			return -defs.ENOMEM
		}
		alloc.CowUnshare(pa)
		return 0
	}

	// count == 1: last sharer, claim private ownership in place.
	*pte = pgtbl.MakePTE(pa, restored|pgtbl.PTE_V)
	alloc.CowReset(pa)
	return 0
}
