// Package ucopy implements user/kernel memory copies that honor the U
// permission bit (spec.md §4.E): copy_out, copy_in, copy_in_str, and a
// COW-aware copy_out variant. Every copy walks the user page table
// page-by-page through pgtbl.ResolveUser, which already enforces V+U, so
// a single unmapped or non-U page anywhere in the range fails the whole
// call, matching the teaching kernel's copyin/copyout.
package ucopy

import (
	"rvkernel/src/mem"
	"rvkernel/src/pgtbl"
	"rvkernel/src/vm"
)

// CopyOut copies src into the user address space vm at dstVA, page by
// page. It fails (returns false) the instant any destination page is
// unmapped or lacks U.
func CopyOut(v *vm.Vm_t, alloc *mem.Allocator, dstVA uintptr, src []byte) bool {
	for len(src) > 0 {
		pa, ok := pgtbl.ResolveUser(v.Root, alloc, pageBase(dstVA))
		if !ok {
			return false
		}
		off := dstVA & uintptr(mem.PGOFFSET)
		n := mem.PGSIZE - int(off)
		if n > len(src) {
			n = len(src)
		}
		copy(alloc.Bytes(pa)[off:off+uintptr(n)], src[:n])
		src = src[n:]
		dstVA += uintptr(n)
	}
	return true
}

// CopyIn copies len(dst) bytes from the user address space vm starting
// at srcVA into dst, page by page, with the same failure mode as
// CopyOut: it returns false at the first unmapped or non-U page, after
// the bytes of the earlier pages have already been copied.
func CopyIn(v *vm.Vm_t, alloc *mem.Allocator, dst []byte, srcVA uintptr) bool {
	for len(dst) > 0 {
		pa, ok := pgtbl.ResolveUser(v.Root, alloc, pageBase(srcVA))
		if !ok {
			return false
		}
		off := srcVA & uintptr(mem.PGOFFSET)
		n := mem.PGSIZE - int(off)
		if n > len(dst) {
			n = len(dst)
		}
		copy(dst, alloc.Bytes(pa)[off:off+uintptr(n)])
		dst = dst[n:]
		srcVA += uintptr(n)
	}
	return true
}

// CopyInStr copies a NUL-terminated string from the user address space
// vm at srcVA into dst, stopping at the first NUL byte. It returns the
// string length (excluding the NUL) and true, or false if no NUL byte
// appears within max bytes or a page is unmapped/non-U (spec.md §4.E
// copy_in_str).
func CopyInStr(v *vm.Vm_t, alloc *mem.Allocator, dst []byte, srcVA uintptr, max int) (int, bool) {
	n := 0
	for n < max {
		pa, ok := pgtbl.ResolveUser(v.Root, alloc, pageBase(srcVA+uintptr(n)))
		if !ok {
			return 0, false
		}
		off := (srcVA + uintptr(n)) & uintptr(mem.PGOFFSET)
		page := alloc.Bytes(pa)[off:]
		for _, b := range page {
			if n >= max {
				return 0, false
			}
			if b == 0 {
				return n, true
			}
			if n < len(dst) {
				dst[n] = b
			}
			n++
		}
	}
	return 0, false
}

// CopyOutCow writes a page's worth of data from an already-owned kernel
// frame (srcPA) into the user address space v at dstVA, performing the
// COW-share transition at install time rather than re-walking a second
// page table for the source (Open Question 3, see SPEC_FULL.md §4: this
// design has no separate kernel page table, so the only walk a COW
// install needs is on the destination). perm carries the destination
// leaf's eventual (non-COW) permission bits; CopyOutCow installs it with
// COW_W set and W cleared if perm has W, sharing srcPA's refcount.
func CopyOutCow(v *vm.Vm_t, alloc *mem.Allocator, dstVA uintptr, srcPA mem.Pa_t, perm pgtbl.PTE) bool {
	va := pageBase(dstVA)
	installPerm := perm
	if perm.Has(pgtbl.PTE_W) {
		installPerm = (perm &^ pgtbl.PTE_W) | pgtbl.PTE_COW_W
	}
	if perm.Has(pgtbl.PTE_R) {
		installPerm |= pgtbl.PTE_COW_R
	}
	if !pgtbl.MapPages(v.Root, alloc, va, mem.PGSIZE, srcPA, installPerm) {
		return false
	}
	alloc.CowShare(srcPA)
	return true
}

func pageBase(va uintptr) uintptr {
	return va &^ uintptr(mem.PGOFFSET)
}
