// Package vma implements the per-process memory-mapped-region table
// (spec.md §4.G): mmap and munmap. Per SPEC_FULL.md §3/§9 (Design Notes:
// "each process owns a small fixed-capacity array of VMA records
// directly"), the teaching kernel's two-level global-pool-plus-
// per-process-backreference design is dropped in favor of one fixed
// NOVMA-slot array per process — this also resolves Open Question 2 by
// construction, since there is exactly one slot that can ever point at a
// given *Entry.
package vma

import (
	"golang.org/x/sys/unix"

	"rvkernel/src/defs"
	"rvkernel/src/limits"
	"rvkernel/src/mem"
	"rvkernel/src/pgtbl"
	"rvkernel/src/util"
	"rvkernel/src/vm"
)

// Prot mirrors mmap(2)'s prot bitmask, using golang.org/x/sys/unix's
// numeric values rather than inventing kernel-private constants (§6).
type Prot int32

const (
	ProtRead  Prot = unix.PROT_READ
	ProtWrite Prot = unix.PROT_WRITE
	ProtExec  Prot = unix.PROT_EXEC
)

// Flags mirrors mmap(2)'s flags bitmask.
type Flags int32

const (
	MapShared  Flags = unix.MAP_SHARED
	MapPrivate Flags = unix.MAP_PRIVATE
)

// File is the backing file a MAP_SHARED region writes back to on
// munmap (spec.md §4.G step 2). Only the sliver of the file interface
// mmap/munmap actually touch is modeled.
type File interface {
	WriteAt(p []byte, off int64) (int, error)
	Writable() bool
}

// Entry describes one memory-mapped region (spec.md §3 VMA entry).
type Entry struct {
	Start  uintptr
	Length uintptr
	Prot   Prot
	Flags  Flags
	File   File
	Offset int64
}

// Table is a process's fixed NOVMA-slot VMA array. A nil slot is free.
type Table struct {
	slots [limits.NOVMA]*Entry
}

func protToPTE(p Prot) pgtbl.PTE {
	var f pgtbl.PTE
	if p&ProtRead != 0 {
		f |= pgtbl.PTE_R
	}
	if p&ProtWrite != 0 {
		f |= pgtbl.PTE_W
	}
	if p&ProtExec != 0 {
		f |= pgtbl.PTE_X
	}
	return f
}

// find returns the index of the first free (nil) slot, or -1.
func (t *Table) find() int {
	for i, e := range t.slots {
		if e == nil {
			return i
		}
	}
	return -1
}

// overlaps reports whether [start, start+length) intersects the entry.
func overlaps(e *Entry, start, length uintptr) bool {
	end := start + length
	return start < e.Start+e.Length && e.Start < end
}

// Mmap installs a new mapping. addrHint, length, prot and flags follow
// mmap(2) (spec.md §4.G). The caller owns releasing file on any error
// return (the file reference itself is out of this package's scope).
func (t *Table) Mmap(v *vm.Vm_t, alloc *mem.Allocator, addrHint, length uintptr, prot Prot, flags Flags, file File, offset int64) (uintptr, defs.Err_t) {
	if length == 0 {
		return 0, -defs.EINVAL
	}
	npages := int(util.Roundup(length, uintptr(mem.PGSIZE)) / uintptr(mem.PGSIZE))
	regionLen := uintptr(npages) * uintptr(mem.PGSIZE)

	start := util.Roundup(addrHint, uintptr(mem.PGSIZE))
	if start == 0 {
		start = util.Roundup(v.Sz, uintptr(mem.PGSIZE))
	}

	// Search for a run of regionLen bytes with no valid PTE, restarting
	// above any occupied page found (spec.md §4.G step 2).
search:
	for {
		if start+regionLen > limits.KernBase {
			return 0, -defs.ENOMEM
		}
		for i := 0; i < npages; i++ {
			va := start + uintptr(i)*uintptr(mem.PGSIZE)
			if pte, ok := pgtbl.Walk(v.Root, alloc, va, false); ok && pte != nil && pte.Valid() {
				start = util.Roundup(va+uintptr(mem.PGSIZE), uintptr(mem.PGSIZE))
				continue search
			}
		}
		break
	}

	// Reject writable MAP_SHARED onto a non-writable file (step 5).
	if flags == MapShared && prot&ProtWrite != 0 && file != nil && !file.Writable() {
		return 0, -defs.EACCES
	}

	slot := t.find()
	if slot < 0 {
		return 0, -defs.ENOMEM
	}

	perm := protToPTE(prot) | pgtbl.PTE_U // Open Question 1: U must be set.
	allocated := make([]mem.Pa_t, 0, npages)
	for i := 0; i < npages; i++ {
		pa, ok := alloc.AllocFrame()
		if !ok {
			for _, p := range allocated {
				alloc.FreeFrame(p)
			}
			pgtbl.Unmap(v.Root, alloc, start, len(allocated), true)
			return 0, -defs.ENOMEM
		}
		va := start + uintptr(i)*uintptr(mem.PGSIZE)
		if !pgtbl.MapPages(v.Root, alloc, va, mem.PGSIZE, pa, perm) {
			alloc.FreeFrame(pa)
			pgtbl.Unmap(v.Root, alloc, start, len(allocated), true)
			return 0, -defs.ENOMEM
		}
		allocated = append(allocated, pa)
	}

	if start+regionLen > v.Sz {
		v.Sz = start + regionLen
	}

	t.slots[slot] = &Entry{
		Start:  start,
		Length: regionLen,
		Prot:   prot,
		Flags:  flags,
		File:   file,
		Offset: offset,
	}
	return start, 0
}

// Munmap tears down [addr, addr+length) (spec.md §4.G munmap). Writes
// back dirty pages of a MAP_SHARED region before unmapping. Rejects a
// hole-punch (a sub-range strictly inside an existing region, touching
// neither edge).
func (t *Table) Munmap(v *vm.Vm_t, alloc *mem.Allocator, addr, length uintptr) defs.Err_t {
	idx, e := t.findEnclosing(addr, length)
	if idx < 0 {
		return -defs.EINVAL
	}

	if e.Flags == MapShared && e.File != nil {
		npages := int(e.Length / uintptr(mem.PGSIZE))
		for i := 0; i < npages; i++ {
			va := e.Start + uintptr(i)*uintptr(mem.PGSIZE)
			pte, ok := pgtbl.Walk(v.Root, alloc, va, false)
			if !ok || pte == nil || !pte.Valid() || !pte.Has(pgtbl.PTE_D) {
				continue
			}
			off := e.Offset + int64(va-e.Start)
			e.File.WriteAt(alloc.Bytes(pte.Addr()), off)
		}
	}

	unmapStart := addr
	unmapLen := length
	switch {
	case addr == e.Start && length == e.Length:
		t.slots[idx] = nil
	case addr == e.Start: // head trim
		e.Start += length
		e.Length -= length
	case addr+length == e.Start+e.Length: // tail trim
		e.Length -= length
	default:
		// findEnclosing already rejected a true hole-punch; this branch
		// is unreachable for a well-formed call.
		return -defs.EINVAL
	}

	npages := int(unmapLen / uintptr(mem.PGSIZE))
	pgtbl.Unmap(v.Root, alloc, unmapStart, npages, true)
	return 0
}

// findEnclosing returns the slot index and entry whose region contains
// [addr, addr+length), rejecting a hole-punch (spec.md §4.G munmap
// step 1).
func (t *Table) findEnclosing(addr, length uintptr) (int, *Entry) {
	for i, e := range t.slots {
		if e == nil || !overlaps(e, addr, length) {
			continue
		}
		if addr < e.Start || addr+length > e.Start+e.Length {
			return -1, nil
		}
		if addr != e.Start && addr+length != e.Start+e.Length {
			return -1, nil // hole in the middle
		}
		return i, e
	}
	return -1, nil
}
