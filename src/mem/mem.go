// Package mem implements the physical-frame allocator this kernel core
// assumes exists (spec.md §1: alloc_frame/free_frame), plus the COW
// reference-count side-table, consolidated here per Design Notes §9 rather
// than kept as a second global. Adapted from the teaching kernel's mem
// package (Physmem_t), simplified for a hosted simulation: physical frames
// are backed by a fixed arena of Go-owned pages rather than bare-metal RAM
// discovered at boot.
package mem

import (
	"sync"

	"rvkernel/src/klog"
)

// / PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// / PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// / PGOFFSET masks offsets within a page.
const PGOFFSET uintptr = uintptr(PGSIZE) - 1

// Pa_t represents a physical address: in this hosted simulation, a
// synthetic (frame-index << PGSHIFT) value handed out by Allocator.
type Pa_t uintptr

// Page is the fixed-size backing storage for one physical frame.
type Page [PGSIZE]byte

// Allocator is a fixed-capacity physical frame allocator with a per-frame
// COW reference count folded in (Design Notes §9: "a side-table owned by
// the allocator, with the increment/decrement API exposed by the
// allocator itself").
type Allocator struct {
	mu     sync.Mutex
	frames []Page
	cowref []uint8
	free   []uint32 // stack of free frame indices
}

// NewAllocator creates an allocator with a fixed number of frames.
func NewAllocator(nframes int) *Allocator {
	a := &Allocator{
		frames: make([]Page, nframes),
		cowref: make([]uint8, nframes),
		free:   make([]uint32, nframes),
	}
	for i := range a.free {
		a.free[i] = uint32(nframes - 1 - i)
	}
	return a
}

func (a *Allocator) index(pa Pa_t) uint32 {
	return uint32(uintptr(pa) >> PGSHIFT)
}

// AllocFrame returns a zeroed frame, or false if none remain.
func (a *Allocator) AllocFrame() (Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.frames[idx] = Page{}
	a.cowref[idx] = 0
	return Pa_t(uintptr(idx) << PGSHIFT), true
}

// AllocFrameNoZero returns a frame without clearing its contents, used on
// the COW fault path where the new page is immediately overwritten by a
// copy (spec.md §4.D step 3).
func (a *Allocator) AllocFrameNoZero() (Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.cowref[idx] = 0
	return Pa_t(uintptr(idx) << PGSHIFT), true
}

// FreeFrame returns a frame to the allocator. If the frame is still
// COW-shared, this only drops this caller's share (decrementing the
// refcount) rather than returning memory that another address space still
// maps — this is what lets one COW sibling tear down its address space
// (e.g. on exit) before the other has ever taken a fault on the shared
// page; the survivor's refcount settles to 1, the normal "last sharer"
// state the fault resolver expects (spec.md §4.D step 4).
func (a *Allocator) FreeFrame(pa Pa_t) {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cowref[idx] > 0 {
		a.cowref[idx]--
		if a.cowref[idx] > 0 {
			return
		}
	}
	a.free = append(a.free, idx)
}

// Deref returns the backing page for a physical address.
func (a *Allocator) Deref(pa Pa_t) *Page {
	return &a.frames[a.index(pa)]
}

// Bytes returns a byte slice view over the frame's contents.
func (a *Allocator) Bytes(pa Pa_t) []byte {
	p := a.Deref(pa)
	return p[:]
}

// CowShare records that a frame has gained another sharer. Per spec.md
// §4.C step 4: if the refcount was 0, it becomes 2 (the first share always
// establishes two owners); otherwise it is incremented by one.
func (a *Allocator) CowShare(pa Pa_t) {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cowref[idx] == 0 {
		a.cowref[idx] = 2
	} else {
		a.cowref[idx]++
	}
}

// CowUnshare decrements a frame's COW refcount by one (spec.md §4.D step
// 3, "decrement the old refcount"). It does not collapse 1 to 0 itself;
// the fault resolver owns that transition (spec.md §4.D step 4).
func (a *Allocator) CowUnshare(pa Pa_t) int {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cowref[idx] == 0 {
		klog.Fatal("mem", "pa", pa, "cow refcount 0 on unshare")
	}
	a.cowref[idx]--
	return int(a.cowref[idx])
}

// CowReset clears a frame's COW refcount to 0, used when the last sharer
// claims private ownership (spec.md §4.D step 4).
func (a *Allocator) CowReset(pa Pa_t) {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cowref[idx] = 0
}

// CowCount returns a frame's current COW refcount.
func (a *Allocator) CowCount(pa Pa_t) int {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.cowref[idx])
}

// Free reports the number of frames currently unallocated (test/diagnostic
// use only).
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
