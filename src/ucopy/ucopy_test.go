package ucopy

import (
	"testing"

	"rvkernel/src/mem"
	"rvkernel/src/pgtbl"
	"rvkernel/src/vm"
)

func freshVM(t *testing.T, alloc *mem.Allocator, npages int) *vm.Vm_t {
	t.Helper()
	v, ok := vm.UserCreate(alloc)
	if !ok {
		t.Fatal("user_create failed")
	}
	if !vm.UserInit(v, alloc, []byte{0}) {
		t.Fatal("user_init failed")
	}
	if npages > 1 {
		if _, ok := vm.UserGrow(v, alloc, v.Sz, uintptr(npages*mem.PGSIZE)); !ok {
			t.Fatal("user_grow failed")
		}
	}
	return v
}

func TestCopyOutThenCopyInRoundTrip(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 2)

	msg := []byte("hello, kernel")
	if !CopyOut(v, alloc, 10, msg) {
		t.Fatal("copy_out failed")
	}

	got := make([]byte, len(msg))
	if !CopyIn(v, alloc, got, 10) {
		t.Fatal("copy_in failed")
	}
	if string(got) != string(msg) {
		t.Fatalf("round-trip mismatch: got %q, want %q", got, msg)
	}
}

func TestCopyOutCrossesPageBoundary(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 3)

	msg := make([]byte, mem.PGSIZE+20)
	for i := range msg {
		msg[i] = byte(i)
	}
	va := uintptr(mem.PGSIZE - 10)
	if !CopyOut(v, alloc, va, msg) {
		t.Fatal("copy_out across boundary failed")
	}
	got := make([]byte, len(msg))
	if !CopyIn(v, alloc, got, va) {
		t.Fatal("copy_in across boundary failed")
	}
	for i := range msg {
		if got[i] != msg[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], msg[i])
		}
	}
}

func TestCopyFailsOnUnmappedPage(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 1)

	if CopyOut(v, alloc, uintptr(5*mem.PGSIZE), []byte("x")) {
		t.Fatal("copy_out into unmapped region should fail")
	}
	if CopyIn(v, alloc, make([]byte, 1), uintptr(5*mem.PGSIZE)) {
		t.Fatal("copy_in from unmapped region should fail")
	}
}

func TestCopyFailsOnNonUPage(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 1)
	vm.UserClear(v, alloc, 0)

	if CopyOut(v, alloc, 0, []byte("x")) {
		t.Fatal("copy_out to a non-U page should fail")
	}
}

// TestCopyInStrIdempotent covers spec.md §8: copy_in_str is idempotent
// for strings shorter than max, and returns -1 (false here) exactly when
// no NUL is within range.
func TestCopyInStrIdempotent(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 1)

	CopyOut(v, alloc, 0, []byte("hi\x00garbage"))

	buf1 := make([]byte, 32)
	n1, ok1 := CopyInStr(v, alloc, buf1, 0, 32)
	if !ok1 || n1 != 2 || string(buf1[:n1]) != "hi" {
		t.Fatalf("first copy_in_str = (%d,%v,%q), want (2,true,\"hi\")", n1, ok1, buf1[:n1])
	}

	buf2 := make([]byte, 32)
	n2, ok2 := CopyInStr(v, alloc, buf2, 0, 32)
	if !ok2 || n2 != n1 || string(buf2[:n2]) != string(buf1[:n1]) {
		t.Fatal("copy_in_str should be idempotent across repeated calls")
	}
}

func TestCopyInStrNoNulInRange(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 1)

	full := make([]byte, mem.PGSIZE)
	for i := range full {
		full[i] = 'a'
	}
	CopyOut(v, alloc, 0, full)

	_, ok := CopyInStr(v, alloc, make([]byte, 8), 0, 8)
	if ok {
		t.Fatal("copy_in_str should fail when no NUL appears within max bytes")
	}
}

func TestCopyOutCowSharesRefcount(t *testing.T) {
	alloc := mem.NewAllocator(32)
	v := freshVM(t, alloc, 1)

	kernelPA, ok := alloc.AllocFrame()
	if !ok {
		t.Fatal("out of frames")
	}
	copy(alloc.Bytes(kernelPA), []byte("shared"))

	va := uintptr(mem.PGSIZE) // fresh unmapped page beyond the image
	vm.UserGrow(v, alloc, v.Sz, va+uintptr(mem.PGSIZE))
	// Unmap the freshly-grown page first: CopyOutCow installs its own
	// leaf mapping and MapPages is fatal on remapping a valid PTE.
	pgtbl.Unmap(v.Root, alloc, va, 1, true)

	if !CopyOutCow(v, alloc, va, kernelPA, pgtbl.PTE_R|pgtbl.PTE_W|pgtbl.PTE_U) {
		t.Fatal("copy_out_cow failed")
	}
	if alloc.CowCount(kernelPA) != 2 {
		t.Fatalf("cow refcount after copy_out_cow = %d, want 2", alloc.CowCount(kernelPA))
	}

	pte, ok := pgtbl.Walk(v.Root, alloc, va, false)
	if !ok || !pte.Has(pgtbl.PTE_COW_W) || pte.Has(pgtbl.PTE_W) {
		t.Fatal("copy_out_cow should install COW_W with W cleared")
	}
}
