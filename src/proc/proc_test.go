package proc

import (
	"testing"

	"rvkernel/src/defs"
	"rvkernel/src/fd"
	"rvkernel/src/mem"
	"rvkernel/src/pgtbl"
	"rvkernel/src/vm"
)

// stubFile is a minimal open file for the fd-inheritance check.
type stubFile struct{}

func (f *stubFile) Dup() fd.File {
	return f
}

func (f *stubFile) Close() defs.Err_t {
	return 0
}

func (f *stubFile) Read(dst []byte) (int, defs.Err_t) {
	return 0, 0
}

func (f *stubFile) Write(src []byte) (int, defs.Err_t) {
	return len(src), 0
}

func (f *stubFile) Stat(*fd.Stat) defs.Err_t {
	return 0
}

func TestForkSharesFdsAndPrivatizesMemory(t *testing.T) {
	alloc := mem.NewAllocator(64)
	parent, ok := New(alloc)
	if !ok {
		t.Fatal("New failed")
	}
	if !vm.UserInit(parent.Vm, alloc, []byte("seed")) {
		t.Fatal("user_init failed")
	}
	fdNum, err := parent.Fds.Alloc(&stubFile{})
	if err != 0 {
		t.Fatalf("fd alloc failed: %d", err)
	}

	child, ok := parent.Fork(alloc)
	if !ok {
		t.Fatal("fork failed")
	}

	if _, err := child.Fds.Get(fdNum); err != 0 {
		t.Fatal("child should inherit parent's open fds")
	}

	pte, ok := pgtbl.Walk(parent.Vm.Root, alloc, 0, false)
	if !ok || !pte.Valid() {
		t.Fatal("parent va 0 should be mapped")
	}
	childPte, ok := pgtbl.Walk(child.Vm.Root, alloc, 0, false)
	if !ok || !childPte.Valid() {
		t.Fatal("child va 0 should be mapped")
	}
	if pte.Addr() != childPte.Addr() {
		t.Fatal("immediately after fork, parent and child should share the same frame (COW)")
	}

	if err := vm.ResolvePageFault(child.Vm, alloc, 0, vm.FaultWrite); err != 0 {
		t.Fatalf("child cow fault resolution failed: %d", err)
	}
	childPte, _ = pgtbl.Walk(child.Vm.Root, alloc, 0, false)
	if childPte.Addr() == pte.Addr() {
		t.Fatal("child should own a private frame after resolving its cow fault")
	}

	// Parent's page is unaffected.
	pte2, _ := pgtbl.Walk(parent.Vm.Root, alloc, 0, false)
	if alloc.Bytes(pte2.Addr())[0] != 's' {
		t.Fatal("parent's original data should be untouched")
	}
}
