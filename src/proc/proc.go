// Package proc ties a Vm_t, an fd table, and a VMA table into one
// process, and implements COW Fork (spec.md §1's "process table" external
// collaborator, narrowed to exactly what this module's scope needs from
// it). Inode and Log are declared here, not in fsys, so that both proc
// and fsys can depend on them without an import cycle.
package proc

import (
	"rvkernel/src/defs"
	"rvkernel/src/fd"
	"rvkernel/src/mem"
	"rvkernel/src/vm"
	"rvkernel/src/vma"
)

// Inode is the on-disk file/directory interface this module treats as an
// external collaborator (spec.md §1): read_at/write_at/lookup/link/trunc,
// plus the bits fstat and the directory syscalls need.
type Inode interface {
	ReadAt(buf []byte, off int64) (int, defs.Err_t)
	WriteAt(buf []byte, off int64) (int, defs.Err_t)
	Lookup(name string) (Inode, defs.Err_t)
	Create(name string, dir bool) (Inode, defs.Err_t)
	Link(name string, target Inode) defs.Err_t
	Unlink(name string) defs.Err_t
	Truncate() defs.Err_t
	IsDir() bool
	Nlink() int
	Stat(*fd.Stat) defs.Err_t
}

// Log is the external crash-safety layer bracketing file-system
// mutations (spec.md §1, §6: "all file-system mutations are bracketed by
// begin_op/end_op").
type Log interface {
	BeginOp()
	EndOp()
}

// Process is one user process: its address space, open-file table,
// mmap'd regions, and current-working-directory inode.
type Process struct {
	Vm   *vm.Vm_t
	Fds  *fd.Table
	Vmas *vma.Table
	Cwd  Inode
}

// New creates a fresh process with an empty address space.
func New(alloc *mem.Allocator) (*Process, bool) {
	v, ok := vm.UserCreate(alloc)
	if !ok {
		return nil, false
	}
	return &Process{
		Vm:   v,
		Fds:  &fd.Table{},
		Vmas: &vma.Table{},
	}, true
}

// Fork implements COW fork (spec.md §4.C user_copy, consumed from the
// process-table's perspective): the child gets a private root table
// sharing parent's data pages COW, a duplicated fd table (each open file
// dup'd, bumping its refcount), and the same cwd. As DESIGN.md's
// src/proc entry records, mmap'd regions are not inherited across fork — VMA-table
// inheritance is file-system/process-table plumbing outside this
// module's named operations, so the child starts with an empty VMA
// table.
func (p *Process) Fork(alloc *mem.Allocator) (*Process, bool) {
	childVm, ok := vm.UserCreate(alloc)
	if !ok {
		return nil, false
	}
	if !vm.UserCopy(p.Vm, childVm, alloc, p.Vm.Sz) {
		vm.UserFree(childVm, alloc)
		return nil, false
	}
	return &Process{
		Vm:   childVm,
		Fds:  p.Fds.Fork(),
		Vmas: &vma.Table{},
		Cwd:  p.Cwd,
	}, true
}
