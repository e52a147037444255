// Package fd implements the process-local open-file table (spec.md
// §4.H): fd_alloc, argfd, dup, close. Adapted from the teaching kernel's
// Fd_t/Cwd_t split, generalized to the File interface this module treats
// as opaque (spec.md §3 "Open file / inode reference").
package fd

import (
	"sync"

	"rvkernel/src/defs"
	"rvkernel/src/limits"
)

// Stat mirrors the subset of inode metadata fstat populates (spec.md
// §6): {dev, ino, type, nlink, size}.
type Stat struct {
	Dev   int
	Ino   uint64
	Type  int16
	Nlink int16
	Size  uint64
}

// File is an open-file reference: the only operations the fd facade
// consumes (spec.md §3). Concrete files (regular, pipe, device) live
// outside this module's scope.
type File interface {
	Dup() File
	Close() defs.Err_t
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Stat(*Stat) defs.Err_t
}

// Table is a process's fixed NOFILE-slot open-file table.
type Table struct {
	mu    sync.Mutex
	files [limits.NOFILE]File
}

// Alloc installs f at the lowest free index and returns that fd, or
// -defs.EMFILE if the table is full (spec.md §4.H fd_alloc).
func (t *Table) Alloc(f File) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.files {
		if existing == nil {
			t.files[i] = f
			return i, 0
		}
	}
	return -1, -defs.EMFILE
}

// Get validates fd as an open-file index and returns its handle
// (spec.md §4.H argfd).
func (t *Table) Get(fd int) (File, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= limits.NOFILE || t.files[fd] == nil {
		return nil, -defs.EBADF
	}
	return t.files[fd], 0
}

// Dup installs a second reference to fd's file at the lowest free index.
func (t *Table) Dup(fd int) (int, defs.Err_t) {
	f, err := t.Get(fd)
	if err != 0 {
		return -1, err
	}
	return t.Alloc(f.Dup())
}

// Close drops fd from the table and closes the underlying file
// reference.
func (t *Table) Close(fd int) defs.Err_t {
	t.mu.Lock()
	if fd < 0 || fd >= limits.NOFILE || t.files[fd] == nil {
		t.mu.Unlock()
		return -defs.EBADF
	}
	f := t.files[fd]
	t.files[fd] = nil
	t.mu.Unlock()
	return f.Close()
}

// Fork duplicates every open fd into a new table (for COW-forked
// children), bumping each file's reference count via Dup.
func (t *Table) Fork() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &Table{}
	for i, f := range t.files {
		if f != nil {
			child.files[i] = f.Dup()
		}
	}
	return child
}
