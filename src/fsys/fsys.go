// Package fsys implements the syscall facade (spec.md §4.H/§6): a thin
// shell routing open/read/write/dup/close/fstat/link/unlink/mkdir/mknod/
// chdir/exec/pipe/mmap/munmap to the vm/ucopy/vma/fd packages plus the
// injected Inode/Log/Execer collaborators. Adapted from the teaching
// kernel's sys_*/fs.go call shape; path resolution beyond a single
// Cwd.Lookup/Create is out of this module's scope (spec.md §1: "the
// on-disk inode/directory logic beyond the interfaces named below is
// OUT OF SCOPE").
package fsys

import (
	"rvkernel/src/defs"
	"rvkernel/src/fd"
	"rvkernel/src/limits"
	"rvkernel/src/mem"
	"rvkernel/src/proc"
	"rvkernel/src/vma"
)

// Execer stands in for process replacement (spec.md §1's process table):
// out of this module's scope beyond the argument-checking contract Exec
// enforces before delegating.
type Execer interface {
	Exec(p *proc.Process, alloc *mem.Allocator, path string, argv []string) (int, defs.Err_t)
}

// Syscalls implements every row of the syscall table (spec.md §6) for
// one process.
type Syscalls struct {
	P     *proc.Process
	Alloc *mem.Allocator
	Log   proc.Log
	Exec_ Execer
}

// openFile is the shared open-file-description object multiple fds can
// reference after dup/fork (offset and refcount live here, not per-fd,
// matching the teaching kernel's struct file sharing model).
type openFile struct {
	ino                proc.Inode
	off                int64
	readable, writable bool
	refs               int
}

func (f *openFile) Dup() fd.File {
	f.refs++
	return f
}

func (f *openFile) Close() defs.Err_t {
	f.refs--
	return 0
}

func (f *openFile) Read(dst []byte) (int, defs.Err_t) {
	if !f.readable {
		return 0, -defs.EACCES
	}
	n, err := f.ino.ReadAt(dst, f.off)
	if err != 0 {
		return 0, err
	}
	f.off += int64(n)
	return n, 0
}

func (f *openFile) Write(src []byte) (int, defs.Err_t) {
	if !f.writable {
		return 0, -defs.EACCES
	}
	n, err := f.ino.WriteAt(src, f.off)
	if err != 0 {
		return 0, err
	}
	f.off += int64(n)
	return n, 0
}

func (f *openFile) Stat(st *fd.Stat) defs.Err_t {
	return f.ino.Stat(st)
}

// WriteAt and Writable satisfy vma.File, letting Mmap back a MAP_SHARED
// region with this fd's inode for munmap's dirty-page write-back
// (spec.md §4.G step 2).
func (f *openFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.ino.WriteAt(p, off)
	if err != 0 {
		return n, errWriteAt{err}
	}
	return n, nil
}

func (f *openFile) Writable() bool { return f.writable }

type errWriteAt struct{ err defs.Err_t }

func (e errWriteAt) Error() string { return "writeat failed" }

// Open resolves path against the process's cwd and installs an fd
// (spec.md §6 open). omode's O_CREATE bit creates a regular file;
// O_TRUNC truncates an existing one.
func (s *Syscalls) Open(path string, omode int) (int, defs.Err_t) {
	if len(path) == 0 || len(path) > limits.MAXPATH {
		return -1, -defs.ENAMETOOLONG
	}
	s.Log.BeginOp()
	defer s.Log.EndOp()

	ino, err := s.P.Cwd.Lookup(path)
	if err != 0 {
		if omode&defs.O_CREATE == 0 {
			return -1, -defs.ENOENT
		}
		ino, err = s.P.Cwd.Create(path, false)
		if err != 0 {
			return -1, err
		}
	} else if ino.IsDir() && omode != defs.O_RDONLY {
		return -1, -defs.EISDIR
	}
	if omode&defs.O_TRUNC != 0 {
		if err := ino.Truncate(); err != 0 {
			return -1, err
		}
	}

	f := &openFile{
		ino:      ino,
		readable: omode&defs.O_WRONLY == 0,
		writable: omode&(defs.O_WRONLY|defs.O_RDWR) != 0,
		refs:     1,
	}
	fdNum, aerr := s.P.Fds.Alloc(f)
	if aerr != 0 {
		return -1, aerr
	}
	return fdNum, 0
}

// Read reads up to len(buf) bytes from fd into buf.
func (s *Syscalls) Read(fdNum int, buf []byte) (int, defs.Err_t) {
	f, err := s.P.Fds.Get(fdNum)
	if err != 0 {
		return -1, err
	}
	n, rerr := f.Read(buf)
	if rerr != 0 {
		return -1, rerr
	}
	return n, 0
}

// Write writes len(buf) bytes from buf to fd.
func (s *Syscalls) Write(fdNum int, buf []byte) (int, defs.Err_t) {
	f, err := s.P.Fds.Get(fdNum)
	if err != 0 {
		return -1, err
	}
	n, werr := f.Write(buf)
	if werr != 0 {
		return -1, werr
	}
	return n, 0
}

// Dup duplicates fd at the lowest free index, sharing its offset
// (spec.md §6 dup).
func (s *Syscalls) Dup(fdNum int) (int, defs.Err_t) {
	n, err := s.P.Fds.Dup(fdNum)
	if err != 0 {
		return -1, err
	}
	return n, 0
}

// Close decrements fd's reference count, closing the underlying file on
// the last reference (spec.md §6 close).
func (s *Syscalls) Close(fdNum int) defs.Err_t {
	if err := s.P.Fds.Close(fdNum); err != 0 {
		return err
	}
	return 0
}

// Fstat populates st from fd's underlying inode (spec.md §6 fstat).
func (s *Syscalls) Fstat(fdNum int, st *fd.Stat) defs.Err_t {
	f, err := s.P.Fds.Get(fdNum)
	if err != 0 {
		return err
	}
	return f.Stat(st)
}

// Link creates newpath as another name for the inode at oldpath.
// Refuses to link a directory (spec.md §6 link).
func (s *Syscalls) Link(oldpath, newpath string) defs.Err_t {
	s.Log.BeginOp()
	defer s.Log.EndOp()

	target, err := s.P.Cwd.Lookup(oldpath)
	if err != 0 {
		return -defs.ENOENT
	}
	if target.IsDir() {
		return -defs.EPERM
	}
	return s.P.Cwd.Link(newpath, target)
}

// Unlink removes path. Refuses the fixed names "." and ".." and a
// directory whose link count exceeds 2 (spec.md §6 unlink). Emptiness is
// judged by link count alone: a directory that holds only non-directory
// entries is not detected as non-empty and is unlinked.
func (s *Syscalls) Unlink(path string) defs.Err_t {
	if path == "." || path == ".." {
		return -defs.EPERM
	}
	s.Log.BeginOp()
	defer s.Log.EndOp()

	ino, err := s.P.Cwd.Lookup(path)
	if err != 0 {
		return -defs.ENOENT
	}
	if ino.IsDir() && ino.Nlink() > 2 {
		return -defs.ENOTEMPTY
	}
	return s.P.Cwd.Unlink(path)
}

// Mkdir creates path as a new directory (spec.md §6 mkdir).
func (s *Syscalls) Mkdir(path string) defs.Err_t {
	s.Log.BeginOp()
	defer s.Log.EndOp()
	_, err := s.P.Cwd.Create(path, true)
	return err
}

// Mknod creates path as a device special file with the given major/minor
// (spec.md §6 mknod). Device-number plumbing is out of this module's
// scope; only the creation postcondition is modeled.
func (s *Syscalls) Mknod(path string, major, minor int) defs.Err_t {
	s.Log.BeginOp()
	defer s.Log.EndOp()
	_, err := s.P.Cwd.Create(path, false)
	return err
}

// Chdir changes the process's cwd to path, requiring it name a
// directory (spec.md §6 chdir).
func (s *Syscalls) Chdir(path string) defs.Err_t {
	ino, err := s.P.Cwd.Lookup(path)
	if err != 0 {
		return -defs.ENOENT
	}
	if !ino.IsDir() {
		return -defs.ENOTDIR
	}
	s.P.Cwd = ino
	return 0
}

// Exec replaces the process image with path, subject to the MAXARG /
// per-arg PGSIZE argument-checking contract (spec.md §6 exec) before
// delegating to the injected Execer.
func (s *Syscalls) Exec(path string, argv []string) (int, defs.Err_t) {
	if len(argv) > limits.MAXARG {
		return -1, -defs.EINVAL
	}
	for _, a := range argv {
		if len(a) >= mem.PGSIZE {
			return -1, -defs.EINVAL
		}
	}
	argc, err := s.Exec_.Exec(s.P, s.Alloc, path, argv)
	if err != 0 {
		return -1, err
	}
	return argc, 0
}

// Mmap installs a new mapping in the process's VMA table (spec.md §6/§4.G
// mmap). A fd of -1 with flags MapPrivate (anonymous) is permitted; any
// other fd is resolved to its backing vma.File.
func (s *Syscalls) Mmap(addr, length uintptr, prot vma.Prot, flags vma.Flags, fdNum int, offset int64) (uintptr, defs.Err_t) {
	var file vma.File
	if fdNum >= 0 {
		f, err := s.P.Fds.Get(fdNum)
		if err != 0 {
			return 0, err
		}
		vf, ok := f.(vma.File)
		if !ok {
			return 0, -defs.EINVAL
		}
		file = vf
	}
	return s.P.Vmas.Mmap(s.P.Vm, s.Alloc, addr, length, prot, flags, file, offset)
}

// Munmap tears down [addr, addr+length) (spec.md §6/§4.G munmap).
func (s *Syscalls) Munmap(addr, length uintptr) defs.Err_t {
	return s.P.Vmas.Munmap(s.P.Vm, s.Alloc, addr, length)
}
