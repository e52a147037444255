// Package defs holds error codes and small shared types used across the
// kernel packages.
package defs

// Err_t is a small errno-like error code. Fallible operations return the
// negation of one of these constants (e.g. -defs.EFAULT), matching the
// calling convention of the syscalls this module backs.
type Err_t int

// / User- and resource-level error codes (spec.md §7 classes 1-2).
const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	EBADF        Err_t = 9
	ENOMEM       Err_t = 12
	EACCES       Err_t = 13
	EFAULT       Err_t = 14
	EEXIST       Err_t = 17
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	ENFILE       Err_t = 23
	EMFILE       Err_t = 24
	ENOSPC       Err_t = 28
	ENAMETOOLONG Err_t = 36
	ENOTEMPTY    Err_t = 39
	EPIPE        Err_t = 32

	// ENOHEAP is a kernel-private exhaustion code, not a POSIX errno: it
	// covers frame/VMA/fd-slot exhaustion uniformly.
	ENOHEAP Err_t = 100
)

// Tid_t identifies a thread within a process. No function in this module
// takes or returns one.
type Tid_t int

// / open(2) mode flags (spec.md §6).
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREATE = 0x200
	O_TRUNC  = 0x400
)
