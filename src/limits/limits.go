// Package limits centralizes the fixed-capacity constants this kernel core
// is built around, in the spirit of the teaching kernel's own limits
// package (there: Syslimit_t; here: plain constants, since every table in
// this module's scope is a fixed-size array rather than a runtime-tunable
// resource pool).
package limits

const (
	// NOFILE is the number of open-file slots per process (§6 fd table).
	NOFILE = 16

	// NOVMA is the number of per-process VMA slots (§3 VMA table; the
	// global 20-slot pool from the original design is dropped, see
	// DESIGN.md and SPEC_FULL.md §3/§9).
	NOVMA = 16

	// MAXARG is the maximum number of exec() arguments (§6 exec).
	MAXARG = 32

	// MAXPATH bounds a path string read from user memory.
	MAXPATH = 128

	// BCACHE_BUCKETS is the number of independently-locked buffer-cache
	// shards (§4.F).
	BCACHE_BUCKETS = 17

	// BUFS_PER_BUCKET is the fixed pool size of each shard.
	BUFS_PER_BUCKET = 8
)

// KernBase divides user-mappable VA space from the reserved top-of-space
// region mmap's placement search must never wander into (spec.md §4.G
// step 2, "no valid PTE below KERNBASE"). Reserves the top 1GiB of the
// Sv39 user range.
const KernBase = uintptr(1)<<38 - uintptr(1)<<30
