// Package bcache implements the sharded disk block cache (spec.md §4.F):
// BCACHE_BUCKETS independently-locked shards, each a fixed pool of
// buffers recycled in LRU order. Adapted from the teaching kernel's
// bio.c (binit/bget/bread/bwrite/brelse/bpin/bunpin), reworked per
// SPEC_FULL.md §9 into an index-based LRU slab (no unsafe self-reference
// pointer tricks) and an injected BlockDevice interface standing in for
// the virtio driver.
package bcache

import (
	"sync"

	"rvkernel/src/klog"
	"rvkernel/src/limits"
	"rvkernel/src/mem"
)

// BlockDevice stands in for the virtio block driver (spec.md §1): a
// synchronous disk_rw. Buf is exactly one block's worth of bytes.
type BlockDevice interface {
	ReadWrite(block int, buf []byte, write bool)
}

// Buffer is one cache slot: one disk block plus its cache bookkeeping.
// The sleep-lock is the embedded mutex; callers must hold it while
// reading/writing Data.
type Buffer struct {
	sync.Mutex
	Dev      int
	Block    int
	Valid    bool
	refcount int

	Data [mem.PGSIZE]byte

	prev, next int // indices into the owning bucket's bufs slab; -1 = none
}

const nilIdx = -1

type bucket struct {
	sync.Mutex
	bufs       []Buffer
	head, tail int // MRU / LRU ends of the in-use-or-free list; -1 if empty
}

// Cache is the full sharded buffer cache.
type Cache struct {
	dev     BlockDevice
	buckets [limits.BCACHE_BUCKETS]bucket
}

// NewCache builds a cache with bufsPerBucket buffers per shard, all
// initially free and threaded into each bucket's LRU list.
func NewCache(dev BlockDevice, bufsPerBucket int) *Cache {
	c := &Cache{dev: dev}
	for i := range c.buckets {
		b := &c.buckets[i]
		b.bufs = make([]Buffer, bufsPerBucket)
		b.head, b.tail = nilIdx, nilIdx
		for j := 0; j < bufsPerBucket; j++ {
			b.bufs[j].prev, b.bufs[j].next = nilIdx, nilIdx
			b.pushFront(j)
		}
	}
	return c
}

func (b *bucket) pushFront(idx int) {
	b.bufs[idx].prev = nilIdx
	b.bufs[idx].next = b.head
	if b.head != nilIdx {
		b.bufs[b.head].prev = idx
	}
	b.head = idx
	if b.tail == nilIdx {
		b.tail = idx
	}
}

func (b *bucket) unlink(idx int) {
	buf := &b.bufs[idx]
	if buf.prev != nilIdx {
		b.bufs[buf.prev].next = buf.next
	} else {
		b.head = buf.next
	}
	if buf.next != nilIdx {
		b.bufs[buf.next].prev = buf.prev
	} else {
		b.tail = buf.prev
	}
	buf.prev, buf.next = nilIdx, nilIdx
}

// moveToFront moves idx to the MRU position (bucket lock must be held).
func (b *bucket) moveToFront(idx int) {
	if b.head == idx {
		return
	}
	b.unlink(idx)
	b.pushFront(idx)
}

func bucketOf(block int) int {
	return block % limits.BCACHE_BUCKETS
}

// Bget finds or creates the buffer for (dev, block), per spec.md §4.F
// bget: hit or evict-LRU, then hand the caller a held, sleep-locked
// buffer. It klog.Fatal's if the bucket has no free buffer (no
// cross-shard eviction — Design Notes §9, kept as specified).
func (c *Cache) Bget(dev, block int) *Buffer {
	bk := &c.buckets[bucketOf(block)]
	bk.Lock()

	// Scan head->tail for a cache hit, held or not — every cached buffer
	// lives in this same list, the recycled "free" buffers are just the
	// ones with refcount 0 (spec.md §4.F step 2).
	for i := bk.head; i != nilIdx; i = bk.bufs[i].next {
		buf := &bk.bufs[i]
		if buf.Dev == dev && buf.Block == block {
			buf.refcount++
			bk.Unlock()
			buf.Lock()
			return buf
		}
	}
	for i := bk.tail; i != nilIdx; i = bk.bufs[i].prev {
		buf := &bk.bufs[i]
		if buf.refcount == 0 {
			buf.Dev = dev
			buf.Block = block
			buf.Valid = false
			buf.refcount = 1
			bk.Unlock()
			buf.Lock()
			return buf
		}
	}
	klog.Fatal("bcache", "dev", dev, "block", block, "bget: no free buffer in bucket")
	return nil
}

// Bread returns a locked, valid buffer for (dev, block), reading through
// to the device on a cache miss (spec.md §4.F bread).
func (c *Cache) Bread(dev, block int) *Buffer {
	buf := c.Bget(dev, block)
	if !buf.Valid {
		c.dev.ReadWrite(block, buf.Data[:], false)
		buf.Valid = true
	}
	return buf
}

// Bwrite writes buf to the device. The caller must already hold buf's
// sleep-lock (spec.md §4.F bwrite).
func (c *Cache) Bwrite(buf *Buffer) {
	c.dev.ReadWrite(buf.Block, buf.Data[:], true)
}

// Brelse releases the sleep-lock and drops the reference, moving the
// buffer to the MRU position once its refcount reaches zero (spec.md
// §4.F brelse). The bucket is recomputed from buf.Block, never cached.
func (c *Cache) Brelse(buf *Buffer) {
	buf.Unlock()

	bk := &c.buckets[bucketOf(buf.Block)]
	bk.Lock()
	defer bk.Unlock()
	buf.refcount--
	if buf.refcount == 0 {
		idx := c.indexOf(bk, buf)
		bk.moveToFront(idx)
	}
}

func (c *Cache) indexOf(bk *bucket, buf *Buffer) int {
	for i := range bk.bufs {
		if &bk.bufs[i] == buf {
			return i
		}
	}
	klog.Fatal("bcache", "buffer not a member of its own bucket")
	return -1
}

// Bpin increments a buffer's refcount to keep it resident (e.g. a
// log-staged buffer), without taking its sleep-lock.
func (c *Cache) Bpin(buf *Buffer) {
	bk := &c.buckets[bucketOf(buf.Block)]
	bk.Lock()
	defer bk.Unlock()
	buf.refcount++
}

// Bunpin is the inverse of Bpin.
func (c *Cache) Bunpin(buf *Buffer) {
	bk := &c.buckets[bucketOf(buf.Block)]
	bk.Lock()
	defer bk.Unlock()
	buf.refcount--
}
