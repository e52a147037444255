// Package disk provides an in-memory virtio-like block device
// implementing bcache.BlockDevice, standing in for the virtio driver
// spec.md §1 assumes external (synchronous disk_rw). A real driver would
// issue a virtio request and suspend the caller until the device
// interrupts (spec.md §5); this implementation performs the transfer
// synchronously in the calling goroutine, which is the same observable
// contract bcache depends on.
package disk

import (
	"sync"

	"rvkernel/src/klog"
	"rvkernel/src/mem"
)

// Device is a fixed-capacity block store. A real driver would propagate
// media errors; per spec.md §7 class 4 this teaching core treats a
// device error as fatal, so Device.ReadWrite panics via klog.Fatal on an
// out-of-range block rather than returning an error.
type Device struct {
	mu     sync.Mutex
	blocks [][mem.PGSIZE]byte
}

// NewDevice creates a device with nblocks blocks, all zeroed.
func NewDevice(nblocks int) *Device {
	return &Device{blocks: make([][mem.PGSIZE]byte, nblocks)}
}

// ReadWrite implements bcache.BlockDevice.
func (d *Device) ReadWrite(block int, buf []byte, write bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if block < 0 || block >= len(d.blocks) {
		klog.Fatal("disk", "block", block, "read/write: block out of range")
	}
	if write {
		copy(d.blocks[block][:], buf)
		return
	}
	copy(buf, d.blocks[block][:])
}

// Nblocks reports the device's fixed capacity.
func (d *Device) Nblocks() int {
	return len(d.blocks)
}
