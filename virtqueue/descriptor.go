package virtqueue

import (
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util/volatile"
)

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	// Only allowed when the [virtio.FeatureIndirectDescriptors] feature was
	// negotiated.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes a buffer which is either read-only for the device or
// write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers. Device-readable
// descriptors always come first in a chain.
type Descriptor struct {
	// address is the device address of the memory holding the data for this
	// descriptor.
	address hal.PhysAddr
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this descriptor
	// chain when the [descriptorFlagHasNext] flag is set.
	next uint16
}

// store writes all fields of d to descriptor memory the device may read.
func (d *Descriptor) store(address hal.PhysAddr, length uint32, flags descriptorFlag, next uint16) {
	volatile.Store64((*uint64)(&d.address), uint64(address))
	volatile.Store32(&d.length, length)
	volatile.Store16((*uint16)(&d.flags), uint16(flags))
	volatile.Store16(&d.next, next)
}

// chainBuffer is a buffer on its way into a descriptor.
type chainBuffer struct {
	address  hal.PhysAddr
	length   uint32
	writable bool
}

func (b chainBuffer) flags() descriptorFlag {
	if b.writable {
		return descriptorFlagWritable
	}
	return 0
}
