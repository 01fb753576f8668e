package virtqueue

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/govirtio/util/volatile"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the guest to advise the host to
	// not interrupt it when consuming a buffer. It's unreliable, so it's simply
	// an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as virtio requires.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the device.
// Each ring entry refers to the head of a descriptor chain. It is only written
// to by the driver and read by the device.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type AvailableRing struct {
	// flags that describe this ring.
	flags *uint16
	// ringIndex indicates where the driver would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring references buffers using the index of the head of the descriptor
	// chain in the [DescriptorTable]. It wraps around at queue size.
	ring []uint16
	// usedEvent tells the device after which used ring index the driver wants
	// to be interrupted. Only meaningful with [virtio.FeatureEventIndex].
	usedEvent *uint16

	// nextIndex is the driver's copy of ringIndex. It is never read back from
	// shared memory.
	nextIndex uint16
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		flags:     (*uint16)(unsafe.Pointer(&mem[0])),
		ringIndex: (*uint16)(unsafe.Pointer(&mem[2])),
		ring:      unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// offer puts the chain head into the next ring slot and then publishes it by
// advancing the ring index. The index store has release semantics, so the
// device sees the slot and every descriptor written before it.
func (r *AvailableRing) offer(head uint16) uint16 {
	// The 16-bit ring index may overflow. This is expected and is not an
	// issue because the size of the ring array (which equals the queue
	// size) is always a power of 2 and smaller than the highest possible
	// 16-bit value.
	insertIndex := int(r.nextIndex) % len(r.ring)
	volatile.Store16(&r.ring[insertIndex], head)

	r.nextIndex++
	volatile.Store16(r.ringIndex, r.nextIndex)
	return r.nextIndex
}

// index returns the ring index as last published.
func (r *AvailableRing) index() uint16 {
	return r.nextIndex
}

func (r *AvailableRing) setFlags(flags availableRingFlag) {
	volatile.Store16(r.flags, uint16(flags))
}

func (r *AvailableRing) setUsedEvent(event uint16) {
	volatile.Store16(r.usedEvent, event)
}
