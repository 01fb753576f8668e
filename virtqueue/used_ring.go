package virtqueue

import (
	"fmt"
	"unsafe"

	"github.com/slackhq/govirtio/util/volatile"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization. Guest will still kick when it's out of buffers.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by virtio.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the device
// and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	// flags that describe this ring.
	flags *uint16
	// ringIndex indicates where the device would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent tells the driver after which available ring index the
	// device wants to be notified. Only meaningful with
	// [virtio.FeatureEventIndex].
	availableEvent *uint16

	// lastIndex is the internal ringIndex up to which all [UsedElement]s were
	// processed.
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%usedRingAlignment != 0 {
		panic("used ring memory is not aligned")
	}

	r := UsedRing{
		flags:          (*uint16)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
	r.lastIndex = volatile.Load16(r.ringIndex)
	return &r
}

// availableToTake returns how many used elements the device published that
// were not taken yet. The index is loaded with acquire semantics, so every
// element up to it is visible afterwards.
func (r *UsedRing) availableToTake() int {
	// The ring index may wrap, unsigned subtraction handles that.
	return int(volatile.Load16(r.ringIndex) - r.lastIndex)
}

// takeOne returns the next [UsedElement] the device put into the ring and
// that wasn't already returned.
func (r *UsedRing) takeOne() (UsedElement, bool) {
	if r.availableToTake() == 0 {
		return UsedElement{}, false
	}

	e := &r.ring[r.lastIndex%uint16(len(r.ring))]
	out := UsedElement{
		DescriptorIndex: volatile.Load32(&e.DescriptorIndex),
		Length:          volatile.Load32(&e.Length),
	}
	r.lastIndex++

	return out, true
}

func (r *UsedRing) noNotify() bool {
	return usedRingFlag(volatile.Load16(r.flags))&usedRingFlagNoNotify != 0
}

func (r *UsedRing) availEvent() uint16 {
	return volatile.Load16(r.availableEvent)
}
