package virtqueue

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/slackhq/govirtio/hal"
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally, because
// it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as virtio requires.
const descriptorTableAlignment = 16

// link is the driver-private copy of the chaining fields of a descriptor.
type link struct {
	flags descriptorFlag
	next  uint16
}

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice.
//
// The table in shared memory is only ever written by the driver. Free list and
// chain links are tracked in a private shadow copy, so whatever the device
// writes into descriptor memory cannot corrupt the driver's bookkeeping.
type DescriptorTable struct {
	descriptors []Descriptor
	shadow      []link

	// freeHeadIndex is the index of the head of the descriptor chain which
	// contains all currently unused descriptors. When all descriptors are in
	// use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

// writeIndirectTable fills an indirect descriptor table in mem with the given
// buffers in order.
func writeIndirectTable(mem []byte, buffers []chainBuffer) {
	table := unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), len(buffers))
	for i, b := range buffers {
		flags, next := b.flags(), uint16(0)
		if i < len(buffers)-1 {
			flags |= descriptorFlagHasNext
			next = uint16(i + 1)
		}
		table[i].store(b.address, b.length, flags, next)
	}
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
//
// All descriptors start out free and form the chain 0, 1, ..., queueSize-1.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%descriptorTableAlignment != 0 {
		panic("descriptor table memory is not aligned")
	}

	dt := &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		shadow:      make([]link, queueSize),
	}
	for i := range dt.shadow {
		next := uint16(i + 1)
		if i == queueSize-1 {
			next = noFreeHead
		}
		dt.shadow[i] = link{flags: descriptorFlagHasNext, next: next}
	}
	dt.freeHeadIndex = 0
	dt.freeNum = uint16(queueSize)
	return dt
}

// createDescriptorChain takes len(buffers) descriptors from the free list,
// fills them in buffer order and links them to a chain. The caller must have
// checked that enough descriptors are free.
func (dt *DescriptorTable) createDescriptorChain(buffers []chainBuffer) uint16 {
	if len(buffers) == 0 || len(buffers) > int(dt.freeNum) {
		panic(fmt.Sprintf("cannot create chain of %d descriptors, %d free", len(buffers), dt.freeNum))
	}

	head := dt.freeHeadIndex
	idx := head
	for i, b := range buffers {
		next := dt.shadow[idx].next
		flags := b.flags()
		if i < len(buffers)-1 {
			flags |= descriptorFlagHasNext
		}
		dt.shadow[idx].flags = flags
		dt.descriptors[idx].store(b.address, b.length, flags, next)
		if i < len(buffers)-1 {
			idx = next
		} else {
			dt.freeHeadIndex = next
		}
	}
	dt.freeNum -= uint16(len(buffers))
	return head
}

// createIndirectDescriptor takes a single descriptor from the free list and
// points it at an indirect table holding count descriptors.
func (dt *DescriptorTable) createIndirectDescriptor(table hal.PhysAddr, count int) uint16 {
	if dt.freeNum == 0 {
		panic("cannot create indirect descriptor, no descriptor free")
	}

	head := dt.freeHeadIndex
	dt.freeHeadIndex = dt.shadow[head].next
	dt.shadow[head].flags = descriptorFlagIndirect
	dt.descriptors[head].store(table, uint32(count*descriptorSize), descriptorFlagIndirect, 0)
	dt.freeNum--
	return head
}

// freeDescriptorChain returns the chain starting at head to the free list and
// returns the number of descriptors that were freed.
func (dt *DescriptorTable) freeDescriptorChain(head uint16) int {
	if int(head) >= len(dt.shadow) {
		panic(fmt.Sprintf("chain head %d out of range", head))
	}

	count := 1
	tail := head
	for dt.shadow[tail].flags&descriptorFlagHasNext != 0 {
		tail = dt.shadow[tail].next
		count++
		if count > len(dt.shadow) || int(tail) >= len(dt.shadow) {
			panic(fmt.Sprintf("descriptor chain starting at %d is corrupted", head))
		}
	}

	dt.shadow[tail].flags = descriptorFlagHasNext
	dt.shadow[tail].next = dt.freeHeadIndex
	dt.freeHeadIndex = head
	dt.freeNum += uint16(count)
	if int(dt.freeNum) > len(dt.shadow) {
		panic("more descriptors free than the table holds")
	}
	return count
}
