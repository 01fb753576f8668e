package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/slackhq/govirtio/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(Descriptor{}))
}

func TestDescriptor_MemoryLayout(t *testing.T) {
	mem := alignedMemory(descriptorTableSize(1))
	dt := newDescriptorTable(1, mem)

	dt.createDescriptorChain([]chainBuffer{{address: 0x0102030405060708, length: 0x0a0b0c0d, writable: true}})

	assert.Equal(t, []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x0d, 0x0c, 0x0b, 0x0a,
		0x02, 0x00,
		0xff, 0xff,
	}, mem)
}

func TestDescriptor_Store(t *testing.T) {
	mem := alignedMemory(descriptorSize)
	for i := range mem {
		mem[i] = 0xee
	}
	d := (*Descriptor)(unsafe.Pointer(&mem[0]))

	d.store(0x1122334455667788, 0x99aabbcc, descriptorFlagIndirect, 0)
	assert.Equal(t, []byte{
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0xcc, 0xbb, 0xaa, 0x99,
		0x04, 0x00,
		0x00, 0x00,
	}, mem)

	d.store(0x10, 1, descriptorFlagHasNext|descriptorFlagWritable, 0x0102)
	assert.Equal(t, []byte{0x03, 0x00, 0x02, 0x01}, mem[12:])
}

func TestDescriptorTable_Chains(t *testing.T) {
	const queueSize = 8
	dt := newDescriptorTable(queueSize, alignedMemory(descriptorTableSize(queueSize)))
	assert.Equal(t, uint16(queueSize), dt.freeNum)
	assert.Equal(t, uint16(0), dt.freeHeadIndex)

	head := dt.createDescriptorChain([]chainBuffer{
		{address: 0x1000, length: 10},
		{address: 0x2000, length: 20},
		{address: 0x3000, length: 30, writable: true},
	})
	assert.Equal(t, uint16(0), head)
	assert.Equal(t, uint16(5), dt.freeNum)
	assert.Equal(t, uint16(3), dt.freeHeadIndex)

	// Chain order is buffer order, only the last descriptor ends the chain.
	assert.Equal(t, Descriptor{address: 0x1000, length: 10, flags: descriptorFlagHasNext, next: 1}, dt.descriptors[0])
	assert.Equal(t, Descriptor{address: 0x2000, length: 20, flags: descriptorFlagHasNext, next: 2}, dt.descriptors[1])
	assert.Equal(t, hal.PhysAddr(0x3000), dt.descriptors[2].address)
	assert.Equal(t, descriptorFlagWritable, dt.descriptors[2].flags)

	second := dt.createIndirectDescriptor(0x9000, 4)
	assert.Equal(t, uint16(3), second)
	assert.Equal(t, Descriptor{address: 0x9000, length: 64, flags: descriptorFlagIndirect, next: 0},
		dt.descriptors[3])

	assert.Equal(t, 3, dt.freeDescriptorChain(head))
	assert.Equal(t, uint16(0), dt.freeHeadIndex)
	assert.Equal(t, 1, dt.freeDescriptorChain(second))
	assert.Equal(t, uint16(queueSize), dt.freeNum)

	// The device scribbling over shared descriptors must not matter.
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{flags: descriptorFlagHasNext, next: uint16(i)}
	}

	// Every descriptor can still be handed out exactly once.
	seen := map[uint16]bool{}
	for range queueSize {
		h := dt.createDescriptorChain([]chainBuffer{{address: 0x1000, length: 1}})
		assert.False(t, seen[h])
		seen[h] = true
	}
	assert.Zero(t, dt.freeNum)
	assert.Equal(t, noFreeHead, dt.freeHeadIndex)
	assert.Panics(t, func() {
		dt.createDescriptorChain([]chainBuffer{{address: 0x1000, length: 1}})
	})
}

func TestDescriptorTable_CorruptedChain(t *testing.T) {
	const queueSize = 4
	dt := newDescriptorTable(queueSize, alignedMemory(descriptorTableSize(queueSize)))
	head := dt.createDescriptorChain([]chainBuffer{{length: 1}, {length: 1}})
	dt.shadow[1] = link{flags: descriptorFlagHasNext, next: head}

	assert.Panics(t, func() { dt.freeDescriptorChain(head) })
}

func TestWriteIndirectTable(t *testing.T) {
	mem := alignedMemory(2 * descriptorSize)
	writeIndirectTable(mem, []chainBuffer{
		{address: 0x10, length: 1},
		{address: 0x20, length: 2, writable: true},
	})

	table := unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), 2)
	assert.Equal(t, Descriptor{address: 0x10, length: 1, flags: descriptorFlagHasNext, next: 1}, table[0])
	assert.Equal(t, Descriptor{address: 0x20, length: 2, flags: descriptorFlagWritable}, table[1])
}

func TestQueueLayout(t *testing.T) {
	modern := newQueueLayout(256, false)
	assert.Equal(t, queueLayout{
		availableStart: 4096,
		driverSize:     4096 + 6 + 512,
		usedStart:      0,
		deviceSize:     6 + 8*256,
	}, modern)

	legacy := newQueueLayout(8, true)
	assert.Equal(t, 128, legacy.availableStart)
	assert.Equal(t, hal.PageSize, legacy.usedStart)
	assert.Equal(t, 2*hal.PageSize, legacy.driverSize)
	require.Zero(t, legacy.deviceSize)
}
