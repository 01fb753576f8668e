package volatile

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Region gives exact-width access to a memory-mapped register block.
//
// 32-bit and 64-bit accesses are atomic. 8-bit and 16-bit accesses are single
// non-inlined loads and stores of that width, which is what devices with
// byte-wide registers (such as the virtio-pci device status or the ISR) expect.
// Offsets are relative to the start of the region. Out of range or misaligned
// accesses panic, as they always indicate a driver bug.
type Region struct {
	mem []byte
}

// NewRegion wraps the given mapped memory.
func NewRegion(mem []byte) Region {
	return Region{mem: mem}
}

// Size returns the size of the region in bytes.
func (r Region) Size() uintptr {
	return uintptr(len(r.mem))
}

// Bytes returns the memory behind the region. Accessing it directly bypasses
// the ordering guarantees of this type.
func (r Region) Bytes() []byte {
	return r.mem
}

// Sub returns the part of the region starting at offset with the given size.
func (r Region) Sub(offset, size uintptr) Region {
	r.check(offset, size, 1)
	return Region{mem: r.mem[offset : offset+size]}
}

func (r Region) check(offset, width, alignment uintptr) {
	if offset+width > uintptr(len(r.mem)) || offset+width < offset {
		panic(fmt.Sprintf("volatile: access at %#x with width %d outside region of size %#x",
			offset, width, len(r.mem)))
	}
	if alignment > 1 && (uintptr(unsafe.Pointer(&r.mem[offset])))%alignment != 0 {
		panic(fmt.Sprintf("volatile: misaligned %d-byte access at offset %#x", width, offset))
	}
}

func (r Region) Read8(offset uintptr) uint8 {
	r.check(offset, 1, 1)
	return read8(&r.mem[offset])
}

func (r Region) Write8(offset uintptr, v uint8) {
	r.check(offset, 1, 1)
	write8(&r.mem[offset], v)
}

func (r Region) Read16(offset uintptr) uint16 {
	r.check(offset, 2, 2)
	return read16((*uint16)(unsafe.Pointer(&r.mem[offset])))
}

func (r Region) Write16(offset uintptr, v uint16) {
	r.check(offset, 2, 2)
	write16((*uint16)(unsafe.Pointer(&r.mem[offset])), v)
}

func (r Region) Read32(offset uintptr) uint32 {
	r.check(offset, 4, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.mem[offset])))
}

func (r Region) Write32(offset uintptr, v uint32) {
	r.check(offset, 4, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.mem[offset])), v)
}
