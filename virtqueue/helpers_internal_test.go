package virtqueue

import "unsafe"

// alignedMemory returns n bytes of 16-byte aligned memory followed by some
// padding, like ring memory inside a page.
func alignedMemory(n int) []byte {
	backing := make([]uint64, (n+7)/8+3)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), len(backing)*8)
	offset := int(-uintptr(unsafe.Pointer(&mem[0])) & 15)
	if offset+n > len(mem) {
		panic("not enough slack for alignment")
	}
	return mem[offset : offset+n]
}
