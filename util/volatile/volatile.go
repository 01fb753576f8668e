// Package volatile provides explicitly ordered accessors for memory that is
// shared with a device: ring fields in DMA memory and memory-mapped registers.
//
// The Go compiler is free to combine, reorder or drop ordinary loads and
// stores. None of that is acceptable for memory a device reads or writes
// concurrently, so everything in here goes through sync/atomic or through
// non-inlinable single-width accessors.
package volatile

import (
	"sync/atomic"
	"unsafe"
)

// littleEndian reports the host byte order. The 16-bit accessors operate on
// the containing 32-bit word and need to know which half p lives in.
var littleEndian = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// word returns the 4-byte aligned word containing p and the bit shift of p
// within that word.
func word(p *uint16) (*uint32, uint) {
	addr := uintptr(unsafe.Pointer(p))
	if addr&1 != 0 {
		panic("volatile: unaligned 16-bit access")
	}
	shift := uint(addr&2) * 8
	if !littleEndian {
		shift = 16 - shift
	}
	return (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) &^ 3)), shift
}

// Load16 reads the 16-bit value at p with acquire ordering: no later memory
// access is performed before it.
//
// p must be 2-byte aligned and its containing 4-byte aligned word must be
// addressable memory. This holds for every ring field, because rings live in
// page-granular DMA allocations.
func Load16(p *uint16) uint16 {
	w, shift := word(p)
	return uint16(atomic.LoadUint32(w) >> shift)
}

// Store16 writes v to p with release ordering: every earlier memory access is
// visible before the new value is. The other half of the containing word is
// preserved.
//
// The same alignment rules as for [Load16] apply. Both halves of the word must
// be owned by the writer, because the device may observe the whole word being
// rewritten.
func Store16(p *uint16, v uint16) {
	w, shift := word(p)
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(w)
		updated := old&^mask | uint32(v)<<shift
		if atomic.CompareAndSwapUint32(w, old, updated) {
			return
		}
	}
}

// Load32 reads the 32-bit value at p with acquire ordering.
func Load32(p *uint32) uint32 {
	return atomic.LoadUint32(p)
}

// Store32 writes v to p with release ordering.
func Store32(p *uint32, v uint32) {
	atomic.StoreUint32(p, v)
}

// Load64 reads the 64-bit value at p with acquire ordering. p must be 8-byte
// aligned.
func Load64(p *uint64) uint64 {
	return atomic.LoadUint64(p)
}

// Store64 writes v to p with release ordering. p must be 8-byte aligned.
func Store64(p *uint64, v uint64) {
	atomic.StoreUint64(p, v)
}

// The accessors below must never be inlined: a call boundary is what makes the
// compiler emit exactly one access of exactly the requested width.

//go:noinline
func read8(p *uint8) uint8 {
	return *p
}

//go:noinline
func write8(p *uint8, v uint8) {
	*p = v
}

//go:noinline
func read16(p *uint16) uint16 {
	return *p
}

//go:noinline
func write16(p *uint16, v uint16) {
	*p = v
}
