package transport

import "fmt"

type subRegisters struct {
	parent Registers
	base   uintptr
	size   uintptr
}

// SubRegisters returns the size registers starting at offset within r.
func SubRegisters(r Registers, offset, size uintptr) Registers {
	if offset+size > r.Size() || offset+size < offset {
		panic(fmt.Sprintf("sub registers %#x+%#x outside region of size %#x", offset, size, r.Size()))
	}
	return subRegisters{parent: r, base: offset, size: size}
}

func (s subRegisters) check(offset, width uintptr) uintptr {
	if offset+width > s.size {
		panic(fmt.Sprintf("register access at %#x with width %d outside region of size %#x", offset, width, s.size))
	}
	return s.base + offset
}

func (s subRegisters) Read8(offset uintptr) uint8   { return s.parent.Read8(s.check(offset, 1)) }
func (s subRegisters) Read16(offset uintptr) uint16 { return s.parent.Read16(s.check(offset, 2)) }
func (s subRegisters) Read32(offset uintptr) uint32 { return s.parent.Read32(s.check(offset, 4)) }

func (s subRegisters) Write8(offset uintptr, v uint8)   { s.parent.Write8(s.check(offset, 1), v) }
func (s subRegisters) Write16(offset uintptr, v uint16) { s.parent.Write16(s.check(offset, 2), v) }
func (s subRegisters) Write32(offset uintptr, v uint32) { s.parent.Write32(s.check(offset, 4), v) }

func (s subRegisters) Size() uintptr { return s.size }
