package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// maxConfigGenerationRetries bounds how often a config read is retried while
// the device keeps changing its configuration.
const maxConfigGenerationRetries = 16

// ReadConfig reads the device configuration space into a T, which must be a
// fixed-size struct as accepted by [binary.Read]. Fields are little-endian.
//
// The read is repeated until the device reports the same configuration
// generation before and after it, so multi field values are never torn.
func ReadConfig[T any](t Transport) (T, error) {
	var out T
	regs := t.ConfigSpace()
	if regs == nil {
		return out, ErrConfigSpaceMissing
	}

	size := binary.Size(out)
	if size < 0 {
		return out, fmt.Errorf("config type %T has no fixed size", out)
	}
	if uintptr(size) > regs.Size() {
		return out, fmt.Errorf("%w: %T needs %d bytes, device has %d",
			ErrConfigSpaceTooSmall, out, size, regs.Size())
	}

	raw := make([]byte, size)
	for range maxConfigGenerationRetries {
		before := t.ConfigGeneration()
		readConfigBytes(regs, raw)
		if t.ConfigGeneration() == before {
			if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &out); err != nil {
				return out, fmt.Errorf("decode config space: %w", err)
			}
			return out, nil
		}
	}
	return out, fmt.Errorf("config space kept changing after %d reads", maxConfigGenerationRetries)
}

// readConfigBytes copies the config space into raw. Aligned words are read
// 32 bits at a time and the tail byte by byte.
func readConfigBytes(regs Registers, raw []byte) {
	i := 0
	for ; i+4 <= len(raw); i += 4 {
		binary.LittleEndian.PutUint32(raw[i:], regs.Read32(uintptr(i)))
	}
	for ; i < len(raw); i++ {
		raw[i] = regs.Read8(uintptr(i))
	}
}
