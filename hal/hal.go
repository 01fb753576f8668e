// Package hal defines the contract between the virtio core and the platform
// it runs on: DMA-capable memory, address translation for caller buffers and
// access to memory-mapped register regions.
package hal

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of DMA allocations.
const PageSize = 0x1000

var (
	// ErrOutOfMemory is returned when a DMA allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("out of DMA memory")

	// ErrNotContiguous is returned when memory that the device must access
	// as a single range is not physically contiguous.
	ErrNotContiguous = errors.New("memory is not physically contiguous")

	// ErrNotShared is returned when unsharing a buffer that was never shared.
	ErrNotShared = errors.New("buffer is not shared")
)

// PhysAddr is an address as seen by the device. It is never dereferenced
// by the driver.
type PhysAddr uint64

func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Direction tells which side of the device relationship may access a shared
// buffer until it is unshared again.
type Direction int

const (
	// DriverToDevice buffers are written by the driver and only read by the
	// device.
	DriverToDevice Direction = iota
	// DeviceToDriver buffers are written by the device and read by the driver
	// after completion.
	DeviceToDriver
	// Both sides read and write the buffer.
	Both
)

func (d Direction) String() string {
	switch d {
	case DriverToDevice:
		return "DriverToDevice"
	case DeviceToDriver:
		return "DeviceToDriver"
	case Both:
		return "Both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// DeviceReadable reports whether the device may read a buffer shared in d.
func (d Direction) DeviceReadable() bool {
	return d == DriverToDevice || d == Both
}

// DeviceWritable reports whether the device may write a buffer shared in d.
func (d Direction) DeviceWritable() bool {
	return d == DeviceToDriver || d == Both
}

// HAL is implemented by the platform. Implementations must be safe for
// concurrent use.
type HAL interface {
	// Allocate returns zeroed, physically contiguous memory of exactly pages
	// pages that is coherent with the device, or [ErrOutOfMemory].
	Allocate(pages int) (PhysAddr, []byte, error)

	// Deallocate releases memory obtained from Allocate. The arguments must be
	// the values Allocate returned.
	Deallocate(paddr PhysAddr, region []byte, pages int) error

	// Share returns the device address of caller owned memory. Ownership is
	// not transferred; the caller must not touch buf in a way that violates
	// dir until Unshare was called.
	Share(buf []byte, dir Direction) (PhysAddr, error)

	// Unshare undoes Share. For DeviceToDriver buffers this is the point at
	// which the device's writes become visible to the caller.
	Unshare(paddr PhysAddr, buf []byte, dir Direction) error

	// MMIOPhysToVirt maps a register region of size bytes at paddr. It is
	// called once per device at probe time.
	MMIOPhysToVirt(paddr PhysAddr, size int) ([]byte, error)
}

// Pages returns the number of pages needed to hold size bytes.
func Pages(size int) int {
	return (size + PageSize - 1) / PageSize
}
