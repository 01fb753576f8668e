// Package transport defines how the driver talks to a virtio device's
// registers and implements the device initialization state machine on top of
// that. Concrete register layouts live in the mmio and pci subpackages.
package transport

import (
	"errors"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util/virtio"
)

var (
	// ErrFeatureNegotiationFailed is returned when the device did not accept
	// the driver features.
	ErrFeatureNegotiationFailed = errors.New("device rejected the negotiated features")

	// ErrQueueTooLarge is returned when a queue is configured with more
	// entries than the device supports.
	ErrQueueTooLarge = errors.New("queue size exceeds device maximum")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current device status, such as configuring queues after DRIVER_OK.
	ErrInvalidState = errors.New("operation not allowed in current device status")

	// ErrInvalidConfiguration is returned when a register region does not
	// describe a usable virtio device.
	ErrInvalidConfiguration = errors.New("invalid device configuration")

	// ErrUnsupportedDeviceType is returned when a device class is not known.
	ErrUnsupportedDeviceType = errors.New("unsupported device type")

	// ErrConfigSpaceMissing is returned when the transport has no device
	// configuration region.
	ErrConfigSpaceMissing = errors.New("device has no configuration space")

	// ErrConfigSpaceTooSmall is returned when a configuration struct does not
	// fit the device configuration region.
	ErrConfigSpaceTooSmall = errors.New("device configuration space is too small")
)

// Registers is a region of device registers. All accesses are exact-width and
// ordered. Offsets are relative to the start of the region.
//
// [volatile.Region] implements this for memory-mapped devices; tests use
// simulated devices instead.
type Registers interface {
	Read8(offset uintptr) uint8
	Read16(offset uintptr) uint16
	Read32(offset uintptr) uint32
	Write8(offset uintptr, v uint8)
	Write16(offset uintptr, v uint16)
	Write32(offset uintptr, v uint32)
	Size() uintptr
}

// Transport gives access to a virtio device independent of the bus it sits
// on. A Transport is owned by a single driver and is not safe for concurrent
// use.
type Transport interface {
	// DeviceType returns the class of the device.
	DeviceType() virtio.DeviceType
	// VendorID returns the vendor ID, or 0 if the transport has none.
	VendorID() uint32

	// ReadDeviceFeatures returns the 64-bit feature set the device offers.
	ReadDeviceFeatures() virtio.Feature
	// WriteDriverFeatures tells the device which features the driver uses.
	WriteDriverFeatures(features virtio.Feature)

	// MaxQueueSize returns the maximum number of entries of the queue, or 0
	// if the queue does not exist.
	MaxQueueSize(queue uint16) uint32
	// Notify tells the device that new buffers are available in the queue.
	Notify(queue uint16)

	Status() virtio.DeviceStatus
	SetStatus(status virtio.DeviceStatus)

	// SetGuestPageSize sets the page size the device uses to interpret
	// legacy queue addresses. It is a no-op for modern transports.
	SetGuestPageSize(pageSize uint32)
	// RequiresLegacyLayout reports whether the queue must be laid out in a
	// single contiguous region with the used ring page aligned.
	RequiresLegacyLayout() bool

	// QueueSet registers the memory of a queue with the device.
	QueueSet(queue uint16, size uint32, descriptors, driverArea, deviceArea hal.PhysAddr) error
	// QueueUnset disables a queue and clears its addresses.
	QueueUnset(queue uint16)
	// QueueUsed reports whether the queue is already set up.
	QueueUsed(queue uint16) bool

	// AckInterrupt reads and acknowledges the interrupt status. It returns
	// whether the device had a pending interrupt.
	AckInterrupt() bool

	// ConfigSpace returns the device specific configuration region, or nil if
	// there is none.
	ConfigSpace() Registers
	// ConfigGeneration returns a counter that changes whenever the device
	// changes its configuration space.
	ConfigGeneration() uint32
}
