// Package mmio implements the virtio-mmio transport in both its legacy
// (version 1) and modern (version 2) register layouts.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-1440002
package mmio

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/util/virtio"
)

// Magic is the value of the magic register, "virt" in little-endian.
const Magic = 0x74726976

// Register offsets. Every register is 32 bits wide.
const (
	RegMagic             = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegGuestPageSize     = 0x028 // legacy
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueAlign        = 0x03c // legacy
	RegQueuePFN          = 0x040 // legacy
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100
)

// Interrupt status bits.
const (
	InterruptVring  = 1 << 0
	InterruptConfig = 1 << 1
)

// Version is the register layout version of a virtio-mmio device.
type Version uint32

const (
	VersionLegacy Version = 1
	VersionModern Version = 2
)

func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "legacy"
	case VersionModern:
		return "modern"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(v))
	}
}

// Transport drives a single virtio-mmio device.
type Transport struct {
	regs       transport.Registers
	version    Version
	deviceType virtio.DeviceType
	vendorID   uint32
}

var _ transport.Transport = (*Transport)(nil)

// New validates the register region and returns a transport for it.
//
// Regions that do not contain a virtio device, including the empty slots that
// hypervisors reserve with a device ID of 0, are reported as
// [transport.ErrInvalidConfiguration]. Known layouts with an unknown device
// class are reported as [transport.ErrUnsupportedDeviceType].
func New(regs transport.Registers) (*Transport, error) {
	if regs.Size() < RegConfig {
		return nil, fmt.Errorf("%w: register region of %#x bytes is too small",
			transport.ErrInvalidConfiguration, regs.Size())
	}
	if magic := regs.Read32(RegMagic); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", transport.ErrInvalidConfiguration, magic)
	}

	version := Version(regs.Read32(RegVersion))
	if version != VersionLegacy && version != VersionModern {
		return nil, fmt.Errorf("%w: unsupported version %d", transport.ErrInvalidConfiguration, version)
	}

	id := regs.Read32(RegDeviceID)
	if id == 0 {
		return nil, fmt.Errorf("%w: no device in slot", transport.ErrInvalidConfiguration)
	}
	deviceType, ok := virtio.ParseDeviceType(id)
	if !ok {
		return nil, fmt.Errorf("%w: device ID %d", transport.ErrUnsupportedDeviceType, id)
	}

	return &Transport{
		regs:       regs,
		version:    version,
		deviceType: deviceType,
		vendorID:   regs.Read32(RegVendorID),
	}, nil
}

// Version returns the register layout of the device.
func (t *Transport) Version() Version {
	return t.version
}

func (t *Transport) DeviceType() virtio.DeviceType {
	return t.deviceType
}

func (t *Transport) VendorID() uint32 {
	return t.vendorID
}

func (t *Transport) ReadDeviceFeatures() virtio.Feature {
	t.regs.Write32(RegDeviceFeaturesSel, 0)
	lo := t.regs.Read32(RegDeviceFeatures)
	t.regs.Write32(RegDeviceFeaturesSel, 1)
	hi := t.regs.Read32(RegDeviceFeatures)
	return virtio.Feature(hi)<<32 | virtio.Feature(lo)
}

func (t *Transport) WriteDriverFeatures(features virtio.Feature) {
	t.regs.Write32(RegDriverFeaturesSel, 0)
	t.regs.Write32(RegDriverFeatures, uint32(features))
	t.regs.Write32(RegDriverFeaturesSel, 1)
	t.regs.Write32(RegDriverFeatures, uint32(features>>32))
}

func (t *Transport) MaxQueueSize(queue uint16) uint32 {
	t.regs.Write32(RegQueueSel, uint32(queue))
	return t.regs.Read32(RegQueueNumMax)
}

func (t *Transport) Notify(queue uint16) {
	t.regs.Write32(RegQueueNotify, uint32(queue))
}

func (t *Transport) Status() virtio.DeviceStatus {
	return virtio.DeviceStatus(t.regs.Read32(RegStatus))
}

func (t *Transport) SetStatus(status virtio.DeviceStatus) {
	t.regs.Write32(RegStatus, uint32(status))
}

func (t *Transport) SetGuestPageSize(pageSize uint32) {
	if t.version == VersionLegacy {
		t.regs.Write32(RegGuestPageSize, pageSize)
	}
}

func (t *Transport) RequiresLegacyLayout() bool {
	return t.version == VersionLegacy
}

// QueueSet registers a queue with the device. Legacy devices only take a page
// frame number, so the driver area must directly follow the descriptor table
// and the device area must start on the next page boundary after it.
func (t *Transport) QueueSet(queue uint16, size uint32, descriptors, driverArea, deviceArea hal.PhysAddr) error {
	if t.Status().Has(virtio.DeviceStatusDriverOK) {
		return fmt.Errorf("%w: queue %d set up after DRIVER_OK", transport.ErrInvalidState, queue)
	}

	t.regs.Write32(RegQueueSel, uint32(queue))
	maxSize := t.regs.Read32(RegQueueNumMax)
	if maxSize == 0 {
		return fmt.Errorf("%w: queue %d does not exist", transport.ErrInvalidConfiguration, queue)
	}
	if size > maxSize {
		return fmt.Errorf("%w: queue %d size %d, maximum %d", transport.ErrQueueTooLarge, queue, size, maxSize)
	}

	switch t.version {
	case VersionLegacy:
		if err := checkLegacyLayout(size, descriptors, driverArea, deviceArea); err != nil {
			return fmt.Errorf("queue %d: %w", queue, err)
		}
		t.regs.Write32(RegQueueNum, size)
		t.regs.Write32(RegQueueAlign, hal.PageSize)
		t.regs.Write32(RegQueuePFN, uint32(descriptors/hal.PageSize))
	default:
		t.regs.Write32(RegQueueNum, size)
		t.regs.Write32(RegQueueDescLow, uint32(descriptors))
		t.regs.Write32(RegQueueDescHigh, uint32(descriptors>>32))
		t.regs.Write32(RegQueueAvailLow, uint32(driverArea))
		t.regs.Write32(RegQueueAvailHigh, uint32(driverArea>>32))
		t.regs.Write32(RegQueueUsedLow, uint32(deviceArea))
		t.regs.Write32(RegQueueUsedHigh, uint32(deviceArea>>32))
		t.regs.Write32(RegQueueReady, 1)
	}
	return nil
}

func checkLegacyLayout(size uint32, descriptors, driverArea, deviceArea hal.PhysAddr) error {
	if descriptors%hal.PageSize != 0 {
		return fmt.Errorf("%w: legacy descriptor table at %v is not page aligned",
			transport.ErrInvalidConfiguration, descriptors)
	}
	if pfn := descriptors / hal.PageSize; pfn > 0xffffffff {
		return fmt.Errorf("%w: legacy descriptor table at %v is above the 32-bit page frame limit",
			transport.ErrInvalidConfiguration, descriptors)
	}
	if want := descriptors + hal.PhysAddr(16*size); driverArea != want {
		return fmt.Errorf("%w: legacy driver area at %v, expected %v",
			transport.ErrInvalidConfiguration, driverArea, want)
	}
	usedStart := driverArea + hal.PhysAddr(6+2*size)
	if want := (usedStart + hal.PageSize - 1) &^ (hal.PageSize - 1); deviceArea != want {
		return fmt.Errorf("%w: legacy device area at %v, expected %v",
			transport.ErrInvalidConfiguration, deviceArea, want)
	}
	return nil
}

func (t *Transport) QueueUnset(queue uint16) {
	t.regs.Write32(RegQueueSel, uint32(queue))
	if t.version == VersionLegacy {
		t.regs.Write32(RegQueueNum, 0)
		t.regs.Write32(RegQueuePFN, 0)
		return
	}

	t.regs.Write32(RegQueueReady, 0)
	t.regs.Write32(RegQueueNum, 0)
	for _, reg := range []uintptr{
		RegQueueDescLow, RegQueueDescHigh,
		RegQueueAvailLow, RegQueueAvailHigh,
		RegQueueUsedLow, RegQueueUsedHigh,
	} {
		t.regs.Write32(reg, 0)
	}
}

func (t *Transport) QueueUsed(queue uint16) bool {
	t.regs.Write32(RegQueueSel, uint32(queue))
	if t.version == VersionLegacy {
		return t.regs.Read32(RegQueuePFN) != 0
	}
	return t.regs.Read32(RegQueueReady) != 0
}

// AckInterrupt acknowledges every pending interrupt cause.
func (t *Transport) AckInterrupt() bool {
	status := t.regs.Read32(RegInterruptStatus)
	if status == 0 {
		return false
	}
	t.regs.Write32(RegInterruptAck, status)
	return true
}

func (t *Transport) ConfigSpace() transport.Registers {
	size := t.regs.Size() - RegConfig
	if size == 0 {
		return nil
	}
	return transport.SubRegisters(t.regs, RegConfig, size)
}

// ConfigGeneration is always 0 for legacy devices, which have no generation
// counter.
func (t *Transport) ConfigGeneration() uint32 {
	if t.version == VersionLegacy {
		return 0
	}
	return t.regs.Read32(RegConfigGeneration)
}
