// Package pci implements the modern virtio-pci transport.
//
// Locating the capability regions in BAR space is a bus enumeration concern
// and is left to the caller: a [Transport] is built from the already mapped
// common, notify, ISR and device configuration regions.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-1090004
package pci

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/util/virtio"
)

// VendorID is the PCI vendor of every virtio device.
const VendorID = 0x1af4

// PCI device IDs.
const (
	deviceIDTransitionalFirst = 0x1000
	deviceIDTransitionalLast  = 0x103f
	deviceIDModernBase        = 0x1040
	deviceIDModernLast        = 0x107f
)

// Offsets within the common configuration structure.
const (
	CommonDeviceFeatureSelect = 0x00 // u32
	CommonDeviceFeature       = 0x04 // u32
	CommonDriverFeatureSelect = 0x08 // u32
	CommonDriverFeature       = 0x0c // u32
	CommonMSIXConfig          = 0x10 // u16
	CommonNumQueues           = 0x12 // u16
	CommonDeviceStatus        = 0x14 // u8
	CommonConfigGeneration    = 0x15 // u8
	CommonQueueSelect         = 0x16 // u16
	CommonQueueSize           = 0x18 // u16
	CommonQueueMSIXVector     = 0x1a // u16
	CommonQueueEnable         = 0x1c // u16
	CommonQueueNotifyOff      = 0x1e // u16
	CommonQueueDescLow        = 0x20 // u32
	CommonQueueDescHigh       = 0x24 // u32
	CommonQueueDriverLow      = 0x28 // u32
	CommonQueueDriverHigh     = 0x2c // u32
	CommonQueueDeviceLow      = 0x30 // u32
	CommonQueueDeviceHigh     = 0x34 // u32

	commonConfigSize = 0x38
)

// ISR status bits.
const (
	ISRQueue  = 1 << 0
	ISRConfig = 1 << 1
)

// transitionalDeviceTypes maps transitional PCI device IDs to device classes.
var transitionalDeviceTypes = map[uint16]virtio.DeviceType{
	0x1000: virtio.DeviceTypeNetwork,
	0x1001: virtio.DeviceTypeBlock,
	0x1002: virtio.DeviceTypeMemoryBalloon,
	0x1003: virtio.DeviceTypeConsole,
	0x1004: virtio.DeviceTypeSCSIHost,
	0x1005: virtio.DeviceTypeEntropySource,
	0x1009: virtio.DeviceType9P,
}

// DeviceTypeFromID returns the device class for a PCI device ID.
func DeviceTypeFromID(pciDeviceID uint16) (virtio.DeviceType, error) {
	switch {
	case pciDeviceID >= deviceIDModernBase && pciDeviceID <= deviceIDModernLast:
		t, ok := virtio.ParseDeviceType(uint32(pciDeviceID - deviceIDModernBase))
		if !ok {
			return 0, fmt.Errorf("%w: PCI device ID %#x", transport.ErrUnsupportedDeviceType, pciDeviceID)
		}
		return t, nil
	case pciDeviceID >= deviceIDTransitionalFirst && pciDeviceID <= deviceIDTransitionalLast:
		t, ok := transitionalDeviceTypes[pciDeviceID]
		if !ok {
			return 0, fmt.Errorf("%w: transitional PCI device ID %#x", transport.ErrUnsupportedDeviceType, pciDeviceID)
		}
		return t, nil
	default:
		return 0, fmt.Errorf("%w: PCI device ID %#x is not a virtio device",
			transport.ErrInvalidConfiguration, pciDeviceID)
	}
}

// Config describes an already located virtio-pci device.
type Config struct {
	VendorID uint16
	DeviceID uint16

	// Common is the common configuration structure.
	Common transport.Registers
	// Notify is the notification area and NotifyOffMultiplier is taken from
	// its capability.
	Notify              transport.Registers
	NotifyOffMultiplier uint32
	// ISR is the ISR status byte.
	ISR transport.Registers
	// Device is the device specific configuration. It may be nil.
	Device transport.Registers
}

// Transport drives a single modern virtio-pci device.
type Transport struct {
	common     transport.Registers
	notify     transport.Registers
	multiplier uint32
	isr        transport.Registers
	device     transport.Registers

	deviceType virtio.DeviceType
	vendorID   uint16
	notifyOff  map[uint16]uint16
}

var _ transport.Transport = (*Transport)(nil)

// New validates cfg and returns a transport for it.
func New(cfg Config) (*Transport, error) {
	if cfg.VendorID != VendorID {
		return nil, fmt.Errorf("%w: PCI vendor %#x is not virtio", transport.ErrInvalidConfiguration, cfg.VendorID)
	}
	deviceType, err := DeviceTypeFromID(cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	if cfg.Common == nil || cfg.Common.Size() < commonConfigSize {
		return nil, fmt.Errorf("%w: common configuration missing or too small", transport.ErrInvalidConfiguration)
	}
	if cfg.Notify == nil || cfg.ISR == nil {
		return nil, fmt.Errorf("%w: notify or ISR region missing", transport.ErrInvalidConfiguration)
	}

	return &Transport{
		common:     cfg.Common,
		notify:     cfg.Notify,
		multiplier: cfg.NotifyOffMultiplier,
		isr:        cfg.ISR,
		device:     cfg.Device,
		deviceType: deviceType,
		vendorID:   cfg.VendorID,
		notifyOff:  map[uint16]uint16{},
	}, nil
}

func (t *Transport) DeviceType() virtio.DeviceType {
	return t.deviceType
}

func (t *Transport) VendorID() uint32 {
	return uint32(t.vendorID)
}

func (t *Transport) ReadDeviceFeatures() virtio.Feature {
	t.common.Write32(CommonDeviceFeatureSelect, 0)
	lo := t.common.Read32(CommonDeviceFeature)
	t.common.Write32(CommonDeviceFeatureSelect, 1)
	hi := t.common.Read32(CommonDeviceFeature)
	return virtio.Feature(hi)<<32 | virtio.Feature(lo)
}

func (t *Transport) WriteDriverFeatures(features virtio.Feature) {
	t.common.Write32(CommonDriverFeatureSelect, 0)
	t.common.Write32(CommonDriverFeature, uint32(features))
	t.common.Write32(CommonDriverFeatureSelect, 1)
	t.common.Write32(CommonDriverFeature, uint32(features>>32))
}

// MaxQueueSize returns the queue size register of the queue. Until the driver
// writes it, it holds the maximum the device supports.
func (t *Transport) MaxQueueSize(queue uint16) uint32 {
	t.common.Write16(CommonQueueSelect, queue)
	return uint32(t.common.Read16(CommonQueueSize))
}

// NumQueues returns the number of queues the device has.
func (t *Transport) NumQueues() uint16 {
	return t.common.Read16(CommonNumQueues)
}

func (t *Transport) Notify(queue uint16) {
	off, ok := t.notifyOff[queue]
	if !ok {
		t.common.Write16(CommonQueueSelect, queue)
		off = t.common.Read16(CommonQueueNotifyOff)
	}
	t.notify.Write16(uintptr(off)*uintptr(t.multiplier), queue)
}

func (t *Transport) Status() virtio.DeviceStatus {
	return virtio.DeviceStatus(t.common.Read8(CommonDeviceStatus))
}

func (t *Transport) SetStatus(status virtio.DeviceStatus) {
	t.common.Write8(CommonDeviceStatus, uint8(status))
	if status == 0 {
		clear(t.notifyOff)
	}
}

func (t *Transport) SetGuestPageSize(uint32) {}

func (t *Transport) RequiresLegacyLayout() bool {
	return false
}

func (t *Transport) QueueSet(queue uint16, size uint32, descriptors, driverArea, deviceArea hal.PhysAddr) error {
	if t.Status().Has(virtio.DeviceStatusDriverOK) {
		return fmt.Errorf("%w: queue %d set up after DRIVER_OK", transport.ErrInvalidState, queue)
	}

	t.common.Write16(CommonQueueSelect, queue)
	maxSize := uint32(t.common.Read16(CommonQueueSize))
	if maxSize == 0 {
		return fmt.Errorf("%w: queue %d does not exist", transport.ErrInvalidConfiguration, queue)
	}
	if size > maxSize {
		return fmt.Errorf("%w: queue %d size %d, maximum %d", transport.ErrQueueTooLarge, queue, size, maxSize)
	}

	t.common.Write16(CommonQueueSize, uint16(size))
	t.common.Write32(CommonQueueDescLow, uint32(descriptors))
	t.common.Write32(CommonQueueDescHigh, uint32(descriptors>>32))
	t.common.Write32(CommonQueueDriverLow, uint32(driverArea))
	t.common.Write32(CommonQueueDriverHigh, uint32(driverArea>>32))
	t.common.Write32(CommonQueueDeviceLow, uint32(deviceArea))
	t.common.Write32(CommonQueueDeviceHigh, uint32(deviceArea>>32))
	t.notifyOff[queue] = t.common.Read16(CommonQueueNotifyOff)
	t.common.Write16(CommonQueueEnable, 1)
	return nil
}

// QueueUnset clears the addresses of a queue. Modern PCI devices do not
// support disabling a single queue, so the queue only really stops once the
// device is reset.
func (t *Transport) QueueUnset(queue uint16) {
	t.common.Write16(CommonQueueSelect, queue)
	t.common.Write16(CommonQueueEnable, 0)
	for _, reg := range []uintptr{
		CommonQueueDescLow, CommonQueueDescHigh,
		CommonQueueDriverLow, CommonQueueDriverHigh,
		CommonQueueDeviceLow, CommonQueueDeviceHigh,
	} {
		t.common.Write32(reg, 0)
	}
	delete(t.notifyOff, queue)
}

func (t *Transport) QueueUsed(queue uint16) bool {
	t.common.Write16(CommonQueueSelect, queue)
	return t.common.Read16(CommonQueueEnable) != 0
}

// AckInterrupt reads the ISR status, which clears it.
func (t *Transport) AckInterrupt() bool {
	return t.isr.Read8(0)&(ISRQueue|ISRConfig) != 0
}

func (t *Transport) ConfigSpace() transport.Registers {
	return t.device
}

func (t *Transport) ConfigGeneration() uint32 {
	return uint32(t.common.Read8(CommonConfigGeneration))
}
