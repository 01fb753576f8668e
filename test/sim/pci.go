package sim

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/transport/pci"
	"github.com/slackhq/govirtio/util/virtio"
)

// NotifyOffMultiplier is the notify_off_multiplier of simulated PCI devices.
const NotifyOffMultiplier = 4

// PCIDevice is a simulated modern virtio-pci device. Its capability regions
// are returned by [PCIDevice.Config].
type PCIDevice struct {
	*Device

	deviceID uint16
	queueSel uint16

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
}

// NewPCIDevice returns a modern virtio-pci device offering the given features.
func NewPCIDevice(mem *Memory, deviceType virtio.DeviceType, offered virtio.Feature, options ...DeviceOption) *PCIDevice {
	return &PCIDevice{
		Device:   newDevice(mem, deviceType, offered, options),
		deviceID: 0x1040 + uint16(deviceType),
	}
}

// Config returns the located capability regions of the device.
func (p *PCIDevice) Config() pci.Config {
	return pci.Config{
		VendorID:            pci.VendorID,
		DeviceID:            p.deviceID,
		Common:              pciCommon{p},
		Notify:              pciNotify{p: p},
		NotifyOffMultiplier: NotifyOffMultiplier,
		ISR:                 pciISR{p: p},
		Device:              pciDeviceConfig{p},
	}
}

// pciRegisters rejects every access width not explicitly handled.
type pciRegisters struct{}

func (pciRegisters) Read8(offset uintptr) uint8 {
	panic(fmt.Sprintf("unexpected 8-bit read at %#x", offset))
}
func (pciRegisters) Read16(offset uintptr) uint16 {
	panic(fmt.Sprintf("unexpected 16-bit read at %#x", offset))
}
func (pciRegisters) Read32(offset uintptr) uint32 {
	panic(fmt.Sprintf("unexpected 32-bit read at %#x", offset))
}
func (pciRegisters) Write8(offset uintptr, _ uint8) {
	panic(fmt.Sprintf("unexpected 8-bit write at %#x", offset))
}
func (pciRegisters) Write16(offset uintptr, _ uint16) {
	panic(fmt.Sprintf("unexpected 16-bit write at %#x", offset))
}
func (pciRegisters) Write32(offset uintptr, _ uint32) {
	panic(fmt.Sprintf("unexpected 32-bit write at %#x", offset))
}

type pciCommon struct{ p *PCIDevice }

var _ transport.Registers = pciCommon{}

func (c pciCommon) Size() uintptr { return 0x38 }

func (c pciCommon) Read8(offset uintptr) uint8 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	switch offset {
	case pci.CommonDeviceStatus:
		return uint8(c.p.status)
	case pci.CommonConfigGeneration:
		return uint8(c.p.readGeneration())
	}
	return pciRegisters{}.Read8(offset)
}

func (c pciCommon) Write8(offset uintptr, v uint8) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if offset != pci.CommonDeviceStatus {
		pciRegisters{}.Write8(offset, v)
	}
	c.p.writeStatus(virtio.DeviceStatus(v))
}

func (c pciCommon) Read16(offset uintptr) uint16 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	q := c.p.queue(uint32(c.p.queueSel))
	switch offset {
	case pci.CommonNumQueues:
		return uint16(len(c.p.queues))
	case pci.CommonQueueSelect:
		return c.p.queueSel
	case pci.CommonMSIXConfig, pci.CommonQueueMSIXVector:
		return 0xffff
	}
	if q == nil {
		return 0
	}
	switch offset {
	case pci.CommonQueueSize:
		if q.size != 0 {
			return uint16(q.size)
		}
		return uint16(q.maxSize)
	case pci.CommonQueueEnable:
		return uint16(boolToUint32(q.ready))
	case pci.CommonQueueNotifyOff:
		return c.p.queueSel
	}
	return pciRegisters{}.Read16(offset)
}

func (c pciCommon) Write16(offset uintptr, v uint16) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if offset == pci.CommonQueueSelect {
		c.p.queueSel = v
		return
	}
	q := c.p.queue(uint32(c.p.queueSel))
	if q == nil {
		return
	}
	switch offset {
	case pci.CommonQueueSize:
		q.size = uint32(v)
	case pci.CommonQueueEnable:
		q.ready = v == 1
	case pci.CommonQueueMSIXVector:
	default:
		pciRegisters{}.Write16(offset, v)
	}
}

func (c pciCommon) Read32(offset uintptr) uint32 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	switch offset {
	case pci.CommonDeviceFeatureSelect:
		return c.p.deviceFeaturesSel
	case pci.CommonDeviceFeature:
		if c.p.deviceFeaturesSel > 1 {
			return 0
		}
		return uint32(c.p.offered >> (32 * c.p.deviceFeaturesSel))
	case pci.CommonDriverFeatureSelect:
		return c.p.driverFeaturesSel
	case pci.CommonDriverFeature:
		if c.p.driverFeaturesSel > 1 {
			return 0
		}
		return uint32(c.p.driverFeatures >> (32 * c.p.driverFeaturesSel))
	}
	q := c.p.queue(uint32(c.p.queueSel))
	if q == nil {
		return 0
	}
	switch offset {
	case pci.CommonQueueDescLow:
		return uint32(q.descriptors)
	case pci.CommonQueueDescHigh:
		return uint32(q.descriptors >> 32)
	case pci.CommonQueueDriverLow:
		return uint32(q.driverArea)
	case pci.CommonQueueDriverHigh:
		return uint32(q.driverArea >> 32)
	case pci.CommonQueueDeviceLow:
		return uint32(q.deviceArea)
	case pci.CommonQueueDeviceHigh:
		return uint32(q.deviceArea >> 32)
	}
	return pciRegisters{}.Read32(offset)
}

func (c pciCommon) Write32(offset uintptr, v uint32) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	switch offset {
	case pci.CommonDeviceFeatureSelect:
		c.p.deviceFeaturesSel = v
		return
	case pci.CommonDriverFeatureSelect:
		c.p.driverFeaturesSel = v
		return
	case pci.CommonDriverFeature:
		if c.p.driverFeaturesSel <= 1 {
			shift := 32 * c.p.driverFeaturesSel
			c.p.driverFeatures = c.p.driverFeatures&^(virtio.Feature(0xffffffff)<<shift) | virtio.Feature(v)<<shift
		}
		return
	}
	q := c.p.queue(uint32(c.p.queueSel))
	if q == nil {
		return
	}
	var target *hal.PhysAddr
	high := false
	switch offset {
	case pci.CommonQueueDescLow, pci.CommonQueueDescHigh:
		target, high = &q.descriptors, offset == pci.CommonQueueDescHigh
	case pci.CommonQueueDriverLow, pci.CommonQueueDriverHigh:
		target, high = &q.driverArea, offset == pci.CommonQueueDriverHigh
	case pci.CommonQueueDeviceLow, pci.CommonQueueDeviceHigh:
		target, high = &q.deviceArea, offset == pci.CommonQueueDeviceHigh
	default:
		pciRegisters{}.Write32(offset, v)
	}
	if high {
		*target = setHigh(*target, v)
	} else {
		*target = setLow(*target, v)
	}
}

type pciNotify struct {
	pciRegisters
	p *PCIDevice
}

func (n pciNotify) Size() uintptr {
	return uintptr(len(n.p.queues)) * NotifyOffMultiplier
}

func (n pciNotify) Write16(offset uintptr, v uint16) {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()
	if offset != uintptr(v)*NotifyOffMultiplier {
		panic(fmt.Sprintf("notification for queue %d written at %#x", v, offset))
	}
	n.p.notify(uint32(v))
}

type pciISR struct {
	pciRegisters
	p *PCIDevice
}

func (i pciISR) Size() uintptr { return 1 }

// Read8 returns the interrupt status and clears it.
func (i pciISR) Read8(offset uintptr) uint8 {
	i.p.mu.Lock()
	defer i.p.mu.Unlock()
	status := i.p.interruptStatus
	i.p.interruptStatus = 0
	return uint8(status)
}

type pciDeviceConfig struct{ p *PCIDevice }

func (c pciDeviceConfig) Size() uintptr { return uintptr(len(c.p.config)) }

func (c pciDeviceConfig) Read8(offset uintptr) uint8 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return uint8(c.p.configRead(offset, 1))
}

func (c pciDeviceConfig) Read16(offset uintptr) uint16 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return uint16(c.p.configRead(offset, 2))
}

func (c pciDeviceConfig) Read32(offset uintptr) uint32 {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.configRead(offset, 4)
}

func (c pciDeviceConfig) Write8(offset uintptr, v uint8) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.configWrite(offset, 1, uint32(v))
}

func (c pciDeviceConfig) Write16(offset uintptr, v uint16) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.configWrite(offset, 2, uint32(v))
}

func (c pciDeviceConfig) Write32(offset uintptr, v uint32) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.configWrite(offset, 4, v)
}
