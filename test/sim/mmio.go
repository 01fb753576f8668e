package sim

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/transport/mmio"
	"github.com/slackhq/govirtio/util/virtio"
)

// MMIOSize is the size of a simulated virtio-mmio register region.
const MMIOSize = 0x200

// MMIODevice is a simulated virtio-mmio device. It implements
// [transport.Registers].
type MMIODevice struct {
	*Device

	version  mmio.Version
	magic    uint32
	rawID    uint32
	queueSel uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
}

var _ transport.Registers = (*MMIODevice)(nil)

// NewMMIODevice returns a modern virtio-mmio device offering the given
// features.
func NewMMIODevice(mem *Memory, deviceType virtio.DeviceType, offered virtio.Feature, options ...DeviceOption) *MMIODevice {
	return &MMIODevice{
		Device:  newDevice(mem, deviceType, offered, options),
		version: mmio.VersionModern,
		magic:   mmio.Magic,
		rawID:   uint32(deviceType),
	}
}

// NewLegacyMMIODevice returns a version 1 virtio-mmio device.
func NewLegacyMMIODevice(mem *Memory, deviceType virtio.DeviceType, offered virtio.Feature, options ...DeviceOption) *MMIODevice {
	d := NewMMIODevice(mem, deviceType, offered, options...)
	d.version = mmio.VersionLegacy
	return d
}

// NewEmptyMMIOSlot returns a region that looks like a virtio-mmio slot without
// a device behind it.
func NewEmptyMMIOSlot(mem *Memory) *MMIODevice {
	return NewMMIODevice(mem, virtio.DeviceTypeInvalid, 0)
}

// SetRawDeviceID overrides the device ID register.
func (m *MMIODevice) SetRawDeviceID(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawID = id
}

// SetMagic overrides the magic register.
func (m *MMIODevice) SetMagic(magic uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.magic = magic
}

// GuestPageSize returns what the driver wrote to the legacy page size register.
func (m *MMIODevice) GuestPageSize() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guestPageSize
}

func (m *MMIODevice) Size() uintptr {
	return MMIOSize
}

func (m *MMIODevice) checkRegister(offset uintptr, width int) {
	if offset+uintptr(width) > MMIOSize {
		panic(fmt.Sprintf("access at %#x outside register region", offset))
	}
	if offset < mmio.RegConfig && width != 4 {
		panic(fmt.Sprintf("%d-bit access to 32-bit register %#x", width*8, offset))
	}
}

func (m *MMIODevice) Read8(offset uintptr) uint8 {
	m.checkRegister(offset, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint8(m.configRead(offset-mmio.RegConfig, 1))
}

func (m *MMIODevice) Read16(offset uintptr) uint16 {
	m.checkRegister(offset, 2)
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint16(m.configRead(offset-mmio.RegConfig, 2))
}

func (m *MMIODevice) Write8(offset uintptr, v uint8) {
	m.checkRegister(offset, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configWrite(offset-mmio.RegConfig, 1, uint32(v))
}

func (m *MMIODevice) Write16(offset uintptr, v uint16) {
	m.checkRegister(offset, 2)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configWrite(offset-mmio.RegConfig, 2, uint32(v))
}

func (m *MMIODevice) Read32(offset uintptr) uint32 {
	m.checkRegister(offset, 4)
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= mmio.RegConfig {
		return m.configRead(offset-mmio.RegConfig, 4)
	}

	q := m.queue(m.queueSel)
	switch offset {
	case mmio.RegMagic:
		return m.magic
	case mmio.RegVersion:
		return uint32(m.version)
	case mmio.RegDeviceID:
		return m.rawID
	case mmio.RegVendorID:
		return m.vendorID
	case mmio.RegDeviceFeatures:
		if m.deviceFeaturesSel > 1 {
			return 0
		}
		return uint32(m.offered >> (32 * m.deviceFeaturesSel))
	case mmio.RegQueueNumMax:
		if q == nil {
			return 0
		}
		return q.maxSize
	case mmio.RegQueueReady:
		if q == nil {
			return 0
		}
		return boolToUint32(q.ready && m.version == mmio.VersionModern)
	case mmio.RegQueuePFN:
		if q == nil {
			return 0
		}
		return q.pfn
	case mmio.RegInterruptStatus:
		return m.interruptStatus
	case mmio.RegStatus:
		return uint32(m.status)
	case mmio.RegConfigGeneration:
		return m.readGeneration()
	default:
		return 0
	}
}

func (m *MMIODevice) Write32(offset uintptr, v uint32) {
	m.checkRegister(offset, 4)
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= mmio.RegConfig {
		m.configWrite(offset-mmio.RegConfig, 4, v)
		return
	}

	q := m.queue(m.queueSel)
	switch offset {
	case mmio.RegDeviceFeaturesSel:
		m.deviceFeaturesSel = v
	case mmio.RegDriverFeaturesSel:
		m.driverFeaturesSel = v
	case mmio.RegDriverFeatures:
		if m.driverFeaturesSel > 1 {
			return
		}
		shift := 32 * m.driverFeaturesSel
		m.driverFeatures = m.driverFeatures&^(virtio.Feature(0xffffffff)<<shift) | virtio.Feature(v)<<shift
	case mmio.RegGuestPageSize:
		m.guestPageSize = v
	case mmio.RegQueueSel:
		m.queueSel = v
	case mmio.RegQueueNotify:
		m.notify(v)
	case mmio.RegInterruptAck:
		m.ackInterrupt(v)
	case mmio.RegStatus:
		m.writeStatus(virtio.DeviceStatus(v))
	}
	if q == nil {
		return
	}

	switch offset {
	case mmio.RegQueueNum:
		q.size = v
	case mmio.RegQueueAlign:
		q.align = v
	case mmio.RegQueuePFN:
		q.pfn = v
		q.ready = v != 0
		if q.ready {
			pageSize := hal.PhysAddr(m.guestPageSize)
			q.descriptors = hal.PhysAddr(v) * pageSize
			q.driverArea = q.descriptors + hal.PhysAddr(descriptorSize*q.size)
			alignment := hal.PhysAddr(max(q.align, 1))
			q.deviceArea = (q.driverArea + hal.PhysAddr(6+2*q.size) + alignment - 1) / alignment * alignment
		}
	case mmio.RegQueueReady:
		q.ready = v == 1
	case mmio.RegQueueDescLow:
		q.descriptors = setLow(q.descriptors, v)
	case mmio.RegQueueDescHigh:
		q.descriptors = setHigh(q.descriptors, v)
	case mmio.RegQueueAvailLow:
		q.driverArea = setLow(q.driverArea, v)
	case mmio.RegQueueAvailHigh:
		q.driverArea = setHigh(q.driverArea, v)
	case mmio.RegQueueUsedLow:
		q.deviceArea = setLow(q.deviceArea, v)
	case mmio.RegQueueUsedHigh:
		q.deviceArea = setHigh(q.deviceArea, v)
	}
}

func setLow(p hal.PhysAddr, v uint32) hal.PhysAddr {
	return p&^0xffffffff | hal.PhysAddr(v)
}

func setHigh(p hal.PhysAddr, v uint32) hal.PhysAddr {
	return p&0xffffffff | hal.PhysAddr(v)<<32
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
