package sim

import (
	"fmt"
	"sync"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util/virtio"
)

// queueState is what a device knows about one of its queues.
type queueState struct {
	maxSize uint32
	size    uint32
	ready   bool

	descriptors hal.PhysAddr
	driverArea  hal.PhysAddr
	deviceArea  hal.PhysAddr

	// Legacy registers.
	pfn   uint32
	align uint32

	lastAvail uint16
	usedIndex uint16

	notifications int
}

// Device is the transport independent part of a simulated virtio device. It is
// safe for concurrent use.
type Device struct {
	mu sync.Mutex

	mem        *Memory
	deviceType virtio.DeviceType
	vendorID   uint32

	offered        virtio.Feature
	rejected       virtio.Feature
	driverFeatures virtio.Feature
	status         virtio.DeviceStatus

	queues          []queueState
	interruptStatus uint32
	interrupts      int

	config     []byte
	generation uint32
	// flapGeneration makes the next reads of the generation counter see it
	// change, like a device updating its config space concurrently.
	flapGeneration int

	guestPageSize uint32
	noNotify      bool
}

// DeviceOption configures a simulated [Device].
type DeviceOption func(*Device)

// WithQueues gives the device one queue per entry, with the entry as maximum
// queue size.
func WithQueues(maxSizes ...uint32) DeviceOption {
	return func(d *Device) {
		d.queues = make([]queueState, len(maxSizes))
		for i, s := range maxSizes {
			d.queues[i].maxSize = s
		}
	}
}

// WithConfig sets the initial device configuration space.
func WithConfig(config []byte) DeviceOption {
	return func(d *Device) { d.config = append([]byte(nil), config...) }
}

// WithVendorID sets the vendor ID the device reports.
func WithVendorID(id uint32) DeviceOption {
	return func(d *Device) { d.vendorID = id }
}

// WithRejectedFeatures makes the device refuse FEATURES_OK when the driver
// selects any of the given features.
func WithRejectedFeatures(f virtio.Feature) DeviceOption {
	return func(d *Device) { d.rejected = f }
}

func newDevice(mem *Memory, deviceType virtio.DeviceType, offered virtio.Feature, options []DeviceOption) *Device {
	d := &Device{
		mem:        mem,
		deviceType: deviceType,
		vendorID:   0x554d4551,
		offered:    offered,
		queues:     []queueState{{maxSize: 256}},
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Status returns the device status as last written by the driver.
func (d *Device) Status() virtio.DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// DriverFeatures returns the features the driver selected.
func (d *Device) DriverFeatures() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverFeatures
}

// Notifications returns how often the driver notified the queue.
func (d *Device) Notifications(queue int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[queue].notifications
}

// Interrupts returns how many interrupts the device raised.
func (d *Device) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupts
}

// QueueReady reports whether the driver set up the queue.
func (d *Device) QueueReady(queue int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[queue].ready
}

// QueueSize returns the size the driver configured for the queue.
func (d *Device) QueueSize(queue int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[queue].size
}

// SetNoNotify sets the used ring flag that tells the driver not to notify.
func (d *Device) SetNoNotify(noNotify bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noNotify = noNotify
}

// UpdateConfig replaces the config space, bumps the generation counter and
// raises a configuration change interrupt.
func (d *Device) UpdateConfig(config []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = append(d.config[:0], config...)
	d.generation++
	d.interruptStatus |= interruptConfig
	d.interrupts++
}

// FlapGeneration makes the next n reads of the config generation return a
// new value each time.
func (d *Device) FlapGeneration(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flapGeneration = n
}

const (
	interruptVring  = 1
	interruptConfig = 2
)

func (d *Device) reset() {
	d.status = 0
	d.driverFeatures = 0
	d.interruptStatus = 0
	for i := range d.queues {
		q := &d.queues[i]
		*q = queueState{maxSize: q.maxSize, notifications: q.notifications}
	}
}

// writeStatus is called with d.mu held.
func (d *Device) writeStatus(status virtio.DeviceStatus) {
	if status == 0 {
		d.reset()
		return
	}
	if status.Has(virtio.DeviceStatusFeaturesOK) && !d.status.Has(virtio.DeviceStatusFeaturesOK) {
		if d.driverFeatures&^d.offered != 0 || d.driverFeatures&d.rejected != 0 {
			status &^= virtio.DeviceStatusFeaturesOK
		}
	}
	d.status = status
}

func (d *Device) readGeneration() uint32 {
	if d.flapGeneration > 0 {
		d.flapGeneration--
		d.generation++
	}
	return d.generation
}

func (d *Device) queue(sel uint32) *queueState {
	if int(sel) >= len(d.queues) {
		return nil
	}
	return &d.queues[sel]
}

func (d *Device) notify(queue uint32) {
	if q := d.queue(queue); q != nil {
		q.notifications++
	}
}

func (d *Device) ackInterrupt(bits uint32) {
	d.interruptStatus &^= bits
}

func (d *Device) configByte(offset int) uint8 {
	if offset >= len(d.config) {
		return 0
	}
	return d.config[offset]
}

func (d *Device) configRead(offset uintptr, width int) uint32 {
	var v uint32
	for i := 0; i < width; i++ {
		v |= uint32(d.configByte(int(offset)+i)) << (8 * i)
	}
	return v
}

func (d *Device) configWrite(offset uintptr, width int, v uint32) {
	for i := 0; i < width; i++ {
		if o := int(offset) + i; o < len(d.config) {
			d.config[o] = byte(v >> (8 * i))
		}
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("sim %v device", d.deviceType)
}
