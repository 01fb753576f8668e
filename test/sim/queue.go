package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util/virtio"
)

const (
	descriptorSize   = 16
	flagNext         = 1
	flagWrite        = 2
	flagIndirect     = 4
	availNoInterrupt = 1
	usedNoNotify     = 1
)

// ErrQueueNotReady is returned when the device side of a queue is used before
// the driver set it up.
var ErrQueueNotReady = errors.New("queue is not ready")

// Buffer is one descriptor of a chain as the device sees it.
type Buffer struct {
	Address  hal.PhysAddr
	Length   uint32
	Writable bool
}

// Chain is a descriptor chain the device took from the available ring.
type Chain struct {
	Head     uint16
	Buffers  []Buffer
	Indirect bool
}

// Readable returns the total length of the device-readable buffers.
func (c *Chain) Readable() int {
	n := 0
	for _, b := range c.Buffers {
		if !b.Writable {
			n += int(b.Length)
		}
	}
	return n
}

// Writable returns the total length of the device-writable buffers.
func (c *Chain) Writable() int {
	n := 0
	for _, b := range c.Buffers {
		if b.Writable {
			n += int(b.Length)
		}
	}
	return n
}

func (d *Device) read16(paddr hal.PhysAddr) (uint16, error) {
	b, err := d.mem.DeviceRead(paddr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Device) write16(paddr hal.PhysAddr, v uint16) error {
	return d.mem.DeviceWrite(paddr, binary.LittleEndian.AppendUint16(nil, v))
}

func (d *Device) readDescriptor(table hal.PhysAddr, index uint16) (Buffer, uint16, uint16, error) {
	b, err := d.mem.DeviceRead(table+hal.PhysAddr(index)*descriptorSize, descriptorSize)
	if err != nil {
		return Buffer{}, 0, 0, fmt.Errorf("read descriptor %d: %w", index, err)
	}
	flags := binary.LittleEndian.Uint16(b[12:])
	return Buffer{
		Address:  hal.PhysAddr(binary.LittleEndian.Uint64(b[0:])),
		Length:   binary.LittleEndian.Uint32(b[8:]),
		Writable: flags&flagWrite != 0,
	}, flags, binary.LittleEndian.Uint16(b[14:]), nil
}

func (d *Device) eventIndex() bool {
	return d.driverFeatures.Has(virtio.FeatureEventIndex)
}

// walkChain follows a chain of at most limit descriptors starting at index.
func (d *Device) walkChain(table hal.PhysAddr, index uint16, limit int, c *Chain, allowIndirect bool) error {
	seenWritable := false
	for n := 0; ; n++ {
		if n >= limit || int(index) >= limit {
			return fmt.Errorf("descriptor chain at %d is malformed", c.Head)
		}
		buf, flags, next, err := d.readDescriptor(table, index)
		if err != nil {
			return err
		}
		if flags&flagIndirect != 0 {
			if !allowIndirect || n > 0 || flags&flagNext != 0 {
				return errors.New("misplaced indirect descriptor")
			}
			c.Indirect = true
			return d.walkChain(buf.Address, 0, int(buf.Length/descriptorSize), c, false)
		}
		if seenWritable && !buf.Writable {
			return errors.New("device-readable descriptor after device-writable one")
		}
		seenWritable = seenWritable || buf.Writable
		c.Buffers = append(c.Buffers, buf)
		if flags&flagNext == 0 {
			return nil
		}
		index = next
	}
}

// PopAvail takes the next chain the driver made available on the queue. The
// second return value is false if there is none.
func (d *Device) PopAvail(queue int) (*Chain, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queue(uint32(queue))
	if q == nil || !q.ready {
		return nil, false, ErrQueueNotReady
	}

	availIndex, err := d.read16(q.driverArea + 2)
	if err != nil {
		return nil, false, err
	}
	if availIndex == q.lastAvail {
		return nil, false, nil
	}

	slot := q.driverArea + 4 + 2*hal.PhysAddr(uint32(q.lastAvail)%q.size)
	head, err := d.read16(slot)
	if err != nil {
		return nil, false, err
	}
	q.lastAvail++
	if d.eventIndex() {
		// Ask to be notified as soon as anything new is added.
		availEvent := q.deviceArea + 4 + 8*hal.PhysAddr(q.size)
		if err := d.write16(availEvent, q.lastAvail); err != nil {
			return nil, false, err
		}
	}

	c := &Chain{Head: head}
	if err := d.walkChain(q.descriptors, head, int(q.size), c, true); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// PushUsed puts a chain into the used ring and raises an interrupt unless the
// driver suppressed it.
func (d *Device) PushUsed(queue int, head uint16, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queue(uint32(queue))
	if q == nil || !q.ready {
		return ErrQueueNotReady
	}

	elem := q.deviceArea + 4 + 8*hal.PhysAddr(uint32(q.usedIndex)%q.size)
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(head))
	binary.LittleEndian.PutUint32(b[4:], length)
	if err := d.mem.DeviceWrite(elem, b[:]); err != nil {
		return err
	}

	old := q.usedIndex
	q.usedIndex++
	var flags uint16
	if d.noNotify {
		flags = usedNoNotify
	}
	if err := d.write16(q.deviceArea, flags); err != nil {
		return err
	}
	if err := d.write16(q.deviceArea+2, q.usedIndex); err != nil {
		return err
	}

	interrupt := false
	if d.eventIndex() {
		usedEvent, err := d.read16(q.driverArea + 4 + 2*hal.PhysAddr(q.size))
		if err != nil {
			return err
		}
		interrupt = q.usedIndex-usedEvent-1 < q.usedIndex-old
	} else {
		availFlags, err := d.read16(q.driverArea)
		if err != nil {
			return err
		}
		interrupt = availFlags&availNoInterrupt == 0
	}
	if interrupt {
		d.interruptStatus |= interruptVring
		d.interrupts++
	}
	return nil
}

// ReadChain returns the contents of the device-readable buffers of c.
func (d *Device) ReadChain(c *Chain) ([]byte, error) {
	var out []byte
	for _, b := range c.Buffers {
		if b.Writable {
			continue
		}
		data, err := d.mem.DeviceRead(b.Address, int(b.Length))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteChain fills the device-writable buffers of c with data and returns how
// many bytes were written.
func (d *Device) WriteChain(c *Chain, data []byte) (uint32, error) {
	var written uint32
	for _, b := range c.Buffers {
		if !b.Writable || len(data) == 0 {
			continue
		}
		n := min(int(b.Length), len(data))
		if err := d.mem.DeviceWrite(b.Address, data[:n]); err != nil {
			return written, err
		}
		data = data[n:]
		written += uint32(n)
	}
	return written, nil
}

// Complete takes the next available chain of the queue, writes response into
// its writable buffers and returns it as used. It returns the chain and the
// request the driver sent.
func (d *Device) Complete(queue int, response []byte) (*Chain, []byte, error) {
	c, ok, err := d.PopAvail(queue)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errors.New("no chain available")
	}
	request, err := d.ReadChain(c)
	if err != nil {
		return nil, nil, err
	}
	n, err := d.WriteChain(c, response)
	if err != nil {
		return nil, nil, err
	}
	return c, request, d.PushUsed(queue, c.Head, n)
}
