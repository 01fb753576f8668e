package virtqueue

import (
	"errors"
	"fmt"
	"math"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/util/virtio"
)

var (
	// ErrQueueFull is returned when not enough free descriptors remain for a
	// chain. Nothing was consumed or published in that case.
	ErrQueueFull = errors.New("not enough free descriptors, queue is full")

	// ErrEmptyChain is returned when a chain would contain no buffers.
	ErrEmptyChain = errors.New("empty descriptor chains are not allowed")

	// ErrChainTooLong is returned when a chain has more buffers than the queue
	// size, with or without indirect descriptors.
	ErrChainTooLong = errors.New("descriptor chain is longer than the queue")

	// ErrBufferTooLarge is returned when a buffer does not fit the 32-bit
	// length of a descriptor.
	ErrBufferTooLarge = errors.New("buffer is too large for a descriptor")

	// ErrQueueClosed is returned when using a queue after [SplitQueue.Close].
	ErrQueueClosed = errors.New("queue is closed")

	// ErrWrongToken is returned when a chain head does not belong to a chain
	// the device reported as used.
	ErrWrongToken = errors.New("unknown descriptor chain")

	// ErrNotReady is returned when a chain is still owned by the device.
	ErrNotReady = errors.New("descriptor chain was not used yet")

	// ErrInvalidUsedLength is returned when the device claims to have written
	// more bytes than the chain had device-writable space. The chain is still
	// reclaimed.
	ErrInvalidUsedLength = errors.New("device reported a used length larger than the writable buffers")

	// ErrAlreadyUsed is returned when the queue index is already set up on the
	// device.
	ErrAlreadyUsed = errors.New("queue is already in use")

	// ErrQueueSizeUnsupported is returned when the device does not support the
	// requested queue size, or the queue at all.
	ErrQueueSizeUnsupported = errors.New("queue size not supported by device")

	// ErrChainsOutstanding is returned when closing a queue while the device
	// still owns chains and was not reset.
	ErrChainsOutstanding = errors.New("descriptor chains are still owned by the device")
)

type chainState uint8

const (
	chainFree chainState = iota
	// chainOutstanding chains were offered and not reported used yet.
	chainOutstanding
	// chainCompleted chains were reported used and wait for PopUsed.
	chainCompleted
)

// chain is the bookkeeping of a descriptor chain, indexed by its head.
type chain struct {
	state       chainState
	usedLength  uint32
	writable    uint64
	descriptors uint16
	shared      []hal.Shared
	indirect    *hal.DMA
}

// SplitQueue is a virtqueue that consists of several parts, where each part is
// writeable by either the driver or the device, but not both.
//
// A SplitQueue is not safe for concurrent use. Callers that share a queue
// between goroutines must serialize access themselves.
type SplitQueue struct {
	transport transport.Transport
	hal       hal.HAL
	index     uint16
	// size is the size of the queue.
	size int

	useIndirect   bool
	useEventIndex bool

	// driverArea holds the descriptor table and the available ring. In the
	// legacy layout it also holds the used ring and deviceArea is nil.
	driverArea *hal.DMA
	deviceArea *hal.DMA

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	chains      []chain
	outstanding int
	// kickedIndex is the available ring index at the last notification.
	kickedIndex uint16

	// scratch is reused for building chains.
	scratch []chainBuffer

	metrics *queueMetrics
	closed  bool
}

// maxBufferLength is the largest buffer a single descriptor can describe.
var maxBufferLength uint64 = math.MaxUint32

// align returns the next multiple of alignment that is greater than or equal
// to value.
func align(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

// queueLayout returns the offsets of the queue parts. In the modern layout, the
// used ring lives in a separate allocation and usedStart is relative to it.
type queueLayout struct {
	availableStart int
	driverSize     int
	usedStart      int
	deviceSize     int
}

func newQueueLayout(queueSize int, legacy bool) queueLayout {
	availableStart := align(descriptorTableSize(queueSize), availableRingAlignment)
	availableEnd := availableStart + availableRingSize(queueSize)
	if legacy {
		// Legacy devices derive the ring addresses from the page frame of the
		// descriptor table, with the used ring on the next page boundary.
		usedStart := align(availableEnd, hal.PageSize)
		return queueLayout{
			availableStart: availableStart,
			driverSize:     usedStart + align(usedRingSize(queueSize), hal.PageSize),
			usedStart:      usedStart,
		}
	}
	return queueLayout{
		availableStart: availableStart,
		driverSize:     availableEnd,
		usedStart:      0,
		deviceSize:     usedRingSize(queueSize),
	}
}

// NewSplitQueue allocates the memory for a queue and registers it with the
// device as queue queueIndex. It must be called after feature negotiation and
// before [transport.FinishInit].
func NewSplitQueue(t transport.Transport, h hal.HAL, queueIndex uint16, options ...Option) (_ *SplitQueue, err error) {
	opts := optionDefaults
	opts.apply(options)

	if t.QueueUsed(queueIndex) {
		return nil, fmt.Errorf("queue %d: %w", queueIndex, ErrAlreadyUsed)
	}
	maxSize := t.MaxQueueSize(queueIndex)
	if maxSize == 0 {
		return nil, fmt.Errorf("queue %d: %w: device has no such queue", queueIndex, ErrQueueSizeUnsupported)
	}

	queueSize := opts.queueSize
	if queueSize == -1 {
		queueSize = fitQueueSize(DefaultQueueSize, maxSize)
	}
	if err = CheckQueueSize(queueSize); err != nil {
		return nil, err
	}
	if uint32(queueSize) > maxSize {
		return nil, fmt.Errorf("queue %d: %w: size %d, device maximum %d",
			queueIndex, ErrQueueSizeUnsupported, queueSize, maxSize)
	}

	sq := SplitQueue{
		transport:     t,
		hal:           h,
		index:         queueIndex,
		size:          queueSize,
		useIndirect:   opts.useIndirect,
		useEventIndex: opts.useEventIndex,
		chains:        make([]chain, queueSize),
		scratch:       make([]chainBuffer, 0, queueSize),
		metrics:       newQueueMetrics(opts.metricsRegistry, opts.metricsName),
	}

	// Clean up a partially initialized queue when something fails.
	defer func() {
		if err != nil {
			_ = sq.releaseMemory()
		}
	}()

	legacy := t.RequiresLegacyLayout()
	layout := newQueueLayout(queueSize, legacy)

	sq.driverArea, err = hal.NewDMA(h, hal.Pages(layout.driverSize))
	if err != nil {
		return nil, fmt.Errorf("queue %d: allocate driver area: %w", queueIndex, err)
	}
	driverMem := sq.driverArea.Bytes()
	availableEnd := layout.availableStart + availableRingSize(queueSize)

	sq.descriptorTable = newDescriptorTable(queueSize, driverMem[:descriptorTableSize(queueSize)])
	sq.availableRing = newAvailableRing(queueSize, driverMem[layout.availableStart:availableEnd])

	descriptorsAddr := sq.driverArea.PhysAddr()
	availableAddr := sq.driverArea.PhysAt(layout.availableStart)
	var usedAddr hal.PhysAddr
	if legacy {
		sq.usedRing = newUsedRing(queueSize, driverMem[layout.usedStart:layout.usedStart+usedRingSize(queueSize)])
		usedAddr = sq.driverArea.PhysAt(layout.usedStart)
	} else {
		sq.deviceArea, err = hal.NewDMA(h, hal.Pages(layout.deviceSize))
		if err != nil {
			return nil, fmt.Errorf("queue %d: allocate device area: %w", queueIndex, err)
		}
		sq.usedRing = newUsedRing(queueSize, sq.deviceArea.Bytes()[:layout.deviceSize])
		usedAddr = sq.deviceArea.PhysAddr()
	}

	if err = t.QueueSet(queueIndex, uint32(queueSize), descriptorsAddr, availableAddr, usedAddr); err != nil {
		return nil, fmt.Errorf("queue %d: register with device: %w", queueIndex, err)
	}

	sq.metrics.FreeDescriptors(sq.descriptorTable.freeNum)
	return &sq, nil
}

// Size returns the size of this queue, which is the number of entries/buffers
// this queue can hold.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// QueueIndex returns the index of the queue on the device.
func (sq *SplitQueue) QueueIndex() uint16 {
	return sq.index
}

// AvailableDescriptors returns the number of free descriptors.
func (sq *SplitQueue) AvailableDescriptors() int {
	return int(sq.descriptorTable.freeNum)
}

// OutstandingChains returns the number of chains that were added and not
// popped yet.
func (sq *SplitQueue) OutstandingChains() int {
	return sq.outstanding
}

// Add offers a descriptor chain to the device which contains the
// device-readable outBuffers followed by the device-writable inBuffers, each
// buffer in its own descriptor and in the given order. The head of the chain
// identifies it in [SplitQueue.PollUsed] and [SplitQueue.PopUsed].
//
// Every buffer is shared with the device through the HAL until the chain is
// popped. Callers must not write outBuffers or read inBuffers before that.
//
// A chain holds at most [SplitQueue.Size] buffers, even when it is placed in
// an indirect table and only takes a single descriptor of the queue. Longer
// chains are rejected with [ErrChainTooLong], since a device may refuse them.
// Buffers larger than 4 GiB minus one byte are rejected with
// [ErrBufferTooLarge].
//
// When fewer descriptors are free than needed, [ErrQueueFull] is returned and
// nothing is consumed or published. Add does not notify the device, see
// [SplitQueue.Notify] and [SplitQueue.Kick].
func (sq *SplitQueue) Add(outBuffers, inBuffers [][]byte) (uint16, error) {
	if sq.closed {
		return 0, ErrQueueClosed
	}

	count := len(outBuffers) + len(inBuffers)
	if count == 0 {
		return 0, ErrEmptyChain
	}
	if count > sq.size {
		return 0, fmt.Errorf("%w: %d buffers, queue size %d", ErrChainTooLong, count, sq.size)
	}
	for _, buffers := range [][][]byte{outBuffers, inBuffers} {
		for _, b := range buffers {
			if uint64(len(b)) > maxBufferLength {
				return 0, fmt.Errorf("%w: %d bytes", ErrBufferTooLarge, len(b))
			}
		}
	}

	indirect := sq.useIndirect && count > 1
	needed := count
	if indirect {
		needed = 1
	}
	if needed > int(sq.descriptorTable.freeNum) {
		sq.metrics.QueueFull()
		return 0, ErrQueueFull
	}

	// The head is known before anything is written, because chains are always
	// taken from the front of the free list.
	head := sq.descriptorTable.freeHeadIndex
	c := &sq.chains[head]
	if c.state != chainFree {
		panic(fmt.Sprintf("free list head %d is still in use", head))
	}

	buffers := sq.scratch[:0]
	var writable uint64
	for i := 0; i < count; i++ {
		buf, dir := outBuffers, hal.DriverToDevice
		j := i
		if i >= len(outBuffers) {
			buf, dir, j = inBuffers, hal.DeviceToDriver, i-len(outBuffers)
		}
		shared, err := hal.ShareBuffer(sq.hal, buf[j], dir)
		if err != nil {
			sq.rollback(c)
			return 0, err
		}
		c.shared = append(c.shared, shared)
		buffers = append(buffers, chainBuffer{
			address:  shared.PhysAddr(),
			length:   uint32(len(buf[j])),
			writable: dir == hal.DeviceToDriver,
		})
		if dir == hal.DeviceToDriver {
			writable += uint64(len(buf[j]))
		}
	}

	if indirect {
		table, err := hal.NewDMA(sq.hal, hal.Pages(count*descriptorSize))
		if err != nil {
			sq.rollback(c)
			return 0, fmt.Errorf("allocate indirect table: %w", err)
		}
		writeIndirectTable(table.Bytes(), buffers)
		c.indirect = table
		sq.descriptorTable.createIndirectDescriptor(table.PhysAddr(), count)
	} else {
		sq.descriptorTable.createDescriptorChain(buffers)
	}

	c.state = chainOutstanding
	c.writable = writable
	c.descriptors = uint16(needed)
	c.usedLength = 0
	sq.outstanding++

	sq.availableRing.offer(head)

	sq.metrics.Added()
	sq.metrics.FreeDescriptors(sq.descriptorTable.freeNum)
	return head, nil
}

// rollback releases the buffers of a chain that was never published.
func (sq *SplitQueue) rollback(c *chain) {
	for i := range c.shared {
		_ = c.shared[i].Release()
	}
	clear(c.shared)
	c.shared = c.shared[:0]
}

// Notify tells the device that new chains are available. Callers may batch
// several calls to [SplitQueue.Add] before a single notification.
func (sq *SplitQueue) Notify() {
	if sq.closed {
		return
	}
	sq.kickedIndex = sq.availableRing.index()
	sq.transport.Notify(sq.index)
}

// ShouldNotify reports whether the device asked to be notified about the
// chains added since the last notification.
func (sq *SplitQueue) ShouldNotify() bool {
	if sq.closed {
		return false
	}
	if sq.useEventIndex {
		return needEvent(sq.usedRing.availEvent(), sq.availableRing.index(), sq.kickedIndex)
	}
	return !sq.usedRing.noNotify()
}

// Kick notifies the device if [SplitQueue.ShouldNotify] says so and reports
// whether it did.
func (sq *SplitQueue) Kick() bool {
	if sq.closed {
		return false
	}
	if !sq.ShouldNotify() {
		sq.kickedIndex = sq.availableRing.index()
		return false
	}
	sq.Notify()
	return true
}

// needEvent reports whether moving an index from old to current passed event.
func needEvent(event, current, old uint16) bool {
	return current-event-1 < current-old
}

// CanPop reports whether the device returned chains that were not seen by
// [SplitQueue.PollUsed] yet.
func (sq *SplitQueue) CanPop() bool {
	if sq.closed {
		return false
	}
	return sq.usedRing.availableToTake() > 0
}

// PollUsed returns the next element of the used ring the device published, in
// ring order, or false if there is none. Elements that name a chain the driver
// has outstanding mark that chain as completed, so it can be taken back with
// [SplitQueue.PopUsed]. Other elements are returned as they are.
func (sq *SplitQueue) PollUsed() (UsedElement, bool) {
	if sq.closed {
		return UsedElement{}, false
	}
	elem, ok := sq.usedRing.takeOne()
	if !ok {
		return UsedElement{}, false
	}

	if head, valid := elem.GetHead(); valid && int(head) < sq.size {
		if c := &sq.chains[head]; c.state == chainOutstanding {
			c.state = chainCompleted
			c.usedLength = elem.Length
		} else {
			sq.metrics.WrongToken()
		}
	} else {
		sq.metrics.WrongToken()
	}

	if sq.useEventIndex {
		// Ask for an interrupt as soon as the next chain is used.
		sq.availableRing.setUsedEvent(sq.usedRing.lastIndex)
	}
	return elem, true
}

// PopUsed takes back a chain that the device reported as used. All of its
// descriptors are returned to the free list and its buffers are unshared. The
// number of bytes the device wrote into the device-writable buffers is
// returned.
//
// [ErrWrongToken] is returned if head is not an outstanding chain and
// [ErrNotReady] if it was not reported as used yet. In both cases nothing
// changes. After [SplitQueue.Close] it returns [ErrQueueClosed].
func (sq *SplitQueue) PopUsed(head uint16) (uint32, error) {
	if sq.closed {
		return 0, ErrQueueClosed
	}
	if int(head) >= sq.size {
		sq.metrics.WrongToken()
		return 0, fmt.Errorf("%w: head %d out of range", ErrWrongToken, head)
	}

	c := &sq.chains[head]
	switch c.state {
	case chainFree:
		sq.metrics.WrongToken()
		return 0, fmt.Errorf("%w: head %d is not outstanding", ErrWrongToken, head)
	case chainOutstanding:
		return 0, fmt.Errorf("%w: head %d", ErrNotReady, head)
	}

	length, writable := c.usedLength, c.writable
	err := sq.reclaim(head)
	sq.metrics.Completed()
	sq.metrics.FreeDescriptors(sq.descriptorTable.freeNum)

	if uint64(length) > writable {
		return 0, errors.Join(fmt.Errorf("%w: %d bytes, %d writable", ErrInvalidUsedLength, length, writable), err)
	}
	return length, err
}

// reclaim returns the descriptors of a chain to the free list and releases
// everything that belonged to it.
func (sq *SplitQueue) reclaim(head uint16) error {
	c := &sq.chains[head]

	var errs []error
	for i := range c.shared {
		if err := c.shared[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(c.shared)
	c.shared = c.shared[:0]
	if err := c.indirect.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release indirect table: %w", err))
	}
	c.indirect = nil

	if freed := sq.descriptorTable.freeDescriptorChain(head); freed != int(c.descriptors) {
		panic(fmt.Sprintf("chain %d freed %d descriptors, expected %d", head, freed, c.descriptors))
	}
	c.state = chainFree
	c.usedLength = 0
	c.writable = 0
	c.descriptors = 0
	sq.outstanding--

	return errors.Join(errs...)
}

// DisableInterrupts asks the device not to interrupt when it uses chains. The
// device may ignore this.
func (sq *SplitQueue) DisableInterrupts() {
	if !sq.closed && !sq.useEventIndex {
		sq.availableRing.setFlags(availableRingFlagNoInterrupt)
	}
}

// EnableInterrupts undoes [SplitQueue.DisableInterrupts].
func (sq *SplitQueue) EnableInterrupts() {
	if sq.closed {
		return
	}
	sq.availableRing.setFlags(0)
	if sq.useEventIndex {
		sq.availableRing.setUsedEvent(sq.usedRing.lastIndex)
	}
}

// Close unregisters the queue from the device and releases all memory.
//
// While the device owns chains, their buffers may still be accessed, so Close
// refuses with [ErrChainsOutstanding] unless the device was reset. After a
// reset all chains are taken back.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (sq *SplitQueue) Close() error {
	if sq.closed {
		return nil
	}
	if sq.outstanding > 0 && sq.transport.Status() != 0 {
		return fmt.Errorf("queue %d: %w: %d chains", sq.index, ErrChainsOutstanding, sq.outstanding)
	}

	var errs []error
	for head := range sq.chains {
		if sq.chains[head].state != chainFree {
			if err := sq.reclaim(uint16(head)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	sq.transport.QueueUnset(sq.index)
	if err := sq.releaseMemory(); err != nil {
		errs = append(errs, err)
	}
	sq.closed = true

	return errors.Join(errs...)
}

func (sq *SplitQueue) releaseMemory() error {
	var errs []error
	if err := sq.deviceArea.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release device area: %w", err))
	}
	if err := sq.driverArea.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release driver area: %w", err))
	}
	return errors.Join(errs...)
}

// Features returns the features a queue can make use of, for requesting them
// during feature negotiation.
func Features() virtio.Feature {
	return virtio.FeatureIndirectDescriptors | virtio.FeatureEventIndex
}
