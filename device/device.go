// Package device brings virtio devices up over a transport: it negotiates
// features, sets up the queues of the device class and hands them out. It
// knows nothing about the requests a particular device class understands.
package device

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/slackhq/govirtio/virtqueue"
)

// ErrDeviceClosed is returned when a closed [Device] is used.
var ErrDeviceClosed = errors.New("device was closed")

// Device is a virtio device that went through initialization and has its
// queues set up. The device owns the transport from [Open] until
// [Device.Close].
type Device struct {
	transport transport.Transport
	features  virtio.Feature
	queues    []*virtqueue.SplitQueue
	l         *logrus.Logger

	interrupts metrics.Counter
	closed     bool
}

// Open initializes the device behind t and creates its queues with memory
// from h. Queues get the indexes 0 to n-1, where n comes from [QueueCount] or
// [WithQueueCount].
//
// There are multiple options that can be passed to influence bring-up:
//   - [WithQueueSize]
//   - [WithQueueCount]
//   - [WithFeatures]
//   - [WithLogger]
//   - [WithMetricsRegistry]
//
// Remember to call [Device.Close] after use to free up resources.
func Open(t transport.Transport, h hal.HAL, options ...Option) (_ *Device, err error) {
	opts := optionDefaults()
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	deviceType := t.DeviceType()
	count := opts.queueCount
	if count == 0 {
		count = QueueCount(deviceType)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: no queue layout known for %v", transport.ErrUnsupportedDeviceType, deviceType)
	}

	l := opts.l.WithField("deviceType", deviceType)

	negotiated, err := transport.BeginInit(t, opts.features)
	if err != nil {
		return nil, fmt.Errorf("begin init: %w", err)
	}
	l.WithField("features", negotiated).
		WithField("requested", opts.features).
		Info("Negotiated device features")

	dev := Device{
		transport: t,
		features:  negotiated,
		queues:    make([]*virtqueue.SplitQueue, 0, count),
		l:         opts.l,
	}

	// Clean up a partially initialized device when something fails.
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	for i := range count {
		queueOptions := []virtqueue.Option{
			virtqueue.WithIndirectDescriptors(negotiated.Has(virtio.FeatureIndirectDescriptors)),
			virtqueue.WithEventIndex(negotiated.Has(virtio.FeatureEventIndex)),
		}
		if opts.queueSize != -1 {
			queueOptions = append(queueOptions, virtqueue.WithQueueSize(opts.queueSize))
		}
		if opts.metricsRegistry != nil {
			queueOptions = append(queueOptions,
				virtqueue.WithMetricsRegistry(opts.metricsRegistry, fmt.Sprintf("%s.queue%d", opts.metricsName, i)))
		}

		var sq *virtqueue.SplitQueue
		sq, err = virtqueue.NewSplitQueue(t, h, uint16(i), queueOptions...)
		if err != nil {
			return nil, fmt.Errorf("create queue %d: %w", i, err)
		}
		dev.queues = append(dev.queues, sq)
		l.WithField("queue", i).WithField("size", sq.Size()).Debug("Queue set up")
	}

	if opts.metricsRegistry != nil {
		dev.interrupts = metrics.GetOrRegisterCounter(opts.metricsName+".interrupts", opts.metricsRegistry)
	}

	transport.FinishInit(t)
	l.WithField("queues", count).Info("Device is ready")

	return &dev, nil
}

// Transport returns the transport the device was opened on.
func (dev *Device) Transport() transport.Transport {
	return dev.transport
}

// Features returns the negotiated features.
func (dev *Device) Features() virtio.Feature {
	return dev.features
}

// NumQueues returns the number of queues that were set up.
func (dev *Device) NumQueues() int {
	return len(dev.queues)
}

// Queue returns the queue with index i, or nil if there is no such queue.
// The queue must not be used after the device was closed.
func (dev *Device) Queue(i int) *virtqueue.SplitQueue {
	if dev.closed || i < 0 || i >= len(dev.queues) {
		return nil
	}
	return dev.queues[i]
}

// AckInterrupt acknowledges a pending interrupt and reports whether the
// device had raised one.
func (dev *Device) AckInterrupt() bool {
	if dev.closed {
		return false
	}
	if !dev.transport.AckInterrupt() {
		return false
	}
	if dev.interrupts != nil {
		dev.interrupts.Inc(1)
	}
	return true
}

// Close resets the device and releases the queues afterwards, so the device
// no longer accesses any memory that is being released.
// The implementation will try to release as many resources as possible and
// collect potential errors before returning them.
func (dev *Device) Close() error {
	if dev.closed {
		return nil
	}
	dev.closed = true

	// The device stops using every queue on reset.
	transport.Reset(dev.transport)

	var errs []error
	for i, sq := range dev.queues {
		if err := sq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue %d: %w", i, err))
		}
	}
	dev.queues = nil

	dev.l.WithField("deviceType", dev.transport.DeviceType()).Debug("Device closed")
	return errors.Join(errs...)
}
