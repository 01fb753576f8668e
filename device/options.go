package device

import (
	"errors"
	"fmt"
	"io"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/slackhq/govirtio/virtqueue"
)

// ErrInvalidOptions is returned by [Open] when the options contradict each
// other or are out of range.
var ErrInvalidOptions = errors.New("invalid options")

// DefaultFeatures are requested when no features were configured.
const DefaultFeatures = virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors | virtio.FeatureEventIndex

type optionValues struct {
	queueSize       int
	queueCount      int
	features        virtio.Feature
	l               *logrus.Logger
	metricsRegistry metrics.Registry
	metricsName     string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.queueSize != -1 {
		if err := virtqueue.CheckQueueSize(o.queueSize); err != nil {
			return err
		}
	}
	if o.queueCount < 0 || o.queueCount > 0xffff {
		return fmt.Errorf("queue count %d out of range", o.queueCount)
	}
	return nil
}

func optionDefaults() optionValues {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return optionValues{
		// Picked per queue from the device maximum.
		queueSize: -1,
		// Taken from the device class.
		queueCount: 0,
		features:   DefaultFeatures,
		l:          l,
	}
}

// Option can be passed to [Open] to influence device bring-up.
type Option func(*optionValues)

// WithQueueSize returns an [Option] that sets the size of every queue of the
// device. It must be a power of 2 from 1 to 32768. When not set, every queue
// gets the largest size up to [virtqueue.DefaultQueueSize] that the device
// supports.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithQueueCount returns an [Option] that sets how many queues are created,
// overriding the count known for the device class. This also allows opening
// device classes [QueueCount] does not know.
func WithQueueCount(count int) Option {
	return func(o *optionValues) { o.queueCount = count }
}

// WithFeatures returns an [Option] that sets the features requested from the
// device. Only the features the device also offers are enabled.
func WithFeatures(features virtio.Feature) Option {
	return func(o *optionValues) { o.features = features }
}

// WithLogger returns an [Option] that sets the logger for bring-up and
// teardown messages.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) {
		if l != nil {
			o.l = l
		}
	}
}

// WithMetricsRegistry returns an [Option] that registers device and queue
// metrics in the given registry. Metric names start with name.
func WithMetricsRegistry(registry metrics.Registry, name string) Option {
	return func(o *optionValues) {
		o.metricsRegistry = registry
		o.metricsName = name
	}
}
