package virtqueue

import (
	"github.com/rcrowley/go-metrics"
)

type optionValues struct {
	queueSize       int
	useIndirect     bool
	useEventIndex   bool
	metricsRegistry metrics.Registry
	metricsName     string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	// Chosen from the device maximum when not set.
	queueSize: -1,
}

// Option can be passed to [NewSplitQueue] to influence queue creation.
type Option func(*optionValues)

// WithQueueSize returns an [Option] that sets the number of entries the queue
// can hold. It must be a power of 2 from 1 to 32768 and must not exceed the
// device maximum. When not set, the largest power of 2 up to
// [DefaultQueueSize] that the device supports is used.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithIndirectDescriptors returns an [Option] that makes the queue put chains
// of more than one buffer into indirect descriptor tables. Only use this when
// [virtio.FeatureIndirectDescriptors] was negotiated.
func WithIndirectDescriptors(enabled bool) Option {
	return func(o *optionValues) { o.useIndirect = enabled }
}

// WithEventIndex returns an [Option] that makes the queue use the used_event
// and avail_event fields for notification suppression. Only use this when
// [virtio.FeatureEventIndex] was negotiated.
func WithEventIndex(enabled bool) Option {
	return func(o *optionValues) { o.useEventIndex = enabled }
}

// WithMetricsRegistry returns an [Option] that registers the queue metrics in
// the given registry, prefixed with name.
func WithMetricsRegistry(registry metrics.Registry, name string) Option {
	return func(o *optionValues) {
		o.metricsRegistry = registry
		o.metricsName = name
	}
}
