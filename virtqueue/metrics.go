package virtqueue

import (
	"github.com/rcrowley/go-metrics"
)

// queueMetrics are updated by a [SplitQueue]. A nil *queueMetrics is valid and
// records nothing.
type queueMetrics struct {
	added           metrics.Counter
	completed       metrics.Counter
	queueFull       metrics.Counter
	wrongToken      metrics.Counter
	freeDescriptors metrics.Gauge
}

func newQueueMetrics(registry metrics.Registry, name string) *queueMetrics {
	if registry == nil {
		return nil
	}
	return &queueMetrics{
		added:           metrics.GetOrRegisterCounter(name+".added", registry),
		completed:       metrics.GetOrRegisterCounter(name+".completed", registry),
		queueFull:       metrics.GetOrRegisterCounter(name+".queue_full", registry),
		wrongToken:      metrics.GetOrRegisterCounter(name+".wrong_token", registry),
		freeDescriptors: metrics.GetOrRegisterGauge(name+".free_descriptors", registry),
	}
}

func (m *queueMetrics) Added() {
	if m != nil {
		m.added.Inc(1)
	}
}

func (m *queueMetrics) Completed() {
	if m != nil {
		m.completed.Inc(1)
	}
}

func (m *queueMetrics) QueueFull() {
	if m != nil {
		m.queueFull.Inc(1)
	}
}

func (m *queueMetrics) WrongToken() {
	if m != nil {
		m.wrongToken.Inc(1)
	}
}

func (m *queueMetrics) FreeDescriptors(n uint16) {
	if m != nil {
		m.freeDescriptors.Update(int64(n))
	}
}
