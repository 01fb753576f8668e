package govirtio

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util/virtio"
)

// Control owns the devices brought up by [Main].
//
// Devices are not safe for concurrent use. Until [Control.Start] the caller
// may use them, afterwards they belong to the interrupt poller until
// [Control.Stop] returns.
type Control struct {
	l        *logrus.Logger
	registry metrics.Registry
	devices  []*probedDevice

	pollInterval time.Duration
	interrupts   metrics.Counter
	statsStart   func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

// DeviceInfo describes a device that was brought up.
type DeviceInfo struct {
	Name     string            `json:"name"`
	Base     hal.PhysAddr      `json:"base"`
	Type     virtio.DeviceType `json:"type"`
	Features virtio.Feature    `json:"features"`
	Queues   int               `json:"queues"`
}

// Devices lists the devices in probe order.
func (c *Control) Devices() []DeviceInfo {
	infos := make([]DeviceInfo, 0, len(c.devices))
	for _, pd := range c.devices {
		infos = append(infos, DeviceInfo{
			Name:     pd.region.name,
			Base:     pd.region.base,
			Type:     pd.dev.Transport().DeviceType(),
			Features: pd.dev.Features(),
			Queues:   pd.dev.NumQueues(),
		})
	}
	return infos
}

// Metrics returns the registry all device and queue metrics are kept in.
func (c *Control) Metrics() metrics.Registry {
	return c.registry
}

// Start runs the interrupt poller and the stats exporter, this is a nonblocking
// call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		c.statsStart()
	}

	if c.pollInterval <= 0 || len(c.devices) == 0 {
		return
	}
	c.wg.Add(1)
	go c.poll()
}

// poll acknowledges device interrupts until the control is stopped.
func (c *Control) poll() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, pd := range c.devices {
				if pd.dev.AckInterrupt() {
					c.interrupts.Inc(1)
					if c.l.IsLevelEnabled(logrus.DebugLevel) {
						c.l.WithField("name", pd.region.name).Debug("Acknowledged device interrupt")
					}
				}
			}
		}
	}
}

// Stop resets and releases every device, returns after the shutdown is complete
func (c *Control) Stop() {
	c.stop.Do(func() {
		c.cancel()
		c.wg.Wait()

		closeDevices(c.l, c.devices)
		c.devices = nil
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
