// Package govirtio probes virtio-mmio regions listed in the config and brings
// the devices in them up. It is the library behind cmd/virtio-probe.
package govirtio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/config"
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main loads the probe settings from c and brings up every configured device
// using memory from h. With configTest set, the config is only validated and
// no device is touched.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, h hal.HAL) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("logging") {
			return
		}
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	regions, err := regionsFromConfig(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load probe.devices", nil, err)
	}

	concurrency := c.GetInt("probe.concurrency", 4)
	if concurrency < 1 {
		return nil, util.NewContextualError("Invalid probe.concurrency", m{"concurrency": concurrency}, nil)
	}

	pollInterval := c.GetDuration("poll.interval", 100*time.Millisecond)

	registry := metrics.NewRegistry()
	statsStart, err := startStats(l, c, registry, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &Control{
		l:            l,
		registry:     registry,
		pollInterval: pollInterval,
		interrupts:   metrics.GetOrRegisterCounter("virtio.interrupts", registry),
		statsStart:   statsStart,
		ctx:          ctx,
		cancel:       cancel,
	}

	if configTest {
		return ctrl, nil
	}
	if h == nil {
		cancel()
		return nil, errors.New("no HAL to allocate device memory from")
	}

	c.CatchHUP(ctx)

	l.WithField("regions", len(regions)).WithField("concurrency", concurrency).Info("Probing devices")
	ctrl.devices, err = probeAll(ctx, l, h, regions, concurrency, registry)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("probe devices: %w", err)
	}
	l.WithField("devices", len(ctrl.devices)).Info("Probe finished")

	return ctrl, nil
}
