package govirtio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/config"
	"github.com/slackhq/govirtio/device"
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/transport/mmio"
	"github.com/slackhq/govirtio/util"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/slackhq/govirtio/util/volatile"
	"golang.org/x/sync/errgroup"
)

// defaultRegionSize covers the registers and a config space of 256 bytes.
const defaultRegionSize = 0x200

// region is a virtio-mmio register region listed in probe.devices.
type region struct {
	name      string
	base      hal.PhysAddr
	size      int
	features  virtio.Feature
	queueSize int
}

func (r region) fields() map[string]any {
	return map[string]any{"name": r.name, "base": r.base, "size": r.size}
}

// regionsFromConfig reads the probe.devices list.
func regionsFromConfig(l *logrus.Logger, c *config.C) ([]region, error) {
	raw := c.GetMapSlice("probe.devices", nil)
	regions := make([]region, 0, len(raw))
	names := map[string]bool{}

	for i, m := range raw {
		// Reuse the typed getters for the entry.
		e := config.NewC(l)
		e.Settings = m

		r := region{
			name:      e.GetString("name", fmt.Sprintf("mmio%d", i)),
			base:      hal.PhysAddr(e.GetUint64("base", 0)),
			size:      int(e.GetUint64("size", defaultRegionSize)),
			features:  device.DefaultFeatures,
			queueSize: e.GetInt("queue_size", 0),
		}
		if names[r.name] {
			return nil, fmt.Errorf("probe.devices[%d]: duplicate name %q", i, r.name)
		}
		names[r.name] = true

		if r.base == 0 {
			return nil, fmt.Errorf("probe.devices[%d] (%s): base is required", i, r.name)
		}
		if r.size < mmio.RegConfig {
			return nil, fmt.Errorf("probe.devices[%d] (%s): size %#x is smaller than the register block", i, r.name, r.size)
		}
		if r.queueSize < 0 {
			return nil, fmt.Errorf("probe.devices[%d] (%s): invalid queue_size %d", i, r.name, r.queueSize)
		}

		if e.IsSet("features") {
			r.features = 0
			for _, name := range e.GetStringSlice("features", nil) {
				f, ok := virtio.ParseFeature(name)
				if !ok {
					return nil, fmt.Errorf("probe.devices[%d] (%s): unknown feature %q", i, r.name, name)
				}
				r.features |= f
			}
		}

		regions = append(regions, r)
	}

	return regions, nil
}

// registerMapper is implemented by HALs whose register regions are not plain
// memory.
type registerMapper interface {
	MapRegisters(paddr hal.PhysAddr, size int) (transport.Registers, error)
}

func mapRegion(h hal.HAL, r region) (transport.Registers, error) {
	if m, ok := h.(registerMapper); ok {
		return m.MapRegisters(r.base, r.size)
	}
	mem, err := h.MMIOPhysToVirt(r.base, r.size)
	if err != nil {
		return nil, err
	}
	return volatile.NewRegion(mem), nil
}

// probedDevice is a device that made it through bring-up.
type probedDevice struct {
	region region
	dev    *device.Device
}

// skippable reports whether err means there is no device we could drive,
// which is expected for most of the slots a hypervisor reserves.
func skippable(err error) bool {
	return errors.Is(err, transport.ErrInvalidConfiguration) || errors.Is(err, transport.ErrUnsupportedDeviceType)
}

// probeRegion brings up the device in r. It returns nil without an error when
// there is no device in r that can be driven.
func probeRegion(l *logrus.Logger, h hal.HAL, r region, registry metrics.Registry) (*probedDevice, error) {
	regs, err := mapRegion(h, r)
	if err != nil {
		return nil, util.NewContextualError("Failed to map device registers", r.fields(), err)
	}

	tr, err := mmio.New(regs)
	if err != nil {
		if skippable(err) {
			l.WithFields(r.fields()).WithError(err).Info("Skipping region without a usable device")
			return nil, nil
		}
		return nil, util.NewContextualError("Failed to read device registers", r.fields(), err)
	}

	l.WithFields(r.fields()).
		WithField("deviceType", tr.DeviceType()).
		WithField("vendorId", fmt.Sprintf("%#x", tr.VendorID())).
		WithField("version", tr.Version()).
		Info("Found virtio device")

	options := []device.Option{
		device.WithFeatures(r.features),
		device.WithLogger(l),
		device.WithMetricsRegistry(registry, "virtio."+r.name),
	}
	if r.queueSize > 0 {
		options = append(options, device.WithQueueSize(r.queueSize))
	}

	dev, err := device.Open(tr, h, options...)
	if err != nil {
		if skippable(err) {
			l.WithFields(r.fields()).WithError(err).Info("Skipping unsupported device")
			return nil, nil
		}
		return nil, util.NewContextualError("Failed to bring up device", r.fields(), err)
	}

	return &probedDevice{region: r, dev: dev}, nil
}

// probeAll probes all regions, at most concurrency at a time. Devices that
// fail to come up are logged and left out of the result.
func probeAll(ctx context.Context, l *logrus.Logger, h hal.HAL, regions []region, concurrency int, registry metrics.Registry) ([]*probedDevice, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]*probedDevice, len(regions))
	for i, r := range regions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pd, err := probeRegion(l, h, r, registry)
			if err != nil {
				util.LogWithContextIfNeeded("Failed to probe device", err, l)
				return nil
			}
			results[i] = pd
			return nil
		})
	}
	err := g.Wait()

	devices := make([]*probedDevice, 0, len(results))
	for _, pd := range results {
		if pd != nil {
			devices = append(devices, pd)
		}
	}

	if err != nil {
		closeDevices(l, devices)
		return nil, err
	}
	return devices, nil
}

func closeDevices(l *logrus.Logger, devices []*probedDevice) {
	for _, pd := range devices {
		if err := pd.dev.Close(); err != nil {
			l.WithFields(pd.region.fields()).WithError(err).Error("Failed to close device")
		}
	}
}
