package device_test

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/device"
	"github.com/slackhq/govirtio/test"
	"github.com/slackhq/govirtio/test/sim"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/transport/mmio"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMMIO(t *testing.T, mem *sim.Memory, deviceType virtio.DeviceType, offered virtio.Feature, options ...sim.DeviceOption) (*sim.MMIODevice, transport.Transport) {
	t.Helper()
	dev := sim.NewMMIODevice(mem, deviceType, offered, options...)
	tr, err := mmio.New(dev)
	require.NoError(t, err)
	return dev, tr
}

func TestOpen_RequestScenario(t *testing.T) {
	mem := sim.NewMemory(32)
	l, hook := test.NewLoggerWithHook()
	offered := virtio.FeatureIndirectDescriptors | virtio.FeatureEventIndex | virtio.FeatureVersion1
	dev, tr := newMMIO(t, mem, virtio.DeviceTypeBlock, offered)

	d, err := device.Open(tr, mem,
		device.WithFeatures(virtio.FeatureIndirectDescriptors|virtio.FeatureVersion1),
		device.WithLogger(l),
	)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, virtio.FeatureIndirectDescriptors|virtio.FeatureVersion1, d.Features())
	assert.Equal(t, virtio.FeatureIndirectDescriptors|virtio.FeatureVersion1, dev.DriverFeatures())
	assert.Equal(t, virtio.DeviceStatusAcknowledge|virtio.DeviceStatusDriver|
		virtio.DeviceStatusFeaturesOK|virtio.DeviceStatusDriverOK, dev.Status())
	require.Equal(t, 1, d.NumQueues())

	entry := hook.Entries[0]
	assert.Equal(t, "Negotiated device features", entry.Message)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, virtio.FeatureIndirectDescriptors|virtio.FeatureVersion1, entry.Data["features"])
	assert.Equal(t, virtio.DeviceTypeBlock, entry.Data["deviceType"])

	sq := d.Queue(0)
	buf := make([]byte, 512)
	head, err := sq.Add(nil, [][]byte{buf})
	require.NoError(t, err)
	sq.Notify()

	response := make([]byte, 512)
	for i := range response {
		response[i] = byte(i)
	}
	_, _, err = dev.Complete(0, response)
	require.NoError(t, err)
	assert.True(t, d.AckInterrupt())
	assert.False(t, d.AckInterrupt())

	elem, ok := sq.PollUsed()
	require.True(t, ok)
	assert.Equal(t, uint32(head), elem.DescriptorIndex)
	assert.Equal(t, uint32(512), elem.Length)

	length, err := sq.PopUsed(head)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), length)
	assert.Equal(t, response, buf)
}

func TestOpen_QueueCounts(t *testing.T) {
	tests := []struct {
		deviceType virtio.DeviceType
		queues     int
	}{
		{virtio.DeviceTypeBlock, 1},
		{virtio.DeviceTypeNetwork, 2},
		{virtio.DeviceTypeConsole, 2},
		{virtio.DeviceTypeEntropySource, 1},
		{virtio.DeviceTypeGPU, 2},
		{virtio.DeviceTypeInput, 2},
		{virtio.DeviceTypeSound, 4},
	}
	for _, tt := range tests {
		t.Run(tt.deviceType.String(), func(t *testing.T) {
			mem := sim.NewMemory(32)
			dev, tr := newMMIO(t, mem, tt.deviceType, virtio.FeatureVersion1,
				sim.WithQueues(16, 16, 16, 16, 16))

			d, err := device.Open(tr, mem)
			require.NoError(t, err)
			assert.Equal(t, tt.queues, d.NumQueues())
			assert.Equal(t, tt.queues, device.QueueCount(tt.deviceType))

			// Every queue has its own index.
			for i := range 5 {
				assert.Equal(t, i < tt.queues, dev.QueueReady(i), "queue %d", i)
				if i < tt.queues {
					assert.Equal(t, uint16(i), d.Queue(i).QueueIndex())
				}
			}
			assert.Nil(t, d.Queue(tt.queues))

			require.NoError(t, d.Close())
			assert.Zero(t, mem.AllocatedPages())
		})
	}
}

func TestOpen_UnsupportedDeviceType(t *testing.T) {
	mem := sim.NewMemory(8)
	dev, tr := newMMIO(t, mem, virtio.DeviceTypeCrypto, virtio.FeatureVersion1, sim.WithQueues(8, 8))

	_, err := device.Open(tr, mem)
	assert.ErrorIs(t, err, transport.ErrUnsupportedDeviceType)
	// The device was not touched.
	assert.Zero(t, dev.Status())

	d, err := device.Open(tr, mem, device.WithQueueCount(2))
	require.NoError(t, err)
	assert.Equal(t, 2, d.NumQueues())
	require.NoError(t, d.Close())
}

func TestOpen_Options(t *testing.T) {
	mem := sim.NewMemory(16)
	dev, tr := newMMIO(t, mem, virtio.DeviceTypeNetwork, device.DefaultFeatures, sim.WithQueues(64, 64))
	registry := metrics.NewRegistry()

	d, err := device.Open(tr, mem,
		device.WithQueueSize(16),
		device.WithMetricsRegistry(registry, "net0"),
	)
	require.NoError(t, err)
	assert.Equal(t, device.DefaultFeatures, d.Features())
	assert.Equal(t, uint32(16), dev.QueueSize(0))
	assert.Equal(t, uint32(16), dev.QueueSize(1))
	assert.NotNil(t, registry.Get("net0.queue1.added"))

	_, err = d.Queue(1).Add([][]byte{{1}}, nil)
	require.NoError(t, err)
	_, _, err = dev.Complete(1, nil)
	require.NoError(t, err)
	assert.True(t, d.AckInterrupt())
	assert.EqualValues(t, 1, registry.Get("net0.interrupts").(metrics.Counter).Count())

	// Chains the device still owns are released by the reset in Close.
	_, err = d.Queue(0).Add(nil, [][]byte{make([]byte, 8)})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Zero(t, dev.Status())
	assert.Zero(t, mem.AllocatedPages())
	assert.Zero(t, mem.SharedCount())
	assert.False(t, d.AckInterrupt())
	require.NoError(t, d.Close())

	_, err = device.Open(tr, mem, device.WithQueueSize(3))
	assert.ErrorIs(t, err, device.ErrInvalidOptions)
}

func TestOpen_Failures(t *testing.T) {
	t.Run("features rejected", func(t *testing.T) {
		mem := sim.NewMemory(8)
		dev, tr := newMMIO(t, mem, virtio.DeviceTypeBlock, device.DefaultFeatures,
			sim.WithRejectedFeatures(virtio.FeatureEventIndex))

		_, err := device.Open(tr, mem)
		assert.ErrorIs(t, err, transport.ErrFeatureNegotiationFailed)
		assert.True(t, dev.Status().Has(virtio.DeviceStatusFailed))
		assert.Zero(t, mem.AllocatedPages())

		d, err := device.Open(tr, mem, device.WithFeatures(virtio.FeatureVersion1))
		require.NoError(t, err)
		require.NoError(t, d.Close())
	})

	t.Run("queue missing", func(t *testing.T) {
		mem := sim.NewMemory(8)
		dev, tr := newMMIO(t, mem, virtio.DeviceTypeNetwork, device.DefaultFeatures, sim.WithQueues(8))

		_, err := device.Open(tr, mem)
		require.Error(t, err)
		assert.Zero(t, dev.Status())
		assert.Zero(t, mem.AllocatedPages())
		assert.False(t, dev.QueueReady(0))
	})

	t.Run("out of memory", func(t *testing.T) {
		mem := sim.NewMemory(3)
		dev, tr := newMMIO(t, mem, virtio.DeviceTypeNetwork, device.DefaultFeatures, sim.WithQueues(8, 8))

		_, err := device.Open(tr, mem)
		require.Error(t, err)
		assert.Zero(t, dev.Status())
		assert.Zero(t, mem.AllocatedPages())
	})
}
