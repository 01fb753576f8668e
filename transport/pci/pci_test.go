package pci_test

import (
	"testing"

	"github.com/slackhq/govirtio/test/sim"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/transport/pci"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceTypeFromID(t *testing.T) {
	tests := []struct {
		id       uint16
		expected virtio.DeviceType
		target   error
	}{
		{id: 0x1041, expected: virtio.DeviceTypeNetwork},
		{id: 0x1059, expected: virtio.DeviceTypeSound},
		{id: 0x1001, expected: virtio.DeviceTypeBlock},
		{id: 0x1005, expected: virtio.DeviceTypeEntropySource},
		{id: 0x1020, target: transport.ErrUnsupportedDeviceType},
		{id: 0x107f, target: transport.ErrUnsupportedDeviceType},
		{id: 0x2000, target: transport.ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(virtio.DeviceType(tt.id).String(), func(t *testing.T) {
			got, err := pci.DeviceTypeFromID(tt.id)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	dev := sim.NewPCIDevice(sim.NewMemory(1), virtio.DeviceTypeGPU, 0)

	cfg := dev.Config()
	cfg.VendorID = 0x8086
	_, err := pci.New(cfg)
	assert.ErrorIs(t, err, transport.ErrInvalidConfiguration)

	cfg = dev.Config()
	cfg.ISR = nil
	_, err = pci.New(cfg)
	assert.ErrorIs(t, err, transport.ErrInvalidConfiguration)

	tr, err := pci.New(dev.Config())
	require.NoError(t, err)
	assert.Equal(t, virtio.DeviceTypeGPU, tr.DeviceType())
	assert.Equal(t, uint32(pci.VendorID), tr.VendorID())
	assert.False(t, tr.RequiresLegacyLayout())
}

func TestTransport_Lifecycle(t *testing.T) {
	offered := virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors | 1<<3
	dev := sim.NewPCIDevice(sim.NewMemory(1), virtio.DeviceTypeInput, offered,
		sim.WithQueues(64, 32), sim.WithConfig([]byte{0xaa, 0xbb}))
	tr, err := pci.New(dev.Config())
	require.NoError(t, err)

	assert.Equal(t, uint16(2), tr.NumQueues())
	assert.Equal(t, offered, tr.ReadDeviceFeatures())

	negotiated, err := transport.BeginInit(tr, virtio.FeatureVersion1|1<<3)
	require.NoError(t, err)
	assert.Equal(t, virtio.FeatureVersion1|1<<3, negotiated)
	assert.Equal(t, negotiated, dev.DriverFeatures())

	assert.Equal(t, uint32(32), tr.MaxQueueSize(1))
	assert.ErrorIs(t, tr.QueueSet(1, 64, 0x1000, 0x1400, 0x2000), transport.ErrQueueTooLarge)
	require.NoError(t, tr.QueueSet(1, 16, 0x1_0000_1000, 0x1100, 0x2000))
	assert.True(t, tr.QueueUsed(1))
	assert.False(t, tr.QueueUsed(0))
	assert.Equal(t, uint32(16), dev.QueueSize(1))

	tr.Notify(1)
	assert.Equal(t, 1, dev.Notifications(1))

	transport.FinishInit(tr)
	assert.True(t, dev.Status().Has(virtio.DeviceStatusDriverOK))
	assert.ErrorIs(t, tr.QueueSet(0, 16, 0x3000, 0x3100, 0x4000), transport.ErrInvalidState)

	regs := tr.ConfigSpace()
	require.NotNil(t, regs)
	assert.Equal(t, uint8(0xbb), regs.Read8(1))

	assert.False(t, tr.AckInterrupt())
	dev.UpdateConfig([]byte{0xcc, 0xdd})
	assert.Equal(t, uint32(1), tr.ConfigGeneration())
	assert.True(t, tr.AckInterrupt())
	// Reading the ISR cleared it.
	assert.False(t, tr.AckInterrupt())

	tr.QueueUnset(1)
	assert.False(t, tr.QueueUsed(1))

	transport.Reset(tr)
	assert.Equal(t, uint32(32), tr.MaxQueueSize(1))
}
