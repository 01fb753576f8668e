package govirtio

import (
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio/config"
	"github.com/slackhq/govirtio/device"
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/test"
	"github.com/slackhq/govirtio/test/sim"
	"github.com/slackhq/govirtio/util"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionsFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []region
		wantErr  string
	}{
		{
			name:     "no devices",
			raw:      "probe: {}",
			expected: []region{},
		},
		{
			name: "defaults",
			raw:  "probe:\n  devices:\n    - base: 0x0a000000\n",
			expected: []region{
				{name: "mmio0", base: 0x0a000000, size: defaultRegionSize, features: device.DefaultFeatures},
			},
		},
		{
			name: "everything set",
			raw: `probe:
  devices:
    - name: blk0
      base: "0x0a003e00"
      size: 0x200
      features: [VERSION_1, ring_indirect_desc]
      queue_size: 64
    - name: rng0
      base: 167788032
      features: []
`,
			expected: []region{
				{name: "blk0", base: 0x0a003e00, size: 0x200, features: virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors, queueSize: 64},
				{name: "rng0", base: 167788032, size: defaultRegionSize, features: 0},
			},
		},
		{
			name:    "missing base",
			raw:     "probe:\n  devices:\n    - name: blk0\n",
			wantErr: "probe.devices[0] (blk0): base is required",
		},
		{
			name:    "duplicate name",
			raw:     "probe:\n  devices:\n    - {name: a, base: 1}\n    - {name: a, base: 2}\n",
			wantErr: "duplicate name \"a\"",
		},
		{
			name:    "unknown feature",
			raw:     "probe:\n  devices:\n    - {base: 1, features: [TURBO]}\n",
			wantErr: "unknown feature \"TURBO\"",
		},
		{
			name:    "size too small",
			raw:     "probe:\n  devices:\n    - {base: 1, size: 0x40}\n",
			wantErr: "size 0x40 is smaller than the register block",
		},
		{
			name:    "negative queue size",
			raw:     "probe:\n  devices:\n    - {base: 1, queue_size: -4}\n",
			wantErr: "invalid queue_size -4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			regions, err := regionsFromConfig(l, c)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, regions)
		})
	}
}

const (
	blockBase  hal.PhysAddr = 0x1000_0000
	emptyBase  hal.PhysAddr = 0x1000_0200
	cryptoBase hal.PhysAddr = 0x1000_0400
	rngBase    hal.PhysAddr = 0x1000_0600
	// Nothing is attached here.
	missingBase hal.PhysAddr = 0x1000_0800
)

const probeConfig = `
logging:
  level: debug
poll:
  interval: 1ms
probe:
  concurrency: 2
  devices:
    - {name: blk0, base: 0x10000000, queue_size: 16}
    - {name: empty, base: 0x10000200}
    - {name: crypto0, base: 0x10000400}
    - {name: rng0, base: 0x10000600, features: []}
    - {name: missing, base: 0x10000800}
`

type platform struct {
	mem    *sim.Memory
	block  *sim.MMIODevice
	crypto *sim.MMIODevice
	rng    *sim.MMIODevice
}

func newPlatform() *platform {
	mem := sim.NewMemory(64)
	p := &platform{
		mem:    mem,
		block:  sim.NewMMIODevice(mem, virtio.DeviceTypeBlock, device.DefaultFeatures, sim.WithQueues(64)),
		crypto: sim.NewMMIODevice(mem, virtio.DeviceTypeCrypto, virtio.FeatureVersion1),
		rng:    sim.NewLegacyMMIODevice(mem, virtio.DeviceTypeEntropySource, 0, sim.WithQueues(8)),
	}
	mem.AttachRegisters(blockBase, p.block)
	mem.AttachRegisters(emptyBase, sim.NewEmptyMMIOSlot(mem))
	mem.AttachRegisters(cryptoBase, p.crypto)
	mem.AttachRegisters(rngBase, p.rng)
	return p
}

func TestMain_ProbeAndPoll(t *testing.T) {
	p := newPlatform()
	l, hook := test.NewLoggerWithHook()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(probeConfig))

	ctrl, err := Main(c, false, "test", l, p.mem)
	require.NoError(t, err)

	assert.Equal(t, []DeviceInfo{
		{Name: "blk0", Base: blockBase, Type: virtio.DeviceTypeBlock, Features: device.DefaultFeatures, Queues: 1},
		{Name: "rng0", Base: rngBase, Type: virtio.DeviceTypeEntropySource, Features: 0, Queues: 1},
	}, ctrl.Devices())
	assert.True(t, p.block.Status().Has(virtio.DeviceStatusDriverOK))
	assert.Equal(t, uint32(16), p.block.QueueSize(0))
	assert.True(t, p.rng.Status().Has(virtio.DeviceStatusDriverOK))
	// The crypto device was found but there is nothing to set up for it.
	assert.Zero(t, p.crypto.Status())

	var failures []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			failures = append(failures, e.Data["name"].(string))
		}
	}
	assert.Equal(t, []string{"missing"}, failures)

	ctrl.Start()
	p.block.UpdateConfig([]byte{1, 2, 3, 4})
	require.Eventually(t, func() bool {
		return ctrl.Metrics().Get("virtio.interrupts").(interface{ Count() int64 }).Count() >= 1
	}, 5*time.Second, time.Millisecond)
	assert.NotNil(t, ctrl.Metrics().Get("virtio.blk0.queue0.added"))

	ctrl.Stop()
	ctrl.Stop()
	assert.Zero(t, p.block.Status())
	assert.Zero(t, p.rng.Status())
	assert.Zero(t, p.mem.AllocatedPages())
	assert.Empty(t, ctrl.Devices())
}

func TestMain_ConfigTest(t *testing.T) {
	p := newPlatform()
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(probeConfig))

	ctrl, err := Main(c, true, "test", l, nil)
	require.NoError(t, err)
	assert.Empty(t, ctrl.Devices())
	assert.Zero(t, p.block.Status())
	ctrl.Start()
	ctrl.Stop()
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		h       hal.HAL
		wantErr string
	}{
		{name: "logging", raw: "logging:\n  level: loud", h: sim.NewMemory(1), wantErr: "Failed to configure the logger"},
		{name: "devices", raw: "probe:\n  devices:\n    - name: x\n", h: sim.NewMemory(1), wantErr: "Failed to load probe.devices"},
		{name: "concurrency", raw: "probe:\n  concurrency: 0", h: sim.NewMemory(1), wantErr: "Invalid probe.concurrency"},
		{name: "stats", raw: "stats:\n  type: carrier-pigeon\n  interval: 1s", h: sim.NewMemory(1), wantErr: "Failed to start stats emitter"},
		{name: "no hal", raw: "probe: {}", wantErr: "no HAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := test.NewLogger()
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))

			_, err := Main(c, false, "test", l, tt.h)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("contextual", func(t *testing.T) {
		l := test.NewLogger()
		c := config.NewC(l)
		require.NoError(t, c.LoadString("probe:\n  concurrency: -1"))
		_, err := Main(c, false, "test", l, sim.NewMemory(1))
		var ce *util.ContextualError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, m{"concurrency": -1}, ce.Fields)
	})
}

func TestMain_ReloadOnHUP(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no SIGHUP on windows")
	}

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.Load(path))

	ctrl, err := Main(c, false, "test", l, sim.NewMemory(1))
	require.NoError(t, err)
	defer ctrl.Stop()
	require.Equal(t, logrus.InfoLevel, l.GetLevel())

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(syscall.SIGHUP))

	assert.Eventually(t, func() bool {
		return l.GetLevel() == logrus.DebugLevel
	}, 5*time.Second, time.Millisecond)
}
