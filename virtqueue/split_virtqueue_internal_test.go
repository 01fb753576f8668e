package virtqueue

import (
	"testing"

	"github.com/slackhq/govirtio/test/sim"
	"github.com/slackhq/govirtio/transport"
	"github.com/slackhq/govirtio/transport/mmio"
	"github.com/slackhq/govirtio/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitQueue_BufferTooLarge(t *testing.T) {
	// Buffers of 4 GiB are not allocated in a test, lower the limit instead.
	defer func(limit uint64) { maxBufferLength = limit }(maxBufferLength)
	maxBufferLength = 16

	mem := sim.NewMemory(8)
	dev := sim.NewMMIODevice(mem, virtio.DeviceTypeBlock, virtio.FeatureVersion1, sim.WithQueues(4))
	tr, err := mmio.New(dev)
	require.NoError(t, err)
	_, err = transport.BeginInit(tr, virtio.FeatureVersion1)
	require.NoError(t, err)
	sq, err := NewSplitQueue(tr, mem, 0)
	require.NoError(t, err)
	transport.FinishInit(tr)

	_, err = sq.Add([][]byte{make([]byte, 16)}, [][]byte{make([]byte, 17)})
	assert.ErrorIs(t, err, ErrBufferTooLarge)
	assert.Equal(t, 4, sq.AvailableDescriptors())
	assert.Zero(t, mem.SharedCount())

	_, err = sq.Add([][]byte{make([]byte, 16)}, [][]byte{make([]byte, 16)})
	assert.NoError(t, err)
}
