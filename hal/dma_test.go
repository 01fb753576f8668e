package hal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHAL hands out heap memory at fake device addresses.
type countingHAL struct {
	next        PhysAddr
	allocated   int
	deallocated int
	shared      int
	unshared    int
	failShare   bool
}

func (h *countingHAL) Allocate(pages int) (PhysAddr, []byte, error) {
	if pages > 16 {
		return 0, nil, ErrOutOfMemory
	}
	h.allocated++
	h.next += 0x10000
	return h.next, make([]byte, pages*PageSize), nil
}

func (h *countingHAL) Deallocate(PhysAddr, []byte, int) error {
	h.deallocated++
	return nil
}

func (h *countingHAL) Share(buf []byte, _ Direction) (PhysAddr, error) {
	if h.failShare {
		return 0, errors.New("iommu full")
	}
	h.shared++
	return 0x4000, nil
}

func (h *countingHAL) Unshare(PhysAddr, []byte, Direction) error {
	h.unshared++
	return nil
}

func (h *countingHAL) MMIOPhysToVirt(PhysAddr, int) ([]byte, error) {
	return nil, errors.New("not supported")
}

func TestPages(t *testing.T) {
	assert.Equal(t, 0, Pages(0))
	assert.Equal(t, 1, Pages(1))
	assert.Equal(t, 1, Pages(PageSize))
	assert.Equal(t, 2, Pages(PageSize+1))
}

func TestDMA_CloseOnce(t *testing.T) {
	h := &countingHAL{}
	d, err := NewDMA(h, 2)
	require.NoError(t, err)
	assert.Len(t, d.Bytes(), 2*PageSize)
	assert.Equal(t, d.PhysAddr()+0x10, d.PhysAt(0x10))
	assert.Panics(t, func() { d.PhysAt(3 * PageSize) })

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, h.deallocated)
	assert.Nil(t, d.Bytes())
}

func TestDMA_OutOfMemory(t *testing.T) {
	_, err := NewDMA(&countingHAL{}, 64)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	_, err = NewDMA(&countingHAL{}, 0)
	assert.Error(t, err)
}

func TestShared_ReleaseOnce(t *testing.T) {
	h := &countingHAL{}
	buf := make([]byte, 32)
	s, err := ShareBuffer(h, buf, DeviceToDriver)
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(0x4000), s.PhysAddr())
	assert.Equal(t, 32, s.Len())

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.Equal(t, 1, h.unshared)
	assert.Zero(t, h.deallocated)

	h.failShare = true
	_, err = ShareBuffer(h, buf, DriverToDevice)
	assert.ErrorContains(t, err, "iommu full")
}

func TestDirection(t *testing.T) {
	assert.True(t, DriverToDevice.DeviceReadable())
	assert.False(t, DriverToDevice.DeviceWritable())
	assert.True(t, DeviceToDriver.DeviceWritable())
	assert.False(t, DeviceToDriver.DeviceReadable())
	assert.True(t, Both.DeviceReadable() && Both.DeviceWritable())
	assert.Equal(t, "Direction(7)", Direction(7).String())
}
