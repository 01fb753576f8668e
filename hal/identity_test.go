//go:build unix

package hal

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_AllocateIsZeroedAndMapped(t *testing.T) {
	h := NewIdentity()
	paddr, mem, err := h.Allocate(2)
	if err != nil {
		t.Skipf("locked memory unavailable: %v", err)
	}
	require.Len(t, mem, 2*PageSize)
	assert.Equal(t, PhysAddr(uintptr(unsafe.Pointer(&mem[0]))), paddr)
	assert.Zero(t, paddr%PageSize)
	for _, b := range mem {
		require.Zero(t, b)
	}

	mem[PageSize] = 0xaa
	require.NoError(t, h.Deallocate(paddr, mem, 2))
}

func TestIdentity_Share(t *testing.T) {
	h := NewIdentity()
	buf := make([]byte, 64)

	paddr, err := h.Share(buf, Both)
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(uintptr(unsafe.Pointer(&buf[0]))), paddr)

	require.NoError(t, h.Unshare(paddr, buf, Both))
	assert.ErrorIs(t, h.Unshare(paddr, buf, Both), ErrNotShared)

	paddr, err = h.Share(nil, DriverToDevice)
	require.NoError(t, err)
	assert.Zero(t, paddr)
}

func TestIdentity_ShareTwice(t *testing.T) {
	tests := []struct {
		name          string
		first, second func(buf []byte) []byte
	}{
		{
			name:   "same buffer",
			first:  func(buf []byte) []byte { return buf },
			second: func(buf []byte) []byte { return buf },
		},
		{
			name:   "sub slices with the same start",
			first:  func(buf []byte) []byte { return buf[:8] },
			second: func(buf []byte) []byte { return buf[:32] },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewIdentity()
			buf := make([]byte, 64)
			a, b := tt.first(buf), tt.second(buf)

			pa, err := h.Share(a, DriverToDevice)
			require.NoError(t, err)
			pb, err := h.Share(b, DriverToDevice)
			require.NoError(t, err)
			require.Equal(t, pa, pb)

			require.NoError(t, h.Unshare(pa, a, DriverToDevice))
			assert.Contains(t, h.pinned, pb, "still lent out once")
			require.NoError(t, h.Unshare(pb, b, DriverToDevice))
			assert.Empty(t, h.pinned)
			assert.ErrorIs(t, h.Unshare(pb, b, DriverToDevice), ErrNotShared)
		})
	}
}
