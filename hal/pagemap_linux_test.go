package hal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePagemap writes a pagemap file where virtual page i maps to frames[i].
// A zero frame marks the page as not present.
func writePagemap(t *testing.T, frames ...uint64) string {
	t.Helper()
	buf := make([]byte, len(frames)*pagemapEntrySize)
	for i, pfn := range frames {
		if pfn != 0 {
			binary.LittleEndian.PutUint64(buf[i*pagemapEntrySize:], pagemapPresent|pfn)
		}
	}
	path := filepath.Join(t.TempDir(), "pagemap")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestPagemap_Translate(t *testing.T) {
	h, err := newPagemap(writePagemap(t, 0x100, 0x101, 0x200, 0), "/nonexistent")
	require.NoError(t, err)
	defer h.Close()

	paddr, err := h.translate(0x1234)
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(0x101234), paddr)

	_, err = h.translate(3 * PageSize)
	assert.ErrorContains(t, err, "not present")
}

func TestPagemap_TranslateRange(t *testing.T) {
	h, err := newPagemap(writePagemap(t, 0x100, 0x101, 0x200), "/nonexistent")
	require.NoError(t, err)
	defer h.Close()

	paddr, err := h.translateRange(0x800, PageSize)
	require.NoError(t, err)
	assert.Equal(t, PhysAddr(0x100800), paddr)

	_, err = h.translateRange(PageSize, 2*PageSize)
	assert.ErrorIs(t, err, ErrNotContiguous)
}

func TestPagemap_HiddenFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagemap")
	entry := make([]byte, pagemapEntrySize)
	binary.LittleEndian.PutUint64(entry, pagemapPresent)
	require.NoError(t, os.WriteFile(path, entry, 0o600))

	h, err := newPagemap(path, "/nonexistent")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.translate(0)
	assert.ErrorContains(t, err, "CAP_SYS_ADMIN")
}

func TestPagemap_MissingDevMem(t *testing.T) {
	h, err := newPagemap(writePagemap(t, 1), filepath.Join(t.TempDir(), "mem"))
	require.NoError(t, err)

	_, err = h.MMIOPhysToVirt(0x10001000, 0x200)
	assert.ErrorContains(t, err, "open")
	require.NoError(t, h.Close())
}
