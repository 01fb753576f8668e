// Package sim simulates the platform below the virtio core: physical memory
// with an IOMMU-like window for shared buffers, and virtio-mmio and
// virtio-pci devices that implement the device side of the ring protocol.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/transport"
	"gvisor.dev/gvisor/pkg/bitmap"
)

// DefaultBase is the physical address of the first simulated RAM page.
const DefaultBase hal.PhysAddr = 0x4000_0000

// sharedWindow is where shared buffers show up in the device address space.
// It never overlaps simulated RAM or a real pointer value, so passing a
// virtual address where a device address is expected is caught.
const sharedWindow hal.PhysAddr = 0x7f00_0000_0000_0000

var (
	// ErrAccessViolation is returned when the device accesses memory it was
	// not given, or accesses a shared buffer against its direction.
	ErrAccessViolation = errors.New("device access violation")
)

type mapping struct {
	start hal.PhysAddr
	buf   []byte
	dir   hal.Direction
}

func (m mapping) end() hal.PhysAddr {
	return m.start + hal.PhysAddr(len(m.buf))
}

// Memory is a [hal.HAL] backed by a simulated physical address space.
// It is safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	base   hal.PhysAddr
	ram    []byte
	pages  bitmap.Bitmap
	allocs map[hal.PhysAddr]int

	shares   *btree.BTreeG[mapping]
	nextIOVA hal.PhysAddr

	registers map[hal.PhysAddr]transport.Registers

	shareSkip  int
	failShares int
}

var _ hal.HAL = (*Memory)(nil)

// NewMemory returns a memory with the given number of RAM pages at
// [DefaultBase].
func NewMemory(pages int) *Memory {
	// Over-allocate by a page so RAM can start on a page boundary.
	backing := make([]byte, (pages+1)*hal.PageSize)
	offset := int(-uintptr(unsafe.Pointer(&backing[0])) & (hal.PageSize - 1))

	return &Memory{
		base:   DefaultBase,
		ram:    backing[offset : offset+pages*hal.PageSize : offset+pages*hal.PageSize],
		pages:  bitmap.New(uint32(pages)),
		allocs: map[hal.PhysAddr]int{},
		shares: btree.NewG(8, func(a, b mapping) bool {
			return a.start < b.start
		}),
		nextIOVA:  sharedWindow,
		registers: map[hal.PhysAddr]transport.Registers{},
	}
}

func (m *Memory) totalPages() uint32 {
	return uint32(len(m.ram) / hal.PageSize)
}

// pageRunFree reports whether count pages starting at first are unallocated.
func (m *Memory) pageRunFree(first, count uint32) bool {
	if first+count > m.totalPages() {
		return false
	}
	next, err := m.pages.FirstOne(first)
	return err != nil || next >= first+count
}

func (m *Memory) Allocate(pages int) (hal.PhysAddr, []byte, error) {
	if pages <= 0 {
		return 0, nil, fmt.Errorf("invalid page count %d", pages)
	}
	count := uint32(pages)

	m.mu.Lock()
	defer m.mu.Unlock()

	for start := uint32(0); start+count <= m.totalPages(); {
		first, err := m.pages.FirstZero(start)
		if err != nil || first+count > m.totalPages() {
			break
		}
		if !m.pageRunFree(first, count) {
			start = first + 1
			continue
		}

		for p := first; p < first+count; p++ {
			m.pages.Add(p)
		}
		lo, hi := int(first)*hal.PageSize, int(first+count)*hal.PageSize
		region := m.ram[lo:hi:hi]
		clear(region)
		paddr := m.base + hal.PhysAddr(lo)
		m.allocs[paddr] = pages
		return paddr, region, nil
	}
	return 0, nil, fmt.Errorf("%w: no run of %d free pages", hal.ErrOutOfMemory, pages)
}

func (m *Memory) Deallocate(paddr hal.PhysAddr, region []byte, pages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	got, ok := m.allocs[paddr]
	if !ok {
		return fmt.Errorf("no allocation at %v", paddr)
	}
	if got != pages || len(region) != pages*hal.PageSize {
		return fmt.Errorf("allocation at %v has %d pages, released with %d", paddr, got, pages)
	}

	first := uint32((paddr - m.base) / hal.PageSize)
	m.pages.ClearRange(first, first+uint32(pages))
	delete(m.allocs, paddr)
	return nil
}

// FailShares lets the next skip calls to Share succeed and makes the n calls
// after them fail.
func (m *Memory) FailShares(skip, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shareSkip = skip
	m.failShares = n
}

func (m *Memory) Share(buf []byte, dir hal.Direction) (hal.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shareSkip > 0 {
		m.shareSkip--
	} else if m.failShares > 0 {
		m.failShares--
		return 0, errors.New("simulated share failure")
	}
	if len(buf) == 0 {
		return 0, nil
	}

	start := m.nextIOVA
	// Keep a gap between windows so overruns hit unmapped space.
	m.nextIOVA += hal.PhysAddr(len(buf)+hal.PageSize-1)&^(hal.PageSize-1) + hal.PageSize
	m.shares.ReplaceOrInsert(mapping{start: start, buf: buf, dir: dir})
	return start, nil
}

func (m *Memory) Unshare(paddr hal.PhysAddr, buf []byte, dir hal.Direction) error {
	if len(buf) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	got, ok := m.shares.Get(mapping{start: paddr})
	if !ok {
		return fmt.Errorf("%w: %v", hal.ErrNotShared, paddr)
	}
	if &got.buf[0] != &buf[0] || len(got.buf) != len(buf) || got.dir != dir {
		return fmt.Errorf("unshare of %v does not match the shared buffer", paddr)
	}
	m.shares.Delete(got)
	return nil
}

// MMIOPhysToVirt always fails. Simulated devices are not memory; use
// [Memory.MapRegisters] instead.
func (m *Memory) MMIOPhysToVirt(paddr hal.PhysAddr, size int) ([]byte, error) {
	return nil, fmt.Errorf("simulated register region %v cannot be mapped as memory", paddr)
}

// AttachRegisters places a simulated register region at paddr.
func (m *Memory) AttachRegisters(paddr hal.PhysAddr, regs transport.Registers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers[paddr] = regs
}

// MapRegisters returns the register region attached at paddr.
func (m *Memory) MapRegisters(paddr hal.PhysAddr, size int) (transport.Registers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	regs, ok := m.registers[paddr]
	if !ok {
		return nil, fmt.Errorf("nothing attached at %v", paddr)
	}
	if uintptr(size) < regs.Size() {
		return transport.SubRegisters(regs, 0, uintptr(size)), nil
	}
	return regs, nil
}

// AllocatedPages returns the number of RAM pages currently allocated.
func (m *Memory) AllocatedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.pages.GetNumOnes())
}

// SharedCount returns the number of buffers currently shared.
func (m *Memory) SharedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shares.Len()
}

// resolve finds the memory behind a device access of n bytes at paddr.
func (m *Memory) resolve(paddr hal.PhysAddr, n int, write bool) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	end := paddr + hal.PhysAddr(n)

	if paddr >= m.base && end <= m.base+hal.PhysAddr(len(m.ram)) {
		lo := int(paddr - m.base)
		for p := lo / hal.PageSize; p <= (lo+n-1)/hal.PageSize; p++ {
			if first, err := m.pages.FirstOne(uint32(p)); err != nil || first != uint32(p) {
				return nil, fmt.Errorf("%w: RAM page at %v is not allocated", ErrAccessViolation,
					m.base+hal.PhysAddr(p*hal.PageSize))
			}
		}
		return m.ram[lo : lo+n], nil
	}

	var found mapping
	var ok bool
	m.shares.DescendLessOrEqual(mapping{start: paddr}, func(item mapping) bool {
		found, ok = item, true
		return false
	})
	if !ok || end > found.end() {
		return nil, fmt.Errorf("%w: %d bytes at %v are not mapped", ErrAccessViolation, n, paddr)
	}
	if write && !found.dir.DeviceWritable() {
		return nil, fmt.Errorf("%w: write to %v buffer at %v", ErrAccessViolation, found.dir, paddr)
	}
	if !write && !found.dir.DeviceReadable() {
		return nil, fmt.Errorf("%w: read from %v buffer at %v", ErrAccessViolation, found.dir, paddr)
	}
	off := int(paddr - found.start)
	return found.buf[off : off+n], nil
}

// DeviceRead copies n bytes at paddr as the device would read them.
func (m *Memory) DeviceRead(paddr hal.PhysAddr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.resolve(paddr, n, false)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src...), nil
}

// DeviceWrite stores data at paddr as the device would write it.
func (m *Memory) DeviceWrite(paddr hal.PhysAddr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst, err := m.resolve(paddr, len(data), true)
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}
