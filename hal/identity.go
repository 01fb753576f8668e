//go:build unix

package hal

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Identity is a [HAL] for environments where device addresses equal the
// driver's virtual addresses, such as a unikernel without an IOMMU or a
// hypervisor that maps guest memory one to one.
//
// Allocations are anonymous locked mappings. Shared buffers are pinned so the
// Go runtime cannot move them while the device holds their address.
type Identity struct {
	mu      sync.Mutex
	pinned  pins
}

var _ HAL = (*Identity)(nil)

// NewIdentity returns a ready to use identity HAL.
func NewIdentity() *Identity {
	return &Identity{pinned: pins{}}
}

func (h *Identity) Allocate(pages int) (PhysAddr, []byte, error) {
	mem, err := unix.Mmap(-1, 0, pages*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: mmap: %v", ErrOutOfMemory, err)
	}
	if err = unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return 0, nil, fmt.Errorf("%w: mlock: %v", ErrOutOfMemory, err)
	}
	return PhysAddr(uintptr(unsafe.Pointer(&mem[0]))), mem, nil
}

func (h *Identity) Deallocate(paddr PhysAddr, region []byte, pages int) error {
	if pages <= 0 || len(region) != pages*PageSize || PhysAddr(uintptr(unsafe.Pointer(&region[0]))) != paddr {
		return fmt.Errorf("region at %v does not match an allocation of %d pages", paddr, pages)
	}
	return unix.Munmap(region)
}

func (h *Identity) Share(buf []byte, dir Direction) (PhysAddr, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	paddr := PhysAddr(uintptr(unsafe.Pointer(&buf[0])))

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinned.pin(paddr, &buf[0])
	return paddr, nil
}

func (h *Identity) Unshare(paddr PhysAddr, buf []byte, dir Direction) error {
	if len(buf) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pinned.unpin(paddr)
}

// MMIOPhysToVirt returns the register region at paddr as-is. This is only
// valid when paddr is mapped into the address space of the driver.
func (h *Identity) MMIOPhysToVirt(paddr PhysAddr, size int) ([]byte, error) {
	if paddr == 0 || size <= 0 {
		return nil, fmt.Errorf("invalid MMIO region %v with size %d", paddr, size)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(paddr))), size), nil
}
