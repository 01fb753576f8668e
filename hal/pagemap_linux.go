package hal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapEntrySize   = 8
	pagemapPresent     = 1 << 63
	pagemapPFNMask     = 1<<55 - 1
	hugePageSize       = 2 << 20
	defaultPagemapPath = "/proc/self/pagemap"
	defaultDevMemPath  = "/dev/mem"
)

// Pagemap is a [HAL] for Linux userspace drivers, for example a process that
// drives a virtio-mmio device exposed by a hypervisor through /dev/mem.
//
// Physical addresses are resolved through /proc/self/pagemap, which requires
// CAP_SYS_ADMIN. Multi page allocations are backed by huge pages when the
// kernel has some reserved, because regular anonymous memory is rarely
// physically contiguous. Register regions are mapped from /dev/mem with
// O_SYNC, which makes the kernel map them uncached.
type Pagemap struct {
	mu       sync.Mutex
	pagemap  *os.File
	devMem   *os.File
	mappings map[uintptr][]byte
	pinned   pins

	pagemapPath string
	devMemPath  string
}

var _ HAL = (*Pagemap)(nil)

// NewPagemap opens /proc/self/pagemap. /dev/mem is opened lazily on the first
// call to MMIOPhysToVirt.
func NewPagemap() (*Pagemap, error) {
	return newPagemap(defaultPagemapPath, defaultDevMemPath)
}

func newPagemap(pagemapPath, devMemPath string) (*Pagemap, error) {
	f, err := os.Open(pagemapPath)
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}
	return &Pagemap{
		pagemap:     f,
		mappings:    map[uintptr][]byte{},
		pinned:      pins{},
		pagemapPath: pagemapPath,
		devMemPath:  devMemPath,
	}, nil
}

// translate returns the physical address backing the virtual address addr.
func (h *Pagemap) translate(addr uintptr) (PhysAddr, error) {
	var entry [pagemapEntrySize]byte
	off := int64(addr/PageSize) * pagemapEntrySize
	if _, err := h.pagemap.ReadAt(entry[:], off); err != nil {
		return 0, fmt.Errorf("read pagemap entry for %#x: %w", addr, err)
	}

	v := binary.LittleEndian.Uint64(entry[:])
	if v&pagemapPresent == 0 {
		return 0, fmt.Errorf("page at %#x is not present", addr)
	}
	pfn := v & pagemapPFNMask
	if pfn == 0 {
		return 0, errors.New("pagemap hides frame numbers, CAP_SYS_ADMIN is required")
	}
	return PhysAddr(pfn*PageSize) + PhysAddr(addr%PageSize), nil
}

// translateRange resolves every page touched by the length bytes at base and
// checks that they are physically contiguous.
func (h *Pagemap) translateRange(base uintptr, length int) (PhysAddr, error) {
	start, err := h.translate(base)
	if err != nil {
		return 0, err
	}

	first := base &^ (PageSize - 1)
	for page := first + PageSize; page < base+uintptr(length); page += PageSize {
		paddr, err := h.translate(page)
		if err != nil {
			return 0, err
		}
		if want := start - PhysAddr(base%PageSize) + PhysAddr(page-first); paddr != want {
			return 0, fmt.Errorf("%w: page %#x maps to %v, expected %v", ErrNotContiguous, page, paddr, want)
		}
	}
	return start, nil
}

func (h *Pagemap) Allocate(pages int) (PhysAddr, []byte, error) {
	size := pages * PageSize
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE | unix.MAP_LOCKED

	var mem []byte
	var err error
	if pages > 1 && size <= hugePageSize {
		// A huge page is physically contiguous. Map a full one and hand out
		// the front of it.
		mem, err = unix.Mmap(-1, 0, hugePageSize, unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
		if err == nil {
			mem = mem[:size:hugePageSize]
		}
	}
	if mem == nil {
		mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: mmap %d pages: %v", ErrOutOfMemory, pages, err)
		}
	}

	h.mu.Lock()
	paddr, err := h.translateRange(uintptr(unsafe.Pointer(&mem[0])), len(mem))
	h.mu.Unlock()
	if err != nil {
		_ = unix.Munmap(mem[:cap(mem)])
		return 0, nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return paddr, mem, nil
}

func (h *Pagemap) Deallocate(paddr PhysAddr, region []byte, pages int) error {
	if len(region) != pages*PageSize {
		return fmt.Errorf("region at %v does not match an allocation of %d pages", paddr, pages)
	}
	return unix.Munmap(region[:cap(region)])
}

// Share locks the pages of buf into memory and pins the buffer. Pages stay
// locked after Unshare, since other buffers may live on the same pages.
func (h *Pagemap) Share(buf []byte, dir Direction) (PhysAddr, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := unix.Mlock(buf); err != nil {
		return 0, fmt.Errorf("mlock shared buffer: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	paddr, err := h.translateRange(uintptr(unsafe.Pointer(&buf[0])), len(buf))
	if err != nil {
		return 0, err
	}
	h.pinned.pin(paddr, &buf[0])
	return paddr, nil
}

func (h *Pagemap) Unshare(paddr PhysAddr, buf []byte, dir Direction) error {
	if len(buf) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pinned.unpin(paddr)
}

func (h *Pagemap) MMIOPhysToVirt(paddr PhysAddr, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid MMIO region %v with size %d", paddr, size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.devMem == nil {
		f, err := os.OpenFile(h.devMemPath, os.O_RDWR|unix.O_SYNC, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", h.devMemPath, err)
		}
		h.devMem = f
	}

	pageOffset := int(paddr % PageSize)
	length := pageOffset + size
	mem, err := unix.Mmap(int(h.devMem.Fd()), int64(paddr-PhysAddr(pageOffset)), length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map MMIO region %v: %w", paddr, err)
	}
	h.mappings[uintptr(unsafe.Pointer(&mem[0]))] = mem
	return mem[pageOffset:], nil
}

// Close unmaps all register regions and closes the underlying files. Memory
// returned by Allocate is not affected.
func (h *Pagemap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for addr, mem := range h.mappings {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("unmap MMIO region at %#x: %w", addr, err))
		}
		delete(h.mappings, addr)
	}
	if h.devMem != nil {
		if err := h.devMem.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.devMemPath, err))
		}
		h.devMem = nil
	}
	if err := h.pagemap.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", h.pagemapPath, err))
	}
	return errors.Join(errs...)
}
