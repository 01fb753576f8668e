package hal

import (
	"fmt"
)

// DMA is an owned, page-granular allocation obtained from a [HAL].
type DMA struct {
	hal   HAL
	paddr PhysAddr
	mem   []byte
	pages int
}

// NewDMA allocates pages pages of zeroed DMA memory.
func NewDMA(h HAL, pages int) (*DMA, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("allocate %d pages: invalid page count", pages)
	}
	paddr, mem, err := h.Allocate(pages)
	if err != nil {
		return nil, fmt.Errorf("allocate %d pages: %w", pages, err)
	}
	if len(mem) != pages*PageSize {
		_ = h.Deallocate(paddr, mem, pages)
		panic(fmt.Sprintf("HAL returned %d bytes for %d pages", len(mem), pages))
	}
	return &DMA{hal: h, paddr: paddr, mem: mem, pages: pages}, nil
}

// PhysAddr returns the device address of the first byte.
func (d *DMA) PhysAddr() PhysAddr {
	return d.paddr
}

// PhysAt returns the device address of the byte at offset.
func (d *DMA) PhysAt(offset int) PhysAddr {
	if offset < 0 || offset > len(d.mem) {
		panic(fmt.Sprintf("offset %d outside DMA region of %d bytes", offset, len(d.mem)))
	}
	return d.paddr + PhysAddr(offset)
}

// Bytes returns the allocated memory. It is nil after Close.
func (d *DMA) Bytes() []byte {
	return d.mem
}

// Pages returns the size of the allocation in pages.
func (d *DMA) Pages() int {
	return d.pages
}

// Close returns the memory to the HAL. Calling it more than once is a no-op.
func (d *DMA) Close() error {
	if d == nil || d.mem == nil {
		return nil
	}
	mem := d.mem
	d.mem = nil
	if err := d.hal.Deallocate(d.paddr, mem, d.pages); err != nil {
		return fmt.Errorf("deallocate %d pages at %v: %w", d.pages, d.paddr, err)
	}
	return nil
}

// Shared is a caller owned buffer that is temporarily visible to the device.
// Releasing it never frees the buffer.
type Shared struct {
	hal   HAL
	paddr PhysAddr
	buf   []byte
	dir   Direction
	live  bool
}

// ShareBuffer makes buf visible to the device in the given direction.
func ShareBuffer(h HAL, buf []byte, dir Direction) (Shared, error) {
	paddr, err := h.Share(buf, dir)
	if err != nil {
		return Shared{}, fmt.Errorf("share %d byte buffer (%v): %w", len(buf), dir, err)
	}
	return Shared{hal: h, paddr: paddr, buf: buf, dir: dir, live: true}, nil
}

// PhysAddr returns the device address of the buffer.
func (s *Shared) PhysAddr() PhysAddr {
	return s.paddr
}

// Len returns the length of the buffer.
func (s *Shared) Len() int {
	return len(s.buf)
}

// Direction returns the direction the buffer was shared in.
func (s *Shared) Direction() Direction {
	return s.dir
}

// Release unshares the buffer. Calling it more than once is a no-op.
func (s *Shared) Release() error {
	if !s.live {
		return nil
	}
	s.live = false
	if err := s.hal.Unshare(s.paddr, s.buf, s.dir); err != nil {
		return fmt.Errorf("unshare %d byte buffer at %v: %w", len(s.buf), s.paddr, err)
	}
	return nil
}
