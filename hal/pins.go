package hal

import (
	"fmt"
	"runtime"
)

type pinEntry struct {
	pinner runtime.Pinner
	refs   int
}

// pins tracks pinned buffers by device address. The same address may be
// shared several times at once, for example a header reused in several
// chains, so every entry is reference counted. Callers serialize access.
type pins map[PhysAddr]*pinEntry

// pin pins p, the first byte of a buffer at paddr, or takes another reference
// if it is already pinned.
func (ps pins) pin(paddr PhysAddr, p *byte) {
	e, ok := ps[paddr]
	if !ok {
		e = &pinEntry{}
		e.pinner.Pin(p)
		ps[paddr] = e
	}
	e.refs++
}

// unpin drops a reference to paddr and unpins once the last one is gone.
func (ps pins) unpin(paddr PhysAddr) error {
	e, ok := ps[paddr]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotShared, paddr)
	}
	e.refs--
	if e.refs == 0 {
		e.pinner.Unpin()
		delete(ps, paddr)
	}
	return nil
}
