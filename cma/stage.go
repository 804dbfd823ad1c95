package cma

import (
	"time"

	"github.com/sarchlab/yokote/hostmem"
)

const (
	// maxShadowPages caps staging windows and the double-hop
	// intermediate buffer. Requests larger than the cap are chunked by
	// the segment loop, not the stager.
	maxShadowPages = 512
	maxShadowBytes = maxShadowPages * hostmem.PageSize

	// maxPinPages bounds the pages in flight of the host page-copy
	// loop.
	maxPinPages = 64

	// cmaWaitTimeout bounds cross-context fence waits, the double-hop
	// waits, and the final fence of a request.
	cmaWaitTimeout = time.Second
)

// pagesSpanned returns how many pages [addr, addr+n) touches.
func pagesSpanned(addr, n uint64) int {
	off := addr & (hostmem.PageSize - 1)
	return int((off + n + hostmem.PageSize - 1) / hostmem.PageSize)
}

// stageUserptr pins the user pages behind the iterator's current
// position for device access. The returned window starts at a page
// boundary; off is the position's offset into it. Fewer mapped pages
// than requested shrink the staged size, which is partial success, not
// an error. The pin is tracked on the iterator and released at
// teardown.
func (c *Copier) stageUserptr(it *Iterator, n uint64,
	writable bool) (win *hostmem.Pinned, off, staged uint64, err error) {
	if n > maxShadowBytes {
		n = maxShadowBytes
	}
	addr := it.buffer().CPUVA + it.bufferOffset()

	pin, err := c.pinner.Pin(it.space, addr, pagesSpanned(addr, n), writable)
	if err != nil {
		return nil, 0, 0, err
	}
	it.attachShadow(pinnedShadow{pin: pin})

	off = addr & (hostmem.PageSize - 1)
	if avail := pin.Bytes() - off; avail < n {
		n = avail
	}
	return pin, off, n, nil
}
