package hostmem

import (
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/yokote/kerr"
)

// A Pinner pins page ranges of a host address space for device access.
// Implementations may pin fewer pages than requested when the range runs
// off the mapped region; pinning nothing is an error.
type Pinner interface {
	Pin(s *Space, addr uint64, pages int, writable bool) (*Pinned, error)
}

// HostPinner is the production Pinner over Space page tables.
type HostPinner struct{}

// Pin pins up to pages pages starting at the page containing addr. It
// returns kerr.ErrFault if the first page is unmapped; otherwise it
// returns the prefix of pages that are mapped.
func (HostPinner) Pin(s *Space, addr uint64, pages int,
	writable bool) (*Pinned, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("pinning %d pages: %w",
			pages, kerr.ErrInvalidArgument)
	}
	base := addr &^ (PageSize - 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	pinned := &Pinned{space: s, writable: writable}
	for i := 0; i < pages; i++ {
		page, ok := s.pages[base+uint64(i)*PageSize]
		if !ok {
			break
		}
		page.pins++
		pinned.pages = append(pinned.pages, page)
	}
	if len(pinned.pages) == 0 {
		return nil, fmt.Errorf("pinning unmapped address %#x: %w",
			addr, kerr.ErrFault)
	}
	return pinned, nil
}

// Pinned is a run of pinned host pages. It doubles as an addressable
// window for copy engines: offset zero is the start of the first page.
type Pinned struct {
	space    *Space
	pages    []*Page
	writable bool

	unpin sync.Once
}

// NumPages returns how many pages are pinned.
func (p *Pinned) NumPages() int {
	return len(p.pages)
}

// Bytes returns the window size in bytes.
func (p *Pinned) Bytes() uint64 {
	return uint64(len(p.pages)) * PageSize
}

// Writable reports whether the pin was taken for writing.
func (p *Pinned) Writable() bool {
	return p.writable
}

// Page returns the i-th pinned page.
func (p *Pinned) Page(i int) *Page {
	return p.pages[i]
}

// Unpin releases the pages. Safe to call once per pin on every path.
func (p *Pinned) Unpin() {
	p.unpin.Do(func() {
		p.space.mu.Lock()
		defer p.space.mu.Unlock()
		for _, page := range p.pages {
			page.pins--
		}
	})
}

// ReadAt implements io.ReaderAt over the pinned window.
func (p *Pinned) ReadAt(b []byte, off int64) (int, error) {
	size := int64(p.Bytes())
	if off < 0 || off >= size {
		return 0, io.EOF
	}
	n := 0
	for n < len(b) && off < size {
		page := p.pages[off/int64(PageSize)]
		po := off % int64(PageSize)
		c := copy(b[n:], page.Data[po:])
		n += c
		off += int64(c)
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the pinned window. Writes require
// the pin to have been taken writable.
func (p *Pinned) WriteAt(b []byte, off int64) (int, error) {
	if !p.writable {
		return 0, fmt.Errorf("write through read-only pin: %w", kerr.ErrPermission)
	}
	size := int64(p.Bytes())
	if off < 0 || off+int64(len(b)) > size {
		return 0, fmt.Errorf("write at %#x+%#x outside pinned window of %#x bytes",
			off, len(b), size)
	}
	n := 0
	for n < len(b) {
		page := p.pages[off/int64(PageSize)]
		po := off % int64(PageSize)
		c := copy(page.Data[po:], b[n:])
		n += c
		off += int64(c)
	}
	return n, nil
}

// PinCount returns the pin count of the page holding addr. Unmapped
// addresses count zero. Intended for leak checks.
func (s *Space) PinCount(addr uint64) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page, ok := s.pages[addr&^(PageSize-1)]; ok {
		return page.pins
	}
	return 0
}
