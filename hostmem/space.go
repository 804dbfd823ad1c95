// Package hostmem models per-process host address spaces. The driver
// core reads and writes user memory through a Space, and pins page
// ranges through a Pinner before handing them to device engines.
package hostmem

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sarchlab/yokote/kerr"
)

// PageSize is the host page size the driver assumes.
const PageSize uint64 = 4096

// A Page is one host page. Pinned pages stay alive even after the
// mapping that produced them goes away.
type Page struct {
	Data []byte
	pins int32
}

// A Space is one process's host address space. Pages exist only where
// mapped; access to unmapped addresses faults.
type Space struct {
	mu    sync.Mutex
	pages map[uint64]*Page
}

// NewSpace creates an empty address space.
func NewSpace() *Space {
	return &Space{pages: make(map[uint64]*Page)}
}

// Map backs [addr, addr+size) with fresh pages. The range is widened to
// page boundaries. Mapping over an existing page is an error.
func (s *Space) Map(addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("mapping empty range: %w", kerr.ErrInvalidArgument)
	}
	first := addr &^ (PageSize - 1)
	last := (addr + size - 1) &^ (PageSize - 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	for base := first; ; base += PageSize {
		if _, taken := s.pages[base]; taken {
			return fmt.Errorf("page %#x already mapped: %w",
				base, kerr.ErrInvalidArgument)
		}
		if base == last {
			break
		}
	}
	for base := first; ; base += PageSize {
		s.pages[base] = &Page{Data: make([]byte, PageSize)}
		if base == last {
			break
		}
	}
	return nil
}

// Unmap removes the pages covering [addr, addr+size). Pinned pages stay
// alive through their pins; only the mapping goes away.
func (s *Space) Unmap(addr, size uint64) {
	if size == 0 {
		return
	}
	first := addr &^ (PageSize - 1)
	last := (addr + size - 1) &^ (PageSize - 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	for base := first; ; base += PageSize {
		delete(s.pages, base)
		if base == last {
			break
		}
	}
}

// Mapped reports whether every page of [addr, addr+size) is mapped.
func (s *Space) Mapped(addr, size uint64) bool {
	if size == 0 {
		return true
	}
	first := addr &^ (PageSize - 1)
	last := (addr + size - 1) &^ (PageSize - 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	for base := first; ; base += PageSize {
		if _, ok := s.pages[base]; !ok {
			return false
		}
		if base == last {
			break
		}
	}
	return true
}

func (s *Space) walk(addr uint64, n int,
	visit func(page *Page, offset, count uint64)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	left := uint64(n)
	for left > 0 {
		base := addr &^ (PageSize - 1)
		page, ok := s.pages[base]
		if !ok {
			return fmt.Errorf("accessing unmapped address %#x: %w",
				addr, kerr.ErrFault)
		}
		offset := addr - base
		count := PageSize - offset
		if count > left {
			count = left
		}
		visit(page, offset, count)
		addr += count
		left -= count
	}
	return nil
}

// Read copies len(p) bytes at addr into p. It fails with kerr.ErrFault
// on the first unmapped page.
func (s *Space) Read(addr uint64, p []byte) error {
	pos := uint64(0)
	return s.walk(addr, len(p), func(page *Page, offset, count uint64) {
		copy(p[pos:pos+count], page.Data[offset:offset+count])
		pos += count
	})
}

// Write copies p into the space at addr.
func (s *Space) Write(addr uint64, p []byte) error {
	pos := uint64(0)
	return s.walk(addr, len(p), func(page *Page, offset, count uint64) {
		copy(page.Data[offset:offset+count], p[pos:pos+count])
		pos += count
	})
}

// ReadUint32 reads a little-endian 32-bit value at addr.
func (s *Space) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := s.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian 64-bit value at addr.
func (s *Space) ReadUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if err := s.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores a little-endian 64-bit value at addr.
func (s *Space) WriteUint64(addr uint64, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.Write(addr, buf[:])
}
