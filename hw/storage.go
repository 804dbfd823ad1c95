package hw

import (
	"fmt"
	"io"
	"sync"
)

// A Storage models a span of device-local memory, such as a VRAM
// aperture. Data lives in lazily allocated fixed-size units, so a large
// aperture costs nothing until it is touched. Storage is safe for
// concurrent use; copy engines on different rings may access disjoint
// regions at the same time.
type Storage struct {
	mu       sync.RWMutex
	capacity uint64
	unitSize uint64
	units    map[uint64][]byte
}

// NewStorage creates a Storage that can hold capacity bytes.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		capacity: capacity,
		unitSize: 1 << 12,
		units:    make(map[uint64][]byte),
	}
}

// Capacity returns the size of the storage in bytes.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) unitFor(addr uint64, alloc bool) ([]byte, uint64) {
	base := addr / s.unitSize * s.unitSize
	unit, found := s.units[base]
	if !found && alloc {
		unit = make([]byte, s.unitSize)
		s.units[base] = unit
	}
	return unit, addr - base
}

// Read returns n bytes starting at addr. Unwritten regions read as zero.
func (s *Storage) Read(addr, n uint64) ([]byte, error) {
	if addr+n > s.capacity {
		return nil, fmt.Errorf("reading [%#x, %#x) exceeds capacity %#x",
			addr, addr+n, s.capacity)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]byte, n)
	for filled := uint64(0); filled < n; {
		unit, offset := s.unitFor(addr+filled, false)
		take := s.unitSize - offset
		if take > n-filled {
			take = n - filled
		}
		if unit != nil {
			copy(out[filled:filled+take], unit[offset:offset+take])
		}
		filled += take
	}
	return out, nil
}

// Write stores data starting at addr.
func (s *Storage) Write(addr uint64, data []byte) error {
	n := uint64(len(data))
	if addr+n > s.capacity {
		return fmt.Errorf("writing [%#x, %#x) exceeds capacity %#x",
			addr, addr+n, s.capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for written := uint64(0); written < n; {
		unit, offset := s.unitFor(addr+written, true)
		take := s.unitSize - offset
		if take > n-written {
			take = n - written
		}
		copy(unit[offset:offset+take], data[written:written+take])
		written += take
	}
	return nil
}

// A View is a fixed window of a Storage exposed through io.ReaderAt and
// io.WriterAt, so a copy engine can address it like any other backing.
type View struct {
	storage *Storage
	base    uint64
	size    uint64
}

// View creates a window covering [base, base+size) of the storage.
func (s *Storage) View(base, size uint64) *View {
	return &View{storage: s, base: base, size: size}
}

// Size returns the window size in bytes.
func (v *View) Size() uint64 {
	return v.size
}

// ReadAt implements io.ReaderAt over the window.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= v.size {
		return 0, io.EOF
	}
	n := uint64(len(p))
	if uint64(off)+n > v.size {
		n = v.size - uint64(off)
	}
	data, err := v.storage.Read(v.base+uint64(off), n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	if n < uint64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt implements io.WriterAt over the window.
func (v *View) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)+uint64(len(p)) > v.size {
		return 0, fmt.Errorf("write at %#x+%#x outside view of %#x bytes",
			off, len(p), v.size)
	}
	if err := v.storage.Write(v.base+uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
