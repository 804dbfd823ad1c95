package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sarchlab/yokote/kerr"
)

const vramAlign uint64 = 256

type span struct {
	offset uint64
	size   uint64
}

// vramAllocator hands out device-memory spans first-fit. Frees
// coalesce with their neighbors so long-running drivers do not
// fragment.
type vramAllocator struct {
	mu       sync.Mutex
	capacity uint64
	free     []span
	used     uint64
}

func newVRAMAllocator(capacity uint64) *vramAllocator {
	return &vramAllocator{
		capacity: capacity,
		free:     []span{{offset: 0, size: capacity}},
	}
}

func (a *vramAllocator) alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-size vram allocation: %w",
			kerr.ErrInvalidArgument)
	}
	size = (size + vramAlign - 1) &^ (vramAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.free {
		if a.free[i].size < size {
			continue
		}
		offset := a.free[i].offset
		a.free[i].offset += size
		a.free[i].size -= size
		if a.free[i].size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.used += size
		return offset, nil
	}
	return 0, fmt.Errorf("vram exhausted, %d bytes requested: %w",
		size, kerr.ErrNoMemory)
}

func (a *vramAllocator) release(offset, size uint64) {
	size = (size + vramAlign - 1) &^ (vramAlign - 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.used -= size
	a.free = append(a.free, span{offset: offset, size: size})
	sort.Slice(a.free, func(i, j int) bool {
		return a.free[i].offset < a.free[j].offset
	})

	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.offset+last.size == s.offset {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

func (a *vramAllocator) inUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
