package device

import (
	"fmt"
	"sync"

	"github.com/sarchlab/yokote/kerr"
)

const doorbellCount = 1024

// doorbellAllocator tracks the per-device doorbell index space.
type doorbellAllocator struct {
	mu   sync.Mutex
	used [doorbellCount]bool
	next uint32
}

func (a *doorbellAllocator) alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint32(0); i < doorbellCount; i++ {
		idx := (a.next + i) % doorbellCount
		if a.used[idx] {
			continue
		}
		a.used[idx] = true
		a.next = idx + 1
		return idx, nil
	}
	return 0, fmt.Errorf("doorbell space exhausted: %w", kerr.ErrNoMemory)
}

func (a *doorbellAllocator) release(idx uint32) {
	if idx >= doorbellCount {
		return
	}
	a.mu.Lock()
	a.used[idx] = false
	a.mu.Unlock()
}
