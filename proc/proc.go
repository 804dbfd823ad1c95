// Package proc tracks the processes known to the driver: their PASIDs,
// host memory spaces, buffer tables, and the trace relationships the
// cross-memory permission gate consults.
package proc

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/hostmem"
	"github.com/sarchlab/yokote/kerr"
)

// firstPasid is the PASID assigned to the first registered process.
// PASIDs below it are reserved for kernel use.
const firstPasid uint32 = 0x8000

// A Process is one registered client of the driver.
type Process struct {
	pid   int
	pasid uint32

	space   *hostmem.Space
	buffers *bo.Table

	// mu serializes the queue and buffer operations of the process. It
	// is never held across a fence wait.
	mu sync.Mutex

	stateMu sync.Mutex
	tracers map[int]bool
	dead    bool
	mmRefs  int
}

// PID returns the process ID.
func (p *Process) PID() int { return p.pid }

// PASID returns the address-space ID the hardware uses for the process.
func (p *Process) PASID() uint32 { return p.pasid }

// Space returns the host memory space of the process.
func (p *Process) Space() *hostmem.Space { return p.space }

// Buffers returns the buffer-object interval table of the process.
func (p *Process) Buffers() *bo.Table { return p.buffers }

// Lock takes the per-process operation lock.
func (p *Process) Lock() { p.mu.Lock() }

// Unlock drops the per-process operation lock.
func (p *Process) Unlock() { p.mu.Unlock() }

// MMRefCount returns the number of outstanding memory references held
// against the process.
func (p *Process) MMRefCount() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.mmRefs
}

func (p *Process) tracedBy(pid int) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.tracers[pid]
}

// A Registry holds the processes of one driver instance.
type Registry struct {
	mu        sync.Mutex
	nextPasid uint32
	byPID     map[int]*Process
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nextPasid: firstPasid,
		byPID:     make(map[int]*Process),
	}
}

// Create registers a process and assigns it a PASID.
func (r *Registry) Create(pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pid %d: %w", pid, kerr.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPID[pid]; exists {
		return nil, fmt.Errorf("pid %d already registered: %w",
			pid, kerr.ErrInvalidArgument)
	}

	p := &Process{
		pid:     pid,
		pasid:   r.nextPasid,
		space:   hostmem.NewSpace(),
		buffers: bo.NewTable(),
		tracers: make(map[int]bool),
	}
	r.nextPasid++
	r.byPID[pid] = p
	return p, nil
}

// Find returns the process registered under pid.
func (r *Registry) Find(pid int) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byPID[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, kerr.ErrProcessNotFound)
	}
	return p, nil
}

// Remove unregisters the process under pid and marks it dead. Memory
// references taken before removal stay usable; new ones are refused.
func (r *Registry) Remove(pid int) (*Process, error) {
	r.mu.Lock()
	p, ok := r.byPID[pid]
	if ok {
		delete(r.byPID, pid)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, kerr.ErrProcessNotFound)
	}

	p.stateMu.Lock()
	p.dead = true
	p.stateMu.Unlock()
	return p, nil
}

// Each visits every registered process.
func (r *Registry) Each(f func(p *Process)) {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.byPID))
	for _, p := range r.byPID {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		f(p)
	}
}

// Attach records that tracer ptrace-attached to tracee. The permission
// gate accepts the relationship in both directions afterwards.
func (r *Registry) Attach(tracerPID, traceePID int) error {
	if tracerPID == traceePID {
		return fmt.Errorf("pid %d attaching to itself: %w",
			tracerPID, kerr.ErrInvalidArgument)
	}
	if _, err := r.Find(tracerPID); err != nil {
		return err
	}
	tracee, err := r.Find(traceePID)
	if err != nil {
		return err
	}

	tracee.stateMu.Lock()
	tracee.tracers[tracerPID] = true
	tracee.stateMu.Unlock()
	return nil
}

// AccessMM grants accessor a reference on target's memory. The grant
// follows the ptrace-attach rule: a process may access itself, its
// tracees, and its tracers. The reference must be released exactly once.
func AccessMM(accessor, target *Process) (*MMRef, error) {
	if accessor != target &&
		!target.tracedBy(accessor.pid) && !accessor.tracedBy(target.pid) {
		return nil, fmt.Errorf(
			"pid %d may not access memory of pid %d: %w",
			accessor.pid, target.pid, kerr.ErrPermission)
	}

	target.stateMu.Lock()
	defer target.stateMu.Unlock()
	if target.dead {
		return nil, fmt.Errorf("pid %d is gone: %w",
			target.pid, kerr.ErrProcessNotFound)
	}
	target.mmRefs++
	return &MMRef{p: target}, nil
}

// An MMRef keeps a process's memory usable for the duration of a copy,
// even across the process's removal.
type MMRef struct {
	p        *Process
	released bool
}

// Process returns the referenced process.
func (r *MMRef) Process() *Process { return r.p }

// Space returns the referenced memory space.
func (r *MMRef) Space() *hostmem.Space { return r.p.space }

// Release drops the reference.
func (r *MMRef) Release() {
	if r.released {
		log.Panicf("mm reference of pid %d released twice", r.p.pid)
	}
	r.released = true

	r.p.stateMu.Lock()
	r.p.mmRefs--
	r.p.stateMu.Unlock()
}
