// Package fence provides completion fences for device copy engines and
// kernel-interface rings. Fences carry a sequence number and belong to a
// context; ordering is guaranteed only between fences of one context.
package fence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/yokote/kerr"
)

var nextContextID atomic.Uint64

// A Context is one producer of ordered fences, typically a single
// hardware ring. Fences from the same context complete in emission
// order.
type Context struct {
	id      uint64
	mu      sync.Mutex
	lastSeq uint64
}

// NewContext creates a context with a process-unique ID.
func NewContext() *Context {
	return &Context{id: nextContextID.Add(1)}
}

// ID returns the context identifier.
func (c *Context) ID() uint64 {
	return c.id
}

// Emit creates the next fence of the context.
func (c *Context) Emit() *Fence {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq++
	return &Fence{
		ctxID: c.id,
		seq:   c.lastSeq,
		done:  make(chan struct{}),
	}
}

// A Fence signals the completion of one submission.
type Fence struct {
	ctxID uint64
	seq   uint64

	once sync.Once
	err  error
	done chan struct{}
}

// ContextID returns the ID of the emitting context.
func (f *Fence) ContextID() uint64 {
	return f.ctxID
}

// Seq returns the fence's sequence number within its context.
func (f *Fence) Seq() uint64 {
	return f.seq
}

// Signal marks the submission complete. Further signals are ignored.
func (f *Fence) Signal() {
	f.once.Do(func() { close(f.done) })
}

// SignalErr marks the submission failed with err.
func (f *Fence) SignalErr(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done reports whether the fence has signaled.
func (f *Fence) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the failure recorded at signal time, if any. It must only
// be consulted after the fence is done.
func (f *Fence) Err() error {
	return f.err
}

// Wait blocks until the fence signals or timeout passes. On expiry it
// returns kerr.ErrTimedOut; otherwise it returns the error the producer
// signaled with.
func (f *Fence) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.err
	case <-timer.C:
		return kerr.ErrTimedOut
	}
}
