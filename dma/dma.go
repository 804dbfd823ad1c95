// Package dma implements the asynchronous copy engines of a device.
// Submissions to one engine complete in order; each submission is paired
// with a fence from the engine's fence context.
package dma

import (
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/yokote/fence"
	"github.com/sarchlab/yokote/kerr"
)

// A Window is a span of memory a copy engine can address: a VRAM view,
// a system-memory buffer, or a run of pinned host pages.
type Window interface {
	io.ReaderAt
	io.WriterAt
}

// Bytes is a plain system-memory backing addressable as a Window.
type Bytes []byte

// ReadAt implements io.ReaderAt.
func (b Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (b Bytes) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(b)) {
		return 0, fmt.Errorf("write at %#x+%#x outside buffer of %#x bytes",
			off, len(p), len(b))
	}
	return copy(b[off:], p), nil
}

type request struct {
	src    Window
	srcOff int64
	dst    Window
	dstOff int64
	n      int64
	f      *fence.Fence
}

// An Engine is one copy ring of a device. It owns a fence context and a
// single worker, so completions follow submission order.
type Engine struct {
	name string
	fctx *fence.Context

	chunkSize int64

	pauseLock sync.Mutex

	mu     sync.Mutex
	closed bool
	subs   chan *request
	wg     sync.WaitGroup
}

// NewEngine creates and starts a copy engine.
func NewEngine(name string) *Engine {
	e := &Engine{
		name:      name,
		fctx:      fence.NewContext(),
		chunkSize: 256 << 10,
		subs:      make(chan *request, 64),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return e.name
}

// FenceContextID returns the ID of the engine's fence context.
func (e *Engine) FenceContextID() uint64 {
	return e.fctx.ID()
}

// Copy submits a transfer of n bytes from src to dst and returns its
// fence. The fence signals once the transfer is visible in dst.
func (e *Engine) Copy(src Window, srcOff int64, dst Window, dstOff int64,
	n int64) (*fence.Fence, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("copy with missing backing: %w",
			kerr.ErrInvalidArgument)
	}
	if n <= 0 || srcOff < 0 || dstOff < 0 {
		return nil, fmt.Errorf("copy of %d bytes at %#x->%#x: %w",
			n, srcOff, dstOff, kerr.ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine %s is shut down: %w",
			e.name, kerr.ErrInvalidDevice)
	}
	f := e.fctx.Emit()
	e.subs <- &request{src: src, srcOff: srcOff, dst: dst, dstOff: dstOff,
		n: n, f: f}
	return f, nil
}

// Pause holds the engine before its next transfer. Pending fences stay
// unsignaled until Continue.
func (e *Engine) Pause() {
	e.pauseLock.Lock()
}

// Continue resumes a paused engine.
func (e *Engine) Continue() {
	e.pauseLock.Unlock()
}

// Shutdown stops the engine after the pending transfers drain.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.subs)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	buf := make([]byte, e.chunkSize)
	for req := range e.subs {
		e.pauseLock.Lock()
		e.pauseLock.Unlock()
		e.transfer(req, buf)
	}
}

func (e *Engine) transfer(req *request, buf []byte) {
	srcOff, dstOff, left := req.srcOff, req.dstOff, req.n
	for left > 0 {
		k := left
		if k > e.chunkSize {
			k = e.chunkSize
		}
		n, err := req.src.ReadAt(buf[:k], srcOff)
		if int64(n) < k {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			req.f.SignalErr(fmt.Errorf(
				"%s: short source read at %#x: %w", e.name, srcOff, err))
			return
		}
		if _, err := req.dst.WriteAt(buf[:k], dstOff); err != nil {
			req.f.SignalErr(fmt.Errorf(
				"%s: destination write at %#x: %w", e.name, dstOff, err))
			return
		}
		srcOff += k
		dstOff += k
		left -= k
	}
	req.f.Signal()
}
