// Package ipc shares buffer objects between processes through opaque
// random handles. A shared object stays alive until its last holder
// releases it.
package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/rs/xid"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/dma"
	"github.com/sarchlab/yokote/kerr"
)

// HandleSize is the size of a share handle in bytes.
const HandleSize = 16

// A Handle names one shared object. Handles are unguessable: an xid
// plus four random bytes.
type Handle [HandleSize]byte

func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHandle decodes the hex form of a handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HandleSize {
		return h, fmt.Errorf("malformed ipc handle %q: %w",
			s, kerr.ErrInvalidArgument)
	}
	copy(h[:], b)
	return h, nil
}

func newHandle() Handle {
	var h Handle
	copy(h[:12], xid.New().Bytes())
	if _, err := rand.Read(h[12:]); err != nil {
		log.Panicf("reading random bytes: %v", err)
	}
	return h
}

// An Obj is one shared buffer backing, reference-counted across its
// exporter and importers.
type Obj struct {
	table   *Table
	handle  Handle
	kind    bo.Kind
	device  string
	backing dma.Window
	size    uint64
	free    func()

	mu   sync.Mutex
	refs int
}

// Handle returns the share handle.
func (o *Obj) Handle() Handle { return o.handle }

// Kind returns the kind of the shared backing.
func (o *Obj) Kind() bo.Kind { return o.kind }

// Device returns the device the backing lives on.
func (o *Obj) Device() string { return o.device }

// Backing returns the shared memory window.
func (o *Obj) Backing() dma.Window { return o.backing }

// Size returns the shared size in bytes.
func (o *Obj) Size() uint64 { return o.size }

// Retain adds a reference.
func (o *Obj) Retain() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

// Release drops a reference. The last release removes the handle and
// frees the backing.
func (o *Obj) Release() {
	o.mu.Lock()
	o.refs--
	last := o.refs == 0
	if o.refs < 0 {
		log.Panicf("ipc object %s released below zero", o.handle)
	}
	o.mu.Unlock()

	if !last {
		return
	}
	o.table.remove(o.handle)
	if o.free != nil {
		o.free()
	}
}

// A Table holds the shared objects of one driver instance.
type Table struct {
	mu   sync.Mutex
	objs map[Handle]*Obj
}

// NewTable creates an empty share table.
func NewTable() *Table {
	return &Table{objs: make(map[Handle]*Obj)}
}

// Export shares a buffer backing and returns the object holding the
// exporter's reference. free runs when the last reference drops.
func (t *Table) Export(kind bo.Kind, device string, backing dma.Window,
	size uint64, free func()) *Obj {
	o := &Obj{
		table:   t,
		handle:  newHandle(),
		kind:    kind,
		device:  device,
		backing: backing,
		size:    size,
		free:    free,
		refs:    1,
	}
	t.mu.Lock()
	t.objs[o.handle] = o
	t.mu.Unlock()
	return o
}

// Import takes a reference on the object behind handle. Handles whose
// object was fully released are gone; an object caught mid-release is
// never resurrected.
func (t *Table) Import(handle Handle) (*Obj, error) {
	t.mu.Lock()
	o, ok := t.objs[handle]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ipc handle %s: %w", handle, kerr.ErrNotFound)
	}

	o.mu.Lock()
	live := o.refs > 0
	if live {
		o.refs++
	}
	o.mu.Unlock()
	if !live {
		return nil, fmt.Errorf("ipc handle %s: %w", handle, kerr.ErrNotFound)
	}
	return o, nil
}

func (t *Table) remove(handle Handle) {
	t.mu.Lock()
	delete(t.objs, handle)
	t.mu.Unlock()
}
