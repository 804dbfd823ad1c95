// Package hw models the hardware surface the driver core programs: sparse
// device memory, word-addressed register files, and the responders that
// stand in for hardware behavior behind those registers.
package hw

import "sync"

// Access describes one register write as seen by responders.
type Access struct {
	// Offset is the word offset of the written register.
	Offset uint32
	// Value is the value that was written.
	Value uint32
	// Prev is the register value before the write.
	Prev uint32
}

// A Responder models hardware behavior behind a register file. It runs
// after every Write32 and may poke further registers, the way real
// hardware raises status bits in response to command writes.
type Responder interface {
	React(f *RegFile, acc Access)
}

// ResponderFunc adapts a plain function to the Responder interface.
type ResponderFunc func(f *RegFile, acc Access)

// React calls fn.
func (fn ResponderFunc) React(f *RegFile, acc Access) { fn(f, acc) }

// A RegFile is a sparse, word-addressed register space. Driver-side code
// accesses it with Read32 and Write32; responders store their reactions
// with Poke32, which does not trigger further responders.
type RegFile struct {
	mu         sync.Mutex
	words      map[uint32]uint32
	responders []Responder
}

// NewRegFile creates an empty register file.
func NewRegFile() *RegFile {
	return &RegFile{words: make(map[uint32]uint32)}
}

// AcceptResponder registers a responder. Responders run in registration
// order after each write.
func (f *RegFile) AcceptResponder(r Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders = append(f.responders, r)
}

// Read32 returns the current value of the register at offset. Registers
// never written read as zero.
func (f *RegFile) Read32(offset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[offset]
}

// Write32 stores value at offset and triggers the responders. Responders
// run without the file lock held, so they may read and poke freely.
func (f *RegFile) Write32(offset, value uint32) {
	f.mu.Lock()
	prev := f.words[offset]
	f.words[offset] = value
	responders := make([]Responder, len(f.responders))
	copy(responders, f.responders)
	f.mu.Unlock()

	acc := Access{Offset: offset, Value: value, Prev: prev}
	for _, r := range responders {
		r.React(f, acc)
	}
}

// Poke32 stores value at offset without triggering responders.
func (f *RegFile) Poke32(offset, value uint32) {
	f.mu.Lock()
	f.words[offset] = value
	f.mu.Unlock()
}

// SetBits32 sets the given bits at offset without triggering responders.
func (f *RegFile) SetBits32(offset, bits uint32) {
	f.mu.Lock()
	f.words[offset] |= bits
	f.mu.Unlock()
}

// ClearBits32 clears the given bits at offset without triggering
// responders.
func (f *RegFile) ClearBits32(offset, bits uint32) {
	f.mu.Lock()
	f.words[offset] &^= bits
	f.mu.Unlock()
}
