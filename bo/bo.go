// Package bo defines device buffer objects and the per-process interval
// table that maps device virtual addresses to them.
package bo

import (
	"github.com/google/btree"

	"github.com/sarchlab/yokote/dma"
)

// Kind tells where a buffer object's memory lives.
type Kind int

const (
	// KindVRAM is device-local memory.
	KindVRAM Kind = iota
	// KindGTT is system memory mapped for device access.
	KindGTT
	// KindUserptr wraps user pages; the pages are pinned on demand.
	KindUserptr
	// KindDoorbell maps a doorbell page; it carries no copyable memory.
	KindDoorbell
)

func (k Kind) String() string {
	switch k {
	case KindVRAM:
		return "vram"
	case KindGTT:
		return "gtt"
	case KindUserptr:
		return "userptr"
	case KindDoorbell:
		return "doorbell"
	default:
		return "unknown"
	}
}

// A ShareRef ties a buffer object to a cross-process share. Imported and
// exported objects retain the share; releasing the object drops it.
type ShareRef interface {
	Retain()
	Release()
}

// An Object is one device buffer in a process's address map. Start and
// Last bound the device virtual interval, inclusive.
type Object struct {
	Start uint64
	Last  uint64
	Kind  Kind

	// Device names the device the object belongs to. The driver keys
	// device lookups by this name.
	Device string

	// CPUVA is the user virtual address backing a userptr object.
	CPUVA uint64

	// Backing is the engine-addressable memory of VRAM and GTT
	// objects. Userptr and doorbell objects have none until staged.
	Backing dma.Window

	// VRAMOffset records the allocator offset of VRAM objects so the
	// allocation can be returned.
	VRAMOffset uint64

	// Share is set while the object participates in a cross-process
	// share.
	Share ShareRef
}

// Size returns the interval length in bytes.
func (o *Object) Size() uint64 {
	return o.Last - o.Start + 1
}

// Contains reports whether addr falls inside the object's interval.
func (o *Object) Contains(addr uint64) bool {
	return o.Start <= addr && addr <= o.Last
}

// Less orders objects by interval start for the table's tree.
func (o *Object) Less(than btree.Item) bool {
	return o.Start < than.(*Object).Start
}
