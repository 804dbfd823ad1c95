package bo

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/sarchlab/yokote/kerr"
)

// A Table maps a process's device virtual addresses to buffer objects.
// Intervals never overlap; lookups are by containment.
type Table struct {
	mu   sync.Mutex
	tree *btree.BTree
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{tree: btree.New(2)}
}

// Len returns the number of objects in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// Insert adds an object. Overlapping an existing interval is an error.
func (t *Table) Insert(o *Object) error {
	if o.Last < o.Start {
		return fmt.Errorf("inverted interval [%#x, %#x]: %w",
			o.Start, o.Last, kerr.ErrInvalidArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// The only candidate for overlap is the object with the greatest
	// start at or below the new interval's last byte.
	var clash *Object
	t.tree.DescendLessOrEqual(&Object{Start: o.Last},
		func(item btree.Item) bool {
			clash = item.(*Object)
			return false
		})
	if clash != nil && clash.Last >= o.Start {
		return fmt.Errorf("interval [%#x, %#x] overlaps buffer at [%#x, %#x]: %w",
			o.Start, o.Last, clash.Start, clash.Last, kerr.ErrInvalidArgument)
	}

	t.tree.ReplaceOrInsert(o)
	return nil
}

// Remove deletes and returns the object starting exactly at start.
func (t *Table) Remove(start uint64) (*Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item := t.tree.Delete(&Object{Start: start})
	if item == nil {
		return nil, fmt.Errorf("no buffer starts at %#x: %w",
			start, kerr.ErrNotFound)
	}
	return item.(*Object), nil
}

// FindContaining returns the object whose interval covers addr.
func (t *Table) FindContaining(addr uint64) (*Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found *Object
	t.tree.DescendLessOrEqual(&Object{Start: addr},
		func(item btree.Item) bool {
			found = item.(*Object)
			return false
		})
	if found == nil || found.Last < addr {
		return nil, false
	}
	return found, true
}

// FindInterval returns the object covering all of [start, last].
func (t *Table) FindInterval(start, last uint64) (*Object, bool) {
	o, ok := t.FindContaining(start)
	if !ok || o.Last < last {
		return nil, false
	}
	return o, true
}

// Each visits every object in address order until fn returns false.
func (t *Table) Each(fn func(*Object) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(*Object))
	})
}

// Drain removes and returns every object, leaving the table empty.
func (t *Table) Drain() []*Object {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Object, 0, t.tree.Len())
	t.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(*Object))
		return true
	})
	t.tree.Clear(false)
	return out
}
