package cma

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/hostmem"
	"github.com/sarchlab/yokote/kerr"
)

// A Range is one virtual-address range of a copy request.
type Range struct {
	Addr uint64
	Size uint64
}

// A shadow is staging state tied to one request: pinned user pages or a
// staged buffer. Shadows release exactly once at iterator teardown.
type shadow interface {
	release() error
}

type pinnedShadow struct {
	pin *hostmem.Pinned
}

func (s pinnedShadow) release() error {
	s.pin.Unpin()
	return nil
}

// An Iterator walks the buffer objects behind a list of ranges in one
// process's address map. Positions resolve to (buffer, offset) pairs by
// interval containment, so one range may span several adjacent buffers.
type Iterator struct {
	space   *hostmem.Space
	buffers *bo.Table

	ranges []Range
	ri     int
	offset uint64
	total  uint64

	cur    *bo.Object
	curOff uint64

	shadows []shadow
}

// NewIterator builds an iterator over ranges in the address map given
// by buffers. The first position resolves right away; a position
// covered by no buffer object is out of bounds.
func NewIterator(space *hostmem.Space, buffers *bo.Table,
	ranges []Range) (*Iterator, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no ranges: %w", kerr.ErrInvalidArgument)
	}

	it := &Iterator{space: space, buffers: buffers, ranges: ranges}
	for _, r := range ranges {
		it.total += r.Size
	}
	if err := it.seek(); err != nil {
		return nil, err
	}
	return it, nil
}

// Total returns the bytes remaining across all ranges.
func (it *Iterator) Total() uint64 {
	return it.total
}

func (it *Iterator) pos() uint64 {
	return it.ranges[it.ri].Addr + it.offset
}

// seek skips consumed and empty ranges, then resolves the buffer under
// the current position.
func (it *Iterator) seek() error {
	for it.ri < len(it.ranges) && it.offset == it.ranges[it.ri].Size {
		it.ri++
		it.offset = 0
	}
	if it.atEnd() {
		return nil
	}

	obj, ok := it.buffers.FindContaining(it.pos())
	if !ok {
		return fmt.Errorf("position %#x covered by no buffer: %w",
			it.pos(), kerr.ErrOutOfRange)
	}
	it.cur = obj
	it.curOff = it.pos() - obj.Start
	return nil
}

// atEnd reports whether the ranges are consumed.
func (it *Iterator) atEnd() bool {
	return it.total == 0 || it.ri >= len(it.ranges)
}

// buffer returns the object under the current position.
func (it *Iterator) buffer() *bo.Object { return it.cur }

// bufferOffset returns the position's byte offset inside the current
// buffer.
func (it *Iterator) bufferOffset() uint64 { return it.curOff }

// residual returns the longest advance that stays inside both the
// current range and the current buffer.
func (it *Iterator) residual() uint64 {
	rangeLeft := it.ranges[it.ri].Size - it.offset
	bufLeft := it.cur.Size() - it.curOff
	if bufLeft < rangeLeft {
		return bufLeft
	}
	return rangeLeft
}

// advance consumes n bytes and re-resolves the position. Advancing past
// the segment residual is an internal-consistency failure and poisons
// the request.
func (it *Iterator) advance(n uint64) error {
	if it.atEnd() || n > it.total || n > it.residual() {
		return fmt.Errorf("advance of %d bytes with %d left: %w",
			n, it.total, kerr.ErrInternal)
	}
	it.total -= n
	it.offset += n
	it.curOff += n
	return it.seek()
}

func (it *Iterator) attachShadow(s shadow) {
	it.shadows = append(it.shadows, s)
}

// close releases every shadow the iterator accumulated, aggregating
// release failures.
func (it *Iterator) close() error {
	var merr *multierror.Error
	for _, s := range it.shadows {
		merr = multierror.Append(merr, s.release())
	}
	it.shadows = nil
	return merr.ErrorOrNil()
}
