// Package cma implements the cross-process memory copy engine: the
// range iterator over a process's buffer objects, the shadow-buffer
// stager, and the orchestrator that picks a copy strategy per segment
// and keeps cross-context fence dependencies bounded to one.
package cma

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/dma"
	"github.com/sarchlab/yokote/fence"
	"github.com/sarchlab/yokote/hostmem"
	"github.com/sarchlab/yokote/kerr"
)

// An EngineSource yields the copy engine of a named device.
type EngineSource interface {
	CopyEngine(device string) (*dma.Engine, error)
}

// Strategy names how one segment was copied.
type Strategy int

const (
	// StrategyHostPages pins both sides and copies page by page.
	StrategyHostPages Strategy = iota
	// StrategyStaged pins the userptr side and runs a device copy
	// against the staged window.
	StrategyStaged
	// StrategyDoubleHop bounces VRAM-to-VRAM traffic of different
	// devices through a host intermediate buffer.
	StrategyDoubleHop
	// StrategyDirect is a single device-mediated copy.
	StrategyDirect
)

func (s Strategy) String() string {
	switch s {
	case StrategyHostPages:
		return "host-pages"
	case StrategyStaged:
		return "staged"
	case StrategyDoubleHop:
		return "double-hop"
	case StrategyDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// A Segment reports one executed copy segment.
type Segment struct {
	Strategy  Strategy
	SrcKind   bo.Kind
	DstKind   bo.Kind
	SrcDevice string
	DstDevice string
	Bytes     uint64
	FenceCtx  uint64
	FenceSeq  uint64
	Duration  time.Duration
}

// A Copier executes copy requests over the devices' copy engines.
type Copier struct {
	engines EngineSource
	pinner  hostmem.Pinner
	log     *logrus.Logger

	// OnSegment, when set, observes every executed segment, including
	// failed ones.
	OnSegment func(seg Segment)
}

// NewCopier creates a copier. A nil pinner selects the production host
// pinner.
func NewCopier(engines EngineSource, pinner hostmem.Pinner,
	log *logrus.Logger) *Copier {
	if pinner == nil {
		pinner = hostmem.HostPinner{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Copier{engines: engines, pinner: pinner, log: log}
}

// copyState is the mutable state of one request.
type copyState struct {
	pending      *fence.Fence
	pendingBytes uint64
	committed    uint64
	inter        dma.Bytes
}

// intermediate returns the request's host-visible staging buffer,
// allocated once on first use.
func (st *copyState) intermediate() dma.Bytes {
	if st.inter == nil {
		st.inter = make(dma.Bytes, maxShadowBytes)
	}
	return st.inter
}

// flushPending waits the pending fence and commits its bytes. Bytes
// behind a fence that fails or times out stay uncommitted.
func (st *copyState) flushPending() error {
	if st.pending == nil {
		return nil
	}
	err := st.pending.Wait(cmaWaitTimeout)
	st.pending = nil
	if err != nil {
		st.pendingBytes = 0
		return fmt.Errorf("waiting pending copy fence: %w", err)
	}
	st.committed += st.pendingBytes
	st.pendingBytes = 0
	return nil
}

// track records a newly issued fence. A fence from a context other than
// the pending one forces the pending fence to finish first, so at most
// one cross-context dependency is outstanding.
func (st *copyState) track(f *fence.Fence, n uint64) error {
	if st.pending != nil && st.pending.ContextID() != f.ContextID() {
		if err := st.flushPending(); err != nil {
			// Keep the new fence around so cleanup still quiesces the
			// engine; its bytes are not counted.
			st.pending = f
			return err
		}
	}
	st.pending = f
	st.pendingBytes += n
	return nil
}

// Run copies until either iterator is exhausted and returns the bytes
// committed to the destination. The final fence is waited before
// return; both iterators and all staging state are torn down on every
// path.
func (c *Copier) Run(src, dst *Iterator) (uint64, error) {
	st := &copyState{}
	err := c.loop(st, src, dst)

	var merr *multierror.Error
	merr = multierror.Append(merr, err)
	merr = multierror.Append(merr, st.flushPending())
	merr = multierror.Append(merr, src.close())
	merr = multierror.Append(merr, dst.close())
	return st.committed, merr.ErrorOrNil()
}

func (c *Copier) loop(st *copyState, src, dst *Iterator) error {
	for !src.atEnd() && !dst.atEnd() {
		n := src.residual()
		if r := dst.residual(); r < n {
			n = r
		}
		if n > maxShadowBytes {
			n = maxShadowBytes
		}

		seg, err := c.copySegment(st, src, dst, n)
		if c.OnSegment != nil {
			c.OnSegment(seg)
		}
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"strategy": seg.Strategy.String(),
				"bytes":    seg.Bytes,
			}).Debug("copy segment failed")
			return err
		}

		if err := src.advance(seg.Bytes); err != nil {
			return err
		}
		if err := dst.advance(seg.Bytes); err != nil {
			return err
		}
	}
	return nil
}

// copySegment executes up to n bytes at the iterators' positions with
// the strategy the buffer kinds select.
func (c *Copier) copySegment(st *copyState, src, dst *Iterator,
	n uint64) (seg Segment, err error) {
	s, d := src.buffer(), dst.buffer()
	seg = Segment{
		SrcKind:   s.Kind,
		DstKind:   d.Kind,
		SrcDevice: s.Device,
		DstDevice: d.Device,
	}
	start := time.Now()
	defer func() { seg.Duration = time.Since(start) }()

	if s.Kind == bo.KindDoorbell || d.Kind == bo.KindDoorbell {
		return seg, fmt.Errorf("doorbell objects carry no copyable memory: %w",
			kerr.ErrInvalidArgument)
	}

	switch {
	case s.Kind == bo.KindUserptr && d.Kind == bo.KindUserptr:
		seg.Strategy = StrategyHostPages
		var done uint64
		done, err = c.copyHostPages(src, dst, n)
		seg.Bytes = done
		st.committed += done

	case s.Kind == bo.KindUserptr || d.Kind == bo.KindUserptr:
		seg.Strategy = StrategyStaged
		err = c.copyStaged(st, &seg, src, dst, n)

	case s.Device != d.Device &&
		s.Kind == bo.KindVRAM && d.Kind == bo.KindVRAM:
		seg.Strategy = StrategyDoubleHop
		err = c.copyDoubleHop(st, &seg, src, dst, n)

	default:
		seg.Strategy = StrategyDirect
		err = c.copyDirect(st, &seg, src, dst, n)
	}
	return seg, err
}

// copyDirect issues one asynchronous engine copy. The engine belongs to
// the VRAM side; with no VRAM involved, the destination side.
func (c *Copier) copyDirect(st *copyState, seg *Segment, src, dst *Iterator,
	n uint64) error {
	devName := seg.DstDevice
	if seg.SrcKind == bo.KindVRAM {
		devName = seg.SrcDevice
	}
	eng, err := c.engines.CopyEngine(devName)
	if err != nil {
		return err
	}

	f, err := eng.Copy(src.buffer().Backing, int64(src.bufferOffset()),
		dst.buffer().Backing, int64(dst.bufferOffset()), int64(n))
	if err != nil {
		return err
	}
	seg.Bytes = n
	seg.FenceCtx, seg.FenceSeq = f.ContextID(), f.Seq()
	return st.track(f, n)
}

// copyStaged pins the userptr side and copies between the pinned window
// and the other side's backing on the other side's device.
func (c *Copier) copyStaged(st *copyState, seg *Segment, src, dst *Iterator,
	n uint64) error {
	if seg.SrcKind == bo.KindUserptr {
		eng, err := c.engines.CopyEngine(seg.DstDevice)
		if err != nil {
			return err
		}
		win, off, staged, err := c.stageUserptr(src, n, false)
		if err != nil {
			return err
		}
		f, err := eng.Copy(win, int64(off),
			dst.buffer().Backing, int64(dst.bufferOffset()), int64(staged))
		if err != nil {
			return err
		}
		seg.Bytes = staged
		seg.FenceCtx, seg.FenceSeq = f.ContextID(), f.Seq()
		return st.track(f, staged)
	}

	eng, err := c.engines.CopyEngine(seg.SrcDevice)
	if err != nil {
		return err
	}
	win, off, staged, err := c.stageUserptr(dst, n, true)
	if err != nil {
		return err
	}
	f, err := eng.Copy(src.buffer().Backing, int64(src.bufferOffset()),
		win, int64(off), int64(staged))
	if err != nil {
		return err
	}
	seg.Bytes = staged
	seg.FenceCtx, seg.FenceSeq = f.ContextID(), f.Seq()
	return st.track(f, staged)
}

// copyDoubleHop moves VRAM bytes between different devices through the
// request's intermediate buffer. Each hop is waited synchronously;
// pipelining the hops is deliberately avoided.
func (c *Copier) copyDoubleHop(st *copyState, seg *Segment, src, dst *Iterator,
	n uint64) error {
	srcEng, err := c.engines.CopyEngine(seg.SrcDevice)
	if err != nil {
		return err
	}
	dstEng, err := c.engines.CopyEngine(seg.DstDevice)
	if err != nil {
		return err
	}
	inter := st.intermediate()

	f1, err := srcEng.Copy(src.buffer().Backing, int64(src.bufferOffset()),
		inter, 0, int64(n))
	if err != nil {
		return err
	}
	if st.pending != nil && st.pending.ContextID() != f1.ContextID() {
		if err := st.flushPending(); err != nil {
			return err
		}
	}
	if err := f1.Wait(cmaWaitTimeout); err != nil {
		return fmt.Errorf("first hop of %d bytes: %w", n, err)
	}

	f2, err := dstEng.Copy(inter, 0, dst.buffer().Backing,
		int64(dst.bufferOffset()), int64(n))
	if err != nil {
		return err
	}
	if st.pending != nil && st.pending.ContextID() != f2.ContextID() {
		if err := st.flushPending(); err != nil {
			return err
		}
	}
	if err := f2.Wait(cmaWaitTimeout); err != nil {
		return fmt.Errorf("second hop of %d bytes: %w", n, err)
	}

	seg.Bytes = n
	seg.FenceCtx, seg.FenceSeq = f2.ContextID(), f2.Seq()
	st.committed += n
	return nil
}

// copyHostPages copies between two user windows page by page. Pins are
// taken in bounded batches; a batch that pins fewer bytes than
// requested commits what it pinned and faults the segment.
func (c *Copier) copyHostPages(src, dst *Iterator, n uint64) (uint64, error) {
	var done uint64
	buf := make([]byte, hostmem.PageSize)
	for done < n {
		chunk := n - done
		if chunk > maxPinPages*hostmem.PageSize {
			chunk = maxPinPages * hostmem.PageSize
		}
		srcAddr := src.buffer().CPUVA + src.bufferOffset() + done
		dstAddr := dst.buffer().CPUVA + dst.bufferOffset() + done

		srcPin, err := c.pinner.Pin(src.space, srcAddr,
			pagesSpanned(srcAddr, chunk), false)
		if err != nil {
			return done, fmt.Errorf("pinning source pages: %w", err)
		}
		dstPin, err := c.pinner.Pin(dst.space, dstAddr,
			pagesSpanned(dstAddr, chunk), true)
		if err != nil {
			srcPin.Unpin()
			return done, fmt.Errorf("pinning destination pages: %w", err)
		}

		srcOff := srcAddr & (hostmem.PageSize - 1)
		dstOff := dstAddr & (hostmem.PageSize - 1)
		usable := chunk
		if avail := srcPin.Bytes() - srcOff; avail < usable {
			usable = avail
		}
		if avail := dstPin.Bytes() - dstOff; avail < usable {
			usable = avail
		}

		cerr := copyPinned(srcPin, srcOff, dstPin, dstOff, usable, buf)
		srcPin.Unpin()
		dstPin.Unpin()
		if cerr != nil {
			return done, cerr
		}
		done += usable

		if usable < chunk {
			return done, fmt.Errorf("user pages gone at byte %d of %d: %w",
				done, n, kerr.ErrFault)
		}
	}
	return done, nil
}

// copyPinned moves n bytes between two pinned windows through a
// one-page bounce buffer, the way a kernel copies through a temporary
// mapping.
func copyPinned(src *hostmem.Pinned, srcOff uint64, dst *hostmem.Pinned,
	dstOff, n uint64, buf []byte) error {
	for moved := uint64(0); moved < n; {
		k := uint64(len(buf))
		if k > n-moved {
			k = n - moved
		}
		if _, err := src.ReadAt(buf[:k], int64(srcOff+moved)); err != nil &&
			err != io.EOF {
			return err
		}
		if _, err := dst.WriteAt(buf[:k], int64(dstOff+moved)); err != nil {
			return err
		}
		moved += k
	}
	return nil
}
