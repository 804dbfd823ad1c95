package hqd

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/mqd"
)

// LoadSDMA programs q into its SDMA ring window and enables the ring.
// The ring is drained first; a ring that does not go idle within the
// drain window fails the load. When wptrAddr is readable through space,
// the restored write pointer comes from user memory, otherwise the ring
// resumes from its saved read pointer.
func (m *Manager) LoadSDMA(q *mqd.SDMA, wptrAddr uint64,
	space WptrReader) error {
	regs := m.dev.Regs()
	base := hw.SDMAQueueBase(q.EngineID, q.QueueID)

	// Stop the ring before reprogramming it.
	cntl := regs.Read32(base + mqd.SDMARegRBCntl)
	regs.Write32(base+mqd.SDMARegRBCntl, cntl&^mqd.SDMARBEnableBit)

	_, err := hw.PollReg(regs, base+mqd.SDMARegContextStatus,
		func(v uint32) bool { return v&mqd.SDMAStatusIdleBit != 0 },
		sdmaDrainTimeout, hw.PollStep)
	if err != nil {
		return fmt.Errorf("sdma engine %d ring %d did not drain: %w",
			q.EngineID, q.QueueID, err)
	}

	// Restart clean rather than resuming a saved context.
	ctxCntl := regs.Read32(hw.SDMAGfxContextCntl(q.EngineID))
	regs.Write32(hw.SDMAGfxContextCntl(q.EngineID),
		ctxCntl&^mqd.SDMAGfxContextResumeBit)

	regs.Write32(base+mqd.SDMARegDoorbellOffset, q.DoorbellOffset)
	regs.Write32(base+mqd.SDMARegDoorbell, mqd.SDMADoorbellEnableBit)

	regs.Write32(base+mqd.SDMARegRBRptr, uint32(q.SavedRptr))
	regs.Write32(base+mqd.SDMARegRBRptrHi, uint32(q.SavedRptr>>32))

	regs.Write32(base+mqd.SDMARegMinorPtrUpdate, 1)
	wptr := q.SavedRptr
	if wptrAddr != 0 && space != nil {
		if v, rerr := space.ReadUint64(wptrAddr); rerr == nil {
			wptr = v
		}
	}
	regs.Write32(base+mqd.SDMARegRBWptr, uint32(wptr))
	regs.Write32(base+mqd.SDMARegRBWptrHi, uint32(wptr>>32))
	regs.Write32(base+mqd.SDMARegMinorPtrUpdate, 0)

	regs.Write32(base+mqd.SDMARegRBBase, uint32(q.RingBase>>8))
	regs.Write32(base+mqd.SDMARegRBBaseHi, uint32(q.RingBase>>40))
	regs.Write32(base+mqd.SDMARegRBRptrAddrLo, uint32(q.RptrReportAddr))
	regs.Write32(base+mqd.SDMARegRBRptrAddrHi, uint32(q.RptrReportAddr>>32))

	regs.Write32(base+mqd.SDMARegRBCntl,
		mqd.EncodeSDMARBCntl(q.RingSize, true))
	return nil
}

// DumpSDMA reads back the ring register window of (engine, queue).
func (m *Manager) DumpSDMA(engine, queue uint32) ([]RegValue, error) {
	n := m.sdmaCodec.Words()
	if n > MaxDumpRegs {
		return nil, fmt.Errorf(
			"SDMA window of %d registers exceeds the %d-register dump: %w",
			n, MaxDumpRegs, kerr.ErrCapacity)
	}

	regs := m.dev.Regs()
	base := hw.SDMAQueueBase(engine, queue)

	dump := make([]RegValue, 0, n)
	for i := 0; i < n; i++ {
		offset := base + uint32(i)
		dump = append(dump, RegValue{
			Offset: offset << 2,
			Value:  regs.Read32(offset),
		})
	}
	return dump, nil
}

// IsOccupiedSDMA reports whether the ring of q is enabled in hardware.
func (m *Manager) IsOccupiedSDMA(q *mqd.SDMA) bool {
	regs := m.dev.Regs()
	base := hw.SDMAQueueBase(q.EngineID, q.QueueID)
	return regs.Read32(base+mqd.SDMARegRBCntl)&mqd.SDMARBEnableBit != 0
}

// DestroySDMA disables the ring of q, waits for the engine to go idle,
// and snapshots the ring pointers back into the descriptor. The ring
// shell is re-enabled with its doorbell off so the window stays
// programmable.
func (m *Manager) DestroySDMA(q *mqd.SDMA, timeout time.Duration) error {
	if m.dev.InReset() {
		return fmt.Errorf("device %s: %w", m.dev.Name(), kerr.ErrDeviceReset)
	}

	regs := m.dev.Regs()
	base := hw.SDMAQueueBase(q.EngineID, q.QueueID)

	cntl := regs.Read32(base + mqd.SDMARegRBCntl)
	regs.Write32(base+mqd.SDMARegRBCntl, cntl&^mqd.SDMARBEnableBit)

	_, err := hw.PollReg(regs, base+mqd.SDMARegContextStatus,
		func(v uint32) bool { return v&mqd.SDMAStatusIdleBit != 0 },
		timeout, hw.PollStep)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"device": m.dev.Name(),
			"engine": q.EngineID,
			"queue":  q.QueueID,
		}).Error("sdma ring did not go idle for unload")
		return fmt.Errorf("unloading sdma engine %d ring %d: %w",
			q.EngineID, q.QueueID, err)
	}

	regs.Write32(base+mqd.SDMARegDoorbell, 0)
	regs.Write32(base+mqd.SDMARegRBCntl,
		regs.Read32(base+mqd.SDMARegRBCntl)|mqd.SDMARBEnableBit)

	q.SavedRptr = uint64(regs.Read32(base+mqd.SDMARegRBRptrHi))<<32 |
		uint64(regs.Read32(base+mqd.SDMARegRBRptr))
	q.DoorbellEnable = false
	return nil
}
