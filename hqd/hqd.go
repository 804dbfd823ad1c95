// Package hqd drives the hardware queue descriptor slots of a device:
// loading a memory queue descriptor into a slot, dumping the slot's
// registers, probing slot occupancy, and preempting the queue out of the
// slot again. SDMA rings get the analogous treatment over their directly
// addressed register windows.
package hqd

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/mqd"
)

// A Slot is an acquired compute HQD slot. Offsets inside the HQD window
// address the slot's bank; all other offsets address device-global
// registers. Release must be called exactly once.
type Slot interface {
	Read32(offset uint32) uint32
	Write32(offset, value uint32)
	MEC() uint32
	Pipe() uint32
	Queue() uint32
	Release()
}

// A Device is the hardware surface the manager programs.
type Device interface {
	Name() string
	Generation() mqd.Generation
	InReset() bool
	QueuesPerPipe() uint32
	Regs() *hw.RegFile
	AcquireSlot(pipe, queue uint32) Slot
}

// A WptrReader reads a user-space write pointer while restoring a ring.
type WptrReader interface {
	ReadUint64(addr uint64) (uint64, error)
}

// MaxDumpRegs bounds the register count of a queue state dump.
const MaxDumpRegs = 56

// A RegValue is one dumped register: its byte offset in the register
// space and its value.
type RegValue struct {
	Offset uint32
	Value  uint32
}

// PreemptType selects how a queue leaves its slot.
type PreemptType int

const (
	// PreemptDrain lets queued work finish before the queue unmaps.
	PreemptDrain PreemptType = iota
	// PreemptReset drops queued work immediately.
	PreemptReset
)

// sdmaDrainTimeout bounds the ring-idle wait while loading an SDMA ring.
const sdmaDrainTimeout = 2 * time.Second

// A Manager runs the queue lifecycle protocols of one device.
type Manager struct {
	dev       Device
	codec     *mqd.ComputeCodec
	sdmaCodec *mqd.SDMACodec
	log       *logrus.Logger
}

// NewManager creates a manager for dev.
func NewManager(dev Device, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		dev:       dev,
		codec:     mqd.ComputeCodecFor(dev.Generation()),
		sdmaCodec: mqd.NewSDMACodec(),
		log:       log,
	}
}

// schedulerValue encodes a kernel-interface queue's slot for the
// scheduler map: its MEC, pipe, and queue, with the top flag raised.
func schedulerValue(slot Slot) uint32 {
	return slot.MEC()<<5 | slot.Pipe()<<3 | slot.Queue() | 0x80
}

// queueMask returns the write-pointer poll mask bit of a slot.
func queueMask(queuesPerPipe, pipe, queue uint32) uint32 {
	return 1 << ((pipe*queuesPerPipe + queue) & 31)
}

// guessWptr reconstructs a 64-bit write pointer from the saved ring
// state. The saved value may be stale; the reconstruction is exact as
// long as the queue advanced less than a full ring since the save.
func guessWptr(q *mqd.Compute) uint64 {
	qs := uint64(q.RingSize)
	guessed := uint64(q.SavedRptr) & (qs - 1)
	if uint64(q.SavedWptrLo)&(qs-1) < guessed {
		guessed += qs
	}
	guessed += uint64(q.SavedWptrLo) &^ (qs - 1)
	guessed += uint64(q.SavedWptrHi) << 32
	return guessed
}

// Load programs q into the HQD slot (pipe, queue) and activates it.
// When wptrAddr names a user write pointer, the hardware poll of that
// address is armed; the address is never dereferenced here.
func (m *Manager) Load(q *mqd.Compute, pipe, queue uint32,
	wptrAddr uint64) error {
	slot := m.dev.AcquireSlot(pipe, queue)
	defer slot.Release()

	if q.VMID == 0 {
		// Kernel-interface queues announce their slot through the
		// scheduler map.
		value := slot.Read32(hw.RegRLCCPSchedulers)
		value = value&^0xFF | schedulerValue(slot)
		slot.Write32(hw.RegRLCCPSchedulers, value)
	}

	words := m.codec.Encode(q)
	// The write-pointer pair at the end of the window is set up
	// separately below.
	for i := 0; i < len(words)-2; i++ {
		slot.Write32(hw.RegHQDBase+uint32(i), words[i])
	}

	// Doorbell logic comes up before the write-pointer poll so rings
	// arriving mid-restore are not lost.
	slot.Write32(hw.RegHQDBase+mqd.RegDoorbell,
		mqd.EncodeDoorbell(q.DoorbellOffset, true))

	if wptrAddr != 0 {
		wptrLo := hw.RegHQDBase + uint32(m.codec.Words()) - 2
		guessed := guessWptr(q)
		slot.Write32(wptrLo, uint32(guessed))
		slot.Write32(wptrLo+1, uint32(guessed>>32))
		slot.Write32(hw.RegHQDBase+mqd.RegWptrPollAddrLo, uint32(wptrAddr))
		slot.Write32(hw.RegHQDBase+mqd.RegWptrPollAddrHi, uint32(wptrAddr>>32))
		slot.Write32(hw.RegCPPQWptrPollCntl1,
			queueMask(m.dev.QueuesPerPipe(), pipe, queue))
	}

	slot.Write32(hw.RegHQDBase+mqd.RegEOPRptr,
		q.EOPRptr|mqd.EOPRptrInitFetcher)

	slot.Write32(hw.RegHQDBase+mqd.RegActive, 1)
	return nil
}

// Dump reads back the HQD window of slot (pipe, queue) as byte-offset,
// value pairs.
func (m *Manager) Dump(pipe, queue uint32) ([]RegValue, error) {
	n := m.codec.Words()
	if n > MaxDumpRegs {
		return nil, fmt.Errorf(
			"HQD window of %d registers exceeds the %d-register dump: %w",
			n, MaxDumpRegs, kerr.ErrCapacity)
	}

	slot := m.dev.AcquireSlot(pipe, queue)
	defer slot.Release()

	dump := make([]RegValue, 0, n)
	for i := 0; i < n; i++ {
		offset := hw.RegHQDBase + uint32(i)
		dump = append(dump, RegValue{
			Offset: offset << 2,
			Value:  slot.Read32(offset),
		})
	}
	return dump, nil
}

// IsOccupied reports whether slot (pipe, queue) is active and serving
// the ring at queueAddr.
func (m *Manager) IsOccupied(queueAddr uint64, pipe, queue uint32) bool {
	slot := m.dev.AcquireSlot(pipe, queue)
	defer slot.Release()

	if slot.Read32(hw.RegHQDBase+mqd.RegActive)&1 == 0 {
		return false
	}
	return slot.Read32(hw.RegHQDBase+mqd.RegPQBaseLo) == uint32(queueAddr>>8) &&
		slot.Read32(hw.RegHQDBase+mqd.RegPQBaseHi) == uint32(queueAddr>>40)
}

// Destroy preempts the queue out of slot (pipe, queue) and waits until
// the slot deactivates. A device in reset fails the request before the
// slot is touched.
func (m *Manager) Destroy(q *mqd.Compute, preempt PreemptType,
	timeout time.Duration, pipe, queue uint32) error {
	if m.dev.InReset() {
		return fmt.Errorf("device %s: %w", m.dev.Name(), kerr.ErrDeviceReset)
	}

	slot := m.dev.AcquireSlot(pipe, queue)
	defer slot.Release()

	if q.VMID == 0 {
		value := slot.Read32(hw.RegRLCCPSchedulers)
		slot.Write32(hw.RegRLCCPSchedulers, value&^0xFF)
	}

	request := mqd.DequeueRequestDrain
	if preempt == PreemptReset {
		request = mqd.DequeueRequestReset
	}
	slot.Write32(hw.RegHQDBase+mqd.RegDequeueRequest, request)

	_, err := hw.Poll(
		func() uint32 { return slot.Read32(hw.RegHQDBase + mqd.RegActive) },
		func(v uint32) bool { return v&1 == 0 },
		timeout, hw.PollStep)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"device": m.dev.Name(),
			"pipe":   pipe,
			"queue":  queue,
		}).Error("compute queue preemption timed out")
		return fmt.Errorf("preempting pipe %d queue %d: %w", pipe, queue, err)
	}
	return nil
}
