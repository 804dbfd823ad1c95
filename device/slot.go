package device

import (
	"fmt"
	"log"

	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/hqd"
	"github.com/sarchlab/yokote/kerr"
)

// A SlotKey is the physical identity of one compute HQD slot.
type SlotKey struct {
	MEC   uint32
	Pipe  uint32
	Queue uint32
}

// slotKey maps a logical pipe index, which runs across the user MECs, to
// the physical slot. MEC 0 is reserved for graphics, so user pipes start
// at MEC 1.
func (d *Device) slotKey(pipe, queue uint32) SlotKey {
	return SlotKey{
		MEC:   pipe/d.pipesPerMEC + 1,
		Pipe:  pipe % d.pipesPerMEC,
		Queue: queue,
	}
}

func (d *Device) userPipes() uint32 {
	return (d.mecCount - 1) * d.pipesPerMEC
}

// AcquireSlot takes the slot-select lock and selects the bank of
// (pipe, queue). The returned handle routes HQD-window offsets to that
// bank and everything else to the global register file. The handle must
// be released exactly once; the lock is held until then.
func (d *Device) AcquireSlot(pipe, queue uint32) hqd.Slot {
	key := d.slotKey(pipe, queue)
	bank, ok := d.banks[key]
	if !ok {
		log.Panicf("device %s has no slot mec %d pipe %d queue %d",
			d.name, key.MEC, key.Pipe, key.Queue)
	}

	d.srbm.Lock()
	d.selected = key
	return &SlotHandle{dev: d, bank: bank, key: key}
}

// SelectedSlot returns the currently selected bank, for inspection.
func (d *Device) SelectedSlot() SlotKey {
	return d.selected
}

// A SlotHandle is an acquired compute slot.
type SlotHandle struct {
	dev      *Device
	bank     *hw.RegFile
	key      SlotKey
	released bool
}

// MEC returns the physical MEC of the slot.
func (h *SlotHandle) MEC() uint32 { return h.key.MEC }

// Pipe returns the physical pipe of the slot.
func (h *SlotHandle) Pipe() uint32 { return h.key.Pipe }

// Queue returns the queue index of the slot.
func (h *SlotHandle) Queue() uint32 { return h.key.Queue }

func inHQDWindow(offset uint32) bool {
	return offset >= hw.RegHQDBase && offset < hw.RegHQDBase+hw.HQDWindowWords
}

// Read32 reads a register through the selection.
func (h *SlotHandle) Read32(offset uint32) uint32 {
	if inHQDWindow(offset) {
		return h.bank.Read32(offset)
	}
	return h.dev.regs.Read32(offset)
}

// Write32 writes a register through the selection.
func (h *SlotHandle) Write32(offset, value uint32) {
	if inHQDWindow(offset) {
		h.bank.Write32(offset, value)
		return
	}
	h.dev.regs.Write32(offset, value)
}

// Release deselects the bank and drops the slot-select lock.
func (h *SlotHandle) Release() {
	if h.released {
		log.Panicf("slot mec %d pipe %d queue %d released twice",
			h.key.MEC, h.key.Pipe, h.key.Queue)
	}
	h.released = true
	h.dev.selected = SlotKey{}
	h.dev.srbm.Unlock()
}

// AllocSlot picks a free compute slot, spreading queues across pipes
// first. It returns the logical pipe and queue indices used by the
// queue lifecycle manager.
func (d *Device) AllocSlot() (pipe, queue uint32, err error) {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()

	pipes := d.userPipes()
	total := pipes * d.queuesPerPipe
	for i := uint32(0); i < total; i++ {
		n := (d.slotNext + i) % total
		p, q := n%pipes, n/pipes
		key := d.slotKey(p, q)
		if !d.slotUsed[key] {
			d.slotUsed[key] = true
			d.slotNext = n + 1
			return p, q, nil
		}
	}
	return 0, 0, fmt.Errorf("device %s has no free compute slot: %w",
		d.name, kerr.ErrNoMemory)
}

// FreeSlot returns a compute slot to the pool.
func (d *Device) FreeSlot(pipe, queue uint32) {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	delete(d.slotUsed, d.slotKey(pipe, queue))
}

// SlotInUse reports whether the slot at (pipe, queue) is allocated.
func (d *Device) SlotInUse(pipe, queue uint32) bool {
	d.slotMu.Lock()
	defer d.slotMu.Unlock()
	return d.slotUsed[d.slotKey(pipe, queue)]
}

// AllocSDMAQueue picks a free SDMA ring, spreading across engines first.
func (d *Device) AllocSDMAQueue() (engine, queue uint32, err error) {
	d.sdmaMu.Lock()
	defer d.sdmaMu.Unlock()

	total := d.sdmaEngineCount * d.sdmaQueuesPerEngine
	for i := uint32(0); i < total; i++ {
		n := (d.sdmaNext + i) % total
		e, q := n%d.sdmaEngineCount, n/d.sdmaEngineCount
		if !d.sdmaUsed[[2]uint32{e, q}] {
			d.sdmaUsed[[2]uint32{e, q}] = true
			d.sdmaNext = n + 1
			return e, q, nil
		}
	}
	return 0, 0, fmt.Errorf("device %s has no free SDMA ring: %w",
		d.name, kerr.ErrNoMemory)
}

// FreeSDMAQueue returns an SDMA ring to the pool.
func (d *Device) FreeSDMAQueue(engine, queue uint32) {
	d.sdmaMu.Lock()
	defer d.sdmaMu.Unlock()
	delete(d.sdmaUsed, [2]uint32{engine, queue})
}
