package device

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/mqd"
)

// faultState carries the fault-injection knobs of a device. Tests flip
// them to hold a hardware handshake open and observe the driver's
// timeout paths.
type faultState struct {
	stallPasidAck atomic.Bool
	stallKIQ      atomic.Bool

	mu          sync.Mutex
	stuckSlots  map[SlotKey]bool
	stalledSDMA map[[2]uint32]bool
}

func (s *faultState) slotStuck(key SlotKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stuckSlots[key]
}

func (s *faultState) sdmaStalled(engine, queue uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalledSDMA[[2]uint32{engine, queue}]
}

// InjectPasidAckStall holds PASID mapping writes unacknowledged while
// on, so mapping updates run into the ack timeout.
func (d *Device) InjectPasidAckStall(on bool) {
	d.faults.stallPasidAck.Store(on)
}

// InjectKIQStall stops the kernel interface queue from consuming its
// ring while on. Packets submitted meanwhile stay pending; turning the
// stall off does not replay them until the next doorbell.
func (d *Device) InjectKIQStall(on bool) {
	d.faults.stallKIQ.Store(on)
}

// InjectStuckSlot makes the compute slot at (pipe, queue) ignore
// dequeue requests while on.
func (d *Device) InjectStuckSlot(pipe, queue uint32, on bool) {
	key := d.slotKey(pipe, queue)
	d.faults.mu.Lock()
	d.faults.stuckSlots[key] = on
	d.faults.mu.Unlock()
}

// InjectSDMAStall keeps the SDMA ring at (engine, queue) from going
// idle after a disable while on.
func (d *Device) InjectSDMAStall(engine, queue uint32, on bool) {
	d.faults.mu.Lock()
	d.faults.stalledSDMA[[2]uint32{engine, queue}] = on
	d.faults.mu.Unlock()
}

// dequeueResponder models the preemption behavior of one compute slot:
// a dequeue request deactivates the queue, unless the slot is held
// stuck by fault injection.
func (d *Device) dequeueResponder(key SlotKey) hw.Responder {
	return hw.ResponderFunc(func(f *hw.RegFile, acc hw.Access) {
		if acc.Offset != hw.RegHQDBase+mqd.RegDequeueRequest {
			return
		}
		if acc.Value == 0 {
			return
		}
		if d.faults.slotStuck(key) {
			return
		}
		f.Poke32(hw.RegHQDBase+mqd.RegActive, 0)
		f.Poke32(hw.RegHQDBase+mqd.RegDequeueRequest, 0)
	})
}

// reactGlobal models the device-global hardware behavior: PASID
// mapping acknowledgement, write-one-to-clear semantics of the mapping
// status register, and SDMA ring drain.
func (d *Device) reactGlobal(f *hw.RegFile, acc hw.Access) {
	switch {
	case acc.Offset >= hw.RegATCVMIDPasidMappingBase &&
		acc.Offset < hw.RegATCVMIDPasidMappingBase+16:
		if d.faults.stallPasidAck.Load() {
			return
		}
		bit := acc.Offset - hw.RegATCVMIDPasidMappingBase
		f.SetBits32(hw.RegATCMappingUpdateStatus, 1<<bit)

	case acc.Offset >= hw.RegATCVMID16PasidMappingBase &&
		acc.Offset < hw.RegATCVMID16PasidMappingBase+16:
		if d.faults.stallPasidAck.Load() {
			return
		}
		bit := acc.Offset - hw.RegATCVMID16PasidMappingBase + 16
		f.SetBits32(hw.RegATCMappingUpdateStatus, 1<<bit)

	case acc.Offset == hw.RegATCMappingUpdateStatus:
		// Write-one-to-clear: undo the raw store and drop the written
		// bits instead.
		f.Poke32(acc.Offset, acc.Prev&^acc.Value)

	default:
		d.reactSDMA(f, acc)
	}
}

func (d *Device) reactSDMA(f *hw.RegFile, acc hw.Access) {
	engine, queue, rel, ok := hw.SDMALocateReg(acc.Offset)
	if !ok || engine >= d.sdmaEngineCount || queue >= d.sdmaQueuesPerEngine {
		return
	}
	if rel != mqd.SDMARegRBCntl {
		return
	}

	status := hw.SDMAQueueBase(engine, queue) + mqd.SDMARegContextStatus
	if acc.Value&mqd.SDMARBEnableBit == 0 {
		if d.faults.sdmaStalled(engine, queue) {
			return
		}
		f.SetBits32(status, mqd.SDMAStatusIdleBit)
		return
	}
	f.ClearBits32(status, mqd.SDMAStatusIdleBit)
}
