// Package device assembles the simulated GPU a driver instance manages:
// the register file with banked HQD slot windows, the slot registry and
// its select lock, VMID and PASID mapping, the KIQ, VRAM and doorbell
// allocators, and the DMA copy engines.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/dma"
	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/mqd"
)

// UserVMIDFirst and UserVMIDLast bound the VMIDs handed to user
// processes. VMID 0 belongs to kernel-interface queues.
const (
	UserVMIDFirst uint32 = 8
	UserVMIDLast  uint32 = 15
)

const atcValidBit uint32 = 1 << 31

// A Device is one simulated GPU.
type Device struct {
	name string
	gen  mqd.Generation

	mecCount      uint32
	pipesPerMEC   uint32
	queuesPerPipe uint32

	sdmaEngineCount     uint32
	sdmaQueuesPerEngine uint32

	regs      *hw.RegFile
	banks     map[SlotKey]*hw.RegFile
	doorbells *hw.RegFile

	// srbm serializes slot-window access; the holder of the lock owns
	// the bank selection.
	srbm     sync.Mutex
	selected SlotKey

	slotMu   sync.Mutex
	slotUsed map[SlotKey]bool
	slotNext uint32

	sdmaMu   sync.Mutex
	sdmaUsed map[[2]uint32]bool
	sdmaNext uint32

	vram      *hw.Storage
	vramAlloc *vramAllocator

	doorbellAlloc *doorbellAllocator

	vmidMu    sync.Mutex
	vmidOwner map[uint32]uint32

	engines []*dma.Engine

	kiq *kiq

	inReset atomic.Bool

	hwTimeout       time.Duration
	pasidAckTimeout time.Duration

	tlbFlushes [32]atomic.Uint64

	faults faultState

	log *logrus.Logger
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Generation returns the register-layout generation.
func (d *Device) Generation() mqd.Generation { return d.gen }

// MECCount returns the number of micro-engine clusters, including the
// kernel-reserved MEC 0.
func (d *Device) MECCount() uint32 { return d.mecCount }

// PipesPerMEC returns the pipe count of each MEC.
func (d *Device) PipesPerMEC() uint32 { return d.pipesPerMEC }

// QueuesPerPipe returns the queue slots of each pipe.
func (d *Device) QueuesPerPipe() uint32 { return d.queuesPerPipe }

// SDMAEngineCount returns the number of SDMA engines.
func (d *Device) SDMAEngineCount() uint32 { return d.sdmaEngineCount }

// SDMAQueuesPerEngine returns the ring count of each SDMA engine.
func (d *Device) SDMAQueuesPerEngine() uint32 { return d.sdmaQueuesPerEngine }

// Regs returns the device-global register file.
func (d *Device) Regs() *hw.RegFile { return d.regs }

// Doorbells returns the doorbell aperture.
func (d *Device) Doorbells() *hw.RegFile { return d.doorbells }

// HardwareTimeout returns the device-wide bound for register handshakes
// and KIQ fences.
func (d *Device) HardwareTimeout() time.Duration { return d.hwTimeout }

// Engine returns the i-th DMA engine. Engine 0 services copies.
func (d *Device) Engine(i int) *dma.Engine { return d.engines[i] }

// EngineCount returns how many DMA engines the device carries.
func (d *Device) EngineCount() int { return len(d.engines) }

// VRAM returns the device-local memory backing.
func (d *Device) VRAM() *hw.Storage { return d.vram }

// BeginReset marks the device as resetting. Queue destruction and TLB
// invalidation fail fast while the flag is up.
func (d *Device) BeginReset() {
	d.inReset.Store(true)
	d.log.WithField("device", d.name).Warn("device reset begins")
}

// EndReset clears the reset flag.
func (d *Device) EndReset() {
	d.inReset.Store(false)
	d.log.WithField("device", d.name).Warn("device reset ends")
}

// InReset reports whether a reset is in progress.
func (d *Device) InReset() bool {
	return d.inReset.Load()
}

// AllocVMID reserves a user VMID. The mapping to a PASID is programmed
// separately through SetPasidMapping.
func (d *Device) AllocVMID(pasid uint32) (uint32, error) {
	d.vmidMu.Lock()
	defer d.vmidMu.Unlock()
	for vmid := UserVMIDFirst; vmid <= UserVMIDLast; vmid++ {
		if _, taken := d.vmidOwner[vmid]; !taken {
			d.vmidOwner[vmid] = pasid
			return vmid, nil
		}
	}
	return 0, fmt.Errorf("device %s has no free user VMID: %w",
		d.name, kerr.ErrNoMemory)
}

// FreeVMID returns a VMID to the pool.
func (d *Device) FreeVMID(vmid uint32) {
	d.vmidMu.Lock()
	defer d.vmidMu.Unlock()
	delete(d.vmidOwner, vmid)
}

// BindPasid reserves a VMID for pasid and programs the hardware mapping.
func (d *Device) BindPasid(pasid uint32) (uint32, error) {
	vmid, err := d.AllocVMID(pasid)
	if err != nil {
		return 0, err
	}
	if err := d.SetPasidMapping(pasid, vmid); err != nil {
		d.FreeVMID(vmid)
		return 0, err
	}
	return vmid, nil
}

// UnbindPasid clears the hardware mapping of vmid and frees it.
func (d *Device) UnbindPasid(vmid uint32) error {
	err := d.SetPasidMapping(0, vmid)
	d.FreeVMID(vmid)
	return err
}

// FlushTLBVMID invalidates the translations of one VMID.
func (d *Device) FlushTLBVMID(vmid uint32) {
	d.tlbFlushes[vmid].Add(1)
	d.log.WithFields(logrus.Fields{
		"device": d.name,
		"vmid":   vmid,
	}).Debug("tlb flushed")
}

// TLBFlushCount returns how many times vmid's translations were flushed.
func (d *Device) TLBFlushCount(vmid uint32) uint64 {
	return d.tlbFlushes[vmid].Load()
}

// VRAMCapacity returns the size of the VRAM aperture in bytes.
func (d *Device) VRAMCapacity() uint64 { return d.vram.Capacity() }

// VRAMUsed returns the allocated VRAM bytes.
func (d *Device) VRAMUsed() uint64 { return d.vramAlloc.inUse() }

// AllocVRAM reserves size bytes of device memory and returns its offset.
func (d *Device) AllocVRAM(size uint64) (uint64, error) {
	offset, err := d.vramAlloc.alloc(size)
	if err != nil {
		return 0, fmt.Errorf("device %s: %w", d.name, err)
	}
	return offset, nil
}

// FreeVRAM returns an allocation to the pool.
func (d *Device) FreeVRAM(offset, size uint64) {
	d.vramAlloc.release(offset, size)
}

// VRAMView returns an engine-addressable window of device memory.
func (d *Device) VRAMView(offset, size uint64) *hw.View {
	return d.vram.View(offset, size)
}

// AllocDoorbell reserves a doorbell index.
func (d *Device) AllocDoorbell() (uint32, error) {
	idx, err := d.doorbellAlloc.alloc()
	if err != nil {
		return 0, fmt.Errorf("device %s: %w", d.name, err)
	}
	return idx, nil
}

// FreeDoorbell returns a doorbell index to the pool.
func (d *Device) FreeDoorbell(idx uint32) {
	d.doorbellAlloc.release(idx)
}

// Shutdown drains and stops the device's DMA engines.
func (d *Device) Shutdown() {
	for _, e := range d.engines {
		e.Shutdown()
	}
}
