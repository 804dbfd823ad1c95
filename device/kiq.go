package device

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/yokote/fence"
	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/hqd"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/mqd"
)

const (
	kiqRingBytes uint32 = 4096
	kiqMQDBytes  uint64 = 4096
	kiqEOPBytes  uint32 = 1024

	// Packet headers of the kernel interface ring.
	kiqPktInvalidateTLBs uint32 = 0xC0120083

	kiqPktWords uint32 = 4
)

// kiq is the kernel interface queue: a privileged compute ring the
// driver uses for TLB invalidation. It is loaded through the ordinary
// HQD path under VMID 0 at bring-up.
type kiq struct {
	dev *Device

	mu      sync.Mutex
	ring    *hw.View
	wptr    uint32
	rptr    uint32
	pending []*fence.Fence

	fctx *fence.Context

	ringOffset uint64
	mqdOffset  uint64
	eopOffset  uint64
	doorbell   uint32
	pipe       uint32
	queue      uint32

	ready atomic.Bool
}

func (k *kiq) isReady() bool {
	return k.ready.Load()
}

// KIQReady reports whether the kernel interface queue is serving
// requests.
func (d *Device) KIQReady() bool {
	return d.kiq.isReady()
}

// KIQSlot returns the logical slot the KIQ occupies.
func (d *Device) KIQSlot() (pipe, queue uint32) {
	return d.kiq.pipe, d.kiq.queue
}

// BringUp initializes the kernel interface queue: it takes a compute
// slot, builds the privileged descriptor, and loads it through the
// queue lifecycle manager, which exercises the VMID-0 scheduler-map
// path. Safe to call once per device.
func (d *Device) BringUp() error {
	k := d.kiq
	if k.isReady() {
		return nil
	}

	ringOffset, err := d.AllocVRAM(uint64(kiqRingBytes))
	if err != nil {
		return fmt.Errorf("kiq ring: %w", err)
	}
	mqdOffset, err := d.AllocVRAM(kiqMQDBytes)
	if err != nil {
		d.FreeVRAM(ringOffset, uint64(kiqRingBytes))
		return fmt.Errorf("kiq descriptor: %w", err)
	}
	eopOffset, err := d.AllocVRAM(uint64(kiqEOPBytes))
	if err != nil {
		d.FreeVRAM(mqdOffset, kiqMQDBytes)
		d.FreeVRAM(ringOffset, uint64(kiqRingBytes))
		return fmt.Errorf("kiq eop buffer: %w", err)
	}
	freeVRAM := func() {
		d.FreeVRAM(eopOffset, uint64(kiqEOPBytes))
		d.FreeVRAM(mqdOffset, kiqMQDBytes)
		d.FreeVRAM(ringOffset, uint64(kiqRingBytes))
	}

	doorbell, err := d.AllocDoorbell()
	if err != nil {
		freeVRAM()
		return err
	}
	pipe, queue, err := d.AllocSlot()
	if err != nil {
		d.FreeDoorbell(doorbell)
		freeVRAM()
		return err
	}

	descr := &mqd.Compute{
		MQDBase:        mqdOffset,
		VMID:           0,
		PipePriority:   3,
		QueuePriority:  15,
		RingBase:       ringOffset,
		RingSize:       kiqRingBytes,
		DoorbellOffset: doorbell * 2,
		EOPBase:        eopOffset,
		EOPSize:        kiqEOPBytes,
	}

	mgr := hqd.NewManager(d, d.log)
	if err := mgr.Load(descr, pipe, queue, 0); err != nil {
		d.FreeSlot(pipe, queue)
		d.FreeDoorbell(doorbell)
		freeVRAM()
		return fmt.Errorf("loading kiq: %w", err)
	}

	k.ring = d.vram.View(ringOffset, uint64(kiqRingBytes))
	k.ringOffset = ringOffset
	k.mqdOffset = mqdOffset
	k.eopOffset = eopOffset
	k.doorbell = doorbell
	k.pipe = pipe
	k.queue = queue

	d.doorbells.AcceptResponder(hw.ResponderFunc(
		func(f *hw.RegFile, acc hw.Access) {
			if acc.Offset != k.doorbell*2 {
				return
			}
			if d.faults.stallKIQ.Load() {
				return
			}
			k.drain()
		}))

	k.ready.Store(true)
	d.log.WithFields(map[string]interface{}{
		"device": d.name,
		"pipe":   pipe,
		"queue":  queue,
	}).Info("kernel interface queue up")
	return nil
}

// invalidateTLBs submits an invalidation packet and waits its fence
// with the device-wide timeout.
func (k *kiq) invalidateTLBs(pasid uint32) error {
	f, err := k.submit([kiqPktWords]uint32{
		kiqPktInvalidateTLBs, pasid, 0, 0,
	})
	if err != nil {
		return err
	}
	if err := f.Wait(k.dev.hwTimeout); err != nil {
		return fmt.Errorf("kiq tlb invalidation for pasid %d: %w",
			pasid, err)
	}
	return nil
}

// submit appends one packet to the ring and rings the doorbell.
func (k *kiq) submit(pkt [kiqPktWords]uint32) (*fence.Fence, error) {
	if !k.isReady() {
		return nil, fmt.Errorf("kiq not ready: %w", kerr.ErrInvalidDevice)
	}

	k.mu.Lock()
	f := k.fctx.Emit()
	pkt[kiqPktWords-1] = uint32(f.Seq())
	for i, w := range pkt {
		k.writeDword(k.wptr+uint32(i), w)
	}
	k.wptr += kiqPktWords
	k.pending = append(k.pending, f)
	wptr := k.wptr
	k.mu.Unlock()

	k.dev.doorbells.Write32(k.doorbell*2, wptr)
	return f, nil
}

// drain consumes and executes the packets between rptr and wptr,
// signaling their fences in order.
func (k *kiq) drain() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for k.rptr != k.wptr {
		header := k.readDword(k.rptr)
		arg := k.readDword(k.rptr + 1)
		k.rptr += kiqPktWords

		switch header {
		case kiqPktInvalidateTLBs:
			k.dev.flushByPasid(arg)
		}

		if len(k.pending) > 0 {
			k.pending[0].Signal()
			k.pending = k.pending[1:]
		}
	}
}

func (k *kiq) writeDword(idx, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	offset := int64(idx%(kiqRingBytes/4)) * 4
	if _, err := k.ring.WriteAt(buf[:], offset); err != nil {
		panic(err)
	}
}

func (k *kiq) readDword(idx uint32) uint32 {
	var buf [4]byte
	offset := int64(idx%(kiqRingBytes/4)) * 4
	if _, err := k.ring.ReadAt(buf[:], offset); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}
