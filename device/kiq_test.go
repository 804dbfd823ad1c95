package device

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/mqd"
)

var _ = Describe("Kernel interface queue", func() {
	var d *Device

	BeforeEach(func() {
		d = testDevice("gpu")
	})

	AfterEach(func() {
		d.Shutdown()
	})

	Describe("bring-up", func() {
		It("should load the privileged ring into the first slot", func() {
			Expect(d.KIQReady()).To(BeFalse())

			Expect(d.BringUp()).To(Succeed())

			Expect(d.KIQReady()).To(BeTrue())
			pipe, queue := d.KIQSlot()
			Expect(pipe).To(Equal(uint32(0)))
			Expect(queue).To(Equal(uint32(0)))
			Expect(d.SlotInUse(pipe, queue)).To(BeTrue())
			Expect(d.VRAMUsed()).ToNot(BeZero())

			slot := d.AcquireSlot(pipe, queue)
			defer slot.Release()
			Expect(slot.Read32(hw.RegHQDBase + mqd.RegActive)).
				To(Equal(uint32(1)))
		})

		It("should announce the slot through the scheduler map", func() {
			Expect(d.BringUp()).To(Succeed())

			value := d.Regs().Read32(hw.RegRLCCPSchedulers)

			// MEC 1, pipe 0, queue 0, with the valid flag raised.
			Expect(value & 0xFF).To(Equal(uint32(0xA0)))
		})

		It("should be idempotent", func() {
			Expect(d.BringUp()).To(Succeed())
			used := d.VRAMUsed()

			Expect(d.BringUp()).To(Succeed())

			Expect(d.VRAMUsed()).To(Equal(used))
		})

		It("should fail when VRAM cannot hold the ring", func() {
			tiny := MakeBuilder().
				WithLogger(testLogger()).
				WithVRAMSize(4096).
				Build("tiny")
			defer tiny.Shutdown()

			err := tiny.BringUp()

			Expect(errors.Is(err, kerr.ErrNoMemory)).To(BeTrue())
			Expect(tiny.KIQReady()).To(BeFalse())
			Expect(tiny.VRAMUsed()).To(BeZero())
		})
	})

	Describe("TLB invalidation through the ring", func() {
		BeforeEach(func() {
			Expect(d.BringUp()).To(Succeed())
		})

		It("should flush every VMID mapped to the PASID", func() {
			Expect(d.SetPasidMapping(42, 8)).To(Succeed())
			Expect(d.SetPasidMapping(42, 9)).To(Succeed())

			Expect(d.InvalidateTLBs(42)).To(Succeed())

			Expect(d.TLBFlushCount(8)).To(Equal(uint64(1)))
			Expect(d.TLBFlushCount(9)).To(Equal(uint64(1)))
		})

		It("should not flush anything for an unmapped PASID", func() {
			Expect(d.SetPasidMapping(42, 8)).To(Succeed())

			Expect(d.InvalidateTLBs(77)).To(Succeed())

			Expect(d.TLBFlushCount(8)).To(BeZero())
		})

		It("should time out when the ring stops consuming", func() {
			Expect(d.SetPasidMapping(42, 8)).To(Succeed())
			d.InjectKIQStall(true)

			err := d.InvalidateTLBs(42)

			Expect(errors.Is(err, kerr.ErrTimedOut)).To(BeTrue())
		})

		It("should catch up on stalled packets at the next doorbell", func() {
			Expect(d.SetPasidMapping(42, 8)).To(Succeed())

			d.InjectKIQStall(true)
			Expect(d.InvalidateTLBs(42)).ToNot(Succeed())
			Expect(d.TLBFlushCount(8)).To(BeZero())

			d.InjectKIQStall(false)
			Expect(d.InvalidateTLBs(42)).To(Succeed())

			// The next doorbell drains the stalled packet too.
			Expect(d.TLBFlushCount(8)).To(Equal(uint64(2)))
		})
	})
})
