package mqd

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Generation", func() {
	It("should name the supported generations", func() {
		Expect(GFXv9.String()).To(Equal("gfx9"))
		Expect(GFXv10.String()).To(Equal("gfx10"))
		Expect(Generation(7).String()).To(Equal("unknown"))
	})

	It("should validate the supported generations", func() {
		Expect(GFXv9.Valid()).To(BeTrue())
		Expect(GFXv10.Valid()).To(BeTrue())
		Expect(Generation(11).Valid()).To(BeFalse())
	})
})

var _ = Describe("ComputeCodec", func() {
	It("should size the GFXv9 window at 56 words", func() {
		Expect(ComputeCodecFor(GFXv9).Words()).To(Equal(56))
	})

	It("should size the GFXv10 window at 60 words", func() {
		Expect(ComputeCodecFor(GFXv10).Words()).To(Equal(60))
	})

	It("should panic for an unknown generation", func() {
		Expect(func() { ComputeCodecFor(Generation(3)) }).To(Panic())
	})

	It("should place the lifecycle registers at their fixed indices", func() {
		for _, c := range []*ComputeCodec{
			ComputeCodecFor(GFXv9),
			ComputeCodecFor(GFXv10),
		} {
			Expect(c.RegName(RegActive)).To(Equal("cp_hqd_active"))
			Expect(c.RegName(RegPQBaseLo)).To(Equal("cp_hqd_pq_base_lo"))
			Expect(c.RegName(RegPQBaseHi)).To(Equal("cp_hqd_pq_base_hi"))
			Expect(c.RegName(RegWptrPollAddrLo)).
				To(Equal("cp_hqd_pq_wptr_poll_addr_lo"))
			Expect(c.RegName(RegDoorbell)).
				To(Equal("cp_hqd_pq_doorbell_control"))
			Expect(c.RegName(RegPQControl)).To(Equal("cp_hqd_pq_control"))
			Expect(c.RegName(RegDequeueRequest)).
				To(Equal("cp_hqd_dequeue_request"))
			Expect(c.RegName(RegEOPRptr)).To(Equal("cp_hqd_eop_rptr"))
		}
	})

	It("should keep the saved write pointer at the window tail", func() {
		for _, c := range []*ComputeCodec{
			ComputeCodecFor(GFXv9),
			ComputeCodecFor(GFXv10),
		} {
			Expect(c.RegName(c.Words() - 2)).To(Equal("cp_hqd_pq_wptr_lo"))
			Expect(c.RegName(c.Words() - 1)).To(Equal("cp_hqd_pq_wptr_hi"))
		}
	})

	It("should round-trip a descriptor through the window", func() {
		c := ComputeCodecFor(GFXv9)
		m := &Compute{
			MQDBase:        0x1_2345_6000,
			Active:         true,
			VMID:           9,
			PipePriority:   2,
			QueuePriority:  15,
			RingBase:       0xAB_CDEF_1200,
			RingSize:       1 << 16,
			RptrReportAddr: 0x7000_0008,
			WptrPollAddr:   0x7000_0010,
			DoorbellOffset: 24,
			DoorbellEnable: true,
			EOPBase:        0x9_8765_4300,
			EOPSize:        4096,
			CtxSaveBase:    0x5555_0000,
			CtxSaveSize:    1 << 15,
			SavedWptrLo:    77,
		}

		got := c.Decode(c.Encode(m))

		Expect(got).To(Equal(m))
	})

	It("should shift ring bases right by eight in the window", func() {
		c := ComputeCodecFor(GFXv9)
		m := &Compute{RingBase: 0x1FF<<40 | 0xAB00}

		words := c.Encode(m)

		Expect(words[RegPQBaseLo]).To(Equal(uint32(0xAB)))
		Expect(words[RegPQBaseHi]).To(Equal(uint32(0x1FF)))
	})

	It("should encode the ring size as log2 minus one", func() {
		c := ComputeCodecFor(GFXv9)

		words := c.Encode(&Compute{RingSize: 1 << 16})

		Expect(words[RegPQControl] & 0x3F).To(Equal(uint32(15)))
		Expect(RingSizeFromPQControl(words[RegPQControl])).
			To(Equal(uint32(1 << 16)))
	})

	It("should carry the CU mask in the GFXv10 window only", func() {
		m := &Compute{CUMask: [4]uint32{0xF, 0xF0, 0xF00, 0xF000}}

		v9 := ComputeCodecFor(GFXv9).Decode(ComputeCodecFor(GFXv9).Encode(m))
		v10 := ComputeCodecFor(GFXv10).Decode(ComputeCodecFor(GFXv10).Encode(m))

		Expect(v9.CUMask).To(Equal([4]uint32{}))
		Expect(v10.CUMask).To(Equal(m.CUMask))
	})

	It("should panic when decoding a window of the wrong size", func() {
		c := ComputeCodecFor(GFXv9)

		Expect(func() { c.Decode(make([]uint32, 3)) }).To(Panic())
	})
})

var _ = Describe("Doorbell encoding", func() {
	It("should round-trip offset and enable", func() {
		v := EncodeDoorbell(42, true)

		offset, enable := DoorbellFields(v)
		Expect(offset).To(Equal(uint32(42)))
		Expect(enable).To(BeTrue())
	})

	It("should keep a disabled doorbell disabled", func() {
		offset, enable := DoorbellFields(EncodeDoorbell(7, false))

		Expect(offset).To(Equal(uint32(7)))
		Expect(enable).To(BeFalse())
	})
})
