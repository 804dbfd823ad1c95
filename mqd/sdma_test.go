package mqd

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SDMACodec", func() {
	var c *SDMACodec

	BeforeEach(func() {
		c = NewSDMACodec()
	})

	It("should size the window at SDMAWindowWords", func() {
		Expect(c.Words()).To(Equal(SDMAWindowWords))
	})

	It("should name the ring control registers", func() {
		Expect(c.RegName(SDMARegRBCntl)).To(Equal("sdma_rlc_rb_cntl"))
		Expect(c.RegName(SDMARegRBWptr)).To(Equal("sdma_rlc_rb_wptr"))
		Expect(c.RegName(SDMARegDoorbellOffset)).
			To(Equal("sdma_rlc_doorbell_offset"))
		Expect(c.RegName(SDMARegContextStatus)).
			To(Equal("sdma_rlc_context_status"))
	})

	It("should round-trip a descriptor through the window", func() {
		m := &SDMA{
			RingBase:       0x34_5678_9A00,
			RingSize:       1 << 14,
			SavedRptr:      0x1_0000_0040,
			SavedWptr:      0x1_0000_0080,
			RptrReportAddr: 0x7000_1000,
			DoorbellOffset: 96,
			DoorbellEnable: true,
			IBCntl:         3,
			CSABase:        0x8000_2000,
			MidcmdCntl:     1,
		}

		got := c.Decode(c.Encode(m))

		Expect(got).To(Equal(m))
	})

	It("should not carry engine and queue identity in the window", func() {
		m := &SDMA{EngineID: 1, QueueID: 1, RingSize: 4096}

		got := c.Decode(c.Encode(m))

		Expect(got.EngineID).To(Equal(uint32(0)))
		Expect(got.QueueID).To(Equal(uint32(0)))
		Expect(got.RingSize).To(Equal(uint32(4096)))
	})

	It("should encode the window with the ring disabled", func() {
		words := c.Encode(&SDMA{RingSize: 4096})

		Expect(words[SDMARegRBCntl] & SDMARBEnableBit).To(BeZero())
	})

	It("should panic when decoding a window of the wrong size", func() {
		Expect(func() { c.Decode(make([]uint32, 4)) }).To(Panic())
	})
})

var _ = Describe("SDMA ring control encoding", func() {
	It("should round-trip the ring size", func() {
		v := EncodeSDMARBCntl(1<<20, true)

		Expect(v & SDMARBEnableBit).To(Equal(SDMARBEnableBit))
		Expect(SDMARingSizeFromCntl(v)).To(Equal(uint32(1 << 20)))
	})
})
