package hw

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/yokote/kerr"
)

var _ = Describe("RegFile", func() {
	var f *RegFile

	BeforeEach(func() {
		f = NewRegFile()
	})

	It("should read unwritten registers as zero", func() {
		Expect(f.Read32(0x1FA8)).To(Equal(uint32(0)))
	})

	It("should read back written values", func() {
		f.Write32(0x1FA8, 0xDEAD)

		Expect(f.Read32(0x1FA8)).To(Equal(uint32(0xDEAD)))
	})

	It("should run responders on writes", func() {
		var seen []Access
		f.AcceptResponder(ResponderFunc(func(_ *RegFile, acc Access) {
			seen = append(seen, acc)
		}))

		f.Write32(0x10, 1)
		f.Write32(0x10, 2)

		Expect(seen).To(HaveLen(2))
		Expect(seen[0]).To(Equal(Access{Offset: 0x10, Value: 1, Prev: 0}))
		Expect(seen[1]).To(Equal(Access{Offset: 0x10, Value: 2, Prev: 1}))
	})

	It("should not run responders on pokes", func() {
		calls := 0
		f.AcceptResponder(ResponderFunc(func(_ *RegFile, _ Access) {
			calls++
		}))

		f.Poke32(0x10, 1)
		f.SetBits32(0x10, 2)
		f.ClearBits32(0x10, 1)

		Expect(calls).To(Equal(0))
		Expect(f.Read32(0x10)).To(Equal(uint32(2)))
	})

	It("should let responders poke registers during a write", func() {
		f.AcceptResponder(ResponderFunc(func(rf *RegFile, acc Access) {
			if acc.Offset == 0x20 {
				rf.Poke32(0x21, acc.Value+1)
			}
		}))

		f.Write32(0x20, 41)

		Expect(f.Read32(0x21)).To(Equal(uint32(42)))
	})

	It("should run responders in registration order", func() {
		var order []int
		f.AcceptResponder(ResponderFunc(func(_ *RegFile, _ Access) {
			order = append(order, 1)
		}))
		f.AcceptResponder(ResponderFunc(func(_ *RegFile, _ Access) {
			order = append(order, 2)
		}))

		f.Write32(0x30, 0)

		Expect(order).To(Equal([]int{1, 2}))
	})

	It("should set and clear bits", func() {
		f.SetBits32(0x40, 0xF0)
		f.SetBits32(0x40, 0x0F)
		f.ClearBits32(0x40, 0x18)

		Expect(f.Read32(0x40)).To(Equal(uint32(0xE7)))
	})
})

var _ = Describe("Poll", func() {
	var f *RegFile

	BeforeEach(func() {
		f = NewRegFile()
	})

	It("should return right away when the condition already holds", func() {
		f.Poke32(0x10, 7)

		v, err := PollReg(f, 0x10,
			func(v uint32) bool { return v == 7 },
			time.Millisecond, PollStep)

		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(7)))
	})

	It("should observe a value poked while polling", func() {
		go func() {
			time.Sleep(2 * time.Millisecond)
			f.Poke32(0x10, 1)
		}()

		v, err := PollReg(f, 0x10,
			func(v uint32) bool { return v == 1 },
			time.Second, 100*time.Microsecond)

		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(1)))
	})

	It("should time out when the condition never holds", func() {
		_, err := PollReg(f, 0x10,
			func(v uint32) bool { return v != 0 },
			2*time.Millisecond, 500*time.Microsecond)

		Expect(errors.Is(err, kerr.ErrTimedOut)).To(BeTrue())
	})

	It("should probe at least once even with a zero timeout", func() {
		f.Poke32(0x10, 3)

		v, err := PollReg(f, 0x10,
			func(v uint32) bool { return v == 3 },
			0, PollStep)

		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(3)))
	})
})

var _ = Describe("SDMA register map", func() {
	It("should place ring windows by engine and queue", func() {
		Expect(SDMAQueueBase(0, 0)).To(Equal(uint32(0x6000)))
		Expect(SDMAQueueBase(0, 1)).To(Equal(uint32(0x6080)))
		Expect(SDMAQueueBase(1, 0)).To(Equal(uint32(0x6800)))
	})

	It("should resolve offsets back to ring coordinates", func() {
		engine, queue, rel, ok := SDMALocateReg(SDMAQueueBase(1, 1) + 5)

		Expect(ok).To(BeTrue())
		Expect(engine).To(Equal(uint32(1)))
		Expect(queue).To(Equal(uint32(1)))
		Expect(rel).To(Equal(uint32(5)))
	})

	It("should reject offsets below the SDMA blocks", func() {
		_, _, _, ok := SDMALocateReg(0x1000)

		Expect(ok).To(BeFalse())
	})
})
