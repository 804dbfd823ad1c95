package hostmem

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/yokote/kerr"
)

var _ = Describe("Space", func() {
	var s *Space

	BeforeEach(func() {
		s = NewSpace()
	})

	It("should widen mappings to page boundaries", func() {
		Expect(s.Map(0x1100, 16)).To(Succeed())

		Expect(s.Mapped(0x1000, PageSize)).To(BeTrue())
		Expect(s.Mapped(0x2000, 1)).To(BeFalse())
	})

	It("should refuse to map over an existing page", func() {
		Expect(s.Map(0x1000, PageSize)).To(Succeed())

		err := s.Map(0x1800, PageSize)

		Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
	})

	It("should refuse empty mappings", func() {
		err := s.Map(0x1000, 0)

		Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
	})

	It("should unmap pages", func() {
		Expect(s.Map(0x1000, 2*PageSize)).To(Succeed())

		s.Unmap(0x1000, PageSize)

		Expect(s.Mapped(0x1000, 1)).To(BeFalse())
		Expect(s.Mapped(0x2000, 1)).To(BeTrue())
	})

	It("should treat empty ranges as mapped", func() {
		Expect(s.Mapped(0x9000, 0)).To(BeTrue())
	})

	It("should read and write across page boundaries", func() {
		Expect(s.Map(0x1000, 2*PageSize)).To(Succeed())

		payload := make([]byte, 100)
		for i := range payload {
			payload[i] = byte(i + 1)
		}
		Expect(s.Write(0x1FD0, payload)).To(Succeed())

		got := make([]byte, 100)
		Expect(s.Read(0x1FD0, got)).To(Succeed())
		Expect(got).To(Equal(payload))
	})

	It("should fault on unmapped reads", func() {
		err := s.Read(0x5000, make([]byte, 4))

		Expect(errors.Is(err, kerr.ErrFault)).To(BeTrue())
	})

	It("should fault when a write runs off the mapping", func() {
		Expect(s.Map(0x1000, PageSize)).To(Succeed())

		err := s.Write(0x1FFC, make([]byte, 8))

		Expect(errors.Is(err, kerr.ErrFault)).To(BeTrue())
	})

	It("should read words little-endian", func() {
		Expect(s.Map(0x1000, PageSize)).To(Succeed())
		Expect(s.Write(0x1000, []byte{0x78, 0x56, 0x34, 0x12})).To(Succeed())

		v, err := s.ReadUint32(0x1000)

		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint32(0x12345678)))
	})

	It("should round-trip 64-bit words", func() {
		Expect(s.Map(0x1000, PageSize)).To(Succeed())
		Expect(s.WriteUint64(0x1010, 0xDEADBEEF_CAFE)).To(Succeed())

		v, err := s.ReadUint64(0x1010)

		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal(uint64(0xDEADBEEF_CAFE)))
	})
})

var _ = Describe("HostPinner", func() {
	var (
		s      *Space
		pinner HostPinner
	)

	BeforeEach(func() {
		s = NewSpace()
		Expect(s.Map(0x1000, 3*PageSize)).To(Succeed())
	})

	It("should pin the requested pages", func() {
		pin, err := pinner.Pin(s, 0x1000, 3, false)

		Expect(err).ToNot(HaveOccurred())
		Expect(pin.NumPages()).To(Equal(3))
		Expect(pin.Bytes()).To(Equal(3 * PageSize))
		Expect(s.PinCount(0x1000)).To(Equal(int32(1)))

		pin.Unpin()
		Expect(s.PinCount(0x1000)).To(Equal(int32(0)))
	})

	It("should pin only the mapped prefix", func() {
		pin, err := pinner.Pin(s, 0x3000, 4, false)

		Expect(err).ToNot(HaveOccurred())
		Expect(pin.NumPages()).To(Equal(1))

		pin.Unpin()
	})

	It("should fault when the first page is unmapped", func() {
		_, err := pinner.Pin(s, 0x9000, 1, false)

		Expect(errors.Is(err, kerr.ErrFault)).To(BeTrue())
	})

	It("should reject non-positive page counts", func() {
		_, err := pinner.Pin(s, 0x1000, 0, false)

		Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
	})

	It("should record writability", func() {
		pin, err := pinner.Pin(s, 0x1000, 1, true)

		Expect(err).ToNot(HaveOccurred())
		Expect(pin.Writable()).To(BeTrue())

		pin.Unpin()
	})

	It("should refuse writes through a read-only pin", func() {
		pin, err := pinner.Pin(s, 0x1000, 1, false)
		Expect(err).ToNot(HaveOccurred())
		defer pin.Unpin()

		_, werr := pin.WriteAt([]byte{1}, 0)
		Expect(errors.Is(werr, kerr.ErrPermission)).To(BeTrue())
	})

	It("should release pages once no matter how often unpinned", func() {
		pin, err := pinner.Pin(s, 0x1000, 2, false)
		Expect(err).ToNot(HaveOccurred())

		pin.Unpin()
		pin.Unpin()

		Expect(s.PinCount(0x1000)).To(Equal(int32(0)))
	})

	It("should expose the pages as an addressable window", func() {
		pin, err := pinner.Pin(s, 0x1000, 2, true)
		Expect(err).ToNot(HaveOccurred())
		defer pin.Unpin()

		payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		n, werr := pin.WriteAt(payload, int64(PageSize)-4)
		Expect(werr).ToNot(HaveOccurred())
		Expect(n).To(Equal(8))

		got := make([]byte, 8)
		n, rerr := pin.ReadAt(got, int64(PageSize)-4)
		Expect(rerr).ToNot(HaveOccurred())
		Expect(n).To(Equal(8))
		Expect(got).To(Equal(payload))

		direct := make([]byte, 8)
		Expect(s.Read(0x1000+PageSize-4, direct)).To(Succeed())
		Expect(direct).To(Equal(payload))
	})

	It("should keep pinned pages alive across unmap", func() {
		pin, err := pinner.Pin(s, 0x1000, 1, true)
		Expect(err).ToNot(HaveOccurred())
		defer pin.Unpin()

		_, werr := pin.WriteAt([]byte{0xEE}, 0)
		Expect(werr).ToNot(HaveOccurred())

		s.Unmap(0x1000, PageSize)

		got := make([]byte, 1)
		_, rerr := pin.ReadAt(got, 0)
		Expect(rerr).ToNot(HaveOccurred())
		Expect(got[0]).To(Equal(byte(0xEE)))

		Expect(s.Mapped(0x1000, 1)).To(BeFalse())
	})

	It("should end reads at the window with EOF", func() {
		pin, err := pinner.Pin(s, 0x1000, 1, false)
		Expect(err).ToNot(HaveOccurred())
		defer pin.Unpin()

		buf := make([]byte, 16)
		n, rerr := pin.ReadAt(buf, int64(PageSize)-8)

		Expect(n).To(Equal(8))
		Expect(rerr).To(MatchError("EOF"))
	})
})
