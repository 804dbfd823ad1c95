package driver

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/cma"
	"github.com/sarchlab/yokote/device"
	"github.com/sarchlab/yokote/kerr"
)

var _ = Describe("Cross-memory copies", func() {
	var (
		rec  *memRecorder
		drv  *Driver
		gpu0 *device.Device
		gpu1 *device.Device
	)

	pattern := func(n int, seed byte) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = byte(i)*7 + seed
		}
		return p
	}

	writeBuffer := func(pid int, va uint64, data []byte) {
		p, err := drv.Process(pid)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		obj, ok := p.Buffers().FindContaining(va)
		ExpectWithOffset(1, ok).To(BeTrue())
		_, err = obj.Backing.WriteAt(data, int64(va-obj.Start))
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
	}

	readBuffer := func(pid int, va uint64, n int) []byte {
		p, err := drv.Process(pid)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		obj, ok := p.Buffers().FindContaining(va)
		ExpectWithOffset(1, ok).To(BeTrue())
		out := make([]byte, n)
		_, err = obj.Backing.ReadAt(out, int64(va-obj.Start))
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		return out
	}

	BeforeEach(func() {
		rec = newMemRecorder()
		drv = testDriver(rec, GinkgoT().TempDir())
		gpu0 = testDevice("gpu0")
		gpu1 = testDevice("gpu1")
		Expect(drv.AddDevice(gpu0)).To(Succeed())
		Expect(drv.AddDevice(gpu1)).To(Succeed())
		addClient(drv, 100)
		addClient(drv, 200)
		Expect(drv.Attach(100, 200)).To(Succeed())
	})

	AfterEach(func() {
		drv.Shutdown()
	})

	It("should push local memory into the remote process", func() {
		data := pattern(8192, 1)
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x10_0000, 8192, 0)).To(Succeed())
		writeBuffer(100, 0x10_0000, data)
		Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
			0x30_0000, 8192, 0)).To(Succeed())

		n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
			[]cma.Range{{Addr: 0x10_0000, Size: 8192}},
			[]cma.Range{{Addr: 0x30_0000, Size: 8192}})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(uint64(8192)))
		Expect(readBuffer(200, 0x30_0000, 8192)).To(Equal(data))

		segs := rec.copySegments()
		Expect(segs).To(HaveLen(1))
		Expect(segs[0].Direction).To(Equal("write"))
		Expect(segs[0].Strategy).To(Equal("direct"))
		Expect(segs[0].SrcKind).To(Equal("gtt"))
		Expect(segs[0].DstKind).To(Equal("gtt"))
		Expect(segs[0].Bytes).To(Equal(uint64(8192)))
		Expect(segs[0].FenceSeq).ToNot(BeZero())

		report := drv.CopyReport()
		Expect(report).To(HaveLen(1))
		Expect(report[0].RequestID).To(Equal(segs[0].RequestID))
		Expect(report[0].LocalPID).To(Equal(100))
		Expect(report[0].RemotePID).To(Equal(200))
		Expect(report[0].Bytes).To(Equal(uint64(8192)))
		Expect(report[0].Segments).To(Equal(1))
		Expect(report[0].Error).To(BeEmpty())
	})

	It("should pull remote user pages into the caller", func() {
		data := pattern(8192, 2)
		remote, err := drv.Process(200)
		Expect(err).ToNot(HaveOccurred())
		Expect(remote.Space().Map(0x40_0000, 8192)).To(Succeed())
		Expect(remote.Space().Write(0x40_0000, data)).To(Succeed())
		Expect(drv.AllocMemory(200, "gpu0", bo.KindUserptr,
			0x20_0000, 8192, 0x40_0000)).To(Succeed())
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x10_0000, 8192, 0)).To(Succeed())

		n, err := drv.CrossMemoryCopy(100, 200, CopyRead,
			[]cma.Range{{Addr: 0x20_0000, Size: 8192}},
			[]cma.Range{{Addr: 0x10_0000, Size: 8192}})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(uint64(8192)))
		Expect(readBuffer(100, 0x10_0000, 8192)).To(Equal(data))

		segs := rec.copySegments()
		Expect(segs).To(HaveLen(1))
		Expect(segs[0].Direction).To(Equal("read"))
		Expect(segs[0].Strategy).To(Equal("staged"))
		Expect(segs[0].SrcKind).To(Equal("userptr"))
		Expect(segs[0].DstKind).To(Equal("gtt"))

		// Pins and the address-space reference are gone again.
		Expect(remote.Space().PinCount(0x40_0000)).To(BeZero())
		Expect(remote.MMRefCount()).To(BeZero())
	})

	It("should bounce device memory between devices through the host", func() {
		data := pattern(8192, 3)
		Expect(drv.AllocMemory(100, "gpu0", bo.KindVRAM,
			0x50_0000, 8192, 0)).To(Succeed())
		writeBuffer(100, 0x50_0000, data)
		Expect(drv.AllocMemory(200, "gpu1", bo.KindVRAM,
			0x60_0000, 8192, 0)).To(Succeed())

		n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
			[]cma.Range{{Addr: 0x50_0000, Size: 8192}},
			[]cma.Range{{Addr: 0x60_0000, Size: 8192}})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(uint64(8192)))
		Expect(readBuffer(200, 0x60_0000, 8192)).To(Equal(data))

		segs := rec.copySegments()
		Expect(segs).To(HaveLen(1))
		Expect(segs[0].Strategy).To(Equal("double-hop"))
		Expect(segs[0].SrcKind).To(Equal("vram"))
		Expect(segs[0].DstKind).To(Equal("vram"))
	})

	It("should let a process copy within itself", func() {
		data := pattern(4096, 4)
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x10_0000, 4096, 0)).To(Succeed())
		writeBuffer(100, 0x10_0000, data)
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x11_0000, 4096, 0)).To(Succeed())

		n, err := drv.CrossMemoryCopy(100, 100, CopyWrite,
			[]cma.Range{{Addr: 0x10_0000, Size: 4096}},
			[]cma.Range{{Addr: 0x11_0000, Size: 4096}})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(uint64(4096)))
		Expect(readBuffer(100, 0x11_0000, 4096)).To(Equal(data))
	})

	It("should gather scattered ranges", func() {
		first := pattern(4096, 5)
		second := pattern(4096, 6)
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x10_0000, 4096, 0)).To(Succeed())
		writeBuffer(100, 0x10_0000, first)
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x12_0000, 4096, 0)).To(Succeed())
		writeBuffer(100, 0x12_0000, second)
		Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
			0x30_0000, 8192, 0)).To(Succeed())

		n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
			[]cma.Range{
				{Addr: 0x10_0000, Size: 4096},
				{Addr: 0x12_0000, Size: 4096},
			},
			[]cma.Range{{Addr: 0x30_0000, Size: 8192}})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(uint64(8192)))

		got := readBuffer(200, 0x30_0000, 8192)
		Expect(got[:4096]).To(Equal(first))
		Expect(got[4096:]).To(Equal(second))
		Expect(rec.copySegments()).To(HaveLen(2))
	})

	It("should stop after the shorter side", func() {
		Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
			0x10_0000, 8192, 0)).To(Succeed())
		Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
			0x30_0000, 4096, 0)).To(Succeed())

		n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
			[]cma.Range{{Addr: 0x10_0000, Size: 8192}},
			[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(uint64(4096)))

		report := drv.CopyReport()
		Expect(report).To(HaveLen(1))
		Expect(report[0].Bytes).To(Equal(uint64(4096)))
	})

	Describe("permissions", func() {
		It("should require a tracing relationship", func() {
			addClient(drv, 300)
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_0000, 4096, 0)).To(Succeed())
			Expect(drv.AllocMemory(300, "gpu0", bo.KindGTT,
				0x30_0000, 4096, 0)).To(Succeed())

			n, err := drv.CrossMemoryCopy(100, 300, CopyWrite,
				[]cma.Range{{Addr: 0x10_0000, Size: 4096}},
				[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
			Expect(errors.Is(err, kerr.ErrPermission)).To(BeTrue())
			Expect(n).To(BeZero())

			// A refused request leaves no trace.
			Expect(drv.CopyReport()).To(BeEmpty())
			Expect(rec.copySegments()).To(BeEmpty())
		})

		It("should work from either end of the attachment", func() {
			data := pattern(4096, 7)
			Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
				0x10_0000, 4096, 0)).To(Succeed())
			writeBuffer(200, 0x10_0000, data)
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x30_0000, 4096, 0)).To(Succeed())

			// The tracee reaches back into its tracer.
			n, err := drv.CrossMemoryCopy(200, 100, CopyWrite,
				[]cma.Range{{Addr: 0x10_0000, Size: 4096}},
				[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(uint64(4096)))
			Expect(readBuffer(100, 0x30_0000, 4096)).To(Equal(data))
		})
	})

	Describe("argument validation", func() {
		BeforeEach(func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_0000, 4096, 0)).To(Succeed())
			Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
				0x30_0000, 8192, 0)).To(Succeed())
		})

		It("should reject empty range lists", func() {
			_, err := drv.CrossMemoryCopy(100, 200, CopyWrite, nil,
				[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())

			_, err = drv.CrossMemoryCopy(100, 200, CopyWrite,
				[]cma.Range{{Addr: 0x10_0000, Size: 4096}}, nil)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should reject unknown processes", func() {
			ranges := []cma.Range{{Addr: 0x10_0000, Size: 4096}}

			_, err := drv.CrossMemoryCopy(999, 200, CopyWrite, ranges, ranges)
			Expect(errors.Is(err, kerr.ErrProcessNotFound)).To(BeTrue())

			_, err = drv.CrossMemoryCopy(100, 999, CopyWrite, ranges, ranges)
			Expect(errors.Is(err, kerr.ErrProcessNotFound)).To(BeTrue())
		})

		It("should refuse positions outside any buffer", func() {
			n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
				[]cma.Range{{Addr: 0x90_0000, Size: 4096}},
				[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
			Expect(errors.Is(err, kerr.ErrOutOfRange)).To(BeTrue())
			Expect(n).To(BeZero())
			Expect(drv.CopyReport()).To(BeEmpty())
		})

		It("should stop at the first unmapped position", func() {
			// The source range runs off the end of its only buffer.
			n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
				[]cma.Range{{Addr: 0x10_0000, Size: 8192}},
				[]cma.Range{{Addr: 0x30_0000, Size: 8192}})
			Expect(errors.Is(err, kerr.ErrOutOfRange)).To(BeTrue())
			Expect(n).To(Equal(uint64(4096)))

			report := drv.CopyReport()
			Expect(report).To(HaveLen(1))
			Expect(report[0].Bytes).To(Equal(uint64(4096)))
			Expect(report[0].Error).ToNot(BeEmpty())
		})

		It("should refuse doorbell apertures", func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindDoorbell,
				0x70_0000, 4096, 0)).To(Succeed())

			n, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
				[]cma.Range{{Addr: 0x70_0000, Size: 4096}},
				[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
			Expect(n).To(BeZero())

			report := drv.CopyReport()
			Expect(report).To(HaveLen(1))
			Expect(report[0].Error).ToNot(BeEmpty())
		})
	})

	Describe("history", func() {
		It("should keep a bounded request history", func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_0000, 4096, 0)).To(Succeed())
			Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
				0x30_0000, 4096, 0)).To(Succeed())

			for i := 0; i < copyHistoryCap+2; i++ {
				_, err := drv.CrossMemoryCopy(100, 200, CopyWrite,
					[]cma.Range{{Addr: 0x10_0000, Size: 4096}},
					[]cma.Range{{Addr: 0x30_0000, Size: 4096}})
				Expect(err).ToNot(HaveOccurred())
			}

			report := drv.CopyReport()
			Expect(report).To(HaveLen(copyHistoryCap))

			ids := map[string]bool{}
			for _, info := range report {
				ids[info.RequestID] = true
			}
			Expect(ids).To(HaveLen(copyHistoryCap))
		})
	})
})
