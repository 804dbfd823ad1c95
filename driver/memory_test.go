package driver

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/device"
	"github.com/sarchlab/yokote/hostmem"
	"github.com/sarchlab/yokote/ipc"
	"github.com/sarchlab/yokote/kerr"
)

var _ = Describe("Memory", func() {
	var (
		drv *Driver
		dev *device.Device
	)

	BeforeEach(func() {
		drv = testDriver(nil, GinkgoT().TempDir())
		dev = testDevice("gpu0")
		Expect(drv.AddDevice(dev)).To(Succeed())
		addClient(drv, 100)
	})

	AfterEach(func() {
		drv.Shutdown()
	})

	Describe("allocation", func() {
		It("should map system buffers into the address space", func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_0000, 4096, 0)).To(Succeed())
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_1000, 4096, 0)).To(Succeed())
		})

		It("should reject overlapping intervals", func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_0000, 8192, 0)).To(Succeed())

			err := drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_1000, 4096, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should reject empty and unaddressed buffers", func() {
			err := drv.AllocMemory(100, "gpu0", bo.KindGTT, 0, 4096, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())

			err = drv.AllocMemory(100, "gpu0", bo.KindGTT, 0x10_0000, 0, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should reject unknown owners, devices, and kinds", func() {
			err := drv.AllocMemory(999, "gpu0", bo.KindGTT, 0x10_0000, 4096, 0)
			Expect(errors.Is(err, kerr.ErrProcessNotFound)).To(BeTrue())

			err = drv.AllocMemory(100, "gpu9", bo.KindGTT, 0x10_0000, 4096, 0)
			Expect(errors.Is(err, kerr.ErrInvalidDevice)).To(BeTrue())

			err = drv.AllocMemory(100, "gpu0", bo.Kind(9), 0x10_0000, 4096, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should charge device-local buffers against the device", func() {
			used := dev.VRAMUsed()
			Expect(drv.AllocMemory(100, "gpu0", bo.KindVRAM,
				0x10_0000, 1<<20, 0)).To(Succeed())
			Expect(dev.VRAMUsed()).To(Equal(used + 1<<20))

			Expect(drv.FreeMemory(100, 0x10_0000)).To(Succeed())
			Expect(dev.VRAMUsed()).To(Equal(used))
		})

		It("should run out of device memory eventually", func() {
			free := dev.VRAMCapacity() - dev.VRAMUsed()

			err := drv.AllocMemory(100, "gpu0", bo.KindVRAM,
				0x10_0000, free+1, 0)
			Expect(errors.Is(err, kerr.ErrNoMemory)).To(BeTrue())

			Expect(drv.AllocMemory(100, "gpu0", bo.KindVRAM,
				0x10_0000, free, 0)).To(Succeed())
		})

		It("should give back device memory when the mapping fails", func() {
			used := dev.VRAMUsed()
			Expect(drv.AllocMemory(100, "gpu0", bo.KindVRAM,
				0x10_0000, 4096, 0)).To(Succeed())

			err := drv.AllocMemory(100, "gpu0", bo.KindVRAM,
				0x10_0000, 4096, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
			Expect(dev.VRAMUsed()).To(Equal(used + 4096))
		})

		It("should wrap mapped user pages", func() {
			p, err := drv.Process(100)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Space().Map(0x40_0000, 8192)).To(Succeed())

			Expect(drv.AllocMemory(100, "gpu0", bo.KindUserptr,
				0x10_0000, 8192, 0x40_0000)).To(Succeed())
		})

		It("should refuse user buffers without pages behind them", func() {
			err := drv.AllocMemory(100, "gpu0", bo.KindUserptr,
				0x10_0000, 4096, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())

			err = drv.AllocMemory(100, "gpu0", bo.KindUserptr,
				0x10_0000, 4096, 0x40_0000)
			Expect(errors.Is(err, kerr.ErrFault)).To(BeTrue())
		})

		It("should map doorbell apertures without backing", func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindDoorbell,
				0x10_0000, hostmem.PageSize, 0)).To(Succeed())
		})
	})

	Describe("freeing", func() {
		It("should only free whole buffers", func() {
			Expect(drv.AllocMemory(100, "gpu0", bo.KindGTT,
				0x10_0000, 8192, 0)).To(Succeed())

			err := drv.FreeMemory(100, 0x10_1000)
			Expect(errors.Is(err, kerr.ErrNotFound)).To(BeTrue())

			Expect(drv.FreeMemory(100, 0x10_0000)).To(Succeed())
			err = drv.FreeMemory(100, 0x10_0000)
			Expect(errors.Is(err, kerr.ErrNotFound)).To(BeTrue())
		})

		It("should reject unknown owners", func() {
			err := drv.FreeMemory(999, 0x10_0000)
			Expect(errors.Is(err, kerr.ErrProcessNotFound)).To(BeTrue())
		})
	})

	Describe("sharing", func() {
		BeforeEach(func() {
			addClient(drv, 200)
			Expect(drv.AllocMemory(100, "gpu0", bo.KindVRAM,
				0x10_0000, 4096, 0)).To(Succeed())
		})

		It("should export buffers under stable handles", func() {
			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())
			Expect(h.String()).To(HaveLen(2 * ipc.HandleSize))

			again, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())
			Expect(again).To(Equal(h))
		})

		It("should only export from the start of a buffer", func() {
			_, err := drv.ExportIPC(100, 0x10_0800)
			Expect(errors.Is(err, kerr.ErrNotFound)).To(BeTrue())

			_, err = drv.ExportIPC(100, 0x50_0000)
			Expect(errors.Is(err, kerr.ErrNotFound)).To(BeTrue())
		})

		It("should refuse kinds other processes cannot use", func() {
			p, err := drv.Process(100)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Space().Map(0x40_0000, 4096)).To(Succeed())
			Expect(drv.AllocMemory(100, "gpu0", bo.KindUserptr,
				0x20_0000, 4096, 0x40_0000)).To(Succeed())

			_, err = drv.ExportIPC(100, 0x20_0000)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())
		})

		It("should size imports after the exported buffer", func() {
			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())

			size, err := drv.ImportIPC(200, h, 0x80_0000)
			Expect(err).ToNot(HaveOccurred())
			Expect(size).To(Equal(uint64(4096)))
		})

		It("should round-trip handles through their text form", func() {
			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())

			parsed, err := ipc.ParseHandle(h.String())
			Expect(err).ToNot(HaveOccurred())

			_, err = drv.ImportIPC(200, parsed, 0x80_0000)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should keep the backing until the last holder lets go", func() {
			used := dev.VRAMUsed()

			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())
			_, err = drv.ImportIPC(200, h, 0x80_0000)
			Expect(err).ToNot(HaveOccurred())

			// The exporter unmaps; the importer still holds the pages.
			Expect(drv.FreeMemory(100, 0x10_0000)).To(Succeed())
			Expect(dev.VRAMUsed()).To(Equal(used))

			Expect(drv.FreeMemory(200, 0x80_0000)).To(Succeed())
			Expect(dev.VRAMUsed()).To(Equal(used - 4096))
		})

		It("should forget shares once fully released", func() {
			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())
			Expect(drv.FreeMemory(100, 0x10_0000)).To(Succeed())

			_, err = drv.ImportIPC(200, h, 0x80_0000)
			Expect(errors.Is(err, kerr.ErrNotFound)).To(BeTrue())
		})

		It("should release the reference when the import cannot map", func() {
			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())

			Expect(drv.AllocMemory(200, "gpu0", bo.KindGTT,
				0x80_0000, 4096, 0)).To(Succeed())
			_, err = drv.ImportIPC(200, h, 0x80_0000)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())

			// The failed import must not have eaten the share.
			_, err = drv.ImportIPC(200, h, 0x81_0000)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should reject imports at address zero and dead handles", func() {
			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())

			_, err = drv.ImportIPC(200, h, 0)
			Expect(errors.Is(err, kerr.ErrInvalidArgument)).To(BeTrue())

			_, err = drv.ImportIPC(200, ipc.Handle{}, 0x80_0000)
			Expect(errors.Is(err, kerr.ErrNotFound)).To(BeTrue())
		})

		It("should survive the exporting process", func() {
			used := dev.VRAMUsed()

			h, err := drv.ExportIPC(100, 0x10_0000)
			Expect(err).ToNot(HaveOccurred())
			_, err = drv.ImportIPC(200, h, 0x80_0000)
			Expect(err).ToNot(HaveOccurred())

			Expect(drv.DestroyProcess(100)).To(Succeed())
			Expect(dev.VRAMUsed()).To(Equal(used))

			Expect(drv.DestroyProcess(200)).To(Succeed())
			Expect(dev.VRAMUsed()).To(Equal(used - 4096))
		})
	})
})
