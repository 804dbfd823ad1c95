package hw

// Register offsets of the device register space, in 32-bit words. The
// values follow the register map of the hardware generations the driver
// core targets; users of this package only depend on the relationships
// between them.
const (
	// RegRLCCPSchedulers carries the scheduler slot assignment for
	// kernel-interface queues running under VMID 0.
	RegRLCCPSchedulers uint32 = 0x4D40

	// RegHQDBase is the first register of the compute HQD window. The
	// window is banked per hardware slot; the slot-select lock decides
	// which bank the window addresses.
	RegHQDBase uint32 = 0x1FA8

	// HQDWindowWords is the span reserved for the banked HQD window.
	HQDWindowWords uint32 = 64

	// RegCPPQWptrPollCntl1 arms the write-pointer poll for the queues
	// whose mask bits are written. Device-global, not banked.
	RegCPPQWptrPollCntl1 uint32 = 0x1F60
)

// ATC PASID mapping tables. Each table has one register per VMID; the
// hardware acknowledges a mapping write by raising the VMID's bit in the
// update-status register, which software clears by writing it back.
const (
	RegATCVMIDPasidMappingBase   uint32 = 0x3398
	RegATCVMID16PasidMappingBase uint32 = 0x33A8
	RegATCMappingUpdateStatus    uint32 = 0x33B8
)

// Interrupt-handler lookup tables mirroring the PASID mappings.
const (
	RegIHVMIDLUTBase   uint32 = 0x5A00
	RegIHVMIDLUTMMBase uint32 = 0x5A20
)

// SDMA register blocks: one block per engine, one ring window per queue.
// SDMA rings are not banked; their windows are addressed directly.
const (
	sdmaEngineBase   uint32 = 0x6000
	sdmaEngineStride uint32 = 0x0800
	sdmaQueueStride  uint32 = 0x0080

	sdmaGfxContextCntlOffset uint32 = 0x07C0
)

// SDMAQueueBase returns the first register of the ring window for the
// given engine and ring.
func SDMAQueueBase(engine, queue uint32) uint32 {
	return sdmaEngineBase + engine*sdmaEngineStride + queue*sdmaQueueStride
}

// SDMAGfxContextCntl returns the engine-wide context control register.
func SDMAGfxContextCntl(engine uint32) uint32 {
	return sdmaEngineBase + engine*sdmaEngineStride + sdmaGfxContextCntlOffset
}

// SDMALocateReg resolves a register offset back into SDMA ring
// coordinates: the engine, the ring, and the register's word offset
// within the ring window. ok is false for offsets below the SDMA
// blocks.
func SDMALocateReg(offset uint32) (engine, queue, rel uint32, ok bool) {
	if offset < sdmaEngineBase {
		return 0, 0, 0, false
	}
	rel = offset - sdmaEngineBase
	engine = rel / sdmaEngineStride
	rel %= sdmaEngineStride
	queue = rel / sdmaQueueStride
	rel %= sdmaQueueStride
	return engine, queue, rel, true
}
