package mqd

import "log"

// SDMA is the memory queue descriptor of an SDMA user ring. SDMA rings
// are addressed directly by engine and queue; there is no banked window
// and the layout is shared by the generations the driver supports.
type SDMA struct {
	EngineID uint32
	QueueID  uint32

	// RingBase is 256-byte aligned; RingSize is in bytes, a power of
	// two.
	RingBase uint64
	RingSize uint32

	// SavedRptr and SavedWptr are the 64-bit ring pointers captured
	// when the ring was last unloaded.
	SavedRptr uint64
	SavedWptr uint64

	RptrReportAddr uint64

	DoorbellOffset uint32
	DoorbellEnable bool

	IBCntl   uint32
	IBRptr   uint32
	IBOffset uint32

	CSABase uint64

	MidcmdData0 uint32
	MidcmdCntl  uint32
}

// Word indices of the SDMA ring register window.
const (
	SDMARegRBCntl = iota
	SDMARegRBBase
	SDMARegRBBaseHi
	SDMARegRBRptr
	SDMARegRBRptrHi
	SDMARegRBWptr
	SDMARegRBWptrHi
	SDMARegRBRptrAddrLo
	SDMARegRBRptrAddrHi
	SDMARegIBCntl
	SDMARegIBRptr
	SDMARegIBOffset
	SDMARegDoorbell
	SDMARegDoorbellOffset
	SDMARegContextStatus
	SDMARegCSAAddrLo
	SDMARegCSAAddrHi
	SDMARegMinorPtrUpdate
	SDMARegMidcmdData0
	SDMARegMidcmdCntl

	SDMAWindowWords
)

// SDMA register fields.
const (
	SDMARBEnableBit       uint32 = 1
	sdmaRBCntlSizeShift          = 1
	sdmaRBCntlSizeMask    uint32 = 0x3F << sdmaRBCntlSizeShift
	SDMADoorbellEnableBit uint32 = 1 << 28
	SDMAStatusIdleBit     uint32 = 1 << 2

	// SDMAGfxContextResumeBit lives in the engine-wide context control
	// register and requests resumption of a saved context.
	SDMAGfxContextResumeBit uint32 = 1 << 16
)

// EncodeSDMARBCntl builds a ring-buffer control value from a ring size
// in bytes and an enable flag.
func EncodeSDMARBCntl(ringSize uint32, enable bool) uint32 {
	v := encodeRingSize(ringSize) << sdmaRBCntlSizeShift
	if enable {
		v |= SDMARBEnableBit
	}
	return v
}

// SDMARingSizeFromCntl recovers the ring size in bytes.
func SDMARingSizeFromCntl(cntl uint32) uint32 {
	return decodeRingSize(cntl & sdmaRBCntlSizeMask >> sdmaRBCntlSizeShift)
}

type sdmaRegDesc struct {
	name string
	get  func(m *SDMA) uint32
	set  func(m *SDMA, v uint32)
}

func sdmaReg32(name string, f func(m *SDMA) *uint32) sdmaRegDesc {
	return sdmaRegDesc{
		name: name,
		get:  func(m *SDMA) uint32 { return *f(m) },
		set:  func(m *SDMA, v uint32) { *f(m) = v },
	}
}

func sdmaWindow() []sdmaRegDesc {
	return []sdmaRegDesc{
		{
			name: "sdma_rlc_rb_cntl",
			get:  func(m *SDMA) uint32 { return EncodeSDMARBCntl(m.RingSize, false) },
			set:  func(m *SDMA, v uint32) { m.RingSize = SDMARingSizeFromCntl(v) },
		},
		{
			name: "sdma_rlc_rb_base",
			get:  func(m *SDMA) uint32 { return loBase(m.RingBase) },
			set:  func(m *SDMA, v uint32) { setLoBase(&m.RingBase, v) },
		},
		{
			name: "sdma_rlc_rb_base_hi",
			get:  func(m *SDMA) uint32 { return hiBase(m.RingBase) },
			set:  func(m *SDMA, v uint32) { setHiBase(&m.RingBase, v) },
		},
		{
			name: "sdma_rlc_rb_rptr",
			get:  func(m *SDMA) uint32 { return lo32(m.SavedRptr) },
			set:  func(m *SDMA, v uint32) { setLo32(&m.SavedRptr, v) },
		},
		{
			name: "sdma_rlc_rb_rptr_hi",
			get:  func(m *SDMA) uint32 { return hi32(m.SavedRptr) },
			set:  func(m *SDMA, v uint32) { setHi32(&m.SavedRptr, v) },
		},
		{
			name: "sdma_rlc_rb_wptr",
			get:  func(m *SDMA) uint32 { return lo32(m.SavedWptr) },
			set:  func(m *SDMA, v uint32) { setLo32(&m.SavedWptr, v) },
		},
		{
			name: "sdma_rlc_rb_wptr_hi",
			get:  func(m *SDMA) uint32 { return hi32(m.SavedWptr) },
			set:  func(m *SDMA, v uint32) { setHi32(&m.SavedWptr, v) },
		},
		{
			name: "sdma_rlc_rb_rptr_addr_lo",
			get:  func(m *SDMA) uint32 { return lo32(m.RptrReportAddr) },
			set:  func(m *SDMA, v uint32) { setLo32(&m.RptrReportAddr, v) },
		},
		{
			name: "sdma_rlc_rb_rptr_addr_hi",
			get:  func(m *SDMA) uint32 { return hi32(m.RptrReportAddr) },
			set:  func(m *SDMA, v uint32) { setHi32(&m.RptrReportAddr, v) },
		},
		sdmaReg32("sdma_rlc_ib_cntl", func(m *SDMA) *uint32 { return &m.IBCntl }),
		sdmaReg32("sdma_rlc_ib_rptr", func(m *SDMA) *uint32 { return &m.IBRptr }),
		sdmaReg32("sdma_rlc_ib_offset", func(m *SDMA) *uint32 { return &m.IBOffset }),
		{
			name: "sdma_rlc_doorbell",
			get: func(m *SDMA) uint32 {
				if m.DoorbellEnable {
					return SDMADoorbellEnableBit
				}
				return 0
			},
			set: func(m *SDMA, v uint32) {
				m.DoorbellEnable = v&SDMADoorbellEnableBit != 0
			},
		},
		sdmaReg32("sdma_rlc_doorbell_offset", func(m *SDMA) *uint32 { return &m.DoorbellOffset }),
		{
			// Hardware-owned; descriptors never carry a status.
			name: "sdma_rlc_context_status",
			get:  func(m *SDMA) uint32 { return 0 },
			set:  func(m *SDMA, v uint32) {},
		},
		{
			name: "sdma_rlc_csa_addr_lo",
			get:  func(m *SDMA) uint32 { return lo32(m.CSABase) },
			set:  func(m *SDMA, v uint32) { setLo32(&m.CSABase, v) },
		},
		{
			name: "sdma_rlc_csa_addr_hi",
			get:  func(m *SDMA) uint32 { return hi32(m.CSABase) },
			set:  func(m *SDMA, v uint32) { setHi32(&m.CSABase, v) },
		},
		{
			name: "sdma_rlc_minor_ptr_update",
			get:  func(m *SDMA) uint32 { return 0 },
			set:  func(m *SDMA, v uint32) {},
		},
		sdmaReg32("sdma_rlc_midcmd_data0", func(m *SDMA) *uint32 { return &m.MidcmdData0 }),
		sdmaReg32("sdma_rlc_midcmd_cntl", func(m *SDMA) *uint32 { return &m.MidcmdCntl }),
	}
}

// An SDMACodec translates between an SDMA descriptor and its ring
// register window.
type SDMACodec struct {
	window []sdmaRegDesc
}

// NewSDMACodec returns the shared SDMA window codec.
func NewSDMACodec() *SDMACodec {
	return &SDMACodec{window: sdmaWindow()}
}

// Words returns the size of the register window.
func (c *SDMACodec) Words() int {
	return len(c.window)
}

// RegName returns the name of the i-th window register.
func (c *SDMACodec) RegName(i int) string {
	return c.window[i].name
}

// Encode produces the register window image of the descriptor.
func (c *SDMACodec) Encode(m *SDMA) []uint32 {
	words := make([]uint32, len(c.window))
	for i, r := range c.window {
		words[i] = r.get(m)
	}
	return words
}

// Decode reconstructs a descriptor from a register window image. The
// engine and queue identity is not part of the window and must be set
// by the caller.
func (c *SDMACodec) Decode(words []uint32) *SDMA {
	if len(words) != len(c.window) {
		log.Panicf("decoding %d words into a %d-word window",
			len(words), len(c.window))
	}
	m := &SDMA{}
	for i, r := range c.window {
		r.set(m, words[i])
	}
	return m
}
