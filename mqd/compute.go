package mqd

import "log"

// Compute is the memory queue descriptor of a compute user queue. It is
// the software-side image of the queue's HQD register window; the codec
// for the device's generation turns it into register values and back.
type Compute struct {
	MQDBase uint64

	Active          bool
	VMID            uint32
	PersistentState uint32
	PipePriority    uint32
	QueuePriority   uint32
	Quantum         uint32

	// RingBase is the GPU address of the packet ring. It must be
	// 256-byte aligned; RingSize is in bytes and a power of two.
	RingBase uint64
	RingSize uint32

	SavedRptr      uint32
	RptrReportAddr uint64
	WptrPollAddr   uint64

	// DoorbellOffset is the doorbell dword offset assigned to the
	// queue. The enable flag gates whether rings reach the queue.
	DoorbellOffset uint32
	DoorbellEnable bool

	IBBase    uint64
	IBRptr    uint32
	IBControl uint32

	IQTimer        uint32
	IQRptr         uint32
	DequeueRequest uint32
	DMAOffload     uint32
	SemaCmd        uint32
	MsgType        uint32
	AtomicPreop    [4]uint32

	HQScheduler0 uint32
	HQScheduler1 uint32
	MQDControl   uint32
	HQStatus1    uint32
	HQControl1   uint32

	// EOPBase is 256-byte aligned; EOPSize is in bytes, a power of two.
	EOPBase       uint64
	EOPSize       uint32
	EOPRptr       uint32
	EOPWptr       uint32
	EOPDoneEvents uint32

	CtxSaveBase      uint64
	CtxSaveControl   uint32
	CntlStackOffset  uint32
	CntlStackSize    uint32
	WGStateOffset    uint32
	CtxSaveSize      uint32
	GDSResourceState uint32
	HQDError         uint32
	EOPWptrMem       uint32
	SuspendCUMask    uint32
	AQLControl       uint32

	// CUMask restricts the compute units the queue may dispatch to,
	// one bit per CU, diced into 32-bit words. Generations before
	// GFXv10 keep it outside the register window.
	CUMask [4]uint32

	SavedWptrLo uint32
	SavedWptrHi uint32
}

// Encoded control-register fields.
const (
	activeBit = 1

	pqControlSizeMask  = 0x3F
	eopControlSizeMask = 0x3F

	doorbellOffsetShift = 2
	doorbellEnableBit   = 1 << 30
)

// HQDDequeueRequest values written to request queue preemption.
const (
	DequeueRequestDrain uint32 = 1
	DequeueRequestReset uint32 = 2
)

// RingSizeFromPQControl recovers the ring size in bytes from a PQ
// control register value.
func RingSizeFromPQControl(control uint32) uint32 {
	return decodeRingSize(control & pqControlSizeMask)
}

// DoorbellFields recovers the dword offset and enable flag from a
// doorbell control register value.
func DoorbellFields(control uint32) (offset uint32, enable bool) {
	return control >> doorbellOffsetShift &
			(doorbellEnableBit>>doorbellOffsetShift - 1),
		control&doorbellEnableBit != 0
}

// EncodeDoorbell builds a doorbell control register value.
func EncodeDoorbell(offset uint32, enable bool) uint32 {
	v := offset << doorbellOffsetShift
	if enable {
		v |= doorbellEnableBit
	}
	return v
}

// A regDesc binds one register of the HQD window to a descriptor field.
type regDesc struct {
	name string
	get  func(m *Compute) uint32
	set  func(m *Compute, v uint32)
}

func reg32(name string, f func(m *Compute) *uint32) regDesc {
	return regDesc{
		name: name,
		get:  func(m *Compute) uint32 { return *f(m) },
		set:  func(m *Compute, v uint32) { *f(m) = v },
	}
}

func regLo(name string, f func(m *Compute) *uint64) regDesc {
	return regDesc{
		name: name,
		get:  func(m *Compute) uint32 { return lo32(*f(m)) },
		set:  func(m *Compute, v uint32) { setLo32(f(m), v) },
	}
}

func regHi(name string, f func(m *Compute) *uint64) regDesc {
	return regDesc{
		name: name,
		get:  func(m *Compute) uint32 { return hi32(*f(m)) },
		set:  func(m *Compute, v uint32) { setHi32(f(m), v) },
	}
}

func regBaseLo(name string, f func(m *Compute) *uint64) regDesc {
	return regDesc{
		name: name,
		get:  func(m *Compute) uint32 { return loBase(*f(m)) },
		set:  func(m *Compute, v uint32) { setLoBase(f(m), v) },
	}
}

func regBaseHi(name string, f func(m *Compute) *uint64) regDesc {
	return regDesc{
		name: name,
		get:  func(m *Compute) uint32 { return hiBase(*f(m)) },
		set:  func(m *Compute, v uint32) { setHiBase(f(m), v) },
	}
}

func computeWindowV9() []regDesc {
	return []regDesc{
		regLo("cp_mqd_base_addr_lo", func(m *Compute) *uint64 { return &m.MQDBase }),
		regHi("cp_mqd_base_addr_hi", func(m *Compute) *uint64 { return &m.MQDBase }),
		{
			name: "cp_hqd_active",
			get: func(m *Compute) uint32 {
				if m.Active {
					return activeBit
				}
				return 0
			},
			set: func(m *Compute, v uint32) { m.Active = v&activeBit != 0 },
		},
		reg32("cp_hqd_vmid", func(m *Compute) *uint32 { return &m.VMID }),
		reg32("cp_hqd_persistent_state", func(m *Compute) *uint32 { return &m.PersistentState }),
		reg32("cp_hqd_pipe_priority", func(m *Compute) *uint32 { return &m.PipePriority }),
		reg32("cp_hqd_queue_priority", func(m *Compute) *uint32 { return &m.QueuePriority }),
		reg32("cp_hqd_quantum", func(m *Compute) *uint32 { return &m.Quantum }),
		regBaseLo("cp_hqd_pq_base_lo", func(m *Compute) *uint64 { return &m.RingBase }),
		regBaseHi("cp_hqd_pq_base_hi", func(m *Compute) *uint64 { return &m.RingBase }),
		reg32("cp_hqd_pq_rptr", func(m *Compute) *uint32 { return &m.SavedRptr }),
		regLo("cp_hqd_pq_rptr_report_addr_lo", func(m *Compute) *uint64 { return &m.RptrReportAddr }),
		regHi("cp_hqd_pq_rptr_report_addr_hi", func(m *Compute) *uint64 { return &m.RptrReportAddr }),
		regLo("cp_hqd_pq_wptr_poll_addr_lo", func(m *Compute) *uint64 { return &m.WptrPollAddr }),
		regHi("cp_hqd_pq_wptr_poll_addr_hi", func(m *Compute) *uint64 { return &m.WptrPollAddr }),
		{
			name: "cp_hqd_pq_doorbell_control",
			get: func(m *Compute) uint32 {
				return EncodeDoorbell(m.DoorbellOffset, m.DoorbellEnable)
			},
			set: func(m *Compute, v uint32) {
				m.DoorbellOffset, m.DoorbellEnable = DoorbellFields(v)
			},
		},
		{
			name: "cp_hqd_pq_control",
			get:  func(m *Compute) uint32 { return encodeRingSize(m.RingSize) },
			set: func(m *Compute, v uint32) {
				m.RingSize = RingSizeFromPQControl(v)
			},
		},
		regLo("cp_hqd_ib_base_addr_lo", func(m *Compute) *uint64 { return &m.IBBase }),
		regHi("cp_hqd_ib_base_addr_hi", func(m *Compute) *uint64 { return &m.IBBase }),
		reg32("cp_hqd_ib_rptr", func(m *Compute) *uint32 { return &m.IBRptr }),
		reg32("cp_hqd_ib_control", func(m *Compute) *uint32 { return &m.IBControl }),
		reg32("cp_hqd_iq_timer", func(m *Compute) *uint32 { return &m.IQTimer }),
		reg32("cp_hqd_iq_rptr", func(m *Compute) *uint32 { return &m.IQRptr }),
		reg32("cp_hqd_dequeue_request", func(m *Compute) *uint32 { return &m.DequeueRequest }),
		reg32("cp_hqd_dma_offload", func(m *Compute) *uint32 { return &m.DMAOffload }),
		reg32("cp_hqd_sema_cmd", func(m *Compute) *uint32 { return &m.SemaCmd }),
		reg32("cp_hqd_msg_type", func(m *Compute) *uint32 { return &m.MsgType }),
		reg32("cp_hqd_atomic0_preop_lo", func(m *Compute) *uint32 { return &m.AtomicPreop[0] }),
		reg32("cp_hqd_atomic0_preop_hi", func(m *Compute) *uint32 { return &m.AtomicPreop[1] }),
		reg32("cp_hqd_atomic1_preop_lo", func(m *Compute) *uint32 { return &m.AtomicPreop[2] }),
		reg32("cp_hqd_atomic1_preop_hi", func(m *Compute) *uint32 { return &m.AtomicPreop[3] }),
		reg32("cp_hqd_hq_scheduler0", func(m *Compute) *uint32 { return &m.HQScheduler0 }),
		reg32("cp_hqd_hq_scheduler1", func(m *Compute) *uint32 { return &m.HQScheduler1 }),
		reg32("cp_mqd_control", func(m *Compute) *uint32 { return &m.MQDControl }),
		reg32("cp_hqd_hq_status1", func(m *Compute) *uint32 { return &m.HQStatus1 }),
		reg32("cp_hqd_hq_control1", func(m *Compute) *uint32 { return &m.HQControl1 }),
		regBaseLo("cp_hqd_eop_base_addr_lo", func(m *Compute) *uint64 { return &m.EOPBase }),
		regBaseHi("cp_hqd_eop_base_addr_hi", func(m *Compute) *uint64 { return &m.EOPBase }),
		{
			name: "cp_hqd_eop_control",
			get:  func(m *Compute) uint32 { return encodeRingSize(m.EOPSize) },
			set: func(m *Compute, v uint32) {
				m.EOPSize = decodeRingSize(v & eopControlSizeMask)
			},
		},
		reg32("cp_hqd_eop_rptr", func(m *Compute) *uint32 { return &m.EOPRptr }),
		reg32("cp_hqd_eop_wptr", func(m *Compute) *uint32 { return &m.EOPWptr }),
		reg32("cp_hqd_eop_done_events", func(m *Compute) *uint32 { return &m.EOPDoneEvents }),
		regLo("cp_hqd_ctx_save_base_addr_lo", func(m *Compute) *uint64 { return &m.CtxSaveBase }),
		regHi("cp_hqd_ctx_save_base_addr_hi", func(m *Compute) *uint64 { return &m.CtxSaveBase }),
		reg32("cp_hqd_ctx_save_control", func(m *Compute) *uint32 { return &m.CtxSaveControl }),
		reg32("cp_hqd_cntl_stack_offset", func(m *Compute) *uint32 { return &m.CntlStackOffset }),
		reg32("cp_hqd_cntl_stack_size", func(m *Compute) *uint32 { return &m.CntlStackSize }),
		reg32("cp_hqd_wg_state_offset", func(m *Compute) *uint32 { return &m.WGStateOffset }),
		reg32("cp_hqd_ctx_save_size", func(m *Compute) *uint32 { return &m.CtxSaveSize }),
		reg32("cp_hqd_gds_resource_state", func(m *Compute) *uint32 { return &m.GDSResourceState }),
		reg32("cp_hqd_error", func(m *Compute) *uint32 { return &m.HQDError }),
		reg32("cp_hqd_eop_wptr_mem", func(m *Compute) *uint32 { return &m.EOPWptrMem }),
		reg32("cp_hqd_suspend_cu_mask", func(m *Compute) *uint32 { return &m.SuspendCUMask }),
		reg32("cp_hqd_aql_control", func(m *Compute) *uint32 { return &m.AQLControl }),
		reg32("cp_hqd_pq_wptr_lo", func(m *Compute) *uint32 { return &m.SavedWptrLo }),
		reg32("cp_hqd_pq_wptr_hi", func(m *Compute) *uint32 { return &m.SavedWptrHi }),
	}
}

// GFXv10 carries the per-SE static thread management registers inside
// the window, right before the write pointer pair.
func computeWindowV10() []regDesc {
	v9 := computeWindowV9()
	cut := len(v9) - 2
	window := make([]regDesc, 0, len(v9)+4)
	window = append(window, v9[:cut]...)
	window = append(window,
		reg32("cp_hqd_static_thread_mgmt_se0", func(m *Compute) *uint32 { return &m.CUMask[0] }),
		reg32("cp_hqd_static_thread_mgmt_se1", func(m *Compute) *uint32 { return &m.CUMask[1] }),
		reg32("cp_hqd_static_thread_mgmt_se2", func(m *Compute) *uint32 { return &m.CUMask[2] }),
		reg32("cp_hqd_static_thread_mgmt_se3", func(m *Compute) *uint32 { return &m.CUMask[3] }),
	)
	window = append(window, v9[cut:]...)
	return window
}

// Word indices of registers the queue lifecycle manipulates directly.
// The GFXv10 insertions sit behind all of these, so the indices hold for
// both generations.
const (
	RegActive          = 2
	RegPQBaseLo        = 8
	RegPQBaseHi        = 9
	RegWptrPollAddrLo  = 13
	RegWptrPollAddrHi  = 14
	RegDoorbell        = 15
	RegPQControl       = 16
	RegDequeueRequest  = 23
	RegEOPRptr         = 39
)

// EOPRptrInitFetcher restarts the end-of-pipe fetcher when written to
// the EOP read-pointer register.
const EOPRptrInitFetcher uint32 = 1 << 31

// A ComputeCodec translates between a Compute descriptor and the HQD
// register window of one hardware generation.
type ComputeCodec struct {
	gen    Generation
	window []regDesc
}

// ComputeCodecFor returns the codec of the given generation.
func ComputeCodecFor(gen Generation) *ComputeCodec {
	switch gen {
	case GFXv9:
		return &ComputeCodec{gen: gen, window: computeWindowV9()}
	case GFXv10:
		return &ComputeCodec{gen: gen, window: computeWindowV10()}
	default:
		log.Panicf("no compute codec for generation %d", gen)
		return nil
	}
}

// Generation returns the generation the codec serves.
func (c *ComputeCodec) Generation() Generation {
	return c.gen
}

// Words returns the size of the register window.
func (c *ComputeCodec) Words() int {
	return len(c.window)
}

// RegName returns the name of the i-th window register.
func (c *ComputeCodec) RegName(i int) string {
	return c.window[i].name
}

// Encode produces the register window image of the descriptor.
func (c *ComputeCodec) Encode(m *Compute) []uint32 {
	words := make([]uint32, len(c.window))
	for i, r := range c.window {
		words[i] = r.get(m)
	}
	return words
}

// Decode reconstructs a descriptor from a register window image.
func (c *ComputeCodec) Decode(words []uint32) *Compute {
	if len(words) != len(c.window) {
		log.Panicf("decoding %d words into a %d-word window",
			len(words), len(c.window))
	}
	m := &Compute{}
	for i, r := range c.window {
		r.set(m, words[i])
	}
	return m
}
