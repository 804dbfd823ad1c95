package device

import (
	"fmt"
	"log"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/dma"
	"github.com/sarchlab/yokote/fence"
	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/mqd"
)

// A Builder configures and creates devices.
type Builder struct {
	generation          mqd.Generation
	mecCount            uint32
	pipesPerMEC         uint32
	queuesPerPipe       uint32
	sdmaEngineCount     uint32
	sdmaQueuesPerEngine uint32
	vramSize            uint64
	dmaEngineCount      int
	hwTimeout           time.Duration
	pasidAckTimeout     time.Duration
	log                 *logrus.Logger
}

// MakeBuilder returns a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		generation:          mqd.GFXv9,
		mecCount:            2,
		pipesPerMEC:         4,
		queuesPerPipe:       8,
		sdmaEngineCount:     2,
		sdmaQueuesPerEngine: 2,
		vramSize:            256 << 20,
		dmaEngineCount:      2,
		hwTimeout:           100 * time.Millisecond,
		pasidAckTimeout:     time.Second,
	}
}

// WithGeneration sets the register-layout generation.
func (b Builder) WithGeneration(g mqd.Generation) Builder {
	b.generation = g
	return b
}

// WithMECCount sets the MEC count, including the reserved MEC 0.
func (b Builder) WithMECCount(n uint32) Builder {
	b.mecCount = n
	return b
}

// WithPipesPerMEC sets the pipe count of each MEC.
func (b Builder) WithPipesPerMEC(n uint32) Builder {
	b.pipesPerMEC = n
	return b
}

// WithQueuesPerPipe sets the queue slots of each pipe.
func (b Builder) WithQueuesPerPipe(n uint32) Builder {
	b.queuesPerPipe = n
	return b
}

// WithSDMAEngineCount sets the SDMA engine count.
func (b Builder) WithSDMAEngineCount(n uint32) Builder {
	b.sdmaEngineCount = n
	return b
}

// WithSDMAQueuesPerEngine sets the ring count of each SDMA engine.
func (b Builder) WithSDMAQueuesPerEngine(n uint32) Builder {
	b.sdmaQueuesPerEngine = n
	return b
}

// WithVRAMSize sets the device-local memory capacity in bytes.
func (b Builder) WithVRAMSize(size uint64) Builder {
	b.vramSize = size
	return b
}

// WithDMAEngineCount sets the number of copy engines.
func (b Builder) WithDMAEngineCount(n int) Builder {
	b.dmaEngineCount = n
	return b
}

// WithHardwareTimeout sets the bound for register handshakes and
// kernel-interface fences.
func (b Builder) WithHardwareTimeout(d time.Duration) Builder {
	b.hwTimeout = d
	return b
}

// WithPasidAckTimeout sets the bound for PASID mapping acknowledgement.
func (b Builder) WithPasidAckTimeout(d time.Duration) Builder {
	b.pasidAckTimeout = d
	return b
}

// WithLogger sets the logger of the device.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.log = l
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.generation.Valid() {
		log.Panicf("unknown hardware generation %d", b.generation)
	}
	if b.mecCount < 2 {
		log.Panic("a device needs at least one user MEC besides MEC 0")
	}
	if b.pipesPerMEC == 0 || b.queuesPerPipe == 0 {
		log.Panic("MEC geometry must be non-zero")
	}
	if b.sdmaEngineCount == 0 || b.sdmaQueuesPerEngine == 0 {
		log.Panic("SDMA geometry must be non-zero")
	}
	if b.sdmaQueuesPerEngine > 15 {
		// The engine-wide context control register sits where ring 15's
		// window would start.
		log.Panicf("at most 15 SDMA rings per engine, not %d",
			b.sdmaQueuesPerEngine)
	}
	if b.vramSize == 0 {
		log.Panic("a device needs VRAM")
	}
	if b.dmaEngineCount < 1 {
		log.Panic("a device needs at least one copy engine")
	}
	if b.hwTimeout <= 0 || b.pasidAckTimeout <= 0 {
		log.Panic("timeouts must be positive")
	}
}

// Build creates a device named name. The device is usable for queue and
// memory operations right away; BringUp starts its kernel interface
// queue.
func (b Builder) Build(name string) *Device {
	b.parametersMustBeValid()

	logger := b.log
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	d := &Device{
		name:                name,
		gen:                 b.generation,
		mecCount:            b.mecCount,
		pipesPerMEC:         b.pipesPerMEC,
		queuesPerPipe:       b.queuesPerPipe,
		sdmaEngineCount:     b.sdmaEngineCount,
		sdmaQueuesPerEngine: b.sdmaQueuesPerEngine,
		regs:                hw.NewRegFile(),
		banks:               make(map[SlotKey]*hw.RegFile),
		doorbells:           hw.NewRegFile(),
		slotUsed:            make(map[SlotKey]bool),
		sdmaUsed:            make(map[[2]uint32]bool),
		vram:                hw.NewStorage(b.vramSize),
		vramAlloc:           newVRAMAllocator(b.vramSize),
		doorbellAlloc:       &doorbellAllocator{},
		vmidOwner:           make(map[uint32]uint32),
		hwTimeout:           b.hwTimeout,
		pasidAckTimeout:     b.pasidAckTimeout,
		log:                 logger,
	}
	d.faults.stuckSlots = make(map[SlotKey]bool)
	d.faults.stalledSDMA = make(map[[2]uint32]bool)

	for mec := uint32(1); mec < b.mecCount; mec++ {
		for pipe := uint32(0); pipe < b.pipesPerMEC; pipe++ {
			for queue := uint32(0); queue < b.queuesPerPipe; queue++ {
				key := SlotKey{MEC: mec, Pipe: pipe, Queue: queue}
				bank := hw.NewRegFile()
				bank.AcceptResponder(d.dequeueResponder(key))
				d.banks[key] = bank
			}
		}
	}

	d.regs.AcceptResponder(hw.ResponderFunc(d.reactGlobal))

	for i := 0; i < b.dmaEngineCount; i++ {
		d.engines = append(d.engines,
			dma.NewEngine(fmt.Sprintf("%s.DMA%d", name, i)))
	}

	d.kiq = &kiq{dev: d, fctx: fence.NewContext()}
	return d
}
