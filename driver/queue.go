package driver

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/hqd"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/mqd"
	"github.com/sarchlab/yokote/proc"
	"github.com/sarchlab/yokote/record"
)

// QueueType selects which engine family serves a queue.
type QueueType int

const (
	// QueueCompute runs on a compute HQD slot.
	QueueCompute QueueType = iota
	// QueueSDMA runs on an SDMA ring.
	QueueSDMA
)

func (t QueueType) String() string {
	switch t {
	case QueueCompute:
		return "compute"
	case QueueSDMA:
		return "sdma"
	default:
		return "unknown"
	}
}

const (
	maxQueuePercent  uint32 = 100
	maxQueuePriority uint32 = 15
	maxCUMaskBits    uint32 = 1024

	// mqdAllocBytes is the VRAM backing reserved per compute queue
	// descriptor.
	mqdAllocBytes uint64 = 4096

	// doorbellStride is the dword stride between doorbell slots; each
	// slot is a 64-bit cell.
	doorbellStride uint32 = 2
)

// Pipe priority levels of the command processor.
const (
	pipePriorityLow    uint32 = 0
	pipePriorityMedium uint32 = 1
	pipePriorityHigh   uint32 = 2
)

// pipePriorityFor buckets a queue priority into the three pipe
// priority levels.
func pipePriorityFor(priority uint32) uint32 {
	switch {
	case priority >= 11:
		return pipePriorityHigh
	case priority >= 7:
		return pipePriorityMedium
	default:
		return pipePriorityLow
	}
}

// Default control fields programmed into fresh compute descriptors:
// descriptor preload requested with the standard preload window, and a
// 10-unit scheduling quantum at millisecond scale.
const (
	computePersistentDefault uint32 = 0x53<<8 | 1
	computeQuantumDefault    uint32 = 10<<8 | 1<<4 | 1
)

// CreateQueueArgs carries the user-supplied queue parameters.
type CreateQueueArgs struct {
	Device string
	Type   QueueType

	// RingBase is the device virtual address of the packet ring; it
	// must fall inside one of the process's buffer objects. RingSize
	// is in bytes and must be a power of two.
	RingBase uint64
	RingSize uint32

	Percent  uint32
	Priority uint32

	// RptrReportAddr and WptrAddr are host addresses the hardware
	// reports to and polls; both must be mapped in the process space.
	RptrReportAddr uint64
	WptrAddr       uint64

	// EOPBase/EOPSize name the end-of-pipe buffer of compute queues;
	// zero means none.
	EOPBase uint64
	EOPSize uint32

	CtxSaveBase uint64
	CtxSaveSize uint32
}

// A queue is one live queue of a process.
type queue struct {
	id    uint64
	owner *proc.Process
	md    *managedDevice
	qtype QueueType

	compute *mqd.Compute
	sdma    *mqd.SDMA

	// pipe and slot place compute queues; SDMA placement lives in the
	// descriptor.
	pipe uint32
	slot uint32

	doorbell  uint32
	mqdOffset uint64
	wptrAddr  uint64

	percent  uint32
	priority uint32
	loaded   bool
}

// placement returns where the queue sits: pipe and slot for compute,
// engine and ring for SDMA.
func (q *queue) placement() (uint32, uint32) {
	if q.qtype == QueueSDMA {
		return q.sdma.EngineID, q.sdma.QueueID
	}
	return q.pipe, q.slot
}

// QueueInfo is one row of the live queue inventory.
type QueueInfo struct {
	QueueID  uint64 `json:"queue_id"`
	PID      int    `json:"pid"`
	PASID    uint32 `json:"pasid"`
	Device   string `json:"device"`
	Type     string `json:"type"`
	Pipe     uint32 `json:"pipe"`
	Queue    uint32 `json:"queue"`
	Doorbell uint32 `json:"doorbell"`
	Percent  uint32 `json:"percent"`
	Priority uint32 `json:"priority"`
	Loaded   bool   `json:"loaded"`
}

// QueueReport returns the live queues of every process, ordered by
// queue ID.
func (d *Driver) QueueReport() []QueueInfo {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	infos := make([]QueueInfo, 0, len(d.queues))
	for _, q := range d.queues {
		pipe, ring := q.placement()
		infos = append(infos, QueueInfo{
			QueueID:  q.id,
			PID:      q.owner.PID(),
			PASID:    q.owner.PASID(),
			Device:   q.md.dev.Name(),
			Type:     q.qtype.String(),
			Pipe:     pipe,
			Queue:    ring,
			Doorbell: q.doorbell,
			Percent:  q.percent,
			Priority: q.priority,
			Loaded:   q.loaded,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].QueueID < infos[j].QueueID
	})
	return infos
}

func validatePercentPriority(percent, priority uint32) error {
	if percent == 0 || percent > maxQueuePercent {
		return fmt.Errorf("queue percent %d outside (0, %d]: %w",
			percent, maxQueuePercent, kerr.ErrInvalidArgument)
	}
	if priority > maxQueuePriority {
		return fmt.Errorf("queue priority %d above %d: %w",
			priority, maxQueuePriority, kerr.ErrInvalidArgument)
	}
	return nil
}

// validateRing checks the ring geometry before anything touches the
// hardware: the size must be a power of two and the ring must be fully
// backed by one of the process's buffer objects.
func validateRing(p *proc.Process, base uint64, size uint32) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("ring size %d is not a power of two: %w",
			size, kerr.ErrInvalidArgument)
	}
	if base == 0 {
		return fmt.Errorf("ring base missing: %w", kerr.ErrInvalidArgument)
	}
	if base&0xFF != 0 {
		return fmt.Errorf("ring base %#x is not 256-byte aligned: %w",
			base, kerr.ErrInvalidArgument)
	}
	if _, ok := p.Buffers().FindInterval(base, base+uint64(size)-1); !ok {
		return fmt.Errorf("ring [%#x, %#x) not backed by a buffer: %w",
			base, base+uint64(size), kerr.ErrFault)
	}
	return nil
}

func (d *Driver) validateQueueArgs(p *proc.Process, args *CreateQueueArgs) error {
	if err := validatePercentPriority(args.Percent, args.Priority); err != nil {
		return err
	}
	if err := validateRing(p, args.RingBase, args.RingSize); err != nil {
		return err
	}

	if !p.Space().Mapped(args.RptrReportAddr, 8) {
		return fmt.Errorf("read pointer %#x not mapped: %w",
			args.RptrReportAddr, kerr.ErrFault)
	}
	if !p.Space().Mapped(args.WptrAddr, 8) {
		return fmt.Errorf("write pointer %#x not mapped: %w",
			args.WptrAddr, kerr.ErrFault)
	}

	if args.EOPBase != 0 {
		if args.EOPSize == 0 || args.EOPSize&(args.EOPSize-1) != 0 {
			return fmt.Errorf("eop size %d is not a power of two: %w",
				args.EOPSize, kerr.ErrInvalidArgument)
		}
		last := args.EOPBase + uint64(args.EOPSize) - 1
		if _, ok := p.Buffers().FindInterval(args.EOPBase, last); !ok {
			return fmt.Errorf("eop buffer %#x not backed: %w",
				args.EOPBase, kerr.ErrFault)
		}
	}
	if args.CtxSaveBase != 0 {
		size := uint64(args.CtxSaveSize)
		if size == 0 {
			size = 1
		}
		last := args.CtxSaveBase + size - 1
		if _, ok := p.Buffers().FindInterval(args.CtxSaveBase, last); !ok {
			return fmt.Errorf("context save area %#x not backed: %w",
				args.CtxSaveBase, kerr.ErrFault)
		}
	}
	return nil
}

// CreateQueue validates args, places the queue on free hardware, and
// loads it. The first queue a process creates on a device binds its
// PASID to a VMID there.
func (d *Driver) CreateQueue(pid int, args CreateQueueArgs) (uint64, error) {
	start := d.now()

	p, err := d.procs.Find(pid)
	if err != nil {
		return 0, err
	}
	md, err := d.managed(args.Device)
	if err != nil {
		return 0, err
	}
	if err := d.validateQueueArgs(p, &args); err != nil {
		return 0, err
	}

	p.Lock()
	defer p.Unlock()

	vmid, err := d.bindDevice(p, md)
	if err != nil {
		return 0, err
	}

	doorbell, err := md.dev.AllocDoorbell()
	if err != nil {
		return 0, err
	}

	q := &queue{
		owner:    p,
		md:       md,
		qtype:    args.Type,
		doorbell: doorbell,
		wptrAddr: args.WptrAddr,
		percent:  args.Percent,
		priority: args.Priority,
	}

	switch args.Type {
	case QueueCompute:
		err = d.loadComputeQueue(q, vmid, &args)
	case QueueSDMA:
		err = d.loadSDMAQueue(q, &args)
	default:
		err = fmt.Errorf("queue type %d: %w", args.Type, kerr.ErrInvalidArgument)
	}
	if err != nil {
		md.dev.FreeDoorbell(doorbell)
		d.recordQueueEvent("create", md.dev.Name(), p.PASID(), 0, 0, 0,
			start, err)
		return 0, err
	}

	d.queueMu.Lock()
	q.id = d.nextQueueID
	d.nextQueueID++
	d.queues[q.id] = q
	d.queueMu.Unlock()

	pipe, ring := q.placement()
	d.log.WithFields(logrus.Fields{
		"pid":    pid,
		"device": md.dev.Name(),
		"queue":  q.id,
		"type":   q.qtype.String(),
	}).Info("queue created")
	d.recordQueueEvent("create", md.dev.Name(), p.PASID(), q.id, pipe, ring,
		start, nil)
	return q.id, nil
}

func (d *Driver) loadComputeQueue(q *queue, vmid uint32,
	args *CreateQueueArgs) error {
	mqdOffset, err := q.md.dev.AllocVRAM(mqdAllocBytes)
	if err != nil {
		return err
	}
	pipe, slot, err := q.md.dev.AllocSlot()
	if err != nil {
		q.md.dev.FreeVRAM(mqdOffset, mqdAllocBytes)
		return err
	}

	descr := &mqd.Compute{
		MQDBase:         mqdOffset,
		Active:          true,
		VMID:            vmid,
		PersistentState: computePersistentDefault,
		PipePriority:    pipePriorityFor(args.Priority),
		QueuePriority:   args.Priority,
		Quantum:         computeQuantumDefault,
		RingBase:        args.RingBase,
		RingSize:        args.RingSize,
		RptrReportAddr:  args.RptrReportAddr,
		WptrPollAddr:    args.WptrAddr,
		DoorbellOffset:  q.doorbell * doorbellStride,
		DoorbellEnable:  true,
		EOPBase:         args.EOPBase,
		EOPSize:         args.EOPSize,
		CtxSaveBase:     args.CtxSaveBase,
		CtxSaveSize:     args.CtxSaveSize,
	}

	if err := q.md.mgr.Load(descr, pipe, slot, args.WptrAddr); err != nil {
		q.md.dev.FreeSlot(pipe, slot)
		q.md.dev.FreeVRAM(mqdOffset, mqdAllocBytes)
		return err
	}

	q.compute = descr
	q.pipe, q.slot = pipe, slot
	q.mqdOffset = mqdOffset
	q.loaded = true
	return nil
}

func (d *Driver) loadSDMAQueue(q *queue, args *CreateQueueArgs) error {
	engine, ring, err := q.md.dev.AllocSDMAQueue()
	if err != nil {
		return err
	}

	descr := &mqd.SDMA{
		EngineID:       engine,
		QueueID:        ring,
		RingBase:       args.RingBase,
		RingSize:       args.RingSize,
		RptrReportAddr: args.RptrReportAddr,
		DoorbellOffset: q.doorbell * doorbellStride,
		DoorbellEnable: true,
		CSABase:        args.CtxSaveBase,
	}

	if err := q.md.mgr.LoadSDMA(descr, args.WptrAddr, q.owner.Space()); err != nil {
		q.md.dev.FreeSDMAQueue(engine, ring)
		return err
	}

	q.sdma = descr
	q.loaded = true
	return nil
}

// queueOf returns the queue with queueID if p owns it.
func (d *Driver) queueOf(p *proc.Process, queueID uint64) (*queue, error) {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	q, ok := d.queues[queueID]
	if !ok || q.owner != p {
		return nil, fmt.Errorf("queue %d: %w", queueID, kerr.ErrNotFound)
	}
	return q, nil
}

// unloadQueue preempts the queue off its hardware.
func (d *Driver) unloadQueue(q *queue) error {
	var err error
	switch q.qtype {
	case QueueCompute:
		err = q.md.mgr.Destroy(q.compute, hqd.PreemptDrain,
			d.preemptTimeout, q.pipe, q.slot)
	case QueueSDMA:
		err = q.md.mgr.DestroySDMA(q.sdma, d.preemptTimeout)
	}
	if err == nil {
		q.loaded = false
	}
	return err
}

// freeQueue unregisters q and returns its hardware to the pools.
func (d *Driver) freeQueue(q *queue) {
	d.queueMu.Lock()
	delete(d.queues, q.id)
	d.queueMu.Unlock()

	switch q.qtype {
	case QueueCompute:
		q.md.dev.FreeSlot(q.pipe, q.slot)
		q.md.dev.FreeVRAM(q.mqdOffset, mqdAllocBytes)
	case QueueSDMA:
		q.md.dev.FreeSDMAQueue(q.sdma.EngineID, q.sdma.QueueID)
	}
	q.md.dev.FreeDoorbell(q.doorbell)
}

// DestroyQueue preempts and unregisters a queue. A preemption timeout
// leaves the queue registered so the stuck slot can be inspected and
// the destroy retried; a snapshot of the device is written for the
// post-mortem.
func (d *Driver) DestroyQueue(pid int, queueID uint64) error {
	p, err := d.procs.Find(pid)
	if err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()
	return d.destroyQueueLocked(p, queueID)
}

func (d *Driver) destroyQueueLocked(p *proc.Process, queueID uint64) error {
	start := d.now()

	q, err := d.queueOf(p, queueID)
	if err != nil {
		return err
	}

	if q.loaded {
		err = d.unloadQueue(q)
	}
	pipe, ring := q.placement()
	d.recordQueueEvent("destroy", q.md.dev.Name(), p.PASID(), queueID,
		pipe, ring, start, err)
	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"pid":    p.PID(),
			"device": q.md.dev.Name(),
			"queue":  queueID,
		}).Error("queue destroy failed")
		if errors.Is(err, kerr.ErrTimedOut) {
			d.snapshot(q.md.dev)
		}
		return err
	}

	d.freeQueue(q)
	d.log.WithFields(logrus.Fields{
		"pid":   p.PID(),
		"queue": queueID,
	}).Info("queue destroyed")
	return nil
}

// UpdateQueue drains the queue off its hardware, rewrites the ring
// geometry and priorities in its descriptor, and loads it back.
func (d *Driver) UpdateQueue(pid int, queueID uint64, ringBase uint64,
	ringSize uint32, percent, priority uint32) error {
	start := d.now()

	p, err := d.procs.Find(pid)
	if err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()

	q, err := d.queueOf(p, queueID)
	if err != nil {
		return err
	}
	if err := validatePercentPriority(percent, priority); err != nil {
		return err
	}
	if err := validateRing(p, ringBase, ringSize); err != nil {
		return err
	}

	if q.loaded {
		if err := d.unloadQueue(q); err != nil {
			pipe, ring := q.placement()
			d.recordQueueEvent("update", q.md.dev.Name(), p.PASID(),
				queueID, pipe, ring, start, err)
			return err
		}
	}

	q.percent, q.priority = percent, priority
	switch q.qtype {
	case QueueCompute:
		q.compute.RingBase = ringBase
		q.compute.RingSize = ringSize
		q.compute.QueuePriority = priority
		q.compute.PipePriority = pipePriorityFor(priority)
		err = q.md.mgr.Load(q.compute, q.pipe, q.slot, q.wptrAddr)
	case QueueSDMA:
		q.sdma.RingBase = ringBase
		q.sdma.RingSize = ringSize
		err = q.md.mgr.LoadSDMA(q.sdma, q.wptrAddr, p.Space())
	}
	q.loaded = err == nil

	pipe, ring := q.placement()
	d.recordQueueEvent("update", q.md.dev.Name(), p.PASID(), queueID,
		pipe, ring, start, err)
	return err
}

// SetCUMask restricts the compute units the queue dispatches to. The
// mask width must be a nonzero multiple of 32 bits; widths beyond 1024
// bits are cut down, not rejected. The mask takes effect the next time
// the queue loads.
func (d *Driver) SetCUMask(pid int, queueID uint64, count uint32,
	mask []uint32) error {
	p, err := d.procs.Find(pid)
	if err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()

	q, err := d.queueOf(p, queueID)
	if err != nil {
		return err
	}

	if count == 0 || count%32 != 0 {
		return fmt.Errorf("cu mask of %d bits: %w",
			count, kerr.ErrInvalidArgument)
	}
	if count > maxCUMaskBits {
		count = maxCUMaskBits
	}
	words := int(count / 32)
	if len(mask) < words {
		return fmt.Errorf("cu mask words %d cover only %d of %d bits: %w",
			len(mask), len(mask)*32, count, kerr.ErrFault)
	}
	if q.qtype != QueueCompute {
		return fmt.Errorf("cu mask on %s queue %d: %w",
			q.qtype, queueID, kerr.ErrInvalidArgument)
	}

	for i := range q.compute.CUMask {
		q.compute.CUMask[i] = 0
	}
	copy(q.compute.CUMask[:], mask[:words])
	return nil
}

// DumpQueueState reads back the register window of the queue.
func (d *Driver) DumpQueueState(pid int, queueID uint64) ([]hqd.RegValue, error) {
	p, err := d.procs.Find(pid)
	if err != nil {
		return nil, err
	}

	p.Lock()
	defer p.Unlock()

	q, err := d.queueOf(p, queueID)
	if err != nil {
		return nil, err
	}
	if q.qtype == QueueSDMA {
		return q.md.mgr.DumpSDMA(q.sdma.EngineID, q.sdma.QueueID)
	}
	return q.md.mgr.Dump(q.pipe, q.slot)
}

// QueueOccupied probes whether the queue's hardware is active and
// serving its ring.
func (d *Driver) QueueOccupied(pid int, queueID uint64) (bool, error) {
	p, err := d.procs.Find(pid)
	if err != nil {
		return false, err
	}

	p.Lock()
	defer p.Unlock()

	q, err := d.queueOf(p, queueID)
	if err != nil {
		return false, err
	}
	if q.qtype == QueueSDMA {
		return q.md.mgr.IsOccupiedSDMA(q.sdma), nil
	}
	return q.md.mgr.IsOccupied(q.compute.RingBase, q.pipe, q.slot), nil
}

func (d *Driver) recordQueueEvent(op, dev string, pasid uint32,
	queueID uint64, pipe, ring uint32, start float64, err error) {
	result := "ok"
	if err != nil {
		result = err.Error()
	}
	d.rec.InsertData(record.TableQueueEvents, record.QueueEventRow{
		Op:        op,
		Device:    dev,
		PASID:     pasid,
		QueueID:   queueID,
		Pipe:      pipe,
		Queue:     ring,
		Result:    result,
		StartTime: start,
		EndTime:   d.now(),
	})
}
