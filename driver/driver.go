// Package driver implements the user-facing facade of the yokote
// core: process registration, queue control, memory and IPC
// management, and the cross-process memory copy entry point. One
// Driver instance manages any number of devices; every operation is
// synchronous and returns an explicit error.
package driver

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/device"
	"github.com/sarchlab/yokote/diag"
	"github.com/sarchlab/yokote/hqd"
	"github.com/sarchlab/yokote/ipc"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/proc"
	"github.com/sarchlab/yokote/record"
)

// A Driver is one driver-core instance.
type Driver struct {
	procs *proc.Registry
	ipc   *ipc.Table
	rec   record.Recorder
	log   *logrus.Logger

	preemptTimeout time.Duration
	snapshotDir    string

	devMu    sync.Mutex
	devices  map[string]*managedDevice
	devOrder []string

	queueMu     sync.Mutex
	queues      map[uint64]*queue
	nextQueueID uint64
	bindings    map[bindKey]uint32

	copyMu sync.Mutex
	copies []CopyInfo

	epoch time.Time
}

// A managedDevice pairs a device with its queue lifecycle manager.
type managedDevice struct {
	dev *device.Device
	mgr *hqd.Manager
}

// A bindKey identifies one process-device PASID binding.
type bindKey struct {
	pid    int
	device string
}

// A Builder configures and creates drivers.
type Builder struct {
	recorder       record.Recorder
	log            *logrus.Logger
	preemptTimeout time.Duration
	snapshotDir    string
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		recorder:       record.Nop{},
		preemptTimeout: 500 * time.Millisecond,
		snapshotDir:    os.TempDir(),
	}
}

// WithRecorder sets the event recorder.
func (b Builder) WithRecorder(r record.Recorder) Builder {
	b.recorder = r
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.log = l
	return b
}

// WithPreemptTimeout sets the bound for queue preemption waits.
func (b Builder) WithPreemptTimeout(t time.Duration) Builder {
	b.preemptTimeout = t
	return b
}

// WithSnapshotDir sets where destroy-timeout snapshots are written.
func (b Builder) WithSnapshotDir(dir string) Builder {
	b.snapshotDir = dir
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.recorder == nil {
		log.Panicf("driver requires a recorder")
	}
	if b.preemptTimeout <= 0 {
		log.Panicf("preempt timeout %v must be positive", b.preemptTimeout)
	}
}

// Build creates the driver.
func (b Builder) Build() *Driver {
	b.parametersMustBeValid()

	if b.log == nil {
		b.log = logrus.New()
		b.log.SetLevel(logrus.WarnLevel)
	}

	d := &Driver{
		procs:          proc.NewRegistry(),
		ipc:            ipc.NewTable(),
		rec:            b.recorder,
		log:            b.log,
		preemptTimeout: b.preemptTimeout,
		snapshotDir:    b.snapshotDir,
		devices:        make(map[string]*managedDevice),
		queues:         make(map[uint64]*queue),
		nextQueueID:    1,
		bindings:       make(map[bindKey]uint32),
		epoch:          time.Now(),
	}

	d.rec.CreateTable(record.TableQueueEvents, record.QueueEventRow{})
	d.rec.CreateTable(record.TableCopySegments, record.CopySegmentRow{})

	return d
}

// now returns seconds since the driver came up, the time base of the
// recorded rows.
func (d *Driver) now() float64 {
	return time.Since(d.epoch).Seconds()
}

// AddDevice brings dev up and registers it. Device names must be
// unique within the driver.
func (d *Driver) AddDevice(dev *device.Device) error {
	d.devMu.Lock()
	defer d.devMu.Unlock()

	if _, taken := d.devices[dev.Name()]; taken {
		return fmt.Errorf("device %s already registered: %w",
			dev.Name(), kerr.ErrInvalidArgument)
	}

	if err := dev.BringUp(); err != nil {
		return fmt.Errorf("bringing up %s: %w", dev.Name(), err)
	}

	d.devices[dev.Name()] = &managedDevice{
		dev: dev,
		mgr: hqd.NewManager(dev, d.log),
	}
	d.devOrder = append(d.devOrder, dev.Name())

	d.log.WithField("device", dev.Name()).Info("device registered")
	return nil
}

// Device returns the registered device called name.
func (d *Driver) Device(name string) (*device.Device, error) {
	md, err := d.managed(name)
	if err != nil {
		return nil, err
	}
	return md.dev, nil
}

// DeviceNames returns the registered device names in registration
// order.
func (d *Driver) DeviceNames() []string {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	names := make([]string, len(d.devOrder))
	copy(names, d.devOrder)
	return names
}

func (d *Driver) managed(name string) (*managedDevice, error) {
	d.devMu.Lock()
	defer d.devMu.Unlock()
	md, ok := d.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", name, kerr.ErrInvalidDevice)
	}
	return md, nil
}

// CreateProcess registers a process and returns its PASID.
func (d *Driver) CreateProcess(pid int) (uint32, error) {
	p, err := d.procs.Create(pid)
	if err != nil {
		return 0, err
	}
	d.log.WithFields(logrus.Fields{
		"pid":   pid,
		"pasid": p.PASID(),
	}).Info("process registered")
	return p.PASID(), nil
}

// Process returns the registered process with pid.
func (d *Driver) Process(pid int) (*proc.Process, error) {
	return d.procs.Find(pid)
}

// Attach records that tracer ptrace-attached to tracee, enabling
// cross-memory copies between the two.
func (d *Driver) Attach(tracerPID, traceePID int) error {
	return d.procs.Attach(tracerPID, traceePID)
}

// DestroyProcess tears a process down: its queues are preempted, its
// PASID bindings dropped, and its buffers released. Teardown continues
// past individual failures and reports them together.
func (d *Driver) DestroyProcess(pid int) error {
	p, err := d.procs.Remove(pid)
	if err != nil {
		return err
	}

	var errs *multierror.Error

	p.Lock()
	for _, id := range d.queueIDsOf(pid) {
		if err := d.destroyQueueLocked(p, id); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("queue %d: %w", id, err))
		}
	}
	p.Unlock()

	// Flush translations while the mappings are still valid, then
	// drop the bindings.
	for key, vmid := range d.takeBindings(pid) {
		md, merr := d.managed(key.device)
		if merr != nil {
			errs = multierror.Append(errs, merr)
			continue
		}
		if ierr := md.dev.InvalidateTLBs(p.PASID()); ierr != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("flushing %s: %w", key.device, ierr))
		}
		if uerr := md.dev.UnbindPasid(vmid); uerr != nil {
			errs = multierror.Append(errs,
				fmt.Errorf("unbinding vmid %d on %s: %w",
					vmid, key.device, uerr))
		}
	}

	p.Lock()
	objs := p.Buffers().Drain()
	p.Unlock()
	for _, obj := range objs {
		if rerr := d.releaseObject(obj); rerr != nil {
			errs = multierror.Append(errs, rerr)
		}
	}

	d.log.WithFields(logrus.Fields{
		"pid":   pid,
		"pasid": p.PASID(),
	}).Info("process torn down")
	return errs.ErrorOrNil()
}

// queueIDsOf returns the queue IDs owned by pid, in creation order.
func (d *Driver) queueIDsOf(pid int) []uint64 {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	var ids []uint64
	for id, q := range d.queues {
		if q.owner.PID() == pid {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// takeBindings removes and returns the PASID bindings of pid.
func (d *Driver) takeBindings(pid int) map[bindKey]uint32 {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	taken := make(map[bindKey]uint32)
	for key, vmid := range d.bindings {
		if key.pid == pid {
			taken[key] = vmid
			delete(d.bindings, key)
		}
	}
	return taken
}

// bindDevice ensures pid's PASID is mapped to a VMID on md, binding it
// on first use.
func (d *Driver) bindDevice(p *proc.Process, md *managedDevice) (uint32, error) {
	key := bindKey{pid: p.PID(), device: md.dev.Name()}

	d.queueMu.Lock()
	vmid, bound := d.bindings[key]
	d.queueMu.Unlock()
	if bound {
		return vmid, nil
	}

	vmid, err := md.dev.BindPasid(p.PASID())
	if err != nil {
		return 0, err
	}

	d.queueMu.Lock()
	d.bindings[key] = vmid
	d.queueMu.Unlock()

	d.log.WithFields(logrus.Fields{
		"pid":    p.PID(),
		"pasid":  p.PASID(),
		"device": md.dev.Name(),
		"vmid":   vmid,
	}).Debug("pasid bound")
	return vmid, nil
}

// snapshot writes a diagnostic dump of dev next to the other snapshots
// and logs where it went. Snapshot failures are logged, never fatal.
func (d *Driver) snapshot(dev *device.Device) {
	path, err := diag.Capture(dev).Save(d.snapshotDir)
	if err != nil {
		d.log.WithError(err).WithField("device", dev.Name()).
			Warn("device snapshot failed")
		return
	}
	d.log.WithFields(logrus.Fields{
		"device": dev.Name(),
		"path":   path,
	}).Warn("device snapshot written")
}

// Shutdown flushes the recorder and stops every device.
func (d *Driver) Shutdown() {
	d.rec.Flush()

	d.devMu.Lock()
	defer d.devMu.Unlock()
	for _, md := range d.devices {
		md.dev.Shutdown()
	}
}
