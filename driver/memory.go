package driver

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/bo"
	"github.com/sarchlab/yokote/dma"
	"github.com/sarchlab/yokote/ipc"
	"github.com/sarchlab/yokote/kerr"
)

// AllocMemory creates a buffer object of kind on the named device and
// maps it at the process's device virtual interval [va, va+size).
// Userptr objects wrap the host pages at cpuva, which must be mapped.
func (d *Driver) AllocMemory(pid int, deviceName string, kind bo.Kind,
	va, size, cpuva uint64) error {
	p, err := d.procs.Find(pid)
	if err != nil {
		return err
	}
	md, err := d.managed(deviceName)
	if err != nil {
		return err
	}
	if va == 0 || size == 0 {
		return fmt.Errorf("buffer at %#x of %d bytes: %w",
			va, size, kerr.ErrInvalidArgument)
	}

	p.Lock()
	defer p.Unlock()

	obj := &bo.Object{
		Start:  va,
		Last:   va + size - 1,
		Kind:   kind,
		Device: deviceName,
	}

	switch kind {
	case bo.KindVRAM:
		offset, aerr := md.dev.AllocVRAM(size)
		if aerr != nil {
			return aerr
		}
		obj.VRAMOffset = offset
		obj.Backing = md.dev.VRAMView(offset, size)
	case bo.KindGTT:
		obj.Backing = make(dma.Bytes, size)
	case bo.KindUserptr:
		if cpuva == 0 {
			return fmt.Errorf("userptr buffer without a host address: %w",
				kerr.ErrInvalidArgument)
		}
		if !p.Space().Mapped(cpuva, size) {
			return fmt.Errorf("user pages [%#x, %#x) not mapped: %w",
				cpuva, cpuva+size, kerr.ErrFault)
		}
		obj.CPUVA = cpuva
	case bo.KindDoorbell:
		// Doorbell objects carry no copyable backing.
	default:
		return fmt.Errorf("buffer kind %d: %w", kind, kerr.ErrInvalidArgument)
	}

	if err := p.Buffers().Insert(obj); err != nil {
		if kind == bo.KindVRAM {
			md.dev.FreeVRAM(obj.VRAMOffset, size)
		}
		return err
	}

	d.log.WithFields(logrus.Fields{
		"pid":    pid,
		"device": deviceName,
		"kind":   kind.String(),
		"va":     fmt.Sprintf("%#x", va),
		"size":   size,
	}).Debug("buffer allocated")
	return nil
}

// FreeMemory removes the buffer object starting at va and releases its
// backing.
func (d *Driver) FreeMemory(pid int, va uint64) error {
	p, err := d.procs.Find(pid)
	if err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()

	obj, err := p.Buffers().Remove(va)
	if err != nil {
		return err
	}
	return d.releaseObject(obj)
}

// releaseObject returns an object's backing to its owner: the share
// for exported and imported objects, the VRAM allocator otherwise.
func (d *Driver) releaseObject(obj *bo.Object) error {
	if obj.Share != nil {
		obj.Share.Release()
		return nil
	}
	if obj.Kind == bo.KindVRAM {
		md, err := d.managed(obj.Device)
		if err != nil {
			return err
		}
		md.dev.FreeVRAM(obj.VRAMOffset, obj.Size())
	}
	return nil
}

// ExportIPC shares the buffer object starting at va and returns its
// handle. Exporting the same object again returns the handle already
// issued. The backing now belongs to the share and is freed when the
// last process holding the handle or the memory releases it.
func (d *Driver) ExportIPC(pid int, va uint64) (ipc.Handle, error) {
	p, err := d.procs.Find(pid)
	if err != nil {
		return ipc.Handle{}, err
	}

	p.Lock()
	defer p.Unlock()

	obj, ok := p.Buffers().FindContaining(va)
	if !ok || obj.Start != va {
		return ipc.Handle{}, fmt.Errorf("no buffer starts at %#x: %w",
			va, kerr.ErrNotFound)
	}
	if obj.Kind != bo.KindVRAM && obj.Kind != bo.KindGTT {
		return ipc.Handle{}, fmt.Errorf("%s buffers do not export: %w",
			obj.Kind, kerr.ErrInvalidArgument)
	}

	if sh, shared := obj.Share.(*ipc.Obj); shared {
		return sh.Handle(), nil
	}

	var free func()
	if obj.Kind == bo.KindVRAM {
		md, merr := d.managed(obj.Device)
		if merr != nil {
			return ipc.Handle{}, merr
		}
		offset, size := obj.VRAMOffset, obj.Size()
		free = func() { md.dev.FreeVRAM(offset, size) }
	}

	sh := d.ipc.Export(obj.Kind, obj.Device, obj.Backing, obj.Size(), free)
	obj.Share = sh

	d.log.WithFields(logrus.Fields{
		"pid":    pid,
		"va":     fmt.Sprintf("%#x", va),
		"handle": sh.Handle().String(),
	}).Debug("buffer exported")
	return sh.Handle(), nil
}

// ImportIPC maps the shared buffer behind handle at va in the
// process's address map and returns its size. Handles whose object was
// fully released import as not found.
func (d *Driver) ImportIPC(pid int, handle ipc.Handle, va uint64) (uint64, error) {
	p, err := d.procs.Find(pid)
	if err != nil {
		return 0, err
	}
	if va == 0 {
		return 0, fmt.Errorf("import at %#x: %w", va, kerr.ErrInvalidArgument)
	}

	p.Lock()
	defer p.Unlock()

	sh, err := d.ipc.Import(handle)
	if err != nil {
		return 0, err
	}

	obj := &bo.Object{
		Start:   va,
		Last:    va + sh.Size() - 1,
		Kind:    sh.Kind(),
		Device:  sh.Device(),
		Backing: sh.Backing(),
		Share:   sh,
	}
	if err := p.Buffers().Insert(obj); err != nil {
		sh.Release()
		return 0, err
	}

	d.log.WithFields(logrus.Fields{
		"pid":    pid,
		"va":     fmt.Sprintf("%#x", va),
		"handle": handle.String(),
	}).Debug("buffer imported")
	return sh.Size(), nil
}
