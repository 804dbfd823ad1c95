// Package diag captures device state snapshots for post-mortem
// analysis: register dumps of the live queue slots, the SDMA ring
// windows, and the PASID mapping table. Snapshots serialize compactly
// to .ykdump files.
package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/rs/xid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sarchlab/yokote/device"
	"github.com/sarchlab/yokote/hqd"
)

// A RegPair is one dumped register.
type RegPair struct {
	Offset uint32 `msgpack:"o"`
	Value  uint32 `msgpack:"v"`
}

// A SlotDump is the register window of one live compute slot.
type SlotDump struct {
	Pipe  uint32    `msgpack:"pipe"`
	Queue uint32    `msgpack:"queue"`
	Regs  []RegPair `msgpack:"regs"`
	Err   string    `msgpack:"err,omitempty"`
}

// An SDMADump is the register window of one SDMA ring.
type SDMADump struct {
	Engine uint32    `msgpack:"engine"`
	Queue  uint32    `msgpack:"queue"`
	Regs   []RegPair `msgpack:"regs"`
	Err    string    `msgpack:"err,omitempty"`
}

// A Mapping is one valid VMID-to-PASID binding.
type Mapping struct {
	VMID  uint32 `msgpack:"vmid"`
	PASID uint32 `msgpack:"pasid"`
}

// A Report is one device snapshot.
type Report struct {
	Device     string     `msgpack:"device"`
	Generation string     `msgpack:"generation"`
	TakenAt    time.Time  `msgpack:"taken_at"`
	InReset    bool       `msgpack:"in_reset"`
	Slots      []SlotDump `msgpack:"slots"`
	SDMA       []SDMADump `msgpack:"sdma"`
	Mappings   []Mapping  `msgpack:"mappings"`
}

func regPairs(dump []hqd.RegValue) []RegPair {
	pairs := make([]RegPair, len(dump))
	for i, rv := range dump {
		pairs[i] = RegPair{Offset: rv.Offset, Value: rv.Value}
	}
	return pairs
}

// Capture snapshots dev: every allocated compute slot, every SDMA ring
// window, and the valid PASID mappings. Dump failures are recorded in
// the snapshot instead of aborting it.
func Capture(dev *device.Device) *Report {
	mgr := hqd.NewManager(dev, nil)

	r := &Report{
		Device:     dev.Name(),
		Generation: dev.Generation().String(),
		TakenAt:    time.Now(),
		InReset:    dev.InReset(),
	}

	pipes := (dev.MECCount() - 1) * dev.PipesPerMEC()
	for pipe := uint32(0); pipe < pipes; pipe++ {
		for queue := uint32(0); queue < dev.QueuesPerPipe(); queue++ {
			if !dev.SlotInUse(pipe, queue) {
				continue
			}
			sd := SlotDump{Pipe: pipe, Queue: queue}
			dump, err := mgr.Dump(pipe, queue)
			if err != nil {
				sd.Err = err.Error()
			} else {
				sd.Regs = regPairs(dump)
			}
			r.Slots = append(r.Slots, sd)
		}
	}

	for engine := uint32(0); engine < dev.SDMAEngineCount(); engine++ {
		for queue := uint32(0); queue < dev.SDMAQueuesPerEngine(); queue++ {
			sd := SDMADump{Engine: engine, Queue: queue}
			dump, err := mgr.DumpSDMA(engine, queue)
			if err != nil {
				sd.Err = err.Error()
			} else {
				sd.Regs = regPairs(dump)
			}
			r.SDMA = append(r.SDMA, sd)
		}
	}

	for vmid := device.UserVMIDFirst; vmid <= device.UserVMIDLast; vmid++ {
		if pasid, valid := dev.PasidForVMID(vmid); valid {
			r.Mappings = append(r.Mappings, Mapping{VMID: vmid, PASID: pasid})
		}
	}

	return r
}

// Save writes the report under dir as <device>_<id>.ykdump and returns
// the path.
func (r *Report) Save(dir string) (string, error) {
	path := filepath.Join(dir,
		fmt.Sprintf("%s_%s.ykdump", r.Device, xid.New().String()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating snapshot file: %w", err)
	}

	zw := lz4.NewWriter(f)
	if err := msgpack.NewEncoder(zw).Encode(r); err != nil {
		zw.Close()
		f.Close()
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a snapshot file written by Save.
func Load(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var r Report
	if err := msgpack.NewDecoder(lz4.NewReader(f)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return &r, nil
}
