package driver

import (
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/yokote/cma"
	"github.com/sarchlab/yokote/dma"
	"github.com/sarchlab/yokote/kerr"
	"github.com/sarchlab/yokote/proc"
	"github.com/sarchlab/yokote/record"
)

// Direction orients a cross-memory copy relative to the calling
// process.
type Direction int

const (
	// CopyRead pulls remote memory into the caller.
	CopyRead Direction = iota
	// CopyWrite pushes caller memory into the remote process.
	CopyWrite
)

func (dir Direction) String() string {
	if dir == CopyWrite {
		return "write"
	}
	return "read"
}

// copyHistoryCap bounds the recent-copy list served to the monitor.
const copyHistoryCap = 128

// CopyInfo summarizes one cross-memory copy request.
type CopyInfo struct {
	RequestID string        `json:"request_id"`
	LocalPID  int           `json:"local_pid"`
	RemotePID int           `json:"remote_pid"`
	Direction string        `json:"direction"`
	Bytes     uint64        `json:"bytes"`
	Segments  int           `json:"segments"`
	Error     string        `json:"error,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
}

// CopyEngine returns the copy engine of the named device. It makes the
// driver the engine source of its copiers.
func (d *Driver) CopyEngine(name string) (*dma.Engine, error) {
	md, err := d.managed(name)
	if err != nil {
		return nil, err
	}
	return md.dev.Engine(0), nil
}

// CrossMemoryCopy copies between the calling process and a remote one.
// CopyWrite moves srcRanges of the caller into dstRanges of the
// remote; CopyRead moves srcRanges of the remote into dstRanges of the
// caller. The caller needs a ptrace relationship to the remote. The
// returned count is the bytes actually committed, also on error.
func (d *Driver) CrossMemoryCopy(localPID, remotePID int, dir Direction,
	srcRanges, dstRanges []cma.Range) (uint64, error) {
	if len(srcRanges) == 0 || len(dstRanges) == 0 {
		return 0, fmt.Errorf("copy with empty range list: %w",
			kerr.ErrInvalidArgument)
	}

	local, err := d.procs.Find(localPID)
	if err != nil {
		return 0, err
	}
	remote, err := d.procs.Find(remotePID)
	if err != nil {
		return 0, err
	}

	// The permission gate comes before any staging resource exists, so
	// a refused request allocates nothing.
	ref, err := proc.AccessMM(local, remote)
	if err != nil {
		return 0, err
	}
	defer ref.Release()

	srcP, dstP := local, remote
	if dir == CopyRead {
		srcP, dstP = remote, local
	}

	si, err := cma.NewIterator(srcP.Space(), srcP.Buffers(), srcRanges)
	if err != nil {
		return 0, err
	}
	di, err := cma.NewIterator(dstP.Space(), dstP.Buffers(), dstRanges)
	if err != nil {
		return 0, err
	}

	reqID := xid.New().String()
	started := time.Now()
	segments := 0

	copier := cma.NewCopier(d, nil, d.log)
	copier.OnSegment = func(seg cma.Segment) {
		segments++
		end := d.now()
		d.rec.InsertData(record.TableCopySegments, record.CopySegmentRow{
			RequestID: reqID,
			LocalPID:  int64(localPID),
			RemotePID: int64(remotePID),
			Direction: dir.String(),
			Strategy:  seg.Strategy.String(),
			SrcKind:   seg.SrcKind.String(),
			DstKind:   seg.DstKind.String(),
			Bytes:     seg.Bytes,
			FenceCtx:  seg.FenceCtx,
			FenceSeq:  seg.FenceSeq,
			StartTime: end - seg.Duration.Seconds(),
			EndTime:   end,
		})
	}

	copied, err := copier.Run(si, di)

	info := CopyInfo{
		RequestID: reqID,
		LocalPID:  localPID,
		RemotePID: remotePID,
		Direction: dir.String(),
		Bytes:     copied,
		Segments:  segments,
		Started:   started,
		Duration:  time.Since(started),
	}
	if err != nil {
		info.Error = err.Error()
	}
	d.appendCopy(info)

	d.log.WithFields(logrus.Fields{
		"request":  reqID,
		"local":    localPID,
		"remote":   remotePID,
		"dir":      dir.String(),
		"bytes":    copied,
		"segments": segments,
	}).Info("cross-memory copy finished")
	return copied, err
}

func (d *Driver) appendCopy(info CopyInfo) {
	d.copyMu.Lock()
	defer d.copyMu.Unlock()
	d.copies = append(d.copies, info)
	if len(d.copies) > copyHistoryCap {
		d.copies = d.copies[len(d.copies)-copyHistoryCap:]
	}
}

// CopyReport returns the recent cross-memory copy requests, oldest
// first.
func (d *Driver) CopyReport() []CopyInfo {
	d.copyMu.Lock()
	defer d.copyMu.Unlock()
	out := make([]CopyInfo, len(d.copies))
	copy(out, d.copies)
	return out
}
