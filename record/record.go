// Package record persists driver events for later analysis. The
// default backend batches rows into a SQLite database; a ClickHouse
// backend serves deployments that aggregate many driver runs.
package record

// Table names the driver records into.
const (
	TableQueueEvents  = "queue_events"
	TableCopySegments = "copy_segments"
)

// A Recorder is a backend that stores driver event rows.
type Recorder interface {
	// CreateTable creates a table shaped like sampleEntry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData appends one entry to a table created before.
	InsertData(tableName string, entry any)

	// ListTables returns the names of all created tables.
	ListTables() []string

	// Flush writes all buffered entries to the backend.
	Flush()
}

// A QueueEventRow is one queue lifecycle operation.
type QueueEventRow struct {
	Op        string
	Device    string
	PASID     uint32
	QueueID   uint64
	Pipe      uint32
	Queue     uint32
	Result    string
	StartTime float64
	EndTime   float64
}

// A CopySegmentRow is one executed segment of a cross-process copy.
type CopySegmentRow struct {
	RequestID string
	LocalPID  int64
	RemotePID int64
	Direction string
	Strategy  string
	SrcKind   string
	DstKind   string
	Bytes     uint64
	FenceCtx  uint64
	FenceSeq  uint64
	StartTime float64
	EndTime   float64
}

// Nop is a Recorder that drops everything. It stands in when recording
// is disabled.
type Nop struct{}

// CreateTable does nothing.
func (Nop) CreateTable(string, any) {}

// InsertData does nothing.
func (Nop) InsertData(string, any) {}

// ListTables returns nothing.
func (Nop) ListTables() []string { return nil }

// Flush does nothing.
func (Nop) Flush() {}
