package record

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/tebeka/atexit"
)

type chTableType int

const (
	chTableQueueEvents chTableType = iota
	chTableCopySegments
)

// ClickHouseRecorder batches rows into ClickHouse. It avoids
// reflection with a type-specific batch per table shape.
type ClickHouseRecorder struct {
	conn      clickhouse.Conn
	mu        sync.Mutex
	batchSize int

	queueEventBatch  []QueueEventRow
	copySegmentBatch []CopySegmentRow

	tables     map[string]chTableType
	entryCount int
}

// NewClickHouse connects a recorder to a ClickHouse server.
func NewClickHouse(host string, port int, database, username,
	password string, batchSize int) Recorder {
	if batchSize == 0 {
		batchSize = 100000
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		panic(fmt.Errorf("failed to connect to ClickHouse: %w", err))
	}

	if err := conn.Ping(context.Background()); err != nil {
		panic(fmt.Errorf("failed to ping ClickHouse: %w", err))
	}

	r := &ClickHouseRecorder{
		conn:      conn,
		batchSize: batchSize,
		tables:    make(map[string]chTableType),
	}

	atexit.Register(func() { r.Flush() })

	return r
}

// CreateTable creates a MergeTree table for one of the driver row
// shapes. Unknown shapes panic; the recorder is not generic.
func (r *ClickHouseRecorder) CreateTable(tableName string, sampleEntry any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var createSQL string
	var tType chTableType

	switch sampleEntry.(type) {
	case QueueEventRow:
		tType = chTableQueueEvents
		createSQL = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				Op String,
				Device String,
				PASID UInt32,
				QueueID UInt64,
				Pipe UInt32,
				Queue UInt32,
				Result String,
				StartTime Float64,
				EndTime Float64
			) ENGINE = MergeTree()
			ORDER BY (Device, StartTime)
		`, tableName)

	case CopySegmentRow:
		tType = chTableCopySegments
		createSQL = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				RequestID String,
				LocalPID Int64,
				RemotePID Int64,
				Direction String,
				Strategy String,
				SrcKind String,
				DstKind String,
				Bytes UInt64,
				FenceCtx UInt64,
				FenceSeq UInt64,
				StartTime Float64,
				EndTime Float64
			) ENGINE = MergeTree()
			ORDER BY (RequestID, StartTime)
		`, tableName)

	default:
		panic(fmt.Sprintf("no ClickHouse schema for %T", sampleEntry))
	}

	if err := r.conn.Exec(context.Background(), createSQL); err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	r.tables[tableName] = tType
}

// InsertData buffers entry into the table's batch.
func (r *ClickHouseRecorder) InsertData(tableName string, entry any) {
	r.mu.Lock()

	tType, exists := r.tables[tableName]
	if !exists {
		r.mu.Unlock()
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	switch tType {
	case chTableQueueEvents:
		e, ok := entry.(QueueEventRow)
		if !ok {
			r.mu.Unlock()
			panic(fmt.Sprintf("invalid entry type for queue events: %T", entry))
		}
		r.queueEventBatch = append(r.queueEventBatch, e)

	case chTableCopySegments:
		e, ok := entry.(CopySegmentRow)
		if !ok {
			r.mu.Unlock()
			panic(fmt.Sprintf("invalid entry type for copy segments: %T", entry))
		}
		r.copySegmentBatch = append(r.copySegmentBatch, e)
	}

	r.entryCount++
	shouldFlush := r.entryCount >= r.batchSize
	r.mu.Unlock()

	if shouldFlush {
		r.Flush()
	}
}

// ListTables returns the created table names.
func (r *ClickHouseRecorder) ListTables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tables := make([]string, 0, len(r.tables))
	for name := range r.tables {
		tables = append(tables, name)
	}

	return tables
}

// Flush sends the buffered batches.
func (r *ClickHouseRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entryCount == 0 {
		return
	}

	ctx := context.Background()

	for tableName, tType := range r.tables {
		switch tType {
		case chTableQueueEvents:
			if len(r.queueEventBatch) > 0 {
				r.flushQueueEvents(ctx, tableName)
			}
		case chTableCopySegments:
			if len(r.copySegmentBatch) > 0 {
				r.flushCopySegments(ctx, tableName)
			}
		}
	}

	r.entryCount = 0
}

func (r *ClickHouseRecorder) flushQueueEvents(
	ctx context.Context, tableName string) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, e := range r.queueEventBatch {
		err = batch.Append(
			e.Op,
			e.Device,
			e.PASID,
			e.QueueID,
			e.Pipe,
			e.Queue,
			e.Result,
			e.StartTime,
			e.EndTime,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.queueEventBatch = r.queueEventBatch[:0]
}

func (r *ClickHouseRecorder) flushCopySegments(
	ctx context.Context, tableName string) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, e := range r.copySegmentBatch {
		err = batch.Append(
			e.RequestID,
			e.LocalPID,
			e.RemotePID,
			e.Direction,
			e.Strategy,
			e.SrcKind,
			e.DstKind,
			e.Bytes,
			e.FenceCtx,
			e.FenceSeq,
			e.StartTime,
			e.EndTime,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.copySegmentBatch = r.copySegmentBatch[:0]
}

// Close flushes and closes the connection.
func (r *ClickHouseRecorder) Close() error {
	r.Flush()
	return r.conn.Close()
}
