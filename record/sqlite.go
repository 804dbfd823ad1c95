package record

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// NewSQLite creates a Recorder writing to a SQLite database at path.
// An empty path picks a unique yokote_<id> name. Rows buffer in memory
// and flush in batches and at process exit.
func NewSQLite(path string) Recorder {
	w := &sqliteWriter{
		dbName:    path,
		batchSize: 100000,
		tables:    make(map[string]*table),
	}

	w.init()

	atexit.Register(func() { w.Flush() })

	return w
}

// NewSQLiteWithDB creates a Recorder over an existing database handle.
func NewSQLiteWithDB(db *sql.DB) Recorder {
	w := &sqliteWriter{
		db:        db,
		batchSize: 100000,
		tables:    make(map[string]*table),
	}

	atexit.Register(func() { w.Flush() })

	return w
}

type table struct {
	structType reflect.Type
	entries    []any
}

type sqliteWriter struct {
	db        *sql.DB
	statement *sql.Stmt

	mu         sync.Mutex
	dbName     string
	tables     map[string]*table
	batchSize  int
	entryCount int
}

func (w *sqliteWriter) init() {
	if w.dbName == "" {
		w.dbName = "yokote_" + xid.New().String()
	}

	filename := w.dbName + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	w.db = db
}

func isAllowedType(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func checkStructFields(entry any) error {
	types := reflect.TypeOf(entry)

	for i := 0; i < types.NumField(); i++ {
		field := types.Field(i)

		if !isAllowedType(field.Type.Kind()) {
			return errors.New("entry has a field no column type can hold")
		}
	}

	return nil
}

// CreateTable creates a table whose columns follow sampleEntry's
// fields.
func (w *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	if err := checkStructFields(sampleEntry); err != nil {
		panic(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	names := structs.Names(sampleEntry)
	fields := strings.Join(names, ", \n\t")

	createTableSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + fields + "\n" + `);`
	w.mustExecute(createTableSQL)

	w.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}
}

// InsertData buffers entry for the next flush.
func (w *sqliteWriter) InsertData(tableName string, entry any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, exists := w.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	t.entries = append(t.entries, entry)

	w.entryCount++
	if w.entryCount >= w.batchSize {
		w.flushLocked()
	}
}

// ListTables returns the created table names.
func (w *sqliteWriter) ListTables() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	tables := make([]string, 0, len(w.tables))
	for name := range w.tables {
		tables = append(tables, name)
	}

	return tables
}

// Flush writes the buffered entries in one transaction.
func (w *sqliteWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *sqliteWriter) flushLocked() {
	if w.entryCount == 0 {
		return
	}

	w.mustExecute("BEGIN TRANSACTION")
	defer w.mustExecute("COMMIT TRANSACTION")

	for tableName, t := range w.tables {
		if len(t.entries) == 0 {
			continue
		}
		w.prepareStatement(tableName, t.entries[0])

		for _, entry := range t.entries {
			v := []any{}

			value := reflect.ValueOf(entry)
			for i := 0; i < value.NumField(); i++ {
				v = append(v, value.Field(i).Interface())
			}

			if _, err := w.statement.Exec(v...); err != nil {
				panic(err)
			}
		}

		t.entries = nil

		w.statement.Close()
		w.statement = nil
	}

	w.entryCount = 0
}

func (w *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := w.db.Exec(query)
	if err != nil {
		panic(fmt.Errorf("failed to execute %s: %w", query, err))
	}

	return res
}

func (w *sqliteWriter) prepareStatement(tableName string, entry any) {
	names := structs.Names(entry)
	for i := range names {
		names[i] = "?"
	}

	sqlStr := "INSERT INTO " + tableName +
		" VALUES (" + strings.Join(names, ", ") + ")"

	stmt, err := w.db.Prepare(sqlStr)
	if err != nil {
		panic(err)
	}

	w.statement = stmt
}
