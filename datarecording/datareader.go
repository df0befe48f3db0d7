package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// QueryParams narrows down a query.
type QueryParams struct {
	// Where is a condition without the WHERE keyword, such as "Tick > ?".
	Where string

	// Args fill the placeholders of Where.
	Args []any

	// Limit caps the number of rows returned. 0 means no cap.
	Limit int

	// Offset skips rows. It only applies together with Limit.
	Offset int

	// OrderBy is a sort order without the ORDER BY keywords.
	OrderBy string
}

// DataReader reads back what a DataRecorder stored.
type DataReader interface {
	// MapTable tells the reader which struct a table holds. Only mapped
	// tables can be queried.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns the mapped tables in name order.
	ListTables() []string

	// Query returns pointers to the matching rows and how many rows match
	// without Limit and Offset.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Close closes the reader.
	Close() error
}

type sqliteReader struct {
	*sql.DB

	shared  bool
	typeMap map[string]reflect.Type
}

// NewReader opens a recording file for reading.
func NewReader(dbFilename string) DataReader {
	db, err := sql.Open("sqlite3", dbFilename)
	if err != nil {
		panic(err)
	}

	return &sqliteReader{
		DB:      db,
		typeMap: make(map[string]reflect.Type),
	}
}

// NewReaderWithDB creates a reader on an open database. Closing the reader
// closes db.
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		DB:      db,
		typeMap: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.typeMap[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	tables := make([]string, 0, len(r.typeMap))
	for table := range r.typeMap {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	return tables
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	structType, ok := r.typeMap[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("no mapping found for table: %s", tableName)
	}

	var where string
	if params.Where != "" {
		where = " WHERE " + params.Where
	}

	var total int

	err := r.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+where, params.Args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT " + strings.Join(fieldNames(structType), ", ") +
		" FROM " + tableName + where

	if params.OrderBy != "" {
		query += " ORDER BY " + params.OrderBy
	}

	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	rows, err := r.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := scanRows(rows, structType)
	if err != nil {
		return nil, 0, err
	}

	return results, total, nil
}

// scanRows reads every row into a new struct of structType. The columns
// must be the exported fields of the struct, in order.
func scanRows(rows *sql.Rows, structType reflect.Type) ([]any, error) {
	results := []any{}

	for rows.Next() {
		ptr := reflect.New(structType)
		value := ptr.Elem()
		targets := make([]any, 0, value.NumField())

		for i := 0; i < value.NumField(); i++ {
			if structType.Field(i).IsExported() {
				targets = append(targets, value.Field(i).Addr().Interface())
			}
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, ptr.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	if r.shared {
		return nil
	}

	return r.DB.Close()
}

// EventFilter selects kernel events. Zero fields match everything.
type EventFilter struct {
	FromTick uint64
	ToTick   uint64
	PID      int
	Event    string
	Limit    int
	Offset   int
}

// pidColumns names the column holding the process of each event table.
var pidColumns = map[string]string{
	ProcTable:    "PID",
	MappingTable: "Owner",
}

// Params turns the filter into query parameters for one of the event
// tables. Events come out in the order they happened.
func (f EventFilter) Params(tableName string) (QueryParams, error) {
	var (
		conds []string
		args  []any
	)

	if f.FromTick > 0 {
		conds = append(conds, "Tick >= ?")
		args = append(args, int64(f.FromTick))
	}

	if f.ToTick > 0 {
		conds = append(conds, "Tick <= ?")
		args = append(args, int64(f.ToTick))
	}

	if f.PID > 0 {
		col, ok := pidColumns[tableName]
		if !ok {
			return QueryParams{}, fmt.Errorf(
				"table %s can not be filtered by pid", tableName)
		}

		conds = append(conds, col+" = ?")
		args = append(args, f.PID)
	}

	if f.Event != "" {
		conds = append(conds, "Event = ?")
		args = append(args, f.Event)
	}

	return QueryParams{
		Where:   strings.Join(conds, " AND "),
		Args:    args,
		Limit:   f.Limit,
		Offset:  f.Offset,
		OrderBy: "rowid",
	}, nil
}

// Trace records kernel events as a KernelTracer does and answers queries
// about them while the kernel still runs.
type Trace struct {
	*KernelTracer

	recorder DataRecorder
	reader   DataReader
}

// NewTrace creates the event tables in recorder, which must come from
// NewDataRecorder or NewDataRecorderWithDB, and reads them through the same
// database. Register the trace with Kernel.AcceptHook.
func NewTrace(recorder DataRecorder, clock Clock) *Trace {
	w, ok := recorder.(*sqliteWriter)
	if !ok {
		panic(fmt.Sprintf("trace: recorder %T is not backed by SQLite", recorder))
	}

	reader := &sqliteReader{
		DB:      w.DB,
		shared:  true,
		typeMap: make(map[string]reflect.Type),
	}
	reader.MapTable(ProcTable, ProcEvent{})
	reader.MapTable(MemTable, MemEvent{})
	reader.MapTable(MappingTable, MappingEvent{})

	return &Trace{
		KernelTracer: NewKernelTracer(recorder, clock),
		recorder:     recorder,
		reader:       reader,
	}
}

// Tables lists the event tables.
func (t *Trace) Tables() []string {
	return t.reader.ListTables()
}

// Events flushes what was recorded so far and returns the events of a table
// that pass the filter, along with how many pass it in total.
func (t *Trace) Events(
	ctx context.Context,
	tableName string,
	filter EventFilter,
) ([]any, int, error) {
	params, err := filter.Params(tableName)
	if err != nil {
		return nil, 0, err
	}

	t.recorder.Flush()

	return t.reader.Query(ctx, tableName, params)
}

// Close closes the recorder and with it the database.
func (t *Trace) Close() error {
	return t.recorder.Close()
}
