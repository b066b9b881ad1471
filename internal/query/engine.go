// Package query runs ad-hoc SQL against a materialized store and exports the
// results.
package query

import (
	"context"
	"fmt"
	"log"
	"time"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/internal/store"
)

// Result holds the rows of one query. Values are normalized: text comes back
// as string, NULL as nil.
type Result struct {
	Columns []string
	Rows    [][]interface{}
	Stats   ExecutionStats
}

// ExecutionStats contains query execution metrics.
type ExecutionStats struct {
	RowsReturned    int64
	ExecutionTimeMs int64
}

// Engine executes queries against one store. It owns the store and closes it.
type Engine struct {
	store  *store.Store
	logger *log.Logger
}

// Open opens the store and returns an engine over it.
func Open(ctx context.Context, driver, dsn string, logger *log.Logger) (*Engine, error) {
	s, err := store.Open(ctx, driver, dsn, logger)
	if err != nil {
		return nil, err
	}
	return NewEngine(s, logger), nil
}

// NewEngine wraps an already open store.
func NewEngine(s *store.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{store: s, logger: logger}
}

// Execute runs a statement and collects every row it returns.
func (e *Engine) Execute(ctx context.Context, sql string, args ...interface{}) (*Result, error) {
	start := time.Now()

	rows, err := e.store.DB.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeQueryFailed, "query: execution failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeQueryFailed, "query: failed to read columns", err)
	}
	result := &Result{Columns: columns}

	// Scan buffers are reused; each row is copied out.
	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, cerrors.NewStoreError(cerrors.CodeQueryFailed, "query: failed to scan row", err)
		}
		row := make([]interface{}, len(values))
		for i, v := range values {
			row[i] = normalize(v)
			values[i] = nil
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeQueryFailed, "query: row iteration failed", err)
	}

	result.Stats = ExecutionStats{
		RowsReturned:    int64(len(result.Rows)),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	e.logger.Printf("query: %d rows in %dms", result.Stats.RowsReturned, result.Stats.ExecutionTimeMs)
	return result, nil
}

// Tables lists the user tables of the store.
func (e *Engine) Tables(ctx context.Context) ([]string, error) {
	var q string
	switch e.store.Dialect.Name() {
	case "sqlite":
		q = "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	case "postgres":
		q = "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name"
	case "mysql":
		q = "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() ORDER BY table_name"
	default:
		return nil, fmt.Errorf("query: unsupported dialect %s", e.store.Dialect.Name())
	}

	res, err := e.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		tables = append(tables, formatValue(row[0]))
	}
	return tables, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
