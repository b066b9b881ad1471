// Package materialize writes a field dictionary into a single wide table.
package materialize

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/castorsql/castorsql/internal/dictionary"
	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/internal/schema"
	"github.com/castorsql/castorsql/internal/store"
	"github.com/castorsql/castorsql/pkg/types"
)

const (
	// DefaultTable is the name of the materialized table.
	DefaultTable = "data"

	// DefaultMaxConsecutiveFailures is how many inserts in a row may fail
	// before the store is considered unusable.
	DefaultMaxConsecutiveFailures = 25
)

// Recorder receives per-row outcomes. It is implemented by the run metrics.
type Recorder interface {
	RowWritten()
	InsertFailed()
	CoercionFailed(column string)
}

type nopRecorder struct{}

func (nopRecorder) RowWritten()           {}
func (nopRecorder) InsertFailed()         {}
func (nopRecorder) CoercionFailed(string) {}

// Options configures a Materializer.
type Options struct {
	Table   string
	Logger  *log.Logger
	Metrics Recorder

	// MaxConsecutiveFailures aborts the run after this many failed inserts in
	// a row. Zero uses the default, a negative value disables the limit.
	MaxConsecutiveFailures int
}

// InsertFailure is a row that the store rejected.
type InsertFailure struct {
	Index    int
	RecordID string
	Err      error
}

// CoercionFailure is a cell stored as raw text because it did not parse.
type CoercionFailure struct {
	Index    int
	RecordID string
	Column   string
	Value    string
	Err      error
}

// Result describes one materialization.
type Result struct {
	Table            string
	Columns          []string
	RowsWritten      int
	InsertFailures   []InsertFailure
	CoercionFailures []CoercionFailure

	// Checksum is a digest of the coerced table content in row order. Two
	// runs over the same dictionary produce the same checksum.
	Checksum string
	Duration time.Duration
}

// Materializer writes dictionaries into a store.
type Materializer struct {
	store   *store.Store
	table   string
	logger  *log.Logger
	metrics Recorder
	maxFail int

	// exec runs one prepared insert; replaced in tests.
	exec func(ctx context.Context, stmt *sql.Stmt, args []any) error
}

// New creates a materializer for an open store.
func New(s *store.Store, opts Options) *Materializer {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	return &Materializer{
		store:   s,
		table:   opts.Table,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		maxFail: opts.MaxConsecutiveFailures,
		exec: func(ctx context.Context, stmt *sql.Stmt, args []any) error {
			_, err := stmt.ExecContext(ctx, args...)
			return err
		},
	}
}

// TableSchema derives the table layout: the surrogate key followed by one
// column per dictionary column. Column names must be unique ignoring case,
// including against the surrogate key.
func (m *Materializer) TableSchema(dict *dictionary.Dictionary) (types.TableSchema, error) {
	return m.tableSchema(dict, nil)
}

// tableSchema declares the columns in asText as text regardless of their
// field type.
func (m *Materializer) tableSchema(dict *dictionary.Dictionary, asText map[string]bool) (types.TableSchema, error) {
	d := m.store.Dialect
	if err := schema.ValidateColumnName(m.table, d); err != nil {
		return types.TableSchema{}, err
	}

	ts := types.TableSchema{
		Table:   m.table,
		Columns: []types.ColumnDef{{Name: schema.SurrogateKeyColumn, PrimaryKey: true}},
	}
	seen := map[string]bool{schema.SurrogateKeyColumn: true}
	for _, c := range dict.Columns() {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return types.TableSchema{}, cerrors.NewStructureError(cerrors.CodeDuplicateColumn,
				fmt.Sprintf("materialize: column %q collides with an existing column", c.Name)).
				WithDetails(map[string]interface{}{"column": c.Name})
		}
		seen[key] = true
		if err := schema.ValidateColumnName(c.Name, d); err != nil {
			return types.TableSchema{}, err
		}
		typ := schema.SQLType(c.Type, d)
		if asText[c.Name] {
			typ = d.ColumnType(schema.ClassText)
		}
		ts.Columns = append(ts.Columns, types.ColumnDef{Name: c.Name, Type: typ})
	}
	return ts, nil
}

// Materialize drops and recreates the table and inserts one row per record
// in canonical order. Single-row failures are recorded and skipped;
// structural and store-level failures abort the run.
func (m *Materializer) Materialize(ctx context.Context, dict *dictionary.Dictionary) (*Result, error) {
	start := time.Now()
	db := m.store.DB
	d := m.store.Dialect

	if err := dict.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.TableSchema(dict); err != nil {
		return nil, err
	}
	columns := dict.Columns()
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
	}
	result := &Result{Table: m.table, Columns: names}

	cells, asText := m.coerce(dict, result)
	ts, err := m.tableSchema(dict, asText)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema.DropTableSQL(d, m.table)); err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeDDLFailed, fmt.Sprintf("materialize: failed to drop table %s", m.table), err)
	}
	if _, err := db.ExecContext(ctx, schema.CreateTableSQL(d, ts)); err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeDDLFailed, fmt.Sprintf("materialize: failed to create table %s", m.table), err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable, "materialize: failed to begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, schema.InsertSQL(d, m.table, names))
	if err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable, "materialize: failed to prepare insert statement", err)
	}
	defer stmt.Close()

	hash := newContentHash(names)
	consecutive := 0

	for i, recordID := range dict.RecordIDs() {
		if err := ctx.Err(); err != nil {
			return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable, "materialize: cancelled", err)
		}

		args := make([]any, len(columns))
		for j, c := range columns {
			v := cells[j][i]
			hash.cell(v)
			if asText[c.Name] {
				args[j] = rawOrNull(c.Values[i])
			} else {
				args[j] = d.BindValue(v)
			}
		}
		hash.endRow()

		if err := m.insert(ctx, tx, stmt, args); err != nil {
			if storeLevel(err) {
				return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable,
					fmt.Sprintf("materialize: store failed at row %d (record %s)", i, recordID), err)
			}
			consecutive++
			result.InsertFailures = append(result.InsertFailures, InsertFailure{Index: i, RecordID: recordID, Err: err})
			m.metrics.InsertFailed()
			m.logger.Printf("materialize: failed to insert row %d (record %s): %v", i, recordID, err)
			if m.maxFail > 0 && consecutive >= m.maxFail {
				return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable,
					fmt.Sprintf("materialize: %d consecutive insert failures, table %s is invalid", consecutive, m.table), err)
			}
			continue
		}
		consecutive = 0
		result.RowsWritten++
		m.metrics.RowWritten()
	}

	if err := stmt.Close(); err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable, "materialize: failed to close insert statement", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, cerrors.NewStoreError(cerrors.CodeStoreUnusable, "materialize: failed to commit", err)
	}
	committed = true

	result.Checksum = hash.sum()
	result.Duration = time.Since(start)
	m.logger.Printf("materialize: wrote %d/%d rows, %d columns into %s (%d insert failures, %d coercion failures) in %s",
		result.RowsWritten, dict.Len(), len(names), m.table, len(result.InsertFailures), len(result.CoercionFailures), result.Duration)
	return result, nil
}

// coerce converts every cell once, in column order, and records coercion
// failures. When the dialect cannot keep raw text in a typed column, the
// columns holding a failure are returned for a text declaration; their cells
// are then bound as the raw strings.
func (m *Materializer) coerce(dict *dictionary.Dictionary, result *Result) ([][]any, map[string]bool) {
	recordIDs := dict.RecordIDs()
	columns := dict.Columns()
	rawOK := m.store.Dialect.StoresRawInTypedColumns()
	asText := make(map[string]bool)
	cells := make([][]any, len(columns))

	for j, c := range columns {
		cells[j] = make([]any, len(recordIDs))
		for i, raw := range c.Values {
			v, err := schema.Coerce(c.Name, c.Type, raw)
			cells[j][i] = v
			if err == nil {
				continue
			}
			result.CoercionFailures = append(result.CoercionFailures, CoercionFailure{
				Index: i, RecordID: recordIDs[i], Column: c.Name, Value: raw, Err: err,
			})
			m.metrics.CoercionFailed(c.Name)
			m.logger.Printf("materialize: record %s column %s: storing raw value %q: %v", recordIDs[i], c.Name, raw, err)
			if !rawOK && !asText[c.Name] && schema.ClassFor(c.Type) != schema.ClassText {
				asText[c.Name] = true
				m.logger.Printf("materialize: column %s declared as text, %s rejects unparsed values in %s columns",
					c.Name, m.store.Dialect.Name(), schema.ClassFor(c.Type))
			}
		}
	}
	return cells, asText
}

func rawOrNull(raw string) any {
	if raw == "" {
		return nil
	}
	return raw
}

const savepoint = "castorsql_row"

// insert runs one row. Dialects whose transactions are poisoned by a failed
// statement get a savepoint around every row.
func (m *Materializer) insert(ctx context.Context, tx *sql.Tx, stmt *sql.Stmt, args []any) error {
	if !m.store.Dialect.AbortsTxOnError() {
		return m.exec(ctx, stmt, args)
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return unusable(err)
	}
	if err := m.exec(ctx, stmt, args); err != nil {
		if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rerr != nil {
			return unusable(rerr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return unusable(err)
	}
	return nil
}

func unusable(err error) error {
	return cerrors.NewStoreError(cerrors.CodeStoreUnusable, "materialize: savepoint failed", err)
}

// storeLevel reports whether err means the connection or transaction is gone.
func storeLevel(err error) bool {
	return cerrors.GetCode(err) == cerrors.CodeStoreUnusable ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
