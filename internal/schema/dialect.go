// Package schema maps Castor field types to relational column types and
// coerces raw string values into typed values for the target store.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// TypeClass is the dialect-independent relational type of a column.
type TypeClass int

const (
	ClassText TypeClass = iota
	ClassSmallInt
	ClassFloat
	ClassDate
)

func (c TypeClass) String() string {
	switch c {
	case ClassSmallInt:
		return "smallint"
	case ClassFloat:
		return "float"
	case ClassDate:
		return "date"
	default:
		return "text"
	}
}

// Dialect spells DDL and bind values for one relational store.
type Dialect interface {
	// Name is the short dialect name used in configuration.
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// Quote quotes an identifier.
	Quote(ident string) string
	// Placeholder returns the bind placeholder for the i-th (1-based) argument.
	Placeholder(i int) string
	// ColumnType spells a type class.
	ColumnType(c TypeClass) string
	// SurrogateKey returns the column definition of the auto-increment key.
	SurrogateKey(name string) string
	// MaxIdentifierLength is the longest identifier the store accepts (0 = no limit).
	MaxIdentifierLength() int
	// BindValue converts a coerced value into what the driver should receive.
	BindValue(v any) any
	// AbortsTxOnError reports whether a failed statement poisons the
	// enclosing transaction, requiring a savepoint per row.
	AbortsTxOnError() bool
	// StoresRawInTypedColumns reports whether a typed column accepts a text
	// value that failed coercion. When false, such columns are declared text.
	StoresRawInTypedColumns() bool
}

// DateLayout is the Castor day-month-year date format. ShortDateLayout
// accepts days and months without a leading zero.
const (
	DateLayout      = "02-01-2006"
	ShortDateLayout = "2-1-2006"
)

const isoDate = "2006-01-02"

// SQLite is the default dialect; it matches the mattn/go-sqlite3 driver.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }
func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
func (SQLite) Placeholder(int) string { return "?" }
func (SQLite) ColumnType(c TypeClass) string {
	switch c {
	case ClassSmallInt:
		return "TINYINT"
	case ClassFloat:
		return "FLOAT"
	case ClassDate:
		return "DATE"
	default:
		return "TEXT"
	}
}
func (d SQLite) SurrogateKey(name string) string {
	return d.Quote(name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}
func (SQLite) MaxIdentifierLength() int { return 0 }
func (SQLite) AbortsTxOnError() bool    { return false }

// StoresRawInTypedColumns is true: sqlite column types are only affinities.
func (SQLite) StoresRawInTypedColumns() bool { return true }

// BindValue stores dates as ISO text so they sort and compare in SQL.
func (SQLite) BindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(isoDate)
	}
	return v
}

// Postgres targets the pgx stdlib driver.
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }
func (Postgres) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
func (Postgres) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }
func (Postgres) ColumnType(c TypeClass) string {
	switch c {
	case ClassSmallInt:
		return "smallint"
	case ClassFloat:
		return "double precision"
	case ClassDate:
		return "date"
	default:
		return "text"
	}
}
func (d Postgres) SurrogateKey(name string) string {
	return d.Quote(name) + " bigint generated always as identity primary key"
}
func (Postgres) MaxIdentifierLength() int { return 63 }
func (Postgres) BindValue(v any) any     { return v }
func (Postgres) AbortsTxOnError() bool   { return true }
func (Postgres) StoresRawInTypedColumns() bool { return false }

// MySQL targets the go-sql-driver/mysql driver.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }
func (MySQL) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
func (MySQL) Placeholder(int) string { return "?" }
func (MySQL) ColumnType(c TypeClass) string {
	switch c {
	case ClassSmallInt:
		return "SMALLINT"
	case ClassFloat:
		return "DOUBLE"
	case ClassDate:
		return "DATE"
	default:
		return "TEXT"
	}
}
func (d MySQL) SurrogateKey(name string) string {
	return d.Quote(name) + " BIGINT AUTO_INCREMENT PRIMARY KEY"
}
func (MySQL) MaxIdentifierLength() int { return 64 }
func (MySQL) AbortsTxOnError() bool    { return false }

// StoresRawInTypedColumns is false: strict mode, the default since 5.7,
// rejects text in numeric and date columns.
func (MySQL) StoresRawInTypedColumns() bool { return false }
func (MySQL) BindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(isoDate)
	}
	return v
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql":
		return MySQL{}, nil
	default:
		return nil, fmt.Errorf("schema: unknown dialect %q (must be sqlite, postgres or mysql)", name)
	}
}
