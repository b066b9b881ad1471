package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

// SurrogateKeyColumn is the name of the auto-increment primary key.
const SurrogateKeyColumn = "id"

// ClassFor maps a semantic field type to its relational type class.
// Option columns (radio, dropdown) hold 0/1 indicators and are small integers.
// Types outside the fixed table pass through as text.
func ClassFor(t types.FieldType) TypeClass {
	switch t {
	case types.FieldRadio, types.FieldDropdown, types.FieldYear:
		return ClassSmallInt
	case types.FieldNumeric:
		return ClassFloat
	case types.FieldDate:
		return ClassDate
	default:
		return ClassText
	}
}

// SQLType returns the column type for a field type in the given dialect.
func SQLType(t types.FieldType, d Dialect) string {
	return d.ColumnType(ClassFor(t))
}

// Coerce converts a raw value into the native value for its field type.
// Empty strings become nil (NULL). On a parse failure the raw string is
// returned together with a COERCION error so that the caller can store the
// raw text and keep going.
func Coerce(column string, t types.FieldType, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}

	switch ClassFor(t) {
	case ClassSmallInt:
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return raw, coercionError(cerrors.CodeInvalidInteger, column, raw, err)
		}
		return int64(v), nil
	case ClassFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return raw, coercionError(cerrors.CodeInvalidFloat, column, raw, err)
		}
		return v, nil
	case ClassDate:
		v, err := parseDate(strings.TrimSpace(raw))
		if err != nil {
			return raw, coercionError(cerrors.CodeInvalidDate, column, raw, err)
		}
		return v, nil
	default:
		return raw, nil
	}
}

func parseDate(s string) (time.Time, error) {
	v, err := time.Parse(DateLayout, s)
	if err == nil {
		return v, nil
	}
	if short, serr := time.Parse(ShortDateLayout, s); serr == nil {
		return short, nil
	}
	return time.Time{}, err
}

func coercionError(code, column, raw string, cause error) error {
	return cerrors.NewCoercionError(code, fmt.Sprintf("column %s: cannot parse %q", column, raw), cause).
		WithDetails(map[string]interface{}{"column": column, "value": raw})
}

// ValidateColumnName checks that a name can be used as a quoted identifier
// in the dialect. Castor option columns contain '$', which quoting allows.
func ValidateColumnName(name string, d Dialect) error {
	if strings.TrimSpace(name) == "" {
		return cerrors.NewStructureError(cerrors.CodeInvalidColumnName, "empty column name")
	}
	if limit := d.MaxIdentifierLength(); limit > 0 && len(name) > limit {
		return cerrors.NewStructureError(cerrors.CodeInvalidColumnName,
			fmt.Sprintf("column %q exceeds %d characters for %s", name, limit, d.Name()))
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return cerrors.NewStructureError(cerrors.CodeInvalidColumnName,
				fmt.Sprintf("column %q contains a control character", name))
		}
	}
	return nil
}

// DropTableSQL returns the unconditional drop statement.
func DropTableSQL(d Dialect, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(table))
}

// CreateTableSQL renders the CREATE TABLE statement for a table schema.
func CreateTableSQL(d Dialect, ts types.TableSchema) string {
	cols := make([]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		if c.PrimaryKey {
			cols = append(cols, d.SurrogateKey(c.Name))
			continue
		}
		cols = append(cols, fmt.Sprintf("%s %s", d.Quote(c.Name), c.Type))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.Quote(ts.Table), strings.Join(cols, ",\n  "))
}

// InsertSQL renders a parameterized insert for the given columns. With no
// columns it inserts a row of defaults, which only assigns the surrogate key.
func InsertSQL(d Dialect, table string, columns []string) string {
	if len(columns) == 0 {
		if d.Name() == "mysql" {
			return fmt.Sprintf("INSERT INTO %s () VALUES ()", d.Quote(table))
		}
		return fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", d.Quote(table))
	}
	quoted := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.Quote(c)
		params[i] = d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
}
