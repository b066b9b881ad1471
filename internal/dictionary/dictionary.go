// Package dictionary flattens a study into an ordered set of index-aligned
// columns, one per direct field and one per option of every option field.
package dictionary

import (
	"fmt"
	"strings"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

// Indicator values of option columns.
const (
	Match   = "1"
	NoMatch = "0"
	Absent  = ""
)

// Column is one column of the flattened study.
type Column struct {
	Name      string          `json:"name"`
	FieldID   string          `json:"field_id"`
	FieldName string          `json:"field_name"`
	Type      types.FieldType `json:"type"`

	// Option is set for one-hot option columns.
	Option *types.Option `json:"option,omitempty"`

	// Values holds one raw value per record, in canonical record order.
	Values []string `json:"values"`
}

// IsOption reports whether the column is a one-hot option indicator.
func (c *Column) IsOption() bool {
	return c.Option != nil
}

// Dictionary is the ordered, typed column set of one study.
type Dictionary struct {
	columns   []*Column
	index     map[string]int
	recordIDs []string
}

// New assembles a dictionary from prebuilt columns and validates it.
func New(recordIDs []string, columns []*Column) (*Dictionary, error) {
	d := &Dictionary{
		recordIDs: append([]string(nil), recordIDs...),
		index:     make(map[string]int, len(columns)),
	}
	for _, c := range columns {
		if err := d.add(c); err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dictionary) add(c *Column) error {
	key := strings.ToLower(c.Name)
	if _, exists := d.index[key]; exists {
		return cerrors.NewStructureError(cerrors.CodeDuplicateColumn,
			fmt.Sprintf("column %q is produced more than once", c.Name)).
			WithDetails(map[string]interface{}{"column": c.Name, "field": c.FieldName})
	}
	d.index[key] = len(d.columns)
	d.columns = append(d.columns, c)
	return nil
}

// Columns returns the columns in declaration order.
func (d *Dictionary) Columns() []*Column {
	return d.columns
}

// Column looks up a column by name (case-insensitive, as SQL identifiers are).
func (d *Dictionary) Column(name string) (*Column, bool) {
	i, ok := d.index[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return d.columns[i], true
}

// Len returns the number of records.
func (d *Dictionary) Len() int {
	return len(d.recordIDs)
}

// RecordIDs returns the canonical record order.
func (d *Dictionary) RecordIDs() []string {
	return d.recordIDs
}

// Validate checks that every column holds exactly one value per record and
// that option columns are one-hot per field and record.
func (d *Dictionary) Validate() error {
	var errs ValidationErrors
	want := len(d.recordIDs)
	for _, c := range d.columns {
		if len(c.Values) != want {
			errs = append(errs, &ValidationError{
				Row:     -1,
				Column:  c.Name,
				Message: fmt.Sprintf("has %d values, expected %d", len(c.Values), want),
			})
		}
	}
	if len(errs) > 0 {
		return cerrors.Wrap(cerrors.ErrCategoryStructure, cerrors.CodeLengthMismatch,
			"column lengths differ from record count", errs).
			WithDetails(map[string]interface{}{"records": want, "mismatched": len(errs)})
	}

	if v := d.OneHotViolations(); len(v) > 0 {
		return cerrors.Wrap(cerrors.ErrCategoryStructure, cerrors.CodeOneHotViolation,
			"option columns are not one-hot", v)
	}
	return nil
}

// OneHotViolations returns, per option field and record, every case where
// the field's option columns hold more than one "1" or mix empty and
// non-empty indicators.
func (d *Dictionary) OneHotViolations() ValidationErrors {
	groups := make(map[string][]*Column)
	var order []string
	for _, c := range d.columns {
		if !c.IsOption() {
			continue
		}
		if _, ok := groups[c.FieldID]; !ok {
			order = append(order, c.FieldID)
		}
		groups[c.FieldID] = append(groups[c.FieldID], c)
	}

	var errs ValidationErrors
	for _, fieldID := range order {
		cols := groups[fieldID]
		for row := 0; row < len(d.recordIDs); row++ {
			ones, empties := 0, 0
			for _, c := range cols {
				if row >= len(c.Values) {
					continue
				}
				switch c.Values[row] {
				case Match:
					ones++
				case Absent:
					empties++
				}
			}
			if ones > 1 || (empties > 0 && empties != len(cols)) {
				errs = append(errs, &ValidationError{
					Row:     row,
					Column:  cols[0].FieldName,
					Message: fmt.Sprintf("%d matches and %d empty indicators across %d options", ones, empties, len(cols)),
				})
			}
		}
	}
	return errs
}

// ValidationError describes one structural problem. Row is -1 for
// column-level problems.
type ValidationError struct {
	Row     int
	Column  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("column %q: %s", e.Column, e.Message)
	}
	return fmt.Sprintf("row %d, column %q: %s", e.Row, e.Column, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}
