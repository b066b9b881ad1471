package query

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// DefaultSeparator is the field separator of exported CSV files.
const DefaultSeparator = ';'

// WriteCSV writes a header row followed by every result row. NULL is written
// as an empty field. A zero separator uses DefaultSeparator.
func (r *Result) WriteCSV(w io.Writer, sep rune) error {
	if sep == 0 {
		sep = DefaultSeparator
	}
	cw := csv.NewWriter(w)
	cw.Comma = sep

	if err := cw.Write(r.Columns); err != nil {
		return fmt.Errorf("query: failed to write csv header: %w", err)
	}
	record := make([]string, len(r.Columns))
	for _, row := range r.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = formatValue(row[i])
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("query: failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
