// Package excel reads a Castor Excel export (the "Field options",
// "Study variable list" and "Study results" sheets) into a study.
package excel

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

// Sheet names of a Castor Excel export.
const (
	SheetOptions   = "Field options"
	SheetVariables = "Study variable list"
	SheetResults   = "Study results"
)

// Column headers used from each sheet.
const (
	colOptionGroup = "Option group name"
	colOptionValue = "Option value"
	colOptionName  = "Option name"
	colVariable    = "Variable name"
	colFieldType   = "Original field type"
	colVarGroup    = "Optiongroup name"
	colRecordID    = "Participant Id"
)

// DefaultSkipColumns are the participant metadata columns of the results
// sheet and the calculated-column suffix.
var DefaultSkipColumns = []string{
	"Participant Id",
	"Participant Status",
	"Site Abbreviation",
	"Participant Creation Date",
	"*_calc",
}

// Source loads a study from an Excel export file.
type Source struct {
	Path   string
	Logger *log.Logger
}

// Load reads the workbook at Path.
func (s *Source) Load(ctx context.Context) (*types.Study, error) {
	f, err := excelize.OpenFile(s.Path)
	if err != nil {
		return nil, cerrors.NewSourceError(cerrors.CodeMalformedFeed, fmt.Sprintf("excel: cannot open %s", s.Path), err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(s.Path), filepath.Ext(s.Path))
	return s.read(ctx, f, name)
}

// Read loads a study from a workbook stream.
func Read(ctx context.Context, r io.Reader, studyName string, logger *log.Logger) (*types.Study, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, cerrors.NewSourceError(cerrors.CodeMalformedFeed, "excel: cannot read workbook", err)
	}
	defer f.Close()
	return (&Source{Logger: logger}).read(ctx, f, studyName)
}

func (s *Source) read(ctx context.Context, f *excelize.File, studyName string) (*types.Study, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	study := types.NewStudy(studyName, studyName)

	options, err := sheet(f, SheetOptions)
	if err != nil {
		return nil, err
	}
	for _, row := range options.rows {
		group := options.get(row, colOptionGroup)
		if group == "" {
			continue
		}
		study.AddOptionGroup(group, group).Add(options.get(row, colOptionValue), options.get(row, colOptionName))
	}

	variables, err := sheet(f, SheetVariables)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	for _, row := range variables.rows {
		name := variables.get(row, colVariable)
		if name == "" || known[name] {
			continue
		}
		known[name] = true
		study.Fields = append(study.Fields, types.FieldDefinition{
			ID:            name,
			VariableName:  name,
			Type:          types.FieldType(variables.get(row, colFieldType)),
			OptionGroupID: variables.get(row, colVarGroup),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results, err := sheet(f, SheetResults)
	if err != nil {
		return nil, err
	}
	unknown := make(map[string]bool)
	for i, row := range results.rows {
		id := results.get(row, colRecordID)
		if id == "" {
			id = fmt.Sprintf("row-%d", i+2)
		}
		if !study.AddRecord(types.Record{ID: id}) {
			continue
		}
		for j, header := range results.header {
			if j >= len(row) || header == "" {
				continue
			}
			if !known[header] {
				unknown[header] = true
				continue
			}
			if v := strings.TrimSpace(row[j]); v != "" {
				study.SetValue(types.RecordFieldValue{RecordID: id, FieldID: header, Value: v})
			}
		}
	}

	logger.Printf("excel: %d fields, %d option groups, %d records", len(study.Fields), len(study.OptionGroups), len(study.RecordIDs))
	if len(unknown) > 0 {
		logger.Printf("excel: %d result columns are not in the variable list", len(unknown))
	}
	return study, nil
}

// table is a sheet with its header row split off.
type table struct {
	header []string
	index  map[string]int
	rows   [][]string
}

func sheet(f *excelize.File, name string) (*table, error) {
	actual := ""
	for _, s := range f.GetSheetList() {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			actual = s
			break
		}
	}
	if actual == "" {
		return nil, cerrors.NewSourceError(cerrors.CodeMalformedFeed, fmt.Sprintf("excel: sheet %q is missing", name), nil)
	}

	rows, err := f.GetRows(actual)
	if err != nil {
		return nil, cerrors.NewSourceError(cerrors.CodeMalformedFeed, fmt.Sprintf("excel: cannot read sheet %q", name), err)
	}
	t := &table{index: make(map[string]int)}
	if len(rows) == 0 {
		return t, nil
	}
	t.header = make([]string, len(rows[0]))
	for i, h := range rows[0] {
		h = strings.TrimSpace(h)
		t.header[i] = h
		if _, dup := t.index[strings.ToLower(h)]; !dup {
			t.index[strings.ToLower(h)] = i
		}
	}
	t.rows = rows[1:]
	return t, nil
}

func (t *table) get(row []string, column string) string {
	i, ok := t.index[strings.ToLower(column)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
