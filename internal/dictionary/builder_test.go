package dictionary

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// statusStudy has one radio field "status" with options 1 and 2 and three
// records: r1 answered 1, r2 did not answer, r3 answered 2.
func statusStudy() *types.Study {
	s := types.NewStudy("S1", "demo")
	g := s.AddOptionGroup("og1", "Status")
	g.Add("1", "Active")
	g.Add("2", "Inactive")
	s.Fields = []types.FieldDefinition{
		{ID: "f1", VariableName: "status", Type: types.FieldRadio, OptionGroupID: "og1"},
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		s.AddRecord(types.Record{ID: id})
	}
	s.SetValue(types.RecordFieldValue{RecordID: "r1", FieldID: "f1", Value: "1"})
	s.SetValue(types.RecordFieldValue{RecordID: "r3", FieldID: "f1", Value: "2"})
	return s
}

func TestBuild_StatusScenario(t *testing.T) {
	dict, err := NewBuilder(DefaultPolicy(), quietLogger()).Build(statusStudy())
	require.NoError(t, err)

	require.Len(t, dict.Columns(), 2)
	assert.Equal(t, "status$1", dict.Columns()[0].Name)
	assert.Equal(t, "status$2", dict.Columns()[1].Name)
	assert.Equal(t, []string{"1", "", "0"}, dict.Columns()[0].Values)
	assert.Equal(t, []string{"0", "", "1"}, dict.Columns()[1].Values)
	assert.Equal(t, 3, dict.Len())
	assert.Empty(t, dict.OneHotViolations())
}

func TestBuild_DirectAndDerivedFields(t *testing.T) {
	s := types.NewStudy("S1", "demo")
	s.Fields = []types.FieldDefinition{
		{ID: "f1", VariableName: "age", Type: types.FieldNumeric},
		{ID: "f2", VariableName: "bmi", Type: types.FieldCalculation},
		{ID: "f3", VariableName: "note", Type: types.FieldRemark},
		{ID: "f4", VariableName: "name", Type: types.FieldText},
	}
	s.AddRecord(types.Record{ID: "r1"})
	s.AddRecord(types.Record{ID: "r2"})
	s.SetValue(types.RecordFieldValue{RecordID: "r1", FieldID: "f1", Value: "42"})
	s.SetValue(types.RecordFieldValue{RecordID: "r1", FieldID: "f2", Value: "21.5"})
	s.SetValue(types.RecordFieldValue{RecordID: "r2", FieldID: "f4", Value: "Ann"})

	b := NewBuilder(DefaultPolicy(), quietLogger())
	dict, err := b.Build(s)
	require.NoError(t, err)

	require.Len(t, dict.Columns(), 2)
	age, ok := dict.Column("AGE")
	require.True(t, ok)
	assert.Equal(t, []string{"42", ""}, age.Values)
	name, _ := dict.Column("name")
	assert.Equal(t, []string{"", "Ann"}, name.Values)

	_, ok = dict.Column("bmi")
	assert.False(t, ok)
	assert.Equal(t, 2, b.Stats().SkippedFields)
}

func TestBuild_ZeroRecords(t *testing.T) {
	s := statusStudy()
	s.RecordIDs = nil

	dict, err := NewBuilder(DefaultPolicy(), quietLogger()).Build(s)
	require.NoError(t, err)
	assert.Equal(t, 0, dict.Len())
	require.Len(t, dict.Columns(), 2)
	for _, c := range dict.Columns() {
		assert.Empty(t, c.Values)
	}
}

func TestBuild_UnresolvedOptionGroup(t *testing.T) {
	s := statusStudy()
	s.Fields = append(s.Fields, types.FieldDefinition{
		ID: "f2", VariableName: "sex", Type: types.FieldRadio, OptionGroupID: "missing",
	})

	_, err := NewBuilder(DefaultPolicy(), quietLogger()).Build(s)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeUnresolvedOptionGroup, cerrors.GetCode(err))
	assert.Contains(t, err.Error(), "sex")
	assert.Contains(t, err.Error(), "missing")
	assert.True(t, cerrors.IsFatal(err))
}

func TestBuild_DuplicateRecord(t *testing.T) {
	s := statusStudy()
	s.AddRecord(types.Record{ID: "r2"})

	_, err := NewBuilder(DefaultPolicy(), quietLogger()).Build(s)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeDuplicateRecord, cerrors.GetCode(err))
}

func TestBuild_DuplicateColumn(t *testing.T) {
	s := statusStudy()
	s.Fields = append(s.Fields, types.FieldDefinition{ID: "f9", VariableName: "STATUS$1", Type: types.FieldText})

	_, err := NewBuilder(DefaultPolicy(), quietLogger()).Build(s)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeDuplicateColumn, cerrors.GetCode(err))
}

func TestBuild_UnknownOption(t *testing.T) {
	s := statusStudy()
	s.SetValue(types.RecordFieldValue{RecordID: "r2", FieldID: "f1", Value: "7"})

	var buf bytes.Buffer
	b := NewBuilder(DefaultPolicy(), log.New(&buf, "", 0))
	dict, err := b.Build(s)
	require.NoError(t, err)

	c1, _ := dict.Column("status$1")
	c2, _ := dict.Column("status$2")
	assert.Equal(t, "0", c1.Values[1])
	assert.Equal(t, "0", c2.Values[1])
	assert.Equal(t, 1, b.Stats().UnknownOptions)
	assert.Contains(t, buf.String(), `"7"`)

	policy := DefaultPolicy()
	policy.UnknownOption = UnknownOptionFail
	_, err = NewBuilder(policy, quietLogger()).Build(s)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeUnknownOption, cerrors.GetCode(err))
}

func TestBuild_EmptyValueIsAbsent(t *testing.T) {
	s := statusStudy()
	s.SetValue(types.RecordFieldValue{RecordID: "r2", FieldID: "f1", Value: ""})

	dict, err := NewBuilder(DefaultPolicy(), quietLogger()).Build(s)
	require.NoError(t, err)
	c1, _ := dict.Column("status$1")
	assert.Equal(t, "", c1.Values[1])
}

func TestBuild_RawOptionValues(t *testing.T) {
	policy := DefaultPolicy()
	policy.OneHot = false

	dict, err := NewBuilder(policy, quietLogger()).Build(statusStudy())
	require.NoError(t, err)
	require.Len(t, dict.Columns(), 1)
	c := dict.Columns()[0]
	assert.Equal(t, "status", c.Name)
	assert.Equal(t, []string{"1", "", "2"}, c.Values)
	assert.False(t, c.IsOption())
}

func TestBuild_CustomSeparatorAndSkipColumns(t *testing.T) {
	s := statusStudy()
	s.Fields = append(s.Fields,
		types.FieldDefinition{ID: "f2", VariableName: "score_calc", Type: types.FieldNumeric},
		types.FieldDefinition{ID: "f3", VariableName: "Site Abbreviation", Type: types.FieldText},
	)

	policy := DefaultPolicy()
	policy.Separator = "_"
	policy.SkipColumns = []string{"*_calc", "site abbreviation"}

	dict, err := NewBuilder(policy, quietLogger()).Build(s)
	require.NoError(t, err)

	var names []string
	for _, c := range dict.Columns() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"status_1", "status_2"}, names)
}

func TestPolicy_Validate(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	p.Separator = ""
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.UnknownOption = "ignore"
	err := p.Validate()
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCategoryConfig, cerrors.GetCategory(err))
}

func TestDictionary_LengthMismatch(t *testing.T) {
	cols := []*Column{
		{Name: "a", Values: []string{"x", "y"}},
		{Name: "b", Values: []string{"x"}},
	}
	_, err := New([]string{"r1", "r2"}, cols)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeLengthMismatch, cerrors.GetCode(err))

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, "b", verrs[0].Column)
}

func TestDictionary_OneHotViolation(t *testing.T) {
	one := &types.Option{Value: "1"}
	two := &types.Option{Value: "2"}
	cols := []*Column{
		{Name: "s$1", FieldID: "f", FieldName: "s", Option: one, Values: []string{"1", ""}},
		{Name: "s$2", FieldID: "f", FieldName: "s", Option: two, Values: []string{"1", "0"}},
	}
	_, err := New([]string{"r1", "r2"}, cols)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeOneHotViolation, cerrors.GetCode(err))

	d := &Dictionary{columns: cols, recordIDs: []string{"r1", "r2"}}
	assert.Len(t, d.OneHotViolations(), 2)
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Row: -1, Column: "a", Message: "bad"},
		{Row: 3, Column: "b", Message: "worse"},
	}
	msg := errs.Error()
	assert.Contains(t, msg, "2 validation errors")
	assert.Contains(t, msg, `column "a": bad`)
	assert.Contains(t, msg, `row 3, column "b": worse`)
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
}

func ExampleBuilder_Build() {
	s := types.NewStudy("S1", "demo")
	g := s.AddOptionGroup("og1", "Yes/No")
	g.Add("0", "No")
	g.Add("1", "Yes")
	s.Fields = []types.FieldDefinition{{ID: "f1", VariableName: "smoker", Type: types.FieldRadio, OptionGroupID: "og1"}}
	s.AddRecord(types.Record{ID: "110001"})
	s.SetValue(types.RecordFieldValue{RecordID: "110001", FieldID: "f1", Value: "1"})

	dict, _ := NewBuilder(DefaultPolicy(), log.New(io.Discard, "", 0)).Build(s)
	for _, c := range dict.Columns() {
		fmt.Println(c.Name, c.Values)
	}
	// Output:
	// smoker$0 [0]
	// smoker$1 [1]
}
