package dictionary

import (
	"fmt"
	"log"
	"strings"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

// UnknownOptionPolicy decides what happens when a raw value of an option
// field is not one of its group's option values.
type UnknownOptionPolicy string

const (
	// UnknownOptionReport logs the value and leaves every option column at "0".
	UnknownOptionReport UnknownOptionPolicy = "report"
	// UnknownOptionFail aborts the build with a structure error.
	UnknownOptionFail UnknownOptionPolicy = "fail"
)

// DefaultSeparator joins a variable name and an option value.
const DefaultSeparator = "$"

// Policy configures column naming and option handling.
type Policy struct {
	// Separator joins variable name and option value in option column names.
	Separator string `json:"separator" yaml:"separator"`

	// OneHot expands option fields into one indicator column per option.
	// When false an option field yields a single column with the raw value.
	OneHot bool `json:"one_hot" yaml:"one_hot"`

	// SkipTypes lists field types that never become columns.
	SkipTypes []types.FieldType `json:"skip_types" yaml:"skip_types"`

	// SkipColumns lists variable names that never become columns. An entry
	// starting with '*' matches by suffix ("*_calc").
	SkipColumns []string `json:"skip_columns" yaml:"skip_columns"`

	// UnknownOption handles raw values missing from the option group.
	UnknownOption UnknownOptionPolicy `json:"unknown_option" yaml:"unknown_option"`
}

// DefaultPolicy returns the naming used by Castor-derived tables: one-hot
// "name$value" columns, calculation and remark fields skipped.
func DefaultPolicy() Policy {
	return Policy{
		Separator:     DefaultSeparator,
		OneHot:        true,
		SkipTypes:     []types.FieldType{types.FieldCalculation, types.FieldRemark},
		UnknownOption: UnknownOptionReport,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.OneHot && p.Separator == "" {
		return cerrors.NewConfigError("dictionary: separator must not be empty when one_hot is enabled")
	}
	switch p.UnknownOption {
	case "", UnknownOptionReport, UnknownOptionFail:
	default:
		return cerrors.NewConfigError(fmt.Sprintf("dictionary: invalid unknown_option %q (must be report or fail)", p.UnknownOption))
	}
	return nil
}

func (p Policy) skips(t types.FieldType) bool {
	for _, s := range p.SkipTypes {
		if strings.EqualFold(string(s), string(t)) {
			return true
		}
	}
	return false
}

func (p Policy) skipsColumn(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range p.SkipColumns {
		s = strings.ToLower(s)
		if strings.HasPrefix(s, "*") {
			if strings.HasSuffix(lower, s[1:]) {
				return true
			}
			continue
		}
		if lower == s {
			return true
		}
	}
	return false
}

// ColumnName returns the column name for an option of a field.
func (p Policy) ColumnName(variable, optionValue string) string {
	return variable + p.Separator + optionValue
}

// Stats summarizes a build.
type Stats struct {
	Fields         int
	SkippedFields  int
	Records        int
	Columns        int
	OptionColumns  int
	UnknownOptions int
}

// Builder turns a study into a Dictionary.
type Builder struct {
	policy Policy
	logger *log.Logger
	stats  Stats
}

// NewBuilder creates a builder. A nil logger uses log.Default().
func NewBuilder(policy Policy, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	if policy.UnknownOption == "" {
		policy.UnknownOption = UnknownOptionReport
	}
	return &Builder{policy: policy, logger: logger}
}

// Stats returns the statistics of the last build.
func (b *Builder) Stats() Stats {
	return b.stats
}

// plan is the resolved column layout of one field.
type plan struct {
	field   types.FieldDefinition
	group   *types.OptionGroup
	columns []*Column
}

// Build flattens the study. Structural problems (unresolved option groups,
// duplicate records or column names, misaligned columns) abort the build.
func (b *Builder) Build(study *types.Study) (*Dictionary, error) {
	if err := b.policy.Validate(); err != nil {
		return nil, err
	}
	b.stats = Stats{Records: len(study.RecordIDs)}

	if err := checkRecordIDs(study.RecordIDs); err != nil {
		return nil, err
	}

	plans, err := b.declare(study)
	if err != nil {
		return nil, err
	}

	var columns []*Column
	for _, p := range plans {
		columns = append(columns, p.columns...)
	}

	for _, recordID := range study.RecordIDs {
		for _, p := range plans {
			raw, ok := study.Value(recordID, p.field.ID)
			if err := b.fill(p, recordID, raw, ok); err != nil {
				return nil, err
			}
		}
	}

	dict, err := New(study.RecordIDs, columns)
	if err != nil {
		return nil, err
	}

	b.stats.Columns = len(columns)
	b.logger.Printf("dictionary: %d fields (%d skipped), %d records, %d columns (%d option columns)",
		b.stats.Fields, b.stats.SkippedFields, b.stats.Records, b.stats.Columns, b.stats.OptionColumns)
	if b.stats.UnknownOptions > 0 {
		b.logger.Printf("dictionary: %d values were not found in their option group", b.stats.UnknownOptions)
	}
	return dict, nil
}

// declare resolves the columns of every field in field order.
func (b *Builder) declare(study *types.Study) ([]*plan, error) {
	var plans []*plan
	n := len(study.RecordIDs)

	for _, f := range study.Fields {
		if f.Type.IsDerived() || b.policy.skips(f.Type) || b.policy.skipsColumn(f.VariableName) {
			b.stats.SkippedFields++
			continue
		}
		b.stats.Fields++

		p := &plan{field: f}
		if !f.HasOptionGroup() {
			p.columns = []*Column{newColumn(f.VariableName, f, nil, n)}
			plans = append(plans, p)
			continue
		}

		group, ok := study.OptionGroups[f.OptionGroupID]
		if !ok {
			return nil, cerrors.NewStructureError(cerrors.CodeUnresolvedOptionGroup,
				fmt.Sprintf("field %q references option group %q which is not defined", f.VariableName, f.OptionGroupID)).
				WithDetails(map[string]interface{}{"field": f.VariableName, "option_group": f.OptionGroupID})
		}
		p.group = group

		if !b.policy.OneHot {
			p.columns = []*Column{newColumn(f.VariableName, f, nil, n)}
			plans = append(plans, p)
			continue
		}

		for i := range group.Options {
			opt := group.Options[i]
			p.columns = append(p.columns, newColumn(b.policy.ColumnName(f.VariableName, opt.Value), f, &opt, n))
		}
		b.stats.OptionColumns += len(p.columns)
		plans = append(plans, p)
	}
	return plans, nil
}

func newColumn(name string, f types.FieldDefinition, opt *types.Option, records int) *Column {
	return &Column{
		Name:      name,
		FieldID:   f.ID,
		FieldName: f.VariableName,
		Type:      f.Type,
		Option:    opt,
		Values:    make([]string, 0, records),
	}
}

// fill appends one record's value to every column of a field. An empty raw
// value counts as no response.
func (b *Builder) fill(p *plan, recordID, raw string, present bool) error {
	if present && raw == "" {
		present = false
	}

	if p.group == nil || !b.policy.OneHot {
		if p.group != nil && present && !p.group.Has(raw) {
			if err := b.unknownOption(p, recordID, raw); err != nil {
				return err
			}
		}
		v := Absent
		if present {
			v = raw
		}
		p.columns[0].Values = append(p.columns[0].Values, v)
		return nil
	}

	if !present {
		for _, c := range p.columns {
			c.Values = append(c.Values, Absent)
		}
		return nil
	}

	if !p.group.Has(raw) {
		if err := b.unknownOption(p, recordID, raw); err != nil {
			return err
		}
	}
	for _, c := range p.columns {
		if c.Option.Value == raw {
			c.Values = append(c.Values, Match)
		} else {
			c.Values = append(c.Values, NoMatch)
		}
	}
	return nil
}

func (b *Builder) unknownOption(p *plan, recordID, raw string) error {
	b.stats.UnknownOptions++
	if b.policy.UnknownOption == UnknownOptionFail {
		return cerrors.NewStructureError(cerrors.CodeUnknownOption,
			fmt.Sprintf("record %s: value %q of field %q is not in option group %q", recordID, raw, p.field.VariableName, p.group.ID)).
			WithDetails(map[string]interface{}{"record": recordID, "field": p.field.VariableName, "value": raw})
	}
	b.logger.Printf("dictionary: record %s: value %q of field %q is not in option group %q",
		recordID, raw, p.field.VariableName, p.group.ID)
	return nil
}

func checkRecordIDs(ids []string) error {
	seen := make(map[string]int, len(ids))
	for i, id := range ids {
		if first, ok := seen[id]; ok {
			return cerrors.NewStructureError(cerrors.CodeDuplicateRecord,
				fmt.Sprintf("record %q appears at positions %d and %d", id, first, i)).
				WithDetails(map[string]interface{}{"record": id})
		}
		seen[id] = i
	}
	return nil
}
