// Package types provides the core data types shared by castorsql components.
package types

import "strings"

// FieldType is the semantic type Castor assigns to a field.
type FieldType string

const (
	FieldText        FieldType = "string"
	FieldLongText    FieldType = "textarea"
	FieldRadio       FieldType = "radio"
	FieldDropdown    FieldType = "dropdown"
	FieldNumeric     FieldType = "numeric"
	FieldDate        FieldType = "date"
	FieldYear        FieldType = "year"
	FieldCalculation FieldType = "calculation"
	FieldRemark      FieldType = "remark"
)

// ArchivedPrefix marks archived record identifiers in Castor exports.
const ArchivedPrefix = "ARCHIVED"

// IsOptionType reports whether values of this type are option values.
func (t FieldType) IsOptionType() bool {
	return t == FieldRadio || t == FieldDropdown
}

// IsDerived reports whether the type holds no collected data (calculation, remark).
func (t FieldType) IsDerived() bool {
	return t == FieldCalculation || t == FieldRemark
}

// FieldDefinition identifies a single study field.
type FieldDefinition struct {
	ID            string    `json:"id"`
	VariableName  string    `json:"variable_name"`
	Type          FieldType `json:"type"`
	OptionGroupID string    `json:"option_group_id,omitempty"`
}

// HasOptionGroup reports whether the field references an option group.
func (f FieldDefinition) HasOptionGroup() bool {
	return strings.TrimSpace(f.OptionGroupID) != ""
}

// Option is a single (value, label) pair of an option group.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// OptionGroup is an ordered set of options. Option order follows the source feed.
type OptionGroup struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Options []Option `json:"options"`
}

// Add appends an option, replacing the label of an existing value.
func (g *OptionGroup) Add(value, label string) {
	for i := range g.Options {
		if g.Options[i].Value == value {
			g.Options[i].Label = label
			return
		}
	}
	g.Options = append(g.Options, Option{Value: value, Label: label})
}

// Has reports whether value is one of the group's option values.
func (g *OptionGroup) Has(value string) bool {
	for _, o := range g.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// Record is a participant record header.
type Record struct {
	ID       string `json:"id"`
	Archived bool   `json:"archived"`
}

// IsArchived reports whether the record is excluded from processing.
func (r Record) IsArchived() bool {
	return r.Archived || strings.HasPrefix(r.ID, ArchivedPrefix)
}

// RecordFieldValue is a raw study value of one field for one record.
type RecordFieldValue struct {
	RecordID string `json:"record_id"`
	FieldID  string `json:"field_id"`
	Value    string `json:"value"`
}
