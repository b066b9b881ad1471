package types

// Study bundles everything fetched for one study in a single run.
// RecordIDs holds the canonical record order; every column built from the
// study is index-aligned to it.
type Study struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Fields       []FieldDefinition       `json:"fields"`
	OptionGroups map[string]*OptionGroup `json:"option_groups"`
	RecordIDs    []string                `json:"record_ids"`

	// Values maps record id -> field id -> raw value.
	Values map[string]map[string]string `json:"values"`
}

// NewStudy creates an empty study.
func NewStudy(id, name string) *Study {
	return &Study{
		ID:           id,
		Name:         name,
		OptionGroups: make(map[string]*OptionGroup),
		Values:       make(map[string]map[string]string),
	}
}

// AddRecord appends a record to the canonical order. Archived records are
// skipped and reported as not added. Repeated ids are appended as-is so that
// the dictionary builder can reject them.
func (s *Study) AddRecord(r Record) bool {
	if r.IsArchived() {
		return false
	}
	s.RecordIDs = append(s.RecordIDs, r.ID)
	if _, ok := s.Values[r.ID]; !ok {
		s.Values[r.ID] = make(map[string]string)
	}
	return true
}

// HasRecord reports whether id is part of the canonical order.
func (s *Study) HasRecord(id string) bool {
	_, ok := s.Values[id]
	return ok
}

// SetValue stores a raw value for a known record. It returns the previous
// value and whether one existed.
func (s *Study) SetValue(v RecordFieldValue) (string, bool) {
	values, ok := s.Values[v.RecordID]
	if !ok {
		values = make(map[string]string)
		s.Values[v.RecordID] = values
	}
	prev, existed := values[v.FieldID]
	values[v.FieldID] = v.Value
	return prev, existed
}

// Value returns the raw value of a field for a record.
func (s *Study) Value(recordID, fieldID string) (string, bool) {
	values, ok := s.Values[recordID]
	if !ok {
		return "", false
	}
	v, ok := values[fieldID]
	return v, ok
}

// AddOptionGroup registers or returns the option group with the given id.
func (s *Study) AddOptionGroup(id, name string) *OptionGroup {
	if g, ok := s.OptionGroups[id]; ok {
		if g.Name == "" {
			g.Name = name
		}
		return g
	}
	g := &OptionGroup{ID: id, Name: name}
	s.OptionGroups[id] = g
	return g
}

// ColumnDef defines a single column of the materialized table.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the dialect-specific SQL type
	Type string `json:"type"`

	// PrimaryKey marks the surrogate key column
	PrimaryKey bool `json:"primary_key"`
}

// TableSchema is the shape of the single wide table.
type TableSchema struct {
	Table   string      `json:"table"`
	Columns []ColumnDef `json:"columns"`
}
