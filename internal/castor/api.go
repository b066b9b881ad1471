package castor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

// Study is a study visible to the authenticated client.
type Study struct {
	ID   string `json:"study_id"`
	Name string `json:"name"`
}

// Studies lists the studies the client can access.
func (c *Client) Studies(ctx context.Context) ([]Study, error) {
	var studies []Study
	err := c.paginate(ctx, "/study", "study", func(raw json.RawMessage) error {
		var batch []Study
		if err := json.Unmarshal(raw, &batch); err != nil {
			return cerrors.NewSourceError(cerrors.CodeMalformedFeed, "castor: invalid study list", err)
		}
		studies = append(studies, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return studies, nil
}

// StudyByName returns the study with exactly this name.
func (c *Client) StudyByName(ctx context.Context, name string) (*Study, error) {
	studies, err := c.Studies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range studies {
		if studies[i].Name == name {
			return &studies[i], nil
		}
	}
	return nil, cerrors.NewSourceError(cerrors.CodeStudyNotFound, fmt.Sprintf("castor: no study named %q", name), nil).
		WithDetails(map[string]interface{}{"study": name, "available": len(studies)})
}

// StudyByID fetches a single study.
func (c *Client) StudyByID(ctx context.Context, id string) (*Study, error) {
	var s Study
	if err := c.getJSON(ctx, "/study/"+url.PathEscape(id), nil, &s); err != nil {
		if cerrors.GetCode(err) == cerrors.CodeBadStatus {
			return nil, cerrors.NewSourceError(cerrors.CodeStudyNotFound, fmt.Sprintf("castor: study %s not found", id), err)
		}
		return nil, err
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, nil
}

// ResolveStudy looks a study up by id when one is given, otherwise by name.
func (c *Client) ResolveStudy(ctx context.Context, id, name string) (*Study, error) {
	if id != "" {
		return c.StudyByID(ctx, id)
	}
	if name == "" {
		return nil, cerrors.NewConfigError("castor: a study id or name is required")
	}
	return c.StudyByName(ctx, name)
}

type apiRecord struct {
	ID       string `json:"id"`
	RecordID string `json:"record_id"`
	Archived bool   `json:"archived"`
}

// Records returns the non-archived records of a study in API order.
func (c *Client) Records(ctx context.Context, studyID string) ([]types.Record, error) {
	var records []types.Record
	path := fmt.Sprintf("/study/%s/record", url.PathEscape(studyID))
	err := c.paginate(ctx, path, "records", func(raw json.RawMessage) error {
		var batch []apiRecord
		if err := json.Unmarshal(raw, &batch); err != nil {
			return cerrors.NewSourceError(cerrors.CodeMalformedFeed, "castor: invalid record page", err)
		}
		for _, r := range batch {
			id := r.ID
			if id == "" {
				id = r.RecordID
			}
			rec := types.Record{ID: id, Archived: r.Archived}
			if rec.IsArchived() {
				if c.verbose {
					c.logger.Printf("castor: skipping archived record %s", id)
				}
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type apiField struct {
	ID           string          `json:"id"`
	FieldID      string          `json:"field_id"`
	VariableName string          `json:"field_variable_name"`
	Type         string          `json:"field_type"`
	OptionGroup  json.RawMessage `json:"option_group"`
}

// optionGroupID accepts the option group as an id string, an embedded
// object with an id, or null.
func (f apiField) optionGroupID() string {
	raw := strings.TrimSpace(string(f.OptionGroup))
	if raw == "" || raw == "null" {
		return ""
	}
	var id string
	if json.Unmarshal(f.OptionGroup, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(f.OptionGroup, &obj) == nil {
		return obj.ID
	}
	return ""
}

// Fields returns the field definitions of a study.
func (c *Client) Fields(ctx context.Context, studyID string) ([]types.FieldDefinition, error) {
	var fields []types.FieldDefinition
	path := fmt.Sprintf("/study/%s/field", url.PathEscape(studyID))
	err := c.paginate(ctx, path, "fields", func(raw json.RawMessage) error {
		var batch []apiField
		if err := json.Unmarshal(raw, &batch); err != nil {
			return cerrors.NewSourceError(cerrors.CodeMalformedFeed, "castor: invalid field page", err)
		}
		for _, f := range batch {
			id := f.ID
			if id == "" {
				id = f.FieldID
			}
			fields = append(fields, types.FieldDefinition{
				ID:            id,
				VariableName:  f.VariableName,
				Type:          types.FieldType(f.Type),
				OptionGroupID: f.optionGroupID(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

type apiOptionGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Options []struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	} `json:"options"`
}

// OptionGroups returns the option groups of a study with their options in
// API order.
func (c *Client) OptionGroups(ctx context.Context, studyID string) ([]*types.OptionGroup, error) {
	var groups []*types.OptionGroup
	path := fmt.Sprintf("/study/%s/field-optiongroup", url.PathEscape(studyID))
	err := c.paginate(ctx, path, "fieldOptionGroups", func(raw json.RawMessage) error {
		var batch []apiOptionGroup
		if err := json.Unmarshal(raw, &batch); err != nil {
			return cerrors.NewSourceError(cerrors.CodeMalformedFeed, "castor: invalid option group page", err)
		}
		for _, g := range batch {
			og := &types.OptionGroup{ID: g.ID, Name: g.Name}
			for _, o := range g.Options {
				og.Add(scalarString(o.Value), o.Name)
			}
			groups = append(groups, og)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

type apiDataPoint struct {
	FieldID    string          `json:"field_id"`
	Value      json.RawMessage `json:"value"`
	FieldValue json.RawMessage `json:"field_value"`
}

// RecordData returns the study data points of one record.
func (c *Client) RecordData(ctx context.Context, studyID, recordID string) ([]types.RecordFieldValue, error) {
	path := fmt.Sprintf("/study/%s/participant/%s/data-points/study", url.PathEscape(studyID), url.PathEscape(recordID))
	var resp struct {
		Embedded struct {
			Items []apiDataPoint `json:"items"`
		} `json:"_embedded"`
	}
	if err := c.getJSON(ctx, path, nil, &resp); err != nil {
		return nil, err
	}

	values := make([]types.RecordFieldValue, 0, len(resp.Embedded.Items))
	for _, item := range resp.Embedded.Items {
		raw := item.Value
		if len(raw) == 0 || string(raw) == "null" {
			raw = item.FieldValue
		}
		values = append(values, types.RecordFieldValue{
			RecordID: recordID,
			FieldID:  item.FieldID,
			Value:    scalarString(raw),
		})
	}
	return values, nil
}

// scalarString renders a JSON scalar as the string Castor would export.
func scalarString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	return s
}

// Export feed names.
const (
	FeedStructure    = "structure"
	FeedData         = "data"
	FeedOptionGroups = "optiongroups"
)

// Export downloads one of the bulk export feeds as text.
func (c *Client) Export(ctx context.Context, studyID, feed string) ([]byte, error) {
	switch feed {
	case FeedStructure, FeedData, FeedOptionGroups:
	default:
		return nil, cerrors.NewInternalError(fmt.Sprintf("castor: unknown export feed %q", feed), nil)
	}
	return c.get(ctx, fmt.Sprintf("/study/%s/export/%s", url.PathEscape(studyID), feed), nil)
}
