package castor

import (
	"bytes"
	"context"
	"log"

	"github.com/castorsql/castorsql/pkg/types"
)

// ExportSource loads a study through the three bulk export feeds. This is
// the default retrieval strategy: three requests regardless of study size.
type ExportSource struct {
	Client    *Client
	StudyID   string
	StudyName string
	Logger    *log.Logger
}

// Load fetches and parses the structure, option group and data feeds.
func (s *ExportSource) Load(ctx context.Context) (*types.Study, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}

	meta, err := s.Client.ResolveStudy(ctx, s.StudyID, s.StudyName)
	if err != nil {
		return nil, err
	}
	study := types.NewStudy(meta.ID, meta.Name)

	logger.Printf("castor: getting study structure...")
	body, err := s.Client.Export(ctx, meta.ID, FeedStructure)
	if err != nil {
		return nil, err
	}
	fields, stats, err := ParseStructure(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	study.Fields = fields
	logger.Printf("castor: structure feed: %s, %d fields", stats, len(fields))

	logger.Printf("castor: getting study option groups...")
	body, err = s.Client.Export(ctx, meta.ID, FeedOptionGroups)
	if err != nil {
		return nil, err
	}
	stats, err = ParseOptionGroups(bytes.NewReader(body), study)
	if err != nil {
		return nil, err
	}
	logger.Printf("castor: option group feed: %s, %d groups", stats, len(study.OptionGroups))

	logger.Printf("castor: getting study data...")
	body, err = s.Client.Export(ctx, meta.ID, FeedData)
	if err != nil {
		return nil, err
	}
	stats, err = ParseData(bytes.NewReader(body), study, logger)
	if err != nil {
		return nil, err
	}
	logger.Printf("castor: data feed: %s, %d records (%d archived, %d without header, %d repeated values)",
		stats, len(study.RecordIDs), stats.Archived, stats.Implicit, stats.Repeated)

	return study, nil
}

// APISource loads a study through the paginated record and field endpoints
// and one data-point request per record.
type APISource struct {
	Client    *Client
	StudyID   string
	StudyName string
	Logger    *log.Logger
}

// Load fetches fields, option groups, records and per-record values.
func (s *APISource) Load(ctx context.Context) (*types.Study, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}

	meta, err := s.Client.ResolveStudy(ctx, s.StudyID, s.StudyName)
	if err != nil {
		return nil, err
	}
	study := types.NewStudy(meta.ID, meta.Name)

	fields, err := s.Client.Fields(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	study.Fields = fields
	logger.Printf("castor: %d fields", len(fields))

	groups, err := s.Client.OptionGroups(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		og := study.AddOptionGroup(g.ID, g.Name)
		for _, o := range g.Options {
			og.Add(o.Value, o.Label)
		}
	}
	logger.Printf("castor: %d option groups", len(groups))

	records, err := s.Client.Records(ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		study.AddRecord(r)
	}
	logger.Printf("castor: %d records", len(study.RecordIDs))

	repeated := 0
	for i, id := range study.RecordIDs {
		values, err := s.Client.RecordData(ctx, meta.ID, id)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if _, existed := study.SetValue(v); existed {
				repeated++
			}
		}
		if s.Client.verbose {
			logger.Printf("castor: record %s (%d/%d): %d values", id, i+1, len(study.RecordIDs), len(values))
		}
	}
	if repeated > 0 {
		logger.Printf("castor: %d repeated values replaced", repeated)
	}
	return study, nil
}
