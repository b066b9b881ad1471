package castor

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"

	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/pkg/types"
)

// Column layout of the bulk export feeds. Rows with any other column count
// are discarded.
const (
	structureColumns    = 16
	structureFieldID    = 8
	structureVarName    = 9
	structureFieldType  = 11
	structureOptionGrp  = 15
	dataColumns         = 9
	dataRecordID        = 1
	dataFormType        = 2
	dataFieldID         = 5
	dataValue           = 6
	optionGroupColumns  = 6
	optionGroupID       = 1
	optionGroupName     = 2
	optionGroupOptName  = 4
	optionGroupOptValue = 5
)

// Form types of data feed rows.
const (
	formRecordHeader = ""
	formStudy        = "Study"
)

// FeedStats counts what a feed parser kept and dropped.
type FeedStats struct {
	Rows      int
	Kept      int
	Discarded int
	Archived  int
	Repeated  int
	Implicit  int
}

// maxFeedLine bounds a single feed line; long textarea values fit well below.
const maxFeedLine = 16 * 1024 * 1024

// readFeed iterates the lines of a ';'-delimited feed after its header line,
// passing only lines with exactly want columns. Values are not quoted in the
// feeds, so a stray quote or a bad line only costs that line. Blank lines are
// ignored.
func readFeed(r io.Reader, want int, stats *FeedStats, visit func([]string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFeedLine)

	header := true
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if header {
			header = false
			continue
		}
		if line == "" {
			continue
		}
		stats.Rows++
		rec := strings.Split(line, ";")
		if len(rec) != want {
			stats.Discarded++
			continue
		}
		stats.Kept++
		if err := visit(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return cerrors.NewSourceError(cerrors.CodeMalformedFeed, "castor: unreadable export feed", err)
	}
	return nil
}

// ParseStructure reads the structure feed into field definitions in feed
// order. A field id that appears more than once keeps its first definition.
func ParseStructure(r io.Reader) ([]types.FieldDefinition, FeedStats, error) {
	var (
		stats  FeedStats
		fields []types.FieldDefinition
		seen   = make(map[string]bool)
	)
	err := readFeed(r, structureColumns, &stats, func(rec []string) error {
		id := rec[structureFieldID]
		if id == "" || seen[id] {
			stats.Repeated++
			return nil
		}
		seen[id] = true
		fields = append(fields, types.FieldDefinition{
			ID:            id,
			VariableName:  rec[structureVarName],
			Type:          types.FieldType(rec[structureFieldType]),
			OptionGroupID: rec[structureOptionGrp],
		})
		return nil
	})
	return fields, stats, err
}

// ParseOptionGroups reads the option group feed into the study. Options keep
// feed order.
func ParseOptionGroups(r io.Reader, study *types.Study) (FeedStats, error) {
	var stats FeedStats
	err := readFeed(r, optionGroupColumns, &stats, func(rec []string) error {
		g := study.AddOptionGroup(rec[optionGroupID], rec[optionGroupName])
		g.Add(rec[optionGroupOptValue], rec[optionGroupOptName])
		return nil
	})
	return stats, err
}

// ParseData reads the data feed into the study. Record header rows register
// records in first-seen order; a value for a record without a header row
// registers the record at that point. Archived records are dropped. When a
// (record, field) pair repeats, the last value wins.
func ParseData(r io.Reader, study *types.Study, logger *log.Logger) (FeedStats, error) {
	if logger == nil {
		logger = log.Default()
	}
	var stats FeedStats
	archived := make(map[string]bool)

	register := func(id string) bool {
		if archived[id] {
			return false
		}
		if study.HasRecord(id) {
			return true
		}
		if !study.AddRecord(types.Record{ID: id}) {
			archived[id] = true
			stats.Archived++
			return false
		}
		return true
	}

	err := readFeed(r, dataColumns, &stats, func(rec []string) error {
		recordID := rec[dataRecordID]
		if recordID == "" {
			return nil
		}
		switch rec[dataFormType] {
		case formRecordHeader:
			register(recordID)
		case formStudy:
			if !study.HasRecord(recordID) && !archived[recordID] && !(types.Record{ID: recordID}).IsArchived() {
				stats.Implicit++
			}
			if !register(recordID) {
				return nil
			}
			v := types.RecordFieldValue{RecordID: recordID, FieldID: rec[dataFieldID], Value: rec[dataValue]}
			if prev, existed := study.SetValue(v); existed {
				stats.Repeated++
				logger.Printf("castor: record %s field %s repeated, replacing %q with %q", recordID, v.FieldID, prev, v.Value)
			}
		}
		return nil
	})
	return stats, err
}

func (s FeedStats) String() string {
	return fmt.Sprintf("%d rows, %d kept, %d discarded", s.Rows, s.Kept, s.Discarded)
}
