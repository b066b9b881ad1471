// Package snapshot persists a built dictionary next to the database so that a
// table can be re-materialized without contacting Castor.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/castorsql/castorsql/internal/dictionary"
)

// Extension is appended to the database path to form the snapshot path.
const Extension = ".json.sz"

// Sidecar represents the .meta.json file written next to a snapshot.
type Sidecar struct {
	RunID        string `json:"run_id"`
	StudyID      string `json:"study_id"`
	StudyName    string `json:"study_name"`
	Table        string `json:"table"`
	RowCount     int    `json:"row_count"`
	ColumnCount  int    `json:"column_count"`
	Checksum     string `json:"checksum,omitempty"`
	SnapshotFile string `json:"snapshot_file"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    int64  `json:"created_at"`
}

// document is the JSON body of a snapshot.
type document struct {
	RecordIDs []string             `json:"record_ids"`
	Columns   []*dictionary.Column `json:"columns"`
}

// PathFor returns the snapshot path for a database file.
func PathFor(dbPath string) string {
	return dbPath + Extension
}

// MetadataPath returns the sidecar path for a snapshot file.
func MetadataPath(snapshotPath string) string {
	return strings.TrimSuffix(snapshotPath, Extension) + ".meta.json"
}

// Write stores the dictionary as snappy-compressed JSON at path and writes
// the sidecar next to it. It returns the sidecar path.
func Write(path string, dict *dictionary.Dictionary, meta *Sidecar) (string, error) {
	data, err := json.Marshal(document{RecordIDs: dict.RecordIDs(), Columns: dict.Columns()})
	if err != nil {
		return "", fmt.Errorf("snapshot: failed to marshal dictionary: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("snapshot: failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, compressed, 0644); err != nil {
		return "", fmt.Errorf("snapshot: failed to write snapshot file: %w", err)
	}

	if meta == nil {
		meta = &Sidecar{}
	}
	meta.RowCount = dict.Len()
	meta.ColumnCount = len(dict.Columns())
	meta.SnapshotFile = filepath.Base(path)
	meta.SizeBytes = int64(len(compressed))
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().Unix()
	}

	metaPath := MetadataPath(path)
	if err := meta.WriteToFile(metaPath); err != nil {
		return "", err
	}
	return metaPath, nil
}

// Read loads a snapshot and validates the dictionary it holds. The sidecar is
// optional; it is nil when no .meta.json exists next to the snapshot.
func Read(path string) (*dictionary.Dictionary, *Sidecar, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: failed to read snapshot file: %w", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: failed to decompress %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("snapshot: failed to unmarshal dictionary: %w", err)
	}
	dict, err := dictionary.New(doc.RecordIDs, doc.Columns)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %s holds an invalid dictionary: %w", path, err)
	}

	meta, err := ReadSidecar(MetadataPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return dict, nil, nil
		}
		return nil, nil, err
	}
	return dict, meta, nil
}

// WriteToFile writes the sidecar as indented JSON.
func (s *Sidecar) WriteToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("snapshot: failed to write sidecar file: %w", err)
	}
	return nil
}

// ReadSidecar reads a sidecar file. A missing file is reported with an error
// satisfying os.IsNotExist.
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: failed to unmarshal sidecar: %w", err)
	}
	return &s, nil
}

// CreatedAtTime returns the creation time as time.Time.
func (s *Sidecar) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}
