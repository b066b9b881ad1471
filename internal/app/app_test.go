package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castorsql/castorsql/internal/config"
	"github.com/castorsql/castorsql/internal/query"
	"github.com/castorsql/castorsql/internal/snapshot"
	"github.com/castorsql/castorsql/pkg/types"
)

type studySource struct {
	study *types.Study
	err   error
}

func (s *studySource) Load(ctx context.Context) (*types.Study, error) {
	return s.study, s.err
}

func statusStudy() *types.Study {
	s := types.NewStudy("S1", "ESPRESSO")
	s.Fields = []types.FieldDefinition{
		{ID: "f1", VariableName: "status", Type: types.FieldRadio, OptionGroupID: "g1"},
		{ID: "f2", VariableName: "weight", Type: types.FieldNumeric},
	}
	g := s.AddOptionGroup("g1", "status")
	g.Add("1", "Alive")
	g.Add("2", "Dead")
	for _, id := range []string{"r1", "r2", "r3"} {
		s.AddRecord(types.Record{ID: id})
	}
	s.SetValue(types.RecordFieldValue{RecordID: "r1", FieldID: "f1", Value: "1"})
	s.SetValue(types.RecordFieldValue{RecordID: "r3", FieldID: "f1", Value: "2"})
	s.SetValue(types.RecordFieldValue{RecordID: "r1", FieldID: "f2", Value: "72.5"})
	s.SetValue(types.RecordFieldValue{RecordID: "r3", FieldID: "f2", Value: "abc"})
	return s
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Output.DSN = filepath.Join(t.TempDir(), "out", "castor.db")
	return cfg
}

func TestRun_WritesTableAndSnapshot(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, quietLogger(), WithSource(&studySource{study: statusStudy()}))
	require.NoError(t, err)

	sum, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, "ESPRESSO", sum.StudyName)
	assert.Equal(t, cfg.Output.DSN, sum.Output)
	assert.Equal(t, 3, sum.Records)
	assert.Equal(t, 3, sum.Columns)
	assert.Equal(t, 3, sum.RowsWritten)
	assert.Equal(t, 1, sum.CoercionFailures)
	assert.NotEmpty(t, sum.Checksum)
	assert.Equal(t, cfg.Output.DSN+".json.sz", sum.Snapshot)

	engine, err := query.Open(context.Background(), "sqlite", cfg.Output.DSN, quietLogger())
	require.NoError(t, err)
	defer engine.Close()
	res, err := engine.Execute(context.Background(), `SELECT "status$1", "status$2" FROM data ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, []interface{}{int64(1), int64(0)}, res.Rows[0])
	assert.Equal(t, []interface{}{nil, nil}, res.Rows[1])
	assert.Equal(t, []interface{}{int64(0), int64(1)}, res.Rows[2])

	_, meta, err := snapshot.Read(sum.Snapshot)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, sum.RunID, meta.RunID)
	assert.Equal(t, sum.Checksum, meta.Checksum)
	assert.Equal(t, "S1", meta.StudyID)
}

func TestRun_FromSnapshotReproducesTable(t *testing.T) {
	first := testConfig(t)
	a, err := New(first, quietLogger(), WithSource(&studySource{study: statusStudy()}))
	require.NoError(t, err)
	orig, err := a.Run(context.Background())
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Castor.Source = config.SourceSnapshot
	cfg.Castor.SnapshotFile = orig.Snapshot
	cfg.Output.Snapshot = false
	a, err = New(cfg, quietLogger())
	require.NoError(t, err)

	sum, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orig.Checksum, sum.Checksum)
	assert.Equal(t, "ESPRESSO", sum.StudyName)
	assert.Empty(t, sum.Snapshot)
}

func TestRun_PublishesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "local"
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.Prefix = "exports"

	a, err := New(cfg, quietLogger(), WithSource(&studySource{study: statusStudy()}))
	require.NoError(t, err)
	sum, err := a.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sum.Published, 3)
	assert.Equal(t, "exports/ESPRESSO/"+sum.RunID+"/castor.db", sum.Published[0])
	for _, o := range sum.Published {
		_, err := os.Stat(filepath.Join(cfg.Storage.Path, filepath.FromSlash(o)))
		assert.NoError(t, err, o)
	}
}

func TestRun_Timestamp(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.AddTimestamp = true
	cfg.Output.Snapshot = false
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local)

	a, err := New(cfg, quietLogger(),
		WithSource(&studySource{study: statusStudy()}),
		WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	sum, err := a.Run(context.Background())
	require.NoError(t, err)

	want := filepath.Join(filepath.Dir(cfg.Output.DSN), "castor-20260101120000.db")
	assert.Equal(t, want, sum.Output)
	_, err = os.Stat(want)
	assert.NoError(t, err)
}

func TestRun_SourceFailurePushesMetrics(t *testing.T) {
	var pushes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pushes, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Metrics.PushgatewayURL = srv.URL
	boom := errors.New("boom")
	a, err := New(cfg, quietLogger(), WithSource(&studySource{err: boom}))
	require.NoError(t, err)

	_, err = a.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pushes))

	_, err = os.Stat(cfg.Output.DSN)
	assert.True(t, os.IsNotExist(err), "no database is created when loading fails")
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(cfg, quietLogger())
	assert.Error(t, err, "export source without credentials")

	cfg = config.DefaultConfig()
	cfg.Output.Driver = "oracle"
	_, err = New(cfg, quietLogger(), WithSource(&studySource{}))
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0 hours, 0 minutes, 0 seconds", FormatDuration(0))
	assert.Equal(t, "1 hours, 2 minutes, 3 seconds", FormatDuration(time.Hour+2*time.Minute+3500*time.Millisecond))
	assert.Equal(t, "26 hours, 0 minutes, 59 seconds", FormatDuration(26*time.Hour+59*time.Second))
	assert.Equal(t, "0 hours, 0 minutes, 0 seconds", FormatDuration(-time.Second))
}

func TestFetchSnapshot_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "local"
	cfg.Storage.Path = t.TempDir()

	a, err := New(cfg, quietLogger(), WithSource(&studySource{study: statusStudy()}))
	require.NoError(t, err)
	sum, err := a.Run(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := FetchSnapshot(context.Background(), cfg, "ESPRESSO", sum.RunID, dir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "castor.db.json.sz"), path)

	dict, meta, err := snapshot.Read(path)
	require.NoError(t, err)
	assert.Equal(t, 3, dict.Len())
	assert.Equal(t, sum.RunID, meta.RunID)

	_, err = FetchSnapshot(context.Background(), cfg, "ESPRESSO", "unknown-run", dir, quietLogger())
	assert.Error(t, err)

	cfg.Storage.Type = "none"
	_, err = FetchSnapshot(context.Background(), cfg, "ESPRESSO", sum.RunID, dir, quietLogger())
	assert.Error(t, err)
}
