package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castorsql/castorsql/internal/config"
	"github.com/castorsql/castorsql/internal/dictionary"
	"github.com/castorsql/castorsql/internal/snapshot"
	"github.com/castorsql/castorsql/internal/storage"
	"github.com/castorsql/castorsql/pkg/types"
)

func TestApplyFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, applyFlags(cfg, Flags{
		Study:     "id:ABC-123",
		ExcelFile: "export.xlsx",
		Out:       "out.db",
		Table:     "espresso",
		Timestamp: true,
		Publish:   "s3://castor-exports/nightly/espresso",
		Verbose:   true,
	}))

	assert.Equal(t, "ABC-123", cfg.Castor.StudyID)
	assert.Empty(t, cfg.Castor.StudyName)
	assert.Equal(t, config.SourceExcel, cfg.Castor.Source)
	assert.Equal(t, "export.xlsx", cfg.Castor.ExcelFile)
	assert.Equal(t, "out.db", cfg.Output.DSN)
	assert.Equal(t, "espresso", cfg.Output.Table)
	assert.True(t, cfg.Output.AddTimestamp)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "castor-exports", cfg.Storage.S3.Bucket)
	assert.Equal(t, "nightly/espresso", cfg.Storage.Prefix)
}

func TestApplyFlags_SnapshotAndLocalPublish(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, applyFlags(cfg, Flags{
		Study:        "ESPRESSO",
		FromSnapshot: "castor.db.json.sz",
		Publish:      "/srv/exports",
	}))
	assert.Equal(t, "ESPRESSO", cfg.Castor.StudyName)
	assert.Equal(t, config.SourceSnapshot, cfg.Castor.Source)
	assert.Equal(t, "castor.db.json.sz", cfg.Castor.SnapshotFile)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, "/srv/exports", cfg.Storage.Path)
}

func TestApplyFlags_EmptyLeavesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, applyFlags(cfg, Flags{}))
	assert.Equal(t, config.DefaultConfig(), cfg)

	assert.Error(t, applyFlags(cfg, Flags{Publish: "s3://"}))
}

// isolate points HOME and TMPDIR at empty directories and moves into a
// directory without a .env file. It returns the temp directory.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TMPDIR", tmp)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })
	return tmp
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "download directory left behind")
}

func TestRun_FailedFetchRemovesDownloadDir(t *testing.T) {
	tmp := isolate(t)
	logger := log.New(io.Discard, "", 0)

	code := run(Flags{
		Study:        "Demo",
		FromSnapshot: "run:missing",
		Publish:      t.TempDir(),
		Out:          filepath.Join(t.TempDir(), "castor.db"),
	}, logger)
	assert.Equal(t, 1, code)
	assertEmptyDir(t, tmp)
}

func TestRun_FromPublishedRun(t *testing.T) {
	tmp := isolate(t)
	logger := log.New(io.Discard, "", 0)
	ctx := context.Background()

	dict, err := dictionary.New([]string{"r1", "r2"}, []*dictionary.Column{
		{Name: "weight", FieldID: "f1", FieldName: "weight", Type: types.FieldNumeric, Values: []string{"72.5", ""}},
	})
	require.NoError(t, err)
	snap := filepath.Join(t.TempDir(), "castor.db"+snapshot.Extension)
	_, err = snapshot.Write(snap, dict, &snapshot.Sidecar{RunID: "run-1", StudyName: "Demo"})
	require.NoError(t, err)

	published := t.TempDir()
	ls, err := storage.NewLocalStorage(published)
	require.NoError(t, err)
	_, err = storage.NewPublisher(ls, "", "Demo", logger).Publish(ctx, "run-1", snap)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "copy.db")
	code := run(Flags{Study: "Demo", FromSnapshot: "run:run-1", Publish: published, Out: out}, logger)
	assert.Equal(t, 0, code)
	_, err = os.Stat(out)
	assert.NoError(t, err)
	assertEmptyDir(t, tmp)
}

func TestRun_InvalidFlags(t *testing.T) {
	isolate(t)
	assert.Equal(t, 1, run(Flags{Publish: "s3://"}, log.New(io.Discard, "", 0)))
}
