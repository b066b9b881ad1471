// Package app runs one castorsql export: load a study, build its field
// dictionary, materialize it, then snapshot, publish and report.
package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/castorsql/castorsql/internal/castor"
	"github.com/castorsql/castorsql/internal/config"
	"github.com/castorsql/castorsql/internal/dictionary"
	"github.com/castorsql/castorsql/internal/excel"
	"github.com/castorsql/castorsql/internal/materialize"
	"github.com/castorsql/castorsql/internal/observability"
	"github.com/castorsql/castorsql/internal/schema"
	"github.com/castorsql/castorsql/internal/snapshot"
	"github.com/castorsql/castorsql/internal/storage"
	"github.com/castorsql/castorsql/internal/store"
	"github.com/castorsql/castorsql/pkg/types"
)

// Source loads a study.
type Source interface {
	Load(ctx context.Context) (*types.Study, error)
}

// Summary describes a finished run.
type Summary struct {
	RunID     string
	StudyID   string
	StudyName string

	// Output is the database file for sqlite, the driver name otherwise.
	Output string
	Table  string

	Records          int
	Columns          int
	RowsWritten      int
	InsertFailures   int
	CoercionFailures int
	Checksum         string

	Snapshot  string
	Published []string
	Duration  time.Duration
}

// App runs exports for one configuration.
type App struct {
	cfg    *config.Config
	logger *log.Logger
	source Source
	now    func() time.Time
}

// Option customizes an App.
type Option func(*App)

// WithSource replaces the source selected by the configuration.
func WithSource(s Source) Option {
	return func(a *App) { a.source = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New resolves and validates cfg.
func New(cfg *config.Config, logger *log.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg.Resolve()
	a := &App{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	validate := cfg.Validate
	if a.source != nil {
		// The castor section is unused with an injected source.
		validate = cfg.ValidateOutput
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return a, nil
}

// Run performs one export. The store is closed on every path; metrics are
// pushed, when configured, whether or not the run succeeded.
func (a *App) Run(ctx context.Context) (*Summary, error) {
	start := a.now()
	sum := &Summary{RunID: uuid.New().String(), Table: a.cfg.Output.Table}
	metrics := observability.NewRunMetrics()

	err := a.run(ctx, start, sum, metrics)
	sum.Duration = a.now().Sub(start)
	metrics.Finish(sum.Duration, err == nil, a.now())
	a.pushMetrics(ctx, metrics, sum.StudyName)
	return sum, err
}

func (a *App) run(ctx context.Context, start time.Time, sum *Summary, metrics *observability.RunMetrics) error {
	dict, err := a.dictionary(ctx, sum)
	if err != nil {
		return err
	}
	sum.Records = dict.Len()
	sum.Columns = len(dict.Columns())
	metrics.SetShape(sum.Records, sum.Columns)

	dsn, err := a.outputDSN(start)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, a.cfg.Output.Driver, dsn, a.logger)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			st.Close()
		}
	}()

	m := materialize.New(st, materialize.Options{
		Table:                  a.cfg.Output.Table,
		Logger:                 a.logger,
		Metrics:                metrics,
		MaxConsecutiveFailures: a.cfg.Output.MaxConsecutiveFailures,
	})
	res, err := m.Materialize(ctx, dict)
	if err != nil {
		return err
	}
	sum.RowsWritten = res.RowsWritten
	sum.InsertFailures = len(res.InsertFailures)
	sum.CoercionFailures = len(res.CoercionFailures)
	sum.Checksum = res.Checksum

	dbPath, isFile := st.Path()
	sum.Output = a.cfg.Output.Driver
	if isFile {
		sum.Output = dbPath
	}
	closed = true
	if err := st.Close(); err != nil {
		a.logger.Printf("app: failed to close store: %v", err)
	}

	var artifacts []string
	if isFile {
		artifacts = append(artifacts, dbPath)
	}
	if a.cfg.Output.Snapshot && isFile {
		snapPath := snapshot.PathFor(dbPath)
		metaPath, err := snapshot.Write(snapPath, dict, &snapshot.Sidecar{
			RunID:     sum.RunID,
			StudyID:   sum.StudyID,
			StudyName: sum.StudyName,
			Table:     a.cfg.Output.Table,
			Checksum:  res.Checksum,
			CreatedAt: start.Unix(),
		})
		if err != nil {
			return err
		}
		sum.Snapshot = snapPath
		artifacts = append(artifacts, snapPath, metaPath)
		a.logger.Printf("app: dictionary snapshot written to %s", snapPath)
	}

	return a.publish(ctx, sum, artifacts)
}

// dictionary loads the study from the configured source and builds its
// dictionary, or reads a snapshot.
func (a *App) dictionary(ctx context.Context, sum *Summary) (*dictionary.Dictionary, error) {
	if a.cfg.Castor.Source == config.SourceSnapshot {
		dict, meta, err := snapshot.Read(a.cfg.Castor.SnapshotFile)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			sum.StudyID, sum.StudyName = meta.StudyID, meta.StudyName
			a.logger.Printf("app: re-materializing snapshot of run %s (%s)", meta.RunID, meta.CreatedAtTime().Format(time.RFC3339))
		}
		return dict, nil
	}

	src, err := a.studySource(ctx)
	if err != nil {
		return nil, err
	}
	study, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	sum.StudyID, sum.StudyName = study.ID, study.Name

	policy := a.cfg.Dictionary
	if a.cfg.Castor.Source == config.SourceExcel && len(policy.SkipColumns) == 0 {
		policy.SkipColumns = excel.DefaultSkipColumns
	}
	return dictionary.NewBuilder(policy, a.logger).Build(study)
}

func (a *App) studySource(ctx context.Context) (Source, error) {
	if a.source != nil {
		return a.source, nil
	}
	c := a.cfg.Castor
	if c.Source == config.SourceExcel {
		return &excel.Source{Path: c.ExcelFile, Logger: a.logger}, nil
	}

	client, err := castor.NewClient(ctx, castor.Config{
		BaseURL:      c.BaseURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		PageSize:     c.PageSize,
		Timeout:      c.Timeout,
		MaxRetries:   c.MaxRetries,
		Verbose:      a.cfg.Verbose,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if c.Source == config.SourceAPI {
		return &castor.APISource{Client: client, StudyID: c.StudyID, StudyName: c.StudyName, Logger: a.logger}, nil
	}
	return &castor.ExportSource{Client: client, StudyID: c.StudyID, StudyName: c.StudyName, Logger: a.logger}, nil
}

// outputDSN applies the run timestamp to a sqlite file name when configured.
func (a *App) outputDSN(start time.Time) (string, error) {
	dsn := a.cfg.Output.DSN
	if !a.cfg.Output.AddTimestamp {
		return dsn, nil
	}
	d, err := schema.DialectFor(a.cfg.Output.Driver)
	if err != nil {
		return "", err
	}
	path, ok := store.SQLitePath(d, dsn)
	if !ok {
		a.logger.Printf("app: add_timestamp only applies to sqlite files, ignoring it")
		return dsn, nil
	}
	return strings.Replace(dsn, path, store.TimestampedPath(path, start), 1), nil
}

func (a *App) publish(ctx context.Context, sum *Summary, artifacts []string) error {
	sc := a.cfg.Storage
	if sc.Type == storage.TypeNone {
		return nil
	}
	if len(artifacts) == 0 {
		a.logger.Printf("app: nothing to publish for driver %s", a.cfg.Output.Driver)
		return nil
	}
	objects, err := openStorage(ctx, sc)
	if err != nil {
		return err
	}
	study := sum.StudyName
	if study == "" {
		study = strings.TrimSuffix(filepath.Base(sum.Output), filepath.Ext(sum.Output))
	}
	published, err := storage.NewPublisher(objects, sc.Prefix, study, a.logger).Publish(ctx, sum.RunID, artifacts...)
	if err != nil {
		return err
	}
	sum.Published = published
	return nil
}

func openStorage(ctx context.Context, sc config.StorageConfig) (storage.ObjectStorage, error) {
	return storage.Open(ctx, storage.Options{
		Type:         sc.Type,
		Path:         sc.Path,
		Bucket:       sc.S3.Bucket,
		Region:       sc.S3.Region,
		Endpoint:     sc.S3.Endpoint,
		UsePathStyle: sc.S3.UsePathStyle,
	})
}

// FetchSnapshot downloads the artifacts of a published run into dir and
// returns the path of its dictionary snapshot.
func FetchSnapshot(ctx context.Context, cfg *config.Config, study, runID, dir string, logger *log.Logger) (string, error) {
	objects, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return "", err
	}
	if objects == nil {
		return "", fmt.Errorf("app: fetching run %s requires a storage configuration", runID)
	}
	files, err := storage.NewPublisher(objects, cfg.Storage.Prefix, study, logger).Fetch(ctx, runID, dir)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		if strings.HasSuffix(f, snapshot.Extension) {
			return f, nil
		}
	}
	return "", fmt.Errorf("app: run %s has no dictionary snapshot", runID)
}

func (a *App) pushMetrics(ctx context.Context, metrics *observability.RunMetrics, study string) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	if err := metrics.Push(ctx, url, a.cfg.Metrics.Job, study); err != nil {
		a.logger.Printf("app: %v", err)
	}
}

// FormatDuration renders d as "H hours, M minutes, S seconds".
func FormatDuration(d time.Duration) string {
	secs := int64(math.Floor(d.Seconds()))
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d hours, %d minutes, %d seconds", secs/3600, secs%3600/60, secs%60)
}
