// Package main implements the castorsql binary.
// It exports one Castor EDC study into a relational table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/castorsql/castorsql/internal/app"
	"github.com/castorsql/castorsql/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Flags holds the command line flags. Empty values leave the configuration
// untouched.
type Flags struct {
	ConfigFile   string
	Study        string
	Source       string
	ExcelFile    string
	Out          string
	Driver       string
	Table        string
	Timestamp    bool
	FromSnapshot string
	Publish      string
	Verbose      bool
}

func main() {
	var f Flags
	var showVersion bool

	flag.StringVar(&f.ConfigFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.Study, "study", "", "Study name, or id when prefixed with id:")
	flag.StringVar(&f.Source, "source", "", "Study source: export, api or excel")
	flag.StringVar(&f.ExcelFile, "excel", "", "Castor Excel export to read (implies -source excel)")
	flag.StringVar(&f.Out, "out", "", "Output DSN; a file path for sqlite")
	flag.StringVar(&f.Driver, "driver", "", "Output driver: sqlite, postgres or mysql")
	flag.StringVar(&f.Table, "table", "", "Output table name")
	flag.BoolVar(&f.Timestamp, "timestamp", false, "Append the run time to the sqlite file name")
	flag.StringVar(&f.FromSnapshot, "from-snapshot", "", "Re-materialize a dictionary snapshot file, or a published run given as run:<id>")
	flag.StringVar(&f.Publish, "publish", "", "Publish run artifacts to s3://bucket/prefix or a local directory")
	flag.BoolVar(&f.Verbose, "v", false, "Verbose logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "castorsql - export a Castor EDC study into a SQL table\n\n")
		fmt.Fprintf(os.Stderr, "Usage: castorsql [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  castorsql -study ESPRESSO -out castor.db\n")
		fmt.Fprintf(os.Stderr, "  castorsql -excel export.xlsx -driver postgres -out postgres://localhost/castor\n")
		fmt.Fprintf(os.Stderr, "  castorsql -from-snapshot castor.db.json.sz -out castor-copy.db\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  CASTORSQL_CLIENT_ID       Castor API client id\n")
		fmt.Fprintf(os.Stderr, "  CASTORSQL_CLIENT_SECRET   Castor API client secret\n")
		fmt.Fprintf(os.Stderr, "  CASTORSQL_STUDY           Study name\n")
		fmt.Fprintf(os.Stderr, "  CASTORSQL_OUTPUT_DSN      Output DSN\n")
		fmt.Fprintf(os.Stderr, "  CASTORSQL_PUSHGATEWAY_URL Prometheus Pushgateway\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("castorsql version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	os.Exit(run(f, logger))
}

// run executes one export and returns the process exit code. Deferred
// cleanup runs before the caller exits.
func run(f Flags, logger *log.Logger) int {
	cfg, err := config.Load(f.ConfigFile, ".env")
	if err != nil {
		logger.Printf("Failed to load configuration: %v", err)
		return 1
	}
	if err := applyFlags(cfg, f); err != nil {
		logger.Printf("Invalid flags: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runID, ok := strings.CutPrefix(f.FromSnapshot, "run:"); ok {
		dir, err := os.MkdirTemp("", "castorsql-run-")
		if err != nil {
			logger.Printf("Failed to create download directory: %v", err)
			return 1
		}
		defer os.RemoveAll(dir)
		path, err := app.FetchSnapshot(ctx, cfg, cfg.Castor.StudyName, runID, dir, logger)
		if err != nil {
			logger.Printf("Failed to fetch run %s: %v", runID, err)
			return 1
		}
		cfg.Castor.SnapshotFile = path
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Printf("Failed to create application: %v", err)
		return 1
	}

	sum, err := a.Run(ctx)
	if err != nil {
		logger.Printf("Run %s failed after %s: %v", sum.RunID, app.FormatDuration(sum.Duration), err)
		return 1
	}
	printSummary(logger, sum)
	return 0
}

// applyFlags overrides configuration values with the flags that were set.
func applyFlags(cfg *config.Config, f Flags) error {
	if f.Study != "" {
		if id, ok := strings.CutPrefix(f.Study, "id:"); ok {
			cfg.Castor.StudyID = id
		} else {
			cfg.Castor.StudyName = f.Study
		}
	}
	if f.Source != "" {
		cfg.Castor.Source = config.SourceMode(f.Source)
	}
	if f.ExcelFile != "" {
		cfg.Castor.Source = config.SourceExcel
		cfg.Castor.ExcelFile = f.ExcelFile
	}
	if f.FromSnapshot != "" {
		cfg.Castor.Source = config.SourceSnapshot
		cfg.Castor.SnapshotFile = f.FromSnapshot
	}
	if f.Out != "" {
		cfg.Output.DSN = f.Out
	}
	if f.Driver != "" {
		cfg.Output.Driver = f.Driver
	}
	if f.Table != "" {
		cfg.Output.Table = f.Table
	}
	if f.Timestamp {
		cfg.Output.AddTimestamp = true
	}
	if f.Verbose {
		cfg.Verbose = true
	}
	if f.Publish != "" {
		if rest, ok := strings.CutPrefix(f.Publish, "s3://"); ok {
			bucket, prefix, _ := strings.Cut(rest, "/")
			if bucket == "" {
				return fmt.Errorf("-publish %q has no bucket", f.Publish)
			}
			cfg.Storage.Type = "s3"
			cfg.Storage.S3.Bucket = bucket
			cfg.Storage.Prefix = prefix
		} else {
			cfg.Storage.Type = "local"
			cfg.Storage.Path = f.Publish
		}
	}
	return nil
}

func printSummary(logger *log.Logger, sum *app.Summary) {
	logger.Printf("Run %s finished in %s", sum.RunID, app.FormatDuration(sum.Duration))
	if sum.StudyName != "" {
		logger.Printf("  Study:     %s (%s)", sum.StudyName, sum.StudyID)
	}
	logger.Printf("  Output:    %s, table %s", sum.Output, sum.Table)
	logger.Printf("  Rows:      %d of %d records, %d columns", sum.RowsWritten, sum.Records, sum.Columns)
	if sum.InsertFailures > 0 || sum.CoercionFailures > 0 {
		logger.Printf("  Failures:  %d rows skipped, %d values stored raw", sum.InsertFailures, sum.CoercionFailures)
	}
	logger.Printf("  Checksum:  %s", sum.Checksum)
	if sum.Snapshot != "" {
		logger.Printf("  Snapshot:  %s", sum.Snapshot)
	}
	for _, o := range sum.Published {
		logger.Printf("  Published: %s", o)
	}
}
