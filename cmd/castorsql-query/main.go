// Package main implements the castorsql-query binary.
// It runs one SQL statement against a materialized study and writes the
// result as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/castorsql/castorsql/internal/query"
	"github.com/castorsql/castorsql/internal/schema"
	"github.com/castorsql/castorsql/internal/store"
)

// Config holds the command configuration.
type Config struct {
	Driver  string
	DSN     string
	Query   string
	CSVFile string
	Sep     string
	Tables  bool
}

func main() {
	cfg := parseFlags()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	if err := cfg.resolve(os.Stdin); err != nil {
		logger.Fatalf("Invalid arguments: %v", err)
	}
	sep, err := cfg.separator()
	if err != nil {
		logger.Fatalf("Invalid arguments: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := query.Open(ctx, cfg.Driver, cfg.DSN, logger)
	if err != nil {
		logger.Fatalf("Failed to open %s: %v", cfg.DSN, err)
	}
	defer engine.Close()

	if cfg.Tables {
		tables, err := engine.Tables(ctx)
		if err != nil {
			logger.Fatalf("Failed to list tables: %v", err)
		}
		for _, t := range tables {
			fmt.Println(t)
		}
		return
	}

	result, err := engine.Execute(ctx, cfg.Query)
	if err != nil {
		logger.Fatalf("Query failed: %v", err)
	}

	var out io.Writer = os.Stdout
	if cfg.CSVFile != "" {
		f, err := os.Create(cfg.CSVFile)
		if err != nil {
			logger.Fatalf("Failed to create %s: %v", cfg.CSVFile, err)
		}
		defer f.Close()
		out = f
	}
	if err := result.WriteCSV(out, sep); err != nil {
		logger.Fatalf("Failed to write results: %v", err)
	}
	logger.Printf("%d rows in %d ms", result.Stats.RowsReturned, result.Stats.ExecutionTimeMs)
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Driver, "driver", "sqlite", "Database driver: sqlite, postgres or mysql")
	flag.StringVar(&cfg.DSN, "db", "castor.db", "Database DSN; a file path for sqlite")
	flag.StringVar(&cfg.Query, "query", "", "SQL statement (read from stdin when empty)")
	flag.StringVar(&cfg.CSVFile, "csv", "", "Write the result to this CSV file instead of stdout")
	flag.StringVar(&cfg.Sep, "sep", string(query.DefaultSeparator), "CSV field separator")
	flag.BoolVar(&cfg.Tables, "tables", false, "List the tables of the database and exit")

	flag.Parse()

	return cfg
}

// resolve reads the query from stdin when none was given and checks that a
// sqlite database exists; opening a missing file would create it.
func (c *Config) resolve(stdin io.Reader) error {
	if !c.Tables && strings.TrimSpace(c.Query) == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("failed to read query from stdin: %w", err)
		}
		c.Query = strings.TrimSpace(string(data))
		if c.Query == "" {
			return fmt.Errorf("no query given")
		}
	}

	d, err := schema.DialectFor(c.Driver)
	if err != nil {
		return err
	}
	if path, ok := store.SQLitePath(d, c.DSN); ok {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("database %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) separator() (rune, error) {
	if c.Sep == `\t` {
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(c.Sep)
	if r == utf8.RuneError || size != len(c.Sep) {
		return 0, fmt.Errorf("separator must be a single character, got %q", c.Sep)
	}
	return r, nil
}
