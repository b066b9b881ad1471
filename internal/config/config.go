// Package config provides the configuration of castorsql runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/castorsql/castorsql/internal/dictionary"
	cerrors "github.com/castorsql/castorsql/internal/errors"
	"github.com/castorsql/castorsql/internal/schema"
)

// SourceMode selects where study data comes from.
type SourceMode string

const (
	SourceExport   SourceMode = "export"
	SourceAPI      SourceMode = "api"
	SourceExcel    SourceMode = "excel"
	SourceSnapshot SourceMode = "snapshot"
)

// Config holds the configuration of a run.
type Config struct {
	// Castor holds API access and study selection
	Castor CastorConfig `json:"castor" yaml:"castor"`

	// Output configures the relational store
	Output OutputConfig `json:"output" yaml:"output"`

	// Dictionary configures column naming and option handling
	Dictionary dictionary.Policy `json:"dictionary" yaml:"dictionary"`

	// Storage configures publication of run artifacts
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Metrics configures the Pushgateway
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Verbose enables per-page and per-record log lines
	Verbose bool `json:"verbose" yaml:"verbose"`
}

// CastorConfig holds Castor API and source configuration.
type CastorConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`

	// ClientID and ClientSecret may be left empty and read from the
	// corresponding files instead.
	ClientID         string `json:"client_id" yaml:"client_id"`
	ClientSecret     string `json:"client_secret" yaml:"client_secret"`
	ClientIDFile     string `json:"client_id_file" yaml:"client_id_file"`
	ClientSecretFile string `json:"client_secret_file" yaml:"client_secret_file"`

	// StudyID takes precedence over StudyName.
	StudyID   string `json:"study_id" yaml:"study_id"`
	StudyName string `json:"study_name" yaml:"study_name"`

	Source       SourceMode `json:"source" yaml:"source"`
	ExcelFile    string     `json:"excel_file" yaml:"excel_file"`
	SnapshotFile string     `json:"snapshot_file" yaml:"snapshot_file"`

	PageSize   int           `json:"page_size" yaml:"page_size"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
}

// OutputConfig holds relational store configuration.
type OutputConfig struct {
	// Driver is sqlite, postgres or mysql
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the connection string; for sqlite a file path
	DSN string `json:"dsn" yaml:"dsn"`

	// Table is the name of the output table
	Table string `json:"table" yaml:"table"`

	// AddTimestamp appends the run time to a sqlite file name
	AddTimestamp bool `json:"add_timestamp" yaml:"add_timestamp"`

	// Snapshot writes the dictionary snapshot next to a sqlite file
	Snapshot bool `json:"snapshot" yaml:"snapshot"`

	// MaxConsecutiveFailures aborts the run after this many failed inserts
	// in a row; negative disables the limit
	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// StorageConfig holds publication configuration.
type StorageConfig struct {
	// Type is none, local or s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to every object path
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig holds Pushgateway configuration. Metrics are only pushed
// when PushgatewayURL is set.
type MetricsConfig struct {
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`
	Job            string `json:"job" yaml:"job"`
}

// DefaultConfig returns the configuration of a plain sqlite export run.
func DefaultConfig() *Config {
	return &Config{
		Castor: CastorConfig{
			BaseURL:          "https://data.castoredc.com",
			ClientIDFile:     "~/castorclientid.txt",
			ClientSecretFile: "~/castorsecret.txt",
			Source:           SourceExport,
			PageSize:         1000,
			Timeout:          60 * time.Second,
			MaxRetries:       3,
		},
		Output: OutputConfig{
			Driver:                 "sqlite",
			DSN:                    "castor.db",
			Table:                  "data",
			Snapshot:               true,
			MaxConsecutiveFailures: 25,
		},
		Dictionary: dictionary.DefaultPolicy(),
		Storage: StorageConfig{
			Type: "none",
		},
		Metrics: MetricsConfig{
			Job: "castorsql",
		},
	}
}

// Load builds the configuration of a run: defaults or the file at path,
// then .env files, then CASTORSQL_ environment variables, then credential
// files. Missing .env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, cerrors.NewConfigError(fmt.Sprintf("failed to load %s: %v", f, err))
		}
	}

	LoadFromEnv(cfg)
	if err := cfg.LoadCredentials(); err != nil {
		return nil, err
	}
	cfg.Resolve()
	return cfg, nil
}

// Resolve fills empty values with defaults.
func (c *Config) Resolve() {
	d := DefaultConfig()
	if c.Castor.BaseURL == "" {
		c.Castor.BaseURL = d.Castor.BaseURL
	}
	if c.Castor.Source == "" {
		c.Castor.Source = SourceExport
	}
	if c.Castor.PageSize <= 0 {
		c.Castor.PageSize = d.Castor.PageSize
	}
	if c.Castor.Timeout <= 0 {
		c.Castor.Timeout = d.Castor.Timeout
	}
	if c.Output.Driver == "" {
		c.Output.Driver = d.Output.Driver
	}
	if c.Output.Table == "" {
		c.Output.Table = d.Output.Table
	}
	if c.Dictionary.Separator == "" {
		c.Dictionary.Separator = dictionary.DefaultSeparator
	}
	if c.Dictionary.UnknownOption == "" {
		c.Dictionary.UnknownOption = dictionary.UnknownOptionReport
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "none"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = d.Metrics.Job
	}
}

// LoadCredentials reads the client id and secret from their files when they
// are not set directly. A missing file leaves the value empty.
func (c *Config) LoadCredentials() error {
	read := func(dst *string, file string) error {
		if *dst != "" || file == "" {
			return nil
		}
		data, err := os.ReadFile(ExpandHome(file))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return cerrors.NewConfigError(fmt.Sprintf("failed to read credential file %s: %v", file, err))
		}
		*dst = strings.TrimSpace(string(data))
		return nil
	}
	if err := read(&c.Castor.ClientID, c.Castor.ClientIDFile); err != nil {
		return err
	}
	return read(&c.Castor.ClientSecret, c.Castor.ClientSecretFile)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Castor.Source {
	case SourceExport, SourceAPI:
		if c.Castor.ClientID == "" || c.Castor.ClientSecret == "" {
			return cerrors.NewConfigError("castor.client_id and castor.client_secret are required for the export and api sources")
		}
		if c.Castor.StudyID == "" && c.Castor.StudyName == "" {
			return cerrors.NewConfigError("castor.study_id or castor.study_name is required")
		}
	case SourceExcel:
		if c.Castor.ExcelFile == "" {
			return cerrors.NewConfigError("castor.excel_file is required when source is excel")
		}
	case SourceSnapshot:
		if c.Castor.SnapshotFile == "" {
			return cerrors.NewConfigError("castor.snapshot_file is required when source is snapshot")
		}
	default:
		return cerrors.NewConfigError(fmt.Sprintf("invalid source: %s (must be export, api, excel or snapshot)", c.Castor.Source))
	}

	return c.ValidateOutput()
}

// ValidateOutput validates everything except the source selection.
func (c *Config) ValidateOutput() error {
	if c.Castor.PageSize <= 0 {
		return cerrors.NewConfigError(fmt.Sprintf("castor.page_size must be positive, got %d", c.Castor.PageSize))
	}
	if c.Castor.MaxRetries < 0 {
		return cerrors.NewConfigError(fmt.Sprintf("castor.max_retries must not be negative, got %d", c.Castor.MaxRetries))
	}

	if _, err := schema.DialectFor(c.Output.Driver); err != nil {
		return cerrors.NewConfigError(err.Error())
	}
	if strings.TrimSpace(c.Output.DSN) == "" {
		return cerrors.NewConfigError("output.dsn is required")
	}
	if strings.TrimSpace(c.Output.Table) == "" {
		return cerrors.NewConfigError("output.table is required")
	}

	if err := c.Dictionary.Validate(); err != nil {
		return err
	}

	switch c.Storage.Type {
	case "none":
	case "local":
		if c.Storage.Path == "" {
			return cerrors.NewConfigError("storage.path is required when storage type is local")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return cerrors.NewConfigError("storage.s3.bucket is required when storage type is s3")
		}
	default:
		return cerrors.NewConfigError(fmt.Sprintf("invalid storage type: %s (must be none, local or s3)", c.Storage.Type))
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewConfigError(fmt.Sprintf("failed to read config file: %v", err))
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cerrors.NewConfigError(fmt.Sprintf("failed to parse YAML config: %v", err))
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, cerrors.NewConfigError(fmt.Sprintf("failed to parse JSON config: %v", err))
		}
	default:
		return nil, cerrors.NewConfigError(fmt.Sprintf("unsupported config file format: %s", ext))
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CASTORSQL_ prefix.
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv("CASTORSQL_" + key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv("CASTORSQL_" + key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv("CASTORSQL_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Castor
	str("BASE_URL", &cfg.Castor.BaseURL)
	str("CLIENT_ID", &cfg.Castor.ClientID)
	str("CLIENT_SECRET", &cfg.Castor.ClientSecret)
	str("CLIENT_ID_FILE", &cfg.Castor.ClientIDFile)
	str("CLIENT_SECRET_FILE", &cfg.Castor.ClientSecretFile)
	str("STUDY_ID", &cfg.Castor.StudyID)
	str("STUDY", &cfg.Castor.StudyName)
	if v := os.Getenv("CASTORSQL_SOURCE"); v != "" {
		cfg.Castor.Source = SourceMode(v)
	}
	str("EXCEL_FILE", &cfg.Castor.ExcelFile)
	integer("PAGE_SIZE", &cfg.Castor.PageSize)
	integer("MAX_RETRIES", &cfg.Castor.MaxRetries)
	if v := os.Getenv("CASTORSQL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Castor.Timeout = d
		}
	}

	// Output
	str("OUTPUT_DRIVER", &cfg.Output.Driver)
	str("OUTPUT_DSN", &cfg.Output.DSN)
	str("OUTPUT_TABLE", &cfg.Output.Table)
	boolean("OUTPUT_ADD_TIMESTAMP", &cfg.Output.AddTimestamp)
	boolean("OUTPUT_SNAPSHOT", &cfg.Output.Snapshot)

	// Storage
	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("STORAGE_PREFIX", &cfg.Storage.Prefix)
	str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("S3_REGION", &cfg.Storage.S3.Region)
	str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)

	// Metrics
	str("PUSHGATEWAY_URL", &cfg.Metrics.PushgatewayURL)
	str("METRICS_JOB", &cfg.Metrics.Job)

	boolean("VERBOSE", &cfg.Verbose)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
