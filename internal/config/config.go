// Package config loads the candidate generation configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alishiba14/IGEA/internal/domain"
	"github.com/alishiba14/IGEA/internal/linking"
	"github.com/alishiba14/IGEA/internal/pool"
	"github.com/alishiba14/IGEA/internal/querysource"
	"github.com/alishiba14/IGEA/internal/sink"
	"github.com/alishiba14/IGEA/internal/store"
	bqstore "github.com/alishiba14/IGEA/internal/store/bigquery"
	"github.com/alishiba14/IGEA/internal/store/postgis"
)

const (
	// DefaultConfigFile is looked up in the data directory when no
	// --config flag is given.
	DefaultConfigFile = "candgen.yaml"

	// PasswordEnv is consulted when no password file is configured.
	PasswordEnv = "PGPASSWORD"
)

// Store backends.
const (
	BackendPostGIS  = "postgis"
	BackendBigQuery = "bigquery"
	BackendMemory   = "memory"
)

// Publish targets.
const (
	PublishNone = ""
	PublishGCS  = "gcs"
	PublishS3   = "s3"
)

// Config represents the complete candidate generation configuration
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Generation GenerationConfig `yaml:"generation"`
	Source     SourceConfig     `yaml:"source"`
	Output     OutputConfig     `yaml:"output"`
	Publish    PublishConfig    `yaml:"publish"`
	Runs       RunsConfig       `yaml:"runs"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Misc       MiscConfig       `yaml:"misc"`
}

// StoreConfig selects and configures the candidate store
type StoreConfig struct {
	// Backend is one of postgis, bigquery or memory
	Backend string `yaml:"backend"`

	PostGIS postgis.Config `yaml:"postgis"`
	// PasswordFile holds the database password on its first line
	PasswordFile string `yaml:"password_file"`

	BigQuery bqstore.Config `yaml:"bigquery"`

	// Fixture is a JSON file of candidate records for the memory backend
	Fixture string `yaml:"fixture"`

	Layout store.Layout `yaml:"layout"`

	// MaxConns bounds the number of live store connections
	MaxConns int `yaml:"max_conns"`
}

// GenerationConfig parameterises the lookups
type GenerationConfig struct {
	// Mode is spatial, name or legacy
	Mode     string `yaml:"mode"`
	KGSource string `yaml:"kg_source"`

	MaxCandidates     int     `yaml:"max_candidates"`
	DistanceThreshold float64 `yaml:"distance_threshold"`

	// Concurrency bounds in-flight lookups (default: store.max_conns)
	Concurrency int `yaml:"concurrency"`
	// RateLimit caps lookups per second (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	ProgressEvery int `yaml:"progress_every"`

	// Tags overrides the tag filtering rules derived from store.layout
	Tags *linking.TagRules `yaml:"tags,omitempty"`
}

// SourceConfig locates the query entities
type SourceConfig struct {
	// Path is a parquet, TSV or CSV file, relative to the data directory
	Path string `yaml:"path"`
	// BigQueryTable (project.dataset.table) is read instead of Path when set
	BigQueryTable string              `yaml:"bigquery_table"`
	Columns       querysource.Columns `yaml:"columns"`
}

// OutputConfig names the files written to the data directory
type OutputConfig struct {
	DataDir       string `yaml:"data_dir"`
	MatchedFile   string `yaml:"matched_file"`
	UnmatchedFile string `yaml:"unmatched_file"`
	LogFile       string `yaml:"log_file"`
	// Compression is none, gzip or zstd
	Compression string `yaml:"compression"`
}

// PublishConfig configures uploading the finished pair files
type PublishConfig struct {
	// Target is empty (disabled), gcs or s3
	Target string `yaml:"target"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	// Region and Endpoint apply to s3 only
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// RunsConfig configures run tracking in BigQuery
type RunsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	DatasetID string `yaml:"dataset_id"`
}

// MetricsConfig configures the Prometheus exposition
type MetricsConfig struct {
	// Addr serves /metrics while the run is in progress (empty = disabled)
	Addr string `yaml:"addr"`
	// TextfilePath receives the final metrics in text format (empty = disabled)
	TextfilePath string `yaml:"textfile_path"`
}

// MiscConfig holds test-run switches
type MiscConfig struct {
	TestRun bool `yaml:"testrun"`
	// Limit restricts a test run to the first Limit query entities
	Limit int `yaml:"limit"`
	// Timeout bounds the whole run (0 = none)
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with the defaults for a local PostGIS run
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendPostGIS,
			PostGIS: postgis.Config{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Database: "osm",
				SSLMode:  "disable",
			},
			Layout:   store.DefaultLayout(),
			MaxConns: pool.DefaultMaxConns,
		},
		Generation: GenerationConfig{
			Mode:              string(domain.ModeSpatial),
			KGSource:          string(linking.KGWikidata),
			MaxCandidates:     linking.DefaultMaxCandidates,
			DistanceThreshold: linking.DefaultDistanceThreshold,
			ProgressEvery:     1000,
		},
		Source: SourceConfig{
			Path:    "wikidata dump.parquet",
			Columns: querysource.DefaultColumns(),
		},
		Output: OutputConfig{
			DataDir:       ".",
			MatchedFile:   "train pairs.tsv",
			UnmatchedFile: "unmatched pairs.tsv",
			LogFile:       "generate candidates log.txt",
			Compression:   string(sink.CompressionNone),
		},
		Runs: RunsConfig{
			DatasetID: "entity_linking",
		},
		Misc: MiscConfig{
			Limit: 1000,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendPostGIS:
		if c.Store.PostGIS.Host == "" {
			return fmt.Errorf("store.postgis.host is required")
		}
		if c.Store.PostGIS.Database == "" {
			return fmt.Errorf("store.postgis.database is required")
		}
	case BackendBigQuery:
		if err := c.Store.BigQuery.Validate(); err != nil {
			return fmt.Errorf("store.bigquery: %w", err)
		}
	case BackendMemory:
		if c.Store.Fixture == "" {
			return fmt.Errorf("store.fixture is required for the memory backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of postgis, bigquery, memory (got %q)", c.Store.Backend)
	}
	if err := c.Store.Layout.Validate(); err != nil {
		return fmt.Errorf("store.layout: %w", err)
	}
	if c.Store.MaxConns <= 0 {
		return fmt.Errorf("store.max_conns must be positive")
	}

	if _, err := domain.ParseMode(c.Generation.Mode); err != nil {
		return fmt.Errorf("generation.mode: %w", err)
	}
	if _, err := linking.ParseKGSource(c.Generation.KGSource); err != nil {
		return fmt.Errorf("generation.kg_source: %w", err)
	}
	if c.Generation.MaxCandidates <= 0 {
		return fmt.Errorf("generation.max_candidates must be positive")
	}
	if c.Generation.DistanceThreshold <= 0 {
		return fmt.Errorf("generation.distance_threshold must be positive")
	}
	if c.Generation.Concurrency < 0 {
		return fmt.Errorf("generation.concurrency must not be negative")
	}
	if c.Generation.RateLimit < 0 {
		return fmt.Errorf("generation.rate_limit must not be negative")
	}

	if c.Source.Path == "" && c.Source.BigQueryTable == "" {
		return fmt.Errorf("source.path or source.bigquery_table is required")
	}
	if c.Source.Columns.ID == "" {
		return fmt.Errorf("source.columns.id is required")
	}

	if c.Output.MatchedFile == "" || c.Output.UnmatchedFile == "" {
		return fmt.Errorf("output.matched_file and output.unmatched_file are required")
	}
	if c.Output.MatchedFile == c.Output.UnmatchedFile {
		return fmt.Errorf("output.matched_file and output.unmatched_file must differ")
	}
	if _, err := sink.ParseCompression(c.Output.Compression); err != nil {
		return fmt.Errorf("output.compression: %w", err)
	}

	switch c.Publish.Target {
	case PublishNone:
	case PublishGCS, PublishS3:
		if c.Publish.Bucket == "" {
			return fmt.Errorf("publish.bucket is required for target %s", c.Publish.Target)
		}
	default:
		return fmt.Errorf("publish.target must be empty, gcs or s3 (got %q)", c.Publish.Target)
	}

	if c.Runs.Enabled && (c.Runs.ProjectID == "" || c.Runs.DatasetID == "") {
		return fmt.Errorf("runs.project_id and runs.dataset_id are required when runs are enabled")
	}

	if c.Misc.TestRun && c.Misc.Limit <= 0 {
		return fmt.Errorf("misc.limit must be positive for a test run")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.PostGIS.Host != "" {
		c.Store.PostGIS.Host = other.Store.PostGIS.Host
	}
	if other.Store.PostGIS.Port != 0 {
		c.Store.PostGIS.Port = other.Store.PostGIS.Port
	}
	if other.Store.PostGIS.User != "" {
		c.Store.PostGIS.User = other.Store.PostGIS.User
	}
	if other.Store.PostGIS.Database != "" {
		c.Store.PostGIS.Database = other.Store.PostGIS.Database
	}
	if other.Store.PasswordFile != "" {
		c.Store.PasswordFile = other.Store.PasswordFile
	}
	if other.Store.Fixture != "" {
		c.Store.Fixture = other.Store.Fixture
	}
	if other.Store.Layout.View != "" {
		c.Store.Layout.View = other.Store.Layout.View
	}
	if other.Store.MaxConns != 0 {
		c.Store.MaxConns = other.Store.MaxConns
	}

	// Generation
	if other.Generation.Mode != "" {
		c.Generation.Mode = other.Generation.Mode
	}
	if other.Generation.KGSource != "" {
		c.Generation.KGSource = other.Generation.KGSource
	}
	if other.Generation.MaxCandidates != 0 {
		c.Generation.MaxCandidates = other.Generation.MaxCandidates
	}
	if other.Generation.DistanceThreshold != 0 {
		c.Generation.DistanceThreshold = other.Generation.DistanceThreshold
	}
	if other.Generation.Concurrency != 0 {
		c.Generation.Concurrency = other.Generation.Concurrency
	}
	if other.Generation.RateLimit != 0 {
		c.Generation.RateLimit = other.Generation.RateLimit
	}

	// Source
	if other.Source.Path != "" {
		c.Source.Path = other.Source.Path
	}
	if other.Source.BigQueryTable != "" {
		c.Source.BigQueryTable = other.Source.BigQueryTable
	}

	// Output
	if other.Output.DataDir != "" {
		c.Output.DataDir = other.Output.DataDir
	}
	if other.Output.Compression != "" {
		c.Output.Compression = other.Output.Compression
	}

	// Publish
	if other.Publish.Target != "" {
		c.Publish.Target = other.Publish.Target
	}
	if other.Publish.Bucket != "" {
		c.Publish.Bucket = other.Publish.Bucket
	}
	if other.Publish.Prefix != "" {
		c.Publish.Prefix = other.Publish.Prefix
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.Metrics.TextfilePath != "" {
		c.Metrics.TextfilePath = other.Metrics.TextfilePath
	}

	// Misc
	if other.Misc.TestRun {
		c.Misc.TestRun = true
	}
	if other.Misc.Limit != 0 {
		c.Misc.Limit = other.Misc.Limit
	}
	if other.Misc.Timeout != 0 {
		c.Misc.Timeout = other.Misc.Timeout
	}
}

// ResolvePassword fills Store.PostGIS.Password from the password file, or
// from PGPASSWORD when no file is configured.
func (c *Config) ResolvePassword() error {
	if c.Store.PasswordFile == "" {
		c.Store.PostGIS.Password = os.Getenv(PasswordEnv)
		return nil
	}
	data, err := os.ReadFile(c.Store.PasswordFile)
	if err != nil {
		return fmt.Errorf("ResolvePassword: reading password file: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	c.Store.PostGIS.Password = strings.TrimSpace(line)
	return nil
}

// Concurrency returns the effective lookup concurrency.
func (c *Config) Concurrency() int {
	if c.Generation.Concurrency > 0 {
		return c.Generation.Concurrency
	}
	return c.Store.MaxConns
}

// Limit returns the query limit; zero means all queries.
func (c *Config) Limit() int {
	if c.Misc.TestRun {
		return c.Misc.Limit
	}
	return 0
}

// TagRules returns the configured tag rules or the defaults for the layout.
func (c *Config) TagRules() linking.TagRules {
	if c.Generation.Tags != nil {
		return *c.Generation.Tags
	}
	return linking.DefaultTagRules(c.Store.Layout)
}

// DataPath resolves name against the data directory unless it is absolute.
func (c *Config) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Output.DataDir, name)
}

// MatchedPath is the path of the matched pairs file, before any compression
// suffix.
func (c *Config) MatchedPath() string { return c.DataPath(c.Output.MatchedFile) }

// UnmatchedPath is the path of the unmatched pairs file, before any
// compression suffix.
func (c *Config) UnmatchedPath() string { return c.DataPath(c.Output.UnmatchedFile) }

// LogPath is the path of the run log.
func (c *Config) LogPath() string { return c.DataPath(c.Output.LogFile) }

// SourcePath is the path of the query dataset.
func (c *Config) SourcePath() string { return c.DataPath(c.Source.Path) }
