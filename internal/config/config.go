// Package config loads the YAML description of a copy job.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	_ "github.com/johndauphine/tablecopy/internal/driver/mssql"    // register mssql
	_ "github.com/johndauphine/tablecopy/internal/driver/postgres" // register postgres
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Copy modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeDelete      = "delete"
)

// Index handling on the target during a load.
const (
	IndexesKeep    = "keep"
	IndexesDisable = "disable"
	IndexesDrop    = "drop"
)

// Checkpoint backends.
const (
	CheckpointSQLite   = "sqlite"
	CheckpointPostgres = "postgres"
)

// Config is the complete configuration of a copy job.
type Config struct {
	Source     DatabaseConfig   `yaml:"source"`
	Target     DatabaseConfig   `yaml:"target"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Migration  MigrationConfig  `yaml:"migration"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Tables     []TableConfig    `yaml:"tables"`
	Slack      SlackConfig      `yaml:"slack"`
}

// DatabaseConfig holds the connection settings of one side of the copy.
type DatabaseConfig struct {
	Type            string `yaml:"type"` // mssql or postgres
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	SSLMode         string `yaml:"ssl_mode"`
	Encrypt         *bool  `yaml:"encrypt"`
	TrustServerCert bool   `yaml:"trust_server_cert"`
}

// CheckpointConfig selects where migration state is persisted.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"` // sqlite file
	DSN     string `yaml:"dsn"`  // postgres connection string
}

// KeysConfig names the columns used to derive upsert and delete keys.
type KeysConfig struct {
	Surrogate       string    `yaml:"surrogate"`
	Identifier      string    `yaml:"identifier"`
	LocalizedPair   [2]string `yaml:"localized_pair"`
	LocalizedSuffix string    `yaml:"localized_suffix"`
}

// MigrationConfig controls how tables are copied.
type MigrationConfig struct {
	ID               string   `yaml:"id"`
	Mode             string   `yaml:"mode"`
	Truncate         bool     `yaml:"truncate"`
	TruncateExcluded []string `yaml:"truncate_excluded"`
	Indexes          string   `yaml:"indexes"`
	IndexTables      []string `yaml:"index_tables"`
	FailOnError      bool     `yaml:"fail_on_error"`
	Resume           bool     `yaml:"resume"`

	BatchSize     int `yaml:"batch_size"`
	TableWorkers  int `yaml:"table_workers"`
	ReaderWorkers int `yaml:"reader_workers"`
	WriterWorkers int `yaml:"writer_workers"`
	PoolBacklog   int `yaml:"pool_backlog"`

	MaxRejections    int           `yaml:"max_rejections"`
	RejectionBackoff time.Duration `yaml:"rejection_backoff"`
	MaxWorkerRetries int           `yaml:"max_worker_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`

	PipeCapacity      int           `yaml:"pipe_capacity"`
	PipeTimeout       time.Duration `yaml:"pipe_timeout"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
	AbortPollInterval time.Duration `yaml:"abort_poll_interval"`

	MinFreeMemoryMB   int64         `yaml:"min_free_memory_mb"` // 0 disables the memory wait
	MemoryWaitTimeout time.Duration `yaml:"memory_wait_timeout"`

	AuditTables    []string   `yaml:"audit_tables"`
	Keys           KeysConfig `yaml:"keys"`
	AnalyzeTargets bool       `yaml:"analyze_targets"`
	DataDir        string     `yaml:"data_dir"`
}

// ClusterConfig assigns this process a share of the pipelines.
type ClusterConfig struct {
	NodeID    int `yaml:"node_id"`
	NodeCount int `yaml:"node_count"`
}

// TableConfig maps one source table (or view) to a target table.
type TableConfig struct {
	Source         string            `yaml:"source"`
	Target         string            `yaml:"target"`
	ColumnMap      map[string]string `yaml:"column_map"`
	ExcludeColumns []string          `yaml:"exclude_columns"`
	BatchSize      int               `yaml:"batch_size"`
	// View is read instead of Source when set.
	View   string `yaml:"view"`
	Chunks int    `yaml:"chunks"`
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
	// EnvFile is loaded before variable expansion. When empty, a .env file
	// next to the config file is used if present.
	EnvFile string
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		candidate := filepath.Join(filepath.Dir(path), ".env")
		if _, err := os.Stat(candidate); err == nil {
			envFile = candidate
		}
	}
	if !opts.SuppressWarnings {
		for _, f := range []string{path, envFile} {
			if f == "" {
				continue
			}
			if exposure := exposedTo(f); exposure != "" {
				logging.Warn("%s holds credentials but is readable by other users (%s)", f, exposure)
			}
		}
	}
	if envFile != "" {
		// godotenv.Load never overrides variables that are already set
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default directory for the checkpoint database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tablecopy"
	}
	return filepath.Join(home, ".tablecopy")
}

func (c *Config) applyDefaults() {
	applyDatabaseDefaults(&c.Source, "mssql")
	applyDatabaseDefaults(&c.Target, "postgres")

	m := &c.Migration
	if m.Mode == "" {
		m.Mode = ModeFull
	}
	if m.Indexes == "" {
		m.Indexes = IndexesKeep
	}
	if m.BatchSize <= 0 {
		m.BatchSize = 10000
	}
	if m.TableWorkers == 0 {
		m.TableWorkers = 4
	}
	if m.ReaderWorkers == 0 {
		m.ReaderWorkers = 4
	}
	if m.WriterWorkers == 0 {
		m.WriterWorkers = 2
	}
	if m.PoolBacklog == 0 {
		m.PoolBacklog = 2 * max(m.ReaderWorkers, m.WriterWorkers)
	}
	if m.MaxRejections == 0 {
		m.MaxRejections = 10
	}
	if m.RejectionBackoff == 0 {
		m.RejectionBackoff = 100 * time.Millisecond
	}
	if m.MaxWorkerRetries == 0 {
		m.MaxWorkerRetries = 3
	}
	if m.RetryBackoff == 0 {
		m.RetryBackoff = 500 * time.Millisecond
	}
	if m.PipeCapacity == 0 {
		m.PipeCapacity = 8
	}
	if m.PipeTimeout == 0 {
		m.PipeTimeout = 10 * time.Minute
	}
	if m.StallTimeout == 0 {
		m.StallTimeout = 30 * time.Minute
	}
	if m.AbortPollInterval == 0 {
		m.AbortPollInterval = 5 * time.Second
	}
	if m.MemoryWaitTimeout == 0 {
		m.MemoryWaitTimeout = 5 * time.Minute
	}
	if m.Keys.Surrogate == "" {
		m.Keys.Surrogate = "PK"
	}
	if m.Keys.Identifier == "" {
		m.Keys.Identifier = "ID"
	}
	if m.Keys.LocalizedPair == [2]string{} {
		m.Keys.LocalizedPair = [2]string{"ITEMPK", "LANGPK"}
	}
	if m.Keys.LocalizedSuffix == "" {
		m.Keys.LocalizedSuffix = "lp"
	}
	if m.DataDir == "" {
		m.DataDir = DefaultDataDir()
	}

	if c.Cluster.NodeCount == 0 {
		c.Cluster.NodeCount = 1
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = CheckpointSQLite
	}
	if c.Checkpoint.Backend == CheckpointSQLite && c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(m.DataDir, "checkpoint.db")
	}
	if c.Checkpoint.Backend == CheckpointPostgres && c.Checkpoint.DSN == "" && c.Target.Type == "postgres" {
		c.Checkpoint.DSN = c.TargetDSN()
	}

	for i := range c.Tables {
		t := &c.Tables[i]
		if t.Target == "" {
			t.Target = t.Source
		}
		if t.Chunks == 0 {
			t.Chunks = 1
		}
	}
}

func applyDatabaseDefaults(db *DatabaseConfig, fallback string) {
	if db.Type == "" {
		db.Type = fallback
	}
	db.Type = driver.Canonicalize(db.Type)

	d, err := driver.Get(db.Type)
	if err != nil {
		return // reported by validate
	}
	defaults := d.Defaults()
	if db.Host == "" {
		db.Host = "localhost"
	}
	if db.Port == 0 {
		db.Port = defaults.Port
	}
	if db.Schema == "" {
		db.Schema = defaults.Schema
	}
	if db.SSLMode == "" {
		db.SSLMode = defaults.SSLMode
	}
	if db.Encrypt == nil {
		encrypt := defaults.Encrypt
		db.Encrypt = &encrypt
	}
}

func (c *Config) validate() error {
	for side, db := range map[string]DatabaseConfig{"source": c.Source, "target": c.Target} {
		if !driver.IsRegistered(db.Type) {
			return fmt.Errorf("%s.type: unknown database %q (available: %v)", side, db.Type, driver.Available())
		}
		if db.Database == "" {
			return fmt.Errorf("%s.database is required", side)
		}
	}

	switch c.Checkpoint.Backend {
	case CheckpointSQLite:
	case CheckpointPostgres:
		if c.Checkpoint.DSN == "" {
			return errors.New("checkpoint.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be %q or %q", CheckpointSQLite, CheckpointPostgres)
	}

	m := c.Migration
	switch m.Mode {
	case ModeFull:
	case ModeIncremental, ModeDelete:
		if m.Truncate {
			return errors.New("truncating tables in incremental mode is illegal")
		}
	default:
		return fmt.Errorf("migration.mode must be %q, %q or %q", ModeFull, ModeIncremental, ModeDelete)
	}
	switch m.Indexes {
	case IndexesKeep, IndexesDisable, IndexesDrop:
	default:
		return fmt.Errorf("migration.indexes must be %q, %q or %q", IndexesKeep, IndexesDisable, IndexesDrop)
	}

	positive := map[string]int{
		"table_workers":      m.TableWorkers,
		"reader_workers":     m.ReaderWorkers,
		"writer_workers":     m.WriterWorkers,
		"pool_backlog":       m.PoolBacklog,
		"pipe_capacity":      m.PipeCapacity,
		"max_rejections":     m.MaxRejections,
		"max_worker_retries": m.MaxWorkerRetries,
	}
	for name, v := range positive {
		if v < 1 {
			return fmt.Errorf("migration.%s must be positive, got %d", name, v)
		}
	}

	if c.Cluster.NodeCount < 1 {
		return errors.New("cluster.node_count must be positive")
	}
	if c.Cluster.NodeID < 0 || c.Cluster.NodeID >= c.Cluster.NodeCount {
		return fmt.Errorf("cluster.node_id %d is outside [0, %d)", c.Cluster.NodeID, c.Cluster.NodeCount)
	}

	if len(c.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	seen := make(map[string]bool)
	for i, t := range c.Tables {
		if t.Source == "" {
			return fmt.Errorf("tables[%d].source is required", i)
		}
		if t.Chunks < 1 {
			return fmt.Errorf("tables[%d].chunks must be positive", i)
		}
		if t.Chunks > 1 && m.Truncate {
			return fmt.Errorf("tables[%d]: a chunked table cannot be truncated; disable migration.truncate", i)
		}
		key := strings.ToLower(t.Source + "->" + t.Target)
		if seen[key] {
			return fmt.Errorf("tables[%d]: %s -> %s is listed twice", i, t.Source, t.Target)
		}
		seen[key] = true
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return errors.New("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

// SourceDSN returns the source database connection string.
func (c *Config) SourceDSN() string { return c.Source.DSN() }

// TargetDSN returns the target database connection string.
func (c *Config) TargetDSN() string { return c.Target.DSN() }

// DSN builds the connection string understood by the vendor driver.
func (db DatabaseConfig) DSN() string {
	if db.Type == "mssql" {
		return db.mssqlDSN()
	}
	return db.postgresDSN()
}

func (db DatabaseConfig) mssqlDSN() string {
	encrypt := db.Encrypt != nil && *db.Encrypt
	q := url.Values{}
	q.Set("database", db.Database)
	q.Set("encrypt", strconv.FormatBool(encrypt))
	q.Set("TrustServerCertificate", strconv.FormatBool(db.TrustServerCert))

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(db.User, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (db DatabaseConfig) postgresDSN() string {
	q := url.Values{}
	q.Set("sslmode", db.SSLMode)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.User, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// MigrationID returns the configured id or "" when a new one must be generated.
func (c *Config) MigrationID() string {
	return c.Migration.ID
}

// Items expands the table list into copy items. A table with chunks > 1
// becomes one item per chunk.
func (c *Config) Items() []*dataset.CopyItem {
	var items []*dataset.CopyItem
	for _, t := range c.Tables {
		for i := 0; i < t.Chunks; i++ {
			item := &dataset.CopyItem{
				SourceTable:    t.Source,
				TargetTable:    t.Target,
				ColumnMap:      t.ColumnMap,
				ExcludeColumns: t.ExcludeColumns,
				BatchSize:      t.BatchSize,
				Audit:          containsFold(c.Migration.AuditTables, t.Source),
			}
			if t.Chunks > 1 {
				item.Chunk = &dataset.Chunk{Index: i, Count: t.Chunks}
			}
			items = append(items, item)
		}
	}
	return items
}

// ViewFor returns the view configured to be read in place of source, if any.
func (c *Config) ViewFor(source string) (string, bool) {
	for _, t := range c.Tables {
		if strings.EqualFold(t.Source, source) && t.View != "" {
			return t.View, true
		}
	}
	return "", false
}

// ShouldTruncate reports whether the target of item is truncated before loading.
func (c *Config) ShouldTruncate(target string) bool {
	return c.Migration.Truncate && !containsFold(c.Migration.TruncateExcluded, target)
}

// IndexesApplyTo reports whether index handling covers target.
func (c *Config) IndexesApplyTo(target string) bool {
	if c.Migration.Indexes == IndexesKeep {
		return false
	}
	return len(c.Migration.IndexTables) == 0 || containsFold(c.Migration.IndexTables, target)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Sanitized returns a copy of the config with sensitive fields redacted.
func (c *Config) Sanitized() *Config {
	sanitized := *c

	sanitized.Source.Password = "[REDACTED]"
	sanitized.Target.Password = "[REDACTED]"
	if sanitized.Checkpoint.DSN != "" {
		sanitized.Checkpoint.DSN = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
