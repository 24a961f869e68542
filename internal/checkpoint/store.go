// Package checkpoint persists migration status, per-pipeline task status and
// outstanding batch boundaries. A batch row that survives a crash marks a
// slice of the table that still has to be copied.
package checkpoint

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	timeLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// Store is the checkpoint store shared by planners, writers and the orchestrator.
// All mutations are single-row (or single-statement) conditional updates.
type Store struct {
	db      *sql.DB
	backend string
	clock   clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open connects to the checkpoint database and creates its tables.
// For the sqlite backend dsn is a file path; for postgres it is a connection URL.
func Open(backend, dsn string, opts ...Option) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch backend {
	case BackendSQLite, "":
		backend = BackendSQLite
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating checkpoint dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	case BackendPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q (valid: sqlite, postgres)", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	s, err := New(db, backend, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database handle and creates the checkpoint tables.
func New(db *sql.DB, backend string, opts ...Option) (*Store, error) {
	s := &Store{db: db, backend: backend, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating checkpoint schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS migration_status (
			migration_id TEXT PRIMARY KEY,
			total BIGINT NOT NULL,
			completed BIGINT NOT NULL DEFAULT 0,
			failed BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_tasks (
			migration_id TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			target_node INTEGER NOT NULL,
			source_table TEXT NOT NULL,
			target_table TEXT NOT NULL,
			column_map TEXT,
			source_rows BIGINT NOT NULL DEFAULT 0,
			target_rows BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT,
			failure INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			strategy TEXT,
			batch_columns TEXT,
			upsert_keys TEXT,
			truncated INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (migration_id, pipeline, target_node)
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_batches (
			migration_id TEXT NOT NULL,
			pipeline TEXT NOT NULL,
			batch_id INTEGER NOT NULL,
			lower_kind TEXT,
			lower_value TEXT,
			upper_kind TEXT,
			upper_value TEXT,
			PRIMARY KEY (migration_id, pipeline, batch_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_tasks_node ON pipeline_tasks (migration_id, target_node)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// bind rewrites ? placeholders to $n for postgres.
func (s *Store) bind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}
