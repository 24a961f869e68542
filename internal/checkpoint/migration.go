package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the overall state of a migration.
type Status string

const (
	StatusRunning        Status = "RUNNING"
	StatusProcessed      Status = "PROCESSED"
	StatusPostProcessing Status = "POSTPROCESSING"
	StatusStalled        Status = "STALLED"
	StatusAborted        Status = "ABORTED"
	StatusFinished       Status = "FINISHED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted || s == StatusStalled
}

// ErrMigrationExists is returned when a migration id is created twice.
var ErrMigrationExists = errors.New("migration already exists")

// MigrationStatus is the aggregate record of one migration.
type MigrationStatus struct {
	MigrationID    string     `json:"migration_id"`
	TotalTasks     int        `json:"total"`
	CompletedTasks int        `json:"completed"`
	FailedTasks    int        `json:"failed"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// HasFailures reports whether any pipeline of the migration failed.
func (m *MigrationStatus) HasFailures() bool {
	return m.FailedTasks > 0
}

// Done reports whether every scheduled pipeline reached an outcome.
func (m *MigrationStatus) Done() bool {
	return m.CompletedTasks+m.FailedTasks >= m.TotalTasks
}

// CreateMigration inserts the status row for a new migration in RUNNING state.
func (s *Store) CreateMigration(ctx context.Context, migrationID string, total int) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO migration_status (migration_id, total, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (migration_id) DO NOTHING
	`), migrationID, total, string(StatusRunning), now, now)
	if err != nil {
		return fmt.Errorf("creating migration %s: %w", migrationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrMigrationExists, migrationID)
	}
	return nil
}

// ResetMigration prepares an existing migration for resume: it returns the
// status to RUNNING, clears failure flags of unfinished pipelines and zeroes
// the failed counter.
func (s *Store) ResetMigration(ctx context.Context, migrationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, s.bind(`
		UPDATE migration_status
		SET status = ?, failed = 0, finished_at = NULL, updated_at = ?
		WHERE migration_id = ?
	`), string(StatusRunning), now, migrationID)
	if err != nil {
		return fmt.Errorf("resetting migration %s: %w", migrationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("migration %s not found", migrationID)
	}

	if _, err := tx.ExecContext(ctx, s.bind(`
		UPDATE pipeline_tasks
		SET failure = 0, error = NULL, updated_at = ?
		WHERE migration_id = ? AND duration_ms IS NULL
	`), now, migrationID); err != nil {
		return fmt.Errorf("resetting failed tasks of %s: %w", migrationID, err)
	}
	return tx.Commit()
}

// TransitionMigration moves the migration from one status to another. It
// returns false without error when the current status is not from.
func (s *Store) TransitionMigration(ctx context.Context, migrationID string, from, to Status) (bool, error) {
	now := s.now()
	var finished any
	if to.Terminal() {
		finished = now
	}
	res, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE migration_status
		SET status = ?, updated_at = ?, finished_at = COALESCE(?, finished_at)
		WHERE migration_id = ? AND status = ?
	`), string(to), now, finished, migrationID, string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning %s from %s to %s: %w", migrationID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetMigration returns the status of a migration, or nil if it does not exist.
func (s *Store) GetMigration(ctx context.Context, migrationID string) (*MigrationStatus, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
		SELECT migration_id, total, completed, failed, status, started_at, updated_at, finished_at
		FROM migration_status WHERE migration_id = ?
	`), migrationID)
	m, err := scanMigration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// ListMigrations returns every migration, newest first.
func (s *Store) ListMigrations(ctx context.Context) ([]MigrationStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT migration_id, total, completed, failed, status, started_at, updated_at, finished_at
		FROM migration_status ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MigrationStatus
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMigration(row scanner) (*MigrationStatus, error) {
	var (
		m                MigrationStatus
		status           string
		started, updated string
		finished         sql.NullString
	)
	if err := row.Scan(&m.MigrationID, &m.TotalTasks, &m.CompletedTasks, &m.FailedTasks,
		&status, &started, &updated, &finished); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.StartedAt = parseTime(started)
	m.UpdatedAt = parseTime(updated)
	if finished.Valid {
		t := parseTime(finished.String)
		m.FinishedAt = &t
	}
	return &m, nil
}
