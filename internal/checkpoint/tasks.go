package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskKey identifies one pipeline of one migration on one cluster node.
type TaskKey struct {
	MigrationID string
	Pipeline    string
	Node        int
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.MigrationID, k.Pipeline, k.Node)
}

// Task is the persisted status of one table pipeline.
type Task struct {
	TaskKey
	SourceTable  string            `json:"source_table"`
	TargetTable  string            `json:"target_table"`
	ColumnMap    map[string]string `json:"column_map,omitempty"`
	SourceRows   int64             `json:"source_rows"`
	TargetRows   int64             `json:"target_rows"`
	Duration     *time.Duration    `json:"duration,omitempty"`
	Failed       bool              `json:"failed"`
	Error        string            `json:"error,omitempty"`
	Strategy     string            `json:"strategy,omitempty"`
	BatchColumns []string          `json:"batch_columns,omitempty"`
	UpsertKeys   []string          `json:"upsert_keys,omitempty"`
	Truncated    bool              `json:"truncated"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Completed reports whether the pipeline finished successfully.
func (t *Task) Completed() bool {
	return t.Duration != nil && !t.Failed
}

const taskColumns = `migration_id, pipeline, target_node, source_table, target_table, column_map,
	source_rows, target_rows, duration_ms, failure, error, strategy, batch_columns, upsert_keys,
	truncated, updated_at`

// ScheduleTask records a pipeline for a migration. Scheduling an existing
// pipeline again keeps the stored record.
func (s *Store) ScheduleTask(ctx context.Context, t Task) error {
	var columnMap any
	if len(t.ColumnMap) > 0 {
		data, err := json.Marshal(t.ColumnMap)
		if err != nil {
			return fmt.Errorf("encoding column map: %w", err)
		}
		columnMap = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO pipeline_tasks (migration_id, pipeline, target_node, source_table, target_table,
			column_map, source_rows, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (migration_id, pipeline, target_node) DO NOTHING
	`), t.MigrationID, t.Pipeline, t.Node, t.SourceTable, t.TargetTable, columnMap, t.SourceRows, s.now())
	if err != nil {
		return fmt.Errorf("scheduling task %s: %w", t.TaskKey, err)
	}
	return nil
}

// GetTask returns one pipeline record, or nil if it was never scheduled.
func (s *Store) GetTask(ctx context.Context, key TaskKey) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+taskColumns+`
		FROM pipeline_tasks WHERE migration_id = ? AND pipeline = ? AND target_node = ?
	`), key.MigrationID, key.Pipeline, key.Node)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindPendingTasks returns the pipelines assigned to node that have neither
// completed nor failed, smallest tables first.
func (s *Store) FindPendingTasks(ctx context.Context, migrationID string, node int) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+`
		FROM pipeline_tasks
		WHERE migration_id = ? AND target_node = ? AND duration_ms IS NULL AND failure = 0
		ORDER BY source_rows, pipeline
	`, migrationID, node)
}

// FindFailedTasks returns every failed pipeline of a migration.
func (s *Store) FindFailedTasks(ctx context.Context, migrationID string) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+`
		FROM pipeline_tasks
		WHERE migration_id = ? AND failure = 1
		ORDER BY pipeline
	`, migrationID)
}

// ListTasks returns every pipeline of a migration.
func (s *Store) ListTasks(ctx context.Context, migrationID string) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+`
		FROM pipeline_tasks WHERE migration_id = ?
		ORDER BY pipeline, target_node
	`, migrationID)
}

// UpdateTaskPlan stores the planning strategy and the columns batches are cut on.
func (s *Store) UpdateTaskPlan(ctx context.Context, key TaskKey, strategy string, batchColumns []string) error {
	return s.updateTask(ctx, key, `strategy = ?, batch_columns = ?`, strategy, joinColumns(batchColumns))
}

// UpdateTaskUpsertKeys stores the key columns the writer matches rows on.
func (s *Store) UpdateTaskUpsertKeys(ctx context.Context, key TaskKey, keys []string) error {
	return s.updateTask(ctx, key, `upsert_keys = ?`, joinColumns(keys))
}

// MarkTaskTruncated records that the target was truncated and resets the row count.
func (s *Store) MarkTaskTruncated(ctx context.Context, key TaskKey) error {
	return s.updateTask(ctx, key, `truncated = 1, target_rows = 0`)
}

// UpdateTaskProgress stores the number of rows written so far.
func (s *Store) UpdateTaskProgress(ctx context.Context, key TaskKey, rows int64) error {
	return s.updateTask(ctx, key, `target_rows = ?`, rows)
}

// MarkTaskCompleted records the pipeline duration and counts it as completed
// on the migration. Repeated calls count once.
func (s *Store) MarkTaskCompleted(ctx context.Context, key TaskKey, duration time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, s.bind(`
		UPDATE pipeline_tasks SET duration_ms = ?, updated_at = ?
		WHERE migration_id = ? AND pipeline = ? AND target_node = ? AND duration_ms IS NULL AND failure = 0
	`), duration.Milliseconds(), now, key.MigrationID, key.Pipeline, key.Node)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx, s.bind(`
			UPDATE migration_status SET completed = completed + 1, updated_at = ? WHERE migration_id = ?
		`), now, key.MigrationID); err != nil {
			return fmt.Errorf("counting completed task %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// MarkTaskFailed records the failure message and counts the pipeline as failed
// on the migration. Only the first failure of a pipeline is counted and kept.
func (s *Store) MarkTaskFailed(ctx context.Context, key TaskKey, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, s.bind(`
		UPDATE pipeline_tasks SET failure = 1, error = ?, updated_at = ?
		WHERE migration_id = ? AND pipeline = ? AND target_node = ? AND failure = 0
	`), msg, now, key.MigrationID, key.Pipeline, key.Node)
	if err != nil {
		return fmt.Errorf("failing task %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if _, err := tx.ExecContext(ctx, s.bind(`
			UPDATE migration_status SET failed = failed + 1, updated_at = ? WHERE migration_id = ?
		`), now, key.MigrationID); err != nil {
			return fmt.Errorf("counting failed task %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LastActivity returns the most recent update time across the pipelines of a
// migration, falling back to the migration's own update time.
func (s *Store) LastActivity(ctx context.Context, migrationID string) (time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, s.bind(`
		SELECT MAX(ts) FROM (
			SELECT updated_at AS ts FROM pipeline_tasks WHERE migration_id = ?
			UNION ALL
			SELECT updated_at AS ts FROM migration_status WHERE migration_id = ?
		) activity
	`), migrationID, migrationID).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return parseTime(last.String), nil
}

func (s *Store) updateTask(ctx context.Context, key TaskKey, set string, args ...any) error {
	args = append(args, s.now(), key.MigrationID, key.Pipeline, key.Node)
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE pipeline_tasks SET `+set+`, updated_at = ?
		WHERE migration_id = ? AND pipeline = ? AND target_node = ?`), args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", key)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                           Task
		columnMap, errMsg, strategy sql.NullString
		batchColumns, upsertKeys    sql.NullString
		durationMS                  sql.NullInt64
		failure, truncated          int
		updated                     string
	)
	if err := row.Scan(&t.MigrationID, &t.Pipeline, &t.Node, &t.SourceTable, &t.TargetTable, &columnMap,
		&t.SourceRows, &t.TargetRows, &durationMS, &failure, &errMsg, &strategy, &batchColumns, &upsertKeys,
		&truncated, &updated); err != nil {
		return nil, err
	}
	if columnMap.Valid && columnMap.String != "" {
		if err := json.Unmarshal([]byte(columnMap.String), &t.ColumnMap); err != nil {
			return nil, fmt.Errorf("decoding column map of %s: %w", t.TaskKey, err)
		}
	}
	if durationMS.Valid {
		d := time.Duration(durationMS.Int64) * time.Millisecond
		t.Duration = &d
	}
	t.Failed = failure != 0
	t.Truncated = truncated != 0
	t.Error = errMsg.String
	t.Strategy = strategy.String
	t.BatchColumns = splitColumns(batchColumns.String)
	t.UpsertKeys = splitColumns(upsertKeys.String)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ",")
}

func splitColumns(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
