package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
)

// Boundary is one end of a batch in its persisted form. Kind tells the
// planner how to decode Value back into a query parameter.
type Boundary struct {
	Kind  string
	Value string
}

// Batch is one outstanding slice of a pipeline. A nil Upper means the batch is open-ended.
type Batch struct {
	ID    int
	Lower *Boundary
	Upper *Boundary
}

const insertBatch = `
	INSERT INTO pipeline_batches (migration_id, pipeline, batch_id, lower_kind, lower_value, upper_kind, upper_value)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (migration_id, pipeline, batch_id) DO UPDATE SET
		lower_kind = excluded.lower_kind,
		lower_value = excluded.lower_value,
		upper_kind = excluded.upper_kind,
		upper_value = excluded.upper_value
`

// ScheduleBatch records an outstanding batch. Scheduling the same id again
// replaces its boundaries.
func (s *Store) ScheduleBatch(ctx context.Context, key TaskKey, b Batch) error {
	lk, lv := boundaryArgs(b.Lower)
	uk, uv := boundaryArgs(b.Upper)
	_, err := s.db.ExecContext(ctx, s.bind(insertBatch), key.MigrationID, key.Pipeline, b.ID, lk, lv, uk, uv)
	if err != nil {
		return fmt.Errorf("scheduling batch %d of %s: %w", b.ID, key, err)
	}
	return nil
}

// ScheduleBatches records a full batch plan in one transaction, so a crash
// never leaves a partial plan behind.
func (s *Store) ScheduleBatches(ctx context.Context, key TaskKey, batches []Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.bind(insertBatch))
	if err != nil {
		return fmt.Errorf("preparing batch insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range batches {
		lk, lv := boundaryArgs(b.Lower)
		uk, uv := boundaryArgs(b.Upper)
		if _, err := stmt.ExecContext(ctx, key.MigrationID, key.Pipeline, b.ID, lk, lv, uk, uv); err != nil {
			return fmt.Errorf("scheduling batch %d of %s: %w", b.ID, key, err)
		}
	}
	return tx.Commit()
}

// CompleteBatch removes a batch once its page has been committed to the target.
func (s *Store) CompleteBatch(ctx context.Context, key TaskKey, batchID int) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		DELETE FROM pipeline_batches WHERE migration_id = ? AND pipeline = ? AND batch_id = ?
	`), key.MigrationID, key.Pipeline, batchID)
	if err != nil {
		return fmt.Errorf("completing batch %d of %s: %w", batchID, key, err)
	}
	return nil
}

// ResetBatches removes every outstanding batch of a pipeline.
func (s *Store) ResetBatches(ctx context.Context, key TaskKey) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
		DELETE FROM pipeline_batches WHERE migration_id = ? AND pipeline = ?
	`), key.MigrationID, key.Pipeline)
	if err != nil {
		return fmt.Errorf("resetting batches of %s: %w", key, err)
	}
	return nil
}

// FindPendingBatches returns the outstanding batches of a pipeline ordered by id.
func (s *Store) FindPendingBatches(ctx context.Context, key TaskKey) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT batch_id, lower_kind, lower_value, upper_kind, upper_value
		FROM pipeline_batches WHERE migration_id = ? AND pipeline = ?
		ORDER BY batch_id
	`), key.MigrationID, key.Pipeline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var (
			b      Batch
			lk, lv sql.NullString
			uk, uv sql.NullString
		)
		if err := rows.Scan(&b.ID, &lk, &lv, &uk, &uv); err != nil {
			return nil, err
		}
		b.Lower = boundaryFrom(lk, lv)
		b.Upper = boundaryFrom(uk, uv)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func boundaryArgs(b *Boundary) (any, any) {
	if b == nil {
		return nil, nil
	}
	return b.Kind, b.Value
}

func boundaryFrom(kind, value sql.NullString) *Boundary {
	if !kind.Valid {
		return nil
	}
	return &Boundary{Kind: kind.String, Value: value.String}
}
