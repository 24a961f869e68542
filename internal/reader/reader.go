// Package reader implements the read side of a pipeline: one task per batch
// that queries its slice of the source table and puts the page into the pipe.
package reader

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/pipe"
	"github.com/johndauphine/tablecopy/internal/planner"
	"github.com/johndauphine/tablecopy/internal/workerpool"
)

// TaskConfig describes one batch read.
type TaskConfig struct {
	DB      *sql.DB
	Dialect driver.Dialect
	Table   driver.Table
	Plan    *planner.Plan
	Batch   checkpoint.Batch
	Pipe    *pipe.Pipe
	Retry   workerpool.RetryPolicy
	Memory  *MemoryGuard
	// Log carries the pipeline fields.
	Log *logging.Entry
}

// Task returns the pool task reading cfg.Batch. Query failures are retried
// per cfg.Retry; a failed Put is returned as is. Nothing is read once the
// pipe has been aborted.
func Task(cfg TaskConfig) workerpool.Task {
	name := fmt.Sprintf("read-%d", cfg.Batch.ID)
	log := cfg.Log
	if log == nil {
		log = logging.WithFields(logging.Fields{"table": cfg.Table.String()})
	}

	return workerpool.Task{
		Name: name,
		Run: func(ctx context.Context) error {
			if err := cfg.Pipe.Err(); err != nil {
				return err
			}
			if err := cfg.Memory.Wait(ctx); err != nil {
				return err
			}

			var page *dataset.Page
			fetch := workerpool.Retriable(name, cfg.Retry, func(ctx context.Context) error {
				if err := cfg.Pipe.Err(); err != nil {
					return err
				}
				var err error
				page, err = readBatch(ctx, cfg)
				return err
			})
			start := time.Now()
			if err := fetch.Run(ctx); err != nil {
				return fmt.Errorf("reading batch %d of %s: %w", cfg.Batch.ID, cfg.Table, err)
			}
			log.Debug("Read batch %d: %d rows in %s", cfg.Batch.ID, page.Len(), time.Since(start).Round(time.Millisecond))

			return cfg.Pipe.Put(ctx, pipe.Value(page))
		},
	}
}

func readBatch(ctx context.Context, cfg TaskConfig) (*dataset.Page, error) {
	query, args, err := buildQuery(cfg)
	if err != nil {
		return nil, err
	}

	rows, err := cfg.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cfg.Dialect.ClassifyError("read", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	page := &dataset.Page{
		BatchID:   cfg.Batch.ID,
		Columns:   planner.DescribeColumns(types),
		Partition: cfg.Plan.Partition,
	}

	for rows.Next() {
		values := make([]any, len(page.Columns))
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		for i, v := range values {
			values[i] = cfg.Dialect.NormalizeValue(page.Columns[i], v)
		}
		page.Rows = append(page.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, cfg.Dialect.ClassifyError("read", err)
	}
	return page, nil
}

// buildQuery returns the statement reading the batch and its parameters.
func buildQuery(cfg TaskConfig) (string, []any, error) {
	d := cfg.Dialect
	columns := make([]string, len(cfg.Plan.Columns))
	for i, c := range cfg.Plan.Columns {
		columns[i] = c.Name
	}

	lower, err := planner.Decode(cfg.Batch.Lower)
	if err != nil {
		return "", nil, err
	}
	upper, err := planner.Decode(cfg.Batch.Upper)
	if err != nil {
		return "", nil, err
	}

	switch cfg.Plan.Strategy {
	case planner.StrategySeek:
		if upper == nil {
			return d.SeekQuery(cfg.Table, columns, cfg.Plan.KeyColumns[0], false), []any{lower}, nil
		}
		return d.SeekQuery(cfg.Table, columns, cfg.Plan.KeyColumns[0], true), []any{lower, upper}, nil

	case planner.StrategyOffset:
		offset, ok1 := lower.(int64)
		end, ok2 := upper.(int64)
		if !ok1 || !ok2 {
			return "", nil, fmt.Errorf("batch %d has no offset window", cfg.Batch.ID)
		}
		return d.OffsetQuery(cfg.Table, columns, cfg.Plan.KeyColumns), []any{offset, end - offset}, nil

	case planner.StrategyDefault:
		return d.FullScanQuery(cfg.Table, columns), nil, nil

	default:
		return "", nil, fmt.Errorf("unknown strategy %q", cfg.Plan.Strategy)
	}
}
