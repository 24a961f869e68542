// Package writer implements the write side of a pipeline. A writer loop
// pulls pages from the pipe and hands each one to a pooled write task that
// bulk loads it into the target in its own transaction.
package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/metrics"
	"github.com/johndauphine/tablecopy/internal/pipe"
	"github.com/johndauphine/tablecopy/internal/workerpool"
)

// Mode selects how pages are applied to the target.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeDelete      Mode = "delete"
)

// IndexMode selects what happens to secondary target indexes during a load.
type IndexMode string

const (
	IndexKeep    IndexMode = "keep"
	IndexDisable IndexMode = "disable"
	IndexDrop    IndexMode = "drop"
)

// Store is the part of the checkpoint store the writer uses.
type Store interface {
	GetTask(ctx context.Context, key checkpoint.TaskKey) (*checkpoint.Task, error)
	MarkTaskTruncated(ctx context.Context, key checkpoint.TaskKey) error
	UpdateTaskUpsertKeys(ctx context.Context, key checkpoint.TaskKey, keys []string) error
	UpdateTaskProgress(ctx context.Context, key checkpoint.TaskKey, rows int64) error
	CompleteBatch(ctx context.Context, key checkpoint.TaskKey, batchID int) error
}

// Progress receives the number of rows committed per pipeline.
type Progress interface {
	Add(pipeline string, rows int64)
}

// Options configures a Strategy.
type Options struct {
	Mode Mode
	Keys Keys

	Workers          int
	Backlog          int
	MaxRejections    int
	RejectionBackoff time.Duration
	Retry            workerpool.RetryPolicy
}

// Target is the table one pipeline writes to.
type Target struct {
	DB      *sql.DB
	Dialect driver.Dialect
	Table   driver.Table
	Key     checkpoint.TaskKey
	Item    *dataset.CopyItem
	// Truncate empties the table before the first page, once per migration.
	Truncate bool
	Indexes  IndexMode
}

// Strategy applies pages from a pipe to their target table.
type Strategy struct {
	store    Store
	progress Progress
	opts     Options
}

// New creates a writer strategy. progress may be nil.
func New(store Store, progress Progress, opts Options) *Strategy {
	if opts.Mode == "" {
		opts.Mode = ModeFull
	}
	if opts.Keys == (Keys{}) {
		opts.Keys = DefaultKeys()
	}
	return &Strategy{store: store, progress: progress, opts: opts}
}

// pipelineWriter is the state of one Write call.
type pipelineWriter struct {
	*Strategy
	target Target
	pipe   *pipe.Pipe
	log    *logging.Entry

	rows     atomic.Int64
	started  bool
	keys     []string
	identity bool
	disabled bool
}

// Write consumes p until the finished sentinel and returns the row count of
// the pipeline. Any failure aborts p.
func (s *Strategy) Write(ctx context.Context, p *pipe.Pipe, target Target) (int64, error) {
	w := &pipelineWriter{
		Strategy: s,
		target:   target,
		pipe:     p,
		log: logging.WithFields(logging.Fields{
			"migration": target.Key.MigrationID,
			"pipeline":  target.Key.Pipeline,
		}),
	}

	task, err := s.store.GetTask(ctx, target.Key)
	if err != nil {
		p.RequestAbort(ctx, err)
		return 0, err
	}
	if task != nil {
		w.rows.Store(task.TargetRows)
	}

	pool := workerpool.New(ctx, "writer:"+target.Key.Pipeline, workerpool.Options{
		Workers:          s.opts.Workers,
		Backlog:          s.opts.Backlog,
		MaxRejections:    s.opts.MaxRejections,
		RejectionBackoff: s.opts.RejectionBackoff,
		OnCancelled: func(task string, cause error) {
			w.log.Debug("Write task %s cancelled: %v", task, cause)
		},
	})

	loopErr := w.consume(ctx, pool, task)
	if loopErr != nil {
		pool.Cancel(loopErr)
	}
	joinErr := pool.Join()

	err = loopErr
	if joinErr != nil && (err == nil || errors.Is(err, copyerr.ErrPipeAborted)) {
		err = joinErr
	}
	if aborted, ok := err.(*copyerr.AbortedError); ok {
		err = aborted.Cause
	}
	if err != nil {
		p.RequestAbort(ctx, err)
	}

	w.finish(context.WithoutCancel(ctx))
	return w.rows.Load(), err
}

func (w *pipelineWriter) consume(ctx context.Context, pool *workerpool.Pool, task *checkpoint.Task) error {
	for {
		e, err := w.pipe.Get(ctx)
		if err != nil {
			return err
		}

		switch e.Kind() {
		case pipe.KindFinished:
			return nil

		case pipe.KindPoisoned:
			return &copyerr.PoisonedPipeError{Cause: e.Cause()}

		case pipe.KindValue:
			page := e.Page()
			if !w.started {
				w.started = true
				if err := w.prepare(ctx, page, task); err != nil {
					return err
				}
			}
			if err := pool.Submit(ctx, w.pageTask(page)); err != nil {
				return err
			}
		}
	}
}

// prepare runs the per-table steps due before the first page is written.
func (w *pipelineWriter) prepare(ctx context.Context, page *dataset.Page, task *checkpoint.Task) error {
	t := w.target
	d := t.Dialect

	if t.Truncate && (task == nil || !task.Truncated) {
		w.log.Info("Truncating %s", t.Table)
		if _, err := t.DB.ExecContext(ctx, d.TruncateStatement(t.Table)); err != nil {
			return d.ClassifyError("truncate", err)
		}
		if err := w.store.MarkTaskTruncated(ctx, t.Key); err != nil {
			return err
		}
		w.rows.Store(0)
	}

	if t.Indexes == IndexDisable || t.Indexes == IndexDrop {
		if err := w.suspendIndexes(ctx); err != nil {
			return err
		}
	}

	if w.opts.Mode != ModeFull {
		w.keys = w.opts.Keys.Derive(t.Table.Name, page)
		if len(w.keys) == 0 {
			return &copyerr.SchemaInvariantError{
				Table:  t.Table.String(),
				Reason: "the incremental approach can only be used on tables that have a valid identifier like PK or ID",
			}
		}
		if err := w.store.UpdateTaskUpsertKeys(ctx, t.Key, w.keys); err != nil {
			return err
		}
	}

	if q := d.IdentityQuery(); q != "" && w.opts.Mode != ModeDelete {
		var n int
		if err := t.DB.QueryRowContext(ctx, q, t.Table.Schema, t.Table.Name).Scan(&n); err != nil {
			return fmt.Errorf("checking identity column of %s: %w", t.Table, err)
		}
		w.identity = n > 0
	}
	return nil
}

func (w *pipelineWriter) suspendIndexes(ctx context.Context) error {
	t := w.target
	rows, err := t.DB.QueryContext(ctx, t.Dialect.IndexNamesQuery(), t.Table.Schema, t.Table.Name)
	if err != nil {
		return fmt.Errorf("listing indexes of %s: %w", t.Table, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		stmt := t.Dialect.DropIndexStatement(t.Table, name)
		if t.Indexes == IndexDisable {
			stmt = t.Dialect.DisableIndexStatement(t.Table, name)
			if stmt == "" {
				w.log.Warn("%s cannot disable indexes; keeping %s", t.Dialect.Name(), name)
				continue
			}
		}
		if _, err := t.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("suspending index %s on %s: %w", name, t.Table, err)
		}
		if t.Indexes == IndexDisable {
			w.disabled = true
		}
		w.log.Debug("Index %s on %s: %s", name, t.Table, t.Indexes)
	}
	return nil
}

// pageTask applies page with retries, then records it as done.
func (w *pipelineWriter) pageTask(page *dataset.Page) workerpool.Task {
	name := fmt.Sprintf("write-%d", page.BatchID)
	apply := workerpool.Retriable(name, w.opts.Retry, func(ctx context.Context) error {
		return w.apply(ctx, page)
	})

	return workerpool.Task{
		Name: name,
		Run: func(ctx context.Context) error {
			if err := apply.Run(ctx); err != nil {
				err = fmt.Errorf("writing batch %d to %s: %w", page.BatchID, w.target.Table, err)
				w.pipe.RequestAbort(ctx, err)
				return err
			}
			// The page is committed: its checkpoint must go even if a
			// sibling failure has cancelled ctx meanwhile.
			return w.record(context.WithoutCancel(ctx), page)
		},
	}
}

// apply writes page in one transaction.
func (w *pipelineWriter) apply(ctx context.Context, page *dataset.Page) error {
	if page.IsEmpty() {
		return nil
	}
	d := w.target.Dialect
	op := w.operation(page)
	if err := d.BulkWrite(ctx, w.target.DB, op); err != nil {
		return d.ClassifyError(op.Kind.String(), err)
	}
	return nil
}

// operation maps page onto the target columns for the writer mode.
func (w *pipelineWriter) operation(page *dataset.Page) driver.WriteOp {
	columns := make([]string, len(page.Columns))
	for i, c := range page.Columns {
		columns[i] = w.targetColumn(c.Name)
	}
	keys := make([]string, len(w.keys))
	for i, k := range w.keys {
		keys[i] = w.targetColumn(k)
	}
	op := driver.WriteOp{
		Table:    w.target.Table,
		Columns:  columns,
		Keys:     keys,
		Rows:     page.Rows,
		Identity: w.identity,
	}

	switch w.opts.Mode {
	case ModeIncremental:
		op.Kind = driver.WriteUpsert
	case ModeDelete:
		op.Kind = driver.WriteDelete
		op.Columns = keys
		op.Rows = make([][]any, len(page.Rows))
		for i, row := range page.Rows {
			op.Rows[i] = page.Values(row, w.keys)
		}
	default:
		op.Kind = driver.WriteInsert
	}
	return op
}

func (w *pipelineWriter) targetColumn(name string) string {
	if w.target.Item == nil {
		return name
	}
	return w.target.Item.TargetColumn(name)
}

// record counts a committed page and deletes its batch checkpoint.
func (w *pipelineWriter) record(ctx context.Context, page *dataset.Page) error {
	n := page.Len()
	total := w.rows.Add(int64(n))
	key := w.target.Key

	if err := w.store.CompleteBatch(ctx, key, page.BatchID); err != nil {
		w.pipe.RequestAbort(ctx, err)
		return err
	}
	if err := w.store.UpdateTaskProgress(ctx, key, total); err != nil {
		w.log.Warn("Failed to persist progress of %s: %v", key.Pipeline, err)
	}
	if n > 0 {
		metrics.PageWritten(key.Pipeline, n)
		if w.progress != nil {
			w.progress.Add(key.Pipeline, int64(n))
		}
	}
	return nil
}

// finish restores disabled indexes and persists the final row count.
func (w *pipelineWriter) finish(ctx context.Context) {
	t := w.target
	if w.disabled {
		w.log.Info("Rebuilding indexes of %s", t.Table)
		if _, err := t.DB.ExecContext(ctx, t.Dialect.RebuildIndexesStatement(t.Table)); err != nil {
			w.log.Error("Failed to rebuild indexes of %s: %v", t.Table, err)
		}
	}
	if err := w.store.UpdateTaskProgress(ctx, t.Key, w.rows.Load()); err != nil {
		w.log.Warn("Failed to persist row count of %s: %v", t.Key.Pipeline, err)
	}
}
