// Package planner splits a table into disjoint batches that reader tasks can
// copy independently, and persists the plan so a resumed run picks up the
// remaining batches instead of planning again.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
)

// Strategy is the way a table is split into batches.
type Strategy string

const (
	// StrategySeek cuts the table into key ranges between sampled markers.
	StrategySeek Strategy = "seek"
	// StrategyOffset cuts the table into fixed-size row windows.
	StrategyOffset Strategy = "offset"
	// StrategyDefault reads the whole table in one unbatched task.
	StrategyDefault Strategy = "default"
)

// Store is the part of the checkpoint store the planner uses.
type Store interface {
	GetTask(ctx context.Context, key checkpoint.TaskKey) (*checkpoint.Task, error)
	UpdateTaskPlan(ctx context.Context, key checkpoint.TaskKey, strategy string, batchColumns []string) error
	ScheduleBatches(ctx context.Context, key checkpoint.TaskKey, batches []checkpoint.Batch) error
	ResetBatches(ctx context.Context, key checkpoint.TaskKey) error
	FindPendingBatches(ctx context.Context, key checkpoint.TaskKey) ([]checkpoint.Batch, error)
}

// Options configures a Planner.
type Options struct {
	// Resume reuses persisted batches instead of planning again.
	Resume bool
	// SurrogateKey is the preferred seek column (default "PK").
	SurrogateKey string
	// IdentifierKey is the seek column of audit tables (default "ID").
	IdentifierKey string
	// DefaultSchema applies to table names without a schema.
	DefaultSchema string
	// BatchSize applies when an item has none.
	BatchSize int
}

// Plan is the outcome of planning one pipeline.
type Plan struct {
	Strategy   Strategy
	KeyColumns []string
	Columns    []dataset.Column
	Batches    []checkpoint.Batch
	Resumed    bool
	Partition  string
}

// Planner computes or reloads the batches of a pipeline.
type Planner struct {
	inspector Inspector
	store     Store
	opts      Options
}

// New creates a planner.
func New(inspector Inspector, store Store, opts Options) *Planner {
	if opts.SurrogateKey == "" {
		opts.SurrogateKey = "PK"
	}
	if opts.IdentifierKey == "" {
		opts.IdentifierKey = "ID"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10000
	}
	return &Planner{inspector: inspector, store: store, opts: opts}
}

// Plan selects the strategy for item and returns its batches. The strategy and
// key columns are persisted on every run. With resume enabled and batches
// still outstanding, those batches are returned instead of a new plan.
func (p *Planner) Plan(ctx context.Context, item *dataset.CopyItem, key checkpoint.TaskKey) (*Plan, error) {
	log := logging.WithFields(logging.Fields{"migration": key.MigrationID, "pipeline": key.Pipeline})
	table := driver.ParseTable(item.SourceTable, p.opts.DefaultSchema)

	allColumns, err := p.inspector.Columns(ctx, table)
	if err != nil {
		return nil, planningError(key, err)
	}
	columns := make([]dataset.Column, 0, len(allColumns))
	for _, c := range allColumns {
		if !item.Excluded(c.Name) {
			columns = append(columns, c)
		}
	}
	if len(columns) == 0 {
		return nil, planningError(key, fmt.Errorf("table %s has no columns to copy", table))
	}

	strategy, keyColumns, err := p.selectStrategy(ctx, item, table, allColumns)
	if err != nil {
		return nil, planningError(key, err)
	}
	plan := &Plan{
		Strategy:   strategy,
		KeyColumns: keyColumns,
		Columns:    columns,
		Partition:  item.Chunk.Partition(),
	}

	if p.opts.Resume {
		resumed, err := p.reload(ctx, key, plan)
		if err != nil {
			return nil, planningError(key, err)
		}
		if resumed {
			log.Info("Resuming %s with %d outstanding batches (%s)", key.Pipeline, len(plan.Batches), strategy)
			return plan, nil
		}
	}

	batches, err := p.batches(ctx, item, table, plan)
	if err != nil {
		return nil, planningError(key, err)
	}
	plan.Batches = filterChunk(batches, item.Chunk)

	if err := p.store.ResetBatches(ctx, key); err != nil {
		return nil, planningError(key, err)
	}
	if err := p.store.ScheduleBatches(ctx, key, plan.Batches); err != nil {
		return nil, planningError(key, err)
	}
	if err := p.store.UpdateTaskPlan(ctx, key, string(strategy), keyColumns); err != nil {
		return nil, planningError(key, err)
	}

	if strategy == StrategyDefault {
		log.Warn("No key or unique index on %s: reading it in a single unbatched task", table)
	}
	log.Debug("Planned %d batches for %s using %s on %v", len(plan.Batches), table, strategy, keyColumns)
	return plan, nil
}

// reload fills plan from the persisted state of a previous run. It reports
// false when the pipeline has to be planned from scratch.
func (p *Planner) reload(ctx context.Context, key checkpoint.TaskKey, plan *Plan) (bool, error) {
	task, err := p.store.GetTask(ctx, key)
	if err != nil {
		return false, err
	}
	if task == nil || task.Strategy == "" {
		return false, nil
	}
	if task.Strategy != string(plan.Strategy) {
		logging.Warn("Strategy of %s changed from %s to %s since the last run; planning again",
			key.Pipeline, task.Strategy, plan.Strategy)
		return false, nil
	}

	pending, err := p.store.FindPendingBatches(ctx, key)
	if err != nil {
		return false, err
	}
	plan.Batches = pending
	plan.Resumed = true
	return true, nil
}

func (p *Planner) selectStrategy(ctx context.Context, item *dataset.CopyItem, table driver.Table, columns []dataset.Column) (Strategy, []string, error) {
	pk, err := p.inspector.PrimaryKey(ctx, table)
	if err != nil {
		return "", nil, err
	}
	if col := p.markerColumn(item, columns, pk); col != "" {
		return StrategySeek, []string{col}, nil
	}

	candidates, err := p.inspector.UniqueIndexes(ctx, table)
	if err != nil {
		return "", nil, err
	}
	if len(pk) > 1 {
		candidates = append(candidates, Index{Name: "PRIMARY KEY", Columns: pk})
	}
	if idx, ok := narrowestIndex(candidates); ok {
		return StrategyOffset, idx.Columns, nil
	}
	return StrategyDefault, nil, nil
}

// markerColumn returns the column to sample markers on, or "".
func (p *Planner) markerColumn(item *dataset.CopyItem, columns []dataset.Column, pk []string) string {
	if item.Audit {
		if c := findColumn(columns, p.opts.IdentifierKey); c != "" {
			return c
		}
	}
	if c := findColumn(columns, p.opts.SurrogateKey); c != "" {
		return c
	}
	if len(pk) == 1 {
		return pk[0]
	}
	return ""
}

func (p *Planner) batches(ctx context.Context, item *dataset.CopyItem, table driver.Table, plan *Plan) ([]checkpoint.Batch, error) {
	size := item.BatchSize
	if size <= 0 {
		size = p.opts.BatchSize
	}

	switch plan.Strategy {
	case StrategySeek:
		markers, err := p.inspector.Markers(ctx, table, plan.KeyColumns[0], size)
		if err != nil {
			return nil, err
		}
		if len(markers) == 0 {
			count, err := p.inspector.RowCount(ctx, table)
			if err != nil {
				return nil, err
			}
			if count > 0 {
				return nil, errors.New("could not retrieve batch values")
			}
			return nil, nil
		}
		return seekBatches(markers)

	case StrategyOffset:
		count, err := p.inspector.RowCount(ctx, table)
		if err != nil {
			return nil, err
		}
		return offsetBatches(count, int64(size)), nil

	default:
		return []checkpoint.Batch{{ID: 0}}, nil
	}
}

// seekBatches turns ordered markers into ranges [m[i], m[i+1]); the last
// range is open-ended.
func seekBatches(markers []any) ([]checkpoint.Batch, error) {
	batches := make([]checkpoint.Batch, len(markers))
	for i, m := range markers {
		lower, err := EncodeMarker(m)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", i, err)
		}
		batches[i].ID = i
		batches[i].Lower = lower
		if i > 0 {
			batches[i-1].Upper = lower
		}
	}
	return batches, nil
}

// offsetBatches returns windows [i*size, i*size+size) covering count rows.
func offsetBatches(count, size int64) []checkpoint.Batch {
	var batches []checkpoint.Batch
	for i, off := 0, int64(0); off < count; i, off = i+1, off+size {
		batches = append(batches, checkpoint.Batch{
			ID:    i,
			Lower: EncodeOffset(off),
			Upper: EncodeOffset(off + size),
		})
	}
	return batches
}

// filterChunk keeps the batches that belong to chunk.
func filterChunk(batches []checkpoint.Batch, chunk *dataset.Chunk) []checkpoint.Batch {
	if chunk == nil || chunk.Count <= 1 {
		return batches
	}
	var kept []checkpoint.Batch
	for _, b := range batches {
		if b.ID%chunk.Count == chunk.Index {
			kept = append(kept, b)
		}
	}
	return kept
}

// narrowestIndex picks the index with the fewest columns, ties broken by name.
func narrowestIndex(indexes []Index) (Index, bool) {
	if len(indexes) == 0 {
		return Index{}, false
	}
	sorted := append([]Index(nil), indexes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Columns) != len(sorted[j].Columns) {
			return len(sorted[i].Columns) < len(sorted[j].Columns)
		}
		return sorted[i].Name < sorted[j].Name
	})
	return sorted[0], true
}

func findColumn(columns []dataset.Column, name string) string {
	for _, c := range columns {
		if strings.EqualFold(c.Name, name) {
			return c.Name
		}
	}
	return ""
}

func planningError(key checkpoint.TaskKey, err error) error {
	var planning *copyerr.PlanningError
	if errors.As(err, &planning) {
		return err
	}
	return &copyerr.PlanningError{Pipeline: key.Pipeline, Err: err}
}
