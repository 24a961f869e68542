package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/config"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
)

// PostProcessor runs once after every pipeline of a migration completed.
type PostProcessor interface {
	Name() string
	Process(ctx context.Context, tasks []checkpoint.Task) error
}

// SourceRewriter may substitute the table an item is read from, for
// example a view that filters or joins the source table.
type SourceRewriter interface {
	Rewrite(item *dataset.CopyItem) *dataset.CopyItem
}

// ViewRewriter reads from the view configured for a table, if any.
type ViewRewriter struct {
	Config *config.Config
}

func (r ViewRewriter) Rewrite(item *dataset.CopyItem) *dataset.CopyItem {
	view, ok := r.Config.ViewFor(item.SourceTable)
	if !ok {
		return item
	}
	rewritten := *item
	rewritten.SourceTable = view
	return &rewritten
}

// Analyzer refreshes planner statistics of every target table.
type Analyzer struct {
	DB      *sql.DB
	Dialect driver.Dialect
	Schema  string
}

func (a *Analyzer) Name() string { return "analyze" }

func (a *Analyzer) Process(ctx context.Context, tasks []checkpoint.Task) error {
	seen := make(map[string]bool)
	var result *multierror.Error
	for _, t := range tasks {
		if seen[t.TargetTable] {
			continue
		}
		seen[t.TargetTable] = true

		table := driver.ParseTable(t.TargetTable, a.Schema)
		if _, err := a.DB.ExecContext(ctx, a.Dialect.AnalyzeStatement(table)); err != nil {
			result = multierror.Append(result, fmt.Errorf("analyzing %s: %w", table, err))
			continue
		}
		logging.Debug("Analyzed %s", table)
	}
	return result.ErrorOrNil()
}

// postProcess runs every post-processor over the tasks of the migration.
func (o *Orchestrator) postProcess(ctx context.Context, migrationID string) error {
	if len(o.deps.PostProcessors) == 0 {
		return nil
	}
	tasks, err := o.deps.Store.ListTasks(ctx, migrationID)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, pp := range o.deps.PostProcessors {
		start := o.clock.Now()
		if err := pp.Process(ctx, tasks); err != nil {
			logging.Error("Post-processing step %s failed: %v", pp.Name(), err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", pp.Name(), err))
			continue
		}
		logging.Info("Post-processing step %s done in %s", pp.Name(), o.clock.Since(start).Round(time.Millisecond))
	}
	return result.ErrorOrNil()
}
