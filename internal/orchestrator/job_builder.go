package orchestrator

import (
	"context"
	"sort"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
)

// job is one pipeline assigned to a cluster node.
type job struct {
	item       *dataset.CopyItem
	key        checkpoint.TaskKey
	sourceRows int64
}

func (j job) task() checkpoint.Task {
	return checkpoint.Task{
		TaskKey:     j.key,
		SourceTable: j.item.SourceTable,
		TargetTable: j.item.TargetTable,
		ColumnMap:   j.item.ColumnMap,
		SourceRows:  j.sourceRows,
	}
}

// buildJobs assigns items to cluster nodes round-robin and estimates their
// size. An item whose row count cannot be read is scheduled with zero rows.
func (o *Orchestrator) buildJobs(ctx context.Context, migrationID string, items []*dataset.CopyItem) ([]job, error) {
	nodes := o.config.Cluster.NodeCount
	if nodes < 1 {
		nodes = 1
	}

	jobs := make([]job, 0, len(items))
	for i, item := range items {
		j := job{
			item: item,
			key: checkpoint.TaskKey{
				MigrationID: migrationID,
				Pipeline:    item.Pipeline(),
				Node:        i % nodes,
			},
		}

		if j.key.Node == o.config.Cluster.NodeID {
			source := o.deps.Rewriter.Rewrite(item).SourceTable
			rows, err := o.deps.Inspector.RowCount(ctx, driver.ParseTable(source, o.config.Source.Schema))
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logging.Warn("Could not estimate rows of %s: %v", source, err)
			}
			j.sourceRows = rows
			item.EstimatedRows = rows
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ownJobs returns the jobs assigned to this node, smallest first.
func (o *Orchestrator) ownJobs(jobs []job) []job {
	var own []job
	for _, j := range jobs {
		if j.key.Node == o.config.Cluster.NodeID {
			own = append(own, j)
		}
	}
	sort.SliceStable(own, func(a, b int) bool { return own[a].sourceRows < own[b].sourceRows })
	return own
}
