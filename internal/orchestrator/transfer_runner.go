package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/metrics"
	"github.com/johndauphine/tablecopy/internal/pipe"
	"github.com/johndauphine/tablecopy/internal/planner"
	"github.com/johndauphine/tablecopy/internal/reader"
	"github.com/johndauphine/tablecopy/internal/workerpool"
	"github.com/johndauphine/tablecopy/internal/writer"
)

// runPipeline copies one item: plan, read batches into a pipe, write them,
// record the outcome. Failures are recorded on the task and returned; they
// never stop other pipelines.
func (o *Orchestrator) runPipeline(ctx context.Context, j job, resume bool, signal pipe.Scheduler) error {
	start := o.clock.Now()
	m := o.config.Migration
	pipeline := j.key.Pipeline
	log := logging.WithFields(logging.Fields{"migration": j.key.MigrationID, "pipeline": pipeline})

	item := o.deps.Rewriter.Rewrite(j.item)
	source := driver.ParseTable(item.SourceTable, o.config.Source.Schema)
	target := driver.ParseTable(item.TargetTable, o.config.Target.Schema)
	o.deps.Progress.StartTable(pipeline, j.sourceRows)

	plnr := planner.New(o.deps.Inspector, o.deps.Store, planner.Options{
		Resume:        resume,
		SurrogateKey:  m.Keys.Surrogate,
		IdentifierKey: m.Keys.Identifier,
		DefaultSchema: o.config.Source.Schema,
		BatchSize:     m.BatchSize,
	})
	plan, err := plnr.Plan(ctx, item, j.key)
	if err != nil {
		return o.fail(ctx, j, start, err)
	}
	log.Info("Copying %s to %s: %d batches (%s)", source, target, len(plan.Batches), plan.Strategy)

	p := pipe.New(pipe.Options{
		Capacity:     m.PipeCapacity,
		Timeout:      m.PipeTimeout,
		Key:          j.key,
		Recorder:     o.deps.Store,
		Notifier:     o,
		Scheduler:    signal,
		PollInterval: m.AbortPollInterval,
		Clock:        o.clock,
	})
	defer p.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		o.readAll(ctx, p, plan, source, j.key, log)
	}()

	indexes := writer.IndexKeep
	if o.config.IndexesApplyTo(item.TargetTable) {
		indexes = writer.IndexMode(m.Indexes)
	}
	rows, err := o.writer.Write(ctx, p, writer.Target{
		DB:       o.deps.Target,
		Dialect:  o.deps.TargetDialect,
		Table:    target,
		Key:      j.key,
		Item:     item,
		Truncate: o.config.ShouldTruncate(item.TargetTable),
		Indexes:  indexes,
	})
	<-readDone
	if err != nil {
		return o.fail(ctx, j, start, err)
	}

	duration := o.clock.Since(start)
	if err := o.deps.Store.MarkTaskCompleted(context.WithoutCancel(ctx), j.key, duration); err != nil {
		return o.fail(ctx, j, start, err)
	}
	metrics.PipelineFinished(metrics.ResultSuccess, duration)
	o.deps.Progress.EndTable(pipeline, nil)
	log.Info("Copied %d rows to %s in %s", rows, target, duration.Round(time.Millisecond))
	return nil
}

// readAll submits one read task per batch and closes the pipe with the
// finished sentinel, or with a poison element when a read failed.
func (o *Orchestrator) readAll(ctx context.Context, p *pipe.Pipe, plan *planner.Plan, source driver.Table, key checkpoint.TaskKey, log *logging.Entry) {
	m := o.config.Migration
	pool := workerpool.New(ctx, "reader:"+key.Pipeline, workerpool.Options{
		Workers:          m.ReaderWorkers,
		Backlog:          m.PoolBacklog,
		MaxRejections:    m.MaxRejections,
		RejectionBackoff: m.RejectionBackoff,
		Clock:            o.clock,
		OnCancelled: func(task string, cause error) {
			log.Debug("Read task %s cancelled: %v", task, cause)
		},
	})

	var err error
	for _, b := range plan.Batches {
		if err = o.deps.Store.ScheduleBatch(ctx, key, b); err != nil {
			break
		}
		err = pool.Submit(ctx, reader.Task(reader.TaskConfig{
			DB:      o.deps.Source,
			Dialect: o.deps.SourceDialect,
			Table:   source,
			Plan:    plan,
			Batch:   b,
			Pipe:    p,
			Retry:   o.retryPolicy("reader"),
			Memory:  o.memory,
			Log:     log,
		}))
		if err != nil {
			break
		}
	}
	if err != nil {
		pool.Cancel(err)
	}
	if joinErr := pool.Join(); err == nil {
		err = joinErr
	}

	last := pipe.Finished()
	if err != nil {
		last = pipe.Poison(err)
	}
	if putErr := p.Put(ctx, last); putErr != nil && !errors.Is(putErr, copyerr.ErrPipeAborted) {
		cause := putErr
		if err != nil {
			cause = err
		}
		p.RequestAbort(ctx, cause)
	}
}

// fail records err as the outcome of j and returns it.
func (o *Orchestrator) fail(ctx context.Context, j job, start time.Time, err error) error {
	ctx = context.WithoutCancel(ctx)
	pipeline := j.key.Pipeline

	if recErr := o.deps.Store.MarkTaskFailed(ctx, j.key, err); recErr != nil {
		logging.Error("Recording failure of %s: %v", pipeline, recErr)
	}
	metrics.PipelineFinished(metrics.ResultFailure, o.clock.Since(start))
	o.deps.Progress.EndTable(pipeline, err)
	logging.WithFields(logging.Fields{"migration": j.key.MigrationID, "pipeline": pipeline}).
		Error("Pipeline failed: %v", err)

	if !errors.Is(err, pipe.ErrMigrationAborted) {
		if nErr := o.deps.Notifier.PipelineFailed(j.key.MigrationID, pipeline, err); nErr != nil {
			logging.Warn("Notification failed: %v", nErr)
		}
	}
	return err
}

// PipelineAborted is called by a pipe when it aborts. With fail_on_error the
// whole migration is aborted, which the other pipes observe on their next poll.
func (o *Orchestrator) PipelineAborted(key checkpoint.TaskKey, cause error) {
	if errors.Is(cause, pipe.ErrMigrationAborted) || !o.config.Migration.FailOnError {
		return
	}
	ok, err := o.deps.Store.TransitionMigration(context.Background(), key.MigrationID,
		checkpoint.StatusRunning, checkpoint.StatusAborted)
	if err != nil {
		logging.Error("Aborting migration %s: %v", key.MigrationID, err)
		return
	}
	if ok {
		logging.Warn("Migration %s aborted: pipeline %s failed and fail_on_error is set", key.MigrationID, key.Pipeline)
	}
}

var _ pipe.Notifier = (*Orchestrator)(nil)

