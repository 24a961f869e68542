// Package orchestrator runs a migration: it schedules one pipeline per copy
// item, runs the pipelines with bounded table concurrency and moves the
// migration status through its phases.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/config"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/notify"
	"github.com/johndauphine/tablecopy/internal/planner"
	"github.com/johndauphine/tablecopy/internal/progress"
	"github.com/johndauphine/tablecopy/internal/reader"
	"github.com/johndauphine/tablecopy/internal/stats"
	"github.com/johndauphine/tablecopy/internal/workerpool"
	"github.com/johndauphine/tablecopy/internal/writer"
	"golang.org/x/sync/errgroup"
)

// Deps are the connections and collaborators of an Orchestrator.
type Deps struct {
	Source        *sql.DB
	Target        *sql.DB
	SourceDialect driver.Dialect
	TargetDialect driver.Dialect
	Store         *checkpoint.Store

	// Inspector defaults to the catalog of Source.
	Inspector planner.Inspector
	// Rewriter defaults to the views configured per table.
	Rewriter       SourceRewriter
	PostProcessors []PostProcessor
	Progress       progress.Sink
	Notifier       notify.Provider
	Clock          clock.Clock
}

// Orchestrator coordinates the pipelines of a migration.
type Orchestrator struct {
	config *config.Config
	deps   Deps
	clock  clock.Clock
	writer *writer.Strategy
	memory *reader.MemoryGuard

	closers []func() error
}

// New creates an orchestrator over already opened connections.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil || deps.Target == nil {
		return nil, errors.New("source and target connections are required")
	}
	if deps.SourceDialect == nil || deps.TargetDialect == nil {
		return nil, errors.New("source and target dialects are required")
	}
	if deps.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Inspector == nil {
		deps.Inspector = planner.NewCatalogInspector(deps.Source, deps.SourceDialect)
	}
	if deps.Rewriter == nil {
		deps.Rewriter = ViewRewriter{Config: cfg}
	}
	if deps.PostProcessors == nil && cfg.Migration.AnalyzeTargets {
		deps.PostProcessors = []PostProcessor{&Analyzer{DB: deps.Target, Dialect: deps.TargetDialect, Schema: cfg.Target.Schema}}
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	m := cfg.Migration
	o := &Orchestrator{
		config: cfg,
		deps:   deps,
		clock:  deps.Clock,
		memory: &reader.MemoryGuard{
			MinFreeMB: m.MinFreeMemoryMB,
			Timeout:   m.MemoryWaitTimeout,
			Clock:     deps.Clock,
		},
	}
	o.writer = writer.New(deps.Store, deps.Progress, writer.Options{
		Mode: writer.Mode(m.Mode),
		Keys: writer.Keys{
			Surrogate:       m.Keys.Surrogate,
			Identifier:      m.Keys.Identifier,
			LocalizedPair:   m.Keys.LocalizedPair,
			LocalizedSuffix: m.Keys.LocalizedSuffix,
		},
		Workers:          m.WriterWorkers,
		Backlog:          m.PoolBacklog,
		MaxRejections:    m.MaxRejections,
		RejectionBackoff: m.RejectionBackoff,
		Retry:            o.retryPolicy("writer"),
	})
	return o, nil
}

// Open connects to the configured databases and checkpoint store and returns
// an orchestrator that owns them. Close releases them.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Orchestrator, error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	m := cfg.Migration
	if deps.Source == nil {
		db, dialect, err := driver.Open(ctx, cfg.Source.Type, cfg.SourceDSN(), m.TableWorkers*m.ReaderWorkers+2)
		if err != nil {
			return nil, fmt.Errorf("connecting to source: %w", err)
		}
		deps.Source, deps.SourceDialect = db, dialect
		closers = append(closers, db.Close)
	}
	if deps.Target == nil {
		db, dialect, err := driver.Open(ctx, cfg.Target.Type, cfg.TargetDSN(), m.TableWorkers*m.WriterWorkers+2)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("connecting to target: %w", err)
		}
		deps.Target, deps.TargetDialect = db, dialect
		closers = append(closers, db.Close)
	}
	if deps.Store == nil {
		dsn := cfg.Checkpoint.Path
		if cfg.Checkpoint.Backend == config.CheckpointPostgres {
			dsn = cfg.Checkpoint.DSN
		}
		store, err := checkpoint.Open(cfg.Checkpoint.Backend, dsn)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
		deps.Store = store
		closers = append(closers, store.Close)
	}

	o, err := New(cfg, deps)
	if err != nil {
		cleanup()
		return nil, err
	}
	o.closers = closers
	return o, nil
}

// Close releases the resources opened by Open.
func (o *Orchestrator) Close() {
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil {
			logging.Warn("Close: %v", err)
		}
	}
	o.closers = nil
}

// Store returns the checkpoint store.
func (o *Orchestrator) Store() *checkpoint.Store { return o.deps.Store }

// Run starts a new migration of items. An empty migrationID gets a generated
// one. The returned status is the last one persisted; the error aggregates
// the pipeline failures. With migration.resume set, an existing migrationID
// is resumed instead of rejected.
func (o *Orchestrator) Run(ctx context.Context, migrationID string, items []*dataset.CopyItem) (*checkpoint.MigrationStatus, error) {
	if migrationID == "" {
		migrationID = uuid.NewString()
	}
	store := o.deps.Store

	if err := store.CreateMigration(ctx, migrationID, len(items)); err != nil {
		switch {
		case !errors.Is(err, checkpoint.ErrMigrationExists):
			return nil, err
		case o.config.Migration.Resume:
			logging.Info("Migration %s exists, resuming it", migrationID)
			return o.Resume(ctx, migrationID, items)
		case o.config.Cluster.NodeCount == 1:
			return nil, err
		}
		logging.Info("Joining migration %s as node %d", migrationID, o.config.Cluster.NodeID)
	}

	jobs, err := o.buildJobs(ctx, migrationID, items)
	if err != nil {
		o.finishEarly(ctx, migrationID)
		return nil, err
	}
	for _, j := range jobs {
		if err := store.ScheduleTask(ctx, j.task()); err != nil {
			o.finishEarly(ctx, migrationID)
			return nil, err
		}
	}

	logging.Info("Starting migration %s: %d pipelines, %d on this node", migrationID, len(jobs), len(o.ownJobs(jobs)))
	return o.execute(ctx, migrationID, o.ownJobs(jobs), false)
}

// Resume continues a migration: completed pipelines are skipped, failed and
// unfinished ones run again from their outstanding batches.
func (o *Orchestrator) Resume(ctx context.Context, migrationID string, items []*dataset.CopyItem) (*checkpoint.MigrationStatus, error) {
	store := o.deps.Store

	status, err := store.GetMigration(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("migration not found: %q", migrationID)
	}
	if status.Status == checkpoint.StatusFinished && !status.HasFailures() {
		logging.Info("Migration %s already finished", migrationID)
		return status, nil
	}

	if err := store.ResetMigration(ctx, migrationID); err != nil {
		return nil, err
	}
	pending, err := store.FindPendingTasks(ctx, migrationID, o.config.Cluster.NodeID)
	if err != nil {
		return nil, err
	}

	byPipeline := make(map[string]*dataset.CopyItem, len(items))
	for _, item := range items {
		byPipeline[item.Pipeline()] = item
	}
	var jobs []job
	for _, t := range pending {
		item, ok := byPipeline[t.Pipeline]
		if !ok {
			logging.Warn("Pipeline %s is no longer configured; skipping it", t.Pipeline)
			continue
		}
		jobs = append(jobs, job{item: item, key: t.TaskKey, sourceRows: t.SourceRows})
	}

	logging.Info("Resuming migration %s: %d pipelines outstanding on this node", migrationID, len(jobs))
	return o.execute(ctx, migrationID, jobs, true)
}

// Status returns the persisted status of a migration and its pipelines.
func (o *Orchestrator) Status(ctx context.Context, migrationID string) (*Report, error) {
	return LoadReport(ctx, o.deps.Store, migrationID)
}

// Abort marks a running migration as aborted. Its pipes observe the change on
// their next poll and stop.
func (o *Orchestrator) Abort(ctx context.Context, migrationID string) error {
	return Abort(ctx, o.deps.Store, migrationID)
}

// Abort moves migrationID from RUNNING to ABORTED.
func Abort(ctx context.Context, store *checkpoint.Store, migrationID string) error {
	ok, err := store.TransitionMigration(ctx, migrationID, checkpoint.StatusRunning, checkpoint.StatusAborted)
	if err != nil {
		return err
	}
	if !ok {
		status, err := store.GetMigration(ctx, migrationID)
		if err != nil {
			return err
		}
		if status == nil {
			return fmt.Errorf("migration not found: %q", migrationID)
		}
		return fmt.Errorf("migration %s is %s, not %s", migrationID, status.Status, checkpoint.StatusRunning)
	}
	logging.Warn("Migration %s aborted", migrationID)
	return nil
}

// execute runs jobs and drives the migration to its end state.
func (o *Orchestrator) execute(ctx context.Context, migrationID string, jobs []job, resume bool) (*checkpoint.MigrationStatus, error) {
	start := o.clock.Now()
	if err := o.deps.Notifier.MigrationStarted(migrationID, len(jobs)); err != nil {
		logging.Warn("Notification failed: %v", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	signal := &abortSignal{store: o.deps.Store, migrationID: migrationID}
	if o.config.Migration.StallTimeout > 0 {
		watcher := &stallWatcher{
			store:       o.deps.Store,
			clock:       o.clock,
			migrationID: migrationID,
			timeout:     o.config.Migration.StallTimeout,
			interval:    o.config.Migration.AbortPollInterval,
		}
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			watcher.Run(runCtx)
		}()
		defer func() {
			cancel(nil)
			<-stopped
		}()
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(o.config.Migration.TableWorkers)
	for _, j := range jobs {
		if runCtx.Err() != nil || signal.Aborted() {
			break
		}
		g.Go(func() error {
			if err := o.runPipeline(runCtx, j, resume, signal); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", j.item.Pipeline(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	logging.Debug("Connection pools: %s; %s",
		stats.FromDB("source", o.deps.Source), stats.FromDB("target", o.deps.Target))

	status, err := o.complete(context.WithoutCancel(ctx), migrationID, ctx.Err() != nil, result)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if status != nil {
		logging.Info("Migration %s is %s: %d completed, %d failed of %d pipelines in %s",
			migrationID, status.Status, status.CompletedTasks, status.FailedTasks, status.TotalTasks,
			o.clock.Since(start).Round(time.Second))
		if err := o.deps.Notifier.MigrationFinished(status, o.clock.Since(start)); err != nil {
			logging.Warn("Notification failed: %v", err)
		}
	}
	return status, result.ErrorOrNil()
}

// complete moves the migration to its end state once every pipeline of every
// node reached an outcome. Other nodes may still be running; in that case
// the status is left for the last node to finish.
func (o *Orchestrator) complete(ctx context.Context, migrationID string, cancelled bool, failures *multierror.Error) (*checkpoint.MigrationStatus, error) {
	store := o.deps.Store

	transition := func(from, to checkpoint.Status) bool {
		ok, err := store.TransitionMigration(ctx, migrationID, from, to)
		if err != nil {
			logging.Error("Migration %s: %v", migrationID, err)
		}
		return ok
	}

	if cancelled {
		transition(checkpoint.StatusRunning, checkpoint.StatusAborted)
		return store.GetMigration(ctx, migrationID)
	}
	if failures.ErrorOrNil() != nil && o.config.Migration.FailOnError {
		transition(checkpoint.StatusRunning, checkpoint.StatusAborted)
		return store.GetMigration(ctx, migrationID)
	}

	status, err := store.GetMigration(ctx, migrationID)
	if err != nil || status == nil {
		return status, err
	}
	if status.Status != checkpoint.StatusRunning {
		return status, nil
	}
	if !status.Done() {
		logging.Info("Node %d finished its pipelines; migration %s waits for %d more",
			o.config.Cluster.NodeID, migrationID, status.TotalTasks-status.CompletedTasks-status.FailedTasks)
		return status, nil
	}

	if !transition(checkpoint.StatusRunning, checkpoint.StatusProcessed) {
		return store.GetMigration(ctx, migrationID)
	}

	var postErr error
	if !status.HasFailures() && transition(checkpoint.StatusProcessed, checkpoint.StatusPostProcessing) {
		postErr = o.postProcess(ctx, migrationID)
		transition(checkpoint.StatusPostProcessing, checkpoint.StatusFinished)
	} else {
		transition(checkpoint.StatusProcessed, checkpoint.StatusFinished)
	}

	status, err = store.GetMigration(ctx, migrationID)
	if err == nil {
		err = postErr
	}
	return status, err
}

// finishEarly marks a migration that failed before any pipeline started.
func (o *Orchestrator) finishEarly(ctx context.Context, migrationID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := o.deps.Store.TransitionMigration(ctx, migrationID, checkpoint.StatusRunning, checkpoint.StatusAborted); err != nil {
		logging.Error("Migration %s: %v", migrationID, err)
	}
}

func (o *Orchestrator) retryPolicy(pool string) workerpool.RetryPolicy {
	return workerpool.RetryPolicy{
		Attempts: o.config.Migration.MaxWorkerRetries,
		Backoff:  o.config.Migration.RetryBackoff,
		Pool:     pool,
	}
}
