package orchestrator

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/logging"
)

// abortSignal reports whether a migration was aborted, by an operator or by
// the stall watcher. Pipes poll it.
type abortSignal struct {
	store       *checkpoint.Store
	migrationID string
}

func (s *abortSignal) Aborted() bool {
	m, err := s.store.GetMigration(context.Background(), s.migrationID)
	if err != nil {
		logging.Warn("Checking status of %s: %v", s.migrationID, err)
		return false
	}
	return m != nil && (m.Status == checkpoint.StatusAborted || m.Status == checkpoint.StatusStalled)
}

// stallWatcher moves a running migration to STALLED when no pipeline has
// reported progress for longer than timeout.
type stallWatcher struct {
	store       *checkpoint.Store
	clock       clock.Clock
	migrationID string
	timeout     time.Duration
	interval    time.Duration
}

// Run checks for a stall every interval until ctx is done or the migration
// leaves RUNNING.
func (w *stallWatcher) Run(ctx context.Context) {
	interval := w.interval
	if interval <= 0 || interval > w.timeout {
		interval = w.timeout
	}
	ticker := w.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if done := w.check(ctx); done {
			return
		}
	}
}

// check reports true once watching is no longer needed.
func (w *stallWatcher) check(ctx context.Context) bool {
	m, err := w.store.GetMigration(ctx, w.migrationID)
	if err != nil {
		logging.Warn("Stall check of %s: %v", w.migrationID, err)
		return false
	}
	if m == nil || m.Status != checkpoint.StatusRunning {
		return true
	}

	last, err := w.store.LastActivity(ctx, w.migrationID)
	if err != nil {
		logging.Warn("Stall check of %s: %v", w.migrationID, err)
		return false
	}
	idle := w.clock.Since(last)
	if idle <= w.timeout {
		return false
	}

	ok, err := w.store.TransitionMigration(ctx, w.migrationID, checkpoint.StatusRunning, checkpoint.StatusStalled)
	if err != nil {
		logging.Error("Marking %s stalled: %v", w.migrationID, err)
		return false
	}
	if ok {
		logging.Error("Migration %s stalled: no progress for %s (stall_timeout %s)",
			w.migrationID, idle.Round(time.Second), w.timeout)
	}
	return true
}
