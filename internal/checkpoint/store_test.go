package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	s, err := Open(BackendSQLite, filepath.Join(t.TempDir(), "state", "checkpoint.db"), WithClock(mock))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func scheduleTasks(t *testing.T, s *Store, migrationID string, pipelines ...string) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateMigration(ctx, migrationID, len(pipelines)); err != nil {
		t.Fatalf("CreateMigration() error: %v", err)
	}
	for i, p := range pipelines {
		task := Task{
			TaskKey:     TaskKey{MigrationID: migrationID, Pipeline: p, Node: 0},
			SourceTable: p,
			TargetTable: p,
			SourceRows:  int64(100 * (len(pipelines) - i)),
		}
		if err := s.ScheduleTask(ctx, task); err != nil {
			t.Fatalf("ScheduleTask() error: %v", err)
		}
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("oracle", "whatever")
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBindPostgres(t *testing.T) {
	s := &Store{backend: BackendPostgres}
	got := s.bind("UPDATE t SET a = ? WHERE b = ? AND c = ?")
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", got)

	s.backend = BackendSQLite
	assert.Equal(t, "SELECT ?", s.bind("SELECT ?"))
}

func TestCreateMigrationTwice(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMigration(ctx, "m1", 3))
	err := s.CreateMigration(ctx, "m1", 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMigrationExists))

	m, err := s.GetMigration(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, StatusRunning, m.Status)
	assert.Equal(t, 3, m.TotalTasks)
	assert.Equal(t, mock.Now().UTC(), m.StartedAt)
	assert.Nil(t, m.FinishedAt)
}

func TestGetMigrationMissing(t *testing.T) {
	s, _ := newTestStore(t)
	m, err := s.GetMigration(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestTransitionMigration(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMigration(ctx, "m1", 1))

	tests := []struct {
		name     string
		from, to Status
		want     bool
	}{
		{"wrong source status", StatusProcessed, StatusPostProcessing, false},
		{"running to processed", StatusRunning, StatusProcessed, true},
		{"processed twice", StatusRunning, StatusProcessed, false},
		{"processed to postprocessing", StatusProcessed, StatusPostProcessing, true},
		{"postprocessing to finished", StatusPostProcessing, StatusFinished, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.Add(time.Second)
			ok, err := s.TransitionMigration(ctx, "m1", tt.from, tt.to)
			if err != nil {
				t.Fatalf("TransitionMigration() error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("TransitionMigration(%s -> %s) = %v, want %v", tt.from, tt.to, ok, tt.want)
			}
		})
	}

	m, err := s.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, m.Status)
	require.NotNil(t, m.FinishedAt)
	assert.Equal(t, mock.Now().UTC(), *m.FinishedAt)
}

func TestMarkTaskCompletedCountsOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	scheduleTasks(t, s, "m1", "a", "b")

	key := TaskKey{MigrationID: "m1", Pipeline: "a"}
	require.NoError(t, s.MarkTaskCompleted(ctx, key, 1500*time.Millisecond))
	require.NoError(t, s.MarkTaskCompleted(ctx, key, 2*time.Second))

	m, err := s.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.CompletedTasks)
	assert.False(t, m.Done())

	task, err := s.GetTask(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, task.Duration)
	assert.Equal(t, 1500*time.Millisecond, *task.Duration)
	assert.True(t, task.Completed())
}

func TestMarkTaskFailedKeepsFirstError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	scheduleTasks(t, s, "m1", "a")

	key := TaskKey{MigrationID: "m1", Pipeline: "a"}
	require.NoError(t, s.MarkTaskFailed(ctx, key, errors.New("connection reset")))
	require.NoError(t, s.MarkTaskFailed(ctx, key, errors.New("pipe aborted")))
	// A failed task cannot be completed afterwards.
	require.NoError(t, s.MarkTaskCompleted(ctx, key, time.Second))

	m, err := s.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.FailedTasks)
	assert.Equal(t, 0, m.CompletedTasks)
	assert.True(t, m.HasFailures())
	assert.True(t, m.Done())

	task, err := s.GetTask(ctx, key)
	require.NoError(t, err)
	assert.True(t, task.Failed)
	assert.Equal(t, "connection reset", task.Error)
	assert.Nil(t, task.Duration)

	failed, err := s.FindFailedTasks(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].Pipeline)
}

func TestFindPendingTasks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMigration(ctx, "m1", 4))

	tasks := []Task{
		{TaskKey: TaskKey{"m1", "big", 0}, SourceTable: "big", TargetTable: "big", SourceRows: 900},
		{TaskKey: TaskKey{"m1", "small", 0}, SourceTable: "small", TargetTable: "small", SourceRows: 10},
		{TaskKey: TaskKey{"m1", "other", 1}, SourceTable: "other", TargetTable: "other", SourceRows: 5},
		{TaskKey: TaskKey{"m1", "done", 0}, SourceTable: "done", TargetTable: "done", SourceRows: 1},
	}
	for _, task := range tasks {
		require.NoError(t, s.ScheduleTask(ctx, task))
	}
	require.NoError(t, s.MarkTaskCompleted(ctx, TaskKey{"m1", "done", 0}, time.Second))

	pending, err := s.FindPendingTasks(ctx, "m1", 0)
	require.NoError(t, err)
	var names []string
	for _, p := range pending {
		names = append(names, p.Pipeline)
	}
	assert.Equal(t, []string{"small", "big"}, names)

	pending, err = s.FindPendingTasks(ctx, "m1", 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "other", pending[0].Pipeline)
}

func TestScheduleTaskKeepsExisting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateMigration(ctx, "m1", 1))

	key := TaskKey{MigrationID: "m1", Pipeline: "orders"}
	task := Task{
		TaskKey:     key,
		SourceTable: "dbo.orders",
		TargetTable: "public.orders",
		ColumnMap:   map[string]string{"OrderID": "order_id"},
		SourceRows:  10,
	}
	require.NoError(t, s.ScheduleTask(ctx, task))
	require.NoError(t, s.UpdateTaskProgress(ctx, key, 7))

	task.SourceRows = 99
	require.NoError(t, s.ScheduleTask(ctx, task))

	got, err := s.GetTask(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.SourceRows)
	assert.Equal(t, int64(7), got.TargetRows)
	assert.Equal(t, map[string]string{"OrderID": "order_id"}, got.ColumnMap)
}

func TestTaskPlanAndKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	scheduleTasks(t, s, "m1", "a")
	key := TaskKey{MigrationID: "m1", Pipeline: "a"}

	require.NoError(t, s.UpdateTaskPlan(ctx, key, "seek", []string{"ID"}))
	require.NoError(t, s.UpdateTaskUpsertKeys(ctx, key, []string{"ITEMPK", "LANGPK"}))
	require.NoError(t, s.UpdateTaskProgress(ctx, key, 42))
	require.NoError(t, s.MarkTaskTruncated(ctx, key))

	got, err := s.GetTask(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "seek", got.Strategy)
	assert.Equal(t, []string{"ID"}, got.BatchColumns)
	assert.Equal(t, []string{"ITEMPK", "LANGPK"}, got.UpsertKeys)
	assert.True(t, got.Truncated)
	assert.Equal(t, int64(0), got.TargetRows)

	err = s.UpdateTaskProgress(ctx, TaskKey{MigrationID: "m1", Pipeline: "missing"}, 1)
	assert.Error(t, err)
}

func TestResetMigration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	scheduleTasks(t, s, "m1", "a", "b")

	a := TaskKey{MigrationID: "m1", Pipeline: "a"}
	b := TaskKey{MigrationID: "m1", Pipeline: "b"}
	require.NoError(t, s.MarkTaskCompleted(ctx, a, time.Second))
	require.NoError(t, s.MarkTaskFailed(ctx, b, errors.New("boom")))
	ok, err := s.TransitionMigration(ctx, "m1", StatusRunning, StatusAborted)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ResetMigration(ctx, "m1"))

	m, err := s.GetMigration(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, m.Status)
	assert.Equal(t, 0, m.FailedTasks)
	assert.Equal(t, 1, m.CompletedTasks)
	assert.Nil(t, m.FinishedAt)

	pending, err := s.FindPendingTasks(ctx, "m1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Pipeline)
	assert.Empty(t, pending[0].Error)

	assert.Error(t, s.ResetMigration(ctx, "missing"))
}

func TestBatchLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	scheduleTasks(t, s, "m1", "a")
	key := TaskKey{MigrationID: "m1", Pipeline: "a"}

	batches := []Batch{
		{ID: 0, Lower: &Boundary{Kind: "int", Value: "1"}, Upper: &Boundary{Kind: "int", Value: "1001"}},
		{ID: 1, Lower: &Boundary{Kind: "int", Value: "1001"}, Upper: &Boundary{Kind: "int", Value: "2001"}},
		{ID: 2, Lower: &Boundary{Kind: "int", Value: "2001"}},
	}
	for i := len(batches) - 1; i >= 0; i-- {
		require.NoError(t, s.ScheduleBatch(ctx, key, batches[i]))
	}

	pending, err := s.FindPendingBatches(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, batches, pending)

	require.NoError(t, s.CompleteBatch(ctx, key, 1))
	pending, err = s.FindPendingBatches(ctx, key)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 0, pending[0].ID)
	assert.Equal(t, 2, pending[1].ID)
	assert.Nil(t, pending[1].Upper)

	require.NoError(t, s.ResetBatches(ctx, key))
	pending, err = s.FindPendingBatches(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduleBatchReplacesBoundaries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := TaskKey{MigrationID: "m1", Pipeline: "a"}

	require.NoError(t, s.ScheduleBatch(ctx, key, Batch{ID: 0, Lower: &Boundary{Kind: "offset", Value: "0"}}))
	require.NoError(t, s.ScheduleBatch(ctx, key, Batch{ID: 0, Lower: &Boundary{Kind: "offset", Value: "500"}}))

	pending, err := s.FindPendingBatches(ctx, key)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "500", pending[0].Lower.Value)
}

func TestLastActivity(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastActivity(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	scheduleTasks(t, s, "m1", "a")
	mock.Add(90 * time.Second)
	require.NoError(t, s.UpdateTaskProgress(ctx, TaskKey{MigrationID: "m1", Pipeline: "a"}, 10))

	last, err = s.LastActivity(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, mock.Now().UTC(), last)
}

func TestListMigrations(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMigration(ctx, "old", 1))
	mock.Add(time.Hour)
	require.NoError(t, s.CreateMigration(ctx, "new", 2))

	list, err := s.ListMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].MigrationID)
	assert.Equal(t, "old", list[1].MigrationID)
}

func TestScheduleBatchesAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := TaskKey{MigrationID: "m1", Pipeline: "a"}

	plan := make([]Batch, 5)
	for i := range plan {
		plan[i] = Batch{ID: i, Lower: &Boundary{Kind: "offset", Value: strconv.Itoa(i * 100)}}
	}
	require.NoError(t, s.ScheduleBatches(ctx, key, plan))

	pending, err := s.FindPendingBatches(ctx, key)
	require.NoError(t, err)
	assert.Len(t, pending, 5)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.ScheduleBatches(ctx, TaskKey{MigrationID: "m1", Pipeline: "b"}, plan))

	pending, err = s.FindPendingBatches(context.Background(), TaskKey{MigrationID: "m1", Pipeline: "b"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
