package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(context.Background(), "test", Options{Workers: 4, Backlog: 8})

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		err := p.Submit(context.Background(), Task{Name: "t", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}
	if err := p.Join(); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	assert.Equal(t, int32(50), ran.Load())
}

func TestTrySubmitRejectsWhenSaturated(t *testing.T) {
	p := New(context.Background(), "test", Options{Workers: 1, Backlog: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.TrySubmit(Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.TrySubmit(Task{Name: "queued", Run: func(context.Context) error { return nil }}))

	err := p.TrySubmit(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrRejected)

	close(release)
	require.NoError(t, p.Join())
	assert.ErrorIs(t, p.TrySubmit(Task{Name: "late"}), ErrClosed)
}

func TestSubmitGivesUpAfterMaxRejections(t *testing.T) {
	p := New(context.Background(), "readers", Options{
		Workers:          1,
		Backlog:          1,
		MaxRejections:    3,
		RejectionBackoff: time.Millisecond,
	})
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(Task{Name: "busy", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, p.TrySubmit(Task{Name: "queued", Run: func(context.Context) error { return nil }}))

	err := p.Submit(context.Background(), Task{Name: "batch-7", Run: func(context.Context) error { return nil }})
	var rejected *copyerr.RejectedSubmissionError
	require.True(t, errors.As(err, &rejected), "expected RejectedSubmissionError, got %v", err)
	assert.Equal(t, 3, rejected.Attempts)
	assert.Equal(t, "batch-7", rejected.Task)
	assert.Equal(t, "readers", rejected.Pool)

	close(release)
	require.NoError(t, p.Join())
}

func TestSubmitSucceedsOnceWorkerFrees(t *testing.T) {
	p := New(context.Background(), "test", Options{
		Workers:          1,
		MaxRejections:    50,
		RejectionBackoff: time.Millisecond,
	})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), Task{Name: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return nil
	}}))
	<-started

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), Task{Name: "next", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))
	require.NoError(t, p.Join())
	assert.True(t, ran.Load())
}

func TestJoinReturnsFirstFailureAndCancelsTheRest(t *testing.T) {
	var (
		mu        sync.Mutex
		cancelled []string
	)
	p := New(context.Background(), "writers", Options{
		Workers: 2,
		Backlog: 10,
		OnCancelled: func(task string, _ error) {
			mu.Lock()
			defer mu.Unlock()
			cancelled = append(cancelled, task)
		},
	})

	boom := errors.New("boom")
	blockerStarted := make(chan struct{})
	require.NoError(t, p.TrySubmit(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(blockerStarted)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-blockerStarted
	require.NoError(t, p.TrySubmit(Task{Name: "failing", Run: func(context.Context) error { return boom }}))

	var ranAfter atomic.Int32
	for i := 0; i < 3; i++ {
		// Queued behind the failure; these must never run.
		_ = p.TrySubmit(Task{Name: "after", Run: func(context.Context) error {
			ranAfter.Add(1)
			return nil
		}})
	}

	err := p.Join()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, ranAfter.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, cancelled, "blocker")
	assert.NotContains(t, cancelled, "failing")
}

func TestJoinReportsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, "test", Options{Workers: 1, Backlog: 1})
	started := make(chan struct{})
	require.NoError(t, p.TrySubmit(Task{Name: "wait", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started
	cancel()

	assert.ErrorIs(t, p.Join(), context.Canceled)
}

func TestCancelStopsSubmissions(t *testing.T) {
	p := New(context.Background(), "test", Options{Workers: 1})
	cause := errors.New("pipeline aborted")
	p.Cancel(cause)

	assert.ErrorIs(t, p.TrySubmit(Task{Name: "x", Run: func(context.Context) error { return nil }}), cause)
	assert.ErrorIs(t, p.Join(), cause)
}
