// Package workerpool runs the reader and writer tasks of a pipeline on a fixed
// number of goroutines. Submissions that find the backlog full are retried
// with exponential backoff, and the first task failure cancels the rest.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/metrics"
)

var (
	// ErrRejected is returned by TrySubmit when the backlog is full.
	ErrRejected = errors.New("pool backlog is full")
	// ErrClosed is returned when submitting to a pool that was joined.
	ErrClosed = errors.New("pool is closed")
)

// Task is one unit of work run by a pool worker.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures a Pool.
type Options struct {
	Workers int
	// Backlog is the number of queued tasks beyond the running ones.
	Backlog int
	// MaxRejections bounds how often Submit retries a rejected task.
	MaxRejections int
	// RejectionBackoff is the first delay after a rejection; it doubles on
	// every further rejection.
	RejectionBackoff time.Duration
	// OnCancelled is called for every task that did not run, or failed only
	// because an earlier task failed.
	OnCancelled func(task string, cause error)
	Clock       clock.Clock
}

// Pool is a fixed set of workers draining a bounded backlog.
type Pool struct {
	name  string
	opts  Options
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelCauseFunc

	tasks  chan Task
	mu     sync.RWMutex
	closed bool

	firstErr atomic.Pointer[error]
	wg       sync.WaitGroup
}

// New starts a pool whose workers stop when ctx is cancelled.
func New(ctx context.Context, name string, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Backlog < 0 {
		opts.Backlog = 0
	}
	if opts.MaxRejections < 1 {
		opts.MaxRejections = 10
	}
	if opts.RejectionBackoff <= 0 {
		opts.RejectionBackoff = 100 * time.Millisecond
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}

	poolCtx, cancel := context.WithCancelCause(ctx)
	p := &Pool{
		name:   name,
		opts:   opts,
		clock:  c,
		ctx:    poolCtx,
		cancel: cancel,
		tasks:  make(chan Task, opts.Backlog),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Name returns the pool name used in logs and metrics.
func (p *Pool) Name() string { return p.name }

func (p *Pool) worker() {
	defer p.wg.Done()

	for t := range p.tasks {
		if p.ctx.Err() != nil {
			p.cancelled(t.Name, context.Cause(p.ctx))
			continue
		}

		err := t.Run(p.ctx)
		if err == nil {
			continue
		}
		if p.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			p.cancelled(t.Name, context.Cause(p.ctx))
			continue
		}
		p.fail(t.Name, err)
	}
}

// fail keeps the first failure and cancels the remaining work.
func (p *Pool) fail(task string, err error) {
	if p.firstErr.CompareAndSwap(nil, &err) {
		logging.Debug("Pool %s: task %s failed, cancelling remaining tasks: %v", p.name, task, err)
		p.cancel(err)
		return
	}
	p.cancelled(task, err)
}

func (p *Pool) cancelled(task string, cause error) {
	if p.opts.OnCancelled != nil {
		p.opts.OnCancelled(task, cause)
	}
}

// TrySubmit queues t without blocking. It returns ErrRejected when the
// backlog is full and no worker is free.
func (p *Pool) TrySubmit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if p.ctx.Err() != nil {
		return context.Cause(p.ctx)
	}

	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrRejected
	}
}

// Submit queues t, backing off while the pool rejects it. After
// MaxRejections rejections it gives up with a RejectedSubmissionError.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.opts.RejectionBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(p.clock),
	)

	for attempt := 1; ; attempt++ {
		err := p.TrySubmit(t)
		if !errors.Is(err, ErrRejected) {
			return err
		}
		metrics.PoolRejection(p.name)
		if attempt >= p.opts.MaxRejections {
			return &copyerr.RejectedSubmissionError{Pool: p.name, Task: t.Name, Attempts: attempt}
		}

		delay := b.NextBackOff()
		logging.Debug("Pool %s rejected %s (attempt %d), retrying in %s", p.name, t.Name, attempt, delay)
		timer := p.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.ctx.Done():
			timer.Stop()
			return context.Cause(p.ctx)
		}
	}
}

// Join stops accepting tasks, waits for the queued ones and returns the first
// failure.
func (p *Pool) Join() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
	err := p.Err()
	if err == nil && p.ctx.Err() != nil {
		err = context.Cause(p.ctx)
	}
	p.cancel(nil)
	return err
}

// Err returns the first task failure, if any.
func (p *Pool) Err() error {
	if err := p.firstErr.Load(); err != nil {
		return *err
	}
	return nil
}

// Cancel stops the pool as if a task had failed with cause.
func (p *Pool) Cancel(cause error) {
	if p.firstErr.CompareAndSwap(nil, &cause) {
		p.cancel(cause)
	}
}
