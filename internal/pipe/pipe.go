// Package pipe connects the readers of one table to its writer loop through a
// bounded queue. A pipe can be aborted once; after that every operation fails
// with the first abort cause.
package pipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/metrics"
)

// ErrMigrationAborted is the abort cause used when the scheduler reports that
// the whole migration was aborted.
var ErrMigrationAborted = errors.New("migration aborted")

// Recorder persists the failure of the pipeline a pipe belongs to.
type Recorder interface {
	MarkTaskFailed(ctx context.Context, key checkpoint.TaskKey, cause error) error
}

// Notifier is told when a pipe aborts so the owner can stop related work.
type Notifier interface {
	PipelineAborted(key checkpoint.TaskKey, cause error)
}

// Scheduler reports whether the migration the pipe belongs to has been aborted.
type Scheduler interface {
	Aborted() bool
}

// Options configures a Pipe.
type Options struct {
	Capacity int
	// Timeout bounds each Put and Get. Zero waits forever.
	Timeout time.Duration
	Key     checkpoint.TaskKey

	Recorder  Recorder
	Notifier  Notifier
	Scheduler Scheduler
	// PollInterval enables a background check of Scheduler.Aborted. Put and
	// Get only see the abort it raises.
	PollInterval time.Duration

	Clock clock.Clock
}

// Pipe is a bounded queue of elements with abort semantics.
type Pipe struct {
	opts  Options
	clock clock.Clock
	log   *logging.Entry

	queue   chan Element
	abortCh chan struct{}
	cause   atomic.Pointer[error]
	waiters atomic.Int32

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a pipe and starts the scheduler poll if one is configured. A
// pipe of an already aborted migration starts aborted.
func New(opts Options) *Pipe {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	c := opts.Clock
	if c == nil {
		c = clock.New()
	}
	p := &Pipe{
		opts:    opts,
		clock:   c,
		log:     logging.WithFields(logging.Fields{"migration": opts.Key.MigrationID, "pipeline": opts.Key.Pipeline}),
		queue:   make(chan Element, opts.Capacity),
		abortCh: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if opts.Scheduler != nil {
		if opts.Scheduler.Aborted() {
			p.RequestAbort(context.Background(), ErrMigrationAborted)
			return p
		}
		if opts.PollInterval > 0 {
			p.wg.Add(1)
			go p.poll()
		}
	}
	return p
}

// Put enqueues e, waiting up to the configured timeout for free capacity.
func (p *Pipe) Put(ctx context.Context, e Element) error {
	if err := p.Err(); err != nil {
		return err
	}

	p.waiters.Add(1)
	defer p.waiters.Add(-1)

	timeout, stop := p.deadline()
	defer stop()

	select {
	case p.queue <- e:
		// An abort that raced the send still wins.
		return p.Err()
	case <-p.abortCh:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		metrics.PipeTimeout("put")
		return &copyerr.TimeoutError{Op: "put", Timeout: p.opts.Timeout}
	}
}

// Get dequeues the next element, waiting up to the configured timeout.
func (p *Pipe) Get(ctx context.Context) (Element, error) {
	if err := p.Err(); err != nil {
		return Element{}, err
	}

	p.waiters.Add(1)
	defer p.waiters.Add(-1)

	timeout, stop := p.deadline()
	defer stop()

	select {
	case e := <-p.queue:
		if err := p.Err(); err != nil {
			return Element{}, err
		}
		return e, nil
	case <-p.abortCh:
		return Element{}, p.Err()
	case <-ctx.Done():
		return Element{}, ctx.Err()
	case <-timeout:
		metrics.PipeTimeout("get")
		return Element{}, &copyerr.TimeoutError{Op: "get", Timeout: p.opts.Timeout}
	}
}

// RequestAbort aborts the pipe with cause. Only the first call has an effect;
// it reports whether this call was the one that aborted the pipe.
func (p *Pipe) RequestAbort(ctx context.Context, cause error) bool {
	if cause == nil {
		cause = errors.New("unknown cause")
	}
	if !p.cause.CompareAndSwap(nil, &cause) {
		return false
	}
	close(p.abortCh)

	p.drain()
	select {
	case p.queue <- Poison(cause):
	default:
	}

	p.log.Warn("Pipe aborted: %v", cause)

	if p.opts.Recorder != nil {
		if err := p.opts.Recorder.MarkTaskFailed(context.WithoutCancel(ctx), p.opts.Key, cause); err != nil {
			p.log.Error("Failed to record pipeline failure: %v", err)
		}
	}
	if p.opts.Notifier != nil {
		p.opts.Notifier.PipelineAborted(p.opts.Key, cause)
	}
	return true
}

// Err returns nil while the pipe is healthy, and an *copyerr.AbortedError
// carrying the first cause once it has been aborted.
func (p *Pipe) Err() error {
	if c := p.cause.Load(); c != nil {
		return &copyerr.AbortedError{Cause: *c}
	}
	return nil
}

// Size returns the number of queued elements.
func (p *Pipe) Size() int {
	return len(p.queue)
}

// WaitersCount returns the number of Put and Get calls currently blocked.
func (p *Pipe) WaitersCount() int {
	return int(p.waiters.Load())
}

// Key returns the pipeline the pipe belongs to.
func (p *Pipe) Key() checkpoint.TaskKey {
	return p.opts.Key
}

// Close stops the scheduler poll. It does not abort the pipe.
func (p *Pipe) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

func (p *Pipe) deadline() (<-chan time.Time, func()) {
	if p.opts.Timeout <= 0 {
		return nil, func() {}
	}
	t := p.clock.Timer(p.opts.Timeout)
	return t.C, func() { t.Stop() }
}

func (p *Pipe) drain() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

func (p *Pipe) poll() {
	defer p.wg.Done()
	ticker := p.clock.Ticker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.abortCh:
			return
		case <-ticker.C:
			if p.opts.Scheduler.Aborted() {
				p.RequestAbort(context.Background(), ErrMigrationAborted)
				return
			}
		}
	}
}
