package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/johndauphine/tablecopy/internal/metrics"
)

// RetryPolicy bounds how often a retriable task runs.
type RetryPolicy struct {
	// Attempts is the total number of runs, the first included.
	Attempts int
	// Backoff is the delay before the first retry; later delays grow
	// exponentially.
	Backoff time.Duration
	// Pool labels the retry metric.
	Pool string
}

// GiveUpError is returned once a retriable task used all its attempts.
type GiveUpError struct {
	Attempts int
	Err      error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, copyerr.RootCause(e.Err))
}

func (e *GiveUpError) Unwrap() error { return e.Err }

// Retriable wraps fn so that errors classified as retryable run it again
// with backoff. Other errors are returned at once.
func Retriable(name string, policy RetryPolicy, fn func(ctx context.Context) error) Task {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Backoff <= 0 {
		policy.Backoff = 500 * time.Millisecond
	}

	return Task{
		Name: name,
		Run: func(ctx context.Context) error {
			var attempts int
			permanent := false
			op := func() error {
				attempts++
				err := fn(ctx)
				if err != nil && !copyerr.IsRetryable(err) {
					permanent = true
					return backoff.Permanent(err)
				}
				return err
			}
			notify := func(err error, delay time.Duration) {
				metrics.TaskRetry(policy.Pool)
				logging.Warn("Task %s failed (attempt %d/%d), retrying in %s: %v",
					name, attempts, policy.Attempts, delay.Round(time.Millisecond), err)
			}

			b := backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(policy.Backoff),
				backoff.WithMaxElapsedTime(0),
			)
			err := backoff.RetryNotify(op,
				backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.Attempts-1)), ctx),
				notify)
			if err == nil || permanent || ctx.Err() != nil {
				return err
			}
			return &GiveUpError{Attempts: attempts, Err: err}
		},
	}
}
