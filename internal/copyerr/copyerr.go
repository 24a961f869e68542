// Package copyerr defines the failure classes of the copy pipeline and how
// workers decide whether an error is worth retrying.
package copyerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPipeAborted matches every error returned by a pipe after abort.
var ErrPipeAborted = errors.New("pipe aborted")

// PlanningError means batches for a table could not be computed.
type PlanningError struct {
	Pipeline string
	Err      error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %s: %v", e.Pipeline, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// TransientIOError wraps a database or network error that is expected to succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// TimeoutError is returned when a pipe put or get does not complete in time.
type TimeoutError struct {
	Op      string // "put" or "get"
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cannot %s new item in time (%s). Consider increasing pipe_timeout or pipe_capacity", e.Op, e.Timeout)
}

// PoisonedPipeError is raised by a writer that received the poison sentinel.
type PoisonedPipeError struct {
	Cause error
}

func (e *PoisonedPipeError) Error() string {
	if e.Cause == nil {
		return "poison received; dying"
	}
	return fmt.Sprintf("poison received; dying: %v", e.Cause)
}

func (e *PoisonedPipeError) Unwrap() error { return e.Cause }

// RejectedSubmissionError means a worker pool kept rejecting a task after every backoff attempt.
type RejectedSubmissionError struct {
	Pool     string
	Task     string
	Attempts int
}

func (e *RejectedSubmissionError) Error() string {
	return fmt.Sprintf("pool %s rejected task %s after %d attempts", e.Pool, e.Task, e.Attempts)
}

// SchemaInvariantError means the table shape does not allow the requested operation.
type SchemaInvariantError struct {
	Table  string
	Reason string
	Err    error
}

func (e *SchemaInvariantError) Error() string {
	msg := e.Reason
	if e.Table != "" {
		msg = fmt.Sprintf("table %s: %s", e.Table, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SchemaInvariantError) Unwrap() error { return e.Err }

// AbortedError is returned by every pipe operation after abort.
type AbortedError struct {
	Cause error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("pipe aborted: %v", e.Cause)
}

func (e *AbortedError) Unwrap() error { return e.Cause }

func (e *AbortedError) Is(target error) bool { return target == ErrPipeAborted }

// IsRetryable reports whether a worker should try the failed unit of work again.
// Unclassified errors are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrPipeAborted) {
		return false
	}

	var (
		planning *PlanningError
		timeout  *TimeoutError
		poisoned *PoisonedPipeError
		rejected *RejectedSubmissionError
		schema   *SchemaInvariantError
	)
	switch {
	case errors.As(err, &planning),
		errors.As(err, &timeout),
		errors.As(err, &poisoned),
		errors.As(err, &rejected),
		errors.As(err, &schema):
		return false
	}
	return true
}

// RootCause unwraps err down to its innermost error.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}
