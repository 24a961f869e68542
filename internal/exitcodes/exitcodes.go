// Package exitcodes maps copy failures to process exit codes, so schedulers
// such as Airflow or Kubernetes can tell retryable failures from fatal ones.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/copyerr"
)

const (
	// Success - every pipeline completed
	Success = 0

	// ConfigError - configuration parsing or validation failed (don't retry)
	ConfigError = 1

	// ConnectionError - a database was unreachable or failed transiently (recoverable)
	ConnectionError = 2

	// TransferError - a pipeline failed or the migration ended aborted or stalled
	TransferError = 3

	// ValidationError - the tables do not support the requested mode (don't retry)
	ValidationError = 4

	// Cancelled - user cancelled via SIGINT/SIGTERM (recoverable)
	Cancelled = 5

	// StateError - the checkpoint store is missing or inconsistent
	StateError = 6

	// IOError - file I/O errors (recoverable)
	IOError = 7
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the exit code for err. Typed errors are classified
// first; plain errors fall back to matching their message.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}

	var (
		schemaErr    *copyerr.SchemaInvariantError
		transientErr *copyerr.TransientIOError
		planningErr  *copyerr.PlanningError
		timeoutErr   *copyerr.TimeoutError
		rejectedErr  *copyerr.RejectedSubmissionError
		poisonedErr  *copyerr.PoisonedPipeError
		pathErr      *os.PathError
	)
	switch {
	case errors.As(err, &schemaErr):
		return ValidationError
	case errors.As(err, &transientErr):
		return ConnectionError
	case errors.As(err, &planningErr),
		errors.As(err, &timeoutErr),
		errors.As(err, &rejectedErr),
		errors.As(err, &poisonedErr),
		errors.Is(err, copyerr.ErrPipeAborted):
		return TransferError
	case errors.As(err, &pathErr):
		return IOError
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "no such file", "permission denied", "is a directory"):
		return IOError
	case containsAny(errStr, "parsing config", "invalid config", "yaml:"):
		return ConfigError
	case containsAny(errStr, "connection", "dial", "refused", "no such host", "ping", "login failed"):
		return ConnectionError
	case containsAny(errStr, "migration not found", "checkpoint", "already exists"):
		return StateError
	case containsAny(errStr, "interrupt", "context deadline"):
		return Cancelled
	}
	return TransferError
}

// FromStatus returns the exit code for a migration that ran to an end state.
func FromStatus(status *checkpoint.MigrationStatus) int {
	if status == nil {
		return StateError
	}
	switch {
	case status.Status == checkpoint.StatusAborted,
		status.Status == checkpoint.StatusStalled,
		status.HasFailures():
		return TransferError
	}
	return Success
}

// IsRecoverable returns true if the error is recoverable (safe to retry).
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case TransferError:
		return "transfer error"
	case ValidationError:
		return "validation error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
