package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetriable(t *testing.T) {
	transient := &copyerr.TransientIOError{Op: "write", Err: errors.New("deadlock victim")}
	schema := &copyerr.SchemaInvariantError{Table: "dbo.orders", Reason: "no key"}

	tests := []struct {
		name      string
		failures  []error
		attempts  int
		wantCalls int
		wantErr   string
		wantIs    error
	}{
		{
			name:      "succeeds first time",
			attempts:  3,
			wantCalls: 1,
		},
		{
			name:      "recovers from transient failures",
			failures:  []error{transient, transient},
			attempts:  3,
			wantCalls: 3,
		},
		{
			name:      "gives up after attempts",
			failures:  []error{transient, transient, transient, transient},
			attempts:  3,
			wantCalls: 3,
			wantErr:   "giving up after 3 attempts: deadlock victim",
			wantIs:    transient,
		},
		{
			name:      "schema errors are not retried",
			failures:  []error{schema},
			attempts:  5,
			wantCalls: 1,
			wantErr:   "table dbo.orders: no key",
			wantIs:    schema,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			task := Retriable("write-1", RetryPolicy{Attempts: tt.attempts, Backoff: time.Millisecond, Pool: "test"},
				func(context.Context) error {
					calls++
					if calls <= len(tt.failures) {
						return tt.failures[calls-1]
					}
					return nil
				})
			assert.Equal(t, "write-1", task.Name)

			err := task.Run(context.Background())
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.ErrorIs(t, err, tt.wantIs)
		})
	}
}

func TestRetriableStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	task := Retriable("read-1", RetryPolicy{Attempts: 10, Backoff: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset")
	})

	err := task.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
