package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryGuard(t *testing.T) {
	tests := []struct {
		name      string
		readings  []int64
		timeout   time.Duration
		wantCalls int
	}{
		{name: "enough memory", readings: []int64{2048}, wantCalls: 1},
		{name: "unknown memory", readings: []int64{-1}, wantCalls: 1},
		{name: "waits until freed", readings: []int64{100, 200, 4096}, timeout: time.Minute, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			g := &MemoryGuard{
				MinFreeMB: 1024,
				Timeout:   tt.timeout,
				Interval:  time.Millisecond,
				available: func() int64 {
					v := tt.readings[min(calls, len(tt.readings)-1)]
					calls++
					return v
				},
			}
			if err := g.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error: %v", err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestMemoryGuardGivesUpAfterTimeout(t *testing.T) {
	g := &MemoryGuard{
		MinFreeMB: 1024,
		Timeout:   5 * time.Millisecond,
		Interval:  time.Millisecond,
		available: func() int64 { return 10 },
	}
	assert.NoError(t, g.Wait(context.Background()))
}

func TestMemoryGuardHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := &MemoryGuard{MinFreeMB: 1024, Interval: time.Hour, available: func() int64 { return 10 }}
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}

func TestNilMemoryGuard(t *testing.T) {
	var g *MemoryGuard
	assert.NoError(t, g.Wait(context.Background()))
}
