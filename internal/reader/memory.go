package reader

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johndauphine/tablecopy/internal/logging"
)

// MemoryGuard delays a read until the host has enough free memory.
type MemoryGuard struct {
	MinFreeMB int64
	Timeout   time.Duration
	Interval  time.Duration
	Clock     clock.Clock

	// available reports free memory in MB, or -1 when unknown.
	available func() int64
}

// Wait blocks while free memory is below MinFreeMB. After Timeout it logs a
// warning and lets the read proceed. A nil guard never waits.
func (g *MemoryGuard) Wait(ctx context.Context) error {
	if g == nil || g.MinFreeMB <= 0 {
		return nil
	}
	available := g.available
	if available == nil {
		available = availableMemoryMB
	}
	free := available()
	if free < 0 || free >= g.MinFreeMB {
		return nil
	}

	c := g.Clock
	if c == nil {
		c = clock.New()
	}
	interval := g.Interval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := c.Now().Add(g.Timeout)
	logging.Debug("Only %d MB free (need %d MB), waiting before reading", free, g.MinFreeMB)

	ticker := c.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if free = available(); free >= g.MinFreeMB {
			return nil
		}
		if g.Timeout > 0 && !c.Now().Before(deadline) {
			logging.Warn("Free memory still %d MB after %s, reading anyway", free, g.Timeout)
			return nil
		}
	}
}
