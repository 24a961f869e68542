// Package stats summarizes database/sql connection pools for logging.
package stats

import (
	"database/sql"
	"fmt"
	"time"
)

// PoolStats contains connection pool statistics for logging.
type PoolStats struct {
	Name         string // "source", "target", ...
	MaxConns     int
	InUse        int
	Idle         int
	WaitCount    int64
	WaitDuration time.Duration
}

// FromDB reads the current statistics of db.
func FromDB(name string, db *sql.DB) PoolStats {
	s := db.Stats()
	return PoolStats{
		Name:         name,
		MaxConns:     s.MaxOpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
	}
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	avg := time.Duration(0)
	if s.WaitCount > 0 {
		avg = s.WaitDuration / time.Duration(s.WaitCount)
	}
	return fmt.Sprintf("%s: %d/%d in use, %d idle, %d waits (%s avg)",
		s.Name, s.InUse, s.MaxConns, s.Idle, s.WaitCount, avg.Round(time.Microsecond))
}
