// Package progress reports table copy progress to a terminal progress bar or
// as JSON lines for automation.
package progress

// Sink receives progress events from the orchestrator and writers.
type Sink interface {
	// StartTable registers a pipeline and its estimated row count.
	StartTable(pipeline string, estimatedRows int64)
	// Add records rows committed to the target.
	Add(pipeline string, rows int64)
	// EndTable marks a pipeline as done; err is nil on success.
	EndTable(pipeline string, err error)
}

// Nop discards progress events.
type Nop struct{}

func (Nop) StartTable(string, int64) {}
func (Nop) Add(string, int64)        {}
func (Nop) EndTable(string, error)   {}
