package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/johndauphine/tablecopy/internal/logging"
)

// Update is one JSON progress line.
type Update struct {
	Timestamp       string   `json:"timestamp"`
	Phase           string   `json:"phase"`
	TablesComplete  int      `json:"tables_complete"`
	TablesTotal     int      `json:"tables_total"`
	TablesRunning   int      `json:"tables_running"`
	RowsTransferred int64    `json:"rows_transferred"`
	RowsTotal       int64    `json:"rows_total,omitempty"`
	ProgressPct     float64  `json:"progress_pct"`
	CurrentTables   []string `json:"current_tables,omitempty"`
	ErrorCount      int      `json:"error_count,omitempty"`
}

// JSONReporter writes progress as JSON lines, at most once per interval
// except for table start and end events.
type JSONReporter struct {
	writer   io.Writer
	interval time.Duration
	clock    clock.Clock

	mu         sync.Mutex
	lastReport time.Time
	running    map[string]bool
	started    int
	complete   int
	errors     int
	rows       int64
	rowsTotal  int64
}

// NewJSONReporter creates a reporter writing to w (stderr when nil).
func NewJSONReporter(w io.Writer, interval time.Duration, c clock.Clock) *JSONReporter {
	if w == nil {
		w = os.Stderr
	}
	if c == nil {
		c = clock.New()
	}
	return &JSONReporter{
		writer:   w,
		interval: interval,
		clock:    c,
		running:  make(map[string]bool),
	}
}

func (r *JSONReporter) StartTable(pipeline string, estimatedRows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[pipeline] = true
	r.started++
	r.rowsTotal += estimatedRows
	r.emit("copy", true)
}

func (r *JSONReporter) Add(_ string, rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows += rows
	r.emit("copy", false)
}

func (r *JSONReporter) EndTable(pipeline string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, pipeline)
	r.complete++
	if err != nil {
		r.errors++
	}
	r.emit("copy", true)
}

// emit writes an update; callers hold r.mu.
func (r *JSONReporter) emit(phase string, immediate bool) {
	now := r.clock.Now()
	if !immediate && r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.lastReport = now

	u := Update{
		Timestamp:       now.UTC().Format(time.RFC3339),
		Phase:           phase,
		TablesComplete:  r.complete,
		TablesTotal:     r.started,
		TablesRunning:   len(r.running),
		RowsTransferred: r.rows,
		RowsTotal:       r.rowsTotal,
		ErrorCount:      r.errors,
	}
	if r.rowsTotal > 0 {
		u.ProgressPct = float64(r.rows) / float64(r.rowsTotal) * 100
	}
	for name := range r.running {
		u.CurrentTables = append(u.CurrentTables, name)
	}
	sort.Strings(u.CurrentTables)

	data, err := json.Marshal(u)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}
	fmt.Fprintln(r.writer, string(data))
}
