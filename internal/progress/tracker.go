package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johndauphine/tablecopy/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Tracker draws one progress bar over all rows of a migration.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     atomic.Int64
	current   atomic.Int64
	startTime time.Time

	// active pipeline name -> running flag
	mu     sync.Mutex
	active map[string]bool
	failed int
}

// NewTracker creates a tracker drawing to w (stderr when nil).
func NewTracker(w io.Writer) *Tracker {
	if w == nil {
		w = os.Stderr
	}
	return &Tracker{
		startTime: time.Now(),
		active:    make(map[string]bool),
		bar: progressbar.NewOptions64(
			-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("Copying"),
			progressbar.OptionShowBytes(false),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rows"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionFullWidth(),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// StartTable adds the estimate of pipeline to the bar total.
func (t *Tracker) StartTable(pipeline string, estimatedRows int64) {
	total := t.total.Add(estimatedRows)
	t.bar.ChangeMax64(total)

	t.mu.Lock()
	t.active[pipeline] = true
	n := len(t.active)
	t.mu.Unlock()
	t.describe(pipeline, n)
}

// Add advances the bar.
func (t *Tracker) Add(_ string, rows int64) {
	t.current.Add(rows)
	t.bar.Add64(rows)
}

// EndTable removes pipeline from the description.
func (t *Tracker) EndTable(pipeline string, err error) {
	t.mu.Lock()
	delete(t.active, pipeline)
	if err != nil {
		t.failed++
	}
	n := len(t.active)
	var remaining string
	for name := range t.active {
		remaining = name
		break
	}
	t.mu.Unlock()

	if n > 0 {
		t.describe(remaining, n)
	}
}

func (t *Tracker) describe(pipeline string, active int) {
	if active == 1 {
		t.bar.Describe(fmt.Sprintf("Copying %s", pipeline))
	} else {
		t.bar.Describe(fmt.Sprintf("Copying (%d tables)", active))
	}
}

// Current returns the number of rows copied so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish completes the bar and logs the throughput.
func (t *Tracker) Finish() {
	_ = t.bar.Finish()

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	t.mu.Lock()
	failed := t.failed
	t.mu.Unlock()
	logging.Info("Copy complete: %d rows in %s (%.0f rows/sec), %d tables failed",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec, failed)
}
