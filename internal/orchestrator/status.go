package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
)

// Report is the persisted state of one migration.
type Report struct {
	Migration *checkpoint.MigrationStatus `json:"migration"`
	Tasks     []checkpoint.Task           `json:"tasks"`
}

// LoadReport reads the status of migrationID. An empty id selects the most
// recently started migration.
func LoadReport(ctx context.Context, store *checkpoint.Store, migrationID string) (*Report, error) {
	if migrationID == "" {
		all, err := store.ListMigrations(ctx)
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, errors.New("migration not found: no migrations recorded")
		}
		migrationID = all[0].MigrationID
	}

	m, err := store.GetMigration(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("migration not found: %q", migrationID)
	}
	tasks, err := store.ListTasks(ctx, migrationID)
	if err != nil {
		return nil, err
	}
	return &Report{Migration: m, Tasks: tasks}, nil
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a summary line followed by one row per pipeline.
func (r *Report) WriteText(w io.Writer) error {
	m := r.Migration
	fmt.Fprintf(w, "Migration: %s\n", m.MigrationID)
	fmt.Fprintf(w, "Status:    %s\n", m.Status)
	fmt.Fprintf(w, "Started:   %s\n", m.StartedAt.Format(time.RFC3339))
	if m.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:  %s (%s)\n", m.FinishedAt.Format(time.RFC3339), m.FinishedAt.Sub(m.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "Pipelines: %d total, %d completed, %d failed, %d pending\n\n",
		m.TotalTasks, m.CompletedTasks, m.FailedTasks, max(m.TotalTasks-m.CompletedTasks-m.FailedTasks, 0))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tNODE\tSTATE\tSTRATEGY\tROWS\tDURATION\tERROR")
	for _, t := range r.Tasks {
		state, duration := "pending", "-"
		switch {
		case t.Failed:
			state = "failed"
		case t.Completed():
			state = "completed"
			duration = t.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.Pipeline, t.Node, state, orDash(t.Strategy), t.TargetRows, t.SourceRows, duration, orDash(t.Error))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
