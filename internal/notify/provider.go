// Package notify posts migration events to chat webhooks.
package notify

import (
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/config"
)

// Provider defines the notification contract for migration events.
type Provider interface {
	// MigrationStarted is sent once the pipelines of a migration are scheduled.
	MigrationStarted(migrationID string, tables int) error

	// MigrationFinished is sent with the final status of a migration.
	MigrationFinished(status *checkpoint.MigrationStatus, duration time.Duration) error

	// PipelineFailed is sent for every pipeline that ends with an error.
	PipelineFailed(migrationID, pipeline string, err error) error
}

var (
	_ Provider = (*Notifier)(nil)
	_ Provider = Nop{}
)

// Nop discards every event.
type Nop struct{}

func (Nop) MigrationStarted(string, int) error                                  { return nil }
func (Nop) MigrationFinished(*checkpoint.MigrationStatus, time.Duration) error { return nil }
func (Nop) PipelineFailed(string, string, error) error                          { return nil }

// FromConfig returns a Slack notifier when Slack is enabled and Nop otherwise.
func FromConfig(cfg *config.SlackConfig) Provider {
	n := New(cfg)
	if !n.IsEnabled() {
		return Nop{}
	}
	return n
}
