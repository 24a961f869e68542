package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/config"
)

const footer = "tablecopy"

// Notifier sends notifications to a Slack incoming webhook.
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a Slack notifier. A nil config yields a disabled notifier.
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{}
	}
	return &Notifier{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) MigrationStarted(migrationID string, tables int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(":rocket:", "", SlackAttachment{
		Color: "#36a64f",
		Title: "Migration Started",
		Fields: []SlackField{
			{Title: "Migration", Value: migrationID, Short: true},
			{Title: "Pipelines", Value: fmt.Sprintf("%d", tables), Short: true},
		},
	})
}

func (n *Notifier) MigrationFinished(status *checkpoint.MigrationStatus, duration time.Duration) error {
	if !n.IsEnabled() || status == nil {
		return nil
	}

	icon, color := ":white_check_mark:", "#36a64f"
	text := fmt.Sprintf("Migration %s finished: %d of %d pipelines completed.",
		status.MigrationID, status.CompletedTasks, status.TotalTasks)
	switch {
	case status.Status == checkpoint.StatusAborted || status.Status == checkpoint.StatusStalled:
		icon, color = ":x:", "#dc3545"
		text = fmt.Sprintf("Migration %s ended %s after %d of %d pipelines.",
			status.MigrationID, status.Status, status.CompletedTasks+status.FailedTasks, status.TotalTasks)
	case status.HasFailures():
		icon, color = ":warning:", "#ffc107"
		text = fmt.Sprintf("Migration %s finished with errors: %d pipelines completed, %d failed.",
			status.MigrationID, status.CompletedTasks, status.FailedTasks)
	}

	return n.send(icon, text, SlackAttachment{
		Color: color,
		Fields: []SlackField{
			{Title: "Migration", Value: status.MigrationID, Short: true},
			{Title: "Status", Value: string(status.Status), Short: true},
			{Title: "Started", Value: status.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Completed", Value: formatNumberWithCommas(int64(status.CompletedTasks)), Short: true},
			{Title: "Failed", Value: formatNumberWithCommas(int64(status.FailedTasks)), Short: true},
		},
	})
}

func (n *Notifier) PipelineFailed(migrationID, pipeline string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = truncate(err.Error(), 500)
	}
	return n.send(":warning:", "", SlackAttachment{
		Color: "#ffc107",
		Title: "Pipeline Failed",
		Fields: []SlackField{
			{Title: "Migration", Value: migrationID, Short: true},
			{Title: "Pipeline", Value: pipeline, Short: true},
			{Title: "Error", Value: errMsg, Short: false},
		},
	})
}

func (n *Notifier) send(icon, text string, attachment SlackAttachment) error {
	attachment.Footer = footer
	attachment.Timestamp = time.Now().Unix()
	msg := SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.username(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{attachment},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) username() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + formatNumberWithCommas(-n)
	}
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
