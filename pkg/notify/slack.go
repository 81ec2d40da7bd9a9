// Package notify posts run summaries to an operations channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/ketankshukla/covid19-etl/pkg/orchestrator"
	"github.com/ketankshukla/covid19-etl/pkg/retry"
)

// SlackAPI is the slice of the Slack client the notifier uses, small
// enough to fake in tests.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	Logger  *slog.Logger
	Token   string
	Channel string
	Retry   retry.Config

	// API overrides the Slack client, for tests.
	API SlackAPI
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if cfg.Token == "" && cfg.API == nil {
		return fmt.Errorf("token is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Slack posts a compact per-run summary to one channel. Posting is best
// effort: the orchestrator logs and continues when it fails.
type Slack struct {
	cfg SlackConfig
	api SlackAPI
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slack config: %w", err)
	}
	api := cfg.API
	if api == nil {
		api = slack.New(cfg.Token)
	}
	return &Slack{cfg: cfg, api: api}, nil
}

// Notify posts the report summary. Transient Slack errors are retried.
func (s *Slack) Notify(ctx context.Context, report *orchestrator.Report) error {
	text := FormatReport(report)

	err := retry.Do(ctx, s.cfg.Retry, func() error {
		_, _, err := s.api.PostMessageContext(ctx, s.cfg.Channel,
			slack.MsgOptionText(text, false))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to post run summary: %w", err)
	}

	s.cfg.Logger.Debug("posted run summary", "channel", s.cfg.Channel, "status", report.Status)
	return nil
}

// FormatReport renders a report as Slack message text, one line per
// domain.
func FormatReport(report *orchestrator.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*COVID-19 ETL run %s* (%s, %s)\n",
		report.Status, report.ID, report.Duration.Round(time.Millisecond))

	for i := range report.Results {
		res := &report.Results[i]
		switch {
		case res.Err != nil:
			fmt.Fprintf(&b, "• %s: failed at %s: %s\n", res.Domain, res.Stage, res.Error)
		case res.Blocked():
			fmt.Fprintf(&b, "• %s: blocked by validation (%d blocking findings)\n",
				res.Domain, len(res.Report.BlockingFailures))
		default:
			line := fmt.Sprintf("• %s: %d rows persisted", res.Domain, res.RowsPersisted)
			if res.Synthetic {
				line += " (synthetic fallback data)"
			}
			if res.Report != nil && len(res.Report.AdvisoryFailures) > 0 {
				line += fmt.Sprintf(", %d advisories", len(res.Report.AdvisoryFailures))
			}
			b.WriteString(line + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
