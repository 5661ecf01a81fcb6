// Package slack pages on-call via a Slack channel when the control plane
// hits an error severe enough to need a human (permanent infra failures,
// integrity violations). It never speaks for tenant-facing concerns.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends ops-paging messages to a single configured channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Slack Notifier. If botToken is empty, the notifier
// is a noop (logging only) — this lets ops paging stay optional per
// environment.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the notifier has a valid Slack client and channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostOpsAlert sends a plain-text paging message. kind is the error Kind's
// string form (e.g. "permanent_infra_error", "integrity_violation").
func (n *Notifier) PostOpsAlert(ctx context.Context, kind, message string, cause error) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping ops alert", "kind", kind, "message", message)
		return nil
	}

	text := fmt.Sprintf(":rotating_light: *%s*: %s", kind, message)
	if cause != nil {
		text += fmt.Sprintf("\n> %s", cause.Error())
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting ops alert to slack: %w", err)
	}

	n.logger.Info("posted ops alert to slack", "kind", kind)
	return nil
}
