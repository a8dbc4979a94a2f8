// Package notify posts run summaries to Slack.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

// Notifier sends a text message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// SlackNotifier posts with a bot token to a channel, or to an incoming
// webhook when WebhookURL is set.
type SlackNotifier struct {
	client     *slack.Client
	channel    string
	WebhookURL string
}

// NewSlackNotifier creates a bot token notifier. opts are passed to the
// slack client, for example slack.OptionAPIURL in tests.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token, opts...),
		channel: channel,
	}
}

// NewSlackWebhookNotifier creates a notifier posting to an incoming webhook.
func NewSlackWebhookNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: webhookURL}
}

// Notify sends message.
func (s *SlackNotifier) Notify(ctx context.Context, message string) error {
	if s.WebhookURL != "" {
		if err := slack.PostWebhookContext(ctx, s.WebhookURL, &slack.WebhookMessage{Text: message}); err != nil {
			return fmt.Errorf("failed to send slack notification: %w", err)
		}
		return nil
	}
	if s.client == nil {
		return errors.New("slack is not configured")
	}
	if s.channel == "" {
		return errors.New("slack channel is not configured")
	}
	if _, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(message, false)); err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	return nil
}
