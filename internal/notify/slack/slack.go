// Package slack posts integration alerts to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/coupler/internal/notify"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier implements notify.Notifier for Slack.
type Notifier struct {
	client    slackClient
	channelID string
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Notifier{client: client, channelID: opts.ChannelID}, nil
}

// Notify posts the alert as an attachment.
func (n *Notifier) Notify(ctx context.Context, a notify.Alert) error {
	options := buildMessageOptions(a)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func buildMessageOptions(a notify.Alert) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    a.Title(),
		Text:     a.Message,
		Color:    a.Color(),
		Fallback: a.Title(),
		Fields: []slackapi.AttachmentField{
			{Title: "Integration", Value: a.Integration, Short: true},
			{Title: "Kind", Value: a.Kind, Short: true},
		},
	}
	if !a.At.IsZero() {
		att.Footer = a.At.UTC().Format(time.RFC3339)
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(a.Title(), false),
		slackapi.MsgOptionAttachments(att),
	}
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
