package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackPoster is the subset of the Slack client used for alerts.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts alerts to a channel with a bot token.
type Slack struct {
	client      slackPoster
	channel     string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewSlack returns a Slack alerter. Options are passed to the Slack client.
func NewSlack(botToken, channel string, opts ...slackapi.Option) (*Slack, error) {
	if botToken == "" {
		return nil, fmt.Errorf("alert: slack bot token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("alert: slack channel is required")
	}
	return &Slack{
		client:      slackapi.New(botToken, opts...),
		channel:     channel,
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
	}, nil
}

// Alert implements Alerter. Rate-limited posts are retried.
func (s *Slack) Alert(ctx context.Context, a Alert) error {
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(a.Title, false),
		slackapi.MsgOptionAttachments(toAttachment(a)),
	}
	for attempt := 0; ; attempt++ {
		_, _, err := s.client.PostMessageContext(ctx, s.channel, options...)
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return fmt.Errorf("alert: slack post: %w", err)
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = backoff(s.baseBackoff, s.maxBackoff, attempt)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func toAttachment(a Alert) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    a.Title,
		Text:     a.Body,
		Color:    a.Level.color(),
		Fallback: a.Title,
	}
	for _, f := range a.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}
