// Package slack implements the messaging Notifier for Slack. Users are
// resolved by the email on their Bodega account and messaged directly.
package slack

import (
	"context"
	"errors"
	"fmt"

	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/bodega/internal/messaging"
	"github.com/zulandar/bodega/internal/models"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	GetUserByEmail(email string) (*slackapi.User, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier delivers notices as Slack direct messages.
type Notifier struct {
	client slackClient
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	Token string // xoxb-... Slack bot token
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

func New(opts Opts) (*Notifier, error) {
	if opts.Client != nil {
		return &Notifier{client: opts.Client}, nil
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	return &Notifier{client: slackapi.New(opts.Token)}, nil
}

// NotifyUser looks the user up by email and sends them text as a DM.
func (n *Notifier) NotifyUser(ctx context.Context, user *models.User, text string) error {
	if user.Email == "" {
		return fmt.Errorf("slack: user %s has no email on record", user.Username)
	}
	slackUser, err := n.client.GetUserByEmail(user.Email)
	if err != nil {
		return translate(fmt.Errorf("slack: look up %s: %w", user.Email, err))
	}
	_, _, err = n.client.PostMessage(slackUser.ID, slackapi.MsgOptionText(text, false))
	if err != nil {
		return translate(fmt.Errorf("slack: message %s: %w", slackUser.ID, err))
	}
	return nil
}

// translate maps Slack's 429 into the shared retryable error so the task
// layer owns the backoff policy.
func translate(err error) error {
	var limited *slackapi.RateLimitedError
	if errors.As(err, &limited) {
		return &messaging.RateLimitedError{RetryAfter: limited.RetryAfter}
	}
	return err
}
