// Package discord implements the messaging Notifier for Discord. Notices
// go to one configured channel, prefixed with the recipient's username;
// Discord offers no email lookup, so there is no per-user DM routing.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/bodega/internal/messaging"
	"github.com/zulandar/bodega/internal/models"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts notices to a fixed Discord channel.
type Notifier struct {
	sess      session
	channelID string
}

// Opts holds parameters for creating a Discord Notifier.
type Opts struct {
	Token     string // bot token
	ChannelID string // channel the notices go to
	// For testing: inject a mock session instead of a real gateway session.
	Session session
}

func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	if opts.Session != nil {
		return &Notifier{sess: opts.Session, channelID: opts.ChannelID}, nil
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	sess, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Notifier{sess: sess, channelID: opts.ChannelID}, nil
}

// NotifyUser posts the text to the configured channel, addressed to the
// user by name.
func (n *Notifier) NotifyUser(ctx context.Context, user *models.User, text string) error {
	content := fmt.Sprintf("**%s**: %s", user.Username, text)
	if _, err := n.sess.ChannelMessageSend(n.channelID, content); err != nil {
		return translate(fmt.Errorf("discord: message channel %s: %w", n.channelID, err))
	}
	return nil
}

// translate maps Discord's 429 into the shared retryable error.
func translate(err error) error {
	var limited *discordgo.RateLimitError
	if errors.As(err, &limited) {
		return &messaging.RateLimitedError{RetryAfter: limited.RetryAfter}
	}
	return err
}
