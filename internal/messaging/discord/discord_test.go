package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/bodega/internal/models"
)

type mockSession struct {
	sent    []string
	channel []string
	sendErr error
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.channel = append(m.channel, channelID)
	m.sent = append(m.sent, content)
	return &discordgo.Message{Content: content}, nil
}

func TestNotifyUser_PostsToConfiguredChannel(t *testing.T) {
	sess := &mockSession{}
	n, err := New(Opts{ChannelID: "C123", Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	user := &models.User{Username: "fred"}
	if err := n.NotifyUser(context.Background(), user, "your order closed"); err != nil {
		t.Fatal(err)
	}
	if len(sess.channel) != 1 || sess.channel[0] != "C123" {
		t.Errorf("posted to %v, want [C123]", sess.channel)
	}
	if !strings.Contains(sess.sent[0], "fred") || !strings.Contains(sess.sent[0], "your order closed") {
		t.Errorf("content = %q, want the username and the notice", sess.sent[0])
	}
}

func TestNew_RequiresChannel(t *testing.T) {
	if _, err := New(Opts{Token: "tok"}); err == nil {
		t.Error("want an error without a channel id")
	}
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C123"}); err == nil {
		t.Error("want an error without token or injected session")
	}
}
