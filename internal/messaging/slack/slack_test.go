package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/bodega/internal/messaging"
	"github.com/zulandar/bodega/internal/models"
)

type mockSlackClient struct {
	users     map[string]*slackapi.User
	lookupErr error
	posted    []string
	postErr   error
}

func (m *mockSlackClient) GetUserByEmail(email string) (*slackapi.User, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	u, ok := m.users[email]
	if !ok {
		return nil, errors.New("users_not_found")
	}
	return u, nil
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, channelID)
	return channelID, "1234567890.123456", nil
}

func TestNotifyUser_DMsTheLookedUpUser(t *testing.T) {
	client := &mockSlackClient{users: map[string]*slackapi.User{
		"ed@example.com": {ID: "U_ED"},
	}}
	n, err := New(Opts{Client: client})
	if err != nil {
		t.Fatal(err)
	}
	user := &models.User{Username: "ed", Email: "ed@example.com"}
	if err := n.NotifyUser(context.Background(), user, "your order is ready"); err != nil {
		t.Fatal(err)
	}
	if len(client.posted) != 1 || client.posted[0] != "U_ED" {
		t.Errorf("posted to %v, want [U_ED]", client.posted)
	}
}

func TestNotifyUser_NoEmail(t *testing.T) {
	n, err := New(Opts{Client: &mockSlackClient{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.NotifyUser(context.Background(), &models.User{Username: "ghost"}, "x"); err == nil {
		t.Error("want an error for a user without email")
	}
}

func TestNotifyUser_RateLimitTranslates(t *testing.T) {
	client := &mockSlackClient{
		users:   map[string]*slackapi.User{"ed@example.com": {ID: "U_ED"}},
		postErr: &slackapi.RateLimitedError{RetryAfter: 7 * time.Second},
	}
	n, err := New(Opts{Client: client})
	if err != nil {
		t.Fatal(err)
	}
	user := &models.User{Username: "ed", Email: "ed@example.com"}
	err = n.NotifyUser(context.Background(), user, "x")
	var limited *messaging.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want a messaging.RateLimitedError", err)
	}
	if limited.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %s, want 7s", limited.RetryAfter)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("want an error without token or injected client")
	}
}
