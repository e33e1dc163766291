// Package messaging delivers order-update notices to the order's owner
// through a chat platform adapter (Slack, Discord).
package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

const (
	// DefaultMaxAttempts bounds how often a rate-limited delivery is
	// retried before the task gives up.
	DefaultMaxAttempts = 10

	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = 60 * time.Second

	baseBackoff = time.Second
)

// Notifier is the platform half: it gets one rendered message to one user.
type Notifier interface {
	NotifyUser(ctx context.Context, user *models.User, text string) error
}

// RateLimitedError signals a retryable 429 from the platform. Adapters
// translate their platform's error into this so the retry policy lives in
// one place.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Manager runs the SendOrderUpdateNotifications task.
type Manager struct {
	Codec    *sid.Codec
	Notifier Notifier

	MaxAttempts int
	MaxBackoff  time.Duration
	Out         io.Writer
}

func NewManager(codec *sid.Codec, notifier Notifier, out io.Writer) *Manager {
	return &Manager{
		Codec:       codec,
		Notifier:    notifier,
		MaxAttempts: DefaultMaxAttempts,
		MaxBackoff:  DefaultMaxBackoff,
		Out:         out,
	}
}

type notifyArgs struct {
	OrderUpdateSID string `json:"order_update_sid"`
	Attempt        int    `json:"attempt,omitempty"`
}

// RunSendOrderUpdateNotifications delivers the notice for one order update.
// A rate-limited delivery republishes itself with an ETA instead of
// blocking a worker; each retry carries its attempt count in the args.
func (m *Manager) RunSendOrderUpdateNotifications(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var args notifyArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	if m.Notifier == nil {
		fmt.Fprintf(m.Out, "Notifications disabled, dropping notice for update %s\n", args.OrderUpdateSID)
		return nil
	}

	id, err := m.Codec.Decode(models.KindOrderUpdate, args.OrderUpdateSID)
	if err != nil {
		return fmt.Errorf("messaging: bad order update sid %q: %w", args.OrderUpdateSID, err)
	}
	var update models.OrderUpdate
	if err := db.First(&update, id).Error; err != nil {
		return fmt.Errorf("messaging: load order update %d: %w", id, err)
	}
	var order models.Order
	if err := db.First(&order, update.OrderID).Error; err != nil {
		return fmt.Errorf("messaging: load order %d: %w", update.OrderID, err)
	}
	var owner models.User
	if err := db.First(&owner, order.OwnerID).Error; err != nil {
		return fmt.Errorf("messaging: load owner %d: %w", order.OwnerID, err)
	}

	text, err := m.buildMessage(&order, &update)
	if err != nil {
		return err
	}
	err = m.Notifier.NotifyUser(ctx, &owner, text)
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return m.republish(db, task, args, limited)
	}
	if err != nil {
		return fmt.Errorf("messaging: notify %s about update %d: %w", owner.Username, update.ID, err)
	}
	return nil
}

func (m *Manager) republish(db *gorm.DB, task *models.Task, args notifyArgs, limited *RateLimitedError) error {
	attempt := args.Attempt + 1
	if attempt >= m.maxAttempts() {
		return fmt.Errorf("messaging: notice for update %s still rate limited after %d attempts", args.OrderUpdateSID, attempt)
	}
	backoff := baseBackoff << uint(attempt)
	if limited.RetryAfter > backoff {
		backoff = limited.RetryAfter
	}
	if backoff > m.maxBackoff() {
		backoff = m.maxBackoff()
	}
	eta := time.Now().Add(backoff)
	_, err := tasks.PublishFrom(db, task, tasks.Signature{
		Name: tasks.TaskSendOrderUpdateNotifications,
		Args: map[string]interface{}{
			"order_update_sid": args.OrderUpdateSID,
			"attempt":          attempt,
		},
		ETA: &eta,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "Rate limited, retrying notice for update %s in %s (attempt %d)\n", args.OrderUpdateSID, backoff, attempt)
	return nil
}

// buildMessage renders one human line for whatever the update changed.
func (m *Manager) buildMessage(order *models.Order, update *models.OrderUpdate) (string, error) {
	orderSID, err := m.Codec.Encode(models.KindOrder, order.ID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	switch {
	case update.NewStatus == models.OrderStatusFulfilled:
		fmt.Fprintf(&b, "Your order %s has been fulfilled; its items are ready.", orderSID)
	case update.NewStatus == models.OrderStatusClosed:
		fmt.Fprintf(&b, "Your order %s has been closed.", orderSID)
	case update.TimeLimitNotice:
		fmt.Fprintf(&b, "Your order %s: %s", orderSID, update.Comment)
		return b.String(), nil
	default:
		fmt.Fprintf(&b, "Your order %s has a new update.", orderSID)
	}
	if update.Comment != "" {
		fmt.Fprintf(&b, " %s", update.Comment)
	}
	return b.String(), nil
}

func (m *Manager) maxAttempts() int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (m *Manager) maxBackoff() time.Duration {
	if m.MaxBackoff > 0 {
		return m.MaxBackoff
	}
	return DefaultMaxBackoff
}
