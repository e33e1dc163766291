// Package ejection is the lease manager: it tracks how long fulfilled
// orders may keep their items, emits escalating notices as the lease runs
// down, and closes orders whose time limit has passed.
package ejection

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

const (
	// DefaultReminderInterval is how often a fulfilled maintenance order
	// is nudged toward a manual close. Maintenance orders are never
	// ejected automatically.
	DefaultReminderInterval = 96 * time.Hour

	// DefaultEjectionDwell is the minimum age of the latest notice before
	// an expired order may be ejected. The last notice always gets this
	// long to be seen.
	DefaultEjectionDwell = 15 * time.Minute

	urgentWindow = time.Hour
)

// noticeSchedule holds the warning thresholds, ascending. An order with
// time_left inside a bracket gets one notice per bracket: the brackets
// tighten toward ejection so the notices speed up.
var noticeSchedule = []time.Duration{
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	16 * time.Hour,
	24 * time.Hour,
	36 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	14 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// Manager runs the periodic time-limit pass.
type Manager struct {
	Codec *sid.Codec

	ReminderInterval time.Duration
	EjectionDwell    time.Duration
	Out              io.Writer

	limits limitCache
}

func NewManager(codec *sid.Codec, out io.Writer) *Manager {
	return &Manager{
		Codec:            codec,
		ReminderInterval: DefaultReminderInterval,
		EjectionDwell:    DefaultEjectionDwell,
		Out:              out,
		limits:           limitCache{entries: map[uint64]limitEntry{}},
	}
}

// RunProcessOrderTimeLimits walks every fulfilled order once. Failures on
// one order are logged and do not stop the pass.
func (m *Manager) RunProcessOrderTimeLimits(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var fulfilled []models.Order
	err := db.Where("status = ?", models.OrderStatusFulfilled).
		Order("id ASC").
		Find(&fulfilled).Error
	if err != nil {
		return fmt.Errorf("ejection: load fulfilled orders: %w", err)
	}
	now := time.Now()
	for i := range fulfilled {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.processOrder(db, task, &fulfilled[i], now); err != nil {
			log.Printf("ejection: order %d: %v", fulfilled[i].ID, err)
		}
	}
	return nil
}

func (m *Manager) processOrder(db *gorm.DB, task *models.Task, order *models.Order, now time.Time) error {
	if order.Maintenance {
		return m.remindMaintenance(db, task, order, now)
	}

	ejectionAt, limit, err := m.ejectionTime(db, order)
	if err != nil {
		return err
	}
	if ejectionAt == nil {
		// Fulfilled but no fulfillment update on record. Nothing sane to
		// compute; leave it for inspection.
		return nil
	}
	timeLeft := ejectionAt.Sub(now)
	if timeLeft >= 0 {
		return m.maybeNotify(db, task, order, *ejectionAt, timeLeft)
	}
	return m.maybeEject(db, task, order, limit, now)
}

// maybeNotify emits at most one notice per pass: the schedule bracket
// containing time_left gets a single notice, detected by the absence of
// any notice since the bracket opened.
func (m *Manager) maybeNotify(db *gorm.DB, task *models.Task, order *models.Order, ejectionAt time.Time, timeLeft time.Duration) error {
	threshold, ok := noticeThreshold(timeLeft)
	if !ok {
		return nil
	}
	count, err := orders.NoticesSince(db, order, ejectionAt.Add(-threshold))
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	comment := fmt.Sprintf("time limit notice: this order will be closed and its items reclaimed in %s (at %s)",
		timeLeft.Round(time.Minute), ejectionAt.UTC().Format(time.RFC3339))
	if timeLeft < urgentWindow {
		comment = "URGENT: " + comment
	}
	return m.writeNotice(db, task, order, comment)
}

// maybeEject closes an expired order, but only after the latest notice has
// had a full dwell to be seen. An expired order with no notice at all gets
// one final warning first.
func (m *Manager) maybeEject(db *gorm.DB, task *models.Task, order *models.Order, limit time.Duration, now time.Time) error {
	last, err := orders.LastNotice(db, order)
	if err != nil {
		return err
	}
	if last == nil {
		return m.writeNotice(db, task, order,
			fmt.Sprintf("URGENT: time limit notice: this order's time limit of %s has passed; it will be closed shortly", limit))
	}
	if now.Sub(last.TimeCreated) < m.ejectionDwell() {
		return nil
	}

	fulfilledAt, err := orders.FulfillmentTime(db, order)
	if err != nil {
		return err
	}
	comment := fmt.Sprintf("closing automatically: the time limit of %s has passed", limit)
	if fulfilledAt != nil {
		comment = fmt.Sprintf("closing automatically: the time limit of %s since fulfillment at %s has passed",
			limit, fulfilledAt.UTC().Format(time.RFC3339))
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		update := models.OrderUpdate{
			OrderID:     order.ID,
			CreatorKind: models.HolderTask,
			CreatorID:   task.ID,
			NewStatus:   models.OrderStatusClosed,
			Comment:     comment,
		}
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("ejection: record closing of order %d: %w", order.ID, err)
		}
		result := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusFulfilled).
			Update("status", models.OrderStatusClosed)
		if result.Error != nil {
			return fmt.Errorf("ejection: close order %d: %w", order.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("ejection: order %d changed status while being closed", order.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	order.Status = models.OrderStatusClosed
	fmt.Fprintf(m.Out, "Ejected order %d after its time limit of %s\n", order.ID, limit)

	if err := m.publishUpdateNotification(db, task, order); err != nil {
		return err
	}
	// The freed items belong to a closed order now; sweep them.
	_, err = tasks.PublishFrom(db, task, tasks.Signature{Name: tasks.TaskProcessItemsCleanup})
	return err
}

func (m *Manager) remindMaintenance(db *gorm.DB, task *models.Task, order *models.Order, now time.Time) error {
	last, err := orders.LastNotice(db, order)
	if err != nil {
		return err
	}
	if last != nil && now.Sub(last.TimeCreated) < m.reminderInterval() {
		return nil
	}
	return m.writeNotice(db, task, order,
		"maintenance reminder: this order still holds its items; close it once the maintenance work is done")
}

func (m *Manager) writeNotice(db *gorm.DB, task *models.Task, order *models.Order, comment string) error {
	update := models.OrderUpdate{
		OrderID:         order.ID,
		CreatorKind:     models.HolderTask,
		CreatorID:       task.ID,
		TimeLimitNotice: true,
		Comment:         comment,
	}
	if err := db.Create(&update).Error; err != nil {
		return fmt.Errorf("ejection: record notice on order %d: %w", order.ID, err)
	}
	updateSID, err := m.Codec.Encode(models.KindOrderUpdate, update.ID)
	if err != nil {
		return err
	}
	_, err = tasks.PublishFrom(db, task, tasks.Signature{
		Name: tasks.TaskSendOrderUpdateNotifications,
		Args: map[string]interface{}{"order_update_sid": updateSID},
	})
	return err
}

func (m *Manager) publishUpdateNotification(db *gorm.DB, task *models.Task, order *models.Order) error {
	var update models.OrderUpdate
	err := db.Where("order_id = ?", order.ID).Order("id DESC").First(&update).Error
	if err != nil {
		return fmt.Errorf("ejection: load latest update of order %d: %w", order.ID, err)
	}
	updateSID, err := m.Codec.Encode(models.KindOrderUpdate, update.ID)
	if err != nil {
		return err
	}
	_, err = tasks.PublishFrom(db, task, tasks.Signature{
		Name: tasks.TaskSendOrderUpdateNotifications,
		Args: map[string]interface{}{"order_update_sid": updateSID},
	})
	return err
}

// ejectionTime is fulfillment time plus the memoized time limit, nil while
// the order has no fulfillment update.
func (m *Manager) ejectionTime(db *gorm.DB, order *models.Order) (*time.Time, time.Duration, error) {
	fulfilledAt, err := orders.FulfillmentTime(db, order)
	if err != nil {
		return nil, 0, err
	}
	limit, err := m.limits.timeLimit(db, order.ID)
	if err != nil {
		return nil, 0, err
	}
	if fulfilledAt == nil {
		return nil, limit, nil
	}
	at := fulfilledAt.Add(limit)
	return &at, limit, nil
}

func (m *Manager) ejectionDwell() time.Duration {
	if m.EjectionDwell > 0 {
		return m.EjectionDwell
	}
	return DefaultEjectionDwell
}

func (m *Manager) reminderInterval() time.Duration {
	if m.ReminderInterval > 0 {
		return m.ReminderInterval
	}
	return DefaultReminderInterval
}

// noticeThreshold is the tightest schedule bracket containing timeLeft,
// false when the ejection is further out than the whole schedule.
func noticeThreshold(timeLeft time.Duration) (time.Duration, bool) {
	for _, d := range noticeSchedule {
		if timeLeft <= d {
			return d, true
		}
	}
	return 0, false
}

// limitCache memoizes each order's summed time limit by the id of the last
// update folded in. The update log only grows, so refreshing means summing
// the deltas past the remembered id.
type limitCache struct {
	mu      sync.Mutex
	entries map[uint64]limitEntry
}

type limitEntry struct {
	upToUpdateID uint64
	total        time.Duration
}

func (c *limitCache) timeLimit(db *gorm.DB, orderID uint64) (time.Duration, error) {
	c.mu.Lock()
	entry := c.entries[orderID]
	c.mu.Unlock()

	var row struct {
		Total int64
		MaxID uint64
	}
	err := db.Model(&models.OrderUpdate{}).
		Select("COALESCE(SUM(time_limit_delta), 0) AS total, COALESCE(MAX(id), 0) AS max_id").
		Where("order_id = ? AND id > ?", orderID, entry.upToUpdateID).
		Scan(&row).Error
	if err != nil {
		return 0, fmt.Errorf("ejection: time limit of order %d: %w", orderID, err)
	}
	if row.MaxID > entry.upToUpdateID {
		entry.total += time.Duration(row.Total)
		entry.upToUpdateID = row.MaxID
		c.mu.Lock()
		c.entries[orderID] = entry
		c.mu.Unlock()
	}
	return entry.total, nil
}
