package orders

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
)

// Items returns the order's requested item set, the union of every
// non-empty items delta in log order. In the current design only the first
// update carries a delta, but the union keeps old logs readable.
func Items(db *gorm.DB, order *models.Order) (map[string]registry.ItemSpec, error) {
	var updates []models.OrderUpdate
	err := db.
		Where("order_id = ? AND items_delta != ''", order.ID).
		Order("id ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("orders: load deltas of order %d: %w", order.ID, err)
	}
	items := map[string]registry.ItemSpec{}
	for i := range updates {
		specs, err := ParseItemsDelta(updates[i].ItemsDelta)
		if err != nil {
			return nil, err
		}
		for nickname, spec := range specs {
			items[nickname] = spec
		}
	}
	return items, nil
}

// FulfilledItems maps each fulfilled nickname to the item that fills it.
func FulfilledItems(db *gorm.DB, order *models.Order) (map[string]uint64, error) {
	var rows []models.ItemFulfillment
	err := db.
		Joins("JOIN order_updates ON order_updates.id = item_fulfillments.order_update_id").
		Where("order_updates.order_id = ?", order.ID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("orders: load fulfillments of order %d: %w", order.ID, err)
	}
	fulfilled := map[string]uint64{}
	for _, row := range rows {
		fulfilled[row.Nickname] = row.ItemID
	}
	return fulfilled, nil
}

func sumDelta(db *gorm.DB, orderID uint64, column string) (time.Duration, error) {
	var total int64
	err := db.Model(&models.OrderUpdate{}).
		Where("order_id = ?", orderID).
		Select(fmt.Sprintf("COALESCE(SUM(%s), 0)", column)).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("orders: sum %s of order %d: %w", column, orderID, err)
	}
	return time.Duration(total), nil
}

// TimeLimit is the total lease duration granted to the order, the sum of
// every update's delta. The log only grows, so the sum is stable once the
// contributing updates are read.
func TimeLimit(db *gorm.DB, order *models.Order) (time.Duration, error) {
	return sumDelta(db, order.ID, "time_limit_delta")
}

// ExpirationTimeLimit is how long the order may stay OPEN before it is
// auto-closed as never-fulfilled.
func ExpirationTimeLimit(db *gorm.DB, order *models.Order) (time.Duration, error) {
	return sumDelta(db, order.ID, "expiration_time_limit_delta")
}

// FulfillmentTime is the time of the update that fulfilled the order, nil
// while the order is still open.
func FulfillmentTime(db *gorm.DB, order *models.Order) (*time.Time, error) {
	var update models.OrderUpdate
	err := db.
		Where("order_id = ? AND new_status = ?", order.ID, models.OrderStatusFulfilled).
		Order("id ASC").
		First(&update).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("orders: fulfillment time of order %d: %w", order.ID, err)
	}
	t := update.TimeCreated
	return &t, nil
}

// EjectionTime is when the lease runs out: fulfillment time plus the total
// time limit. Nil while unfulfilled.
func EjectionTime(db *gorm.DB, order *models.Order) (*time.Time, error) {
	fulfilled, err := FulfillmentTime(db, order)
	if err != nil || fulfilled == nil {
		return nil, err
	}
	limit, err := TimeLimit(db, order)
	if err != nil {
		return nil, err
	}
	t := fulfilled.Add(limit)
	return &t, nil
}

// ExpirationTime is when an unfulfilled order gets auto-closed.
func ExpirationTime(db *gorm.DB, order *models.Order) (time.Time, error) {
	limit, err := ExpirationTimeLimit(db, order)
	if err != nil {
		return time.Time{}, err
	}
	return order.TimeCreated.Add(limit), nil
}

// LastNotice returns the most recent time-limit notice, nil if none.
func LastNotice(db *gorm.DB, order *models.Order) (*models.OrderUpdate, error) {
	var update models.OrderUpdate
	err := db.
		Where("order_id = ? AND time_limit_notice = ?", order.ID, true).
		Order("id DESC").
		First(&update).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("orders: last notice of order %d: %w", order.ID, err)
	}
	return &update, nil
}

// NoticesSince counts time-limit notices created at or after t.
func NoticesSince(db *gorm.DB, order *models.Order, t time.Time) (int64, error) {
	var count int64
	err := db.Model(&models.OrderUpdate{}).
		Where("order_id = ? AND time_limit_notice = ? AND time_created >= ?", order.ID, true, t).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("orders: count notices of order %d: %w", order.ID, err)
	}
	return count, nil
}
