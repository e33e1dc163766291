package models

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// holderInFinalState reports whether a holder reference points at an object
// whose state can no longer change: a CLOSED order or a ready-state task.
// A missing row counts as not-final; held_by may only dangle onto DESTROYED
// items, never the other way around, so a lookup miss here means something
// is mid-write and we should stay away.
func holderInFinalState(tx *gorm.DB, ref Ref) (bool, error) {
	switch ref.Kind {
	case HolderOrder:
		var order Order
		if err := tx.Select("status").First(&order, ref.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("models: load holder order %d: %w", ref.ID, err)
		}
		return order.Status == OrderStatusClosed, nil
	case HolderTask:
		var task Task
		if err := tx.Select("state").First(&task, ref.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("models: load holder task %d: %w", ref.ID, err)
		}
		return task.Ready(), nil
	default:
		return false, nil
	}
}

// HeldByInFinalState reports whether the item is definitely held by an
// object in its final state.
//
// A stale read may show an item still held by a task that just finished
// while the scheduler has already reassigned it to a live order. Rather
// than take a lock, read the holder, check it is terminal, then re-read
// the item: if the holder is unchanged it cannot change again (final
// states are final), so the answer is stable. Any disagreement means
// things are in flux and the caller must keep its hands off.
func HeldByInFinalState(tx *gorm.DB, item *Item) (bool, error) {
	initial := item.HeldBy()
	if initial.IsZero() {
		return false, nil
	}

	final, err := holderInFinalState(tx, initial)
	if err != nil {
		return false, err
	}
	if !final {
		return false, nil
	}

	// Re-read to catch the concurrent re-assignment window.
	var fresh Item
	if err := tx.First(&fresh, item.ID).Error; err != nil {
		return false, fmt.Errorf("models: re-read item %d: %w", item.ID, err)
	}
	if fresh.HeldBy() != initial {
		return false, nil
	}

	// The item was held by H, H is terminal, and the item is still held
	// by H. H being terminal, this cannot change behind our back.
	*item = fresh
	return true, nil
}
