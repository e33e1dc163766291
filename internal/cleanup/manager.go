// Package cleanup recovers items: items stranded by closed orders or
// finished tasks are handed to their type's cleanup driver, and free items
// past their shelf life are reclaimed.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// Manager runs the periodic cleanup pass and the per-item cleanup task.
type Manager struct {
	Registry *registry.Registry
	Codec    *sid.Codec
	Out      io.Writer
}

func NewManager(reg *registry.Registry, codec *sid.Codec, out io.Writer) *Manager {
	return &Manager{Registry: reg, Codec: codec, Out: out}
}

// RunProcessItemsCleanup makes one pass over every non-destroyed item and
// decides, per item, whether anything needs to happen: release maintenance
// items of a finished maintenance order, hand stranded items to their
// cleanup driver, or reclaim free items past their shelf life. Per-item
// failures are logged and the pass continues.
func (m *Manager) RunProcessItemsCleanup(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var items []models.Item
	err := db.Where("state <> ?", models.ItemStateDestroyed).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return fmt.Errorf("cleanup: load items: %w", err)
	}
	now := time.Now()
	freed := false
	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		didFree, err := m.processItem(db, task, &items[i], now)
		if err != nil {
			log.Printf("cleanup: item %d: %v", items[i].ID, err)
			continue
		}
		freed = freed || didFree
	}
	if freed {
		// Freed items may satisfy waiting orders right away.
		if _, err := tasks.PublishFrom(db, task, tasks.Signature{Name: tasks.TaskFulfillOpenOrders}); err != nil {
			return err
		}
	}
	return nil
}

// processItem reports whether it freed the item for immediate reuse.
func (m *Manager) processItem(db *gorm.DB, task *models.Task, item *models.Item, now time.Time) (bool, error) {
	typ, ok := m.Registry.LookupByItem(item)
	if !ok {
		return false, nil
	}
	if item.Held() {
		return m.processHeldItem(db, task, typ, item)
	}
	return false, m.processFreeItem(db, task, typ, item, now)
}

func (m *Manager) processHeldItem(db *gorm.DB, task *models.Task, typ *registry.Type, item *models.Item) (bool, error) {
	// A driver mid-recovery owns its item regardless of the holder.
	if typ.Manager.IsManaging(item) {
		return false, m.enqueueItemCleanup(db, task, item)
	}

	final, err := models.HeldByInFinalState(db, item)
	if err != nil {
		return false, err
	}
	if !final {
		return false, nil
	}

	if item.HeldByKind == models.HolderOrder {
		var order models.Order
		if err := db.First(&order, item.HeldByID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Dangling holder; treat like a finished one.
				return false, m.enqueueItemCleanup(db, task, item)
			}
			return false, fmt.Errorf("cleanup: load holder order %d: %w", item.HeldByID, err)
		}
		if order.Maintenance {
			// The maintenance work is done: put the item back into
			// circulation.
			return true, m.releaseItem(db, item, models.ItemStateActive)
		}
		if item.State == models.ItemStateMaintenance {
			// A maintenance order is waiting for this item; just unhold
			// it and let the scheduler route it there.
			return true, m.releaseItem(db, item, item.State)
		}
	}
	return false, m.enqueueItemCleanup(db, task, item)
}

func (m *Manager) processFreeItem(db *gorm.DB, task *models.Task, typ *registry.Type, item *models.Item, now time.Time) error {
	if item.State != models.ItemStateActive {
		return nil
	}
	shelfLife := typ.Manager.ShelfLife(item)
	if shelfLife == 0 || now.Sub(item.TimeHeldByUpdated) <= shelfLife {
		return nil
	}
	// Re-read before condemning: the scheduler may have just grabbed it.
	var fresh models.Item
	if err := db.First(&fresh, item.ID).Error; err != nil {
		return fmt.Errorf("cleanup: re-read item %d: %w", item.ID, err)
	}
	if fresh.Held() || fresh.State != models.ItemStateActive {
		return nil
	}
	return m.enqueueItemCleanup(db, task, item)
}

// releaseItem clears the holder (and optionally flips the state) with a
// conditional write: if the holder moved on since our read, the write is a
// no-op and the next pass sees the new truth.
func (m *Manager) releaseItem(db *gorm.DB, item *models.Item, newState string) error {
	result := db.Model(&models.Item{}).
		Where("id = ? AND held_by_kind = ? AND held_by_id = ?", item.ID, item.HeldByKind, item.HeldByID).
		Updates(map[string]interface{}{
			"held_by_kind":         "",
			"held_by_id":           0,
			"state":                newState,
			"time_held_by_updated": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("cleanup: release item %d: %w", item.ID, result.Error)
	}
	if result.RowsAffected == 1 {
		fmt.Fprintf(m.Out, "Released item %d from its finished holder\n", item.ID)
	}
	return nil
}

// enqueueItemCleanup publishes one HandleItemCleanup for the item unless an
// unfinished one already exists.
func (m *Manager) enqueueItemCleanup(db *gorm.DB, task *models.Task, item *models.Item) error {
	itemSID, err := m.Codec.Encode(models.KindItem, item.ID)
	if err != nil {
		return err
	}
	pending, err := tasks.HasUnreadyTask(db, tasks.TaskHandleItemCleanup, tasks.MatchArg("item_sid", itemSID))
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	_, err = tasks.PublishFrom(db, task, tasks.Signature{
		Name: tasks.TaskHandleItemCleanup,
		Args: map[string]interface{}{"item_sid": itemSID},
	})
	return err
}

type cleanupArgs struct {
	ItemSID string `json:"item_sid"`
}

// HandleItemCleanupBlockage serializes cleanup per item: two cleanup tasks
// for the same item run one at a time, oldest first.
func (m *Manager) HandleItemCleanupBlockage(db *gorm.DB, task *models.Task) (string, error) {
	var args cleanupArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return "", err
	}
	return tasks.SynchronizedBlockageCause(db, task, tasks.MatchArg("item_sid", args.ItemSID))
}

// RunHandleItemCleanup drives the item's type-specific cleanup.
func (m *Manager) RunHandleItemCleanup(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var args cleanupArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	id, err := m.Codec.Decode(models.KindItem, args.ItemSID)
	if err != nil {
		return fmt.Errorf("cleanup: bad item sid %q: %w", args.ItemSID, err)
	}
	var item models.Item
	if err := db.First(&item, id).Error; err != nil {
		return fmt.Errorf("cleanup: load item %d: %w", id, err)
	}
	if item.State == models.ItemStateDestroyed {
		return nil
	}
	typ, ok := m.Registry.LookupByItem(&item)
	if !ok {
		return fmt.Errorf("cleanup: item %d has unknown type %q", item.ID, item.Type)
	}
	if err := typ.Manager.HandleCleanup(ctx, db, task, &item); err != nil {
		return fmt.Errorf("cleanup: item %d: %w", item.ID, err)
	}
	return nil
}
