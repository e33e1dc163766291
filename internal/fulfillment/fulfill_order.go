package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/tasks"
)

// fulfillArgs are the arguments of one FulfillOrder task.
type fulfillArgs struct {
	OrderSID string            `json:"order_sid"`
	Items    map[string]string `json:"items"`
}

func (m *Manager) decodeFulfillArgs(task *models.Task) (*fulfillArgs, error) {
	var args fulfillArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return nil, err
	}
	if args.OrderSID == "" || len(args.Items) == 0 {
		return nil, fmt.Errorf("fulfillment: task %s has incomplete arguments", task.TaskID)
	}
	return &args, nil
}

// FulfillOrderBlockage claims the selected items for the task: each must
// be free (claimed here with a conditional write) or already claimed by
// this task. Items someone else holds are reported as the blockage cause;
// if they never free up, the starting window requeues the task.
func (m *Manager) FulfillOrderBlockage(db *gorm.DB, task *models.Task) (string, error) {
	args, err := m.decodeFulfillArgs(task)
	if err != nil {
		return "", err
	}
	for _, nickname := range sortedKeys(args.Items) {
		itemSID := args.Items[nickname]
		item, err := m.lookupItem(db, itemSID)
		if err != nil {
			return "", err
		}
		holder := item.HeldBy()
		if holder == task.Ref() {
			continue
		}
		if holder.IsZero() {
			claim := db.Model(&models.Item{}).
				Where("id = ? AND held_by_kind = ?", item.ID, "").
				Updates(map[string]interface{}{
					"held_by_kind":         models.HolderTask,
					"held_by_id":           task.ID,
					"time_held_by_updated": time.Now(),
				})
			if claim.Error != nil {
				return "", fmt.Errorf("fulfillment: claim item %d: %w", item.ID, claim.Error)
			}
			if claim.RowsAffected == 1 {
				continue
			}
		}
		return fmt.Sprintf("item %s for %q is held by %s %d", itemSID, nickname, holder.Kind, holder.ID), nil
	}
	return "", nil
}

// RunFulfillOrder completes a fulfillment whose items the blockage phase
// already claimed: taste test everything, then atomically bind items to
// the order and mark it FULFILLED.
func (m *Manager) RunFulfillOrder(ctx context.Context, db *gorm.DB, task *models.Task) error {
	args, err := m.decodeFulfillArgs(task)
	if err != nil {
		return err
	}
	orderID, err := m.Codec.Decode(models.KindOrder, args.OrderSID)
	if err != nil {
		return fmt.Errorf("fulfillment: bad order sid %q: %w", args.OrderSID, err)
	}
	var order models.Order
	if err := db.First(&order, orderID).Error; err != nil {
		return fmt.Errorf("fulfillment: load order %s: %w", args.OrderSID, err)
	}
	if order.Status != models.OrderStatusOpen {
		// Closed or fulfilled while we queued. Free our claims.
		return m.releaseClaims(db, task, args)
	}

	items := map[string]*models.Item{}
	for nickname, itemSID := range args.Items {
		item, err := m.lookupItem(db, itemSID)
		if err != nil {
			return err
		}
		if item.HeldBy() != task.Ref() {
			return fmt.Errorf("fulfillment: item %s is no longer claimed by task %s", itemSID, task.TaskID)
		}
		items[nickname] = item
	}

	if !order.Maintenance {
		specs, err := m.orderSpecs(db, &order)
		if err != nil {
			return err
		}
		for nickname, item := range items {
			t, ok := m.Registry.LookupByItem(item)
			if !ok {
				return fmt.Errorf("fulfillment: item %d has unknown type %q", item.ID, item.Type)
			}
			usable, err := t.Manager.TasteTest(ctx, db, item, specs[nickname].Requirements)
			if err != nil {
				return fmt.Errorf("fulfillment: taste test of item %d: %w", item.ID, err)
			}
			if !usable {
				if relErr := m.releaseClaims(db, task, args); relErr != nil {
					return relErr
				}
				return fmt.Errorf("fulfillment: item %d failed its taste test for %q", item.ID, nickname)
			}
		}
	}

	now := time.Now()
	err = db.Transaction(func(tx *gorm.DB) error {
		update := models.OrderUpdate{
			OrderID:     order.ID,
			CreatorKind: models.HolderTask,
			CreatorID:   task.ID,
			NewStatus:   models.OrderStatusFulfilled,
		}
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("fulfillment: record fulfillment of order %d: %w", order.ID, err)
		}
		for nickname, item := range items {
			fulfillmentRow := models.ItemFulfillment{
				OrderUpdateID: update.ID,
				Nickname:      nickname,
				ItemID:        item.ID,
			}
			if err := tx.Create(&fulfillmentRow).Error; err != nil {
				return fmt.Errorf("fulfillment: record item %d for %q: %w", item.ID, nickname, err)
			}
			item.SetHeldBy(order.Ref(), now)
			if err := tx.Model(&models.Item{}).Where("id = ?", item.ID).
				Updates(item.HolderColumns()).Error; err != nil {
				return fmt.Errorf("fulfillment: bind item %d to order %d: %w", item.ID, order.ID, err)
			}
		}
		result := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusOpen).
			Updates(map[string]interface{}{
				"status":             models.OrderStatusFulfilled,
				"tab_based_priority": models.PriorityFulfilled,
			})
		if result.Error != nil {
			return fmt.Errorf("fulfillment: mark order %d fulfilled: %w", order.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("fulfillment: order %d left OPEN concurrently", order.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "Fulfilled order %d with %d items\n", order.ID, len(items))

	// Fulfillment starts the lease clock; tell the owner.
	if _, err := m.publishUpdateNotification(db, task, order.ID); err != nil {
		return err
	}
	return nil
}

// RunSetItemToMaintenance flags one item MAINTENANCE so cleanup redirects
// it to a maintenance order once its holder finishes.
func (m *Manager) RunSetItemToMaintenance(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var args struct {
		ItemSID string `json:"item_sid"`
	}
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	item, err := m.lookupItem(db, args.ItemSID)
	if err != nil {
		return err
	}
	result := db.Model(&models.Item{}).
		Where("id = ? AND state = ?", item.ID, models.ItemStateActive).
		Update("state", models.ItemStateMaintenance)
	if result.Error != nil {
		return fmt.Errorf("fulfillment: flag item %d for maintenance: %w", item.ID, result.Error)
	}
	if result.RowsAffected == 1 {
		fmt.Fprintf(m.Out, "Item %s flagged for maintenance\n", args.ItemSID)
	}
	return nil
}

func (m *Manager) releaseClaims(db *gorm.DB, task *models.Task, args *fulfillArgs) error {
	freed := false
	for _, itemSID := range args.Items {
		item, err := m.lookupItem(db, itemSID)
		if err != nil {
			return err
		}
		if item.HeldBy() != task.Ref() {
			continue
		}
		result := db.Model(&models.Item{}).
			Where("id = ? AND held_by_kind = ? AND held_by_id = ?", item.ID, models.HolderTask, task.ID).
			Updates(map[string]interface{}{
				"held_by_kind":         "",
				"held_by_id":           0,
				"time_held_by_updated": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("fulfillment: release item %d: %w", item.ID, result.Error)
		}
		freed = freed || result.RowsAffected == 1
	}
	if freed {
		// Freed items may satisfy another waiting order right away.
		if _, err := tasks.PublishFrom(db, task, tasks.Signature{Name: tasks.TaskFulfillOpenOrders}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) lookupItem(db *gorm.DB, itemSID string) (*models.Item, error) {
	id, err := m.Codec.Decode(models.KindItem, itemSID)
	if err != nil {
		return nil, fmt.Errorf("fulfillment: bad item sid %q: %w", itemSID, err)
	}
	var item models.Item
	if err := db.First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fulfillment: no item %q", itemSID)
		}
		return nil, fmt.Errorf("fulfillment: load item %q: %w", itemSID, err)
	}
	return &item, nil
}

func (m *Manager) orderSpecs(db *gorm.DB, order *models.Order) (map[string]registry.ItemSpec, error) {
	return orders.Items(db, order)
}

func (m *Manager) publishUpdateNotification(db *gorm.DB, task *models.Task, orderID uint64) (*models.Task, error) {
	var update models.OrderUpdate
	err := db.Where("order_id = ? AND new_status = ?", orderID, models.OrderStatusFulfilled).
		Order("id DESC").First(&update).Error
	if err != nil {
		return nil, fmt.Errorf("fulfillment: load fulfillment update of order %d: %w", orderID, err)
	}
	updateSID, err := m.Codec.Encode(models.KindOrderUpdate, update.ID)
	if err != nil {
		return nil, err
	}
	return tasks.PublishFrom(db, task, tasks.Signature{
		Name: tasks.TaskSendOrderUpdateNotifications,
		Args: map[string]interface{}{"order_update_sid": updateSID},
	})
}

func sortedKeys(mm map[string]string) []string {
	keys := make([]string, 0, len(mm))
	for k := range mm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
