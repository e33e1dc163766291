// Package fulfillment implements the scheduler that matches open orders
// against inventory: priority-ordered selection with rare-avoidance, the
// maintenance sweep, recipe-driven creation of missing items, and the
// fulfillment write itself.
package fulfillment

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/priority"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// Manager runs the fulfillment side of the scheduler. One instance is
// shared by all task handlers; it keeps no per-pass state.
type Manager struct {
	Registry *registry.Registry
	Strategy priority.Strategy
	Codec    *sid.Codec
	Out      io.Writer
}

func NewManager(reg *registry.Registry, strategy priority.Strategy, codec *sid.Codec, out io.Writer) *Manager {
	if out == nil {
		out = io.Discard
	}
	return &Manager{Registry: reg, Strategy: strategy, Codec: codec, Out: out}
}

// RunFulfillOpenOrders executes one full scheduler pass: rank open orders,
// sweep maintenance orders, then try to fulfill everything in priority
// order. Per-order failures are logged and don't stop the pass.
func (m *Manager) RunFulfillOpenOrders(ctx context.Context, db *gorm.DB, task *models.Task) error {
	now := time.Now()
	ranked, err := m.Strategy.RankOpenOrders(db, now)
	if err != nil {
		return fmt.Errorf("fulfillment: rank open orders: %w", err)
	}

	// The assigned set keeps two orders in one pass from picking the same
	// item; it resets every pass.
	assigned := map[uint64]bool{}

	for i := range ranked {
		order := &ranked[i]
		if !order.Maintenance {
			continue
		}
		if err := m.sweepMaintenanceOrder(db, task, order, assigned); err != nil {
			log.Printf("fulfillment: maintenance sweep of order %d: %v", order.ID, err)
		}
	}

	for i := range ranked {
		order := &ranked[i]
		if err := m.tryFulfill(ctx, db, task, order, assigned, now); err != nil {
			log.Printf("fulfillment: order %d: %v", order.ID, err)
		}
	}
	return nil
}

// sweepMaintenanceOrder reserves inventory for an open maintenance order:
// items matching its spec are flagged MAINTENANCE regardless of who holds
// them, so cleanup redirects them here once their holders finish.
func (m *Manager) sweepMaintenanceOrder(db *gorm.DB, task *models.Task, order *models.Order, assigned map[uint64]bool) error {
	swept, err := m.alreadySwept(db, order)
	if err != nil || swept {
		return err
	}

	specs, err := orders.Items(db, order)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}

	chosen := map[string]*models.Item{}
	for _, nickname := range sortedNicknames(specs) {
		item, err := m.selectAnyHeld(db, specs[nickname], assigned, sweepItemIDs(chosen))
		if err != nil {
			return err
		}
		if item == nil {
			// Partial sweeps help nobody; retry whole next pass.
			return nil
		}
		chosen[nickname] = item
	}

	var mentions []string
	for _, nickname := range sortedNicknames(specs) {
		itemSID, err := m.Codec.Encode(models.KindItem, chosen[nickname].ID)
		if err != nil {
			return err
		}
		mentions = append(mentions, fmt.Sprintf("%s=%s", nickname, itemSID))
	}

	update := models.OrderUpdate{
		OrderID:     order.ID,
		CreatorKind: models.HolderTask,
		CreatorID:   task.ID,
		Maintenance: true,
		Comment:     "reserving items for maintenance: " + strings.Join(mentions, ", "),
	}
	if err := db.Create(&update).Error; err != nil {
		return fmt.Errorf("fulfillment: record maintenance sweep of order %d: %w", order.ID, err)
	}

	for _, nickname := range sortedNicknames(specs) {
		item := chosen[nickname]
		itemSID, err := m.Codec.Encode(models.KindItem, item.ID)
		if err != nil {
			return err
		}
		if _, err := tasks.PublishFrom(db, task, tasks.Signature{
			Name: tasks.TaskSetItemToMaintenance,
			Args: map[string]interface{}{"item_sid": itemSID},
		}); err != nil {
			return err
		}
		assigned[item.ID] = true
	}
	fmt.Fprintf(m.Out, "Reserved %d items for maintenance order %d\n", len(chosen), order.ID)
	return nil
}

// alreadySwept reports whether the scheduler has reserved items for this
// maintenance order before. Sweep updates are task-created; the user's
// initial update doesn't count.
func (m *Manager) alreadySwept(db *gorm.DB, order *models.Order) (bool, error) {
	var count int64
	err := db.Model(&models.OrderUpdate{}).
		Where("order_id = ? AND maintenance = ? AND creator_kind = ?",
			order.ID, true, models.HolderTask).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("fulfillment: check sweep of order %d: %w", order.ID, err)
	}
	return count > 0, nil
}

// tryFulfill handles one open order in the pass: auto-close on expiration,
// dedupe against a pending fulfillment, select items in two passes, then
// either hand off to a FulfillOrder task or synthesize what's missing.
func (m *Manager) tryFulfill(ctx context.Context, db *gorm.DB, task *models.Task, order *models.Order, assigned map[uint64]bool, now time.Time) error {
	if !order.Maintenance {
		expiration, err := orders.ExpirationTime(db, order)
		if err != nil {
			return err
		}
		if now.After(expiration) {
			return m.autoClose(db, task, order)
		}
	}

	orderSID, err := m.Codec.Encode(models.KindOrder, order.ID)
	if err != nil {
		return err
	}
	pending, err := tasks.HasUnreadyTask(db, tasks.TaskFulfillOrder, tasks.MatchArg("order_sid", orderSID))
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	specs, err := orders.Items(db, order)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}

	state := models.ItemStateActive
	if order.Maintenance {
		state = models.ItemStateMaintenance
	}

	chosen := map[string]*choice{}
	var unmatched []string
	for _, allowRare := range []bool{false, true} {
		unmatched = unmatched[:0]
		for _, nickname := range sortedNicknames(specs) {
			if _, ok := chosen[nickname]; ok {
				continue
			}
			c, err := m.selectItem(db, specs[nickname], state, assigned, choiceItemIDs(chosen), allowRare)
			if err != nil {
				return err
			}
			if c == nil {
				unmatched = append(unmatched, nickname)
				continue
			}
			chosen[nickname] = c
		}
		if len(unmatched) == 0 {
			break
		}
	}

	if len(unmatched) > 0 {
		for _, nickname := range unmatched {
			sigs, err := m.evaluateRecipe(db, specs[nickname], assigned, 0)
			if err != nil {
				log.Printf("fulfillment: synthesize %q for order %d: %v", nickname, order.ID, err)
				continue
			}
			for _, sig := range sigs {
				if _, err := tasks.PublishFrom(db, task, sig); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, c := range chosen {
		if c.pendingCreator {
			// Everything is matched but some items are still being
			// created. A later pass picks them up once released.
			return nil
		}
	}

	selections := map[string]interface{}{}
	for nickname, c := range chosen {
		itemSID, err := m.Codec.Encode(models.KindItem, c.item.ID)
		if err != nil {
			return err
		}
		selections[nickname] = itemSID
		assigned[c.item.ID] = true
	}
	if _, err := tasks.PublishFrom(db, task, tasks.Signature{
		Name: tasks.TaskFulfillOrder,
		Args: map[string]interface{}{"order_sid": orderSID, "items": selections},
	}); err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "Dispatching fulfillment of order %d with %d items\n", order.ID, len(selections))
	return nil
}

func (m *Manager) autoClose(db *gorm.DB, task *models.Task, order *models.Order) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		update := models.OrderUpdate{
			OrderID:     order.ID,
			CreatorKind: models.HolderTask,
			CreatorID:   task.ID,
			NewStatus:   models.OrderStatusClosed,
			Comment:     "closing automatically: never fulfilled within its expiration time limit",
		}
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("fulfillment: record auto-close of order %d: %w", order.ID, err)
		}
		result := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderStatusOpen).
			Updates(map[string]interface{}{
				"status":             models.OrderStatusClosed,
				"tab_based_priority": models.PriorityClosed,
			})
		if result.Error != nil {
			return fmt.Errorf("fulfillment: auto-close order %d: %w", order.ID, result.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}
	order.Status = models.OrderStatusClosed
	fmt.Fprintf(m.Out, "Auto-closed expired order %d\n", order.ID)
	return nil
}

// choice is one selected item plus whether a creator task still holds it.
type choice struct {
	item           *models.Item
	pendingCreator bool
}

// selectItem picks one item for a spec: matching items in the wanted state,
// not already assigned this pass, preferring free items over ones still
// held by their creator task, uniform random within the preferred group.
func (m *Manager) selectItem(db *gorm.DB, spec registry.ItemSpec, state string, assigned map[uint64]bool, taken map[uint64]bool, allowRare bool) (*choice, error) {
	t, ok := m.Registry.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("fulfillment: unknown item type %q", spec.Type)
	}
	req := spec.Requirements
	if !allowRare {
		req = withNonRare(req, t.Manager.NonRareRequirements())
	}

	free, err := t.Query(db, req)
	if err != nil {
		return nil, err
	}
	var candidates []models.Item
	err = free.
		Where("items.state = ? AND items.held_by_kind = ?", state, "").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("fulfillment: free candidates of type %s: %w", spec.Type, err)
	}
	if item := pickRandom(candidates, assigned, taken); item != nil {
		return &choice{item: item}, nil
	}

	pendingQ, err := t.Query(db, req)
	if err != nil {
		return nil, err
	}
	var pending []models.Item
	err = t.PendingItems(db, pendingQ.Where("items.state = ?", state)).Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("fulfillment: pending candidates of type %s: %w", spec.Type, err)
	}
	if item := pickRandom(pending, assigned, taken); item != nil {
		return &choice{item: item, pendingCreator: true}, nil
	}
	return nil, nil
}

// selectAnyHeld picks one ACTIVE item for the maintenance sweep, ignoring
// who currently holds it.
func (m *Manager) selectAnyHeld(db *gorm.DB, spec registry.ItemSpec, assigned map[uint64]bool, taken map[uint64]bool) (*models.Item, error) {
	t, ok := m.Registry.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("fulfillment: unknown item type %q", spec.Type)
	}
	q, err := t.Query(db, spec.Requirements)
	if err != nil {
		return nil, err
	}
	var candidates []models.Item
	if err := q.Where("items.state = ?", models.ItemStateActive).Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("fulfillment: maintenance candidates of type %s: %w", spec.Type, err)
	}
	return pickRandom(candidates, assigned, taken), nil
}

func pickRandom(candidates []models.Item, assigned map[uint64]bool, taken map[uint64]bool) *models.Item {
	var eligible []*models.Item
	for i := range candidates {
		if assigned[candidates[i].ID] || taken[candidates[i].ID] {
			continue
		}
		eligible = append(eligible, &candidates[i])
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}

// withNonRare intersects the requirements with the type's non-rare
// predicate. Explicit user keys win: asking for a rare attribute just
// makes the first pass fail and the second pass serve it.
func withNonRare(req registry.Requirements, nonRare registry.Requirements) registry.Requirements {
	if len(nonRare) == 0 {
		return req
	}
	merged := registry.Requirements{}
	for k, v := range nonRare {
		merged[k] = v
	}
	for k, v := range req {
		merged[k] = v
	}
	return merged
}

func sortedNicknames(specs map[string]registry.ItemSpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sweepItemIDs(chosen map[string]*models.Item) map[uint64]bool {
	ids := map[uint64]bool{}
	for _, item := range chosen {
		ids[item.ID] = true
	}
	return ids
}

func choiceItemIDs(chosen map[string]*choice) map[uint64]bool {
	ids := map[uint64]bool{}
	for _, c := range chosen {
		ids[c.item.ID] = true
	}
	return ids
}
