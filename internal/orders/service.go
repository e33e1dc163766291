package orders

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// Service validates and writes orders and their updates. Every mutation
// returns the task signatures that should be published once the write is
// committed, so callers decide the transaction boundary.
type Service struct {
	Registry *registry.Registry
	Codec    *sid.Codec

	// MaxOrderTimeLimit caps the accumulated time limit for ordinary
	// users. Superusers are exempt.
	MaxOrderTimeLimit time.Duration

	// DefaultExpirationTimeLimit applies to orders that don't declare
	// their own expiration budget.
	DefaultExpirationTimeLimit time.Duration
}

// CreateInput is a request to open a new order.
type CreateInput struct {
	ItemsDelta          string
	TimeLimit           time.Duration
	ExpirationTimeLimit time.Duration
	Maintenance         bool
	Comment             string
}

// Create opens a new order with its initial update and returns the task
// signatures to publish: a scheduler kick and the update notification.
func (s *Service) Create(db *gorm.DB, owner *models.User, in CreateInput) (*models.Order, []tasks.Signature, error) {
	if in.Maintenance && !owner.Superuser {
		return nil, nil, fmt.Errorf("orders: only superusers may place maintenance orders: %w", ErrForbidden)
	}

	specs, err := ParseItemsDelta(in.ItemsDelta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", err, ErrValidation)
	}
	if len(specs) == 0 {
		return nil, nil, fmt.Errorf("orders: an order needs at least one item: %w", ErrValidation)
	}
	for nickname, spec := range specs {
		if err := s.Registry.ValidateSpec(spec, owner, in.Maintenance); err != nil {
			return nil, nil, fmt.Errorf("orders: item %q: %s: %w", nickname, err, ErrValidation)
		}
	}

	if err := s.checkTimeLimit(owner, 0, in.TimeLimit); err != nil {
		return nil, nil, err
	}
	expiration := in.ExpirationTimeLimit
	if expiration <= 0 {
		expiration = s.DefaultExpirationTimeLimit
	}

	var order models.Order
	var update models.OrderUpdate
	err = db.Transaction(func(tx *gorm.DB) error {
		tab, err := tabForOwner(tx, owner)
		if err != nil {
			return err
		}
		order = models.Order{
			Status:           models.OrderStatusOpen,
			Maintenance:      in.Maintenance,
			OwnerID:          owner.ID,
			TabID:            tab.ID,
			TabBasedPriority: models.PriorityClosed,
		}
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("orders: create order: %w", err)
		}
		update = models.OrderUpdate{
			OrderID:                  order.ID,
			CreatorKind:              models.HolderUser,
			CreatorID:                owner.ID,
			Comment:                  in.Comment,
			ItemsDelta:               in.ItemsDelta,
			TimeLimitDelta:           in.TimeLimit,
			ExpirationTimeLimitDelta: expiration,
			Maintenance:              in.Maintenance,
		}
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("orders: create initial update: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sigs, err := s.updateSignatures(&order, &update)
	if err != nil {
		return nil, nil, err
	}
	return &order, sigs, nil
}

// AppendInput is a request to append one update to an existing order.
type AppendInput struct {
	Comment        string
	ItemsDelta     string
	TimeLimitDelta time.Duration
	NewStatus      string

	// Ownership transfer target, resolved by email first, then user SID.
	NewOwner string
}

// Append validates and writes one update on behalf of caller. System
// writers (scheduler, lease manager) bypass this and insert rows directly
// inside their own transactions.
func (s *Service) Append(db *gorm.DB, caller *models.User, order *models.Order, in AppendInput) (*models.OrderUpdate, []tasks.Signature, error) {
	if caller.ID != order.OwnerID && !caller.Superuser {
		return nil, nil, fmt.Errorf("orders: not the owner of order %d: %w", order.ID, ErrForbidden)
	}

	if in.ItemsDelta != "" {
		specs, err := ParseItemsDelta(in.ItemsDelta)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", err, ErrValidation)
		}
		existing, err := Items(db, order)
		if err != nil {
			return nil, nil, err
		}
		// Only the initial update may carry items.
		if len(existing) > 0 {
			return nil, nil, fmt.Errorf("orders: order %d already has items: %w", order.ID, ErrValidation)
		}
		for nickname, spec := range specs {
			if err := s.Registry.ValidateSpec(spec, caller, order.Maintenance); err != nil {
				return nil, nil, fmt.Errorf("orders: item %q: %s: %w", nickname, err, ErrValidation)
			}
		}
	}

	if in.NewStatus != "" {
		if in.NewStatus != models.OrderStatusClosed {
			// FULFILLED is written by the scheduler, never by clients.
			return nil, nil, fmt.Errorf("orders: clients may only close orders: %w", ErrValidation)
		}
		if !models.ValidStatusTransition(order.Status, in.NewStatus) {
			return nil, nil, fmt.Errorf("orders: cannot move order %d from %s to %s: %w",
				order.ID, order.Status, in.NewStatus, ErrValidation)
		}
	}

	current, err := TimeLimit(db, order)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkTimeLimit(caller, current, in.TimeLimitDelta); err != nil {
		return nil, nil, err
	}

	var newOwnerID *uint64
	if in.NewOwner != "" {
		target, err := s.resolveUser(db, in.NewOwner)
		if err != nil {
			return nil, nil, err
		}
		newOwnerID = &target.ID
	}

	update := models.OrderUpdate{
		OrderID:        order.ID,
		CreatorKind:    models.HolderUser,
		CreatorID:      caller.ID,
		Comment:        in.Comment,
		ItemsDelta:     in.ItemsDelta,
		TimeLimitDelta: in.TimeLimitDelta,
		NewStatus:      in.NewStatus,
		NewOwnerID:     newOwnerID,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&update).Error; err != nil {
			return fmt.Errorf("orders: append update to order %d: %w", order.ID, err)
		}
		changes := map[string]interface{}{}
		if in.NewStatus != "" {
			changes["status"] = in.NewStatus
			if in.NewStatus == models.OrderStatusClosed {
				changes["tab_based_priority"] = models.PriorityClosed
			}
		}
		if newOwnerID != nil {
			changes["owner_id"] = *newOwnerID
		}
		if len(changes) > 0 {
			if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(changes).Error; err != nil {
				return fmt.Errorf("orders: apply update to order %d: %w", order.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if in.NewStatus != "" {
		order.Status = in.NewStatus
	}
	if newOwnerID != nil {
		order.OwnerID = *newOwnerID
	}

	sigs, err := s.updateSignatures(order, &update)
	if err != nil {
		return nil, nil, err
	}
	return &update, sigs, nil
}

// Lookup resolves an order SID to its row.
func (s *Service) Lookup(db *gorm.DB, orderSID string) (*models.Order, error) {
	id, err := s.Codec.Decode(models.KindOrder, orderSID)
	if err != nil {
		return nil, fmt.Errorf("orders: bad order sid %q: %w", orderSID, ErrNotFound)
	}
	var order models.Order
	if err := db.First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("orders: order %q: %w", orderSID, ErrNotFound)
		}
		return nil, fmt.Errorf("orders: load order %q: %w", orderSID, err)
	}
	return &order, nil
}

// updateSignatures returns the follow-up tasks for a freshly written
// update: at minimum the notification, plus scheduler and cleanup kicks
// when the update changed what they care about.
func (s *Service) updateSignatures(order *models.Order, update *models.OrderUpdate) ([]tasks.Signature, error) {
	updateSID, err := s.Codec.Encode(models.KindOrderUpdate, update.ID)
	if err != nil {
		return nil, err
	}
	sigs := []tasks.Signature{
		{Name: tasks.TaskSendOrderUpdateNotifications, Args: map[string]interface{}{"order_update_sid": updateSID}},
	}
	if update.ItemsDelta != "" {
		sigs = append(sigs, tasks.Signature{Name: tasks.TaskFulfillOpenOrders})
	}
	if update.NewStatus == models.OrderStatusClosed {
		// Closing releases items eventually; sweep now rather than wait
		// for the periodic tick.
		sigs = append(sigs, tasks.Signature{Name: tasks.TaskProcessItemsCleanup})
	}
	return sigs, nil
}

func (s *Service) checkTimeLimit(user *models.User, current, delta time.Duration) error {
	if user.Superuser {
		return nil
	}
	if delta < 0 {
		return fmt.Errorf("orders: negative time limit delta: %w", ErrForbidden)
	}
	if current+delta > s.MaxOrderTimeLimit {
		return fmt.Errorf("orders: time limit %s exceeds the %s cap: %w",
			current+delta, s.MaxOrderTimeLimit, ErrValidation)
	}
	return nil
}

// resolveUser finds an ownership-transfer target by email, falling back to
// a user SID.
func (s *Service) resolveUser(db *gorm.DB, ref string) (*models.User, error) {
	var user models.User
	err := db.Where("email = ?", ref).First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("orders: resolve user %q: %w", ref, err)
	}
	id, decodeErr := s.Codec.Decode(models.KindUser, ref)
	if decodeErr != nil {
		return nil, fmt.Errorf("orders: no user with email or sid %q: %w", ref, ErrValidation)
	}
	if err := db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("orders: no user with email or sid %q: %w", ref, ErrValidation)
		}
		return nil, fmt.Errorf("orders: resolve user %q: %w", ref, err)
	}
	return &user, nil
}

// tabForOwner finds or creates the owner's billing tab.
func tabForOwner(tx *gorm.DB, owner *models.User) (*models.Tab, error) {
	var tab models.Tab
	err := tx.Where("owner_id = ?", owner.ID).First(&tab).Error
	if err == nil {
		return &tab, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("orders: load tab of user %d: %w", owner.ID, err)
	}
	tab = models.Tab{Limit: models.DefaultTabLimit, OwnerID: owner.ID}
	if err := tx.Create(&tab).Error; err != nil {
		return nil, fmt.Errorf("orders: create tab for user %d: %w", owner.ID, err)
	}
	return &tab, nil
}
