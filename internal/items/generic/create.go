package generic

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// Creator runs the create_basic_item and create_complex_item tasks.
type Creator struct {
	Codec *sid.Codec
}

type createArgs struct {
	Requirements registry.Requirements `json:"requirements"`
	Ingredients  map[string]string     `json:"ingredients"`
}

// RunCreateBasicItem materializes one basic item from its requirements.
// The new row is held by the creating task while it is assembled and
// released at the end so the scheduler may pick it up.
func (c *Creator) RunCreateBasicItem(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var args createArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	if err := validateBasicRequirements(args.Requirements); err != nil {
		return err
	}

	attrs := BasicItemAttrs{Choice: "A"}
	if raw, ok := args.Requirements["boolean"]; ok {
		b, err := registry.ParseLenientBool(raw)
		if err != nil {
			return fmt.Errorf("generic: %w", err)
		}
		attrs.Boolean = b
	}
	if raw, ok := args.Requirements["string"]; ok {
		attrs.String = fmt.Sprintf("%v", raw)
	}
	if raw, ok := args.Requirements["choice"]; ok {
		attrs.Choice = fmt.Sprintf("%v", raw)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		item := models.Item{Type: "basic_item", State: models.ItemStateActive}
		item.SetHeldBy(task.Ref(), time.Now())
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("generic: create basic item: %w", err)
		}
		attrs.ItemID = item.ID
		if err := tx.Create(&attrs).Error; err != nil {
			return fmt.Errorf("generic: create basic item attrs: %w", err)
		}
		// Assembly done; free it for the scheduler.
		return tx.Model(&models.Item{}).Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"held_by_kind":         "",
				"held_by_id":           0,
				"time_held_by_updated": time.Now(),
			}).Error
	})
}

// RunCreateComplexItem consumes its two basic ingredients and produces one
// complex item. The ingredients were selected as free by the scheduler;
// each is claimed here and destroyed once the complex item exists.
func (c *Creator) RunCreateComplexItem(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var args createArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	if len(args.Ingredients) == 0 {
		return fmt.Errorf("generic: task %s has no ingredients", task.TaskID)
	}

	var ingredientIDs []uint64
	for nickname, itemSID := range args.Ingredients {
		id, err := c.Codec.Decode(models.KindItem, itemSID)
		if err != nil {
			return fmt.Errorf("generic: bad ingredient sid %q for %s: %w", itemSID, nickname, err)
		}
		ingredientIDs = append(ingredientIDs, id)
	}

	// Claim every ingredient before building anything; losing one to a
	// racing writer fails the task and the scheduler re-plans.
	for _, id := range ingredientIDs {
		result := db.Model(&models.Item{}).
			Where("id = ? AND state = ? AND held_by_kind = ?", id, models.ItemStateActive, "").
			Updates(map[string]interface{}{
				"held_by_kind":         models.HolderTask,
				"held_by_id":           task.ID,
				"time_held_by_updated": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("generic: claim ingredient %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("generic: ingredient %d is no longer free", id)
		}
	}

	number := 0
	if raw, ok := args.Requirements["number"]; ok {
		switch v := raw.(type) {
		case int:
			number = v
		case float64:
			number = int(v)
		case string:
			if _, err := fmt.Sscanf(v, "%d", &number); err != nil {
				return fmt.Errorf("generic: number requirement %q is not an integer", v)
			}
		default:
			return fmt.Errorf("generic: number requirement %v (%T) is not an integer", raw, raw)
		}
	}

	return db.Transaction(func(tx *gorm.DB) error {
		item := models.Item{Type: "complex_item", State: models.ItemStateActive}
		item.SetHeldBy(task.Ref(), time.Now())
		if err := tx.Create(&item).Error; err != nil {
			return fmt.Errorf("generic: create complex item: %w", err)
		}
		attrs := ComplexItemAttrs{ItemID: item.ID, Number: number}
		if err := tx.Create(&attrs).Error; err != nil {
			return fmt.Errorf("generic: create complex item attrs: %w", err)
		}
		// The ingredients are consumed by the build.
		err := tx.Model(&models.Item{}).Where("id IN ?", ingredientIDs).
			Updates(map[string]interface{}{
				"state":                models.ItemStateDestroyed,
				"held_by_kind":         "",
				"held_by_id":           0,
				"time_held_by_updated": time.Now(),
			}).Error
		if err != nil {
			return fmt.Errorf("generic: consume ingredients: %w", err)
		}
		return tx.Model(&models.Item{}).Where("id = ?", item.ID).
			Updates(map[string]interface{}{
				"held_by_kind":         "",
				"held_by_id":           0,
				"time_held_by_updated": time.Now(),
			}).Error
	})
}
