// Package generic ships the basic and complex item types: passive inventory
// with plain attribute fields, used for integration exercises and as the
// reference for writing real item drivers.
package generic

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/tasks"
)

// Choice values accepted by the basic item's choice field.
var choiceValues = []string{"A", "B", "C", "D"}

// shelfLife bounds how long an unused generic item sticks around before the
// cleanup manager reclaims it.
const shelfLife = time.Hour

// BasicItemAttrs is the attribute table of the basic item type.
type BasicItemAttrs struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	ItemID uint64 `gorm:"not null;uniqueIndex"`

	Boolean bool   `gorm:"default:false"`
	String  string `gorm:"size:255"`
	Choice  string `gorm:"size:4"`
}

// ComplexItemAttrs is the attribute table of the complex item type.
type ComplexItemAttrs struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	ItemID uint64 `gorm:"not null;uniqueIndex"`

	Number int `gorm:"not null;default:0"`
}

// Register adds both generic types to the registry.
func Register(reg *registry.Registry) error {
	err := reg.Register(&registry.Type{
		Name:       "basic_item",
		PluralName: "basic_items",
		AttrsModel: &BasicItemAttrs{},
		AttrsTable: "basic_item_attrs",
		Filters: map[string]registry.Filter{
			"boolean": registry.Boolean("basic_item_attrs.boolean"),
			"string":  registry.Equality("basic_item_attrs.string"),
			"choice":  registry.Equality("basic_item_attrs.choice"),
		},
		Manager: &BasicManager{},
	})
	if err != nil {
		return err
	}
	return reg.Register(&registry.Type{
		Name:       "complex_item",
		PluralName: "complex_items",
		AttrsModel: &ComplexItemAttrs{},
		AttrsTable: "complex_item_attrs",
		Filters: map[string]registry.Filter{
			"number": registry.Integer("complex_item_attrs.number"),
		},
		Manager: &ComplexManager{},
	})
}

// BasicManager is the behavior of the basic item type.
type BasicManager struct {
	registry.Defaults
}

// Price is flat 1.0 so priority arithmetic stays easy to follow.
func (*BasicManager) Price(registry.Requirements) float64 { return 1.0 }

func (*BasicManager) ShelfLife(*models.Item) time.Duration { return shelfLife }

func (*BasicManager) CreatorTaskNames() []string {
	return []string{tasks.TaskCreateBasicItem}
}

func (*BasicManager) Recipe(registry.Requirements) *registry.Recipe {
	return &registry.Recipe{CreatorTask: tasks.TaskCreateBasicItem}
}

// HandleCleanup for a passive item just releases it.
func (*BasicManager) HandleCleanup(_ context.Context, db *gorm.DB, _ *models.Task, item *models.Item) error {
	return releaseItem(db, item)
}

func (*BasicManager) ValidateRequirements(req registry.Requirements, _ *models.User, _ bool) error {
	return validateBasicRequirements(req)
}

// ComplexManager is the behavior of the complex item type. A complex item
// is synthesized from two basic ingredients.
type ComplexManager struct {
	registry.Defaults
}

func (*ComplexManager) Price(registry.Requirements) float64 { return 1.0 }

func (*ComplexManager) ShelfLife(*models.Item) time.Duration { return shelfLife }

func (*ComplexManager) CreatorTaskNames() []string {
	return []string{tasks.TaskCreateComplexItem}
}

func (*ComplexManager) Recipe(registry.Requirements) *registry.Recipe {
	return &registry.Recipe{
		CreatorTask: tasks.TaskCreateComplexItem,
		Ingredients: map[string]registry.ItemSpec{
			"basic_item_1": {
				Type:         "basic_item",
				Requirements: registry.Requirements{"choice": "B", "boolean": "no"},
			},
			"basic_item_2": {
				Type:         "basic_item",
				Requirements: registry.Requirements{"choice": "A", "boolean": "no"},
			},
		},
	}
}

func (*ComplexManager) HandleCleanup(_ context.Context, db *gorm.DB, _ *models.Task, item *models.Item) error {
	return releaseItem(db, item)
}

func validateBasicRequirements(req registry.Requirements) error {
	if raw, ok := req["choice"]; ok {
		choice := fmt.Sprintf("%v", raw)
		valid := false
		for _, v := range choiceValues {
			if choice == v {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("generic: choice must be one of %v, got %q", choiceValues, choice)
		}
	}
	if raw, ok := req["boolean"]; ok {
		if _, err := registry.ParseLenientBool(raw); err != nil {
			return fmt.Errorf("generic: %w", err)
		}
	}
	return nil
}

func releaseItem(db *gorm.DB, item *models.Item) error {
	err := db.Model(&models.Item{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"held_by_kind":         "",
			"held_by_id":           0,
			"time_held_by_updated": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("generic: release item %d: %w", item.ID, err)
	}
	return nil
}
