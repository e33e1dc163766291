// Package registry holds the item-type descriptor table. Each item type
// plugs in a manager (pricing, recipes, cleanup, taste tests) and a set of
// typed requirement filters; everything else in Bodega reaches item
// semantics through this package. The registry is built once at startup and
// passed by reference, never held in package state.
package registry

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
)

// Requirements is a declarative attribute filter for one item, as parsed
// from an order's items delta.
type Requirements map[string]interface{}

// ItemSpec names one requested item: its type plus requirements.
type ItemSpec struct {
	Type         string       `yaml:"type" json:"type"`
	Requirements Requirements `yaml:"requirements" json:"requirements"`
}

// Recipe is a synthesis plan for creating one item of a type. Nil
// Ingredients means the creator task stands alone; otherwise each
// ingredient is itself selected or synthesized before the creator runs.
type Recipe struct {
	Ingredients map[string]ItemSpec
	CreatorTask string
}

// Manager is the behavior half of an item-type descriptor.
type Manager interface {
	// Price estimates hourly cost, used only by the priority engine.
	Price(req Requirements) float64

	// Recipe returns the creation plan for the requirements, or nil when
	// the type cannot be synthesized on demand.
	Recipe(req Requirements) *Recipe

	// ShelfLife bounds how long a free item of this type stays usable.
	// Zero means it never perishes.
	ShelfLife(item *models.Item) time.Duration

	// CreatorTaskNames lists the task names that produce this type, used
	// to recognize items that are still being created.
	CreatorTaskNames() []string

	// HandleCleanup starts or continues cleanup of one item. It runs
	// inside a HandleItemCleanup task; task identifies the caller for
	// holder bookkeeping.
	HandleCleanup(ctx context.Context, db *gorm.DB, task *models.Task, item *models.Item) error

	// TasteTest is the last-moment usability check before fulfillment.
	TasteTest(ctx context.Context, db *gorm.DB, item *models.Item, req Requirements) (bool, error)

	// ValidateRequirements rejects malformed or forbidden requirements
	// before an order is accepted.
	ValidateRequirements(req Requirements, user *models.User, maintenance bool) error

	// NonRareRequirements returns extra requirements excluding rare
	// attribute combinations, applied during first-pass selection.
	NonRareRequirements() Requirements

	// IsManaging forces the cleanup manager to call HandleCleanup even
	// while the item's holder is not terminal. Legacy recovery only.
	IsManaging(item *models.Item) bool
}

// Defaults provides no-op implementations for the optional Manager
// behaviors. Concrete managers embed it and override what they need.
type Defaults struct{}

func (Defaults) Price(Requirements) float64                  { return 0 }
func (Defaults) Recipe(Requirements) *Recipe                 { return nil }
func (Defaults) ShelfLife(*models.Item) time.Duration        { return 0 }
func (Defaults) CreatorTaskNames() []string                  { return nil }
func (Defaults) NonRareRequirements() Requirements           { return nil }
func (Defaults) IsManaging(*models.Item) bool                { return false }
func (Defaults) TasteTest(context.Context, *gorm.DB, *models.Item, Requirements) (bool, error) {
	return true, nil
}
func (Defaults) ValidateRequirements(Requirements, *models.User, bool) error { return nil }

// Type is one item-type descriptor: naming for routing, the attribute
// table and its filters, and the manager.
type Type struct {
	Name       string
	PluralName string

	// AttrsModel is the GORM model of the per-type attribute table,
	// migrated alongside the core schema.
	AttrsModel interface{}

	// AttrsTable is the SQL table name of AttrsModel, used to join
	// attribute predicates onto the items table.
	AttrsTable string

	Filters map[string]Filter

	Manager Manager
}

// Query builds the eligible-items query for the requirements: items of
// this type joined with the attribute table, narrowed by one filter per
// requirement key. Unknown keys are an error, not an empty result.
func (t *Type) Query(db *gorm.DB, req Requirements) (*gorm.DB, error) {
	q := db.Model(&models.Item{}).
		Where("items.type = ?", t.Name)
	if t.AttrsTable != "" {
		q = q.Joins(fmt.Sprintf("JOIN %s ON %s.item_id = items.id", t.AttrsTable, t.AttrsTable))
	}
	for key, value := range req {
		filter, ok := t.Filters[key]
		if !ok {
			return nil, fmt.Errorf("registry: item type %s has no requirement %q", t.Name, key)
		}
		narrowed, err := filter.Apply(q, value)
		if err != nil {
			return nil, fmt.Errorf("registry: requirement %s of %s: %w", key, t.Name, err)
		}
		q = narrowed
	}
	return q, nil
}

// PendingItems narrows q to items currently held by a non-terminal creator
// task of this type. The scheduler treats these as "being created" and
// eligible to be awaited.
func (t *Type) PendingItems(db *gorm.DB, q *gorm.DB) *gorm.DB {
	names := t.Manager.CreatorTaskNames()
	if len(names) == 0 {
		return q.Where("1 = 0")
	}
	creatorSub := db.Model(&models.Task{}).
		Select("id").
		Where("name IN ? AND state IN ?", names, models.TaskUnreadyStates)
	return q.Where("items.held_by_kind = ? AND items.held_by_id IN (?)", models.HolderTask, creatorSub)
}

// Registry is the startup-built container of item-type descriptors.
type Registry struct {
	types map[string]*Type
	order []string
}

func New() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register adds a descriptor. Duplicate names are a programming error.
func (r *Registry) Register(t *Type) error {
	if t.Name == "" {
		return fmt.Errorf("registry: item type has no name")
	}
	if t.Manager == nil {
		return fmt.Errorf("registry: item type %s has no manager", t.Name)
	}
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("registry: item type %s registered twice", t.Name)
	}
	r.types[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup finds a descriptor by type name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// LookupByItem finds the descriptor for an item row.
func (r *Registry) LookupByItem(item *models.Item) (*Type, bool) {
	return r.Lookup(item.Type)
}

// Types returns descriptors in registration order.
func (r *Registry) Types() []*Type {
	out := make([]*Type, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// AttrsModels returns every attribute-table model for schema migration.
func (r *Registry) AttrsModels() []interface{} {
	out := make([]interface{}, 0, len(r.order))
	for _, t := range r.Types() {
		if t.AttrsModel != nil {
			out = append(out, t.AttrsModel)
		}
	}
	return out
}

// ValidateSpec checks one requested item against its type descriptor:
// the type exists, every requirement key has a filter, and the manager
// accepts the combination for this user.
func (r *Registry) ValidateSpec(spec ItemSpec, user *models.User, maintenance bool) error {
	t, ok := r.Lookup(spec.Type)
	if !ok {
		return fmt.Errorf("registry: unknown item type %q", spec.Type)
	}
	for key := range spec.Requirements {
		if _, ok := t.Filters[key]; !ok {
			return fmt.Errorf("registry: item type %s has no requirement %q", spec.Type, key)
		}
	}
	if err := t.Manager.ValidateRequirements(spec.Requirements, user, maintenance); err != nil {
		return fmt.Errorf("registry: requirements for %s: %w", spec.Type, err)
	}
	return nil
}
