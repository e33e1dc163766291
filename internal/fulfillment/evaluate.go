package fulfillment

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/tasks"
)

// maxRecipeDepth caps recipe recursion. A chain this deep means a cycle in
// the recipe graph, which is a configuration error.
const maxRecipeDepth = 10

// evaluateRecipe turns a missing item into creation-task signatures. It
// selects ingredients from inventory where possible, recurses into
// ingredients that are themselves missing, and emits the creator only once
// every ingredient is free.
func (m *Manager) evaluateRecipe(db *gorm.DB, spec registry.ItemSpec, assigned map[uint64]bool, depth int) ([]tasks.Signature, error) {
	if depth > maxRecipeDepth {
		return nil, fmt.Errorf("fulfillment: recipe recursion exceeded %d levels at type %s", maxRecipeDepth, spec.Type)
	}

	t, ok := m.Registry.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("fulfillment: unknown item type %q", spec.Type)
	}
	recipe := t.Manager.Recipe(spec.Requirements)
	if recipe == nil {
		// Not synthesizable; the order stays open until inventory shows up.
		return nil, nil
	}

	if len(recipe.Ingredients) == 0 {
		return []tasks.Signature{{
			Name: recipe.CreatorTask,
			Args: map[string]interface{}{
				"requirements": map[string]interface{}(spec.Requirements),
				"ingredients":  map[string]interface{}{},
			},
		}}, nil
	}

	chosen := map[string]*choice{}
	var sigs []tasks.Signature
	anyMissing := false
	for _, nickname := range sortedNicknames(recipe.Ingredients) {
		ingredient := recipe.Ingredients[nickname]
		c, err := m.selectItem(db, ingredient, models.ItemStateActive, assigned, choiceItemIDs(chosen), true)
		if err != nil {
			return nil, err
		}
		if c == nil {
			anyMissing = true
			inner, err := m.evaluateRecipe(db, ingredient, assigned, depth+1)
			if err != nil {
				return nil, err
			}
			sigs = append(sigs, inner...)
			continue
		}
		chosen[nickname] = c
	}
	if anyMissing {
		return sigs, nil
	}

	for _, c := range chosen {
		if c.pendingCreator {
			// An ingredient is still being created; await its release.
			return nil, nil
		}
	}

	ingredients := map[string]interface{}{}
	for nickname, c := range chosen {
		itemSID, err := m.Codec.Encode(models.KindItem, c.item.ID)
		if err != nil {
			return nil, err
		}
		ingredients[nickname] = itemSID
		assigned[c.item.ID] = true
	}
	return []tasks.Signature{{
		Name: recipe.CreatorTask,
		Args: map[string]interface{}{
			"requirements": map[string]interface{}(spec.Requirements),
			"ingredients":  ingredients,
		},
	}}, nil
}
