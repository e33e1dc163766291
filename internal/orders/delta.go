package orders

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/zulandar/bodega/internal/registry"
)

// ParseItemsDelta decodes the declarative YAML map of nickname to item
// spec carried by an order update.
func ParseItemsDelta(delta string) (map[string]registry.ItemSpec, error) {
	if delta == "" {
		return nil, nil
	}
	specs := map[string]registry.ItemSpec{}
	if err := yaml.Unmarshal([]byte(delta), &specs); err != nil {
		return nil, fmt.Errorf("orders: parse items delta: %w", err)
	}
	for nickname, spec := range specs {
		if nickname == "" {
			return nil, fmt.Errorf("orders: items delta has an empty nickname")
		}
		if spec.Type == "" {
			return nil, fmt.Errorf("orders: item %q has no type", nickname)
		}
	}
	return specs, nil
}

// EncodeItemsDelta renders an item spec map back to the stored YAML form.
func EncodeItemsDelta(specs map[string]registry.ItemSpec) (string, error) {
	if len(specs) == 0 {
		return "", nil
	}
	encoded, err := yaml.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("orders: encode items delta: %w", err)
	}
	return string(encoded), nil
}
