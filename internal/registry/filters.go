package registry

import (
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// Filter narrows an eligible-items query by one requirement value.
type Filter interface {
	Apply(q *gorm.DB, value interface{}) (*gorm.DB, error)
}

// FilterFunc adapts a plain function into a Filter.
type FilterFunc func(q *gorm.DB, value interface{}) (*gorm.DB, error)

func (f FilterFunc) Apply(q *gorm.DB, value interface{}) (*gorm.DB, error) {
	return f(q, value)
}

// Equality matches the column against the value as-is.
func Equality(column string) Filter {
	return FilterFunc(func(q *gorm.DB, value interface{}) (*gorm.DB, error) {
		return q.Where(fmt.Sprintf("%s = ?", column), value), nil
	})
}

// Boolean matches the column against a leniently parsed boolean.
func Boolean(column string) Filter {
	return FilterFunc(func(q *gorm.DB, value interface{}) (*gorm.DB, error) {
		parsed, err := ParseLenientBool(value)
		if err != nil {
			return nil, err
		}
		return q.Where(fmt.Sprintf("%s = ?", column), parsed), nil
	})
}

// Integer matches the column against a value coerced to an integer.
func Integer(column string) Filter {
	return FilterFunc(func(q *gorm.DB, value interface{}) (*gorm.DB, error) {
		parsed, err := parseInt(value)
		if err != nil {
			return nil, err
		}
		return q.Where(fmt.Sprintf("%s = ?", column), parsed), nil
	})
}

// ForeignName matches a foreign-key column by the name of the row it
// points at, e.g. a location requirement given as a location name.
func ForeignName(joinTable, joinOn, nameColumn string) Filter {
	return FilterFunc(func(q *gorm.DB, value interface{}) (*gorm.DB, error) {
		name, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("registry: expected a name string, got %T", value)
		}
		return q.
			Joins(fmt.Sprintf("JOIN %s ON %s", joinTable, joinOn)).
			Where(fmt.Sprintf("%s.%s = ?", joinTable, nameColumn), name), nil
	})
}

// ParseLenientBool coerces the boolean spellings clients actually send:
// real booleans, numbers, and y/n, yes/no, t/f, true/false, 1/0 in any
// case.
func ParseLenientBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "y", "yes", "t", "true", "1":
			return true, nil
		case "n", "no", "f", "false", "0":
			return false, nil
		}
		return false, fmt.Errorf("registry: not a boolean: %q", v)
	default:
		return false, fmt.Errorf("registry: not a boolean: %v (%T)", value, value)
	}
}

func parseInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("registry: not an integer: %q", v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("registry: not an integer: %v (%T)", value, value)
	}
}
