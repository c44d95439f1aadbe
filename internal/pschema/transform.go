package pschema

import (
	"fmt"
	"strconv"
)

// NumberAsString stores a numeric field as a string on disk but exposes it
// as a number in memory, the canonical example of a value-level transform.
type NumberAsString struct{}

func (NumberAsString) FromStored(v any) (any, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, fmt.Errorf("not a numeric string: %q", t)
		}
		return f, nil
	case float64, int, int64:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected stored type %T", v)
	}
}

func (NumberAsString) ToStored(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case string:
		return t, nil
	default:
		return nil, fmt.Errorf("unexpected in-memory type %T", v)
	}
}
