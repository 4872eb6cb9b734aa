package wizard

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/pitabwire/backoffice/model"
)

// Values maps field keys to their current value. A nil value means the field
// has not been filled in.
type Values map[string]any

// Clone returns a deep copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

// Bool returns the boolean at key and whether it is set.
func (v Values) Bool(key string) (bool, bool) {
	b, ok := v[key].(bool)
	return b, ok
}

// String returns the string at key, or "" when unset.
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Number returns the number at key and whether it is set.
func (v Values) Number(key string) (float64, bool) {
	n, ok := v[key].(float64)
	return n, ok
}

// Strings returns the string list at key.
func (v Values) Strings(key string) []string {
	s, _ := v[key].([]string)
	return s
}

func cloneValue(v any) any {
	if list, ok := v.([]string); ok {
		out := make([]string, len(list))
		copy(out, list)
		return out
	}
	return v
}

// Normalize coerces raw input (typically decoded JSON) into the value shapes
// declared by the definition. Numbers become float64 and lists become
// []string. Keys not declared by the step are reported as errors.
func Normalize(def Definition, raw map[string]any) (Values, []model.FieldError) {
	out := make(Values, len(raw))
	var errs []model.FieldError

	for key, val := range raw {
		f, ok := def.Field(key)
		if !ok {
			errs = append(errs, model.FieldError{
				Field:   key,
				Code:    model.FieldUnknown,
				Message: fmt.Sprintf("%s is not a field of %s", key, def.Name),
			})
			continue
		}
		nv, err := normalizeValue(f.Kind, val)
		if err != nil {
			errs = append(errs, model.FieldError{
				Field:   key,
				Code:    model.FieldInvalid,
				Message: fmt.Sprintf("%s %s", f.Label, err.Error()),
			})
			continue
		}
		out[key] = nv
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return out, errs
}

func normalizeValue(kind FieldKind, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch kind {
	case KindBool:
		if b, ok := val.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("must be true or false")
	case KindString, KindDate:
		if s, ok := val.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("must be text")
	case KindNumber:
		switch n := val.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("must be a number")
			}
			return f, nil
		}
		return nil, fmt.Errorf("must be a number")
	case KindStringList:
		switch list := val.(type) {
		case []string:
			return cloneValue(list), nil
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("must be a list of codes")
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, fmt.Errorf("must be a list of codes")
	}
	return nil, fmt.Errorf("has unsupported kind %s", kind)
}

// Equal reports whether two normalized value maps hold the same values.
// An empty list and an unset list are treated as equal.
func Equal(a, b Values) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if emptyList(av) && emptyList(bv) {
			continue
		}
		if !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

func emptyList(v any) bool {
	if v == nil {
		return true
	}
	list, ok := v.([]string)
	return ok && len(list) == 0
}
