package properties

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Flattening errors.
var (
	ErrJSONObjectExpected = errors.New("json object expected")
	ErrDuplicateKey       = errors.New("duplicate property key")
)

// FlattenJSON flattens JSON text holding an object into sorted "key=value"
// lines. Values use literal syntax (see ParseLiteral).
func FlattenJSON(data []byte) ([]string, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return Flatten(obj)
}

// Flatten flattens a decoded JSON object into sorted "key=value" lines.
func Flatten(obj map[string]any) ([]string, error) {
	set, err := PropertySetFromMap(obj)
	if err != nil {
		return nil, err
	}
	return set.Lines(), nil
}

// FlattenMap flattens a decoded JSON object into a map of dotted keys to JSON
// leaves (scalars and arrays). Nested objects are joined with '.', null
// values are dropped. Already-flat maps are returned unchanged in content.
func FlattenMap(obj map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	if err := flattenInto(out, "", obj); err != nil {
		return nil, err
	}
	return out, nil
}

// FlattenMapJSON is FlattenMap over JSON text.
func FlattenMapJSON(data []byte) (map[string]any, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	return FlattenMap(obj)
}

func flattenInto(out map[string]any, prefix string, obj map[string]any) error {
	for k, v := range obj {
		key := normalizeKey(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch t := v.(type) {
		case nil:
			continue
		case map[string]any:
			if err := flattenInto(out, key, t); err != nil {
				return err
			}
		default:
			if _, dup := out[key]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
			}
			out[key] = t
		}
	}
	return nil
}

func decodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrJSONObjectExpected)
	}
	var raw any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("parse properties: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrJSONObjectExpected, raw)
	}
	return obj, nil
}

// valueFromJSON types a flattened JSON leaf.
func valueFromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		if strings.HasPrefix(t, `t"`) || strings.HasPrefix(t, `v"`) {
			if v, err := ParseLiteral(t); err == nil {
				return v, nil
			}
		}
		return String(t), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(f), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case bool:
		return Bool(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, elem := range t {
			if elem == nil {
				continue
			}
			if obj, ok := elem.(map[string]any); ok {
				b, err := json.Marshal(obj)
				if err != nil {
					return Value{}, err
				}
				items = append(items, String(string(b)))
				continue
			}
			v, err := valueFromJSON(elem)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return List(items...), nil
	case []float64:
		items := make([]Value, len(t))
		for i, f := range t {
			items[i] = Number(f)
		}
		return List(items...), nil
	}
	return Value{}, fmt.Errorf("unsupported property value of type %T", raw)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
