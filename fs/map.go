package fs

import (
	"iter"
	"maps"
	"slices"
)

// Map is a Config backed by a plain map, as decoded from a checkpoint
// archive. Numeric values may arrive as any Go numeric type depending on
// the decoder; getters normalize them.
type Map map[string]any

var _ Config = Map(nil)

func (m Map) Architecture() string {
	return m.String("general.architecture", "unknown")
}

func (m Map) String(key string, defaultValue ...string) string {
	if v, ok := m[key].(string); ok {
		return v
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}

	return ""
}

func (m Map) Int(key string, defaultValue ...int) int {
	if v, ok := m[key]; ok {
		switch v := v.(type) {
		case int:
			return v
		case int8:
			return int(v)
		case int16:
			return int(v)
		case int32:
			return int(v)
		case int64:
			return int(v)
		case uint8:
			return int(v)
		case uint16:
			return int(v)
		case uint32:
			return int(v)
		case uint64:
			return int(v)
		case uint:
			return int(v)
		case float32:
			return int(v)
		case float64:
			return int(v)
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}

	return 0
}

func (m Map) Float(key string, defaultValue ...float32) float32 {
	if v, ok := m[key]; ok {
		switch v := v.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case int:
			return float32(v)
		case int64:
			return float32(v)
		case uint64:
			return float32(v)
		}
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}

	return 0
}

func (m Map) Bool(key string, defaultValue ...bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}

	return false
}

func (m Map) Len() int {
	return len(m)
}

func (m Map) Keys() iter.Seq[string] {
	return slices.Values(slices.Sorted(maps.Keys(m)))
}

func (m Map) Value(key string) any {
	return m[key]
}
