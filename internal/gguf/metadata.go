package gguf

import "fmt"

type ArrayValue struct {
	ElemType ValueType
	Values   []any
}

// Value is a typed metadata value. The dynamic type of Value follows Type:
// u8 is uint8, i32 is int32, string is string, array is ArrayValue, and so on.
type Value struct {
	Type  ValueType
	Value any
}

type KV struct {
	Key   string
	Value Value
}

// Metadata holds key/value pairs in file order.
type Metadata []KV

// Get returns the value stored under key.
func (m Metadata) Get(key string) (Value, bool) {
	for _, kv := range m {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the value under key, or appends it.
func (m *Metadata) Set(key string, v Value) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = v
			return
		}
	}
	*m = append(*m, KV{Key: key, Value: v})
}

func (m Metadata) Keys() []string {
	out := make([]string, len(m))
	for i, kv := range m {
		out[i] = kv.Key
	}
	return out
}

func (m Metadata) String(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.Value.(bool)
	return b, ok
}

func (m Metadata) Uint64(key string) (uint64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

func (m Metadata) Int64(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	default:
		return 0, false
	}
}

func (m Metadata) Float64(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// GetArray returns the array under key when every element has type T.
func GetArray[T any](m Metadata, key string) ([]T, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		t, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// Alignment returns general.alignment, or the default of 32.
func (m Metadata) Alignment() uint64 {
	if u, ok := m.Uint64(KeyAlignment); ok && u > 0 {
		return u
	}
	return DefaultAlignment
}

// CheckAlignment rejects a general.alignment that is not a power of two or is
// larger than MaxAlignment.
func (m Metadata) CheckAlignment() error {
	u, ok := m.Uint64(KeyAlignment)
	if !ok {
		return nil
	}
	if u == 0 || u&(u-1) != 0 || u > MaxAlignment {
		return fmt.Errorf("%w: %s = %d", ErrCorruptFile, KeyAlignment, u)
	}
	return nil
}

// Format renders v for display. Long arrays are summarised.
func (v Value) Format(maxElems int) string {
	arr, ok := v.Value.(ArrayValue)
	if !ok {
		if s, ok := v.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprint(v.Value)
	}
	if maxElems >= 0 && len(arr.Values) > maxElems {
		return fmt.Sprintf("[%s x %d]", arr.ElemType, len(arr.Values))
	}
	return fmt.Sprint(arr.Values)
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		return uint64(t), t >= 0
	case int16:
		return uint64(t), t >= 0
	case int32:
		return uint64(t), t >= 0
	case int64:
		return uint64(t), t >= 0
	default:
		return 0, false
	}
}
