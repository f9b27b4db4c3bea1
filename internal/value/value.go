package value

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Value is a sealed interface implemented only by the types in this package.
type Value interface {
	value()
}

// Null is the JSON null value.
type Null struct{}

func (Null) value() {}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value. There is no float type.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object maps keys to values. Use Keys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// Keys returns the object's keys in sorted order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = Clone(v)
	}
	return c
}

// Merge copies every key of src into o, overwriting existing keys.
func (o Object) Merge(src Object) {
	for k, v := range src {
		o[k] = Clone(v)
	}
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Array:
		c := make(Array, len(val))
		for i, e := range val {
			c[i] = Clone(e)
		}
		return c
	case Object:
		return val.Clone()
	default:
		return v
	}
}

// Lookup resolves a dot-separated path inside v.
//
// Object keys are matched by name; array elements by decimal index. An empty
// path returns v itself. The second result is false if any segment is missing.
func Lookup(v Value, path string) (Value, bool) {
	if path == "" || path == "." {
		return v, v != nil
	}

	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case Object:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Array:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}

	return cur, true
}

// From converts a plain Go value, as produced by YAML or JSON decoders, into a
// Value. Floats with an integral value are accepted as Int; other floats fail.
func From(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case uint64:
		return Int(int64(val)), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not supported: %v", val)
		}
		return Int(int64(val)), nil
	case []any:
		arr := make(Array, len(val))
		for i, e := range val {
			ev, err := From(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, e := range val {
			ev, err := From(e)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = ev
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ObjectFrom converts a plain Go map into an Object.
func ObjectFrom(m map[string]any) (Object, error) {
	if m == nil {
		return Object{}, nil
	}
	v, err := From(m)
	if err != nil {
		return nil, err
	}
	return v.(Object), nil
}

// Plain converts v back into plain Go values (string, int64, bool, []any,
// map[string]any, nil).
func Plain(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Plain(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = Plain(e)
		}
		return out
	default:
		return nil
	}
}
