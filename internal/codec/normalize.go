package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// redactedKey marks a redacted value on the wire. Encoded values double the
// leading markerPrefix of user keys so they never collide with it.
const (
	redactedKey  = "$redacted"
	markerPrefix = "$"
)

// Redacted wraps a value whose content must never leave this side
type Redacted struct {
	Value any
}

// RedactedPlaceholder is what a peer receives in place of a Redacted value
type RedactedPlaceholder struct{}

type visitKey struct {
	ptr  uintptr
	kind reflect.Kind
	len  int
}

// Normalize converts v into a JSON-compatible tree of nil, bool, float64,
// string, []any and map[string]any. A container that refers back to one of
// its ancestors is replaced by nil.
func Normalize(v any) (any, error) {
	n := &normalizer{visiting: make(map[visitKey]bool)}
	return n.value(reflect.ValueOf(v))
}

// normalizeEscaped is Normalize with user map keys escaped, for values
// decoded again by restore
func normalizeEscaped(v any) (any, error) {
	n := &normalizer{visiting: make(map[visitKey]bool), escapeKeys: true}
	return n.value(reflect.ValueOf(v))
}

type normalizer struct {
	visiting   map[visitKey]bool
	escapeKeys bool
}

func (n *normalizer) value(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	if rv.CanInterface() {
		switch t := rv.Interface().(type) {
		case Redacted, *Redacted, RedactedPlaceholder:
			return map[string]any{redactedKey: true}, nil
		case json.Marshaler:
			if rv.Kind() == reflect.Pointer && rv.IsNil() {
				return nil, nil
			}
			return n.viaJSON(t)
		}
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return n.value(rv.Elem())

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		key := visitKey{ptr: rv.Pointer(), kind: reflect.Pointer}
		if n.visiting[key] {
			return nil, nil
		}
		n.visiting[key] = true
		defer delete(n.visiting, key)
		return n.value(rv.Elem())

	case reflect.Bool:
		return rv.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil

	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil

	case reflect.String:
		return rv.String(), nil

	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return n.viaJSON(rv.Interface())
		}
		key := visitKey{ptr: rv.Pointer(), kind: reflect.Slice, len: rv.Len()}
		if n.visiting[key] {
			return nil, nil
		}
		n.visiting[key] = true
		defer delete(n.visiting, key)
		return n.list(rv)

	case reflect.Array:
		return n.list(rv)

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		key := visitKey{ptr: rv.Pointer(), kind: reflect.Map}
		if n.visiting[key] {
			return nil, nil
		}
		n.visiting[key] = true
		defer delete(n.visiting, key)
		return n.mapping(rv)

	case reflect.Struct:
		if !rv.CanInterface() {
			return nil, fmt.Errorf("unexported value of type %s", rv.Type())
		}
		return n.viaJSON(rv.Interface())

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported value of type %s", rv.Type())
	}
}

func (n *normalizer) list(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		item, err := n.value(rv.Index(i))
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = item
	}
	return out, nil
}

func (n *normalizer) mapping(rv reflect.Value) (any, error) {
	keys := rv.MapKeys()
	names := make([]string, len(keys))
	byName := make(map[string]reflect.Value, len(keys))
	for i, k := range keys {
		name := fmt.Sprint(k.Interface())
		names[i] = name
		byName[name] = k
	}
	sort.Strings(names)

	out := make(map[string]any, len(keys))
	for _, name := range names {
		item, err := n.value(rv.MapIndex(byName[name]))
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
		out[n.key(name)] = item
	}
	return out, nil
}

func (n *normalizer) key(name string) string {
	if n.escapeKeys && strings.HasPrefix(name, markerPrefix) {
		return markerPrefix + name
	}
	return name
}

func (n *normalizer) viaJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if n.escapeKeys {
		out = escapeTree(out)
	}
	return out, nil
}

// escapeTree escapes the map keys of a tree decoded from JSON
func escapeTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if strings.HasPrefix(k, markerPrefix) {
				k = markerPrefix + k
			}
			out[k] = escapeTree(item)
		}
		return out
	case []any:
		for i, item := range t {
			t[i] = escapeTree(item)
		}
		return t
	default:
		return v
	}
}

// restore replaces wire markers in a tree built by normalizeEscaped with
// their Go values and unescapes user keys
func restore(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if marker, ok := t[redactedKey].(bool); ok && marker {
				return RedactedPlaceholder{}
			}
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			if strings.HasPrefix(k, markerPrefix+markerPrefix) {
				k = k[len(markerPrefix):]
			}
			out[k] = restore(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = restore(item)
		}
		return out
	default:
		return v
	}
}
