// Package schema holds the validators applied to values arriving from a peer.
// Validators are registered under a stable type key when a registry is built.
package schema

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Built-in type keys.
const (
	TypeAny     = "any"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeNull    = "null"
)

// ErrValidation matches every ValidationError
var ErrValidation = errors.New("validation failed")

// Validator reports whether a decoded value has the expected shape
type Validator func(value any) bool

// ValidationError describes a value rejected by a validator
type ValidationError struct {
	Key    string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: type=%s: %s", e.Key, e.Reason)
}

// Is lets callers match with errors.Is(err, ErrValidation)
func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Registry maps type keys to validators
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry creates a registry holding the built-in validators
func NewRegistry() *Registry {
	r := &Registry{validators: make(map[string]Validator)}
	for key, v := range map[string]Validator{
		TypeAny:     Any,
		TypeString:  String,
		TypeNumber:  Number,
		TypeInteger: Integer,
		TypeBoolean: Boolean,
		TypeArray:   ArrayOf(Any),
		TypeObject:  Object(nil),
		TypeNull:    Null,
	} {
		r.validators[key] = v
	}
	return r
}

// Register adds a validator under key; keys cannot be redefined
func (r *Registry) Register(key string, v Validator) error {
	if key == "" || v == nil {
		return fmt.Errorf("schema: key and validator are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.validators[key]; exists {
		return fmt.Errorf("schema: type %q already registered", key)
	}
	r.validators[key] = v
	return nil
}

// MustRegister is Register for init-time tables
func (r *Registry) MustRegister(key string, v Validator) {
	if err := r.Register(key, v); err != nil {
		panic(err)
	}
}

// Lookup returns the validator registered under key
func (r *Registry) Lookup(key string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[key]
	return v, ok
}

// Keys lists the registered type keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.validators))
	for k := range r.validators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks value against the validator for key. An empty key
// accepts anything.
func (r *Registry) Validate(key string, value any) error {
	if key == "" {
		return nil
	}
	v, ok := r.Lookup(key)
	if !ok {
		return ValidationError{Key: key, Reason: "unknown type key"}
	}
	if !v(value) {
		return ValidationError{Key: key, Reason: fmt.Sprintf("unexpected value of type %T", value)}
	}
	return nil
}

// Any accepts every value
func Any(any) bool { return true }

// String accepts strings
func String(value any) bool {
	_, ok := value.(string)
	return ok
}

// Number accepts decoded numbers
func Number(value any) bool {
	switch value.(type) {
	case float64, float32, int, int64, int32:
		return true
	default:
		return false
	}
}

// Integer accepts numbers without a fractional part
func Integer(value any) bool {
	switch n := value.(type) {
	case int, int64, int32:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	default:
		return false
	}
}

// Boolean accepts booleans
func Boolean(value any) bool {
	_, ok := value.(bool)
	return ok
}

// Null accepts only nil
func Null(value any) bool {
	return value == nil
}

// Optional accepts nil or whatever v accepts
func Optional(v Validator) Validator {
	return func(value any) bool {
		return value == nil || v(value)
	}
}

// OneOf accepts a value matching any of the validators
func OneOf(validators ...Validator) Validator {
	return func(value any) bool {
		for _, v := range validators {
			if v(value) {
				return true
			}
		}
		return false
	}
}

// ArrayOf accepts lists whose every item matches item
func ArrayOf(item Validator) Validator {
	return func(value any) bool {
		list, ok := value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if !item(v) {
				return false
			}
		}
		return true
	}
}

// Tuple accepts lists of exactly len(items) values matching position by position
func Tuple(items ...Validator) Validator {
	return func(value any) bool {
		list, ok := value.([]any)
		if !ok || len(list) != len(items) {
			return false
		}
		for i, v := range items {
			if !v(list[i]) {
				return false
			}
		}
		return true
	}
}

// Object accepts maps whose listed fields match. Unknown fields are ignored.
func Object(fields map[string]Validator) Validator {
	return func(value any) bool {
		m, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for name, v := range fields {
			if !v(m[name]) {
				return false
			}
		}
		return true
	}
}
