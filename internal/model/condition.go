package model

import (
	"fmt"
	"reflect"
	"strings"
)

// Condition operators.
const (
	OpExists    = "exists"
	OpNotExists = "not_exists"
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpTruthy    = "truthy"
	OpFalsy     = "falsy"
	OpGT        = "gt"
	OpGTE       = "gte"
	OpLT        = "lt"
	OpLTE       = "lte"
	OpContains  = "contains"
)

// Condition gates a step on the current context. Key is a dotted path into
// the context. Func, when set, takes precedence and is only available to
// in-process definitions.
type Condition struct {
	Key   string               `json:"key" yaml:"key"`
	Op    string               `json:"op,omitempty" yaml:"op,omitempty"`
	Value any                  `json:"value,omitempty" yaml:"value,omitempty"`
	Func  func(c Context) bool `json:"-" yaml:"-"`
}

// Validate checks that the condition is well formed.
func (c *Condition) Validate() error {
	if c.Func != nil {
		return nil
	}
	if c.Key == "" {
		return fmt.Errorf("condition: key is required")
	}
	switch c.op() {
	case OpExists, OpNotExists, OpEquals, OpNotEquals, OpTruthy, OpFalsy,
		OpGT, OpGTE, OpLT, OpLTE, OpContains:
		return nil
	default:
		return fmt.Errorf("condition: unknown operator %q", c.Op)
	}
}

func (c *Condition) op() string {
	if c.Op == "" {
		return OpTruthy
	}
	return c.Op
}

// Evaluate reports whether the condition holds against ctx.
func (c *Condition) Evaluate(ctx Context) (bool, error) {
	if c.Func != nil {
		return c.Func(ctx), nil
	}
	v, found := ctx.Lookup(c.Key)
	switch c.op() {
	case OpExists:
		return found, nil
	case OpNotExists:
		return !found, nil
	case OpTruthy:
		return found && truthy(v), nil
	case OpFalsy:
		return !found || !truthy(v), nil
	case OpEquals:
		return found && equal(v, c.Value), nil
	case OpNotEquals:
		return !found || !equal(v, c.Value), nil
	case OpContains:
		return found && contains(v, c.Value), nil
	case OpGT, OpGTE, OpLT, OpLTE:
		if !found {
			return false, nil
		}
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition %s %s: non-numeric operands", c.Key, c.Op)
		}
		switch c.op() {
		case OpGT:
			return a > b, nil
		case OpGTE:
			return a >= b, nil
		case OpLT:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("condition: unknown operator %q", c.Op)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func equal(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, exists := h[s]
		return exists
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
