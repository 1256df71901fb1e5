package model

import (
	"strings"
)

// Context is the run-scoped blackboard threaded through every step. Each
// step's raw result lives under its step id; object-shaped results are also
// flattened into top-level keys by ApplyResult.
type Context map[string]any

// InternalKeyPrefix marks engine-owned keys that are never treated as domain
// input when a run is recovered from a checkpoint.
const InternalKeyPrefix = "_"

// IsInternalKey reports whether k is an engine-owned context key.
func IsInternalKey(k string) bool {
	return strings.HasPrefix(k, InternalKeyPrefix)
}

// NewContext returns a context seeded with a deep copy of params.
func NewContext(params map[string]any) Context {
	c := make(Context, len(params))
	for k, v := range params {
		c[k] = deepCopy(v)
	}
	return c
}

// Clone returns a deep copy of the context.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = deepCopy(v)
	}
	return out
}

// ApplyResult stores result under stepID and, when result is an object,
// flattens its fields into top-level keys. Flattening never touches stepID,
// any key in reserved, or internal keys. Two objects under the same key are shallow-merged
// with the incoming fields winning; any other value replaces.
func (c Context) ApplyResult(stepID string, result any, reserved map[string]bool) {
	c[stepID] = result
	obj, ok := result.(map[string]any)
	if !ok {
		return
	}
	MergeObject(c, obj, func(k string) bool {
		return k == stepID || reserved[k] || IsInternalKey(k)
	})
}

// MergeObject merges src into dst following the context merge rule. Keys for
// which skip returns true are left untouched.
func MergeObject(dst, src map[string]any, skip func(string) bool) {
	for k, v := range src {
		if skip != nil && skip(k) {
			continue
		}
		existing, eok := dst[k].(map[string]any)
		incoming, iok := v.(map[string]any)
		if eok && iok {
			merged := make(map[string]any, len(existing)+len(incoming))
			for ek, ev := range existing {
				merged[ek] = ev
			}
			for ik, iv := range incoming {
				merged[ik] = iv
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// Lookup resolves a dotted path such as "search.total" against the context.
func (c Context) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(c)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if ctx, isCtx := cur.(Context); isCtx {
				m = ctx
			} else {
				return nil, false
			}
		}
		v, exists := m[p]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// DomainParams returns the non-internal top-level entries of params.
func DomainParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if IsInternalKey(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Without returns a copy of the context with the given keys removed.
func (c Context) Without(keys ...string) Context {
	out := c.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = deepCopy(vv)
		}
		return m
	case Context:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = deepCopy(vv)
		}
		return s
	default:
		return v
	}
}
