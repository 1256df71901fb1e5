package action

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Action is the callable behind a workflow step. It receives the merged
// context and step params, the owning run id, and a context carrying the
// run's cancellation signal. A nil result is valid.
type Action func(ctx context.Context, params map[string]any, runID string) (any, error)

// Definition describes a registered action.
type Definition struct {
	Name        string             `json:"name"`
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Schema      *jsonschema.Schema `json:"schema,omitempty"`
	Module      bool               `json:"module,omitempty"`

	// Fn is the implementation invoked by the executor.
	Fn Action `json:"-"`

	resolved *jsonschema.Resolved
}

// SessionKey is the reserved params key under which the executor injects a
// transaction session when a step runs inside a transaction boundary.
const SessionKey = "_session"

// ValidationError reports params rejected by schema or security validation.
// A step failing validation never runs.
type ValidationError struct {
	Action string
	Pass   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action %q: %s validation failed: %s", e.Action, e.Pass, e.Reason)
}

func (d *Definition) resolve() error {
	if d.Schema == nil {
		return nil
	}
	resolved, err := d.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", d.Name, err)
	}
	d.resolved = resolved
	return nil
}

// ParseSchema decodes a JSON schema document, as used by modules that ship
// their parameter schema as JSON.
func ParseSchema(raw []byte) (*jsonschema.Schema, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	return &schema, nil
}
