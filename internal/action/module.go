package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Module is a pluggable unit of work registered at runtime, typically by an
// extension rather than by the process that owns the engine.
type Module interface {
	Name() string
	Execute(ctx context.Context, params map[string]any, runID string) (any, error)
}

// Typed is implemented by modules that declare an action type, used to pick
// the per-type default timeout.
type Typed interface {
	Type() string
}

// SchemaProvider is implemented by modules that validate their params.
type SchemaProvider interface {
	ParamsSchema() *jsonschema.Schema
}

// ModuleRegistry holds modules by name.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewModuleRegistry returns an empty module registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string]Module)}
}

// Register installs m. Returns an error if the name already exists.
func (r *ModuleRegistry) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("module: module is required")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module: %s already registered", name)
	}
	r.modules[name] = m
	return nil
}

// Get returns the module registered under name.
func (r *ModuleRegistry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns a sorted list of registered module names.
func (r *ModuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Adapt wraps a module as an action definition.
func Adapt(m Module) Definition {
	def := Definition{
		Name:   m.Name(),
		Module: true,
		Fn:     m.Execute,
	}
	if t, ok := m.(Typed); ok {
		def.Type = t.Type()
	}
	if sp, ok := m.(SchemaProvider); ok {
		def.Schema = sp.ParamsSchema()
	}
	return def
}
