package action

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps action names to definitions. Lookups fall back to the module
// registry: a module resolved by name is adapted into an action and cached.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Definition
	modules *ModuleRegistry
}

// NewRegistry creates an empty action registry with its own module registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]*Definition),
		modules: NewModuleRegistry(),
	}
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Action) error {
	return r.RegisterDefinition(Definition{Name: name, Fn: fn})
}

// RegisterDefinition adds a fully described action.
func (r *Registry) RegisterDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("action: name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("action: function is required for %s", def.Name)
	}
	if err := def.resolve(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[def.Name] = &def
	return nil
}

// RegisterModule adds a pluggable module. It becomes resolvable as an action
// under its own name.
func (r *Registry) RegisterModule(m Module) error {
	return r.modules.Register(m)
}

// Modules returns the secondary module registry.
func (r *Registry) Modules() *ModuleRegistry {
	return r.modules
}

// Has reports whether name resolves to an action or a module.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	_, ok := r.actions[name]
	r.mu.RUnlock()
	if ok {
		return true
	}
	_, ok = r.modules.Get(name)
	return ok
}

// Resolve returns the definition registered under name. In-process actions
// win; otherwise a module with that name is adapted and registered. The
// error for an unknown name lists every known action and module.
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.actions[name]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	m, ok := r.modules.Get(name)
	if !ok {
		return nil, fmt.Errorf("action %q is not registered (available actions: %s; modules: %s)",
			name, joinOrNone(r.Names()), joinOrNone(r.modules.Names()))
	}

	adapted := Adapt(m)
	if err := adapted.resolve(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.actions[name]; ok {
		return existing, nil
	}
	r.actions[name] = &adapted
	return &adapted, nil
}

// Names returns the in-process action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns every resolvable definition, including modules not yet
// adapted, sorted by name for a stable API response.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	seen := make(map[string]bool, len(r.actions))
	defs := make([]Definition, 0, len(r.actions))
	for name, def := range r.actions {
		seen[name] = true
		defs = append(defs, *def)
	}
	r.mu.RUnlock()

	for _, name := range r.modules.Names() {
		if seen[name] {
			continue
		}
		if m, ok := r.modules.Get(name); ok {
			defs = append(defs, Adapt(m))
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

// Invoke resolves name and calls it without validation. Compensations
// declared on steps run through it, outside the step pipeline.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, runID string) (any, error) {
	def, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return def.Fn(ctx, params, runID)
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
