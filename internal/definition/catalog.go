package definition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/anvil/internal/model"
)

// Catalog holds the workflows the engine can run, keyed by id.
type Catalog struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{workflows: make(map[string]model.Workflow)}
}

// Register validates wf and adds it, replacing any workflow with the same id.
func (c *Catalog) Register(wf model.Workflow) error {
	if err := Validate(&wf); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows[wf.ID] = wf
	return nil
}

// LoadDir registers every workflow found in dir and returns how many were
// loaded.
func (c *Catalog) LoadDir(dir string) (int, error) {
	workflows, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, wf := range workflows {
		if err := c.Register(wf); err != nil {
			return 0, err
		}
	}
	return len(workflows), nil
}

// Get returns the workflow registered under id.
func (c *Catalog) Get(id string) (model.Workflow, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.workflows[id]
	if !ok {
		return model.Workflow{}, fmt.Errorf("definition: unknown workflow %q", id)
	}
	return wf, nil
}

// List returns the registered workflows sorted by id.
func (c *Catalog) List() []model.Workflow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Workflow, 0, len(c.workflows))
	for _, wf := range c.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
