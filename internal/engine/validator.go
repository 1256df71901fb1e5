package engine

import (
	"fmt"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/definition"
	"github.com/seantiz/anvil/internal/model"
)

// Validator checks a workflow before it runs: the definition must be well
// formed and every action it names must be registered.
type Validator struct {
	registry *action.Registry
}

// NewValidator creates a validator resolving actions against registry.
func NewValidator(registry *action.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate returns a WorkflowValidationError listing every problem found.
func (v *Validator) Validate(wf *model.Workflow) error {
	var problems []string
	if err := definition.Validate(wf); err != nil {
		problems = append(problems, err.Error())
	}
	for _, s := range wf.Steps {
		if s.Action != "" && !v.registry.Has(s.Action) {
			problems = append(problems, fmt.Sprintf("step %s: action %q is not registered", s.ID, s.Action))
		}
		if s.Compensate != "" && !v.registry.Has(s.Compensate) {
			problems = append(problems, fmt.Sprintf("step %s: compensate action %q is not registered", s.ID, s.Compensate))
		}
	}
	if len(problems) > 0 {
		return &WorkflowValidationError{WorkflowID: wf.ID, Problems: problems}
	}
	return nil
}
