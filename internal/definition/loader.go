// Package definition loads workflow definitions from YAML (or JSON) and keeps
// the catalog of workflows the engine can run by id.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/model"
)

// Parse decodes and validates a workflow definition. JSON documents are
// accepted as YAML. Durations are written as Go duration strings ("90s").
func Parse(data []byte) (model.Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.Workflow{}, fmt.Errorf("definition: payload is empty")
	}
	var wf model.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("definition: decode: %w", err)
	}
	if err := Validate(&wf); err != nil {
		return model.Workflow{}, err
	}
	return wf, nil
}

// LoadReader reads a workflow definition from r.
func LoadReader(r io.Reader) (model.Workflow, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("definition: read: %w", err)
	}
	return Parse(content)
}

// LoadFile loads a workflow definition from path.
func LoadFile(path string) (model.Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("definition: read %s: %w", path, err)
	}
	wf, err := Parse(content)
	if err != nil {
		return model.Workflow{}, fmt.Errorf("definition: %s: %w", path, err)
	}
	return wf, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir, sorted by file
// name. A missing directory yields no workflows.
func LoadDir(dir string) ([]model.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("definition: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	workflows := make([]model.Workflow, 0, len(names))
	for _, name := range names {
		wf, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// Validate checks the structure of a workflow: ids present and unique, every
// transition and parallel member pointing at a known step, conditions well
// formed and review fallbacks recognized. Whether actions are registered is
// checked by the engine at run time.
func Validate(wf *model.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("definition: workflow id is required")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("definition: workflow %s has no steps", wf.ID)
	}
	if wf.Timeout < 0 {
		return fmt.Errorf("definition: workflow %s: negative timeout", wf.ID)
	}

	ids := make(map[string]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.ID == "" {
			return fmt.Errorf("definition: workflow %s: step %d has no id", wf.ID, i)
		}
		if ids[s.ID] {
			return fmt.Errorf("definition: workflow %s: duplicate step id %q", wf.ID, s.ID)
		}
		ids[s.ID] = true
	}

	var problems []string
	for _, s := range wf.Steps {
		if s.Action == "" && len(s.Parallel) == 0 {
			problems = append(problems, fmt.Sprintf("step %q has neither an action nor parallel members", s.ID))
		}
		for _, ref := range []struct{ field, target string }{{"next", s.Next}, {"else_next", s.ElseNext}} {
			if ref.target != "" && !ids[ref.target] {
				problems = append(problems, fmt.Sprintf("step %q: %s refers to unknown step %q", s.ID, ref.field, ref.target))
			}
		}
		for _, member := range s.Parallel {
			switch {
			case !ids[member]:
				problems = append(problems, fmt.Sprintf("step %q: parallel member %q is unknown", s.ID, member))
			case member == s.ID:
				problems = append(problems, fmt.Sprintf("step %q lists itself as a parallel member", s.ID))
			}
		}
		if s.Condition != nil {
			if err := s.Condition.Validate(); err != nil {
				problems = append(problems, fmt.Sprintf("step %q: %v", s.ID, err))
			}
		}
		switch s.ReviewTimeoutAction {
		case "", model.ReviewApprove, model.ReviewReject, model.ReviewFail:
		default:
			problems = append(problems, fmt.Sprintf("step %q: unknown review timeout action %q", s.ID, s.ReviewTimeoutAction))
		}
		if s.Timeout < 0 || s.ReviewTimeout < 0 {
			problems = append(problems, fmt.Sprintf("step %q: negative timeout", s.ID))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("definition: workflow %s: %s", wf.ID, strings.Join(problems, "; "))
	}
	return nil
}
