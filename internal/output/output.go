// Package output writes the artifacts of a finished run in several formats
// under <dir>/<run id>/.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/model"
)

// Formats produced by the generator.
const (
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
)

// Report is the document rendered into each format.
type Report struct {
	RunID       string          `json:"run_id" yaml:"run_id"`
	WorkflowID  string          `json:"workflow_id" yaml:"workflow_id"`
	Workflow    string          `json:"workflow" yaml:"workflow"`
	Status      model.RunStatus `json:"status" yaml:"status"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
	Steps       []StepReport    `json:"steps" yaml:"steps"`
	Context     map[string]any  `json:"context" yaml:"context"`
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`
}

// StepReport summarizes one step of the run.
type StepReport struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	State  string `json:"state" yaml:"state"`
	Result any    `json:"result,omitempty" yaml:"result,omitempty"`
}

// Step states in a report.
const (
	StepDone    = "done"
	StepErrored = "error"
	StepPending = "not run"
)

// Generator writes run artifacts to a base directory.
type Generator struct {
	dir string
}

// NewGenerator creates a generator writing under dir.
func NewGenerator(dir string) *Generator {
	return &Generator{dir: dir}
}

// Generate renders the run in every format and returns the written paths
// keyed by format. Formats that fail are skipped and reported in the error;
// the paths of the others are still returned.
func (g *Generator) Generate(run *model.Run, wf *model.Workflow) (map[string]string, error) {
	report := BuildReport(run, wf)
	dir := filepath.Join(g.dir, run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("output: create %s: %w", dir, err)
	}

	renderers := []struct {
		format string
		file   string
		render func(*Report) ([]byte, error)
	}{
		{FormatJSON, "report.json", func(r *Report) ([]byte, error) { return json.MarshalIndent(r, "", "  ") }},
		{FormatYAML, "report.yaml", func(r *Report) ([]byte, error) { return yaml.Marshal(r) }},
		{FormatMarkdown, "report.md", renderMarkdown},
	}

	paths := make(map[string]string, len(renderers))
	var errs []error
	for _, r := range renderers {
		data, err := r.render(report)
		if err != nil {
			errs = append(errs, fmt.Errorf("output: render %s: %w", r.format, err))
			continue
		}
		path := filepath.Join(dir, r.file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("output: write %s: %w", path, err))
			continue
		}
		paths[r.format] = path
	}
	return paths, errors.Join(errs...)
}

// BuildReport assembles the report of run. Internal context keys are left out.
func BuildReport(run *model.Run, wf *model.Workflow) *Report {
	ctx := model.DomainParams(run.Context)
	report := &Report{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		Status:      run.Status,
		Error:       run.Error,
		Context:     ctx,
		GeneratedAt: time.Now().UTC(),
	}
	if wf == nil {
		return report
	}
	report.Workflow = wf.Name
	for _, s := range wf.Steps {
		sr := StepReport{ID: s.ID, Name: s.DisplayName(), Action: s.Action, State: StepPending}
		if result, ok := run.Context[s.ID]; ok {
			sr.State = StepDone
			sr.Result = result
			if m, isMap := result.(map[string]any); isMap {
				if _, failed := m["error"]; failed {
					sr.State = StepErrored
				}
			}
		}
		report.Steps = append(report.Steps, sr)
	}
	return report
}

func renderMarkdown(r *Report) ([]byte, error) {
	var b strings.Builder
	title := r.Workflow
	if title == "" {
		title = r.WorkflowID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- Status: **%s**\n", r.Status)
	fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	if r.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", r.Error)
	}

	if len(r.Steps) > 0 {
		b.WriteString("\n## Steps\n\n| Step | Action | State |\n|---|---|---|\n")
		for _, s := range r.Steps {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Name, s.Action, s.State)
		}
	}

	keys := make([]string, 0, len(r.Context))
	for k := range r.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		b.WriteString("\n## Context\n\n")
		for _, k := range keys {
			v, err := json.Marshal(r.Context[k])
			if err != nil {
				return nil, fmt.Errorf("context key %s: %w", k, err)
			}
			fmt.Fprintf(&b, "- **%s**: `%s`\n", k, v)
		}
	}
	return []byte(b.String()), nil
}
