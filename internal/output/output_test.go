package output

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/model"
)

func testRun() (*model.Run, *model.Workflow) {
	wf := &model.Workflow{
		ID:   "research",
		Name: "Topic research",
		Steps: []model.Step{
			{ID: "discover", Action: "search"},
			{ID: "enrich", Name: "Enrich documents", Action: "enrich"},
			{ID: "publish", Action: "publish"},
		},
	}
	run := &model.Run{
		ID:         "run-1",
		WorkflowID: "research",
		Status:     model.StatusFailed,
		Error:      "publish failed",
		Context: model.Context{
			"topic":    "rivers",
			"discover": map[string]any{"count": 2},
			"enrich":   map[string]any{"error": "timeout"},
			"_session": "internal",
		},
	}
	return run, wf
}

func TestGenerateWritesAllFormats(t *testing.T) {
	dir := t.TempDir()
	run, wf := testRun()

	paths, err := NewGenerator(dir).Generate(run, wf)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, format := range []string{FormatJSON, FormatYAML, FormatMarkdown} {
		if _, err := os.Stat(paths[format]); err != nil {
			t.Errorf("%s artifact missing: %v", format, err)
		}
	}

	raw, _ := os.ReadFile(paths[FormatJSON])
	var report Report
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if report.Status != model.StatusFailed || len(report.Steps) != 3 {
		t.Errorf("json report = %+v", report)
	}
	if _, leaked := report.Context["_session"]; leaked {
		t.Error("internal context key leaked into report")
	}

	raw, _ = os.ReadFile(paths[FormatYAML])
	var fromYAML Report
	if err := yaml.Unmarshal(raw, &fromYAML); err != nil {
		t.Fatalf("decode yaml report: %v", err)
	}
	if fromYAML.RunID != "run-1" {
		t.Errorf("yaml run_id = %q", fromYAML.RunID)
	}

	md, _ := os.ReadFile(paths[FormatMarkdown])
	for _, want := range []string{"# Topic research", "**failed**", "| Enrich documents | enrich | error |", "| publish | publish | not run |"} {
		if !strings.Contains(string(md), want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestBuildReportStepStates(t *testing.T) {
	run, wf := testRun()
	report := BuildReport(run, wf)
	want := map[string]string{"discover": StepDone, "enrich": StepErrored, "publish": StepPending}
	for _, s := range report.Steps {
		if s.State != want[s.ID] {
			t.Errorf("step %s state = %q, want %q", s.ID, s.State, want[s.ID])
		}
	}
}
