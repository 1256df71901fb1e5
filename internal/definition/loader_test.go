package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

const researchYAML = `
id: research
name: Topic research
timeout: 2h
steps:
  - id: discover
    action: search
    params:
      limit: 20
    next: triage
  - id: triage
    action: score
    condition:
      key: discover.count
      op: gt
      value: 0
    next: fetch
    else_next: report
  - id: fetch
    parallel: [scrape, enrich]
    next: review
  - id: scrape
    action: scrape
    timeout: 90s
  - id: enrich
    action: enrich
    continue_on_error: true
  - id: review
    action: collect
    review_point: true
    review_timeout: 30m
    review_timeout_action: reject
    next: report
  - id: report
    action: summarize
`

func TestParseYAML(t *testing.T) {
	wf, err := Parse([]byte(researchYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.ID != "research" || wf.Timeout != 2*time.Hour {
		t.Errorf("workflow = %s timeout %v", wf.ID, wf.Timeout)
	}
	if len(wf.Steps) != 7 {
		t.Fatalf("len(Steps) = %d, want 7", len(wf.Steps))
	}
	if wf.FirstStepID() != "discover" {
		t.Errorf("FirstStepID = %q, want discover", wf.FirstStepID())
	}

	triage := wf.Step("triage")
	if triage.Condition == nil || triage.Condition.Op != model.OpGT || triage.ElseNext != "report" {
		t.Errorf("triage = %+v", triage)
	}
	fetch := wf.Step("fetch")
	if len(fetch.Parallel) != 2 || fetch.Parallel[1] != "enrich" {
		t.Errorf("fetch.Parallel = %v", fetch.Parallel)
	}
	if wf.Step("scrape").Timeout != 90*time.Second {
		t.Errorf("scrape timeout = %v, want 90s", wf.Step("scrape").Timeout)
	}
	if !wf.Step("enrich").ContinueOnError {
		t.Error("enrich.ContinueOnError = false, want true")
	}
	review := wf.Step("review")
	if !review.ReviewPoint || review.ReviewTimeout != 30*time.Minute || review.ReviewTimeoutAction != model.ReviewReject {
		t.Errorf("review = %+v", review)
	}
	if wf.Step("discover").Params["limit"] != 20 {
		t.Errorf("discover params = %v", wf.Step("discover").Params)
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"id": "digest", "steps": [{"id": "a", "action": "echo", "next": "b"}, {"id": "b", "action": "echo", "timeout": "5s"}]}`
	wf, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Step("b").Timeout != 5*time.Second {
		t.Errorf("b timeout = %v, want 5s", wf.Step("b").Timeout)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "  ", "empty"},
		{"missing id", "steps: [{id: a, action: echo}]", "id is required"},
		{"no steps", "id: x", "no steps"},
		{"duplicate step", "id: x\nsteps: [{id: a, action: echo}, {id: a, action: echo}]", "duplicate step id"},
		{"unknown next", "id: x\nsteps: [{id: a, action: echo, next: b}]", "unknown step"},
		{"unknown member", "id: x\nsteps: [{id: a, parallel: [b]}]", "parallel member"},
		{"no action", "id: x\nsteps: [{id: a}]", "neither an action"},
		{"bad condition", "id: x\nsteps: [{id: a, action: echo, condition: {key: k, op: like}}]", "unknown operator"},
		{"bad review action", "id: x\nsteps: [{id: a, action: echo, review_timeout_action: ignore}]", "review timeout action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestParseAllowsSelfElseNext(t *testing.T) {
	// A self-referencing else branch is rejected when it is taken, not at load.
	doc := "id: x\nsteps: [{id: a, action: echo, condition: {key: go}, else_next: a}]"
	if _, err := Parse([]byte(doc)); err != nil {
		t.Errorf("Parse: %v", err)
	}
}

func TestLoadDirAndCatalog(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.yaml":    "id: beta\nsteps: [{id: a, action: echo}]",
		"a.yml":     "id: alpha\nsteps: [{id: a, action: echo}]",
		"c.json":    `{"id": "gamma", "steps": [{"id": "a", "action": "echo"}]}`,
		"notes.txt": "ignored",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	cat := NewCatalog()
	n, err := cat.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 3 {
		t.Errorf("loaded %d workflows, want 3", n)
	}

	list := cat.List()
	if len(list) != 3 || list[0].ID != "alpha" || list[2].ID != "gamma" {
		t.Errorf("List() = %v", list)
	}
	if _, err := cat.Get("beta"); err != nil {
		t.Errorf("Get(beta): %v", err)
	}
	if _, err := cat.Get("delta"); err == nil {
		t.Error("Get(delta) should fail")
	}
}

func TestLoadDirMissing(t *testing.T) {
	workflows, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(workflows) != 0 {
		t.Errorf("LoadDir(missing) = %v, %v; want none, nil", workflows, err)
	}
}

func TestLoadDirReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: x\nsteps: [{id: a}]"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "bad.yaml") {
		t.Errorf("LoadDir error = %v, want mention of bad.yaml", err)
	}
}
