package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) model.Run {
	t.Helper()
	defer resp.Body.Close()
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

func TestExecuteRunCompletes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"workflow_id":"greet","params":{"topic":"go"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	run := decodeRun(t, resp)

	if len(run.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(run.ID))
	}
	if run.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", run.Status, model.StatusCompleted)
	}
	if run.Context["bye"] != "bye" || run.Context["topic"] != "go" {
		t.Errorf("Context = %v", run.Context)
	}
}

func TestExecuteRunOutlivesClient(t *testing.T) {
	srv := newTestServer(t)
	err := srv.engine.RegisterWorkflow(model.Workflow{
		ID: "slow",
		Steps: []model.Step{
			{ID: "nap", Action: "wait", Params: map[string]any{"duration": "200ms"}, Next: "done"},
			{ID: "done", Action: "echo", Params: map[string]any{"value": "done"}},
		},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/v1/runs", strings.NewReader(`{"workflow_id":"slow"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var run model.Run
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != model.StatusCompleted || run.Context["done"] != "done" {
		t.Errorf("run = %s %v, want completed after the client went away", run.Status, run.Context)
	}
}

func TestStartRunQueues(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs/async", `{"workflow_id":"greet"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var started startRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	get, err := http.Get(ts.URL + "/v1/runs/" + started.RunID)
	if err != nil {
		t.Fatalf("GET run: %v", err)
	}
	if run := decodeRun(t, get); run.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", run.Status)
	}
}

func TestStartRunErrors(t *testing.T) {
	srv := newTestServer(t)
	err := srv.engine.RegisterWorkflow(model.Workflow{
		ID:    "broken",
		Steps: []model.Step{{ID: "a", Action: "not-registered"}},
	})
	if err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "not json", http.StatusBadRequest},
		{"missing workflow id", `{}`, http.StatusBadRequest},
		{"unknown workflow", `{"workflow_id":"nope"}`, http.StatusNotFound},
		{"unregistered action", `{"workflow_id":"broken"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/runs/async", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var errResp map[string]string
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRunsFilters(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for range 3 {
		postJSON(t, ts.URL+"/v1/runs/async", `{"workflow_id":"greet"}`).Body.Close()
	}
	postJSON(t, ts.URL+"/v1/runs", `{"workflow_id":"greet"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/v1/runs?status=pending&limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 3 || len(body.Runs) != 2 || body.Limit != 2 {
		t.Errorf("total = %d, runs = %d, limit = %d; want 3, 2, 2", body.Total, len(body.Runs), body.Limit)
	}
}

func TestCancelRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs/async", `{"workflow_id":"greet"}`)
	var started startRunResponse
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	cancelRun := func() *http.Response {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+started.RunID, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		return resp
	}

	first := cancelRun()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", first.StatusCode)
	}
	if run := decodeRun(t, first); run.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", run.Status)
	}

	second := cancelRun()
	defer second.Body.Close()
	if second.StatusCode != http.StatusBadRequest {
		t.Errorf("second cancel status = %d, want 400", second.StatusCode)
	}
}

func TestCancelCompletedRunIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := decodeRun(t, postJSON(t, ts.URL+"/v1/runs", `{"workflow_id":"greet"}`))
	if run.Status != model.StatusCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+run.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReviewFlow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"workflow_id":"greet","options":{"review_mode":true}}`)
	run := decodeRun(t, resp)
	if run.Status != model.StatusPaused || run.PausedState == nil || run.PausedState.StepID != "bye" {
		t.Fatalf("run = %+v, want paused before bye", run)
	}

	reviews, err := http.Get(ts.URL + "/v1/reviews")
	if err != nil {
		t.Fatalf("GET reviews: %v", err)
	}
	var pending []map[string]any
	json.NewDecoder(reviews.Body).Decode(&pending)
	reviews.Body.Close()
	if len(pending) != 1 || pending[0]["run_id"] != run.ID {
		t.Errorf("pending reviews = %v", pending)
	}

	jump := postJSON(t, ts.URL+"/v1/runs/"+run.ID+"/jump", `{"step_id":"missing"}`)
	jump.Body.Close()
	if jump.StatusCode != http.StatusBadRequest {
		t.Errorf("jump to missing step status = %d, want 400", jump.StatusCode)
	}

	back := postJSON(t, ts.URL+"/v1/runs/"+run.ID+"/back", "")
	if moved := decodeRun(t, back); moved.PausedState == nil || moved.PausedState.StepID != "hello" {
		t.Errorf("after back: %+v", moved.PausedState)
	}

	approve := postJSON(t, ts.URL+"/v1/runs/"+run.ID+"/approve", `{"params":{"reviewer":"sam"}}`)
	approve.Body.Close()
	if approve.StatusCode != http.StatusOK {
		t.Errorf("approve status = %d, want 200", approve.StatusCode)
	}

	// No worker claimed the approved run, so it is still awaiting review.
	reject := postJSON(t, ts.URL+"/v1/runs/"+run.ID+"/reject", "")
	if rejected := decodeRun(t, reject); rejected.Status != model.StatusCancelled {
		t.Errorf("after reject: status = %q, want cancelled", rejected.Status)
	}
}

func TestRunSubresources(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := decodeRun(t, postJSON(t, ts.URL+"/v1/runs", `{"workflow_id":"greet"}`))

	cps, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/checkpoints")
	if err != nil {
		t.Fatalf("GET checkpoints: %v", err)
	}
	var checkpoints []model.Checkpoint
	json.NewDecoder(cps.Body).Decode(&checkpoints)
	cps.Body.Close()
	if len(checkpoints) != 2 {
		t.Errorf("checkpoints = %d, want 2", len(checkpoints))
	}

	for _, path := range []string{"/timeouts", "/compensations"} {
		resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}

	progress, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/progress")
	if err != nil {
		t.Fatalf("GET progress: %v", err)
	}
	progress.Body.Close()
	if progress.StatusCode != http.StatusNotFound {
		t.Errorf("progress of finished run status = %d, want 404", progress.StatusCode)
	}
}
