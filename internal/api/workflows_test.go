package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterAndListWorkflows(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"id":"ping","name":"Ping","steps":[{"id":"a","action":"echo","params":{"value":"pong"}}]}`
	resp := postJSON(t, ts.URL+"/v1/workflows", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	list, err := http.Get(ts.URL + "/v1/workflows")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer list.Body.Close()
	var workflows []workflowSummary
	if err := json.NewDecoder(list.Body).Decode(&workflows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(workflows) != 2 || workflows[1].ID != "ping" || workflows[1].Steps != 1 {
		t.Errorf("workflows = %+v", workflows)
	}

	get, err := http.Get(ts.URL + "/v1/workflows/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusNotFound {
		t.Errorf("missing workflow status = %d, want 404", get.StatusCode)
	}
}

func TestRegisterWorkflowRejectsInvalid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/workflows", `{"id":"empty","steps":[]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListActions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/actions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var defs []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d["name"].(string)] = true
	}
	for _, want := range []string{"echo", "set", "wait", "fail"} {
		if !names[want] {
			t.Errorf("action %q missing from %v", want, names)
		}
	}
}

func TestStatsAndHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	postJSON(t, ts.URL+"/v1/runs", `{"workflow_id":"greet"}`).Body.Close()
	postJSON(t, ts.URL+"/v1/runs/async", `{"workflow_id":"greet"}`).Body.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus["completed"] != 1 || stats.ByStatus["pending"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Queue.Pending != 1 {
		t.Errorf("queue pending = %d, want 1", stats.Queue.Pending)
	}

	hist, err := http.Get(ts.URL + "/v1/history?workflow_id=greet")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer hist.Body.Close()
	var entries []map[string]any
	json.NewDecoder(hist.Body).Decode(&entries)
	if len(entries) != 1 || entries[0]["status"] != "completed" {
		t.Errorf("history = %v", entries)
	}
}
