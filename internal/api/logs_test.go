package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
)

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsCompletedRun(t *testing.T) {
	srv := newTestServer(t)

	run := createPendingRun(t, srv)
	if err := srv.store.UpdateRunStatus(context.Background(), run.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending to running: %v", err)
	}
	if err := srv.store.UpdateRunStatus(context.Background(), run.ID, model.StatusCompleted); err != nil {
		t.Fatalf("running to completed: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)

	run := createPendingRun(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Start streaming in a goroutine.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/runs/"+run.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Publish some log lines and close the stream.
	broker := srv.engine.Broker()
	broker.Publish(run.ID, "hello world")
	broker.Publish(run.ID, "goodbye")
	broker.Close(run.ID)

	// Read SSE events from the response body.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), events)
	}
	if events[0] != "hello world" {
		t.Errorf("event[0] = %q, want %q", events[0], "hello world")
	}
	if events[1] != "goodbye" {
		t.Errorf("event[1] = %q, want %q", events[1], "goodbye")
	}
}

func TestStreamLogsMultiLineData(t *testing.T) {
	srv := newTestServer(t)

	run := createPendingRun(t, srv)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/runs/"+run.ID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Publish a multi-line log entry (e.g. a stack trace).
	broker := srv.engine.Broker()
	broker.Publish(run.ID, "error: something failed\n  at main.go:42\n  at handler.go:10")
	broker.Close(run.ID)

	// Parse SSE events: consecutive "data:" lines form one event, separated by blank lines.
	scanner := bufio.NewScanner(resp.Body)
	var events []string
	var current []string
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			current = append(current, data)
		} else if line == "" && len(current) > 0 {
			events = append(events, strings.Join(current, "\n"))
			current = nil
		}
	}

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %v", len(events), events)
	}

	want := "error: something failed\n  at main.go:42\n  at handler.go:10"
	if events[0] != want {
		t.Errorf("event = %q, want %q", events[0], want)
	}
}

func createPendingRun(t *testing.T, srv *Server) *model.Run {
	t.Helper()
	run := &model.Run{
		ID:         model.NewID(),
		WorkflowID: "greet",
		Status:     model.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := srv.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestGetLogHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run, err := srv.engine.ExecuteWorkflow(context.Background(), engine.StartRequest{WorkflowID: "greet"}, "")
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body logHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != run.ID || len(body.Lines) == 0 {
		t.Errorf("history = %+v, want lines for %s", body, run.ID)
	}

	resp2, err := http.Get(ts.URL + "/v1/runs/missing/logs/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp2.StatusCode)
	}
}
