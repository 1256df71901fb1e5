package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// recorder is a Handler that records the run ids it executed.
type recorder struct {
	mu   sync.Mutex
	runs []string
	done chan string
}

func newRecorder() *recorder {
	return &recorder{done: make(chan string, 16)}
}

func (r *recorder) handle(_ context.Context, job Job) error {
	r.mu.Lock()
	r.runs = append(r.runs, job.RunID)
	r.mu.Unlock()
	r.done <- job.RunID
	return nil
}

func waitFor(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-deadline:
			t.Fatalf("timed out after %d of %d jobs", len(got), n)
		}
	}
	return got
}

func closeQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMemoryQueueRunsJobs(t *testing.T) {
	q := NewMemoryQueue(WithConcurrency(2), WithLogger(testLogger()))
	rec := newRecorder()
	if err := q.Start(rec.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer closeQueue(t, q)

	for _, id := range []string{"r1", "r2", "r3"} {
		handle, err := q.Enqueue(context.Background(), Job{WorkflowID: "wf", RunID: id})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if handle == "" {
			t.Error("Enqueue returned empty handle")
		}
	}

	got := waitFor(t, rec.done, 3)
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	if !seen["r1"] || !seen["r2"] || !seen["r3"] {
		t.Errorf("executed %v, want r1 r2 r3", got)
	}
}

func TestMemoryQueueRespectsConcurrency(t *testing.T) {
	q := NewMemoryQueue(WithConcurrency(2), WithLogger(testLogger()))
	release := make(chan struct{})
	started := make(chan string, 4)
	err := q.Start(func(ctx context.Context, job Job) error {
		started <- job.RunID
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer closeQueue(t, q)

	for _, id := range []string{"r1", "r2", "r3"} {
		if _, err := q.Enqueue(context.Background(), Job{RunID: id}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, started, 2)

	stats := q.Stats(context.Background())
	if stats.Running != 2 || stats.Pending != 1 {
		t.Errorf("Stats = %+v, want 2 running and 1 pending", stats)
	}
	close(release)
	waitFor(t, started, 1)
}

func TestMemoryQueueRemovePendingJob(t *testing.T) {
	q := NewMemoryQueue(WithConcurrency(1), WithLogger(testLogger()))
	if _, err := q.Enqueue(context.Background(), Job{RunID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Job{RunID: "r2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if !q.RemoveByRunID(context.Background(), "r1") {
		t.Fatal("RemoveByRunID(r1) = false, want true")
	}
	if q.RemoveByRunID(context.Background(), "missing") {
		t.Error("RemoveByRunID(missing) = true, want false")
	}

	rec := newRecorder()
	if err := q.Start(rec.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer closeQueue(t, q)

	got := waitFor(t, rec.done, 1)
	if got[0] != "r2" {
		t.Errorf("executed %v, want r2 only", got)
	}
	select {
	case id := <-rec.done:
		t.Errorf("removed job %s still ran", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryQueueRemoveRunningJobCancelsIt(t *testing.T) {
	q := NewMemoryQueue(WithConcurrency(1), WithLogger(testLogger()))
	started := make(chan struct{})
	cancelled := make(chan struct{})
	err := q.Start(func(ctx context.Context, job Job) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer closeQueue(t, q)

	if _, err := q.Enqueue(context.Background(), Job{RunID: "r1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if !q.RemoveByRunID(context.Background(), "r1") {
		t.Fatal("RemoveByRunID(r1) = false, want true")
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("running job was not cancelled")
	}
}

func TestMemoryQueueEnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue(WithLogger(testLogger()))
	if err := q.Start(newRecorder().handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	closeQueue(t, q)
	if _, err := q.Enqueue(context.Background(), Job{RunID: "r1"}); err != ErrClosed {
		t.Errorf("Enqueue after close error = %v, want ErrClosed", err)
	}
}

func TestMemoryQueueRateLimit(t *testing.T) {
	q := NewMemoryQueue(WithConcurrency(4), WithRateLimit(20, 1), WithLogger(testLogger()))
	rec := newRecorder()
	if err := q.Start(rec.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer closeQueue(t, q)

	start := time.Now()
	for _, id := range []string{"r1", "r2", "r3"} {
		_, _ = q.Enqueue(context.Background(), Job{RunID: id})
	}
	waitFor(t, rec.done, 3)
	// 20/s with burst 1: the third job waits for two refills (~100ms).
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 jobs took %v, want rate limiting to slow them down", elapsed)
	}
}

func newTestRedisQueue(t *testing.T, opts ...Option) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	opts = append(opts, WithLogger(testLogger()))
	return NewRedisQueue(client, "", opts...), mr
}

func TestRedisQueueRoundTrip(t *testing.T) {
	q, _ := newTestRedisQueue(t, WithConcurrency(1))
	if err := q.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	var mu sync.Mutex
	var got []Job
	done := make(chan string, 4)
	err := q.Start(func(_ context.Context, job Job) error {
		mu.Lock()
		got = append(got, job)
		mu.Unlock()
		done <- job.RunID
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer closeQueue(t, q)

	job := Job{WorkflowID: "research", RunID: "r1", Params: map[string]any{"topic": "rivers"}}
	job.Options.ReviewMode = true
	if _, err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), Job{WorkflowID: "research", RunID: "r2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	order := waitFor(t, done, 2)
	if order[0] != "r1" || order[1] != "r2" {
		t.Errorf("execution order = %v, want [r1 r2]", order)
	}

	mu.Lock()
	defer mu.Unlock()
	first := got[0]
	if first.WorkflowID != "research" || first.Params["topic"] != "rivers" || !first.Options.ReviewMode {
		t.Errorf("decoded job = %+v", first)
	}
	if first.ID == "" || first.EnqueuedAt.IsZero() {
		t.Errorf("decoded job missing id or enqueue time: %+v", first)
	}
}

func TestRedisQueueRemovePendingJob(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r1"} {
		if _, err := q.Enqueue(ctx, Job{RunID: id}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if stats := q.Stats(ctx); stats.Pending != 3 {
		t.Errorf("Pending = %d, want 3", stats.Pending)
	}

	if !q.RemoveByRunID(ctx, "r1") {
		t.Fatal("RemoveByRunID(r1) = false, want true")
	}
	items, err := mr.List(defaultRedisKey)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("list length after remove = %d, want 1", len(items))
	}
	if q.RemoveByRunID(ctx, "missing") {
		t.Error("RemoveByRunID(missing) = true, want false")
	}
}
