package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// flushThreshold forces a flush when this many lines are buffered between
// step boundaries.
const flushThreshold = 50

// RunLogger records the log of one run. Lines are mirrored to the process
// logger, published to live subscribers as they are written and persisted
// in batches whenever Flush is called.
type RunLogger struct {
	runID  string
	store  store.Store
	broker *LogBroker
	logger *slog.Logger

	mu  sync.Mutex
	seq int
	buf []model.LogLine
}

// newRunLogger continues the sequence of any lines already persisted for
// the run, so a resumed run appends rather than overwrites.
func newRunLogger(ctx context.Context, runID string, s store.Store, broker *LogBroker, logger *slog.Logger) *RunLogger {
	l := &RunLogger{
		runID:  runID,
		store:  s,
		broker: broker,
		logger: logger.With("run_id", runID),
	}
	if lines, err := s.GetLogLines(ctx, runID, -1); err == nil && len(lines) > 0 {
		l.seq = lines[len(lines)-1].Seq + 1
	}
	return l
}

// RunID returns the id of the run being logged.
func (l *RunLogger) RunID() string { return l.runID }

func (l *RunLogger) Debug(stepID, msg string, fields map[string]any) {
	l.append(model.LogDebug, stepID, msg, fields)
}

func (l *RunLogger) Info(stepID, msg string, fields map[string]any) {
	l.append(model.LogInfo, stepID, msg, fields)
}

func (l *RunLogger) Warn(stepID, msg string, fields map[string]any) {
	l.append(model.LogWarn, stepID, msg, fields)
}

func (l *RunLogger) Error(stepID, msg string, fields map[string]any) {
	l.append(model.LogError, stepID, msg, fields)
}

func (l *RunLogger) append(level, stepID, msg string, fields map[string]any) {
	line := model.LogLine{
		RunID:     l.runID,
		Level:     level,
		StepID:    stepID,
		Message:   msg,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	line.Seq = l.seq
	l.seq++
	l.buf = append(l.buf, line)
	full := len(l.buf) >= flushThreshold
	l.mu.Unlock()

	attrs := make([]any, 0, 2+2*len(fields))
	if stepID != "" {
		attrs = append(attrs, "step_id", stepID)
	}
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(context.Background(), slogLevel(level), msg, attrs...)

	if raw, err := json.Marshal(line); err == nil {
		l.broker.Publish(l.runID, string(raw))
	}

	if full {
		l.Flush(context.Background())
	}
}

// Flush persists buffered lines. Failures are logged and the lines dropped;
// losing log lines never fails a run.
func (l *RunLogger) Flush(ctx context.Context) {
	l.mu.Lock()
	lines := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(lines) == 0 {
		return
	}
	if err := l.store.InsertLogLines(ctx, lines); err != nil {
		l.logger.Error("failed to persist run log lines", "count", len(lines), "error", err)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case model.LogDebug:
		return slog.LevelDebug
	case model.LogWarn:
		return slog.LevelWarn
	case model.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
