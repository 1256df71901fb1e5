package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByWorkflow map[string]int `json:"count_by_workflow"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	WorkflowID string
	Status     model.RunStatus
	Limit      int
	Offset     int
}

// Store defines the persistence operations for runs, their checkpoints,
// logs and execution history.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, int, error)

	// UpdateRunStatus moves a run to status, enforcing the transition table.
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error
	// PauseRun moves a run to paused and records where it stopped.
	PauseRun(ctx context.Context, id string, state *model.PausedState) error
	// ResumeRun moves a run back to running and clears its paused state and error.
	ResumeRun(ctx context.Context, id string) error
	// FailRun moves a run to failed or timeout and records the error message.
	FailRun(ctx context.Context, id string, status model.RunStatus, msg string) error
	// CancelActiveRuns cancels every active run of workflowID on the same
	// subject except excludeID and returns the ids it cancelled.
	CancelActiveRuns(ctx context.Context, workflowID, queryID, excludeID string) ([]string, error)

	UpdateRunContext(ctx context.Context, id string, c model.Context, currentStep string) error
	UpdateRunParams(ctx context.Context, id string, params map[string]any) error
	UpdateOutputPaths(ctx context.Context, id string, paths map[string]string) error

	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)

	InsertLogLines(ctx context.Context, lines []model.LogLine) error
	GetLogLines(ctx context.Context, runID string, afterSeq int) ([]model.LogLine, error)

	SaveHistory(ctx context.Context, h *model.HistoryEntry) error
	ListHistory(ctx context.Context, workflowID string, limit int) ([]model.HistoryEntry, error)

	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}

// Session is a transaction handle injected into actions that run inside a
// transaction boundary. *sql.Tx satisfies it.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Transactional is implemented by stores that can open a Session.
type Transactional interface {
	BeginSession(ctx context.Context) (Session, error)
}
