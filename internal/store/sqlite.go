package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL,
    query_id     TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    context      TEXT,
    params       TEXT,
    paused_state TEXT,
    options      TEXT,
    output_paths TEXT,
    current_step TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    created_by   TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createRunsSubjectIndex = `
CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs (workflow_id, query_id, status)`

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL,
    step_id      TEXT NOT NULL,
    next_step_id TEXT NOT NULL DEFAULT '',
    context      TEXT,
    metadata     TEXT,
    created_at   DATETIME NOT NULL
)`

const createCheckpointsIndex = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints (run_id)`

const createRunLogsTable = `
CREATE TABLE IF NOT EXISTS run_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    level      TEXT NOT NULL,
    step_id    TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL,
    fields     TEXT,
    created_at DATETIME NOT NULL
)`

const createRunLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs (run_id, seq)`

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS run_history (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    workflow_id    TEXT NOT NULL,
    status         TEXT NOT NULL,
    steps_executed INTEGER NOT NULL,
    duration_ms    INTEGER NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    created_at     DATETIME NOT NULL
)`

const runColumns = `id, workflow_id, status, context, params, paused_state, options,
	output_paths, current_step, error, created_by, created_at, started_at, finished_at`

// ErrNotFound is returned when a run or checkpoint is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction checks.
var (
	_ Store         = (*SQLiteStore)(nil)
	_ Transactional = (*SQLiteStore)(nil)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	migrations := []struct {
		name string
		stmt string
	}{
		{"runs table", createRunsTable},
		{"runs subject index", createRunsSubjectIndex},
		{"checkpoints table", createCheckpointsTable},
		{"checkpoints index", createCheckpointsIndex},
		{"run_logs table", createRunLogsTable},
		{"run_logs index", createRunLogsIndex},
		{"run_history table", createHistoryTable},
	}
	for _, m := range migrations {
		if _, err := db.Exec(m.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", m.name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginSession opens a transaction for an action's transaction boundary.
func (s *SQLiteStore) BeginSession(ctx context.Context) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return tx, nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	enc := &encoder{}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, workflow_id, query_id, status, context, params, paused_state, options,
			output_paths, current_step, error, created_by, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.QueryID(), r.Status,
		enc.text(r.Context), enc.text(r.Params), enc.text(r.PausedState), enc.text(r.Options),
		enc.text(r.OutputPaths), r.CurrentStep, r.Error, r.CreatedBy,
		r.CreatedAt.UTC(), r.StartedAt, r.FinishedAt,
	)
	if enc.err != nil {
		return fmt.Errorf("encode run: %w", enc.err)
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs ordered by created_at DESC, along with the
// total count of runs matching the filter.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]*model.Run, int, error) {
	var where []string
	var args []any
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus moves a run to status. Entering running stamps started_at
// once; entering completed, failed, cancelled or timeout stamps finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status model.RunStatus) error {
	return s.transition(ctx, id, status, "", nil)
}

// PauseRun moves a run to paused and stores state. A run that is already
// paused keeps its status and has its state replaced.
func (s *SQLiteStore) PauseRun(ctx context.Context, id string, state *model.PausedState) error {
	enc := &encoder{}
	ps := enc.text(state)
	if enc.err != nil {
		return fmt.Errorf("encode paused state: %w", enc.err)
	}
	step := ""
	if state != nil {
		step = state.StepID
	}
	return s.transition(ctx, id, model.StatusPaused, "paused_state = ?, current_step = ?", []any{ps, step}, model.StatusPaused)
}

// ResumeRun moves a run to running and clears its paused state and error.
func (s *SQLiteStore) ResumeRun(ctx context.Context, id string) error {
	return s.transition(ctx, id, model.StatusRunning, "paused_state = NULL, error = '', finished_at = NULL", nil)
}

// FailRun moves a run to failed or timeout with msg as its error.
func (s *SQLiteStore) FailRun(ctx context.Context, id string, status model.RunStatus, msg string) error {
	if status != model.StatusFailed && status != model.StatusTimeout {
		return fmt.Errorf("fail run: unsupported status %q", status)
	}
	return s.transition(ctx, id, status, "error = ?", []any{msg})
}

// transition runs a conditional UPDATE that only matches rows whose current
// status may move to status. A miss is resolved into ErrNotFound or
// ErrInvalidTransition. extra widens the accepted source statuses.
func (s *SQLiteStore) transition(ctx context.Context, id string, status model.RunStatus, set string, setArgs []any, extra ...model.RunStatus) error {
	sources := append(model.AllowedSources(status), extra...)
	if len(sources) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, status)
	}

	now := time.Now().UTC()
	assignments := []string{"status = ?"}
	args := []any{status}
	switch status {
	case model.StatusRunning:
		assignments = append(assignments, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled, model.StatusTimeout:
		assignments = append(assignments, "finished_at = ?")
		args = append(args, now)
	}
	if set != "" {
		assignments = append(assignments, set)
		args = append(args, setArgs...)
	}

	placeholders := make([]string, len(sources))
	args = append(args, id)
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, src)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(assignments, ", ")+
			" WHERE id = ? AND status IN ("+strings.Join(placeholders, ", ")+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var current model.RunStatus
	err = s.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// CancelActiveRuns cancels pending, running and paused runs of workflowID
// working on queryID, except excludeID.
func (s *SQLiteStore) CancelActiveRuns(ctx context.Context, workflowID, queryID, excludeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs
		WHERE workflow_id = ? AND query_id = ? AND id != ? AND status IN (?, ?, ?)`,
		workflowID, queryID, excludeID,
		model.StatusPending, model.StatusRunning, model.StatusPaused,
	)
	if err != nil {
		return nil, fmt.Errorf("find active runs: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active runs: %w", err)
	}

	var cancelled []string
	for _, id := range candidates {
		err := s.transition(ctx, id, model.StatusCancelled, "error = ?", []any{"superseded by run " + excludeID})
		if errors.Is(err, ErrInvalidTransition) {
			// Finished between the select and the update.
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

// UpdateRunContext persists the run's context and cursor.
func (s *SQLiteStore) UpdateRunContext(ctx context.Context, id string, c model.Context, currentStep string) error {
	enc := &encoder{}
	text := enc.text(c)
	if enc.err != nil {
		return fmt.Errorf("encode context: %w", enc.err)
	}
	return s.updateRun(ctx, id, "context = ?, current_step = ?", text, currentStep)
}

// UpdateRunParams replaces the run's input params.
func (s *SQLiteStore) UpdateRunParams(ctx context.Context, id string, params map[string]any) error {
	enc := &encoder{}
	text := enc.text(params)
	if enc.err != nil {
		return fmt.Errorf("encode params: %w", enc.err)
	}
	return s.updateRun(ctx, id, "params = ?", text)
}

// UpdateOutputPaths records the artifacts generated for a run.
func (s *SQLiteStore) UpdateOutputPaths(ctx context.Context, id string, paths map[string]string) error {
	enc := &encoder{}
	text := enc.text(paths)
	if enc.err != nil {
		return fmt.Errorf("encode output paths: %w", enc.err)
	}
	return s.updateRun(ctx, id, "output_paths = ?", text)
}

func (s *SQLiteStore) updateRun(ctx context.Context, id, set string, args ...any) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runs SET "+set+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveCheckpoint appends a checkpoint to its run's history.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = model.NewID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	enc := &encoder{}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, step_id, next_step_id, context, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.StepID, cp.NextStepID, enc.text(cp.Context), enc.text(cp.Metadata), cp.Timestamp,
	)
	if enc.err != nil {
		return fmt.Errorf("encode checkpoint: %w", enc.err)
	}
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently saved checkpoint of a run.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, next_step_id, context, metadata, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY rowid DESC LIMIT 1`, runID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns a run's checkpoints, oldest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, next_step_id, context, metadata, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY rowid ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return cps, nil
}

// InsertLogLines appends a batch of log lines in one transaction.
func (s *SQLiteStore) InsertLogLines(ctx context.Context, lines []model.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_logs (run_id, seq, level, step_id, message, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range lines {
		enc := &encoder{}
		fields := enc.text(l.Fields)
		if enc.err != nil {
			return fmt.Errorf("encode log fields: %w", enc.err)
		}
		createdAt := l.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, l.RunID, l.Seq, l.Level, l.StepID, l.Message, fields, createdAt); err != nil {
			return fmt.Errorf("insert log line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log lines: %w", err)
	}
	return nil
}

// GetLogLines returns the log lines of a run with seq greater than afterSeq,
// ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string, afterSeq int) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, level, step_id, message, fields, created_at
		FROM run_logs WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		var fields sql.NullString
		if err := rows.Scan(&l.ID, &l.RunID, &l.Seq, &l.Level, &l.StepID, &l.Message, &fields, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		if err := decode(fields, &l.Fields); err != nil {
			return nil, fmt.Errorf("decode log fields: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// SaveHistory stores the execution history record of a finished run.
func (s *SQLiteStore) SaveHistory(ctx context.Context, h *model.HistoryEntry) error {
	if h.ID == "" {
		h.ID = model.NewID()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_history (id, run_id, workflow_id, status, steps_executed, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.RunID, h.WorkflowID, h.Status, h.StepsExecuted, h.DurationMS, h.Error, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns recent history entries, newest first. An empty
// workflowID matches every workflow.
func (s *SQLiteStore) ListHistory(ctx context.Context, workflowID string, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, run_id, workflow_id, status, steps_executed, duration_ms, error, created_at FROM run_history`
	var args []any
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []model.HistoryEntry
	for rows.Next() {
		var h model.HistoryEntry
		if err := rows.Scan(&h.ID, &h.RunID, &h.WorkflowID, &h.Status, &h.StepsExecuted, &h.DurationMS, &h.Error, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// GetRunStats returns aggregate statistics over all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{
		CountByStatus:   make(map[string]int),
		CountByWorkflow: make(map[string]int),
	}

	if err := groupCounts(ctx, tx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := groupCounts(ctx, tx, "workflow_id", stats.CountByWorkflow); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM run_history`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}
	return stats, nil
}

func groupCounts(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count runs by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	var runCtx, params, paused, options, outputs sql.NullString
	if err := sc.Scan(
		&r.ID, &r.WorkflowID, &r.Status, &runCtx, &params, &paused, &options,
		&outputs, &r.CurrentStep, &r.Error, &r.CreatedBy, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst any
	}{
		{runCtx, &r.Context},
		{params, &r.Params},
		{paused, &r.PausedState},
		{options, &r.Options},
		{outputs, &r.OutputPaths},
	} {
		if err := decode(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func scanCheckpoint(sc scanner) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	var cpCtx, metadata sql.NullString
	if err := sc.Scan(&cp.ID, &cp.RunID, &cp.StepID, &cp.NextStepID, &cpCtx, &metadata, &cp.Timestamp); err != nil {
		return nil, err
	}
	if err := decode(cpCtx, &cp.Context); err != nil {
		return nil, fmt.Errorf("decode checkpoint context: %w", err)
	}
	if err := decode(metadata, &cp.Metadata); err != nil {
		return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
	}
	return cp, nil
}

// encoder marshals values to JSON text columns, remembering the first error.
type encoder struct {
	err error
}

func (e *encoder) text(v any) any {
	if e.err != nil || isNil(v) {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		e.err = err
		return nil
	}
	return string(b)
}

func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case model.Context:
		return t == nil
	case map[string]any:
		return t == nil
	case map[string]string:
		return t == nil
	case *model.PausedState:
		return t == nil
	}
	return false
}

func decode(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}
