package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// startRunResponse is returned when a run is queued.
type startRunResponse struct {
	RunID  string          `json:"run_id"`
	Status model.RunStatus `json:"status"`
}

type paramsRequest struct {
	Params map[string]any `json:"params"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type retryRequest struct {
	FromStart bool `json:"from_start"`
}

type jumpRequest struct {
	StepID string `json:"step_id"`
}

func decodeStartRequest(s *Server, w http.ResponseWriter, r *http.Request) (engine.StartRequest, bool) {
	var req engine.StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.WorkflowID == "" {
		s.writeError(w, http.StatusBadRequest, "workflow_id is required")
		return req, false
	}
	return req, true
}

// handleExecuteRun runs a workflow to its first stop and returns the run.
// A run that failed is still a successful response; its status and error
// describe the failure.
func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStartRequest(s, w, r)
	if !ok {
		return
	}

	// The run outlives both the server write timeout and the client.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for synchronous run", "error", err)
	}
	run, err := s.engine.ExecuteWorkflow(context.WithoutCancel(r.Context()), req, "")
	if run == nil {
		s.writeEngineError(w, "execute run", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStartRequest(s, w, r)
	if !ok {
		return
	}
	id, err := s.engine.StartWorkflow(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, "start run", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startRunResponse{RunID: id, Status: model.StatusPending})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := listLimits(r)
	runs, total, err := s.store.ListRuns(r.Context(), store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     model.RunStatus(r.URL.Query().Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "cancel run", func(id string) error {
		return s.engine.Cancel(r.Context(), id)
	})
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runAction(w, r, "pause run", func(id string) error {
		return s.engine.Pause(r.Context(), id, req.Reason)
	})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runAction(w, r, "resume run", func(id string) error {
		return s.engine.Resume(r.Context(), id, req.Params)
	})
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runAction(w, r, "retry run", func(id string) error {
		return s.engine.Retry(r.Context(), id, req.FromStart)
	})
}

func (s *Server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runAction(w, r, "approve run", func(id string) error {
		return s.engine.Approve(r.Context(), id, req.Params)
	})
}

func (s *Server) handleRejectRun(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.runAction(w, r, "reject run", func(id string) error {
		return s.engine.Reject(r.Context(), id, req.Reason)
	})
}

func (s *Server) handleNextStep(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.NextStep(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "move to next step", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePreviousStep(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.PreviousStep(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, "move to previous step", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleJumpToStep(w http.ResponseWriter, r *http.Request) {
	var req jumpRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StepID == "" {
		s.writeError(w, http.StatusBadRequest, "step_id is required")
		return
	}
	run, err := s.engine.JumpToStep(r.Context(), chi.URLParam(r, "id"), req.StepID)
	if err != nil {
		s.writeEngineError(w, "jump to step", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	cps, err := s.store.ListCheckpoints(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list checkpoints", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	if cps == nil {
		cps = []model.Checkpoint{}
	}
	s.writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.engine.Progress(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run is not executing")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListTimeouts(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.TimeoutEvents(run.ID))
}

func (s *Server) handleListCompensations(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.PendingCompensations(run.ID))
}

// runAction applies op to the run named in the URL and responds with the
// run's state afterwards.
func (s *Server) runAction(w http.ResponseWriter, r *http.Request, name string, op func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		s.writeEngineError(w, name, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, "get run", err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}
