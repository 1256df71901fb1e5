package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/model"
)

// workflowSummary is the list form of a workflow definition.
type workflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := s.engine.Catalog().List()
	out := make([]workflowSummary, len(workflows))
	for i, wf := range workflows {
		out[i] = workflowSummary{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
			Steps:       len(wf.Steps),
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.engine.Catalog().Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if err := decodeBody(w, r, &wf); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.engine.RegisterWorkflow(wf); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("workflow registered", "workflow_id", wf.ID, "steps", len(wf.Steps))
	s.writeJSON(w, http.StatusCreated, workflowSummary{
		ID:          wf.ID,
		Name:        wf.Name,
		Description: wf.Description,
		Steps:       len(wf.Steps),
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Registry().List()
	if defs == nil {
		defs = []action.Definition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.PendingReviews())
}
