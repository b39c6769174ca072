package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gkobilansky/cohort/internal/experiment"
	"github.com/gkobilansky/cohort/internal/store"
)

type assignRequest struct {
	UserID string `json:"user_id"`
}

type convertRequest struct {
	UserID   string         `json:"user_id"`
	Value    *float64       `json:"value"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req experiment.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.Experiments.CreateExperiment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExperiment(e))
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExperimentFilter{
		Status:         store.ExperimentStatus(q.Get("status")),
		ExperimentType: q.Get("experiment_type"),
		CreatedBy:      q.Get("created_by"),
	}
	list, err := s.Experiments.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toExperiment))
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	e, err := s.Experiments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExperiment(e))
}

func (s *Server) handleTransition(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var (
			e   *store.Experiment
			err error
		)
		switch action {
		case "start":
			e, err = s.Experiments.Start(r.Context(), id)
		case "pause":
			e, err = s.Experiments.Pause(r.Context(), id)
		case "complete":
			e, err = s.Experiments.Complete(r.Context(), id)
		case "cancel":
			e, err = s.Experiments.Cancel(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toExperiment(e))
	}
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.badRequest(w, "user_id is required")
		return
	}
	a, err := s.Experiments.Assign(r.Context(), req.UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignment(a))
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.badRequest(w, "user_id is required")
		return
	}
	a, err := s.Experiments.TrackConversion(r.Context(), req.UserID, chi.URLParam(r, "id"), req.Value, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignment(a))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.Experiments.GetResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []experiment.VariantResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	m, err := s.Experiments.GetPerformanceMetrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
