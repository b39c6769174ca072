package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gkobilansky/cohort/internal/personalization"
	"github.com/gkobilansky/cohort/internal/store"
)

type evaluateRequest struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.badRequest(w, "user_id is required")
		return
	}
	outcomes, err := s.Personalization.Evaluate(r.Context(), req.UserID, req.EventType, req.EventData)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if outcomes == nil {
		outcomes = []personalization.TriggerOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "outcomes": outcomes})
}

func (s *Server) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var req personalization.SegmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	seg, err := s.Personalization.CreateSegment(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSegment(seg))
}

func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	list, err := s.Personalization.ListSegments(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toSegment))
}

func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := s.Personalization.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSegment(seg))
}

func (s *Server) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	var upd personalization.SegmentUpdate
	if !s.decode(w, r, &upd) {
		return
	}
	seg, err := s.Personalization.UpdateSegment(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSegment(seg))
}

func (s *Server) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	if err := s.Personalization.DeleteSegment(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluateSegment checks one user against a stored segment without
// touching memberships.
func (s *Server) handleEvaluateSegment(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.badRequest(w, "user_id is required")
		return
	}
	seg, err := s.Personalization.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	match, err := s.Personalization.EvaluateUserForSegment(r.Context(), req.UserID, seg.Criteria)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segment_id": seg.ID, "user_id": req.UserID, "matches": match})
}

func (s *Server) handleRefreshSegments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	ms, err := s.Personalization.UpdateUserSegmentMemberships(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "segments": toMemberships(ms)})
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req personalization.TriggerRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.Personalization.CreateTrigger(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTrigger(t))
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.Personalization.ListTriggers(r.Context(), store.TriggerFilter{
		ActiveOnly:  q.Get("active") == "true",
		TriggerType: store.TriggerType(q.Get("trigger_type")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toTrigger))
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.Personalization.GetTrigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrigger(t))
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var upd personalization.TriggerUpdate
	if !s.decode(w, r, &upd) {
		return
	}
	t, err := s.Personalization.UpdateTrigger(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTrigger(t))
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.Personalization.DeleteTrigger(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
