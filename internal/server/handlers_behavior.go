package server

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gkobilansky/cohort/internal/behavior"
)

// handleTrackEvent queues the event on the ingest pipeline and answers
// 202. Without a pipeline the event is applied inline.
func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var in behavior.EventInput
	if !s.decode(w, r, &in) {
		return
	}
	if in.UserAgent == "" {
		in.UserAgent = r.UserAgent()
	}
	if in.IPAddress == "" {
		in.IPAddress = clientIP(r)
	}

	if s.Ingest != nil {
		if err := s.Ingest.TrySubmit(r.Context(), in); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
		return
	}

	res, err := s.Behavior.TrackEvent(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"event":   toEvent(res.Event),
		"profile": toProfile(res.Profile),
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if net.ParseIP(host) == nil {
		return ""
	}
	return host
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok1 := queryInt(r, "limit", 100)
	offset, ok2 := queryInt(r, "offset", 0)
	if !ok1 || !ok2 {
		s.badRequest(w, "limit and offset must be integers")
		return
	}
	q := r.URL.Query()
	events, err := s.Behavior.GetBehaviorEvents(r.Context(), behavior.EventQuery{
		UserID:    q.Get("user_id"),
		ClientID:  q.Get("client_id"),
		EventType: q.Get("event_type"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(events, toEvent))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.Behavior.GetBehaviorProfile(r.Context(), chi.URLParam(r, "user"), r.URL.Query().Get("client_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfile(p))
}

func (s *Server) handleResolveRisk(w http.ResponseWriter, r *http.Request) {
	user, factor := chi.URLParam(r, "user"), chi.URLParam(r, "factor")
	resolved, err := s.Behavior.ResolveRiskFactor(r.Context(), user, r.URL.Query().Get("client_id"), factor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user,
		"factor":   factor,
		"resolved": resolved,
	})
}

func (s *Server) handleAtRisk(w http.ResponseWriter, r *http.Request) {
	threshold, ok1 := queryFloat(r, "threshold", 0)
	limit, ok2 := queryInt(r, "limit", 0)
	if !ok1 || !ok2 {
		s.badRequest(w, "threshold and limit must be numbers")
		return
	}
	profiles, err := s.Behavior.GetAtRiskUsers(r.Context(), behavior.AtRiskQuery{
		ClientID:  r.URL.Query().Get("client_id"),
		Threshold: threshold,
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(profiles, toProfile))
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, err := s.Behavior.GetAnalytics(r.Context(), behavior.Scope{UserID: q.Get("user_id"), ClientID: q.Get("client_id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
