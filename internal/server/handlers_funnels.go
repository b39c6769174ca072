package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gkobilansky/cohort/internal/funnel"
)

type completeStepRequest struct {
	TimeSpentSeconds *int           `json:"time_spent_seconds"`
	Metadata         map[string]any `json:"metadata"`
}

func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	var req funnel.CreateStepRequest
	if !s.decode(w, r, &req) {
		return
	}
	step, err := s.Funnels.CreateStep(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFunnelStep(step))
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	var req completeStepRequest
	if !s.decode(w, r, &req) {
		return
	}
	step, err := s.Funnels.CompleteStep(r.Context(), chi.URLParam(r, "id"), req.TimeSpentSeconds, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFunnelStep(step))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req funnel.ProgressRequest
	if !s.decode(w, r, &req) {
		return
	}
	step, err := s.Funnels.TrackProgress(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFunnelStep(step))
}

// handleConversion serves ?start=&end= with optional RFC 3339 from/to.
func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	start, ok1 := queryInt(r, "start", 1)
	end, ok2 := queryInt(r, "end", 0)
	if !ok1 || !ok2 || end == 0 {
		s.badRequest(w, "start and end must be step numbers")
		return
	}

	var dr *funnel.DateRange
	q := r.URL.Query()
	if q.Get("from") != "" || q.Get("to") != "" {
		dr = &funnel.DateRange{}
		for key, dst := range map[string]**time.Time{"from": &dr.From, "to": &dr.To} {
			raw := q.Get(key)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				s.badRequest(w, key+" must be an RFC 3339 timestamp")
				return
			}
			*dst = &t
		}
	}

	name := chi.URLParam(r, "name")
	rate, err := s.Funnels.ConversionRate(r.Context(), name, start, end, dr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"funnel_name":     name,
		"start_step":      start,
		"end_step":        end,
		"conversion_rate": rate,
	})
}

func (s *Server) handleFunnelStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Funnels.CompletionStats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
