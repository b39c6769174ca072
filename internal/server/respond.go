package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gkobilansky/cohort/internal/apperr"
	"github.com/gkobilansky/cohort/internal/ingest"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidConfiguration:
		return http.StatusBadRequest
	case apperr.KindExperimentNotActive, apperr.KindNoVariants,
		apperr.KindInvalidTransition, apperr.KindConcurrentUpdate:
		return http.StatusConflict
	case apperr.KindQueueFull:
		return http.StatusTooManyRequests
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": {...}}. Store causes are logged but
// never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ingest.ErrClosed) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": errorBody{Code: "SHUTTING_DOWN", Message: "server is shutting down"},
		})
		return
	}

	e, ok := apperr.As(err)
	if !ok {
		s.log.Error("unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": errorBody{Code: "INTERNAL_ERROR", Message: "internal server error"},
		})
		return
	}

	status := statusFor(e.Kind)
	body := errorBody{Code: e.Code, Message: e.Message, Details: e.Details}
	if e.Kind == apperr.KindTransient {
		s.log.Error("store failure", "method", r.Method, "path", r.URL.Path, "op", e.Message, "error", e.Err)
		body.Details = nil
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": errorBody{Code: "INVALID_REQUEST", Message: msg},
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(w, "invalid json: "+err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	return f, err == nil
}
