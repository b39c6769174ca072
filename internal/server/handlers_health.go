package server

import (
	"net/http"
	"time"

	"github.com/gkobilansky/cohort/internal/store"
)

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBPath           string `json:"db_path"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	SchemaVersion    int    `json:"schema_version"`
	StreamClients    int    `json:"stream_clients"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	experiments, err := s.Store.ListExperiments(ctx, store.ExperimentFilter{})
	if err != nil {
		s.log.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}

	// Size and version are informational; a failure leaves them zero.
	size, _ := s.Store.SizeBytes(ctx)
	version, _ := s.Store.SchemaVersion(ctx)

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(experiments),
		DBPath:           s.Store.Path(),
		DBSizeBytes:      size,
		SchemaVersion:    version,
		StreamClients:    s.hub.Clients(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	})
}
