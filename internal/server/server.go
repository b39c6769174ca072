package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gkobilansky/cohort/internal/behavior"
	"github.com/gkobilansky/cohort/internal/experiment"
	"github.com/gkobilansky/cohort/internal/funnel"
	"github.com/gkobilansky/cohort/internal/ingest"
	"github.com/gkobilansky/cohort/internal/metrics"
	"github.com/gkobilansky/cohort/internal/personalization"
	"github.com/gkobilansky/cohort/internal/store"
)

// Deps are the engine services the HTTP adapter exposes.
type Deps struct {
	Store           *store.SQLiteStore
	Experiments     *experiment.Service
	Funnels         *funnel.Tracker
	Behavior        *behavior.Engine
	Personalization *personalization.Engine
	Ingest          *ingest.Pipeline
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Server struct {
	Deps
	log       *slog.Logger
	token     string
	router    chi.Router
	hub       *Hub
	startTime time.Time
}

// New builds the router. An empty token leaves the API open.
func New(deps Deps, token string) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		Deps:      deps,
		log:       log.With("component", "server"),
		token:     token,
		hub:       NewHub(log),
		startTime: time.Now(),
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub is the trigger outcome feed served on /api/stream.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

// Shutdown disconnects stream clients. The caller shuts down the
// http.Server and the ingest pipeline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.hub.Close(ctx)
}
