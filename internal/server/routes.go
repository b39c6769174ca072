package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	if s.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleCreateExperiment)
			r.Get("/", s.handleListExperiments)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExperiment)
				r.Post("/start", s.handleTransition("start"))
				r.Post("/pause", s.handleTransition("pause"))
				r.Post("/complete", s.handleTransition("complete"))
				r.Post("/cancel", s.handleTransition("cancel"))
				r.Post("/assign", s.handleAssign)
				r.Post("/convert", s.handleConvert)
				r.Get("/results", s.handleResults)
				r.Get("/metrics", s.handlePerformance)
			})
		})

		r.Route("/funnels", func(r chi.Router) {
			r.Post("/steps", s.handleCreateStep)
			r.Post("/steps/{id}/complete", s.handleCompleteStep)
			r.Post("/progress", s.handleProgress)
			r.Get("/{name}/conversion", s.handleConversion)
			r.Get("/{name}/stats", s.handleFunnelStats)
		})

		r.Route("/behavior", func(r chi.Router) {
			r.With(cors).Options("/events", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
			r.With(cors).Post("/events", s.handleTrackEvent)
			r.Get("/events", s.handleListEvents)
			r.Get("/profiles/{user}", s.handleProfile)
			r.Post("/profiles/{user}/risks/{factor}/resolve", s.handleResolveRisk)
			r.Get("/at-risk", s.handleAtRisk)
			r.Get("/analytics", s.handleAnalytics)
		})

		r.Post("/personalization/evaluate", s.handleEvaluate)

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", s.handleCreateSegment)
			r.Get("/", s.handleListSegments)
			r.Get("/{id}", s.handleGetSegment)
			r.Patch("/{id}", s.handleUpdateSegment)
			r.Delete("/{id}", s.handleDeleteSegment)
			r.Post("/{id}/evaluate", s.handleEvaluateSegment)
		})
		r.Post("/users/{id}/segments/refresh", s.handleRefreshSegments)

		r.Route("/triggers", func(r chi.Router) {
			r.Post("/", s.handleCreateTrigger)
			r.Get("/", s.handleListTriggers)
			r.Get("/{id}", s.handleGetTrigger)
			r.Patch("/{id}", s.handleUpdateTrigger)
			r.Delete("/{id}", s.handleDeleteTrigger)
		})

		r.With(s.requireTokenForReads).Get("/stream", s.hub.ServeHTTP)
	})

	s.router = r
}

// instrument records request counts by route pattern so ids in the path
// do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.Metrics.HTTPRequest(r.Method+" "+route, strconv.Itoa(status))
		s.log.Debug("request", "method", r.Method, "route", route, "status", status,
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

// cors lets browser clients post events directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}
