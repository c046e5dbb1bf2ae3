// Package api is the HTTP façade over the orchestrator services: namespace
// administration, workflow lifecycle and the visibility read side.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/orchestrator/internal/api/handler"
	mw "github.com/edvin/orchestrator/internal/api/middleware"
	"github.com/edvin/orchestrator/internal/history"
	"github.com/edvin/orchestrator/internal/store"
	"github.com/edvin/orchestrator/internal/visibility"
)

type Server struct {
	router     chi.Router
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	namespaces *store.NamespaceStore
	histories  *history.Service
	index      *visibility.Indexer
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, namespaces *store.NamespaceStore,
	histories *history.Service, index *visibility.Indexer) *Server {

	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger,
		pool:       pool,
		namespaces: namespaces,
		histories:  histories,
		index:      index,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		namespace := handler.NewNamespace(s.namespaces)
		r.Get("/namespaces", namespace.List)
		r.Post("/namespaces", namespace.Create)
		r.Get("/namespaces/{name}", namespace.Get)
		r.Delete("/namespaces/{name}", namespace.Archive)

		workflow := handler.NewWorkflow(s.histories, s.index, s.namespaces)
		r.Route("/namespaces/{name}/workflows", func(r chi.Router) {
			r.Get("/", workflow.List)
			r.Post("/", workflow.Start)
			r.Route("/{workflowID}", func(r chi.Router) {
				// Without a run ID these address the current run.
				r.Post("/signal", workflow.Signal)
				r.Post("/terminate", workflow.Terminate)
				r.Route("/runs/{runID}", func(r chi.Router) {
					r.Get("/history", workflow.History)
					r.Post("/signal", workflow.Signal)
					r.Post("/terminate", workflow.Terminate)
				})
			})
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
