// Package api exposes the enrichment coordinator over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/leadops/internal/coordinator"
	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/monitoring"
	"github.com/sells-group/leadops/internal/store"
)

// Dispatcher forwards freshly qualified leads downstream. Implementations
// must not block the request path.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *model.Run)
}

// Config tunes the HTTP surface.
type Config struct {
	// MaxBodyBytes caps the request body accepted by the enrich endpoint.
	MaxBodyBytes int64
}

// Server wires the coordinator, ledger, and stats into a chi router.
type Server struct {
	coord      *coordinator.Coordinator
	store      store.Store
	collector  *monitoring.Collector
	dispatcher Dispatcher
	cfg        Config
}

// NewServer creates a Server. dispatcher may be nil when routing is
// disabled.
func NewServer(coord *coordinator.Coordinator, st store.Store, dispatcher Dispatcher, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		coord:      coord,
		store:      st,
		collector:  monitoring.NewCollector(st),
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Router returns the chi router with all endpoints registered.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	})
	r.Use(c.Handler)

	r.Post("/enrich-lead", s.handleEnrich)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Put("/{id}", s.handleUpdateRun)
		r.Delete("/{id}", s.handleDeleteRun)
	})
	r.Get("/stats", s.handleStats)
	r.Get("/health", s.handleHealth)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Snapshot(r.Context())
	if err != nil {
		zap.L().Error("api: stats", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
