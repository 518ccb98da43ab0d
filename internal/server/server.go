// Package server assembles the HTTP surface: notification intake, the
// delivery-status webhook, push token routes, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"fidelya-notifications/internal/common/config"
	apperrors "fidelya-notifications/internal/common/errors"
	"fidelya-notifications/internal/common/logger"
	"fidelya-notifications/internal/queue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const WebhookPath = "/webhooks/delivery-status"

// HealthReporter is satisfied by *queue.Processor.
type HealthReporter interface {
	QueueHealth(ctx context.Context) (queue.Health, error)
}

// RouteMounter registers routes under /api/v1. *pushsub.Handlers implements it.
type RouteMounter interface {
	Routes(r chi.Router)
}

// CheckFunc is one readiness probe, e.g. a store or redis ping.
type CheckFunc func(ctx context.Context) error

type Dependencies struct {
	Enqueue http.HandlerFunc
	Webhook http.Handler
	Push    RouteMounter
	Queue   HealthReporter
	Checks  map[string]CheckFunc
	Logger  logger.Logger
	// RequestTimeout bounds every request except the metrics scrape.
	RequestTimeout time.Duration
}

// Server wraps the http.Server and the router behind it.
type Server struct {
	http   *http.Server
	router chi.Router
	deps   Dependencies
	logger logger.Logger
	errors *apperrors.ErrorHandler
}

func New(cfg config.ServerConfig, deps Dependencies) *Server {
	l := logger.Component(deps.Logger, "http-server")
	s := &Server{
		deps:   deps,
		logger: l,
		errors: apperrors.NewErrorHandler(l),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadTimeout:       config.GetDuration(cfg.ReadTimeout),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      config.GetDuration(cfg.WriteTimeout),
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.deps.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.deps.RequestTimeout))
		}

		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		if s.deps.Webhook != nil {
			r.Method(http.MethodPost, WebhookPath, s.deps.Webhook)
		}

		r.Route("/api/v1", func(r chi.Router) {
			if s.deps.Enqueue != nil {
				r.Post("/notifications", s.deps.Enqueue)
			}
			if s.deps.Queue != nil {
				r.Get("/queue/health", s.handleQueueHealth)
			}
			if s.deps.Push != nil {
				s.deps.Push.Routes(r)
			}
		})
	})

	return r
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{"address": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.deps.Checks[name](ctx)
		cancel()
		if err != nil {
			s.logger.Warn("Readiness check failed", map[string]interface{}{"check": name, "error": err})
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleQueueHealth answers 200 for healthy and degraded queues and 503 for
// critical ones so load balancers can act on it.
func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.deps.Queue.QueueHealth(r.Context())
	if err != nil {
		s.errors.HandleHTTPError(w, r, apperrors.NewInternalError(err))
		return
	}

	status := http.StatusOK
	if health.Status == queue.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
