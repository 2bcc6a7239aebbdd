// Package api serves a read-only HTTP view of a running queue manager:
// health, Prometheus metrics, recent jobs and a live event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/gradeq/internal/auth"
	"github.com/mattjoyce/gradeq/internal/events"
	"github.com/mattjoyce/gradeq/internal/history"
	"github.com/mattjoyce/gradeq/internal/telemetry"
)

// JobHistory is the read side of the job log.
type JobHistory interface {
	Get(ctx context.Context, jobID string) (*history.Record, error)
	List(ctx context.Context, course string, limit int) ([]*history.Record, error)
}

// QueueInspector reports how many bundles are waiting.
type QueueInspector interface {
	Depth() (int, error)
}

// EventSource is the hub the event stream is served from.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Config holds API server configuration
type Config struct {
	Listen string
	Course string
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	history   JobHistory
	queue     QueueInspector
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, hist JobHistory, queue QueueInspector, hub EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		history:   hist,
		queue:     queue,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.With(s.requireScopes(auth.ScopeMetrics)).Handle("/metrics", telemetry.Handler())
	r.With(s.requireScopes(auth.ScopeJobs)).Get("/jobs", s.handleListJobs)
	r.With(s.requireScopes(auth.ScopeJobs)).Get("/jobs/{jobID}", s.handleGetJob)
	r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
