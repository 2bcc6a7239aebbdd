package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/gradeq/internal/events"
	"github.com/mattjoyce/gradeq/internal/submit"
)

// Server is the signed bundle intake for one course queue.
type Server struct {
	config   Config
	course   string
	queueDir string
	events   events.Publisher
	logger   *slog.Logger
	server   *http.Server
}

// New creates an intake server writing into queueDir.
func New(config Config, course, queueDir string, pub events.Publisher, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = DefaultSignatureHeader
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Server{
		config:   config,
		course:   course,
		queueDir: queueDir,
		events:   pub,
		logger:   logger,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("intake server starting", "listen", s.config.Listen, "max_body_size", s.config.MaxBodySize)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("intake server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("intake server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("intake server error: %w", err)
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/submit/{name}", s.handleSubmit)

	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("intake request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(s.config.SignatureHeader)
	if err := verifyHMACSignature(body, signature, s.config.Secret); err != nil {
		s.logger.Warn("intake signature rejected", "bundle", name, "header", s.config.SignatureHeader, "present", signature != "")
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	path, err := submit.Reader(s.queueDir, name, bytes.NewReader(body))
	switch {
	case errors.Is(err, submit.ErrQueued):
		s.respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, submit.ErrInvalidName):
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to queue submitted bundle", "bundle", name, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to queue bundle")
		return
	}

	s.logger.Info("bundle queued", "bundle", name, "path", path, "size", len(body))
	s.events.Publish(events.BundleSubmitted, events.BundleSubmittedData{
		Course: s.course, Bundle: name, Size: int64(len(body)), Remote: r.RemoteAddr,
	})
	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{Bundle: name, Course: s.course})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
