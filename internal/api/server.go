// Package api exposes a running executor over HTTP: health, stats, the work
// journal, lifecycle events, Prometheus metrics and graph submission.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/conduit/internal/completion"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/executor"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/journal"
)

// Executor is the part of *executor.Executor the server uses.
type Executor interface {
	Submit(g *graph.Graph) (*completion.Handle, bool)
	SubmitUntil(g *graph.Graph, d time.Duration) (*completion.Handle, bool)
	BlockingSubmitContext(ctx context.Context, g *graph.Graph) (*completion.Handle, error)
	Stats() executor.Stats
	Events() *events.Hub
	Gatherer() prometheus.Gatherer
	Journal() *journal.Journal
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is the bearer token for protected routes; empty disables auth.
	Token string
	// ConfigDigest is reported by /stats.
	ConfigDigest string
	// MaxBodyBytes bounds POST /graphs bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
	// DefaultSubmitTimeout applies to mode=until without a timeout.
	DefaultSubmitTimeout time.Duration
}

const (
	defaultMaxBodyBytes  = 1 << 20
	defaultSubmitTimeout = time.Second
)

// Server represents the HTTP API server.
type Server struct {
	config    Config
	exec      Executor
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server for exec.
func New(config Config, exec Executor, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.DefaultSubmitTimeout <= 0 {
		config.DefaultSubmitTimeout = defaultSubmitTimeout
	}
	return &Server{
		config:    config,
		exec:      exec,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Blocking submissions may hold a request open while the queue is full.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
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
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.exec.Gatherer(), promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/stats", s.handleStats)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/events", s.handleEvents)
		r.Post("/graphs", s.handleSubmitGraphs)
	})

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
