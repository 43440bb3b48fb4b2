// Package server exposes the pipeline over HTTP: a GitHub push webhook
// that triggers runs, and read-only endpoints for run history, liveness
// and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/history"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/metrics"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/pipeline"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit  = 30
	WebhookRateLimit = 6
)

// RunExecutor executes one pipeline run. *pipeline.Orchestrator satisfies
// it; tests substitute a fake.
type RunExecutor interface {
	Run(ctx context.Context, buildNumber int64, commit string) *pipeline.Run
}

// Server represents the HTTP server
type Server struct {
	Config   *config.PipelineConfig
	Executor RunExecutor
	History  *history.History
	Locks    *LockManager
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	TestMode bool

	runWg sync.WaitGroup // Tracks in-flight async runs
}

// NewServer creates a new server instance
func NewServer(cfg *config.PipelineConfig, executor RunExecutor, hist *history.History,
	m *metrics.Metrics, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Config:   cfg,
		Executor: executor,
		History:  hist,
		Locks:    NewLockManager(),
		Metrics:  m,
		Logger:   logger,
		TestMode: testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	// Routes
	r.Get("/healthz", s.HandleHealthz)
	r.Get("/runs", s.HandleRuns)
	r.Get("/runs/{buildNumber}", s.HandleRun)

	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	// Webhook route with stricter rate limit
	if !s.TestMode {
		r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger)).Post("/hooks/github", s.HandleWebhook)
	} else {
		r.Post("/hooks/github", s.HandleWebhook)
	}

	return r
}

// Start starts the HTTP server
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr, "app", s.Config.AppName)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return server.ListenAndServe()
}

// WaitForRuns waits for all in-flight async runs to complete. This is
// primarily useful for testing.
func (s *Server) WaitForRuns() {
	s.runWg.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Wait for in-flight runs
	s.runWg.Wait()

	// Close history database connection
	if s.History != nil {
		return s.History.Close()
	}
	return nil
}
