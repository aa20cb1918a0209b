// Package server is the HTTP boundary: the webhook intake, the read-side
// API over runs and patches, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/internal/observability"
	"github.com/Sumatoshi-tech/peer/internal/pipeline"
	"github.com/Sumatoshi-tech/peer/internal/store"
	pkgobs "github.com/Sumatoshi-tech/peer/pkg/observability"
)

// Timeouts for the HTTP server. Webhook handling enqueues and returns, so
// the read header timeout dominates.
const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server serves the webhook intake and the runs/patches API.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	metrics  *observability.REDMetrics
	tracer   trace.Tracer

	http *http.Server
}

// Deps carries the server's collaborators. Metrics and Tracer may be nil.
type Deps struct {
	Config   config.ServerConfig
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Logger   *slog.Logger
	Metrics  *observability.REDMetrics
	Tracer   trace.Tracer
}

// New builds the server and its router.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		cfg:      deps.Config,
		store:    deps.Store,
		pipeline: deps.Pipeline,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
	}

	s.http = &http.Server{
		Addr:              deps.Config.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// router assembles the chi middleware stack and routes.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if s.tracer != nil {
		r.Use(func(next http.Handler) http.Handler {
			return pkgobs.HTTPMiddleware(s.tracer, next)
		})
	}

	r.Get("/healthz", observability.HealthHandler().ServeHTTP)
	r.Get("/readyz", observability.ReadyHandler(observability.Check("store", s.store.Ping)).ServeHTTP)

	if handler, err := observability.PrometheusHandler(); err == nil {
		r.Handle("/metrics", handler)
	} else {
		s.logger.Warn("server.metrics_disabled", slog.Any("error", err))
	}

	r.Post("/webhook", s.handleWebhook)

	r.Route("/api", func(api chi.Router) {
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))

		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/{id}", s.handleGetRun)
		api.Get("/patches/{id}", s.handleGetPatch)
		api.Get("/patches/{id}/files/{index}", s.handleGetPatchFile)
		api.Post("/patches", s.handleCreatePatch)
	})

	return r
}

// Handler exposes the assembled router, used by the tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.InfoContext(ctx, "server.listening", slog.String("addr", s.http.Addr))

		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	return nil
}

// logRequests emits one structured log line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		s.logger.InfoContext(r.Context(), "http.request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", duration),
			slog.String("request_id", middleware.GetReqID(r.Context())))

		if s.metrics != nil {
			status := "ok"
			if ww.Status() >= http.StatusInternalServerError {
				status = "error"
			}

			s.metrics.RecordRequest(r.Context(), r.Method+" "+r.URL.Path, status, duration)
		}
	})
}

// writeJSON renders a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("server.write_failed", slog.Any("error", err))
	}
}

// writeError renders the uniform error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
