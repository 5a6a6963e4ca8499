package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/audit"
	"github.com/provgate/provgate/pkg/provisioning"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/telemetry"
)

// Prefix is the mount point of the versioned API.
const Prefix = "/api/v1"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config holds the HTTP listener settings.
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// BatchParallelism bounds concurrent requests within one batch call.
	BatchParallelism int
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	config  Config
	orch    *provisioning.Orchestrator
	engine  *rules.Engine
	audit   audit.Reader
	tel     *telemetry.Telemetry
	version string
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAuditReader enables GET /audit.
func WithAuditReader(r audit.Reader) Option {
	return func(s *Server) {
		s.audit = r
	}
}

// WithTelemetry enables /metrics and request spans.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Server) {
		s.tel = tel
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a server.
func NewServer(cfg Config, orch *provisioning.Orchestrator, engine *rules.Engine, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:  cfg,
		orch:    orch,
		engine:  engine,
		version: "dev",
		logger:  logger.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tel == nil {
		s.tel = telemetry.NewNop()
	}
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", s.tel.Metrics.Handler())

	r.Route(Prefix, func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/rules", s.handleRules)
		r.Post("/rules/reload", s.handleReload)
		r.Get("/audit", s.handleAudit)

		r.Route("/provision", s.provisionRoutes)
		r.Route("/systems/{system}", func(r chi.Router) {
			r.Route("/provision", s.provisionRoutes)
			r.Get("/accounts/{id}", s.handleReadAccount)
		})
	})

	return r
}

func (s *Server) provisionRoutes(r chi.Router) {
	r.Post("/create", s.handleProvision(provisioning.OperationCreate))
	r.Put("/update", s.handleProvision(provisioning.OperationUpdate))
	r.Delete("/delete", s.handleProvision(provisioning.OperationDelete))
	r.Post("/batch", s.handleBatch)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.config.ListenAddress).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info().Dur("timeout", timeout).Msg("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		event := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
