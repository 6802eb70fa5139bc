// Package httpserver implements the Admin/Metrics HTTP surface (spec
// §4.M): /healthz, /readyz and /metrics. Uses a chi router, a standard
// middleware stack and component-style Start/Stop, with /metrics wired to a
// promhttp.HandlerFor call against a private registry.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"go.uber.org/zap"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/core"
	"github.com/minyoung/trigger.dev/internal/logging"
	"github.com/minyoung/trigger.dev/internal/metrics"
)

// Config is the §4.N "Server" config section.
type Config struct {
	Address         string
	GracefulTimeout time.Duration
}

// Checker reports whether the process is ready to serve traffic — the
// Connection Supervisor implements this by reporting its own started state,
// regardless of how many connections are open — distinct from /healthz's
// always-OK process liveness check.
type Checker interface {
	Ready() error
}

// Server is the admin HTTP component. One instance per process, independent
// of how many Dispatcher/supervisor instances are running.
type Server struct {
	*core.BaseComponent
	cfg     Config
	metrics *metrics.Metrics
	checker Checker

	router  chi.Router
	server  *http.Server
	started bool
}

func New(cfg Config, m *metrics.Metrics, checker Checker) *Server {
	return &Server{BaseComponent: core.NewBaseComponent(consts.CompHTTPAdmin), cfg: cfg, metrics: m, checker: checker}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	s.applyDefaults()
	s.router = s.buildRouter()

	s.server = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logging.Info(ctx, "admin_http listening", zap.String("address", s.cfg.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "admin_http server error", zap.Error(err))
		}
	}()

	s.started = true
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	defer s.BaseComponent.Stop(ctx)
	if !s.started || s.server == nil {
		return nil
	}
	timeout := s.cfg.GracefulTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.server.Shutdown(stopCtx); err != nil {
		return fmt.Errorf("admin_http graceful shutdown failed: %w", err)
	}
	logging.Info(ctx, "admin_http stopped")
	return nil
}

func (s *Server) HealthCheck() error {
	if err := s.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if !s.started {
		return fmt.Errorf("admin_http not started")
	}
	return nil
}

// buildRouter assembles the route table independent of binding a listener,
// so tests can exercise it directly with httptest.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	s.router = r
	s.setupMiddlewares()
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	if err := s.checker.Ready(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) setupMiddlewares() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(otelchi.Middleware("dispatcherd-admin"))
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := context.WithValue(r.Context(), logging.TraceIDKey, middleware.GetReqID(r.Context()))
			next.ServeHTTP(w, r.WithContext(ctx))
			logging.Debug(ctx, "http_access",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("dur", time.Since(start)),
			)
		})
	})
}

func (s *Server) applyDefaults() {
	if s.cfg.Address == "" {
		s.cfg.Address = ":8080"
	}
	if s.cfg.GracefulTimeout == 0 {
		s.cfg.GracefulTimeout = 10 * time.Second
	}
}
