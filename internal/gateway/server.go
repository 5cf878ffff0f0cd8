package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gatemandev/gateman/internal/metrics"
	"github.com/gatemandev/gateman/internal/tracing"
)

// Server binds the gateway and admin handlers to an HTTP listener. Write
// timeouts are left unset because streaming responses hold the connection
// open for as long as the upstream keeps producing.
type Server struct {
	router  chi.Router
	handler *Handler
	httpSrv *http.Server
}

// NewServer wires the routes. Zero-value timeouts leave the corresponding
// http.Server field at its default. If tracingEnabled is true, the
// OpenTelemetry HTTP middleware extracts incoming trace context.
func NewServer(handler *Handler, admin *Admin, collector *metrics.Collector, addr string, readTimeout, idleTimeout time.Duration, tracingEnabled bool) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if tracingEnabled {
		r.Use(tracing.HTTPMiddleware)
	}

	// Chat surfaces. All three funnel into one handler; the path decides
	// the entry dialect.
	r.Post("/v1/messages", handler.HandleChat)
	r.Post("/v1/chat/completions", handler.HandleChat)
	r.Post("/v1/responses", handler.HandleChat)

	// Observability surface.
	r.Get("/v1/models", admin.HandleModels)
	r.Get("/v1/sessions", admin.HandleSessions)
	r.Get("/v1/sessions/{id}/stats", admin.HandleSessionStats)
	r.Get("/v1/sessions/{id}/events", admin.HandleSessionEvents)
	r.Get("/v1/stats", admin.HandleStats)
	r.Get("/healthz", admin.HandleHealth)
	r.Get("/readyz", admin.HandleReady)
	if collector != nil {
		r.Get("/metrics", metrics.PrometheusHandler(collector))
	}

	srv := &Server{
		router:  r,
		handler: handler,
	}
	srv.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}
	return srv
}

// Router returns the underlying chi.Router, useful for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Handler returns the gateway request handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Start listens for HTTP connections. It blocks until the server is shut
// down or fails.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// StartTLS listens for HTTPS connections using the given certificate and
// key files.
func (s *Server) StartTLS(certFile, keyFile string) error {
	if err := s.httpSrv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server (TLS): %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
