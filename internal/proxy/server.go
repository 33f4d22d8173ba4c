package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// Options configures a Server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AuthToken, when non-empty, is required as a Bearer token on every
	// /v1 and /metrics route. The liveness routes stay open.
	AuthToken string
	// Tracing adds the OpenTelemetry HTTP middleware.
	Tracing bool
}

// Server is the HTTP server for the switchyard proxy. It binds the chi router
// to the configured address and provides graceful shutdown support.
type Server struct {
	router  chi.Router
	handler *Handler
	addr    string
	httpSrv *http.Server
}

// NewServer creates a Server serving handler. Zero-value timeouts leave the
// corresponding http.Server field at its default (no timeout).
func NewServer(handler *Handler, opts Options) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if opts.Tracing {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/health", handler.HandleHealth)
	r.Get("/health/ready", handler.HandleReady)

	r.Group(func(r chi.Router) {
		if opts.AuthToken != "" {
			r.Use(AuthMiddleware(opts.AuthToken))
		}

		r.Post("/v1/chat", handler.HandleChat)
		r.Get("/v1/weather/current", handler.HandleWeatherCurrent)
		r.Get("/v1/weather/forecast", handler.HandleWeatherForecast)
		r.Get("/v1/rates/pair", handler.HandleRatesPair)
		r.Get("/v1/rates/latest", handler.HandleRatesLatest)
		r.Get("/v1/convert", handler.HandleConvert)
		r.Post("/v1/request", handler.HandleRequest)

		r.Get("/v1/health", handler.HandleProviderHealth)
		r.Get("/v1/stats", handler.HandleStats)
		r.Get("/v1/requests", handler.HandleListRequests)
		r.Get("/v1/requests/{id}", handler.HandleGetRequest)
		r.Delete("/v1/cache/{namespace}", handler.HandleInvalidate)
		r.Delete("/v1/cache/{namespace}/{fingerprint}", handler.HandleInvalidate)
		r.Get("/metrics", handler.HandleMetrics)
	})

	srv := &Server{
		router:  r,
		handler: handler,
		addr:    opts.Addr,
	}

	srv.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}

	return srv
}

// Router returns the underlying chi.Router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Start begins listening for HTTP connections on the configured address.
// It blocks until the server is shut down or encounters a fatal error.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
