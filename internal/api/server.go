// SPDX-License-Identifier: MIT

// Package api serves the daemon's HTTP surface: RPC dispatch, ad hoc
// prefetching, manifest CRUD, snapshot delivery and the operational probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aquifercache/aquifer/internal/api/middleware"
	"github.com/aquifercache/aquifer/internal/config"
	"github.com/aquifercache/aquifer/internal/health"
	"github.com/aquifercache/aquifer/internal/log"
	"github.com/aquifercache/aquifer/internal/manifest"
	"github.com/aquifercache/aquifer/internal/snapshot"
	"github.com/aquifercache/aquifer/prefetch"
)

// Deps carries the server's collaborators. Helpers is a func because config
// reloads swap the router and helpers out from under a running server.
type Deps struct {
	Helpers   func() *prefetch.Helpers
	Manifests *manifest.Store
	Snapshots *snapshot.Store
	Health    *health.Manager
	Logger    zerolog.Logger
	Version   string
}

// Server is the daemon's HTTP front.
type Server struct {
	deps Deps
	http *http.Server
}

// New wires the middleware stack and routes. Listen address, timeouts, CORS
// and rate limits come from the boot config; changing them needs a restart.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{deps: deps}

	readTimeout := cfg.API.ReadTimeout.Std()
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.API.WriteTimeout.Std()
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.API.IdleTimeout.Std()
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = "aquifer-api"
	}

	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            len(cfg.API.CORSOrigins) > 0,
		AllowedOrigins:        cfg.API.CORSOrigins,
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        tracingService,
		EnableLogging:         true,
		EnableRateLimit:       cfg.API.RateLimit.Enabled,
		RateLimitRPS:          cfg.API.RateLimit.RPS,
		RateLimitBurst:        cfg.API.RateLimit.Burst,
		MaxBodyBytes:          cfg.API.MaxBodyBytes,
	})
	s.mount(r)

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// mount attaches every route to r.
func (s *Server) mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/rpc/{path}", s.handleQuery)
		r.Post("/rpc/{path}", s.handleMutation)

		r.With(middleware.RenderRateLimit()).Post("/prefetch", s.handlePrefetch)

		r.Route("/routes", func(r chi.Router) {
			r.Get("/", s.handleRouteList)
			// Route names contain slashes, so single-route operations hang
			// off the wildcard and parse the remainder themselves.
			r.Get("/*", s.handleRouteGet)
			r.Put("/*", s.handleRoutePut)
			r.Delete("/*", s.handleRouteDelete)
		})

		r.Get("/snapshots/*", s.handleSnapshotGet)
	})

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.ServeHealth)
		r.Get("/readyz", s.deps.Health.ServeReady)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start blocks serving until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.deps.Logger.Info().
		Str("event", "api.listening").
		Str("addr", s.http.Addr).
		Msg("http server listening")

	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info().Str("event", "api.shutdown").Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// helpers returns the current prefetch helpers. The func indirection keeps
// handlers on the freshest config snapshot.
func (s *Server) helpers() *prefetch.Helpers {
	return s.deps.Helpers()
}

// requestLogger pulls the enriched logger off the request.
func requestLogger(r *http.Request) zerolog.Logger {
	return log.WithComponentFromContext(r.Context(), "api")
}
