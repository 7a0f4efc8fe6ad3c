// Package http is the provider's read-only JSON surface: feed values,
// voting-round snapshots, volumes, health, and metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/ratelimit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/telemetry"
)

// Provider is the query surface the pipeline orchestrator exposes to the
// edge.
type Provider interface {
	GetFeedValue(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error)
	GetRoundValue(feed feeds.FeedId, round uint64) (feeds.AggregatedPrice, error)
	GetVolume(feed feeds.FeedId, window time.Duration) (float64, []string, error)
	AdapterHealth() []adapters.Health
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Port           int
	BasePath       string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           3101,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Server hosts the routes and middleware chain.
type Server struct {
	config     ServerConfig
	router     *mux.Router
	server     *http.Server
	provider   Provider
	limiter    *ratelimit.Limiter
	monitor    *telemetry.Monitor
	metrics    *telemetry.Registry
	sources    sourcesHealth
	cacheStats func() cache.Stats
}

// NewServer wires routes and middleware. sources and cacheStats may be nil;
// the health payload then omits those sections.
func NewServer(config ServerConfig, provider Provider, limiter *ratelimit.Limiter,
	monitor *telemetry.Monitor, metrics *telemetry.Registry,
	sources sourcesHealth, cacheStats func() cache.Stats) *Server {

	def := DefaultServerConfig()
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = def.RequestTimeout
	}

	s := &Server{
		config:     config,
		router:     mux.NewRouter(),
		provider:   provider,
		limiter:    limiter,
		monitor:    monitor,
		metrics:    metrics,
		sources:    sources,
		cacheStats: cacheStats,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	root := s.router
	if s.config.BasePath != "" {
		root = s.router.PathPrefix(s.config.BasePath).Subrouter()
	}

	root.Use(s.requestIDMiddleware)
	root.Use(s.loggingMiddleware)
	root.Use(s.timeoutMiddleware)
	root.Use(s.corsMiddleware)

	// Data routes sit behind the rate limiter; health and metrics do not.
	data := root.NewRoute().Subrouter()
	data.Use(s.rateLimitMiddleware)
	// OPTIONS is listed so preflights reach the cors middleware instead of
	// the router's 405 handler.
	data.HandleFunc("/feed-values", s.handleFeedValues).Methods(http.MethodPost, http.MethodOptions)
	data.HandleFunc("/feed-values/{votingRoundId}", s.handleRoundFeedValues).Methods(http.MethodPost, http.MethodOptions)
	data.HandleFunc("/volumes", s.handleVolumes).Methods(http.MethodPost, http.MethodOptions)

	root.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	root.HandleFunc("/health/readiness", s.handleReadiness).Methods(http.MethodGet)
	root.HandleFunc("/health/liveness", s.handleLiveness).Methods(http.MethodGet)
	root.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	root.HandleFunc("/metrics/api", s.handleAPIMetrics).Methods(http.MethodGet)
	root.HandleFunc("/metrics/performance", s.handlePerformanceMetrics).Methods(http.MethodGet)
	root.Handle("/metrics/prometheus",
		promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.NotFoundHandler = s.requestIDMiddleware(http.HandlerFunc(s.handleNotFound))
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
