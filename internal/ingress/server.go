package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentstack/agentstack/internal/bus"
	"github.com/agentstack/agentstack/internal/keydir"
	"github.com/agentstack/agentstack/internal/ratelimit"
)

// Server is the span collector's HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds the collector's dependencies and settings.
type ServerConfig struct {
	Keys    *keydir.Directory
	Bus     *bus.Bus
	Limiter ratelimit.Limiter // Nil disables rate limiting.
	Probe   *Probe
	Logger  *slog.Logger

	Port           int
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	AllowedOrigins []string
}

// New creates the collector server with all routes configured.
func New(cfg ServerConfig) *Server {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}

	h := &Handlers{
		keys:         cfg.Keys,
		bus:          cfg.Bus,
		limiter:      limiter,
		probe:        cfg.Probe,
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/traces", h.handleIngest)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)

	// Outermost first: request id, CORS, tracing, logging, timeout, recovery.
	// The timeout is a context deadline, not a response cutoff: an ingest
	// request that runs out of time still reports the spans it queued.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = timeoutMiddleware(cfg.RequestTimeout, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.AllowedOrigins, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("ingress: listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ingress: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
