// Package httpserver exposes the gateway over an OpenAI-compatible HTTP and
// WebSocket surface.
//
// JSON routes (chat, embeddings, models) decode straight into the normalized
// wire types from pkg/provider; audio uploads arrive as multipart form data.
// Streaming chat responses use server-sent events, one JSON chunk per
// `data:` line, terminated by `data: [DONE]`. Realtime transcription
// sessions upgrade to WebSocket and hand the connection to the session hub.
//
// Cross-cutting request policy (CORS, opt-in API-key auth, per-client rate
// limiting) applies to the /v1 route tree only; the /health family stays
// reachable for infrastructure probes.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/observe"
	"github.com/modelgate/modelgate/internal/realtime"
	"github.com/modelgate/modelgate/internal/registry"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"

	// DefaultAPIKeyHeader is the non-Authorization key header.
	DefaultAPIKeyHeader = "X-API-Key"

	// DefaultRateWindow applies when rate limiting is enabled without an
	// explicit window.
	DefaultRateWindow = time.Minute

	// DefaultShutdownTimeout bounds graceful connection draining.
	DefaultShutdownTimeout = 15 * time.Second
)

// Config carries the transport-level settings of the server. The zero value
// serves unauthenticated, unlimited traffic on DefaultAddr.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// RequireAuth gates /v1 routes behind an API key carried in
	// "Authorization: Bearer <key>" or the APIKeyHeader.
	RequireAuth bool

	// APIKeys are the accepted keys. Empty with RequireAuth set means any
	// non-empty credential passes; the gate then only enforces presence.
	APIKeys []string

	// APIKeyHeader is the alternate key header name.
	APIKeyHeader string

	// RateLimitMax is the request budget per RateLimitWindow and client.
	// Zero disables rate limiting.
	RateLimitMax int

	// RateLimitWindow is the budget refill interval.
	RateLimitWindow time.Duration

	// CORSEnabled turns on cross-origin response headers and preflight
	// handling for the /v1 routes.
	CORSEnabled bool

	// CORSOrigins is the allowed origin list. Empty or containing "*"
	// allows any origin.
	CORSOrigins []string

	// ShutdownTimeout bounds Shutdown.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = DefaultAPIKeyHeader
	}
	if c.RateLimitMax > 0 && c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateWindow
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Server is the HTTP front of the gateway. Construct with New, serve with
// Start, and stop with Shutdown.
type Server struct {
	log     *slog.Logger
	cfg     Config
	gateway *gateway.Gateway
	reg     *registry.Registry
	hub     *realtime.Hub
	health  *health.Handler
	metrics *observe.Metrics
	cache   cache.Store
	limiter *clientLimiter
	keys    map[string]bool
	srv     *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithConfig replaces the transport configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithHub attaches the realtime session hub serving the WebSocket routes.
func WithHub(h *realtime.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithHealth attaches the /health route family.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics wraps the handler tree in the tracing and metrics middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCache caches rendered model-catalog responses in the given store.
func WithCache(c cache.Store) Option {
	return func(s *Server) { s.cache = c }
}

// New builds the server around an initialized gateway and its registry.
func New(gw *gateway.Gateway, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		gateway: gw,
		reg:     reg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()

	if s.cfg.RateLimitMax > 0 {
		s.limiter = newClientLimiter(s.cfg.RateLimitWindow, s.cfg.RateLimitMax)
	}
	if len(s.cfg.APIKeys) > 0 {
		s.keys = make(map[string]bool, len(s.cfg.APIKeys))
		for _, k := range s.cfg.APIKeys {
			s.keys[k] = true
		}
	}

	s.srv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
		// Read and write deadlines stay unset: SSE streams and realtime
		// WebSocket sessions are long-lived. The header timeout still
		// bounds slow clients.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the full route tree with middleware applied. Exposed so
// tests can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscriptions)
	mux.HandleFunc("POST /v1/audio/translations", s.handleTranslations)
	mux.HandleFunc("POST /v1/audio/speech", s.handleSpeech)

	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/models/capability/{cap}", s.handleModelsByCapability)
	mux.HandleFunc("GET /v1/models/{id...}", s.handleGetModel)

	mux.HandleFunc("GET /v1/realtime/transcription", s.handleRealtime)
	mux.HandleFunc("GET /v1/realtime/transcribe", s.handleDeprecatedRealtime)

	if s.health != nil {
		s.health.Register(mux)
	}

	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.auth(h)
	h = s.cors(h)
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// SetRateLimit swaps the per-client budget on a running server. It is a no-op
// when rate limiting was disabled at construction, since the middleware chain
// is fixed once built.
func (s *Server) SetRateLimit(max int, window time.Duration) {
	if s.limiter == nil || max <= 0 {
		return
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	s.limiter.setLimits(window, max)
	s.log.Info("rate limit updated", "max_requests", max, "window", window)
}

// Start serves until ctx is cancelled or the listener fails. Cancellation
// drains in-flight requests and returns nil.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	s.log.Info("http server listening", "addr", s.srv.Addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("httpserver: listen on %s: %w", s.srv.Addr, err)
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown stops accepting connections and drains in-flight requests within
// the configured deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	return nil
}
