// Package realtime multiplexes client WebSocket sessions onto upstream
// realtime transcription providers.
//
// Each client connection becomes a Session: a mailbox-driven loop that owns
// all per-session state, validates inbound audio against the PCM16 canon,
// lazily opens the upstream connection on the first audio-bearing event, and
// relays normalized transcript events back to the client. The Hub tracks
// live sessions, sweeps idle ones, and knows how to dial each provider
// family.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/observe"
	"github.com/modelgate/modelgate/pkg/audio"
	"github.com/modelgate/modelgate/pkg/provider/realtime"
)

// Sweep and write defaults.
const (
	DefaultMaxIdle       = 60 * time.Second
	DefaultSweepInterval = 15 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
)

// ErrHubClosed is returned by Serve after Close.
var ErrHubClosed = errors.New("realtime: hub closed")

// Config tunes the multiplexer. Zero fields take defaults.
type Config struct {
	// MaxIdle is how long a session may go without activity before the
	// sweeper expires it.
	MaxIdle time.Duration
	// SweepInterval is the idle sweep cadence.
	SweepInterval time.Duration
	// QueueLimit bounds the per-session pre-open audio queue.
	QueueLimit int
	// MaxChunkBytes bounds one decoded audio chunk.
	MaxChunkBytes int
	// WriteTimeout bounds one client socket write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIdle <= 0 {
		c.MaxIdle = DefaultMaxIdle
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = realtime.DefaultQueueLimit
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = audio.DefaultMaxChunkBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// DialFunc builds a dialer for one provider family. token is the per-session
// credential override; empty means the configured key.
type DialFunc func(token string) realtime.Dialer

// SessionOptions carries per-connection parameters from the upgrade handler.
type SessionOptions struct {
	// ProviderToken overrides the configured upstream credential for this
	// session, from the x-provider-token or x-openai-ephemeral-key header.
	ProviderToken string
}

// Hub owns the live realtime sessions and the provider dial table.
type Hub struct {
	log      *slog.Logger
	cfg      Config
	metrics  *observe.Metrics
	resolver *Resolver
	estimate func(string) int

	mu       sync.Mutex
	dialers  map[string]DialFunc
	sessions map[string]*Session
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics wires the OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(h *Hub) { h.cfg = cfg.withDefaults() }
}

// WithResolver replaces the default provider resolution rules.
func WithResolver(r *Resolver) Option {
	return func(h *Hub) {
		if r != nil {
			h.resolver = r
		}
	}
}

// WithTokenEstimator replaces the transcript token estimator used for the
// transcript_tokens metric.
func WithTokenEstimator(fn func(string) int) Option {
	return func(h *Hub) {
		if fn != nil {
			h.estimate = fn
		}
	}
}

// NewHub builds an empty hub. Register provider dialers before serving.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		log:      slog.Default(),
		cfg:      Config{}.withDefaults(),
		resolver: NewResolver(nil, nil),
		estimate: roughTokens,
		dialers:  make(map[string]DialFunc),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// roughTokens is the fallback transcript token estimate: one token per four
// characters, matching the heuristic used for chat token estimation.
func roughTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// RegisterDialer installs the dial function for one provider family.
func (h *Hub) RegisterDialer(name string, dial DialFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialers[name] = dial
}

func (h *Hub) dialFor(name string) (DialFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dial, ok := h.dialers[name]
	return dial, ok
}

// Serve runs one client session to completion. It blocks until the client
// disconnects, the session idles out, or the upstream fails fatally.
func (h *Hub) Serve(ctx context.Context, conn ClientConn, opts SessionOptions) error {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		hub:       h,
		conn:      conn,
		log:       h.log,
		inbox:     make(chan mail, 64),
		ctx:       sctx,
		cancel:    cancel,
		token:     opts.ProviderToken,
		closeCode: websocket.StatusNormalClosure,
		createdAt: time.Now(),
	}
	s.touch()

	if err := h.add(s); err != nil {
		cancel()
		return err
	}
	h.wg.Add(1)
	defer h.wg.Done()

	if h.metrics != nil {
		h.metrics.SessionStarted(ctx)
	}
	h.log.Info("session opened", "session", s.id)
	s.run()
	if h.metrics != nil {
		h.metrics.SessionEnded(context.WithoutCancel(ctx))
	}
	return nil
}

// Run sweeps idle sessions until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range h.snapshot() {
				if s.expireIfIdle(now, h.cfg.MaxIdle) {
					h.log.Info("session idle, expiring", "session", s.id)
				}
			}
		}
	}
}

// Close stops accepting sessions, cancels the live ones, and waits for them
// to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.cancel()
	}
	h.wg.Wait()
}

// Len reports the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) add(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.sessions[s.id] = s
	return nil
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.id)
}

func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// ── Metric helpers, nil-safe ──────────────────────────────────────────────────

func (h *Hub) recordAudio(ctx context.Context, providerName string, d time.Duration) {
	if h.metrics != nil {
		h.metrics.RecordAudioSeconds(ctx, providerName, d.Seconds())
	}
}

func (h *Hub) recordTokens(ctx context.Context, providerName string, n int64) {
	if h.metrics != nil && n > 0 {
		h.metrics.RecordTranscriptTokens(ctx, providerName, n)
	}
}

func (h *Hub) recordLatency(ctx context.Context, providerName string, d time.Duration) {
	if h.metrics != nil {
		h.metrics.RecordResponseLatency(ctx, providerName, d)
	}
}

func (h *Hub) recordDropped(ctx context.Context, providerName string, n int64) {
	if h.metrics != nil {
		h.metrics.RecordDroppedFrames(ctx, providerName, n)
	}
}
