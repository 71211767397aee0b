// Package gateway orchestrates provider calls: admission, routing, retry
// with backoff, failover, and circuit breaker bookkeeping.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelgate/modelgate/internal/observe"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/resilience"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/pkg/provider"
)

// Operation labels for logs and metrics.
const (
	opChat       = "chat.completions"
	opChatStream = "chat.completions.stream"
	opEmbeddings = "embeddings"
	opTranscribe = "audio.transcriptions"
	opTranslate  = "audio.translations"
	opSpeech     = "audio.speech"
)

// streamBuffer sizes the forwarded chunk channel.
const streamBuffer = 32

// Retry defaults.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 10 * time.Second
)

// Config tunes the orchestrator. Zero fields take defaults.
type Config struct {
	// MaxRetries is the attempt budget per selected provider.
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
	// MaxConcurrent is the per-provider in-flight cap.
	MaxConcurrent int
	// QueueLimit bounds the admission queue.
	QueueLimit int
	// BreakerThreshold, BreakerTimeout and BreakerHalfOpenSuccesses tune
	// the per-provider circuit breakers.
	BreakerThreshold         int
	BreakerTimeout           time.Duration
	BreakerHalfOpenSuccesses int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	return c
}

// UsageEstimator backfills token accounting on chat responses that arrive
// without a usage block. Provider-metered numbers are never overwritten.
type UsageEstimator interface {
	EstimateUsage(req *provider.ChatRequest, resp *provider.ChatResponse)
}

// Gateway fronts the registry with resilience and routing. All entrypoints
// are safe for concurrent use.
type Gateway struct {
	log     *slog.Logger
	cfg     Config
	reg     *registry.Registry
	rtr     *router.Router
	metrics *observe.Metrics
	usage   UsageEstimator
	queue   *resilience.AdmissionQueue

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	limiters map[string]*resilience.ConcurrencyLimiter

	initialized  atomic.Bool
	healthEvents atomic.Int64

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithMetrics wires the OpenTelemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithConfig replaces the default tuning.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg.withDefaults() }
}

// WithUsageEstimator attaches a token estimator for chat responses whose
// provider omitted usage accounting.
func WithUsageEstimator(u UsageEstimator) Option {
	return func(g *Gateway) { g.usage = u }
}

// New builds a gateway over the registry and router.
func New(reg *registry.Registry, rtr *router.Router, opts ...Option) *Gateway {
	g := &Gateway{
		log:      slog.Default(),
		cfg:      Config{}.withDefaults(),
		reg:      reg,
		rtr:      rtr,
		breakers: make(map[string]*resilience.CircuitBreaker),
		limiters: make(map[string]*resilience.ConcurrencyLimiter),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.queue = resilience.NewAdmissionQueue(g.cfg.QueueLimit, g.log)
	return g
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize brings up every registered provider and marks the gateway
// ready. Per-provider failures are tolerated; see the returned summary.
func (g *Gateway) Initialize(ctx context.Context) registry.InitSummary {
	sum := g.reg.InitializeAll(ctx)
	g.initialized.Store(true)
	return sum
}

// Shutdown stops admitting work and tears down the registered providers.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.initialized.Store(false)
	g.queue.Close()
	return g.reg.Destroy(ctx)
}

// Run consumes registry health events until ctx is cancelled and keeps the
// admission queue draining. Providers that turn unhealthy invalidate the
// router's selection cache so cached picks cannot pin them.
func (g *Gateway) Run(ctx context.Context) {
	go g.queue.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.reg.HealthEvents():
			if !ok {
				return
			}
			g.healthEvents.Add(1)
			g.log.Info("provider health transition",
				"provider", ev.Provider,
				"from", string(ev.From),
				"to", string(ev.To),
			)
			if ev.To == provider.HealthUnhealthy || ev.To == provider.HealthDestroyed {
				g.rtr.InvalidateCache()
			}
		}
	}
}

// ── Entrypoints ───────────────────────────────────────────────────────────────

// ChatCompletion routes a chat request to the best provider for its model.
func (g *Gateway) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, adm, err := run(ctx, g, opChat, req.Model, func(ctx context.Context, ad provider.Adapter) (*provider.ChatResponse, error) {
		return ad.ChatCompletion(ctx, req)
	})
	if adm != nil {
		g.release(adm)
	}
	g.recordRequest(ctx, admName(adm, err), opChat, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if g.usage != nil {
		g.usage.EstimateUsage(req, res)
	}
	return res, nil
}

// StreamChatCompletion starts a streamed chat completion. The returned
// channel is closed when the upstream stream ends; a terminal error, if
// any, arrives in-band on the final chunk.
func (g *Gateway) StreamChatCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	upstream, adm, err := run(ctx, g, opChatStream, req.Model, func(ctx context.Context, ad provider.Adapter) (<-chan provider.ChatChunk, error) {
		return ad.StreamChatCompletion(ctx, req)
	})
	if err != nil {
		g.recordRequest(ctx, admName(adm, err), opChatStream, time.Since(start), err)
		return nil, err
	}

	out := make(chan provider.ChatChunk, streamBuffer)
	go func() {
		var streamErr *provider.Error
		defer func() {
			if streamErr == nil {
				adm.breaker.RecordSuccess()
			}
			g.release(adm)
			var e error
			if streamErr != nil {
				e = streamErr
			}
			g.recordRequest(ctx, adm.name, opChatStream, time.Since(start), e)
			close(out)
		}()
		for chunk := range upstream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				if chunk.Err.CountsAsBreakerFailure() {
					adm.breaker.RecordFailure()
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				streamErr = provider.Wrap(adm.name, ctx.Err())
				return
			}
		}
	}()
	return out, nil
}

// CreateEmbedding routes an embedding request.
func (g *Gateway) CreateEmbedding(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, adm, err := run(ctx, g, opEmbeddings, req.Model, func(ctx context.Context, ad provider.Adapter) (*provider.EmbeddingResponse, error) {
		return ad.CreateEmbedding(ctx, req)
	})
	if adm != nil {
		g.release(adm)
	}
	g.recordRequest(ctx, admName(adm, err), opEmbeddings, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TranscribeAudio routes a speech-to-text request.
func (g *Gateway) TranscribeAudio(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return g.audio(ctx, opTranscribe, req, provider.Adapter.TranscribeAudio)
}

// TranslateAudio routes a speech-to-English-text request.
func (g *Gateway) TranslateAudio(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return g.audio(ctx, opTranslate, req, provider.Adapter.TranslateAudio)
}

func (g *Gateway) audio(ctx context.Context, op string, req *provider.TranscriptionRequest,
	call func(provider.Adapter, context.Context, *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error),
) (*provider.TranscriptionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	res, adm, err := run(ctx, g, op, req.Model, func(ctx context.Context, ad provider.Adapter) (*provider.TranscriptionResponse, error) {
		return call(ad, ctx, req)
	})
	if adm != nil {
		g.release(adm)
	}
	g.recordRequest(ctx, admName(adm, err), op, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateSpeech routes a text-to-speech request. Voice validity is the
// serving adapter's call since voice sets differ per provider.
func (g *Gateway) GenerateSpeech(ctx context.Context, req *provider.SpeechRequest) (*provider.SpeechResponse, error) {
	if err := req.Validate(nil); err != nil {
		return nil, err
	}
	start := time.Now()
	res, adm, err := run(ctx, g, opSpeech, req.Model, func(ctx context.Context, ad provider.Adapter) (*provider.SpeechResponse, error) {
		return ad.GenerateSpeech(ctx, req)
	})
	if adm != nil {
		g.release(adm)
	}
	g.recordRequest(ctx, admName(adm, err), opSpeech, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ── Admission ─────────────────────────────────────────────────────────────────

// errNoCapacity signals that every eligible provider is at its cap.
var errNoCapacity = errors.New("no provider capacity")

// admission is a provider slot granted to one request.
type admission struct {
	name    string
	adapter provider.Adapter
	limiter *resilience.ConcurrencyLimiter
	breaker *resilience.CircuitBreaker
}

func admName(adm *admission, err error) string {
	if adm != nil {
		return adm.name
	}
	if pe, ok := provider.AsError(err); ok {
		return pe.Provider
	}
	return ""
}

// admit finds a provider for model and takes a concurrency slot, parking in
// the admission queue while every eligible provider is at capacity.
func (g *Gateway) admit(ctx context.Context, model string) (*admission, error) {
	for {
		adm, err := g.tryAdmit(model, "")
		if err == nil {
			return adm, nil
		}
		if !errors.Is(err, errNoCapacity) {
			return nil, err
		}
		if werr := g.queue.Wait(ctx); werr != nil {
			switch {
			case errors.Is(werr, resilience.ErrQueueFull):
				return nil, provider.QueueFull()
			case errors.Is(werr, resilience.ErrQueueClosed):
				return nil, provider.Internal("gateway is shutting down", werr)
			default:
				return nil, provider.Wrap("", werr)
			}
		}
	}
}

// tryAdmit performs one admission pass without queueing. exclude names a
// provider to skip, used by the failover path.
func (g *Gateway) tryAdmit(model string, exclude string) (*admission, error) {
	entries := g.reg.ForModel(model)
	if len(entries) == 0 {
		return nil, provider.ModelNotFound(model)
	}

	candidates, blocked := g.eligible(entries, exclude)
	if len(candidates) == 0 && len(blocked) > 0 {
		// Last-resort admission: every serving provider is tripped, so
		// re-arm the breaker whose failure is oldest and probe through it.
		oldest := blocked[0]
		for _, br := range blocked[1:] {
			if br.LastFailure().Before(oldest.LastFailure()) {
				oldest = br
			}
		}
		oldest.ForceHalfOpen()
		g.log.Warn("all breakers open, forcing half-open probe", "model", model)
		candidates, _ = g.eligible(entries, exclude)
	}
	if len(candidates) == 0 {
		if exclude != "" {
			// Failover probe found nothing; not an error worth surfacing.
			return nil, errNoCapacity
		}
		return nil, provider.Transient("", "no available provider for model "+model, nil)
	}

	pick, ok := g.rtr.Select(candidates, model)
	if !ok {
		return nil, provider.Internal("router returned no candidate", nil)
	}
	if adm := g.acquire(pick); adm != nil {
		return adm, nil
	}
	// The routed pick is saturated; any other eligible candidate will do.
	for _, c := range candidates {
		if c.Name == pick.Name {
			continue
		}
		if adm := g.acquire(c); adm != nil {
			return adm, nil
		}
	}
	return nil, errNoCapacity
}

// eligible filters the model's providers by health and breaker state.
// It returns the admissible candidates plus the breakers that rejected
// otherwise-healthy providers.
func (g *Gateway) eligible(entries []registry.Entry, exclude string) ([]router.Candidate, []*resilience.CircuitBreaker) {
	var (
		candidates []router.Candidate
		blocked    []*resilience.CircuitBreaker
	)
	for _, e := range entries {
		if e.Name == exclude || !e.Initialized {
			continue
		}
		if e.Health == provider.HealthUnhealthy || e.Health == provider.HealthDestroyed {
			continue
		}
		br := g.breakerFor(e.Name)
		if !br.Allow() {
			blocked = append(blocked, br)
			continue
		}
		candidates = append(candidates, router.Candidate{Name: e.Name, Adapter: e.Adapter, Health: e.Health})
	}
	return candidates, blocked
}

func (g *Gateway) acquire(c router.Candidate) *admission {
	lim := g.limiterFor(c.Name)
	if !lim.TryAcquire() {
		return nil
	}
	return &admission{name: c.Name, adapter: c.Adapter, limiter: lim, breaker: g.breakerFor(c.Name)}
}

// release frees the admission's slot and wakes one queued request.
func (g *Gateway) release(adm *admission) {
	adm.limiter.Release()
	g.queue.Wake(1)
}

func (g *Gateway) breakerFor(name string) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	br, ok := g.breakers[name]
	if !ok {
		br = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:              name,
			FailureThreshold:  g.cfg.BreakerThreshold,
			OpenTimeout:       g.cfg.BreakerTimeout,
			HalfOpenSuccesses: g.cfg.BreakerHalfOpenSuccesses,
			Logger:            g.log,
		})
		g.breakers[name] = br
	}
	return br
}

func (g *Gateway) limiterFor(name string) *resilience.ConcurrencyLimiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[name]
	if !ok {
		lim = resilience.NewConcurrencyLimiter(g.cfg.MaxConcurrent)
		g.limiters[name] = lim
	}
	return lim
}

// ── Execution ─────────────────────────────────────────────────────────────────

// run admits, executes fn with retry, and fails over once when the error
// taxonomy allows. On success the admission is returned still held; the
// caller releases it. On error the admission is already released.
func run[T any](ctx context.Context, g *Gateway, op, model string, fn func(context.Context, provider.Adapter) (T, error)) (T, *admission, error) {
	var zero T
	if !g.initialized.Load() {
		return zero, nil, provider.Internal("gateway not initialized", nil)
	}

	adm, err := g.admit(ctx, model)
	if err != nil {
		return zero, nil, err
	}

	res, pe := attempt(ctx, g, adm, op, g.cfg.MaxRetries, fn)
	if pe == nil {
		return res, adm, nil
	}
	g.release(adm)

	if !pe.Failover() {
		return zero, nil, pe
	}
	fb, fbErr := g.tryAdmit(model, adm.name)
	if fbErr != nil {
		return zero, nil, pe
	}
	if g.metrics != nil {
		g.metrics.RecordFallback(ctx, adm.name, fb.name)
	}
	g.log.Warn("failing over",
		"model", model,
		"operation", op,
		"from", adm.name,
		"to", fb.name,
		"error", pe,
	)

	res, pe = attempt(ctx, g, fb, op, 1, fn)
	if pe == nil {
		return res, fb, nil
	}
	g.release(fb)
	return zero, nil, pe
}

// attempt executes fn against the admitted provider up to maxAttempts
// times with exponential backoff, recording breaker outcomes.
func attempt[T any](ctx context.Context, g *Gateway, adm *admission, op string, maxAttempts int, fn func(context.Context, provider.Adapter) (T, error)) (T, *provider.Error) {
	var (
		zero T
		last *provider.Error
	)
	for n := 1; n <= maxAttempts; n++ {
		// Admission checked the breaker once; a breaker that opens
		// mid-loop must still reject the remaining attempts fast.
		if n > 1 && !adm.breaker.Allow() {
			return zero, provider.CircuitOpen(adm.name)
		}
		res, err := fn(ctx, adm.adapter)
		if err == nil {
			adm.breaker.RecordSuccess()
			return res, nil
		}
		pe := provider.Wrap(adm.name, err)
		if pe.CountsAsBreakerFailure() {
			adm.breaker.RecordFailure()
		}
		last = pe
		if !pe.Retryable() || n == maxAttempts {
			break
		}
		delay := g.backoff(n)
		g.log.Warn("provider call failed, retrying",
			"provider", adm.name,
			"operation", op,
			"attempt", n,
			"delay", delay,
			"error", pe,
		)
		if g.metrics != nil {
			g.metrics.RecordRetry(ctx, adm.name, op)
		}
		if serr := g.sleep(ctx, delay); serr != nil {
			return zero, provider.Wrap(adm.name, serr)
		}
	}
	return zero, last
}

// backoff computes the delay after the nth failed attempt.
func (g *Gateway) backoff(n int) time.Duration {
	d := g.cfg.RetryBaseDelay << (n - 1)
	if d > g.cfg.RetryMaxDelay {
		return g.cfg.RetryMaxDelay
	}
	return d
}

func (g *Gateway) recordRequest(ctx context.Context, providerName, op string, d time.Duration, err error) {
	kind := ""
	if err != nil {
		kind = string(provider.KindOf(err))
	}
	if g.metrics != nil {
		g.metrics.RecordGatewayRequest(ctx, providerName, op, d, kind)
	}
}

// ── Introspection ─────────────────────────────────────────────────────────────

// BreakerSnapshots reports every breaker's state for health endpoints.
func (g *Gateway) BreakerSnapshots() []resilience.BreakerSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]resilience.BreakerSnapshot, 0, len(g.breakers))
	for _, br := range g.breakers {
		out = append(out, br.Snapshot())
	}
	return out
}

// QueueDepth reports how many requests are parked in the admission queue.
func (g *Gateway) QueueDepth() int {
	return g.queue.Len()
}

// InFlight reports in-flight request counts per provider.
func (g *Gateway) InFlight() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.limiters))
	for name, lim := range g.limiters {
		out[name] = lim.InFlight()
	}
	return out
}

// Initialized reports whether Initialize has completed.
func (g *Gateway) Initialized() bool {
	return g.initialized.Load()
}
