// Package app wires all modelgate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem in numbered steps, Run serves until the context is cancelled, and
// Shutdown tears everything down in reverse-init order.
//
// Adapter factories come in from main via config.Builders, so this package
// never imports concrete provider implementations. For testing, inject
// doubles via functional options (WithMetrics, WithCacheStore, WithDialers).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/gateway"
	"github.com/modelgate/modelgate/internal/health"
	"github.com/modelgate/modelgate/internal/httpserver"
	"github.com/modelgate/modelgate/internal/observe"
	"github.com/modelgate/modelgate/internal/realtime"
	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/tokens"
	"github.com/modelgate/modelgate/pkg/provider"
)

// redisPingTimeout bounds the startup reachability probe of a Redis cache.
const redisPingTimeout = 5 * time.Second

// App owns all subsystem lifetimes and serves the gateway API.
type App struct {
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
	leveler  *slog.LevelVar
	builders *config.Builders

	metrics  *observe.Metrics
	cache    cache.Store
	tokens   *tokens.Estimator
	registry *registry.Registry
	router   *router.Router
	gateway  *gateway.Gateway
	hub      *realtime.Hub
	server   *httpserver.Server
	watcher  *config.Watcher
	dialers  map[string]realtime.DialFunc

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles or
// to enable optional behaviour.
type Option func(*App)

// WithLogger sets the structured logger for every subsystem.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
	}
}

// WithLevelVar attaches the handler's level var so config reloads can change
// log verbosity at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.leveler = v }
}

// WithMetrics injects a metrics instance instead of initialising the
// OpenTelemetry SDK. Tests use this to avoid registering global exporters.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCacheStore injects a cache store instead of creating one from config.
func WithCacheStore(c cache.Store) Option {
	return func(a *App) { a.cache = c }
}

// WithDialers supplies the upstream realtime dialers keyed by provider
// family. Without dialers, realtime sessions resolve but fail to connect.
func WithDialers(d map[string]realtime.DialFunc) Option {
	return func(a *App) { a.dialers = d }
}

// WithConfigFile enables the config file watcher on path, hot-applying the
// safe subset of changes (log level, routing strategy, rate limits).
func WithConfigFile(path string) Option {
	return func(a *App) { a.cfgPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The builders argument
// maps provider kinds to adapter factories (populated by main); nil is
// tolerated when the config names no providers.
//
// New performs all initialisation synchronously except provider warm-up,
// which Run drives so that a slow upstream cannot stall startup.
func New(ctx context.Context, cfg *config.Config, builders *config.Builders, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		log:      slog.Default(),
		builders: builders,
	}
	for _, o := range opts {
		o(a)
	}
	if a.builders == nil {
		a.builders = config.NewBuilders()
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Cache ─────────────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Token estimator ───────────────────────────────────────────────
	a.tokens = tokens.New()

	// ── 4. Providers + registry ──────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 5. Router ────────────────────────────────────────────────────────
	a.initRouter()

	// ── 6. Gateway ───────────────────────────────────────────────────────
	a.initGateway()

	// ── 7. Realtime hub ──────────────────────────────────────────────────
	a.initHub()

	// ── 8. HTTP server + health ──────────────────────────────────────────
	a.initServer()

	// ── 9. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability brings up the OTel SDK with the Prometheus bridge unless
// a metrics instance was injected.
func (a *App) initObservability(ctx context.Context) error {
	if a.metrics != nil {
		return nil // injected
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initCache builds the configured cache backend. Redis must answer a ping at
// startup; a configured but unreachable cache is an operator error, not a
// condition to degrade silently around.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		a.closers = append(a.closers, a.cache.Close)
		return nil // injected
	}

	c := a.cfg.Cache
	var opts []cache.Option
	if c.TTLMS > 0 {
		opts = append(opts, cache.WithDefaultTTL(time.Duration(c.TTLMS)*time.Millisecond))
	}
	if c.Prefix != "" {
		opts = append(opts, cache.WithPrefix(c.Prefix))
	}

	switch c.Backend {
	case config.CacheNone:
		return nil
	case config.CacheMemory:
		a.cache = cache.NewMemory(opts...)
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		store := cache.NewRedis(client, opts...)
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := store.HealthCheck(pingCtx); err != nil {
			client.Close()
			return err
		}
		a.cache = store
	default:
		return fmt.Errorf("unknown cache backend %q", c.Backend)
	}

	a.log.Info("cache enabled", "backend", c.Backend)
	a.closers = append(a.closers, a.cache.Close)
	return nil
}

// initProviders builds one adapter per config entry and registers it. Config
// order is preserved so routing tie-breaks stay deterministic.
func (a *App) initProviders() error {
	a.registry = registry.New(registry.WithLogger(a.log))

	for i, entry := range a.cfg.Providers {
		adapter, err := a.builders.Build(entry)
		if err != nil {
			return fmt.Errorf("build provider %q (index %d): %w", entry.Name, i, err)
		}
		if err := a.registry.Register(entry.Name, adapter); err != nil {
			return fmt.Errorf("register provider %q: %w", entry.Name, err)
		}
		a.log.Info("registered provider",
			"name", entry.Name,
			"kind", entry.Kind,
			"models", len(entry.Models),
		)
	}
	return nil
}

func (a *App) initRouter() {
	strategy := a.cfg.Router.Strategy
	if strategy == "" {
		strategy = router.StrategyCostOptimized
	}
	opts := []router.Option{
		router.WithStrategy(strategy),
		router.WithLogger(a.log),
	}
	switch ttl := a.cfg.Router.SelectionCacheTTLMS; {
	case ttl > 0:
		opts = append(opts, router.WithCacheTTL(time.Duration(ttl)*time.Millisecond))
	case ttl < 0:
		opts = append(opts, router.WithCacheTTL(0))
	}
	a.router = router.New(opts...)
}

func (a *App) initGateway() {
	g := a.cfg.Gateway
	a.gateway = gateway.New(a.registry, a.router,
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
		gateway.WithUsageEstimator(a.tokens),
		gateway.WithConfig(gateway.Config{
			MaxRetries:               g.MaxRetries,
			RetryBaseDelay:           msDur(g.RetryBaseDelayMS),
			RetryMaxDelay:            msDur(g.RetryMaxDelayMS),
			MaxConcurrent:            g.MaxConcurrent,
			QueueLimit:               g.QueueLimit,
			BreakerThreshold:         g.BreakerThreshold,
			BreakerTimeout:           msDur(g.BreakerTimeoutMS),
			BreakerHalfOpenSuccesses: g.BreakerHalfOpenSuccesses,
		}),
	)
	if err := a.metrics.RegisterQueueDepth(func() int64 { return int64(a.gateway.QueueDepth()) }); err != nil {
		a.log.Warn("queue depth gauge registration failed", "error", err)
	}
}

func (a *App) initHub() {
	var models map[string]string
	if len(a.cfg.Realtime.Models) > 0 {
		models = a.cfg.Realtime.Models
	}
	var hcfg realtime.Config
	if a.cfg.Realtime.MaxIdleSeconds > 0 {
		hcfg.MaxIdle = time.Duration(a.cfg.Realtime.MaxIdleSeconds) * time.Second
	}

	a.hub = realtime.NewHub(
		realtime.WithLogger(a.log),
		realtime.WithMetrics(a.metrics),
		realtime.WithConfig(hcfg),
		realtime.WithResolver(realtime.NewResolver(models, nil)),
		realtime.WithTokenEstimator(a.tokens.Count),
	)
	for name, dial := range a.dialers {
		a.hub.RegisterDialer(name, dial)
	}
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})
}

func (a *App) initServer() {
	checkers := []health.Checker{{
		Name:  "providers",
		Check: a.checkProviders,
	}}
	if a.cache != nil {
		checkers = append(checkers, health.Checker{Name: "cache", Check: a.cache.HealthCheck})
	}
	hh := health.New(checkers,
		health.WithDetails(a.healthDetails),
		health.WithMetrics(promhttp.Handler()),
	)

	s := a.cfg.Server
	srvOpts := []httpserver.Option{
		httpserver.WithLogger(a.log),
		httpserver.WithConfig(httpserver.Config{
			Addr:            s.ListenAddr,
			RequireAuth:     s.RequireAuth,
			APIKeys:         s.APIKeys,
			APIKeyHeader:    s.APIKeyHeader,
			RateLimitMax:    s.RateLimitMaxRequests,
			RateLimitWindow: s.RateLimitWindow(),
			CORSEnabled:     s.CORSEnabled,
			CORSOrigins:     s.CORSOrigins,
		}),
		httpserver.WithHub(a.hub),
		httpserver.WithHealth(hh),
		httpserver.WithMetrics(a.metrics),
	}
	if a.cache != nil {
		srvOpts = append(srvOpts, httpserver.WithCache(a.cache))
	}
	a.server = httpserver.New(a.gateway, a.registry, srvOpts...)
}

func (a *App) initWatcher() error {
	if a.cfgPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.cfgPath, a.applyConfigChange)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfigChange is the watcher callback. It applies the hot-reloadable
// subset and reports anything that needs a restart.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		a.log.Info("config reloaded, nothing to apply")
		return
	}
	if d.LogLevelChanged {
		if a.leveler != nil {
			a.leveler.Set(d.NewLogLevel.Level())
			a.log.Info("log level changed", "level", d.NewLogLevel)
		} else {
			a.log.Warn("log level change ignored, no level var attached")
		}
	}
	if d.StrategyChanged {
		if a.router.SetStrategy(d.NewStrategy) {
			a.log.Info("routing strategy changed", "strategy", d.NewStrategy)
		}
	}
	if d.RateLimitChanged {
		a.server.SetRateLimit(d.NewRateLimitMax, msDur(d.NewRateLimitWindowMS))
	}
	if len(d.Structural) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.Structural)
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// checkProviders fails until at least one provider is initialized and not
// unhealthy, which keeps /health/ready false during warm-up and after total
// upstream loss.
func (a *App) checkProviders(context.Context) error {
	for _, e := range a.registry.Entries() {
		if e.Initialized && e.Health != provider.HealthUnhealthy && e.Health != provider.HealthDestroyed {
			return nil
		}
	}
	return errors.New("no usable providers")
}

// healthDetails assembles the /health/detailed snapshot.
func (a *App) healthDetails(ctx context.Context) map[string]any {
	entries := a.registry.Entries()
	providers := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		p := map[string]any{
			"name":        e.Name,
			"health":      string(e.Health),
			"initialized": e.Initialized,
			"models":      len(e.Adapter.SupportedModels()),
			"requests":    e.Adapter.Metrics(),
		}
		if !e.LastCheck.IsZero() {
			p["last_check"] = e.LastCheck
		}
		providers = append(providers, p)
	}

	d := map[string]any{
		"providers":         providers,
		"breakers":          a.gateway.BreakerSnapshots(),
		"queue_depth":       a.gateway.QueueDepth(),
		"in_flight":         a.gateway.InFlight(),
		"realtime_sessions": a.hub.Len(),
		"routing_strategy":  string(a.router.Strategy()),
	}
	if a.cache != nil {
		if st, err := a.cache.Stats(ctx); err == nil {
			d["cache"] = st
		} else {
			d["cache"] = map[string]any{"error": err.Error()}
		}
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run warms up the providers, starts the background loops, and serves HTTP
// until ctx is cancelled. Per-provider warm-up failures are tolerated: the
// registry keeps probing and recovers providers that come back.
func (a *App) Run(ctx context.Context) error {
	sum := a.gateway.Initialize(ctx)
	a.log.Info("providers initialized",
		"total", sum.Total,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
	)
	for name, err := range sum.Errors {
		a.log.Warn("provider failed to initialize", "provider", name, "error", err)
	}

	go a.registry.Run(ctx) // periodic health probes
	go a.gateway.Run(ctx)  // health transitions + admission queue
	go a.hub.Run(ctx)      // idle session sweeper

	return a.server.Start(ctx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, tears down the gateway and providers, then
// runs the remaining closers in reverse-init order. It respects the context
// deadline: when ctx expires, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
