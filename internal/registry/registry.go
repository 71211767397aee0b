// Package registry tracks provider adapters, their health and the
// model index used to resolve requests to a provider.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelgate/modelgate/pkg/provider"
)

// Probe defaults.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultEventBuffer   = 64
)

// HealthEvent records a provider health transition.
type HealthEvent struct {
	Provider string
	From     provider.HealthState
	To       provider.HealthState
	At       time.Time
}

// Entry is a provider with its registry-tracked state.
type Entry struct {
	Name         string
	Adapter      provider.Adapter
	Health       provider.HealthState
	Initialized  bool
	RegisteredAt time.Time
	LastCheck    time.Time
	LastReport   provider.HealthReport
}

type record struct {
	name         string
	adapter      provider.Adapter
	health       provider.HealthState
	initialized  bool
	registeredAt time.Time
	lastCheck    time.Time
	lastReport   provider.HealthReport
}

func (r *record) entry() Entry {
	return Entry{
		Name:         r.name,
		Adapter:      r.adapter,
		Health:       r.health,
		Initialized:  r.initialized,
		RegisteredAt: r.registeredAt,
		LastCheck:    r.lastCheck,
		LastReport:   r.lastReport,
	}
}

// Registry holds the registered adapters. All methods are safe for
// concurrent use. Health transitions are published on a buffered event
// channel; when the consumer lags, events are dropped rather than
// blocking the probe loop.
type Registry struct {
	log           *slog.Logger
	probeInterval time.Duration
	probeTimeout  time.Duration

	mu      sync.RWMutex
	records map[string]*record
	order   []string
	// index maps model ID to provider names in registration order.
	index map[string][]string

	events  chan HealthEvent
	dropped int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithProbeInterval sets the health probe period.
func WithProbeInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeInterval = d
		}
	}
}

// WithProbeTimeout bounds each provider probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithEventBuffer sets the health event channel capacity.
func WithEventBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.events = make(chan HealthEvent, n)
		}
	}
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:           slog.Default(),
		probeInterval: DefaultProbeInterval,
		probeTimeout:  DefaultProbeTimeout,
		records:       make(map[string]*record),
		index:         make(map[string][]string),
		events:        make(chan HealthEvent, DefaultEventBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores an adapter under name. Registering an existing name
// replaces the previous adapter, which is destroyed best effort.
func (r *Registry) Register(name string, adapter provider.Adapter) error {
	if name == "" {
		return fmt.Errorf("register: empty provider name")
	}
	if adapter == nil {
		return fmt.Errorf("register %q: nil adapter", name)
	}

	r.mu.Lock()
	old, replaced := r.records[name]
	r.records[name] = &record{
		name:         name,
		adapter:      adapter,
		health:       provider.HealthUnknown,
		registeredAt: time.Now(),
	}
	if !replaced {
		r.order = append(r.order, name)
	}
	r.rebuildIndex()
	r.mu.Unlock()

	if replaced {
		r.log.Warn("provider replaced", "provider", name)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
			defer cancel()
			if err := old.adapter.Destroy(ctx); err != nil {
				r.log.Warn("destroy of replaced provider failed", "provider", name, "error", err)
			}
		}()
	} else {
		r.log.Info("provider registered", "provider", name, "models", len(adapter.SupportedModels()))
	}
	return nil
}

// Unregister removes a provider and destroys its adapter.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unregister %q: not registered", name)
	}
	delete(r.records, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildIndex()
	r.mu.Unlock()

	r.log.Info("provider unregistered", "provider", name)
	if err := rec.adapter.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy %q: %w", name, err)
	}
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return nil, false
	}
	return rec.adapter, true
}

// Entry returns the full registry entry for name.
func (r *Registry) Entry(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Entry{}, false
	}
	return rec.entry(), true
}

// Entries returns all entries in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.records[name].entry())
	}
	return out
}

// List returns the registered provider names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// IsRegistered reports whether name is registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[name]
	return ok
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Health returns the tracked health state for name.
func (r *Registry) Health(name string) (provider.HealthState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return provider.HealthUnknown, false
	}
	return rec.health, true
}

// AvailableModels returns the models of every initialized provider that is
// not unhealthy, sorted by model ID.
func (r *Registry) AvailableModels() []provider.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []provider.ModelDescriptor
	for _, name := range r.order {
		rec := r.records[name]
		if !rec.usable() {
			continue
		}
		out = append(out, rec.adapter.SupportedModels()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

func (rec *record) usable() bool {
	return rec.initialized &&
		rec.health != provider.HealthUnhealthy &&
		rec.health != provider.HealthDestroyed
}

// ModelInfo returns the descriptor for modelID from its canonical provider.
func (r *Registry) ModelInfo(modelID string) (provider.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.index[modelID]
	if len(names) == 0 {
		return provider.ModelDescriptor{}, false
	}
	rec := r.records[names[0]]
	for _, m := range rec.adapter.SupportedModels() {
		if m.ID == modelID {
			return m, true
		}
	}
	return provider.ModelDescriptor{}, false
}

// ProviderForModel resolves modelID to its canonical provider, the first
// registered provider serving the model.
func (r *Registry) ProviderForModel(modelID string) (provider.Adapter, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.index[modelID]
	if len(names) == 0 {
		return nil, "", false
	}
	return r.records[names[0]].adapter, names[0], true
}

// ForModel returns every provider serving modelID, in registration order.
func (r *Registry) ForModel(modelID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.index[modelID]
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, r.records[name].entry())
	}
	return out
}

// HealthEvents returns the channel carrying health transitions.
func (r *Registry) HealthEvents() <-chan HealthEvent {
	return r.events
}

// InitSummary reports the outcome of InitializeAll.
type InitSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    map[string]error
}

// InitializeAll initializes every registered provider concurrently.
// Failures do not abort the rest; failed providers are marked unhealthy
// and stay registered so later probes can recover them.
func (r *Registry) InitializeAll(ctx context.Context) InitSummary {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make(map[string]provider.Adapter, len(names))
	for _, n := range names {
		adapters[n] = r.records[n].adapter
	}
	r.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs = make(map[string]error)
		g    errgroup.Group
	)
	for _, name := range names {
		g.Go(func() error {
			err := adapters[name].Initialize(ctx)
			mu.Lock()
			if err != nil {
				errs[name] = err
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	r.mu.Lock()
	for _, name := range names {
		rec, ok := r.records[name]
		if !ok {
			continue
		}
		if _, failed := errs[name]; failed {
			r.setHealthLocked(rec, provider.HealthUnhealthy)
			continue
		}
		rec.initialized = true
	}
	r.mu.Unlock()

	sum := InitSummary{Total: len(names), Succeeded: len(names) - len(errs), Failed: len(errs), Errors: errs}
	for name, err := range errs {
		r.log.Error("provider initialization failed", "provider", name, "error", err)
	}
	r.log.Info("providers initialized", "total", sum.Total, "succeeded", sum.Succeeded, "failed", sum.Failed)
	return sum
}

// Destroy tears down every provider and clears the registry.
func (r *Registry) Destroy(ctx context.Context) error {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.order))
	for _, name := range r.order {
		recs = append(recs, r.records[name])
	}
	r.records = make(map[string]*record)
	r.order = nil
	r.index = make(map[string][]string)
	r.mu.Unlock()

	var g errgroup.Group
	for _, rec := range recs {
		g.Go(func() error {
			if err := rec.adapter.Destroy(ctx); err != nil {
				return fmt.Errorf("destroy %q: %w", rec.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run probes provider health until ctx is cancelled. The first sweep runs
// immediately so startup state does not wait a full interval.
func (r *Registry) Run(ctx context.Context) {
	r.CheckAll(ctx)
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered provider concurrently, each bounded by
// the probe timeout.
func (r *Registry) CheckAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make(map[string]provider.Adapter, len(names))
	for _, n := range names {
		adapters[n] = r.records[n].adapter
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.probe(ctx, name, adapters[name])
		}()
	}
	wg.Wait()
}

func (r *Registry) probe(ctx context.Context, name string, adapter provider.Adapter) {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	report, err := adapter.HealthCheck(pctx)
	state := report.State
	if err != nil {
		state = provider.HealthUnhealthy
	}
	if !state.IsValid() {
		state = provider.HealthUnknown
	}

	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.lastCheck = time.Now()
	rec.lastReport = report
	from := rec.health
	r.setHealthLocked(rec, state)
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("health probe failed", "provider", name, "error", err)
	}
	if from != state {
		switch state {
		case provider.HealthHealthy:
			r.log.Info("provider recovered", "provider", name, "from", string(from))
		default:
			r.log.Warn("provider health changed", "provider", name, "from", string(from), "to", string(state))
		}
	}
}

// setHealthLocked updates health and publishes the transition.
// Caller holds r.mu.
func (r *Registry) setHealthLocked(rec *record, to provider.HealthState) {
	from := rec.health
	if from == to {
		return
	}
	rec.health = to
	ev := HealthEvent{Provider: rec.name, From: from, To: to, At: time.Now()}
	select {
	case r.events <- ev:
	default:
		r.dropped++
	}
}

// DroppedEvents returns how many health events were dropped because the
// consumer lagged.
func (r *Registry) DroppedEvents() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// rebuildIndex recomputes the model index. Caller holds r.mu.
func (r *Registry) rebuildIndex() {
	index := make(map[string][]string)
	for _, name := range r.order {
		for _, m := range r.records[name].adapter.SupportedModels() {
			index[m.ID] = append(index[m.ID], name)
		}
	}
	r.index = index
}
