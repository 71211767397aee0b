// Package router picks one provider out of the candidates eligible for a
// request, according to a configurable routing strategy.
package router

import (
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelgate/modelgate/pkg/provider"
)

// Strategy names a provider selection policy.
type Strategy string

const (
	// StrategyCostOptimized picks the cheapest provider for the model.
	StrategyCostOptimized Strategy = "cost_optimized"
	// StrategyPerformance picks the provider with the best latency to
	// success-rate ratio.
	StrategyPerformance Strategy = "performance"
	// StrategyRoundRobin rotates through candidates per model.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyHealthBased prefers healthy candidates, then degraded ones.
	StrategyHealthBased Strategy = "health_based"
	// StrategyWeighted picks randomly, weighted by success rate and health.
	StrategyWeighted Strategy = "weighted"
)

// DefaultStrategy is used when none is configured.
const DefaultStrategy = StrategyCostOptimized

// DefaultCacheTTL bounds how long a routing decision is reused.
const DefaultCacheTTL = 60 * time.Second

// IsValid reports whether s names a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyCostOptimized, StrategyPerformance, StrategyRoundRobin,
		StrategyHealthBased, StrategyWeighted:
		return true
	}
	return false
}

// Candidate is a provider eligible for a request.
type Candidate struct {
	Name    string
	Adapter provider.Adapter
	Health  provider.HealthState
}

type cacheEntry struct {
	name    string
	expires time.Time
}

// Router selects providers. Safe for concurrent use.
type Router struct {
	log *slog.Logger

	mu       sync.Mutex
	strategy Strategy
	counters map[string]int
	cache    map[string]cacheEntry
	cacheTTL time.Duration

	now       func() time.Time
	randFloat func() float64
}

// Option configures a Router.
type Option func(*Router)

// WithStrategy sets the initial strategy. Invalid values are ignored.
func WithStrategy(s Strategy) Option {
	return func(r *Router) {
		if s.IsValid() {
			r.strategy = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithCacheTTL sets the selection cache lifetime. Zero or negative
// disables the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Router) { r.cacheTTL = d }
}

// New builds a router with the cost-optimized strategy and a 60 second
// selection cache unless configured otherwise.
func New(opts ...Option) *Router {
	r := &Router{
		log:       slog.Default(),
		strategy:  DefaultStrategy,
		counters:  make(map[string]int),
		cache:     make(map[string]cacheEntry),
		cacheTTL:  DefaultCacheTTL,
		now:       time.Now,
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the active strategy.
func (r *Router) Strategy() Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy
}

// SetStrategy swaps the strategy at runtime and clears the selection
// cache. Invalid values are rejected.
func (r *Router) SetStrategy(s Strategy) bool {
	if !s.IsValid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategy != s {
		r.log.Info("routing strategy changed", "from", string(r.strategy), "to", string(s))
		r.strategy = s
		r.cache = make(map[string]cacheEntry)
	}
	return true
}

// Select picks one candidate for model. Returns false when candidates is
// empty. Ties resolve to the earliest candidate in input order.
func (r *Router) Select(candidates []Candidate, model string) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.cacheKey(model, candidates)
	if c, ok := r.cacheLookup(key, candidates); ok {
		return c, true
	}

	var chosen Candidate
	switch r.strategy {
	case StrategyPerformance:
		chosen = selectPerformance(candidates)
	case StrategyRoundRobin:
		chosen = r.selectRoundRobin(model, candidates)
	case StrategyHealthBased:
		chosen = r.selectHealthBased(model, candidates)
	case StrategyWeighted:
		chosen = r.selectWeighted(candidates)
	default:
		chosen = r.selectCostOptimized(model, candidates)
	}

	if r.cacheTTL > 0 {
		r.cache[key] = cacheEntry{name: chosen.Name, expires: r.now().Add(r.cacheTTL)}
	}
	return chosen, true
}

// InvalidateCache drops all cached selections.
func (r *Router) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cacheEntry)
}

// cacheKey is stable under candidate reordering. Caller holds r.mu.
func (r *Router) cacheKey(model string, candidates []Candidate) string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	sort.Strings(names)
	return string(r.strategy) + "|" + model + "|" + strings.Join(names, ",")
}

// cacheLookup returns a still-valid cached choice. A cached provider that
// left the candidate set or went unhealthy invalidates the entry.
// Caller holds r.mu.
func (r *Router) cacheLookup(key string, candidates []Candidate) (Candidate, bool) {
	if r.cacheTTL <= 0 {
		return Candidate{}, false
	}
	e, ok := r.cache[key]
	if !ok {
		return Candidate{}, false
	}
	if r.now().After(e.expires) {
		delete(r.cache, key)
		return Candidate{}, false
	}
	for _, c := range candidates {
		if c.Name == e.name {
			if c.Health == provider.HealthUnhealthy || c.Health == provider.HealthDestroyed {
				delete(r.cache, key)
				return Candidate{}, false
			}
			return c, true
		}
	}
	delete(r.cache, key)
	return Candidate{}, false
}

// selectCostOptimized picks the candidate with the lowest input+output
// cost for the model. Candidates without cost data are skipped; when none
// carries cost data the pick falls back to round-robin.
func (r *Router) selectCostOptimized(model string, candidates []Candidate) Candidate {
	best := -1
	bestCost := 0.0
	for i, c := range candidates {
		ci := c.Adapter.CostInfo(model)
		if ci == nil {
			continue
		}
		cost := ci.Total()
		if best == -1 || cost < bestCost {
			best = i
			bestCost = cost
		}
	}
	if best == -1 {
		return r.selectRoundRobin(model, candidates)
	}
	return candidates[best]
}

// selectPerformance scores candidates by average latency divided by
// success rate, lower is better. Success rate is floored at 0.1 so a
// fully failing provider does not divide by zero.
func selectPerformance(candidates []Candidate) Candidate {
	best := 0
	bestScore := performanceScore(candidates[0])
	for i := 1; i < len(candidates); i++ {
		if s := performanceScore(candidates[i]); s < bestScore {
			best = i
			bestScore = s
		}
	}
	return candidates[best]
}

func performanceScore(c Candidate) float64 {
	m := c.Adapter.Metrics()
	rate := m.SuccessRate
	if rate < 0.1 {
		rate = 0.1
	}
	return float64(m.AvgResponseTime) / rate
}

// selectRoundRobin rotates a per-model counter. Caller holds r.mu.
func (r *Router) selectRoundRobin(model string, candidates []Candidate) Candidate {
	idx := r.counters[model] % len(candidates)
	r.counters[model]++
	return candidates[idx]
}

// selectHealthBased narrows to the healthiest tier and rotates within it.
// Caller holds r.mu.
func (r *Router) selectHealthBased(model string, candidates []Candidate) Candidate {
	tier := filterHealth(candidates, provider.HealthHealthy)
	if len(tier) == 0 {
		tier = filterHealth(candidates, provider.HealthDegraded)
	}
	if len(tier) == 0 {
		tier = candidates
	}
	return r.selectRoundRobin("health:"+model, tier)
}

func filterHealth(candidates []Candidate, state provider.HealthState) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Health == state {
			out = append(out, c)
		}
	}
	return out
}

// selectWeighted draws a candidate with probability proportional to its
// success rate scaled by health. Weights are floored at 0.01 so every
// candidate keeps a nonzero chance. Caller holds r.mu.
func (r *Router) selectWeighted(candidates []Candidate) Candidate {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		w := c.Adapter.Metrics().SuccessRate * healthMultiplier(c.Health)
		if w < 0.01 {
			w = 0.01
		}
		weights[i] = w
		total += w
	}
	target := r.randFloat() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if target < acc {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func healthMultiplier(state provider.HealthState) float64 {
	switch state {
	case provider.HealthHealthy:
		return 1.0
	case provider.HealthDegraded:
		return 0.5
	default:
		return 0.1
	}
}
