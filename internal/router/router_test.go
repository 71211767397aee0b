package router

import (
	"log/slog"
	"testing"
	"time"

	"github.com/modelgate/modelgate/pkg/provider"
	"github.com/modelgate/modelgate/pkg/provider/mock"
)

func costAdapter(name, model string, input, output float64) *mock.Adapter {
	return mock.New(name, mock.Model(model, name, provider.ModelTypeCompletion,
		&provider.CostInfo{InputCost: input, OutputCost: output}))
}

func perfAdapter(name string, avg time.Duration, rate float64) *mock.Adapter {
	a := mock.New(name)
	a.MetricsSnap = &provider.MetricsSnapshot{AvgResponseTime: avg, SuccessRate: rate}
	return a
}

func newTestRouter(opts ...Option) *Router {
	base := []Option{WithLogger(slog.New(slog.DiscardHandler))}
	return New(append(base, opts...)...)
}

func TestStrategyIsValid(t *testing.T) {
	t.Parallel()
	valid := []Strategy{
		StrategyCostOptimized, StrategyPerformance, StrategyRoundRobin,
		StrategyHealthBased, StrategyWeighted,
	}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}
	for _, s := range []Strategy{"", "cheapest", "COST_OPTIMIZED"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}

func TestSelectEmptyAndSingle(t *testing.T) {
	t.Parallel()
	r := newTestRouter()

	if _, ok := r.Select(nil, "m"); ok {
		t.Fatal("Select(nil) reported a pick")
	}

	only := Candidate{Name: "solo", Adapter: mock.New("solo"), Health: provider.HealthHealthy}
	got, ok := r.Select([]Candidate{only}, "m")
	if !ok || got.Name != "solo" {
		t.Fatalf("Select single = %v, %v; want solo", got.Name, ok)
	}
}

func TestCostOptimizedPicksCheapest(t *testing.T) {
	t.Parallel()
	r := newTestRouter()

	a := costAdapter("alpha", "gpt-test-1", 10, 20)
	b := costAdapter("beta", "gpt-test-1", 1, 2)
	candidates := []Candidate{
		{Name: "alpha", Adapter: a, Health: provider.HealthHealthy},
		{Name: "beta", Adapter: b, Health: provider.HealthHealthy},
	}

	got, ok := r.Select(candidates, "gpt-test-1")
	if !ok || got.Name != "beta" {
		t.Fatalf("Select = %q, want beta (cheaper)", got.Name)
	}
}

func TestCostOptimizedSkipsMissingCost(t *testing.T) {
	t.Parallel()
	r := newTestRouter()

	noCost := mock.New("nocost") // no model catalog, CostInfo returns nil
	priced := costAdapter("priced", "m", 5, 5)
	candidates := []Candidate{
		{Name: "nocost", Adapter: noCost, Health: provider.HealthHealthy},
		{Name: "priced", Adapter: priced, Health: provider.HealthHealthy},
	}

	got, _ := r.Select(candidates, "m")
	if got.Name != "priced" {
		t.Fatalf("Select = %q, want priced (only candidate with cost data)", got.Name)
	}
}

func TestCostOptimizedFallsBackToRoundRobin(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithCacheTTL(0))

	candidates := []Candidate{
		{Name: "a", Adapter: mock.New("a"), Health: provider.HealthHealthy},
		{Name: "b", Adapter: mock.New("b"), Health: provider.HealthHealthy},
	}

	first, _ := r.Select(candidates, "m")
	second, _ := r.Select(candidates, "m")
	if first.Name == second.Name {
		t.Fatalf("fallback did not rotate: %q then %q", first.Name, second.Name)
	}
}

func TestCostOptimizedTieKeepsInputOrder(t *testing.T) {
	t.Parallel()
	r := newTestRouter()

	a := costAdapter("alpha", "m", 3, 3)
	b := costAdapter("beta", "m", 3, 3)
	candidates := []Candidate{
		{Name: "alpha", Adapter: a, Health: provider.HealthHealthy},
		{Name: "beta", Adapter: b, Health: provider.HealthHealthy},
	}

	got, _ := r.Select(candidates, "m")
	if got.Name != "alpha" {
		t.Fatalf("tie pick = %q, want alpha (earliest)", got.Name)
	}
}

func TestPerformancePicksBestRatio(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyPerformance))

	fastFlaky := perfAdapter("fast", 100*time.Millisecond, 0.5) // score 0.2s
	slowSolid := perfAdapter("slow", 150*time.Millisecond, 1.0) // score 0.15s
	candidates := []Candidate{
		{Name: "fast", Adapter: fastFlaky, Health: provider.HealthHealthy},
		{Name: "slow", Adapter: slowSolid, Health: provider.HealthHealthy},
	}

	got, _ := r.Select(candidates, "m")
	if got.Name != "slow" {
		t.Fatalf("Select = %q, want slow (better latency per success)", got.Name)
	}
}

func TestPerformanceFloorsSuccessRate(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyPerformance))

	dead := perfAdapter("dead", 10*time.Millisecond, 0) // floored to 0.1 -> 100ms
	ok := perfAdapter("ok", 50*time.Millisecond, 1.0)   // 50ms
	candidates := []Candidate{
		{Name: "dead", Adapter: dead, Health: provider.HealthHealthy},
		{Name: "ok", Adapter: ok, Health: provider.HealthHealthy},
	}

	got, _ := r.Select(candidates, "m")
	if got.Name != "ok" {
		t.Fatalf("Select = %q, want ok (zero success rate floored)", got.Name)
	}
}

func TestRoundRobinRotatesPerModel(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyRoundRobin), WithCacheTTL(0))

	candidates := []Candidate{
		{Name: "a", Adapter: mock.New("a"), Health: provider.HealthHealthy},
		{Name: "b", Adapter: mock.New("b"), Health: provider.HealthHealthy},
		{Name: "c", Adapter: mock.New("c"), Health: provider.HealthHealthy},
	}

	var picks []string
	for i := 0; i < 4; i++ {
		c, _ := r.Select(candidates, "model-x")
		picks = append(picks, c.Name)
	}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}

	// A different model starts its own rotation.
	c, _ := r.Select(candidates, "model-y")
	if c.Name != "a" {
		t.Fatalf("fresh model pick = %q, want a", c.Name)
	}
}

func TestHealthBasedPrefersHealthyTier(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyHealthBased), WithCacheTTL(0))

	candidates := []Candidate{
		{Name: "sick", Adapter: mock.New("sick"), Health: provider.HealthUnhealthy},
		{Name: "meh", Adapter: mock.New("meh"), Health: provider.HealthDegraded},
		{Name: "fine", Adapter: mock.New("fine"), Health: provider.HealthHealthy},
	}

	got, _ := r.Select(candidates, "m")
	if got.Name != "fine" {
		t.Fatalf("Select = %q, want fine (healthy tier)", got.Name)
	}

	// Without healthy candidates the degraded tier wins.
	candidates[2].Health = provider.HealthUnhealthy
	got, _ = r.Select(candidates, "m")
	if got.Name != "meh" {
		t.Fatalf("Select = %q, want meh (degraded tier)", got.Name)
	}

	// With nothing healthy or degraded any candidate may serve.
	candidates[1].Health = provider.HealthUnhealthy
	if _, ok := r.Select(candidates, "m"); !ok {
		t.Fatal("Select returned no pick with all candidates unhealthy")
	}
}

func TestWeightedUsesHealthScaledWeights(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyWeighted), WithCacheTTL(0))

	a := perfAdapter("a", 0, 1.0)
	b := perfAdapter("b", 0, 1.0)
	candidates := []Candidate{
		{Name: "a", Adapter: a, Health: provider.HealthUnhealthy}, // weight 0.1
		{Name: "b", Adapter: b, Health: provider.HealthHealthy},   // weight 1.0
	}

	// Total weight 1.1; targets below 0.1 land on a, above on b.
	r.randFloat = func() float64 { return 0.05 }
	if got, _ := r.Select(candidates, "m"); got.Name != "a" {
		t.Fatalf("low draw = %q, want a", got.Name)
	}
	r.randFloat = func() float64 { return 0.5 }
	if got, _ := r.Select(candidates, "m"); got.Name != "b" {
		t.Fatalf("high draw = %q, want b", got.Name)
	}
}

func TestSelectionCacheReusesPick(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyRoundRobin))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	candidates := []Candidate{
		{Name: "a", Adapter: mock.New("a"), Health: provider.HealthHealthy},
		{Name: "b", Adapter: mock.New("b"), Health: provider.HealthHealthy},
	}

	first, _ := r.Select(candidates, "m")
	second, _ := r.Select(candidates, "m")
	if first.Name != second.Name {
		t.Fatalf("cache miss: %q then %q, want repeated pick", first.Name, second.Name)
	}

	// Past the TTL the rotation resumes.
	now = now.Add(DefaultCacheTTL + time.Second)
	third, _ := r.Select(candidates, "m")
	if third.Name == first.Name {
		t.Fatalf("expired cache still returned %q", third.Name)
	}
}

func TestSelectionCacheInvalidatedByHealth(t *testing.T) {
	t.Parallel()
	r := newTestRouter(WithStrategy(StrategyRoundRobin))

	candidates := []Candidate{
		{Name: "a", Adapter: mock.New("a"), Health: provider.HealthHealthy},
		{Name: "b", Adapter: mock.New("b"), Health: provider.HealthHealthy},
	}

	first, _ := r.Select(candidates, "m")
	if first.Name != "a" {
		t.Fatalf("initial pick = %q, want a", first.Name)
	}

	// Cached pick goes unhealthy: the cache entry must not pin it.
	candidates[0].Health = provider.HealthUnhealthy
	second, _ := r.Select(candidates, "m")
	if second.Name != "b" {
		t.Fatalf("pick after a went unhealthy = %q, want b", second.Name)
	}
}

func TestSetStrategy(t *testing.T) {
	t.Parallel()
	r := newTestRouter()

	if r.SetStrategy("bogus") {
		t.Fatal("SetStrategy accepted an unknown strategy")
	}
	if !r.SetStrategy(StrategyWeighted) {
		t.Fatal("SetStrategy rejected a valid strategy")
	}
	if got := r.Strategy(); got != StrategyWeighted {
		t.Fatalf("Strategy = %q, want weighted", got)
	}
}
