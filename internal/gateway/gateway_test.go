package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelgate/modelgate/internal/registry"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/pkg/provider"
	"github.com/modelgate/modelgate/pkg/provider/mock"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

type namedAdapter struct {
	name    string
	adapter *mock.Adapter
}

type fixture struct {
	g      *Gateway
	reg    *registry.Registry
	delays []time.Duration
	mu     sync.Mutex
}

// newFixture registers the adapters in order, initializes, and swaps the
// backoff sleep for an instant one that records the requested delays.
func newFixture(t *testing.T, strategy router.Strategy, cfg Config, adapters ...namedAdapter) *fixture {
	t.Helper()
	reg := registry.New(registry.WithLogger(discard()), registry.WithProbeTimeout(time.Second))
	for _, na := range adapters {
		if err := reg.Register(na.name, na.adapter); err != nil {
			t.Fatalf("Register(%s): %v", na.name, err)
		}
	}
	rtr := router.New(router.WithStrategy(strategy), router.WithLogger(discard()), router.WithCacheTTL(0))
	g := New(reg, rtr, WithLogger(discard()), WithConfig(cfg))

	f := &fixture{g: g, reg: reg}
	g.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.delays = append(f.delays, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	g.Initialize(context.Background())
	return f
}

func (f *fixture) recordedDelays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.delays))
	copy(out, f.delays)
	return out
}

func chatReq(model string) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:    model,
		Messages: []provider.ChatMessage{provider.TextMessage("user", "hi")},
	}
}

func modelFor(name, id string, in, out float64) provider.ModelDescriptor {
	return mock.Model(id, name, provider.ModelTypeCompletion, &provider.CostInfo{InputCost: in, OutputCost: out})
}

func TestUninitializedRejects(t *testing.T) {
	t.Parallel()
	reg := registry.New(registry.WithLogger(discard()))
	g := New(reg, router.New(router.WithLogger(discard())), WithLogger(discard()))

	_, err := g.ChatCompletion(context.Background(), chatReq("m"))
	if provider.KindOf(err) != provider.KindInternal {
		t.Fatalf("error kind = %v, want internal", provider.KindOf(err))
	}
}

func TestChatValidationRejectsBeforeRouting(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})

	_, err := f.g.ChatCompletion(context.Background(), &provider.ChatRequest{Model: "m"})
	if provider.KindOf(err) != provider.KindValidation {
		t.Fatalf("error kind = %v, want validation", provider.KindOf(err))
	}
	if a.ChatCalls() != 0 {
		t.Fatalf("adapter called %d times for an invalid request", a.ChatCalls())
	}
}

func TestModelNotFound(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})

	_, err := f.g.ChatCompletion(context.Background(), chatReq("ghost-model"))
	if provider.KindOf(err) != provider.KindModelNotFound {
		t.Fatalf("error kind = %v, want model_not_found", provider.KindOf(err))
	}
}

func TestCostOptimizedRoutesCheapestProvider(t *testing.T) {
	t.Parallel()
	expensive := mock.New("alpha", modelFor("alpha", "gpt-test-1", 10, 30))
	cheap := mock.New("beta", modelFor("beta", "gpt-test-1", 1, 2))
	f := newFixture(t, router.StrategyCostOptimized, Config{},
		namedAdapter{"alpha", expensive}, namedAdapter{"beta", cheap})

	res, err := f.g.ChatCompletion(context.Background(), chatReq("gpt-test-1"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("served by %q, want beta", res.Provider)
	}
	if expensive.ChatCalls() != 0 || cheap.ChatCalls() != 1 {
		t.Errorf("calls alpha/beta = %d/%d, want 0/1", expensive.ChatCalls(), cheap.ChatCalls())
	}
}

func TestRetryBudgetAndBackoff(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	var calls atomic.Int32
	a.ChatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if calls.Add(1) <= 2 {
			return nil, provider.Transient("alpha", "upstream 503", nil)
		}
		return &provider.ChatResponse{Model: req.Model, Provider: "alpha"}, nil
	}
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})

	res, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Provider != "alpha" {
		t.Errorf("provider = %q, want alpha", res.Provider)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	want := []time.Duration{time.Second, 2 * time.Second}
	got := f.recordedDelays()
	if len(got) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff delays = %v, want %v", got, want)
		}
	}
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.ChatErr = provider.Transient("alpha", "always failing", nil)
	f := newFixture(t, router.StrategyCostOptimized, Config{MaxRetries: 6}, namedAdapter{"alpha", a})

	_, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if err == nil {
		t.Fatal("ChatCompletion succeeded, want error")
	}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
	}
	got := f.recordedDelays()
	if len(got) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff delays = %v, want %v", got, want)
		}
	}
}

func TestNonRetryableFailsFast(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.ChatErr = provider.Authentication("alpha", "bad key")
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})

	_, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if provider.KindOf(err) != provider.KindAuthentication {
		t.Fatalf("error kind = %v, want authentication", provider.KindOf(err))
	}
	if a.ChatCalls() != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on auth errors)", a.ChatCalls())
	}
	if len(f.recordedDelays()) != 0 {
		t.Errorf("backoff slept for a non-retryable error")
	}
}

func TestFailoverToSecondProvider(t *testing.T) {
	t.Parallel()
	failing := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	failing.ChatErr = provider.Fatal("alpha", "quota exhausted")
	healthy := mock.New("beta", modelFor("beta", "m", 5, 5))
	f := newFixture(t, router.StrategyCostOptimized, Config{},
		namedAdapter{"alpha", failing}, namedAdapter{"beta", healthy})

	res, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("served by %q, want beta after failover", res.Provider)
	}
	// provider_fatal is not retryable: exactly one attempt on the primary.
	if failing.ChatCalls() != 1 {
		t.Errorf("primary attempts = %d, want 1", failing.ChatCalls())
	}
	if healthy.ChatCalls() != 1 {
		t.Errorf("fallback attempts = %d, want 1", healthy.ChatCalls())
	}
}

func TestFailoverFailureSurfacesFallbackError(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.ChatErr = provider.Fatal("alpha", "quota exhausted")
	b := mock.New("beta", modelFor("beta", "m", 5, 5))
	b.ChatErr = provider.Fatal("beta", "also broken")
	f := newFixture(t, router.StrategyCostOptimized, Config{},
		namedAdapter{"alpha", a}, namedAdapter{"beta", b})

	_, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	pe, ok := provider.AsError(err)
	if !ok {
		t.Fatalf("error %v is not a typed provider error", err)
	}
	if pe.Provider != "beta" {
		t.Errorf("surfaced error from %q, want beta (the last attempt)", pe.Provider)
	}
	if b.ChatCalls() != 1 {
		t.Errorf("fallback attempts = %d, want exactly 1", b.ChatCalls())
	}
}

func TestNoFailoverForCallerFaults(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.ChatErr = provider.Validation("messages rejected upstream", nil)
	b := mock.New("beta", modelFor("beta", "m", 5, 5))
	f := newFixture(t, router.StrategyCostOptimized, Config{},
		namedAdapter{"alpha", a}, namedAdapter{"beta", b})

	_, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if provider.KindOf(err) != provider.KindValidation {
		t.Fatalf("error kind = %v, want validation", provider.KindOf(err))
	}
	if b.ChatCalls() != 0 {
		t.Errorf("fallback called %d times for a caller fault", b.ChatCalls())
	}
}

func TestBreakerOpensAndFastRejects(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.ChatErr = provider.Transient("alpha", "upstream down", nil)
	f := newFixture(t, router.StrategyCostOptimized, Config{
		BreakerThreshold: 5,
		BreakerTimeout:   time.Hour,
	}, namedAdapter{"alpha", a})

	// First request burns 3 attempts (failures 1-3).
	if _, err := f.g.ChatCompletion(context.Background(), chatReq("m")); err == nil {
		t.Fatal("want error from failing provider")
	}
	// Second request: attempts 4 and 5 open the breaker; the third
	// attempt is rejected by the now-open breaker.
	_, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if provider.KindOf(err) != provider.KindCircuitOpen {
		t.Fatalf("error kind = %v, want circuit_open", provider.KindOf(err))
	}
	if got := a.ChatCalls(); got != 5 {
		t.Fatalf("upstream calls = %d, want 5 (breaker opened at threshold)", got)
	}

	snaps := f.g.BreakerSnapshots()
	if len(snaps) != 1 || snaps[0].State != "open" {
		t.Fatalf("breaker snapshots = %+v, want one open breaker", snaps)
	}

	// Third request: last-resort admission forces a half-open probe,
	// which fails and reopens the breaker.
	_, err = f.g.ChatCompletion(context.Background(), chatReq("m"))
	if err == nil {
		t.Fatal("want error from forced probe")
	}
	if got := a.ChatCalls(); got != 6 {
		t.Fatalf("upstream calls = %d, want 6 (single forced probe)", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.ChatErr = provider.Transient("alpha", "upstream down", nil)
	f := newFixture(t, router.StrategyCostOptimized, Config{
		MaxRetries:               1,
		BreakerThreshold:         2,
		BreakerTimeout:           time.Millisecond,
		BreakerHalfOpenSuccesses: 2,
	}, namedAdapter{"alpha", a})

	ctx := context.Background()
	f.g.ChatCompletion(ctx, chatReq("m"))
	f.g.ChatCompletion(ctx, chatReq("m")) // breaker opens

	// Provider recovers; the open timeout elapses.
	a.ChatErr = nil
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if _, err := f.g.ChatCompletion(ctx, chatReq("m")); err != nil {
			t.Fatalf("request %d during recovery: %v", i+1, err)
		}
	}
	snaps := f.g.BreakerSnapshots()
	if len(snaps) != 1 || snaps[0].State != "closed" {
		t.Fatalf("breaker = %+v, want closed after half-open successes", snaps)
	}
}

func TestConcurrencyCapParksInQueue(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	gate := make(chan struct{})
	a.ChatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		<-gate
		return &provider.ChatResponse{Model: req.Model, Provider: "alpha"}, nil
	}
	f := newFixture(t, router.StrategyCostOptimized, Config{MaxConcurrent: 1}, namedAdapter{"alpha", a})

	ctx := context.Background()
	results := make(chan error, 2)
	go func() { _, err := f.g.ChatCompletion(ctx, chatReq("m")); results <- err }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		inflight := f.g.InFlight()
		if inflight["alpha"] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first request never took the slot")
		}
		time.Sleep(time.Millisecond)
	}

	go func() { _, err := f.g.ChatCompletion(ctx, chatReq("m")); results <- err }()
	for f.g.QueueDepth() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("second request never parked in the queue")
		}
		time.Sleep(time.Millisecond)
	}

	close(gate) // both requests may now finish
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("request %d: %v", i+1, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("requests did not complete after slot release")
		}
	}
	if got := a.ChatCalls(); got != 2 {
		t.Fatalf("upstream calls = %d, want 2", got)
	}
}

func TestQueueOverflowRejects(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	gate := make(chan struct{})
	a.ChatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		<-gate
		return &provider.ChatResponse{Provider: "alpha"}, nil
	}
	f := newFixture(t, router.StrategyCostOptimized, Config{MaxConcurrent: 1, QueueLimit: 1}, namedAdapter{"alpha", a})
	defer close(gate)

	ctx := context.Background()
	go f.g.ChatCompletion(ctx, chatReq("m")) // holds the slot
	deadline := time.Now().Add(2 * time.Second)
	for f.g.InFlight()["alpha"] != 1 {
		if time.Now().After(deadline) {
			t.Fatal("slot never taken")
		}
		time.Sleep(time.Millisecond)
	}
	go f.g.ChatCompletion(ctx, chatReq("m")) // parks
	for f.g.QueueDepth() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never parked")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := f.g.ChatCompletion(ctx, chatReq("m"))
	if provider.KindOf(err) != provider.KindQueueFull {
		t.Fatalf("error kind = %v, want queue_full", provider.KindOf(err))
	}
}

func TestUnhealthyProviderExcluded(t *testing.T) {
	t.Parallel()
	cheapSick := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	cheapSick.HealthErr = errors.New("refused")
	pricey := mock.New("beta", modelFor("beta", "m", 9, 9))
	f := newFixture(t, router.StrategyCostOptimized, Config{},
		namedAdapter{"alpha", cheapSick}, namedAdapter{"beta", pricey})

	f.reg.CheckAll(context.Background())

	res, err := f.g.ChatCompletion(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("served by %q, want beta (alpha unhealthy)", res.Provider)
	}
	if cheapSick.ChatCalls() != 0 {
		t.Errorf("unhealthy provider was called %d times", cheapSick.ChatCalls())
	}
}

func TestStreamForwardsChunksAndReleasesSlot(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	f := newFixture(t, router.StrategyCostOptimized, Config{MaxConcurrent: 1}, namedAdapter{"alpha", a})

	ch, err := f.g.StreamChatCompletion(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("StreamChatCompletion: %v", err)
	}
	var chunks int
	for range ch {
		chunks++
	}
	if chunks == 0 {
		t.Fatal("no chunks forwarded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.g.InFlight()["alpha"] != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream slot never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamStartErrorFailsOver(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.StreamErr = provider.Fatal("alpha", "stream rejected")
	b := mock.New("beta", modelFor("beta", "m", 5, 5))
	f := newFixture(t, router.StrategyCostOptimized, Config{},
		namedAdapter{"alpha", a}, namedAdapter{"beta", b})

	ch, err := f.g.StreamChatCompletion(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("StreamChatCompletion: %v", err)
	}
	for range ch {
	}
	if b.StreamCalls() != 1 {
		t.Errorf("fallback stream calls = %d, want 1", b.StreamCalls())
	}
}

func TestStreamInBandErrorAdvancesBreaker(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	a.StreamChunks = []provider.ChatChunk{
		{Model: "m", Choices: []provider.ChunkChoice{{Delta: provider.ChunkDelta{Content: "hel"}}}},
		{Model: "m", Err: provider.Transient("alpha", "connection reset mid-stream", nil)},
	}
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})

	ch, err := f.g.StreamChatCompletion(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("StreamChatCompletion: %v", err)
	}
	var sawErr bool
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("in-band error chunk not forwarded")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snaps := f.g.BreakerSnapshots()
		if len(snaps) == 1 && snaps[0].FailureCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("breaker never recorded the stream failure: %+v", f.g.BreakerSnapshots())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunConsumesHealthEvents(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m", 1, 1))
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.g.Run(ctx)

	f.reg.CheckAll(context.Background()) // unknown -> healthy transition

	deadline := time.Now().Add(2 * time.Second)
	for f.g.healthEvents.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("gateway never consumed the health event")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEmbeddingTranscribeTranslateSpeech(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha",
		mock.Model("embed-1", "alpha", provider.ModelTypeEmbedding, nil),
		mock.Model("stt-1", "alpha", provider.ModelTypeTranscription, nil),
		mock.Model("tts-1", "alpha", provider.ModelTypeTTS, nil),
	)
	f := newFixture(t, router.StrategyCostOptimized, Config{}, namedAdapter{"alpha", a})
	ctx := context.Background()

	embedReq := &provider.EmbeddingRequest{Model: "embed-1", Input: []byte(`"hello"`)}
	if _, err := f.g.CreateEmbedding(ctx, embedReq); err != nil {
		t.Fatalf("CreateEmbedding: %v", err)
	}

	sttReq := &provider.TranscriptionRequest{Model: "stt-1", File: []byte{1, 2}, Filename: "a.wav"}
	if _, err := f.g.TranscribeAudio(ctx, sttReq); err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if _, err := f.g.TranslateAudio(ctx, sttReq); err != nil {
		t.Fatalf("TranslateAudio: %v", err)
	}
	if got := a.STTCalls(); got != 2 {
		t.Errorf("stt calls = %d, want 2", got)
	}

	ttsReq := &provider.SpeechRequest{Model: "tts-1", Input: "hello", Voice: "alloy"}
	if _, err := f.g.GenerateSpeech(ctx, ttsReq); err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if f.g.QueueDepth() != 0 {
		t.Errorf("queue depth = %d, want 0", f.g.QueueDepth())
	}
}

type stubEstimator struct {
	mu    sync.Mutex
	calls int
}

func (s *stubEstimator) EstimateUsage(req *provider.ChatRequest, resp *provider.ChatResponse) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if resp.Usage == nil {
		resp.Usage = &provider.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	}
}

func (s *stubEstimator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestChatCompletionBackfillsUsage(t *testing.T) {
	t.Parallel()
	a := mock.New("alpha", modelFor("alpha", "m1", 1, 2))
	reg := registry.New(registry.WithLogger(discard()), registry.WithProbeTimeout(time.Second))
	if err := reg.Register("alpha", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rtr := router.New(router.WithStrategy(router.StrategyCostOptimized), router.WithLogger(discard()), router.WithCacheTTL(0))
	est := &stubEstimator{}
	g := New(reg, rtr, WithLogger(discard()), WithUsageEstimator(est))
	g.Initialize(context.Background())

	res, err := g.ChatCompletion(context.Background(), chatReq("m1"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Usage == nil {
		t.Fatal("Usage = nil, want backfilled")
	}
	if res.Usage.TotalTokens != 3 {
		t.Errorf("TotalTokens = %d, want 3", res.Usage.TotalTokens)
	}
	if got := est.count(); got != 1 {
		t.Errorf("estimator calls = %d, want 1", got)
	}
}

func TestChatCompletionKeepsProviderUsage(t *testing.T) {
	t.Parallel()
	metered := &provider.Usage{PromptTokens: 40, CompletionTokens: 60, TotalTokens: 100}
	a := mock.New("alpha", modelFor("alpha", "m1", 1, 2))
	a.ChatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{
			ID:       "resp-1",
			Model:    req.Model,
			Provider: "alpha",
			Choices: []provider.ChatChoice{{
				Message:      provider.TextMessage("assistant", "ok"),
				FinishReason: "stop",
			}},
			Usage: metered,
		}, nil
	}
	reg := registry.New(registry.WithLogger(discard()), registry.WithProbeTimeout(time.Second))
	if err := reg.Register("alpha", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rtr := router.New(router.WithStrategy(router.StrategyCostOptimized), router.WithLogger(discard()), router.WithCacheTTL(0))
	g := New(reg, rtr, WithLogger(discard()), WithUsageEstimator(&stubEstimator{}))
	g.Initialize(context.Background())

	res, err := g.ChatCompletion(context.Background(), chatReq("m1"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Usage != metered {
		t.Errorf("Usage = %+v, want provider-metered numbers untouched", res.Usage)
	}
	if res.Usage.TotalTokens != 100 {
		t.Errorf("TotalTokens = %d, want 100", res.Usage.TotalTokens)
	}
}
