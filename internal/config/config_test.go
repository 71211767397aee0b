package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/pkg/provider"
	"github.com/modelgate/modelgate/pkg/provider/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  log_format: json
  require_auth: true
  api_keys:
    - gw-key-1
    - gw-key-2
  api_key_header: X-API-Key
  rate_limit_max_requests: 120
  rate_limit_window_ms: 60000
  cors_enabled: true
  cors_origins:
    - https://app.example.com

router:
  strategy: performance
  selection_cache_ttl_ms: 30000

gateway:
  max_retries: 3
  retry_base_delay_ms: 1000
  retry_max_delay_ms: 10000
  queue_limit: 5000

providers:
  - name: openai
    kind: openai
    api_key: sk-file
    organization: org-123
  - name: gemini
    kind: gemini
    api_key: gm-file
  - name: claude
    kind: anyllm
    backend: anthropic
    models:
      - id: claude-sonnet-4
        type: completion
        capabilities: [completion, streaming]
        context_window: 200000
        input_cost: 3
        output_cost: 15

realtime:
  max_idle_seconds: 90
  models:
    custom-transcribe: openai

cache:
  backend: redis
  redis_addr: localhost:6379
  ttl_ms: 10000
`

// clearEnv neutralizes every gateway environment override so file values
// survive Parse. t.Setenv also marks the test as non-parallel.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{
		"OPENAI_API_KEY", "GEMINI_API_KEY", "API_KEY_HEADER", "REQUIRE_AUTH_HEADER",
		"RATE_LIMIT_WINDOW_MS", "RATE_LIMIT_MAX_REQUESTS", "CORS_ENABLED", "CORS_ORIGINS",
		"OPENAI_REALTIME_WS_URL", "GEMINI_LIVE_WS_URL", "GATEWAY_PORT",
	} {
		t.Setenv(v, "")
	}
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestParseValid(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr = %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.LogFormat != config.LogJSON {
		t.Errorf("server.log_format = %q, want %q", cfg.Server.LogFormat, config.LogJSON)
	}
	if !cfg.Server.RequireAuth {
		t.Error("server.require_auth = false, want true")
	}
	if len(cfg.Server.APIKeys) != 2 {
		t.Errorf("server.api_keys = %v, want 2 entries", cfg.Server.APIKeys)
	}
	if cfg.Server.RateLimitMaxRequests != 120 {
		t.Errorf("server.rate_limit_max_requests = %d, want 120", cfg.Server.RateLimitMaxRequests)
	}
	if got := cfg.Server.RateLimitWindow().Seconds(); got != 60 {
		t.Errorf("RateLimitWindow = %vs, want 60s", got)
	}
	if cfg.Router.Strategy != router.StrategyPerformance {
		t.Errorf("router.strategy = %q, want performance", cfg.Router.Strategy)
	}
	if cfg.Gateway.MaxRetries != 3 {
		t.Errorf("gateway.max_retries = %d, want 3", cfg.Gateway.MaxRetries)
	}
	if len(cfg.Providers) != 3 {
		t.Fatalf("providers = %d entries, want 3", len(cfg.Providers))
	}
	if cfg.Providers[0].APIKey != "sk-file" {
		t.Errorf("providers[0].api_key = %q, want sk-file", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[2].Kind != config.KindAnyLLM || cfg.Providers[2].Backend != "anthropic" {
		t.Errorf("providers[2] = %+v, want anyllm/anthropic", cfg.Providers[2])
	}
	if len(cfg.Providers[2].Models) != 1 || cfg.Providers[2].Models[0].ID != "claude-sonnet-4" {
		t.Fatalf("providers[2].models = %+v, want claude-sonnet-4", cfg.Providers[2].Models)
	}
	if cfg.Realtime.MaxIdleSeconds != 90 {
		t.Errorf("realtime.max_idle_seconds = %d, want 90", cfg.Realtime.MaxIdleSeconds)
	}
	if cfg.Realtime.Models["custom-transcribe"] != "openai" {
		t.Errorf("realtime.models = %v, want custom-transcribe: openai", cfg.Realtime.Models)
	}
	if cfg.Cache.Backend != config.CacheRedis || cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("cache = %+v, want redis at localhost:6379", cfg.Cache)
	}
}

func TestParseEmptyIsValid(t *testing.T) {
	clearEnv(t)
	if _, err := config.Parse([]byte("{}")); err != nil {
		t.Fatalf("Parse empty config: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	_, err := config.Parse([]byte("serverr:\n  listen_addr: ':1'\n"))
	if err == nil {
		t.Fatal("Parse with unknown top-level field = nil, want error")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func parseWantErr(t *testing.T, yaml, fragment string) {
	t.Helper()
	_, err := config.Parse([]byte(yaml))
	if err == nil {
		t.Fatalf("Parse = nil error, want one mentioning %q", fragment)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Errorf("error = %v, want mention of %q", err, fragment)
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "server:\n  log_level: verbose\n", "log_level")
}

func TestValidateInvalidLogFormat(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "server:\n  log_format: xml\n", "log_format")
}

func TestValidateInvalidStrategy(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "router:\n  strategy: psychic\n", "strategy")
}

func TestValidateNegativeRateLimit(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "server:\n  rate_limit_max_requests: -1\n", "rate_limit_max_requests")
}

func TestValidateNegativeGatewayField(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "gateway:\n  max_retries: -2\n", "max_retries")
}

func TestValidateProviderMissingName(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "providers:\n  - kind: openai\n", "name is required")
}

func TestValidateDuplicateProviderName(t *testing.T) {
	clearEnv(t)
	yaml := `
providers:
  - name: twin
    kind: openai
    api_key: a
  - name: twin
    kind: gemini
    api_key: b
`
	parseWantErr(t, yaml, "duplicate")
}

func TestValidateInvalidProviderKind(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "providers:\n  - name: x\n    kind: cohere\n", "kind")
}

func TestValidateAnyLLMRequiresBackend(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "providers:\n  - name: x\n    kind: anyllm\n", "backend is required")
}

func TestValidateInvalidModelType(t *testing.T) {
	clearEnv(t)
	yaml := `
providers:
  - name: x
    kind: openai
    api_key: k
    models:
      - id: m1
        type: hologram
`
	parseWantErr(t, yaml, "type")
}

func TestValidateInvalidCapability(t *testing.T) {
	clearEnv(t)
	yaml := `
providers:
  - name: x
    kind: openai
    api_key: k
    models:
      - id: m1
        capabilities: [flying]
`
	parseWantErr(t, yaml, "capability")
}

func TestValidateCacheRedisNeedsAddr(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "cache:\n  backend: redis\n", "redis_addr")
}

func TestValidateInvalidCacheBackend(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "cache:\n  backend: memcached\n", "cache.backend")
}

func TestValidateNegativeIdle(t *testing.T) {
	clearEnv(t)
	parseWantErr(t, "realtime:\n  max_idle_seconds: -5\n", "max_idle_seconds")
}

func TestLogLevelToSlog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("Level(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── Model descriptors ─────────────────────────────────────────────────────────

func TestModelConfigDescriptor(t *testing.T) {
	t.Parallel()
	m := config.ModelConfig{
		ID:            "claude-sonnet-4",
		Type:          provider.ModelTypeCompletion,
		Capabilities:  []provider.Capability{provider.CapCompletion, provider.CapStreaming},
		ContextWindow: 200000,
		InputCost:     3,
		OutputCost:    15,
	}
	d := m.Descriptor("claude")
	if d.Provider != "claude" {
		t.Errorf("Provider = %q, want claude", d.Provider)
	}
	if d.Costs == nil || d.Costs.InputCost != 3 || d.Costs.OutputCost != 15 {
		t.Fatalf("Costs = %+v, want 3/15", d.Costs)
	}
	if d.Costs.Unit != "1M tokens" {
		t.Errorf("Costs.Unit = %q, want 1M tokens", d.Costs.Unit)
	}

	free := config.ModelConfig{ID: "local-model", Type: provider.ModelTypeCompletion}
	if got := free.Descriptor("ollama"); got.Costs != nil {
		t.Errorf("Costs for costless model = %+v, want nil", got.Costs)
	}
}

// ── Factories ─────────────────────────────────────────────────────────────────

func TestBuildersUnknownKind(t *testing.T) {
	t.Parallel()
	b := config.NewBuilders()
	_, err := b.Build(config.ProviderConfig{Name: "x", Kind: config.KindOpenAI})
	if !errors.Is(err, config.ErrFactoryNotRegistered) {
		t.Fatalf("Build = %v, want ErrFactoryNotRegistered", err)
	}
}

func TestBuildersBuild(t *testing.T) {
	t.Parallel()
	b := config.NewBuilders()
	var gotEntry config.ProviderConfig
	b.Register(config.KindOpenAI, func(entry config.ProviderConfig) (provider.Adapter, error) {
		gotEntry = entry
		return mock.New(entry.Name), nil
	})

	a, err := b.Build(config.ProviderConfig{Name: "primary", Kind: config.KindOpenAI, APIKey: "sk"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.Name() != "primary" {
		t.Errorf("adapter name = %q, want primary", a.Name())
	}
	if gotEntry.APIKey != "sk" {
		t.Errorf("factory entry = %+v, want APIKey sk", gotEntry)
	}
}
