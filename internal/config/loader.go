package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists the any-llm-go backend names the anyllm kind accepts.
// Used by [Validate] to warn about likely typos.
var KnownBackends = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// KnownRealtimeUpstreams lists the upstream families the realtime hub can
// dial.
var KnownRealtimeUpstreams = []string{"openai", "gemini"}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML config, applies environment overrides, and validates
// the result. Unknown YAML fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the gateway's environment variables.
// Environment values win over file values; malformed values are logged and
// ignored.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].Kind == KindOpenAI {
				cfg.Providers[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		for i := range cfg.Providers {
			if cfg.Providers[i].Kind == KindGemini {
				cfg.Providers[i].APIKey = v
			}
		}
	}
	if v := os.Getenv("API_KEY_HEADER"); v != "" {
		cfg.Server.APIKeyHeader = v
	}
	envBool("REQUIRE_AUTH_HEADER", &cfg.Server.RequireAuth)
	envInt("RATE_LIMIT_WINDOW_MS", &cfg.Server.RateLimitWindowMS)
	envInt("RATE_LIMIT_MAX_REQUESTS", &cfg.Server.RateLimitMaxRequests)
	envBool("CORS_ENABLED", &cfg.Server.CORSEnabled)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.CORSOrigins = origins
	}
	if v := os.Getenv("OPENAI_REALTIME_WS_URL"); v != "" {
		cfg.Realtime.OpenAIWSURL = v
	}
	if v := os.Getenv("GEMINI_LIVE_WS_URL"); v != "" {
		cfg.Realtime.GeminiWSURL = v
	}
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed env override", "var", name, "value", v)
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed env override", "var", name, "value", v)
		return
	}
	*dst = b
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.RateLimitMaxRequests < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_max_requests must not be negative, got %d", cfg.Server.RateLimitMaxRequests))
	}
	if cfg.Server.RateLimitWindowMS < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_window_ms must not be negative, got %d", cfg.Server.RateLimitWindowMS))
	}

	// Router
	if cfg.Router.Strategy != "" && !cfg.Router.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("router.strategy %q is invalid; valid values: cost_optimized, performance, round_robin, health_based, weighted", cfg.Router.Strategy))
	}

	// Gateway
	for _, f := range []struct {
		name string
		v    int
	}{
		{"gateway.max_retries", cfg.Gateway.MaxRetries},
		{"gateway.retry_base_delay_ms", cfg.Gateway.RetryBaseDelayMS},
		{"gateway.retry_max_delay_ms", cfg.Gateway.RetryMaxDelayMS},
		{"gateway.max_concurrent", cfg.Gateway.MaxConcurrent},
		{"gateway.queue_limit", cfg.Gateway.QueueLimit},
		{"gateway.breaker_threshold", cfg.Gateway.BreakerThreshold},
		{"gateway.breaker_timeout_ms", cfg.Gateway.BreakerTimeoutMS},
		{"gateway.breaker_half_open_successes", cfg.Gateway.BreakerHalfOpenSuccesses},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", f.name, f.v))
		}
	}

	// Providers
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured; every /v1 request will fail with MODEL_NOT_FOUND")
	}
	namesSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: openai, gemini, anyllm", prefix, p.Kind))
		}
		if p.Kind == KindAnyLLM {
			if p.Backend == "" {
				errs = append(errs, fmt.Errorf("%s.backend is required when kind is anyllm", prefix))
			} else if !slices.Contains(KnownBackends, strings.ToLower(p.Backend)) {
				slog.Warn("unknown any-llm backend — may be a typo",
					"provider", p.Name,
					"backend", p.Backend,
					"known", KnownBackends,
				)
			}
		}
		if (p.Kind == KindOpenAI || p.Kind == KindGemini) && p.APIKey == "" {
			slog.Warn("provider has no api_key; set it in the file or via the environment",
				"provider", p.Name,
				"kind", p.Kind,
			)
		}
		if p.TimeoutMS < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_ms must not be negative, got %d", prefix, p.TimeoutMS))
		}
		for j, m := range p.Models {
			mprefix := fmt.Sprintf("%s.models[%d]", prefix, j)
			if m.ID == "" {
				errs = append(errs, fmt.Errorf("%s.id is required", mprefix))
			}
			if m.Type != "" && !m.Type.IsValid() {
				errs = append(errs, fmt.Errorf("%s.type %q is invalid; valid values: completion, embedding, transcription, tts", mprefix, m.Type))
			}
			for _, c := range m.Capabilities {
				if !c.IsValid() {
					errs = append(errs, fmt.Errorf("%s.capabilities contains unknown capability %q", mprefix, c))
				}
			}
		}
	}

	// Realtime
	if cfg.Realtime.MaxIdleSeconds < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_idle_seconds must not be negative, got %d", cfg.Realtime.MaxIdleSeconds))
	}
	for model, upstream := range cfg.Realtime.Models {
		if !slices.Contains(KnownRealtimeUpstreams, upstream) {
			slog.Warn("realtime model maps to an unknown upstream",
				"model", model,
				"upstream", upstream,
				"known", KnownRealtimeUpstreams,
			)
		}
	}

	// Cache
	if !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis (or empty to disable)", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("cache.redis_addr is required when cache.backend is redis"))
	}
	if cfg.Cache.TTLMS < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_ms must not be negative, got %d", cfg.Cache.TTLMS))
	}

	return errors.Join(errs...)
}
