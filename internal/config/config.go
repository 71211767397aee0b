// Package config provides the configuration schema, loader, adapter
// factories, and file watcher for the modelgate gateway.
package config

import (
	"log/slog"
	"time"

	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/pkg/provider"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto slog's scale. Unset or unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler emitted by main.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// ProviderKind selects the adapter implementation for a provider entry.
type ProviderKind string

const (
	// KindOpenAI is the OpenAI-compatible adapter (chat, embeddings, audio).
	KindOpenAI ProviderKind = "openai"

	// KindGemini is the Gemini-compatible adapter.
	KindGemini ProviderKind = "gemini"

	// KindAnyLLM is the chat-only extension adapter bridging any-llm-go
	// backends (anthropic, ollama, and friends).
	KindAnyLLM ProviderKind = "anyllm"
)

// IsValid reports whether k is a recognised provider kind.
func (k ProviderKind) IsValid() bool {
	switch k {
	case KindOpenAI, KindGemini, KindAnyLLM:
		return true
	}
	return false
}

// CacheBackend selects the catalog cache implementation.
type CacheBackend string

const (
	// CacheNone disables response caching.
	CacheNone CacheBackend = ""

	// CacheMemory keeps cached entries in process memory.
	CacheMemory CacheBackend = "memory"

	// CacheRedis shares cached entries across replicas through Redis.
	CacheRedis CacheBackend = "redis"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	switch b {
	case CacheNone, CacheMemory, CacheRedis:
		return true
	}
	return false
}

// Config is the root configuration structure for the gateway. It is loaded
// from a YAML file with [Load], which also applies environment overrides.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Router    RouterConfig     `yaml:"router"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Providers []ProviderConfig `yaml:"providers"`
	Realtime  RealtimeConfig   `yaml:"realtime"`
	Cache     CacheConfig      `yaml:"cache"`
}

// ServerConfig holds network, logging, and request-policy settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or json log output.
	LogFormat LogFormat `yaml:"log_format"`

	// RequireAuth gates /v1 routes behind an API key.
	RequireAuth bool `yaml:"require_auth"`

	// APIKeys are the accepted gateway keys. Empty with RequireAuth set
	// means any non-empty credential passes.
	APIKeys []string `yaml:"api_keys"`

	// APIKeyHeader is the non-Authorization header carrying the key.
	APIKeyHeader string `yaml:"api_key_header"`

	// RateLimitMaxRequests is the per-client budget per window. Zero
	// disables rate limiting.
	RateLimitMaxRequests int `yaml:"rate_limit_max_requests"`

	// RateLimitWindowMS is the budget refill interval in milliseconds.
	RateLimitWindowMS int `yaml:"rate_limit_window_ms"`

	// CORSEnabled turns on cross-origin headers for the /v1 routes.
	CORSEnabled bool `yaml:"cors_enabled"`

	// CORSOrigins is the allowed origin list. Empty or containing "*"
	// allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

// RateLimitWindow returns the configured window as a duration.
func (s ServerConfig) RateLimitWindow() time.Duration {
	return time.Duration(s.RateLimitWindowMS) * time.Millisecond
}

// RouterConfig selects the routing policy.
type RouterConfig struct {
	// Strategy names the selection policy. Empty keeps the default
	// (cost_optimized).
	Strategy router.Strategy `yaml:"strategy"`

	// SelectionCacheTTLMS overrides the selection cache lifetime. Zero
	// keeps the router default; negative disables the cache.
	SelectionCacheTTLMS int `yaml:"selection_cache_ttl_ms"`
}

// GatewayConfig tunes the orchestrator's retry, admission, and breaker
// behaviour. Zero values keep the built-in defaults.
type GatewayConfig struct {
	MaxRetries               int `yaml:"max_retries"`
	RetryBaseDelayMS         int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMS          int `yaml:"retry_max_delay_ms"`
	MaxConcurrent            int `yaml:"max_concurrent"`
	QueueLimit               int `yaml:"queue_limit"`
	BreakerThreshold         int `yaml:"breaker_threshold"`
	BreakerTimeoutMS         int `yaml:"breaker_timeout_ms"`
	BreakerHalfOpenSuccesses int `yaml:"breaker_half_open_successes"`
}

// ProviderConfig declares one upstream provider to register.
type ProviderConfig struct {
	// Name registers the adapter under this name. Must be unique.
	Name string `yaml:"name"`

	// Kind selects the adapter implementation.
	Kind ProviderKind `yaml:"kind"`

	// Backend names the any-llm-go backend for anyllm entries (anthropic,
	// ollama, ...). Ignored by the other kinds.
	Backend string `yaml:"backend"`

	// APIKey is the upstream credential. OPENAI_API_KEY / GEMINI_API_KEY
	// override it for the matching kinds.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the upstream endpoint. Required for self-hosted
	// OpenAI-compatible backends.
	BaseURL string `yaml:"base_url"`

	// Organization sets the OpenAI-Organization header. OpenAI kind only.
	Organization string `yaml:"organization"`

	// TimeoutMS bounds each upstream HTTP request.
	TimeoutMS int `yaml:"timeout_ms"`

	// Models replaces the adapter's built-in catalog.
	Models []ModelConfig `yaml:"models"`
}

// ModelConfig describes one catalog entry for a provider's model override.
type ModelConfig struct {
	ID            string                `yaml:"id"`
	Type          provider.ModelType    `yaml:"type"`
	Capabilities  []provider.Capability `yaml:"capabilities"`
	ContextWindow int                   `yaml:"context_window"`
	MaxTokens     int                   `yaml:"max_tokens"`
	Dimensions    int                   `yaml:"dimensions"`
	InputCost     float64               `yaml:"input_cost"`
	OutputCost    float64               `yaml:"output_cost"`
}

// Descriptor converts the entry into the wire descriptor advertised under
// providerName.
func (m ModelConfig) Descriptor(providerName string) provider.ModelDescriptor {
	d := provider.ModelDescriptor{
		ID:            m.ID,
		Provider:      providerName,
		Type:          m.Type,
		Capabilities:  m.Capabilities,
		ContextWindow: m.ContextWindow,
		MaxTokens:     m.MaxTokens,
		Dimensions:    m.Dimensions,
	}
	if m.InputCost != 0 || m.OutputCost != 0 {
		d.Costs = &provider.CostInfo{
			InputCost:  m.InputCost,
			OutputCost: m.OutputCost,
			Currency:   "USD",
			Unit:       "1M tokens",
		}
	}
	return d
}

// RealtimeConfig tunes the realtime transcription hub.
type RealtimeConfig struct {
	// OpenAIWSURL overrides the OpenAI realtime WebSocket endpoint.
	OpenAIWSURL string `yaml:"openai_ws_url"`

	// GeminiWSURL overrides the Gemini Live WebSocket endpoint.
	GeminiWSURL string `yaml:"gemini_ws_url"`

	// MaxIdleSeconds closes sessions idle beyond this bound. Default 60.
	MaxIdleSeconds int `yaml:"max_idle_seconds"`

	// Models maps realtime model ids onto upstream families ("openai" or
	// "gemini"), extending the built-in resolution table.
	Models map[string]string `yaml:"models"`
}

// CacheConfig selects and tunes the optional catalog cache.
type CacheConfig struct {
	// Backend picks the implementation. Empty disables caching.
	Backend CacheBackend `yaml:"backend"`

	// RedisAddr is the host:port of the Redis server. Redis backend only.
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates against Redis. May be empty.
	RedisPassword string `yaml:"redis_password"`

	// RedisDB selects the Redis database number.
	RedisDB int `yaml:"redis_db"`

	// TTLMS is the default entry lifetime in milliseconds.
	TTLMS int `yaml:"ttl_ms"`

	// Prefix namespaces Redis keys.
	Prefix string `yaml:"prefix"`
}
