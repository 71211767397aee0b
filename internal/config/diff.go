package config

import (
	"reflect"
	"slices"

	"github.com/modelgate/modelgate/internal/router"
)

// ConfigDiff describes what changed between two configs. Changes that can be
// applied to a running gateway (log level, routing strategy, rate limits) are
// tracked individually; every other change lands in Structural and needs a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	StrategyChanged bool
	NewStrategy     router.Strategy

	RateLimitChanged     bool
	NewRateLimitMax      int
	NewRateLimitWindowMS int

	// Structural names the config sections whose changes only take effect
	// after a restart.
	Structural []string
}

// Empty reports whether the two configs were identical.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StrategyChanged && !d.RateLimitChanged && len(d.Structural) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Router.Strategy != new.Router.Strategy {
		d.StrategyChanged = true
		d.NewStrategy = new.Router.Strategy
	}
	if old.Server.RateLimitMaxRequests != new.Server.RateLimitMaxRequests ||
		old.Server.RateLimitWindowMS != new.Server.RateLimitWindowMS {
		d.RateLimitChanged = true
		d.NewRateLimitMax = new.Server.RateLimitMaxRequests
		d.NewRateLimitWindowMS = new.Server.RateLimitWindowMS
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.Structural = append(d.Structural, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.Structural = append(d.Structural, "server.log_format")
	}
	if old.Server.RequireAuth != new.Server.RequireAuth ||
		old.Server.APIKeyHeader != new.Server.APIKeyHeader ||
		!slices.Equal(old.Server.APIKeys, new.Server.APIKeys) {
		d.Structural = append(d.Structural, "server auth")
	}
	if old.Server.CORSEnabled != new.Server.CORSEnabled ||
		!slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins) {
		d.Structural = append(d.Structural, "server cors")
	}
	if old.Router.SelectionCacheTTLMS != new.Router.SelectionCacheTTLMS {
		d.Structural = append(d.Structural, "router.selection_cache_ttl_ms")
	}
	if old.Gateway != new.Gateway {
		d.Structural = append(d.Structural, "gateway")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.Structural = append(d.Structural, "providers")
	}
	if !reflect.DeepEqual(old.Realtime, new.Realtime) {
		d.Structural = append(d.Structural, "realtime")
	}
	if old.Cache != new.Cache {
		d.Structural = append(d.Structural, "cache")
	}

	return d
}
