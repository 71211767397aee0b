// Command modelgate is the main entry point for the modelgate LLM gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelgate/modelgate/internal/app"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/realtime"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/pkg/provider"
	"github.com/modelgate/modelgate/pkg/provider/anyllm"
	"github.com/modelgate/modelgate/pkg/provider/gemini"
	"github.com/modelgate/modelgate/pkg/provider/openai"
	rt "github.com/modelgate/modelgate/pkg/provider/realtime"
	geminirt "github.com/modelgate/modelgate/pkg/provider/realtime/gemini"
	openairt "github.com/modelgate/modelgate/pkg/provider/realtime/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	noWatch := flag.Bool("no-watch", false, "disable config file watching and hot reload")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "modelgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "modelgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	leveler := new(slog.LevelVar)
	leveler.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(cfg.Server.LogFormat, leveler)
	slog.SetDefault(logger)

	slog.Info("modelgate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"providers", len(cfg.Providers),
	)

	// ── Adapter factories ─────────────────────────────────────────────────────
	builders := config.NewBuilders()
	registerAdapterFactories(builders, logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(leveler),
		app.WithDialers(realtimeDialers(cfg, logger)),
	}
	if !*noWatch {
		opts = append(opts, app.WithConfigFile(*configPath))
	}

	application, err := app.New(ctx, cfg, builders, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("gateway ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Adapter wiring ──────────────────────────────────────────────────────────────

// registerAdapterFactories wires the built-in adapter constructors into b.
// Each factory receives a config.ProviderConfig and builds the matching
// adapter from the real implementation packages.
func registerAdapterFactories(b *config.Builders, log *slog.Logger) {
	b.Register(config.KindOpenAI, func(entry config.ProviderConfig) (provider.Adapter, error) {
		opts := []openai.Option{
			openai.WithName(entry.Name),
			openai.WithLogger(log),
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Organization != "" {
			opts = append(opts, openai.WithOrganization(entry.Organization))
		}
		if entry.TimeoutMS > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(entry.TimeoutMS)*time.Millisecond))
		}
		if models := descriptors(entry); len(models) > 0 {
			opts = append(opts, openai.WithModels(models))
		}
		return openai.New(entry.APIKey, opts...)
	})

	b.Register(config.KindGemini, func(entry config.ProviderConfig) (provider.Adapter, error) {
		opts := []gemini.Option{
			gemini.WithName(entry.Name),
			gemini.WithLogger(log),
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if entry.TimeoutMS > 0 {
			opts = append(opts, gemini.WithTimeout(time.Duration(entry.TimeoutMS)*time.Millisecond))
		}
		if models := descriptors(entry); len(models) > 0 {
			opts = append(opts, gemini.WithModels(models))
		}
		return gemini.New(entry.APIKey, opts...)
	})

	b.Register(config.KindAnyLLM, func(entry config.ProviderConfig) (provider.Adapter, error) {
		opts := []anyllm.Option{
			anyllm.WithName(entry.Name),
			anyllm.WithLogger(log),
		}
		if entry.APIKey != "" {
			opts = append(opts, anyllm.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllm.WithBaseURL(entry.BaseURL))
		}
		if models := descriptors(entry); len(models) > 0 {
			opts = append(opts, anyllm.WithModels(models))
		}
		return anyllm.New(entry.Backend, opts...)
	})
}

// descriptors converts an entry's model overrides into catalog descriptors.
func descriptors(entry config.ProviderConfig) []provider.ModelDescriptor {
	if len(entry.Models) == 0 {
		return nil
	}
	out := make([]provider.ModelDescriptor, len(entry.Models))
	for i, m := range entry.Models {
		out[i] = m.Descriptor(entry.Name)
	}
	return out
}

// ── Realtime wiring ─────────────────────────────────────────────────────────────

// realtimeDialers maps upstream families to their WebSocket dialers. Each
// DialFunc receives the client's bearer token; an empty token falls back to
// the first configured key of the matching provider kind.
func realtimeDialers(cfg *config.Config, log *slog.Logger) map[string]realtime.DialFunc {
	openaiKey := keyForKind(cfg, config.KindOpenAI)
	geminiKey := keyForKind(cfg, config.KindGemini)

	return map[string]realtime.DialFunc{
		"openai": func(token string) rt.Dialer {
			if token == "" {
				token = openaiKey
			}
			opts := []openairt.Option{openairt.WithLogger(log)}
			if cfg.Realtime.OpenAIWSURL != "" {
				opts = append(opts, openairt.WithBaseURL(cfg.Realtime.OpenAIWSURL))
			}
			return openairt.New(token, opts...)
		},
		"gemini": func(token string) rt.Dialer {
			if token == "" {
				token = geminiKey
			}
			opts := []geminirt.Option{geminirt.WithLogger(log)}
			if cfg.Realtime.GeminiWSURL != "" {
				opts = append(opts, geminirt.WithBaseURL(cfg.Realtime.GeminiWSURL))
			}
			return geminirt.New(token, opts...)
		},
	}
}

// keyForKind returns the first configured API key for the given kind.
func keyForKind(cfg *config.Config, kind config.ProviderKind) string {
	for _, p := range cfg.Providers {
		if p.Kind == kind && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        modelgate — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, p := range cfg.Providers {
		value := p.Name
		if p.Kind == config.KindAnyLLM && p.Backend != "" {
			value = p.Name + " / " + p.Backend
		}
		printRow(string(p.Kind), value)
	}
	if len(cfg.Providers) == 0 {
		printRow("providers", "(none configured)")
	}

	strategy := cfg.Router.Strategy
	if strategy == "" {
		strategy = router.StrategyCostOptimized
	}
	printRow("strategy", string(strategy))

	if cfg.Cache.Backend == config.CacheNone {
		printRow("cache", "(disabled)")
	} else {
		printRow("cache", string(cfg.Cache.Backend))
	}

	if cfg.Server.RequireAuth {
		printRow("auth", "required")
	} else {
		printRow("auth", "open")
	}

	if cfg.Server.RateLimitMaxRequests > 0 {
		printRow("rate limit", fmt.Sprintf("%d req / %s",
			cfg.Server.RateLimitMaxRequests, cfg.Server.RateLimitWindow()))
	} else {
		printRow("rate limit", "(disabled)")
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	printRow("listen addr", addr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The level rides on a LevelVar so the
// config watcher can retune it without rebuilding handlers.
func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
