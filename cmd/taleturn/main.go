// Command taleturn is the main entry point for the Taleturn game server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/rvickery/taleturn/internal/app"
	"github.com/rvickery/taleturn/internal/config"
	discordbot "github.com/rvickery/taleturn/internal/discord"
	"github.com/rvickery/taleturn/internal/resilience"
	"github.com/rvickery/taleturn/pkg/provider/embeddings"
	ollamaembed "github.com/rvickery/taleturn/pkg/provider/embeddings/ollama"
	oaembed "github.com/rvickery/taleturn/pkg/provider/embeddings/openai"
	"github.com/rvickery/taleturn/pkg/provider/llm"
	"github.com/rvickery/taleturn/pkg/provider/llm/anyllm"
	oaillm "github.com/rvickery/taleturn/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "taleturn: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "taleturn: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("taleturn starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var bot *discordbot.Bot
	var appOpts []app.Option
	if cfg.Discord.Token != "" {
		botCfg := discordbot.Config{
			Token:    cfg.Discord.Token,
			GuildID:  cfg.Discord.GuildID,
			GMRoleID: cfg.Discord.GMRoleID,
		}

		bot, err = discordbot.New(ctx, botCfg)
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		appOpts = append(appOpts, app.WithDiscordBot(bot))
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Start the Discord bot interaction loop in a separate goroutine.
	if bot != nil {
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	// Close the Discord bot first (unregister commands, disconnect).
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// Taleturn. Used for startup logging.
var builtinProviders = map[string][]string{
	"completion": {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"},
	"embeddings": {"openai", "ollama"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Completion ────────────────────────────────────────────────────────────
	// openai goes through the native SDK; the rest share the any-llm pattern
	// of optional APIKey + optional BaseURL.
	reg.RegisterCompletion("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterCompletion(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterCompletion("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Completion.Name; name != "" {
		p, err := reg.CreateCompletion(cfg.Completion)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "completion", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create completion provider %q: %w", name, err)
		} else {
			ps.Completion = p
			slog.Info("provider created", "kind", "completion", "name", name)
		}
	}

	// Chain fallback completion providers behind a circuit breaker when any
	// are configured.
	if ps.Completion != nil && len(cfg.CompletionFallbacks) > 0 {
		chain := resilience.NewCompletionFallback(ps.Completion, cfg.Completion.Name, resilience.FallbackConfig{})
		for _, entry := range cfg.CompletionFallbacks {
			p, err := reg.CreateCompletion(entry)
			if err != nil {
				return nil, fmt.Errorf("create fallback completion provider %q: %w", entry.Name, err)
			}
			chain.AddFallback(entry.Name, p)
			slog.Info("fallback provider created", "kind", "completion", "name", entry.Name)
		}
		ps.Completion = chain
	}

	if name := cfg.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "embeddings", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		} else {
			ps.Embeddings = p
			slog.Info("provider created", "kind", "embeddings", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Taleturn — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Completion", cfg.Completion.Name, cfg.Completion.Model)
	printProvider("Embeddings", cfg.Embeddings.Name, cfg.Embeddings.Model)
	if cfg.Discord.Token != "" {
		fmt.Printf("║  Discord         : %-19s ║\n", "connected")
	} else {
		fmt.Printf("║  Discord         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
