// Package app wires all Taleturn subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives the background workers and the HTTP endpoints, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithGameStore, WithOutboxSink, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rvickery/taleturn/internal/actors"
	"github.com/rvickery/taleturn/internal/attach"
	"github.com/rvickery/taleturn/internal/config"
	"github.com/rvickery/taleturn/internal/discord"
	"github.com/rvickery/taleturn/internal/discord/commands"
	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/internal/health"
	"github.com/rvickery/taleturn/internal/lease"
	"github.com/rvickery/taleturn/internal/memoryindex"
	"github.com/rvickery/taleturn/internal/observe"
	"github.com/rvickery/taleturn/internal/outbox"
	"github.com/rvickery/taleturn/internal/prompt"
	"github.com/rvickery/taleturn/internal/timers"
	"github.com/rvickery/taleturn/pkg/game"
	gamepg "github.com/rvickery/taleturn/pkg/game/postgres"
	"github.com/rvickery/taleturn/pkg/provider/embeddings"
	"github.com/rvickery/taleturn/pkg/provider/llm"
)

// Defaults applied when the corresponding config value is zero.
const (
	defaultLeaseTTL            = 90 * time.Second
	defaultOutboxInterval      = 5 * time.Second
	defaultSweepInterval       = 10 * time.Second
	defaultEmbeddingDimensions = 1536
	httpShutdownGrace          = 5 * time.Second
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Completion llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the Taleturn server.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New, torn down in Shutdown.
	store      game.Store
	pgStore    *gamepg.Store
	engine     *engine.Engine
	index      *memoryindex.Index
	sink       outbox.Sink
	effects    []timers.Effects
	dispatcher *outbox.Dispatcher
	sweeper    *timers.Sweeper
	bot        *discord.Bot
	httpSrv    *http.Server

	shutdownOTel func(context.Context) error

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGameStore injects a game store instead of connecting to Postgres.
func WithGameStore(s game.Store) Option {
	return func(a *App) { a.store = s }
}

// WithOutboxSink injects the outbox delivery sink. Without a sink and without
// a Discord bot, drained events are logged and dropped.
func WithOutboxSink(s outbox.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithTimerEffects appends extra effects applied when a timer fires, on top
// of the store-backed narration insert.
func WithTimerEffects(e timers.Effects) Option {
	return func(a *App) { a.effects = append(a.effects, e) }
}

// WithDiscordBot attaches the Discord surface: gameplay messages resolve
// turns, slash commands are registered, and outbox events plus fired timers
// are posted back into their channels. The bot's own Run/Close lifecycle
// stays with the caller.
func WithDiscordBot(b *discord.Bot) Option {
	return func(a *App) { a.bot = b }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry); Completion is
// required, Embeddings is optional and enables semantic memory.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}
	a.shutdownOTel = shutdownOTel

	// ── 2. Game store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 4. Discord surface ───────────────────────────────────────────────
	a.initSurface()

	// ── 5. Background workers ────────────────────────────────────────────
	a.initWorkers()

	// ── 6. HTTP endpoints ────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to Postgres unless a store was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dims := a.cfg.Database.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}

	store, err := gamepg.NewStore(ctx, a.cfg.Database.DSN, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.pgStore = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initEngine builds the turn-resolution engine and its ports.
func (a *App) initEngine() error {
	if a.providers.Completion == nil {
		return errors.New("a completion provider is required")
	}

	ttl := defaultLeaseTTL
	if a.cfg.Engine.LeaseTTLSeconds > 0 {
		ttl = time.Duration(a.cfg.Engine.LeaseTTLSeconds) * time.Second
	}
	leases := lease.NewManager(a.store, ttl)

	var completerOpts []prompt.Option
	if a.cfg.Completion.Temperature > 0 {
		completerOpts = append(completerOpts, prompt.WithTemperature(a.cfg.Completion.Temperature))
	}
	if a.cfg.Completion.MaxTokens > 0 {
		completerOpts = append(completerOpts, prompt.WithMaxTokens(a.cfg.Completion.MaxTokens))
	}
	completer := prompt.NewCompleter(a.providers.Completion, completerOpts...)

	engineOpts := []engine.Option{
		engine.WithActorResolver(actors.NewResolver(a.store, "discord")),
	}
	if a.cfg.Engine.MaxConflictRetries > 0 {
		engineOpts = append(engineOpts, engine.WithMaxConflictRetries(a.cfg.Engine.MaxConflictRetries))
	}
	if a.cfg.Engine.RecentTurnWindow > 0 {
		engineOpts = append(engineOpts, engine.WithRecentTurnWindow(a.cfg.Engine.RecentTurnWindow))
	}

	if a.providers.Embeddings != nil {
		a.index = memoryindex.New(a.store, a.providers.Embeddings)
		topK := a.cfg.Engine.MemoryTopK
		if topK == 0 {
			topK = 6
		}
		engineOpts = append(engineOpts,
			engine.WithMemorySearch(a.index, topK),
			engine.WithMemoryIndexer(a.index),
		)
	} else {
		slog.Info("no embeddings provider, semantic memory disabled")
	}

	a.engine = engine.New(a.store, completer, leases, engineOpts...)
	return nil
}

// initSurface wires the Discord bot into the engine when one was attached.
func (a *App) initSurface() {
	if a.bot == nil {
		return
	}

	session := a.bot.Session()

	summarizer := attach.NewSummarizer(attach.NewProviderCompletion(a.providers.Completion))
	surface := discord.NewSurface(a.engine, session, discord.WithSummarizer(summarizer))
	a.bot.OnMessage(surface.HandleMessage)

	commands.NewGameCommands(a.bot.Permissions(), a.store, a.engine).Register(a.bot.Router())

	if a.sink == nil {
		a.sink = discord.NewEventSink(session, nil)
	}
	a.effects = append(a.effects, discord.NewTimerNotifier(session, nil))
}

// initWorkers builds the outbox dispatcher and the timer sweeper.
func (a *App) initWorkers() {
	if a.sink == nil {
		a.sink = outbox.SinkFunc(func(ctx context.Context, ev game.OutboxEvent) error {
			slog.DebugContext(ctx, "no surface configured, outbox event dropped",
				"event_type", ev.EventType, "event_id", ev.ID)
			return nil
		})
	}

	var dispatcherOpts []outbox.Option
	if a.cfg.Workers.OutboxMaxAttempts > 0 {
		dispatcherOpts = append(dispatcherOpts, outbox.WithMaxAttempts(a.cfg.Workers.OutboxMaxAttempts))
	}
	a.dispatcher = outbox.NewDispatcher(a.store, a.sink, dispatcherOpts...)

	effects := append([]timers.Effects{timers.NewStoreEffects(a.store)}, a.effects...)
	a.sweeper = timers.NewSweeper(a.store, timers.Multi(effects...))
}

// initHTTP builds the health and metrics endpoints. Disabled when no listen
// address is configured.
func (a *App) initHTTP() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}

	var checkers []health.Checker
	if a.pgStore != nil {
		checkers = append(checkers, health.Database(a.pgStore.Pool()))
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background workers and the HTTP server and blocks until ctx
// is cancelled. It returns context.Canceled on a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	outboxInterval := defaultOutboxInterval
	if a.cfg.Workers.OutboxIntervalSeconds > 0 {
		outboxInterval = time.Duration(a.cfg.Workers.OutboxIntervalSeconds) * time.Second
	}
	g.Go(func() error {
		return a.dispatcher.Run(ctx, outboxInterval)
	})

	sweepInterval := defaultSweepInterval
	if a.cfg.Workers.SweepIntervalSeconds > 0 {
		sweepInterval = time.Duration(a.cfg.Workers.SweepIntervalSeconds) * time.Second
	}
	g.Go(func() error {
		return a.sweeper.Run(ctx, sweepInterval)
	})

	if a.httpSrv != nil {
		g.Go(func() error {
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			defer cancel()
			if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
			return ctx.Err()
		})
		slog.Info("http endpoints listening", "addr", a.cfg.Server.ListenAddr)
	}

	slog.Info("app running",
		"outbox_interval", outboxInterval,
		"sweep_interval", sweepInterval,
		"discord", a.bot != nil,
	)
	return g.Wait()
}

// Engine exposes the turn-resolution engine, mainly for tests and tooling.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.shutdownOTel != nil {
			if err := a.shutdownOTel(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
