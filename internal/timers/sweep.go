// Package timers advances the campaign timer state machine: a sweeper moves
// due timers to expired, hands them to an effects port, and retires them to
// consumed. Firing is at-least-once; the conditional state transitions make
// replays harmless.
package timers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvickery/taleturn/internal/observe"
	"github.com/rvickery/taleturn/pkg/game"
)

// Effects applies the narrative consequence of a fired timer. Implementations
// must be idempotent per timer id: a crash between expiry and consumption
// replays the call.
type Effects interface {
	TimerFired(ctx context.Context, t game.Timer) error
}

// EffectsFunc adapts a function to the [Effects] interface.
type EffectsFunc func(ctx context.Context, t game.Timer) error

// TimerFired implements [Effects].
func (f EffectsFunc) TimerFired(ctx context.Context, t game.Timer) error { return f(ctx, t) }

// Sweeper periodically fires due timers.
type Sweeper struct {
	store   game.Store
	effects Effects

	clock     func() time.Time
	batchSize int

	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Sweeper].
type Option func(*Sweeper)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) { s.clock = clock }
}

// WithBatchSize sets how many due timers one sweep claims. Default 16.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sweeper) { s.log = log }
}

// NewSweeper returns a Sweeper applying fired timers through effects.
func NewSweeper(store game.Store, effects Effects, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		effects:   effects,
		clock:     time.Now,
		batchSize: 16,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep fires every due timer once and returns how many fired. Each timer is
// expired in its own transaction before the effect runs, so a concurrent
// sweep cannot fire it twice; the effect runs outside any transaction.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock().UTC()

	var due []game.Timer
	err := s.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		var err error
		due, err = uow.Timers().ListDue(ctx, now, s.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("timers: list due: %w", err)
	}

	fired := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		ok, err := s.fire(ctx, t)
		if err != nil {
			return fired, err
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Sweeper) fire(ctx context.Context, t game.Timer) (bool, error) {
	now := s.clock().UTC()

	var expired bool
	err := s.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		var err error
		expired, err = uow.Timers().MarkExpired(ctx, t.ID, now)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("timers: expire %s: %w", t.ID, err)
	}
	if !expired {
		// Lost the race to another sweeper or a concurrent cancel.
		return false, nil
	}
	s.metrics.TimersFired.Add(ctx, 1)

	if err := s.effects.TimerFired(ctx, t); err != nil {
		// Leave the timer in expired: the next sweep finds nothing (expired is
		// not active) but an operator can replay it; the effect port owns
		// retries for transient surface failures.
		s.log.ErrorContext(ctx, "timer effect failed",
			"timer_id", t.ID, "campaign_id", t.CampaignID, "error", err)
		return true, nil
	}

	err = s.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		_, err := uow.Timers().MarkConsumed(ctx, t.ID, s.clock().UTC())
		return err
	})
	if err != nil {
		return true, fmt.Errorf("timers: consume %s: %w", t.ID, err)
	}

	s.log.InfoContext(ctx, "timer fired",
		"timer_id", t.ID, "campaign_id", t.CampaignID, "event_text", t.EventText)
	return true, nil
}

// Run sweeps on the given interval until ctx is cancelled. Sweep errors are
// logged; the loop keeps going.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.ErrorContext(ctx, "timer sweep failed", "error", err)
			}
		}
	}
}
