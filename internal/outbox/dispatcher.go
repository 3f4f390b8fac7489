// Package outbox drains the transactional outbox: events written atomically
// with a turn commit are delivered to a surface sink here, with per-event
// retry and exponential backoff. Delivery is at-least-once; sinks must
// tolerate replays.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvickery/taleturn/internal/observe"
	"github.com/rvickery/taleturn/pkg/game"
)

// Sink delivers one outbox event to the outside world. Returning an error
// schedules a retry; the dispatcher never re-delivers an event it marked
// sent.
type Sink interface {
	Deliver(ctx context.Context, ev game.OutboxEvent) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, ev game.OutboxEvent) error

// Deliver implements [Sink].
func (f SinkFunc) Deliver(ctx context.Context, ev game.OutboxEvent) error { return f(ctx, ev) }

// Dispatcher drains pending outbox events into a [Sink].
type Dispatcher struct {
	store game.Store
	sink  Sink

	clock       func() time.Time
	batchSize   int
	maxAttempts int
	baseBackoff time.Duration

	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithBatchSize sets how many events one drain pass claims. Default 32.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batchSize = n }
}

// WithMaxAttempts sets how many delivery attempts an event gets before it is
// retired to failed. Default 5.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithBaseBackoff sets the first retry delay; each further attempt doubles
// it. Default 10s.
func WithBaseBackoff(b time.Duration) Option {
	return func(d *Dispatcher) { d.baseBackoff = b }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher returns a Dispatcher delivering through sink.
func NewDispatcher(store game.Store, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		sink:        sink,
		clock:       time.Now,
		batchSize:   32,
		maxAttempts: 5,
		baseBackoff: 10 * time.Second,
		metrics:     observe.DefaultMetrics(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drain delivers one batch of ready events and returns how many were sent.
// Delivery happens outside any transaction; only the status updates are
// transactional.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	now := d.clock().UTC()

	var pending []game.OutboxEvent
	err := d.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		var err error
		pending, err = uow.Outbox().ListPending(ctx, now, d.batchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: list pending: %w", err)
	}

	sent := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := d.sink.Deliver(ctx, ev); err != nil {
			d.metrics.RecordOutboxDispatch(ctx, ev.EventType, "retry")
			if markErr := d.markFailed(ctx, ev, err); markErr != nil {
				return sent, markErr
			}
			continue
		}

		err := d.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
			return uow.Outbox().MarkSent(ctx, ev.ID, d.clock().UTC())
		})
		if err != nil {
			return sent, fmt.Errorf("outbox: mark sent %s: %w", ev.ID, err)
		}
		d.metrics.RecordOutboxDispatch(ctx, ev.EventType, "sent")
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, ev game.OutboxEvent, cause error) error {
	attempts := ev.Attempts + 1

	var next *time.Time
	if attempts < d.maxAttempts {
		backoff := d.baseBackoff << (attempts - 1)
		at := d.clock().UTC().Add(backoff)
		next = &at
		d.log.WarnContext(ctx, "outbox delivery failed, will retry",
			"event_id", ev.ID, "event_type", ev.EventType, "attempt", attempts,
			"next_attempt_at", at, "error", cause)
	} else {
		d.metrics.RecordOutboxDispatch(ctx, ev.EventType, "failed")
		d.log.ErrorContext(ctx, "outbox delivery retired after max attempts",
			"event_id", ev.ID, "event_type", ev.EventType, "attempts", attempts, "error", cause)
	}

	err := d.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		return uow.Outbox().MarkFailed(ctx, ev.ID, attempts, next)
	})
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", ev.ID, err)
	}
	return nil
}

// Run drains the outbox on the given interval until ctx is cancelled. Drain
// errors are logged; the loop keeps going.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
				d.log.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}
