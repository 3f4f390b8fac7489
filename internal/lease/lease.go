// Package lease manages the inflight-turn lease that serializes turn
// resolution per (campaign, actor). The lease is a database row, not an
// advisory lock, so it survives process crashes: a dead holder simply stops
// heartbeating and the next claimant steals the expired row.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvickery/taleturn/pkg/game"
)

// Manager wraps lease operations around a [game.Store] with an injected clock
// and TTL.
type Manager struct {
	store game.Store
	clock func() time.Time
	ttl   time.Duration
	log   *slog.Logger
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager returns a Manager issuing leases of the given ttl.
func NewManager(store game.Store, ttl time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		clock: time.Now,
		ttl:   ttl,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.clock() }

// ClaimWithin acquires (or steals, when expired) the lease inside an open
// unit of work. A live lease held by another claim surfaces as
// [game.ErrLeaseHeld].
func (m *Manager) ClaimWithin(ctx context.Context, uow game.UnitOfWork, campaignID, actorID, claimToken string) error {
	now := m.clock()
	ok, err := uow.Inflight().AcquireOrSteal(ctx, campaignID, actorID, claimToken, now, now.Add(m.ttl))
	if err != nil {
		return fmt.Errorf("lease: claim: %w", err)
	}
	if !ok {
		return game.ErrLeaseHeld
	}
	return nil
}

// ValidateWithin checks inside an open unit of work that claimToken still
// owns a live lease, surfacing [game.ErrLeaseLost] otherwise.
func (m *Manager) ValidateWithin(ctx context.Context, uow game.UnitOfWork, campaignID, actorID, claimToken string) error {
	ok, err := uow.Inflight().Validate(ctx, campaignID, actorID, claimToken, m.clock())
	if err != nil {
		return fmt.Errorf("lease: validate: %w", err)
	}
	if !ok {
		return game.ErrLeaseLost
	}
	return nil
}

// ReleaseWithin releases the lease inside an open unit of work.
func (m *Manager) ReleaseWithin(ctx context.Context, uow game.UnitOfWork, campaignID, actorID, claimToken string) error {
	if err := uow.Inflight().Release(ctx, campaignID, actorID, claimToken); err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}

// Heartbeat extends the lease in its own short transaction. A false return
// without error means the claim no longer owns the lease.
func (m *Manager) Heartbeat(ctx context.Context, campaignID, actorID, claimToken string) (bool, error) {
	var ok bool
	err := m.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		now := m.clock()
		var err error
		ok, err = uow.Inflight().Heartbeat(ctx, campaignID, actorID, claimToken, now, now.Add(m.ttl))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("lease: heartbeat: %w", err)
	}
	return ok, nil
}

// Release drops the lease in its own short transaction. Best effort: an
// already-stolen or already-released lease is not an error.
func (m *Manager) Release(ctx context.Context, campaignID, actorID, claimToken string) error {
	err := m.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		return uow.Inflight().Release(ctx, campaignID, actorID, claimToken)
	})
	if err != nil {
		return fmt.Errorf("lease: release: %w", err)
	}
	return nil
}

// KeepAlive heartbeats the lease at a third of the TTL until ctx is
// cancelled or the lease is lost. It is meant to run in its own goroutine
// alongside a long model call.
func (m *Manager) KeepAlive(ctx context.Context, campaignID, actorID, claimToken string) {
	ticker := time.NewTicker(m.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.Heartbeat(ctx, campaignID, actorID, claimToken)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.WarnContext(ctx, "lease heartbeat failed",
					"campaign_id", campaignID, "actor_id", actorID, "error", err)
				continue
			}
			if !ok {
				m.log.WarnContext(ctx, "lease lost during heartbeat",
					"campaign_id", campaignID, "actor_id", actorID)
				return
			}
		}
	}
}
