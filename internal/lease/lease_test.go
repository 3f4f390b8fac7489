package lease_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rvickery/taleturn/internal/lease"
	"github.com/rvickery/taleturn/pkg/game"
	gamemock "github.com/rvickery/taleturn/pkg/game/mock"
)

const ttl = 90 * time.Second

var start = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// newManager returns a manager over a fresh store with a mutable clock. Move
// time by reassigning *now.
func newManager(t *testing.T) (*lease.Manager, *gamemock.Store, *time.Time) {
	t.Helper()
	now := start
	clock := func() time.Time { return now }
	store := gamemock.NewStore()
	store.Now = clock
	return lease.NewManager(store, ttl, lease.WithClock(clock)), store, &now
}

func claim(t *testing.T, m *lease.Manager, store *gamemock.Store, token string) error {
	t.Helper()
	return store.WithUnitOfWork(context.Background(), func(ctx context.Context, uow game.UnitOfWork) error {
		return m.ClaimWithin(ctx, uow, "camp", "alice", token)
	})
}

func TestClaim_ExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()
	m, store, now := newManager(t)

	if err := claim(t, m, store, "claim-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A live lease rejects a second claimant.
	if err := claim(t, m, store, "claim-b"); !errors.Is(err, game.ErrLeaseHeld) {
		t.Fatalf("second claim error = %v, want ErrLeaseHeld", err)
	}

	// Past the TTL the row is stealable.
	*now = start.Add(ttl + time.Second)
	if err := claim(t, m, store, "claim-b"); err != nil {
		t.Fatalf("steal after expiry: %v", err)
	}
	l := store.Snapshot().Inflight("camp", "alice")
	if l == nil || l.ClaimToken != "claim-b" {
		t.Errorf("lease = %+v, want owned by claim-b", l)
	}
}

func TestValidateWithin(t *testing.T) {
	t.Parallel()
	m, store, now := newManager(t)

	if err := claim(t, m, store, "claim-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	validate := func(token string) error {
		return store.WithUnitOfWork(context.Background(), func(ctx context.Context, uow game.UnitOfWork) error {
			return m.ValidateWithin(ctx, uow, "camp", "alice", token)
		})
	}

	if err := validate("claim-a"); err != nil {
		t.Errorf("own live lease: %v", err)
	}
	if err := validate("claim-x"); !errors.Is(err, game.ErrLeaseLost) {
		t.Errorf("foreign token error = %v, want ErrLeaseLost", err)
	}

	*now = start.Add(ttl + time.Second)
	if err := validate("claim-a"); !errors.Is(err, game.ErrLeaseLost) {
		t.Errorf("expired lease error = %v, want ErrLeaseLost", err)
	}
}

func TestHeartbeat_ExtendsLease(t *testing.T) {
	t.Parallel()
	m, store, now := newManager(t)

	if err := claim(t, m, store, "claim-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	*now = start.Add(ttl / 2)
	ok, err := m.Heartbeat(context.Background(), "camp", "alice", "claim-a")
	if err != nil || !ok {
		t.Fatalf("Heartbeat() = %v, %v, want true, nil", ok, err)
	}

	l := store.Snapshot().Inflight("camp", "alice")
	if want := start.Add(ttl / 2).Add(ttl); !l.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt, want)
	}
	if !l.HeartbeatAt.Equal(start.Add(ttl / 2)) {
		t.Errorf("HeartbeatAt = %v", l.HeartbeatAt)
	}

	// A foreign token must not extend the lease.
	ok, err = m.Heartbeat(context.Background(), "camp", "alice", "claim-x")
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if ok {
		t.Error("foreign token extended the lease")
	}
}

func TestRelease_Conditional(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)

	if err := claim(t, m, store, "claim-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A foreign token leaves the row standing.
	if err := m.Release(context.Background(), "camp", "alice", "claim-x"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if store.Snapshot().Inflight("camp", "alice") == nil {
		t.Fatal("foreign token released the lease")
	}

	if err := m.Release(context.Background(), "camp", "alice", "claim-a"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if store.Snapshot().Inflight("camp", "alice") != nil {
		t.Error("lease row still present after release")
	}

	// Releasing an absent lease is not an error.
	if err := m.Release(context.Background(), "camp", "alice", "claim-a"); err != nil {
		t.Errorf("double release: %v", err)
	}
}
