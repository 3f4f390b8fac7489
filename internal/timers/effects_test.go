package timers_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rvickery/taleturn/internal/timers"
	"github.com/rvickery/taleturn/pkg/game"
)

func TestStoreEffects_AppendsSystemTurn(t *testing.T) {
	t.Parallel()
	store := newSweepStore(t)

	timer := game.Timer{
		ID:         "timer-1",
		CampaignID: "camp",
		SessionID:  "sess-1",
		EventText:  "The candle burns out.",
		DueAt:      sweepTime,
	}

	effects := timers.NewStoreEffects(store)
	if err := effects.TimerFired(context.Background(), timer); err != nil {
		t.Fatalf("TimerFired() error = %v", err)
	}

	turns := store.Snapshot().Turns("camp")
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	turn := turns[0]
	if turn.Kind != game.TurnSystem || turn.Content != "The candle burns out." {
		t.Errorf("turn = %+v", turn)
	}
	if turn.SessionID != "sess-1" {
		t.Errorf("session id = %q", turn.SessionID)
	}
	if !strings.Contains(string(turn.Meta), "timer-1") {
		t.Errorf("meta = %s, want the timer id marker", turn.Meta)
	}
}

func TestStoreEffects_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newSweepStore(t)

	timer := game.Timer{ID: "timer-1", CampaignID: "camp", EventText: "Again.", DueAt: sweepTime}

	effects := timers.NewStoreEffects(store)
	for i := 0; i < 2; i++ {
		if err := effects.TimerFired(context.Background(), timer); err != nil {
			t.Fatalf("TimerFired() #%d error = %v", i+1, err)
		}
	}

	if turns := store.Snapshot().Turns("camp"); len(turns) != 1 {
		t.Errorf("got %d turns, want 1 after replay", len(turns))
	}
}

func TestMulti(t *testing.T) {
	t.Parallel()

	timer := game.Timer{ID: "timer-1", CampaignID: "camp", DueAt: time.Now()}

	t.Run("runs all effects in order", func(t *testing.T) {
		t.Parallel()
		var order []string
		record := func(name string) timers.Effects {
			return timers.EffectsFunc(func(context.Context, game.Timer) error {
				order = append(order, name)
				return nil
			})
		}
		m := timers.Multi(record("first"), record("second"))
		if err := m.TimerFired(context.Background(), timer); err != nil {
			t.Fatalf("TimerFired() error = %v", err)
		}
		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Errorf("order = %v", order)
		}
	})

	t.Run("stops at the first error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		var reached bool
		m := timers.Multi(
			timers.EffectsFunc(func(context.Context, game.Timer) error { return boom }),
			timers.EffectsFunc(func(context.Context, game.Timer) error { reached = true; return nil }),
		)
		if err := m.TimerFired(context.Background(), timer); !errors.Is(err, boom) {
			t.Fatalf("TimerFired() error = %v, want boom", err)
		}
		if reached {
			t.Error("later effect ran after an error")
		}
	})
}
