package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/rvickery/taleturn/pkg/game"
)

func TestGetOrCreateCampaign(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := newTestEngine(store, staticCompletion(nil))

	c1, err := e.GetOrCreateCampaign(context.Background(), "guild-1", "Dragon Keep", "alice")
	if err != nil {
		t.Fatalf("GetOrCreateCampaign() error = %v", err)
	}
	if c1.Name != "Dragon Keep" || c1.NameNormalized != "dragon keep" {
		t.Errorf("campaign = %q / %q", c1.Name, c1.NameNormalized)
	}
	if c1.CreatedByActorID != "alice" {
		t.Errorf("CreatedByActorID = %q", c1.CreatedByActorID)
	}

	// A differently-cased name resolves to the same campaign.
	c2, err := e.GetOrCreateCampaign(context.Background(), "guild-1", "  DRAGON   keep ", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateCampaign() error = %v", err)
	}
	if c2.ID != c1.ID {
		t.Errorf("second lookup created a new campaign: %q != %q", c2.ID, c1.ID)
	}

	// The same name in another namespace is a different campaign.
	c3, err := e.GetOrCreateCampaign(context.Background(), "guild-2", "Dragon Keep", "carol")
	if err != nil {
		t.Fatalf("GetOrCreateCampaign() error = %v", err)
	}
	if c3.ID == c1.ID {
		t.Error("namespaces do not isolate campaigns")
	}
}

func TestEnsureActor(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	e := newTestEngine(store, staticCompletion(nil))

	a1, err := e.EnsureActor(context.Background(), "discord", "186527", "Alice")
	if err != nil {
		t.Fatalf("EnsureActor() error = %v", err)
	}
	if a1.DisplayName != "Alice" || a1.Kind != "human" {
		t.Errorf("actor = %+v", a1)
	}

	// Second contact resolves through the identity link instead of creating.
	a2, err := e.EnsureActor(context.Background(), "discord", "186527", "Alice Renamed")
	if err != nil {
		t.Fatalf("EnsureActor() error = %v", err)
	}
	if a2.ID != a1.ID {
		t.Errorf("second call created a new actor: %q != %q", a2.ID, a1.ID)
	}

	// A different external id is a different actor.
	a3, err := e.EnsureActor(context.Background(), "discord", "999999", "Bob")
	if err != nil {
		t.Fatalf("EnsureActor() error = %v", err)
	}
	if a3.ID == a1.ID {
		t.Error("distinct external ids mapped to the same actor")
	}
}

func TestRegisterNarrationMessage(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedCampaign(t, store, "camp")

	// A narration turn with an unbound timer scheduled by it.
	var narrationID int64
	err := store.WithUnitOfWork(context.Background(), func(ctx context.Context, uow game.UnitOfWork) error {
		turn := &game.Turn{CampaignID: "camp", Kind: game.TurnNarration, Content: "The clock ticks."}
		if err := uow.Turns().Append(ctx, turn); err != nil {
			return err
		}
		narrationID = turn.ID
		return uow.Timers().Schedule(ctx, &game.Timer{
			CampaignID: "camp",
			EventText:  "The clock strikes midnight.",
			DueAt:      testTime.Add(time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := newTestEngine(store, staticCompletion(nil))
	err = e.RegisterNarrationMessage(context.Background(), "camp", narrationID, "msg-1", "user-msg-1", "chan-1", "thread-1")
	if err != nil {
		t.Fatalf("RegisterNarrationMessage() error = %v", err)
	}

	snap := store.Snapshot()

	turns := snap.Turns("camp")
	if turns[0].ExternalMessageID != "msg-1" || turns[0].ExternalUserMessageID != "user-msg-1" {
		t.Errorf("turn external ids = %q / %q", turns[0].ExternalMessageID, turns[0].ExternalUserMessageID)
	}

	timers := snap.Timers("camp")
	if len(timers) != 1 {
		t.Fatalf("got %d timers, want 1", len(timers))
	}
	timer := timers[0]
	if timer.Status != game.TimerScheduledBound {
		t.Errorf("timer status = %q, want scheduled_bound", timer.Status)
	}
	if timer.ExternalMessageID != "msg-1" || timer.ExternalChannelID != "chan-1" || timer.ExternalThreadID != "thread-1" {
		t.Errorf("timer binding = %+v", timer)
	}
}

func TestRegisterNarrationMessage_NoActiveTimer(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedCampaign(t, store, "camp")

	var narrationID int64
	err := store.WithUnitOfWork(context.Background(), func(ctx context.Context, uow game.UnitOfWork) error {
		turn := &game.Turn{CampaignID: "camp", Kind: game.TurnNarration, Content: "Silence."}
		if err := uow.Turns().Append(ctx, turn); err != nil {
			return err
		}
		narrationID = turn.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := newTestEngine(store, staticCompletion(nil))
	err = e.RegisterNarrationMessage(context.Background(), "camp", narrationID, "msg-1", "", "chan-1", "")
	if err != nil {
		t.Fatalf("RegisterNarrationMessage() error = %v", err)
	}

	turns := store.Snapshot().Turns("camp")
	if turns[0].ExternalMessageID != "msg-1" {
		t.Errorf("external id = %q", turns[0].ExternalMessageID)
	}
}

func TestRegisterNarrationMessage_BoundTimerUntouched(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	seedCampaign(t, store, "camp")

	var narrationID int64
	err := store.WithUnitOfWork(context.Background(), func(ctx context.Context, uow game.UnitOfWork) error {
		turn := &game.Turn{CampaignID: "camp", Kind: game.TurnNarration, Content: "Still ticking."}
		if err := uow.Turns().Append(ctx, turn); err != nil {
			return err
		}
		narrationID = turn.ID
		timer := &game.Timer{CampaignID: "camp", EventText: "tick", DueAt: testTime.Add(time.Hour)}
		if err := uow.Timers().Schedule(ctx, timer); err != nil {
			return err
		}
		_, err := uow.Timers().Attach(ctx, timer.ID, "original-msg", "chan-0", "")
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := newTestEngine(store, staticCompletion(nil))
	err = e.RegisterNarrationMessage(context.Background(), "camp", narrationID, "later-msg", "", "chan-1", "")
	if err != nil {
		t.Fatalf("RegisterNarrationMessage() error = %v", err)
	}

	timers := store.Snapshot().Timers("camp")
	if timers[0].ExternalMessageID != "original-msg" {
		t.Errorf("timer message id = %q, want the original binding kept", timers[0].ExternalMessageID)
	}
}
