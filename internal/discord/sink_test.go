package discord

import (
	"context"
	"strings"
	"testing"

	"github.com/rvickery/taleturn/internal/discord/mock"
	"github.com/rvickery/taleturn/pkg/game"
)

func TestEventSink_Deliver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		event       game.OutboxEvent
		wantPosts   int
		wantContain string
	}{
		{
			name: "timer scheduled posts countdown",
			event: game.OutboxEvent{
				SessionScope: "chan-1",
				EventType:    game.EventTimerScheduled,
				Payload:      []byte(`{"timer_id":"t1","event_text":"the bridge collapses","due_at":"2026-08-24T12:00:00Z"}`),
			},
			wantPosts:   1,
			wantContain: "set in motion",
		},
		{
			name: "scene image posts prompt as flavor",
			event: game.OutboxEvent{
				SessionScope: "chan-1",
				EventType:    game.EventSceneImageRequested,
				Payload:      []byte(`{"prompt":"a ruined tower at dusk","room_key":"tower"}`),
			},
			wantPosts:   1,
			wantContain: "ruined tower",
		},
		{
			name: "unresolved give-item notifies channel",
			event: game.OutboxEvent{
				SessionScope: "chan-1",
				EventType:    game.EventGiveItemUnresolved,
				Payload:      []byte(`{"item":"brass lantern","target":"Bob"}`),
			},
			wantPosts:   1,
			wantContain: "brass lantern",
		},
		{
			name: "memory prune is silent",
			event: game.OutboxEvent{
				SessionScope: "chan-1",
				EventType:    game.EventMemoryPruneRequested,
				Payload:      []byte(`{"campaign_id":"c1","max_visible_turn_id":4}`),
			},
		},
		{
			name: "no channel scope is acknowledged",
			event: game.OutboxEvent{
				SessionScope: game.SessionScopeNone,
				EventType:    game.EventTimerScheduled,
				Payload:      []byte(`{}`),
			},
		},
		{
			name: "unknown event type is acknowledged",
			event: game.OutboxEvent{
				SessionScope: "chan-1",
				EventType:    "somebody_elses_event",
				Payload:      []byte(`{}`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &mock.MessageRecorder{}
			sink := NewEventSink(rec, nil)

			if err := sink.Deliver(context.Background(), tt.event); err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}

			sent := rec.Sent()
			if len(sent) != tt.wantPosts {
				t.Fatalf("posted %d messages, want %d", len(sent), tt.wantPosts)
			}
			if tt.wantPosts > 0 {
				if sent[0].ChannelID != "chan-1" {
					t.Errorf("posted to %q, want chan-1", sent[0].ChannelID)
				}
				if !strings.Contains(sent[0].Content, tt.wantContain) {
					t.Errorf("post %q does not contain %q", sent[0].Content, tt.wantContain)
				}
			}
		})
	}
}

func TestEventSink_DeliverBadPayload(t *testing.T) {
	t.Parallel()

	rec := &mock.MessageRecorder{}
	sink := NewEventSink(rec, nil)

	err := sink.Deliver(context.Background(), game.OutboxEvent{
		SessionScope: "chan-1",
		EventType:    game.EventGiveItemUnresolved,
		Payload:      []byte(`not json`),
	})
	if err == nil {
		t.Fatal("Deliver() = nil, want decode error")
	}
	if !strings.Contains(err.Error(), "decode") {
		t.Errorf("error %q does not mention decode", err)
	}
}

func TestTimerNotifier_TimerFired(t *testing.T) {
	t.Parallel()

	t.Run("replies to the bound message", func(t *testing.T) {
		t.Parallel()
		rec := &mock.MessageRecorder{}
		n := NewTimerNotifier(rec, nil)

		err := n.TimerFired(context.Background(), game.Timer{
			ID:                "t1",
			EventText:         "the torch gutters out",
			ExternalChannelID: "chan-1",
			ExternalMessageID: "msg-9",
		})
		if err != nil {
			t.Fatalf("TimerFired() error = %v", err)
		}
		last := rec.Last()
		if last.ReplyToID != "msg-9" {
			t.Errorf("ReplyToID = %q, want msg-9", last.ReplyToID)
		}
		if !strings.Contains(last.Content, "torch gutters out") {
			t.Errorf("content %q missing event text", last.Content)
		}
	})

	t.Run("unbound timer fires silently", func(t *testing.T) {
		t.Parallel()
		rec := &mock.MessageRecorder{}
		n := NewTimerNotifier(rec, nil)

		if err := n.TimerFired(context.Background(), game.Timer{ID: "t2", EventText: "x"}); err != nil {
			t.Fatalf("TimerFired() error = %v", err)
		}
		if got := len(rec.Sent()); got != 0 {
			t.Errorf("posted %d messages, want 0", got)
		}
	})
}
