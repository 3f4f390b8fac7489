package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvickery/taleturn/internal/outbox"
	"github.com/rvickery/taleturn/pkg/game"
)

// EventSink delivers outbox events to the Discord channel they originated
// from. Event session scopes on this surface are channel ids; events written
// without a session (rewind prunes) have no channel and are acknowledged
// without posting.
type EventSink struct {
	messenger Messenger
	log       *slog.Logger
}

var _ outbox.Sink = (*EventSink)(nil)

// NewEventSink returns an EventSink posting through messenger.
func NewEventSink(messenger Messenger, log *slog.Logger) *EventSink {
	if log == nil {
		log = slog.Default()
	}
	return &EventSink{messenger: messenger, log: log}
}

// Deliver implements [outbox.Sink]. Unknown event types are acknowledged so
// they do not wedge the queue.
func (s *EventSink) Deliver(ctx context.Context, ev game.OutboxEvent) error {
	channelID := ev.SessionScope
	if channelID == game.SessionScopeNone || channelID == "" {
		s.log.DebugContext(ctx, "outbox event has no channel, skipping",
			"event_id", ev.ID, "event_type", ev.EventType)
		return nil
	}

	switch ev.EventType {
	case game.EventTimerScheduled:
		return s.deliverTimerScheduled(ev, channelID)

	case game.EventSceneImageRequested:
		// No image renderer is wired yet; surface the prompt as flavor text.
		var p struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("discord: decode %s payload: %w", ev.EventType, err)
		}
		return s.post(channelID, "*"+p.Prompt+"*")

	case game.EventGiveItemUnresolved:
		var p struct {
			Item   string `json:"item"`
			Target string `json:"target"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("discord: decode %s payload: %w", ev.EventType, err)
		}
		return s.post(channelID, fmt.Sprintf(
			"Could not work out who %q is, so **%s** stays where it was.", p.Target, p.Item))

	case game.EventMemoryPruneRequested:
		// Internal consumers only; nothing to show players.
		return nil

	default:
		s.log.WarnContext(ctx, "unknown outbox event type, acknowledging",
			"event_id", ev.ID, "event_type", ev.EventType)
		return nil
	}
}

func (s *EventSink) deliverTimerScheduled(ev game.OutboxEvent, channelID string) error {
	var p struct {
		EventText string `json:"event_text"`
		DueAt     string `json:"due_at"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("discord: decode %s payload: %w", ev.EventType, err)
	}

	text := "⏳ Something is set in motion..."
	if due, err := time.Parse(time.RFC3339, p.DueAt); err == nil {
		text = fmt.Sprintf("⏳ Something is set in motion... <t:%d:R>", due.Unix())
	}
	return s.post(channelID, text)
}

func (s *EventSink) post(channelID, content string) error {
	if _, err := s.messenger.ChannelMessageSend(channelID, content); err != nil {
		return fmt.Errorf("discord: post to %s: %w", channelID, err)
	}
	return nil
}
