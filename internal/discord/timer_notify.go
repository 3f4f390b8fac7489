package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/rvickery/taleturn/internal/timers"
	"github.com/rvickery/taleturn/pkg/game"
)

// TimerNotifier posts fired timer events into their bound channel, replying
// to the narration message the timer was attached to so players can see what
// the event follows from. Compose it after the store effects so the system
// turn exists before players see the post.
type TimerNotifier struct {
	messenger Messenger
	log       *slog.Logger
}

var _ timers.Effects = (*TimerNotifier)(nil)

// NewTimerNotifier returns a TimerNotifier posting through messenger.
func NewTimerNotifier(messenger Messenger, log *slog.Logger) *TimerNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &TimerNotifier{messenger: messenger, log: log}
}

// TimerFired implements [timers.Effects]. Timers never bound to a channel
// fire silently; the system turn still records the event.
func (n *TimerNotifier) TimerFired(ctx context.Context, t game.Timer) error {
	if t.ExternalChannelID == "" {
		return nil
	}

	content := "⏰ " + t.EventText
	if t.ExternalMessageID != "" {
		ref := &discordgo.MessageReference{
			MessageID: t.ExternalMessageID,
			ChannelID: t.ExternalChannelID,
		}
		_, err := n.messenger.ChannelMessageSendReply(t.ExternalChannelID, content, ref)
		if err == nil {
			return nil
		}
		// The anchor message may have been deleted; fall through to a plain
		// post.
		n.log.WarnContext(ctx, "timer reply failed, posting plain",
			"timer_id", t.ID, "message_id", t.ExternalMessageID, "error", err)
	}

	if _, err := n.messenger.ChannelMessageSend(t.ExternalChannelID, content); err != nil {
		return fmt.Errorf("discord: post timer event %s: %w", t.ID, err)
	}
	return nil
}
