// Package prompt turns a [engine.TurnContext] into an LLM conversation and
// parses the model's structured reply back into a [engine.TurnOutput]. It is
// the only place that knows the turn output schema; the engine treats the
// result as opaque instructions.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/pkg/game"
	"github.com/rvickery/taleturn/pkg/provider/llm"
)

// systemPrompt frames the model as the game master and pins the output
// contract. The schema block must stay in sync with turnOutputSchema in
// parse.go.
const systemPrompt = `You are the game master of a persistent multiplayer text adventure.
Narrate the consequence of the player's action in second person, staying
consistent with the campaign summary, the world state and the recent turns.

Respond with a single JSON object and nothing else:
{
  "narration": "the narrative response (required)",
  "state_update": {"key": "value or null to delete"},
  "character_updates": {"name": "new description or null"},
  "player_state_update": {"key": "value or null"},
  "summary_update": "new developments to append to the campaign summary, omit when nothing lasting happened",
  "xp_awarded": 0,
  "scene_image_prompt": "image prompt when the scene changed visually",
  "timer": {"action": "schedule|cancel", "delay_seconds": 0, "event_text": "", "interruptible": true, "interrupt_action": ""},
  "give_item": {"item": "", "target": "player name or mention"}
}
Omit every field you do not need. Never invent fields.`

// Completer implements [engine.TextCompletion] over an [llm.Provider].
type Completer struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

var _ engine.TextCompletion = (*Completer)(nil)

// Option configures a [Completer].
type Option func(*Completer)

// WithTemperature sets the sampling temperature. Default 0.8.
func WithTemperature(t float64) Option {
	return func(c *Completer) { c.temperature = t }
}

// WithMaxTokens caps the completion length. Zero means provider default.
func WithMaxTokens(n int) Option {
	return func(c *Completer) { c.maxTokens = n }
}

// NewCompleter returns a Completer over provider.
func NewCompleter(provider llm.Provider, opts ...Option) *Completer {
	c := &Completer{provider: provider, temperature: 0.8}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompleteTurn implements [engine.TextCompletion].
func (c *Completer) CompleteTurn(ctx context.Context, tc *engine.TurnContext) (*engine.TurnOutput, error) {
	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     buildMessages(tc),
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		JSONOnly:     true,
	}

	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("prompt: complete: %w", err)
	}
	return ParseTurnOutput(resp.Content)
}

// buildMessages renders the turn context into the conversation history: one
// user message carrying the world briefing, the recent turn transcript as
// alternating user/assistant messages, and the player's action last.
func buildMessages(tc *engine.TurnContext) []llm.Message {
	msgs := make([]llm.Message, 0, len(tc.RecentTurns)+2)
	msgs = append(msgs, llm.Message{Role: "user", Content: renderBriefing(tc)})

	for _, t := range tc.RecentTurns {
		switch t.Kind {
		case game.TurnUser:
			msgs = append(msgs, llm.Message{Role: "user", Content: t.Content})
		case game.TurnNarration, game.TurnSystem:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Content})
		}
	}

	msgs = append(msgs, llm.Message{Role: "user", Content: tc.Action})
	return msgs
}

// renderBriefing assembles the out-of-band world context the transcript does
// not carry.
func renderBriefing(tc *engine.TurnContext) string {
	var b strings.Builder
	b.WriteString("[World briefing]\n")

	if tc.Campaign.Summary != "" {
		fmt.Fprintf(&b, "Campaign summary: %s\n", tc.Campaign.Summary)
	}
	if state := strings.TrimSpace(string(tc.Campaign.State)); state != "" && state != "{}" {
		fmt.Fprintf(&b, "World state: %s\n", state)
	}
	if chars := strings.TrimSpace(string(tc.Campaign.Characters)); chars != "" && chars != "{}" {
		fmt.Fprintf(&b, "Characters: %s\n", chars)
	}
	if tc.Player != nil {
		fmt.Fprintf(&b, "Acting player: level %d, %d XP", tc.Player.Level, tc.Player.XP)
		if state := strings.TrimSpace(string(tc.Player.State)); state != "" && state != "{}" {
			fmt.Fprintf(&b, ", state: %s", state)
		}
		b.WriteString("\n")
	}
	if tc.ActiveTimer != nil {
		fmt.Fprintf(&b, "Pending timed event (due %s): %s\n",
			tc.ActiveTimer.DueAt.Format("15:04:05"), tc.ActiveTimer.EventText)
	}
	if len(tc.MemoryHits) > 0 {
		b.WriteString("Relevant past events:\n")
		for _, h := range tc.MemoryHits {
			fmt.Fprintf(&b, "- %s\n", h.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
