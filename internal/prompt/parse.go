package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/pkg/game"
)

// turnOutputSchema is the wire shape of the model's reply.
type turnOutputSchema struct {
	Narration         string         `json:"narration"`
	StateUpdate       map[string]any `json:"state_update"`
	CharacterUpdates  map[string]any `json:"character_updates"`
	PlayerStateUpdate map[string]any `json:"player_state_update"`
	SummaryUpdate     string         `json:"summary_update"`
	XPAwarded         int            `json:"xp_awarded"`
	SceneImagePrompt  string         `json:"scene_image_prompt"`

	Timer *struct {
		Action          string `json:"action"`
		DelaySeconds    int    `json:"delay_seconds"`
		EventText       string `json:"event_text"`
		Interruptible   *bool  `json:"interruptible"`
		InterruptAction string `json:"interrupt_action"`
	} `json:"timer"`

	GiveItem *struct {
		Item   string `json:"item"`
		Target string `json:"target"`
	} `json:"give_item"`
}

// ParseTurnOutput decodes the model's reply into a [engine.TurnOutput].
// Markdown code fences and surrounding prose are tolerated as long as exactly
// one JSON object can be extracted; anything else surfaces as
// [game.ErrBadModelOutput].
func ParseTurnOutput(content string) (*engine.TurnOutput, error) {
	raw, ok := extractJSONObject(content)
	if !ok {
		return nil, fmt.Errorf("prompt: no JSON object in model reply: %w", game.ErrBadModelOutput)
	}

	var s turnOutputSchema
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("prompt: decode model reply: %v: %w", err, game.ErrBadModelOutput)
	}
	if strings.TrimSpace(s.Narration) == "" {
		return nil, fmt.Errorf("prompt: missing narration: %w", game.ErrBadModelOutput)
	}

	out := &engine.TurnOutput{
		Narration:         strings.TrimSpace(s.Narration),
		StateUpdate:       s.StateUpdate,
		CharacterUpdates:  s.CharacterUpdates,
		PlayerStateUpdate: s.PlayerStateUpdate,
		SummaryUpdate:     strings.TrimSpace(s.SummaryUpdate),
		XPAwarded:         s.XPAwarded,
		SceneImagePrompt:  strings.TrimSpace(s.SceneImagePrompt),
	}

	if s.Timer != nil {
		kind := engine.TimerInstructionKind(strings.ToLower(strings.TrimSpace(s.Timer.Action)))
		switch kind {
		case engine.TimerSchedule, engine.TimerCancel:
		default:
			return nil, fmt.Errorf("prompt: timer action %q: %w", s.Timer.Action, game.ErrBadModelOutput)
		}
		interruptible := true
		if s.Timer.Interruptible != nil {
			interruptible = *s.Timer.Interruptible
		}
		out.Timer = &engine.TimerInstruction{
			Kind:            kind,
			DelaySeconds:    s.Timer.DelaySeconds,
			EventText:       s.Timer.EventText,
			Interruptible:   interruptible,
			InterruptAction: s.Timer.InterruptAction,
		}
	}

	if s.GiveItem != nil && s.GiveItem.Item != "" {
		out.GiveItem = &engine.GiveItemInstruction{
			Item:   s.GiveItem.Item,
			Target: strings.TrimSpace(s.GiveItem.Target),
		}
	}

	return out, nil
}

// extractJSONObject finds the outermost {...} in content, stripping markdown
// fences first. It reports false when no balanced object exists.
func extractJSONObject(content string) (string, bool) {
	s := strings.TrimSpace(content)

	// Strip a ```json ... ``` fence when present.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
