package prompt

import (
	"errors"
	"testing"

	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/pkg/game"
)

func TestParseTurnOutput(t *testing.T) {
	t.Parallel()

	t.Run("full object", func(t *testing.T) {
		t.Parallel()
		out, err := ParseTurnOutput(`{
			"narration": "  You strike the flint.  ",
			"state_update": {"lit": true},
			"character_updates": {"guard": null},
			"player_state_update": {"hands": "sooty"},
			"summary_update": "A fire burns in the hearth.",
			"xp_awarded": 5,
			"scene_image_prompt": "a hearth bursting into flame",
			"timer": {"action": "SCHEDULE", "delay_seconds": 300, "event_text": "The fire dies down.", "interruptible": false, "interrupt_action": "douse"},
			"give_item": {"item": "flint", "target": " Bob "}
		}`)
		if err != nil {
			t.Fatalf("ParseTurnOutput() error = %v", err)
		}
		if out.Narration != "You strike the flint." {
			t.Errorf("Narration = %q, want trimmed", out.Narration)
		}
		if out.StateUpdate["lit"] != true {
			t.Errorf("StateUpdate = %v", out.StateUpdate)
		}
		if v, ok := out.CharacterUpdates["guard"]; !ok || v != nil {
			t.Errorf("CharacterUpdates = %v, want guard -> nil delete", out.CharacterUpdates)
		}
		if out.SummaryUpdate != "A fire burns in the hearth." || out.XPAwarded != 5 {
			t.Errorf("summary/xp = %q / %d", out.SummaryUpdate, out.XPAwarded)
		}
		if out.SceneImagePrompt != "a hearth bursting into flame" {
			t.Errorf("SceneImagePrompt = %q", out.SceneImagePrompt)
		}
		if out.Timer == nil || out.Timer.Kind != engine.TimerSchedule {
			t.Fatalf("Timer = %+v", out.Timer)
		}
		if out.Timer.DelaySeconds != 300 || out.Timer.Interruptible || out.Timer.InterruptAction != "douse" {
			t.Errorf("Timer = %+v", out.Timer)
		}
		if out.GiveItem == nil || out.GiveItem.Item != "flint" || out.GiveItem.Target != "Bob" {
			t.Errorf("GiveItem = %+v", out.GiveItem)
		}
	})

	t.Run("markdown fence tolerated", func(t *testing.T) {
		t.Parallel()
		out, err := ParseTurnOutput("```json\n{\"narration\": \"You wait.\"}\n```")
		if err != nil {
			t.Fatalf("ParseTurnOutput() error = %v", err)
		}
		if out.Narration != "You wait." {
			t.Errorf("Narration = %q", out.Narration)
		}
	})

	t.Run("surrounding prose tolerated", func(t *testing.T) {
		t.Parallel()
		out, err := ParseTurnOutput(`Here is the result: {"narration": "You wait."} Hope that helps!`)
		if err != nil {
			t.Fatalf("ParseTurnOutput() error = %v", err)
		}
		if out.Narration != "You wait." {
			t.Errorf("Narration = %q", out.Narration)
		}
	})

	t.Run("nested braces in strings", func(t *testing.T) {
		t.Parallel()
		out, err := ParseTurnOutput(`{"narration": "The sign reads \"{closed}\" today."}`)
		if err != nil {
			t.Fatalf("ParseTurnOutput() error = %v", err)
		}
		if out.Narration != `The sign reads "{closed}" today.` {
			t.Errorf("Narration = %q", out.Narration)
		}
	})

	t.Run("timer interruptible defaults true", func(t *testing.T) {
		t.Parallel()
		out, err := ParseTurnOutput(`{"narration": "x", "timer": {"action": "schedule", "delay_seconds": 60, "event_text": "e"}}`)
		if err != nil {
			t.Fatalf("ParseTurnOutput() error = %v", err)
		}
		if !out.Timer.Interruptible {
			t.Error("Interruptible = false, want the default true")
		}
	})

	t.Run("empty give_item item dropped", func(t *testing.T) {
		t.Parallel()
		out, err := ParseTurnOutput(`{"narration": "x", "give_item": {"item": "", "target": "Bob"}}`)
		if err != nil {
			t.Fatalf("ParseTurnOutput() error = %v", err)
		}
		if out.GiveItem != nil {
			t.Errorf("GiveItem = %+v, want nil", out.GiveItem)
		}
	})

	badCases := []struct {
		name    string
		content string
	}{
		{"no JSON object", "I cannot answer that."},
		{"unbalanced object", `{"narration": "truncated`},
		{"invalid JSON", `{narration: unquoted}`},
		{"missing narration", `{"xp_awarded": 5}`},
		{"blank narration", `{"narration": "   "}`},
		{"unknown timer action", `{"narration": "x", "timer": {"action": "snooze"}}`},
	}
	for _, tt := range badCases {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTurnOutput(tt.content)
			if !errors.Is(err, game.ErrBadModelOutput) {
				t.Fatalf("ParseTurnOutput(%q) error = %v, want ErrBadModelOutput", tt.content, err)
			}
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"fence without language", "```\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", `text {"a":1} more`, `{"a":1}`, true},
		{"nested objects", `{"a":{"b":2}}`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`, true},
		{"escaped quote", `{"a":"\"}"}`, `{"a":"\"}"}`, true},
		{"no object", "plain text", "", false},
		{"unbalanced", `{"a":1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := extractJSONObject(tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractJSONObject(%q) = %q, %v, want %q, %v", tt.content, got, ok, tt.want, tt.ok)
			}
		})
	}
}
