package game

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNormalizeCampaignName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Dragon Keep", "dragon keep"},
		{"collapses whitespace", "  Dragon \t  Keep  ", "dragon keep"},
		{"strips punctuation", "Dragon's Keep!", "dragons keep"},
		{"keeps underscores and hyphens", "raid_night-2", "raid_night-2"},
		{"caps at 64", strings.Repeat("a", 100), strings.Repeat("a", 64)},
		{"empty falls back to main", "", "main"},
		{"punctuation-only falls back to main", "!!!", "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeCampaignName(tt.in); got != tt.want {
				t.Errorf("NormalizeCampaignName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseObject(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   json.RawMessage
		want map[string]any
	}{
		{"object", json.RawMessage(`{"a":1}`), map[string]any{"a": float64(1)}},
		{"empty input", nil, map[string]any{}},
		{"invalid JSON", json.RawMessage(`{broken`), map[string]any{}},
		{"non-object", json.RawMessage(`[1,2]`), map[string]any{}},
		{"JSON null", json.RawMessage(`null`), map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ParseObject(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseObject(%s) = %v, want %v", tt.in, got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("ParseObject(%s)[%q] = %v, want %v", tt.in, k, got[k], v)
				}
			}
		})
	}
}

func TestDumpObject(t *testing.T) {
	t.Parallel()
	if got := DumpObject(nil); string(got) != "{}" {
		t.Errorf("DumpObject(nil) = %s, want {}", got)
	}
	if got := DumpObject(map[string]any{"a": 1}); string(got) != `{"a":1}` {
		t.Errorf("DumpObject() = %s", got)
	}
}

func TestApplyPatch(t *testing.T) {
	t.Parallel()
	base := map[string]any{"keep": "old", "replace": "old", "remove": "old"}
	patch := map[string]any{"replace": "new", "remove": nil, "add": "new"}

	got := ApplyPatch(base, patch)

	if got["keep"] != "old" || got["replace"] != "new" || got["add"] != "new" {
		t.Errorf("ApplyPatch() = %v", got)
	}
	if _, ok := got["remove"]; ok {
		t.Error("nil patch value did not delete the key")
	}

	// Base is untouched.
	if base["replace"] != "old" {
		t.Errorf("base mutated: %v", base)
	}
	if _, ok := base["remove"]; !ok {
		t.Errorf("base mutated: %v", base)
	}
}
