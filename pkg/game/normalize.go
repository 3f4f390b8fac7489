package game

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	nameStrip   = regexp.MustCompile(`[^a-zA-Z0-9 _-]`)
	maxNameNorm = 64
)

// NormalizeCampaignName produces the canonical lookup form of a campaign
// name: whitespace collapsed, characters outside [a-zA-Z0-9 _-] removed,
// lowercased, capped at 64 characters. Empty input normalizes to "main".
func NormalizeCampaignName(name string) string {
	v := strings.TrimSpace(name)
	v = spaceRun.ReplaceAllString(v, " ")
	v = nameStrip.ReplaceAllString(v, "")
	v = strings.ToLower(v)
	if len(v) > maxNameNorm {
		v = v[:maxNameNorm]
	}
	if v == "" {
		return "main"
	}
	return v
}

// ParseObject decodes an opaque JSON blob into a map. Empty, invalid or
// non-object input yields an empty map; the engine never fails a turn over a
// malformed stored blob.
func ParseObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// DumpObject is the inverse of [ParseObject]. It never fails for values built
// from decoded JSON; on a marshal error it returns "{}".
func DumpObject(m map[string]any) json.RawMessage {
	if m == nil {
		return json.RawMessage(`{}`)
	}
	out, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// ApplyPatch merges patch into base, returning a new map. Nil patch values
// delete the key; base is not mutated.
func ApplyPatch(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
