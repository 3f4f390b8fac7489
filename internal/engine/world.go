package engine

import (
	"fmt"
	"strings"

	"github.com/rvickery/taleturn/pkg/game"
)

// maxRoomKeyLen caps room keys so they stay usable as idempotency-key parts.
const maxRoomKeyLen = 120

// RoomKey derives a stable room identity from the acting player's state. It
// prefers an explicit room id, then location, room title and room summary,
// falling back to "unknown-room" when the state names no room at all.
func RoomKey(state map[string]any) string {
	for _, field := range []string{"room_id", "location", "room_title", "room_summary"} {
		if v, ok := state[field].(string); ok {
			key := strings.ToLower(strings.TrimSpace(v))
			if key == "" {
				continue
			}
			if len(key) > maxRoomKeyLen {
				key = key[:maxRoomKeyLen]
			}
			return key
		}
	}
	return "unknown-room"
}

// InventoryItem is one entry in a player's inventory blob. Origin records how
// the item was acquired.
type InventoryItem struct {
	Name   string
	Origin string
}

// TransferItem moves one inventory item from src to dst, matching the item
// name case-insensitively. The receiving entry is annotated with its origin;
// a target already holding an item of that name keeps its copy and the
// duplicate is dropped. It mutates both players' state blobs and reports
// whether a transfer happened; src lacking the item is a no-op.
func TransferItem(src, dst *game.Player, item string) bool {
	name := strings.TrimSpace(item)
	if name == "" {
		return false
	}

	srcState := game.ParseObject(src.State)
	inv := inventoryOf(srcState)
	idx := -1
	for i, entry := range inv {
		if strings.EqualFold(strings.TrimSpace(entry.Name), name) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	moved := inv[idx]
	inv = append(inv[:idx], inv[idx+1:]...)
	setInventory(srcState, inv)
	src.State = game.DumpObject(srcState)

	dstState := game.ParseObject(dst.State)
	dstInv := inventoryOf(dstState)
	if !holdsItem(dstInv, moved.Name) {
		dstInv = append(dstInv, InventoryItem{
			Name:   moved.Name,
			Origin: "Received from " + src.ActorID,
		})
	}
	setInventory(dstState, dstInv)
	dst.State = game.DumpObject(dstState)
	return true
}

func holdsItem(inv []InventoryItem, name string) bool {
	for _, entry := range inv {
		if strings.EqualFold(entry.Name, name) {
			return true
		}
	}
	return false
}

// RenderInventory formats a player's inventory for surface display.
func RenderInventory(p *game.Player) string {
	inv := inventoryOf(game.ParseObject(p.State))
	if len(inv) == 0 {
		return "Your inventory is empty."
	}
	var b strings.Builder
	b.WriteString("Inventory:\n")
	for _, entry := range inv {
		if entry.Origin != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", entry.Name, entry.Origin)
		} else {
			fmt.Fprintf(&b, "- %s\n", entry.Name)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// inventoryOf reads state["inventory"], tolerating both bare item names and
// {"name","origin"} objects. Anything else is skipped.
func inventoryOf(state map[string]any) []InventoryItem {
	raw, ok := state["inventory"].([]any)
	if !ok {
		return nil
	}
	out := make([]InventoryItem, 0, len(raw))
	for _, v := range raw {
		switch entry := v.(type) {
		case string:
			out = append(out, InventoryItem{Name: entry})
		case map[string]any:
			name, _ := entry["name"].(string)
			if name == "" {
				continue
			}
			origin, _ := entry["origin"].(string)
			out = append(out, InventoryItem{Name: name, Origin: origin})
		}
	}
	return out
}

func setInventory(state map[string]any, inv []InventoryItem) {
	items := make([]any, 0, len(inv))
	for _, entry := range inv {
		m := map[string]any{"name": entry.Name}
		if entry.Origin != "" {
			m["origin"] = entry.Origin
		}
		items = append(items, m)
	}
	state["inventory"] = items
}
