// Package game defines the persistent domain model of the Taleturn
// turn-resolution engine and the repository contracts every storage backend
// must satisfy.
//
// The engine treats all *_json blobs ([Campaign.State], [Player.Attributes],
// [OutboxEvent.Payload], …) as opaque structured values: they are merged and
// carried, never interpreted. A tagged decoding layer, when one exists, lives
// above this package.
package game

import (
	"encoding/json"
	"time"
)

// TurnKind classifies a row in the turn log.
type TurnKind string

const (
	// TurnUser is a player-submitted action.
	TurnUser TurnKind = "user"

	// TurnNarration is the engine's narrative response to a user turn.
	TurnNarration TurnKind = "narration"

	// TurnSystem is an engine-generated event (timer firings and the like).
	TurnSystem TurnKind = "system"
)

// IsValid reports whether k is a recognised turn kind.
func (k TurnKind) IsValid() bool {
	switch k {
	case TurnUser, TurnNarration, TurnSystem:
		return true
	}
	return false
}

// TimerStatus is a state in the campaign timer state machine.
type TimerStatus string

const (
	TimerScheduledUnbound TimerStatus = "scheduled_unbound"
	TimerScheduledBound   TimerStatus = "scheduled_bound"
	TimerCancelled        TimerStatus = "cancelled"
	TimerExpired          TimerStatus = "expired"
	TimerConsumed         TimerStatus = "consumed"
)

// IsActive reports whether the status counts against the one-active-timer
// uniqueness constraint.
func (s TimerStatus) IsActive() bool {
	return s == TimerScheduledUnbound || s == TimerScheduledBound
}

// OutboxStatus is the dispatch state of an outbox event.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Outbox event types emitted by the engine.
const (
	EventSceneImageRequested  = "scene_image_requested"
	EventTimerScheduled       = "timer_scheduled"
	EventMemoryPruneRequested = "memory_prune_requested"
	EventGiveItemUnresolved   = "give_item_unresolved"
)

// SessionScopeNone is the sentinel session scope used for outbox idempotency
// when an event is not bound to any surface session.
const SessionScopeNone = "__none__"

// Actor is the identity of a human or NPC. Identity is immutable; only the
// display name may change.
type Actor struct {
	ID          string
	DisplayName string
	Kind        string // "human" or "npc"
	Metadata    json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActorExternalRef links an actor to an identity on an external surface,
// e.g. ("discord", "186527693621560821").
type ActorExternalRef struct {
	ID         string
	ActorID    string
	Provider   string
	ExternalID string
	CreatedAt  time.Time
}

// Campaign is one game world. RowVersion is the optimistic-concurrency fence:
// every committed mutation increments it by exactly one.
type Campaign struct {
	ID               string
	Namespace        string
	Name             string
	NameNormalized   string
	CreatedByActorID string

	Summary       string
	State         json.RawMessage
	Characters    json.RawMessage
	LastNarration string

	// MemoryVisibleMaxTurnID is the memory visibility watermark. Nil means
	// the campaign has never been rewound and all derived memory is visible.
	MemoryVisibleMaxTurnID *int64

	RowVersion int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Session binds a campaign to a chat surface (a channel or thread). The turn
// engine never mutates sessions; they scope outbox idempotency.
type Session struct {
	ID         string
	CampaignID string

	Surface        string
	SurfaceKey     string
	SurfaceGuildID string
	ChannelID      string
	ThreadID       string

	Enabled   bool
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Player is an actor's standing inside one campaign.
type Player struct {
	ID         string
	CampaignID string
	ActorID    string

	Level      int
	XP         int
	Attributes json.RawMessage
	State      json.RawMessage

	LastActiveAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Turn is one row of the append-only turn log. IDs are assigned by the store
// and are monotonically increasing, so ID order is causal order within a
// campaign.
type Turn struct {
	ID         int64
	CampaignID string
	SessionID  string
	ActorID    string

	Kind    TurnKind
	Content string
	Meta    json.RawMessage

	// External ids registered by the chat surface after the narration is
	// posted; used to resolve rewind targets from message references.
	ExternalMessageID     string
	ExternalUserMessageID string

	CreatedAt time.Time
}

// Snapshot is the immutable state capture bound one-to-one to a narration
// turn. It is the restore target for rewind.
type Snapshot struct {
	ID         string
	TurnID     int64
	CampaignID string

	CampaignState      json.RawMessage
	CampaignCharacters json.RawMessage
	CampaignSummary    string
	LastNarration      string

	// Players is the projected state of every player at commit time, shaped
	// {"players":[{"actor_id":…,"level":…,"xp":…,"attributes_json":…,"state_json":…},…]}.
	Players json.RawMessage

	CreatedAt time.Time
}

// SnapshotPlayer is one entry of [Snapshot.Players].
type SnapshotPlayer struct {
	PlayerID   string          `json:"player_id"`
	ActorID    string          `json:"actor_id"`
	Level      int             `json:"level"`
	XP         int             `json:"xp"`
	Attributes json.RawMessage `json:"attributes_json"`
	State      json.RawMessage `json:"state_json"`
}

// SnapshotPlayers is the envelope serialised into [Snapshot.Players].
type SnapshotPlayers struct {
	Players []SnapshotPlayer `json:"players"`
}

// Timer is a pending narrative event. At most one timer per campaign may be
// in an active ([TimerStatus.IsActive]) status.
type Timer struct {
	ID         string
	CampaignID string
	SessionID  string

	Status          TimerStatus
	EventText       string
	Interruptible   bool
	InterruptAction string

	DueAt       time.Time
	FiredAt     *time.Time
	CancelledAt *time.Time

	ExternalMessageID string
	ExternalChannelID string
	ExternalThreadID  string

	Meta      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InflightTurn is the lease row asserting the exclusive right to resolve a
// turn for (campaign, actor) until ExpiresAt.
type InflightTurn struct {
	ID         string
	CampaignID string
	ActorID    string

	ClaimToken  string
	ClaimedAt   time.Time
	HeartbeatAt time.Time
	ExpiresAt   time.Time
}

// Embedding is the vector derived from one turn, used by similarity search.
type Embedding struct {
	TurnID     int64
	CampaignID string
	Kind       TurnKind
	Content    string
	Vector     []float32
	CreatedAt  time.Time
}

// MediaRef records generated media associated with a room or a player.
type MediaRef struct {
	ID         string
	CampaignID string
	PlayerID   string

	RefType string
	RoomKey string
	URL     string
	Prompt  string

	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutboxEvent is one externally-visible effect, written in the same
// transaction as the state change that caused it and drained by a separate
// worker.
type OutboxEvent struct {
	ID         string
	CampaignID string
	SessionID  string

	// SessionScope partitions the idempotency key space; it is SessionID or
	// [SessionScopeNone] when the event has no surface session.
	SessionScope string

	EventType      string
	IdempotencyKey string
	Payload        json.RawMessage

	Status        OutboxStatus
	Attempts      int
	NextAttemptAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
