package engine

import (
	"context"

	"github.com/rvickery/taleturn/pkg/game"
)

// ResolveTurnInput identifies one submitted player action.
type ResolveTurnInput struct {
	CampaignID string
	ActorID    string
	SessionID  string

	// Action is the raw player text.
	Action string
}

// ResolveTurnResult is the committed outcome of a resolved turn.
type ResolveTurnResult struct {
	Narration       string
	UserTurnID      int64
	NarrationTurnID int64

	// RowVersion is the campaign row version after the commit.
	RowVersion int

	// EmittedEvents lists the outbox event types written by this turn.
	EmittedEvents []string
}

// TurnContext is the read snapshot assembled in Phase A and handed to the
// completion provider. Everything in it was loaded at StartRowVersion; Phase C
// refuses to commit if the campaign moved past that version.
type TurnContext struct {
	CampaignID string
	ActorID    string
	SessionID  string
	Action     string

	Campaign    *game.Campaign
	Player      *game.Player
	RecentTurns []game.Turn
	ActiveTimer *game.Timer

	// MemoryHits is filled in Phase B, after visibility filtering.
	MemoryHits []MemoryHit

	StartRowVersion int
}

// MemoryHit is one semantic-memory retrieval result offered to the prompt.
type MemoryHit struct {
	TurnID   int64
	Content  string
	Distance float64
}

// TimerInstructionKind selects the timer operation requested by the model.
type TimerInstructionKind string

const (
	TimerSchedule TimerInstructionKind = "schedule"
	TimerCancel   TimerInstructionKind = "cancel"
)

// TimerInstruction is the model's request to schedule or cancel the campaign
// timer. Scheduling replaces any active timer.
type TimerInstruction struct {
	Kind TimerInstructionKind

	// DelaySeconds is how far in the future the timer fires. Values below the
	// engine's floor are raised to it.
	DelaySeconds int

	// EventText is the narrative event injected when the timer fires.
	EventText string

	// Interruptible timers are cancelled by the next player action;
	// InterruptAction, when set, is the action text synthesised on interrupt.
	Interruptible   bool
	InterruptAction string
}

// GiveItemInstruction is the model's request to move an inventory item from
// the acting player to another player.
type GiveItemInstruction struct {
	Item     string
	TargetID string // actor id when the model resolved it
	Target   string // display name or mention otherwise
}

// TurnOutput is the structured result parsed from the completion. Zero-value
// fields mean "no change".
type TurnOutput struct {
	Narration string

	// StateUpdate and CharacterUpdates are merge patches over the campaign
	// blobs; a JSON null deletes the key.
	StateUpdate      map[string]any
	CharacterUpdates map[string]any

	// PlayerStateUpdate is a merge patch over the acting player's state.
	PlayerStateUpdate map[string]any

	SummaryUpdate string
	XPAwarded     int

	// SceneImagePrompt, when set, requests scene image generation for the
	// current room.
	SceneImagePrompt string

	Timer    *TimerInstruction
	GiveItem *GiveItemInstruction
}

// TextCompletion produces the structured turn output for a turn context.
// Implementations own prompt assembly and output parsing; a malformed model
// response surfaces as [game.ErrBadModelOutput].
type TextCompletion interface {
	CompleteTurn(ctx context.Context, tc *TurnContext) (*TurnOutput, error)
}

// MemorySearch retrieves semantically similar past turns for a query. The
// engine applies the rewind visibility watermark on top of the raw results.
type MemorySearch interface {
	Search(ctx context.Context, campaignID, query string, topK int) ([]MemoryHit, error)
}

// ActorResolver resolves a player-supplied mention or name to an actor id
// within a campaign. An empty id with nil error means "no confident match".
type ActorResolver interface {
	Resolve(ctx context.Context, campaignID, mention string) (string, error)
}

// MemoryIndexer derives and stores the embedding for a committed turn. It
// runs after Phase C, outside the transaction; failures are logged, never
// surfaced to the player.
type MemoryIndexer interface {
	IndexTurn(ctx context.Context, t *game.Turn) error
}
