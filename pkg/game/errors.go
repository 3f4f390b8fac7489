package game

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Callers discriminate with [errors.Is]; everything
// else that escapes the engine is a wrapped storage or port failure.
var (
	// ErrLeaseHeld means another non-expired inflight lease exists for the
	// (campaign, actor) pair. User-facing "already in progress"; never
	// retried by the engine.
	ErrLeaseHeld = errors.New("turn already in flight for this actor")

	// ErrLeaseLost means the claim was stolen before Phase C committed. No
	// partial writes escape; the caller may resubmit.
	ErrLeaseLost = errors.New("turn claim lost before commit")

	// ErrCASConflict means the campaign row_version moved mid-turn and
	// conflict retries were exhausted.
	ErrCASConflict = errors.New("campaign row version conflict")

	// ErrBadModelOutput means the completion output could not be parsed into
	// the structured turn schema.
	ErrBadModelOutput = errors.New("model output does not match the turn schema")

	// ErrNoSnapshot means the rewind target turn has no snapshot.
	ErrNoSnapshot = errors.New("no snapshot for target turn")

	// ErrNotFound means a campaign, actor, player or turn is absent.
	ErrNotFound = errors.New("not found")

	// ErrActiveTimerExists means a schedule was attempted while an active
	// timer already exists for the campaign.
	ErrActiveTimerExists = errors.New("campaign already has an active timer")
)

// PortError wraps a failure raised by a capability port (text completion,
// embeddings, memory search, timer effects, …).
type PortError struct {
	Port string
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("port %s: %v", e.Port, e.Err)
}

func (e *PortError) Unwrap() error { return e.Err }
