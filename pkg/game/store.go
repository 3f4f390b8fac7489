package game

import (
	"context"
	"encoding/json"
	"time"
)

// CampaignUpdate carries the mutable campaign fields written by a CAS commit.
// A nil MemoryVisibleMaxTurnID leaves the watermark untouched; the watermark
// is only ever written by rewind.
type CampaignUpdate struct {
	Summary                string
	State                  json.RawMessage
	Characters             json.RawMessage
	LastNarration          string
	MemoryVisibleMaxTurnID *int64
}

// CampaignRepo provides access to campaign rows. Lookups return (nil, nil)
// when no row matches.
type CampaignRepo interface {
	Get(ctx context.Context, id string) (*Campaign, error)
	GetByName(ctx context.Context, namespace, nameNormalized string) (*Campaign, error)
	Create(ctx context.Context, c *Campaign) error

	// CASUpdate applies upd and increments row_version by one, but only if
	// the stored row_version still equals expectedRowVersion. It reports
	// whether a row was updated.
	CASUpdate(ctx context.Context, id string, expectedRowVersion int, upd CampaignUpdate) (bool, error)
}

// ActorRepo provides access to actors and their external identity refs.
type ActorRepo interface {
	Get(ctx context.Context, id string) (*Actor, error)
	Create(ctx context.Context, a *Actor) error
	GetByExternalRef(ctx context.Context, provider, externalID string) (*Actor, error)
	AddExternalRef(ctx context.Context, ref *ActorExternalRef) error

	// ListByCampaign returns the actors that have a player in the campaign.
	ListByCampaign(ctx context.Context, campaignID string) ([]Actor, error)
}

// SessionRepo provides access to surface sessions.
type SessionRepo interface {
	Get(ctx context.Context, id string) (*Session, error)
	GetBySurfaceKey(ctx context.Context, surfaceKey string) (*Session, error)
	Create(ctx context.Context, s *Session) error
}

// PlayerRepo provides access to per-campaign player rows.
type PlayerRepo interface {
	GetByCampaignActor(ctx context.Context, campaignID, actorID string) (*Player, error)
	Create(ctx context.Context, p *Player) error
	Update(ctx context.Context, p *Player) error
	ListByCampaign(ctx context.Context, campaignID string) ([]Player, error)
}

// TurnRepo provides access to the append-only turn log.
type TurnRepo interface {
	// Append inserts t and populates t.ID and t.CreatedAt.
	Append(ctx context.Context, t *Turn) error

	// Recent returns up to limit turns for the campaign in ascending id
	// order, keeping the most recent ones.
	Recent(ctx context.Context, campaignID string, limit int) ([]Turn, error)

	Get(ctx context.Context, campaignID string, turnID int64) (*Turn, error)
	GetByExternalMessageID(ctx context.Context, campaignID, messageID string) (*Turn, error)
	GetByExternalUserMessageID(ctx context.Context, campaignID, messageID string) (*Turn, error)

	// SetExternalIDs registers the surface message ids for a turn.
	SetExternalIDs(ctx context.Context, turnID int64, messageID, userMessageID string) error

	// DeleteAfter removes all turns of the campaign with id > turnID and
	// returns the number deleted.
	DeleteAfter(ctx context.Context, campaignID string, turnID int64) (int64, error)
}

// SnapshotRepo provides access to rewind snapshots.
type SnapshotRepo interface {
	Add(ctx context.Context, s *Snapshot) error
	GetByCampaignTurn(ctx context.Context, campaignID string, turnID int64) (*Snapshot, error)
	DeleteAfterTurn(ctx context.Context, campaignID string, turnID int64) (int64, error)
}

// TimerRepo implements the persistent side of the timer state machine. All
// transitions are conditional updates: re-applying a transition from a
// terminal or already-matching state reports false without error.
type TimerRepo interface {
	GetActive(ctx context.Context, campaignID string) (*Timer, error)

	// Schedule inserts t in status scheduled_unbound. The storage layer
	// rejects the insert when an active timer already exists.
	Schedule(ctx context.Context, t *Timer) error

	Attach(ctx context.Context, timerID, messageID, channelID, threadID string) (bool, error)
	CancelActive(ctx context.Context, campaignID string, at time.Time) (int64, error)
	MarkExpired(ctx context.Context, timerID string, at time.Time) (bool, error)
	MarkConsumed(ctx context.Context, timerID string, at time.Time) (bool, error)

	// ListDue returns active timers with due_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Timer, error)
}

// InflightRepo implements the persistent side of the inflight lease.
type InflightRepo interface {
	// AcquireOrSteal inserts the lease row, or overwrites an existing one
	// whose expires_at has passed. It reports whether the claim now belongs
	// to claimToken.
	AcquireOrSteal(ctx context.Context, campaignID, actorID, claimToken string, now, expiresAt time.Time) (bool, error)

	// Validate reports whether a lease with claimToken exists and has not
	// expired as of now.
	Validate(ctx context.Context, campaignID, actorID, claimToken string, now time.Time) (bool, error)

	// Heartbeat extends the lease, conditional on the token still matching.
	Heartbeat(ctx context.Context, campaignID, actorID, claimToken string, now, expiresAt time.Time) (bool, error)

	// Release deletes the lease, conditional on the token. Releasing an
	// already-released lease is a no-op.
	Release(ctx context.Context, campaignID, actorID, claimToken string) error
}

// EmbeddingRepo stores per-turn vectors and serves similarity lookups.
type EmbeddingRepo interface {
	Add(ctx context.Context, e *Embedding) error
	DeleteAfterTurn(ctx context.Context, campaignID string, turnID int64) (int64, error)

	// SearchSimilar returns up to topK embeddings of the campaign ordered by
	// ascending cosine distance to vector.
	SearchSimilar(ctx context.Context, campaignID string, vector []float32, topK int) ([]EmbeddingMatch, error)
}

// EmbeddingMatch is one similarity-search result.
type EmbeddingMatch struct {
	TurnID   int64
	Content  string
	Distance float64
}

// MediaRepo stores generated media references.
type MediaRepo interface {
	Add(ctx context.Context, m *MediaRef) error
	ListByRoomKey(ctx context.Context, campaignID, roomKey string) ([]MediaRef, error)
}

// OutboxRepo writes and drains externally-visible events.
type OutboxRepo interface {
	// Add inserts ev. A duplicate (campaign_id, session_scope, event_type,
	// idempotency_key) is silently ignored; ev.ID is left empty in that case.
	Add(ctx context.Context, ev *OutboxEvent) error

	// ListPending returns pending events whose next_attempt_at is unset or
	// has passed, oldest first.
	ListPending(ctx context.Context, now time.Time, limit int) ([]OutboxEvent, error)

	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt *time.Time) error
}

// UnitOfWork exposes the repository set inside one transactional scope. All
// writes commit atomically when the scope function returns nil and are fully
// discarded otherwise. Repositories obtained from a UnitOfWork must not be
// used after the scope ends.
type UnitOfWork interface {
	Campaigns() CampaignRepo
	Actors() ActorRepo
	Sessions() SessionRepo
	Players() PlayerRepo
	Turns() TurnRepo
	Snapshots() SnapshotRepo
	Timers() TimerRepo
	Inflight() InflightRepo
	Embeddings() EmbeddingRepo
	Media() MediaRepo
	Outbox() OutboxRepo
}

// Store opens transactional scopes. Implementations must be safe for
// concurrent use; scopes must not be nested.
type Store interface {
	// WithUnitOfWork begins a transaction, invokes fn with a UnitOfWork
	// bound to it, and commits when fn returns nil. Any error from fn (or
	// from commit) rolls the whole scope back and is returned.
	WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}
