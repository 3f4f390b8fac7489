package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rvickery/taleturn/pkg/game"
)

// InflightRepo is the PostgreSQL [game.InflightRepo]. The lease row is the
// in-band mutex for (campaign, actor): insert-or-steal is a single upsert
// whose conditional SET only fires when the previous holder's expiry has
// passed.
type InflightRepo struct {
	db DB
}

var _ game.InflightRepo = (*InflightRepo)(nil)

// AcquireOrSteal claims the lease for claimToken, stealing an expired one in
// the same statement. RowsAffected is 0 exactly when a live lease is held by
// someone else.
func (r *InflightRepo) AcquireOrSteal(ctx context.Context, campaignID, actorID, claimToken string, now, expiresAt time.Time) (bool, error) {
	const q = `
		INSERT INTO inflight_turns (id, campaign_id, actor_id, claim_token, claimed_at, heartbeat_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (campaign_id, actor_id) DO UPDATE SET
		    claim_token  = EXCLUDED.claim_token,
		    claimed_at   = EXCLUDED.claimed_at,
		    heartbeat_at = EXCLUDED.heartbeat_at,
		    expires_at   = EXCLUDED.expires_at
		WHERE inflight_turns.expires_at < $5`

	tag, err := r.db.Exec(ctx, q, uuid.NewString(), campaignID, actorID, claimToken, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("inflight repo: acquire %s/%s: %w", campaignID, actorID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Validate reports whether the claim identified by claimToken is still the
// live holder.
func (r *InflightRepo) Validate(ctx context.Context, campaignID, actorID, claimToken string, now time.Time) (bool, error) {
	const q = `
		SELECT count(*)
		FROM inflight_turns
		WHERE campaign_id = $1 AND actor_id = $2 AND claim_token = $3 AND expires_at >= $4`

	var n int
	if err := r.db.QueryRow(ctx, q, campaignID, actorID, claimToken, now).Scan(&n); err != nil {
		return false, fmt.Errorf("inflight repo: validate %s/%s: %w", campaignID, actorID, err)
	}
	return n == 1, nil
}

// Heartbeat extends the lease when claimToken still owns it.
func (r *InflightRepo) Heartbeat(ctx context.Context, campaignID, actorID, claimToken string, now, expiresAt time.Time) (bool, error) {
	const q = `
		UPDATE inflight_turns SET heartbeat_at = $4, expires_at = $5
		WHERE campaign_id = $1 AND actor_id = $2 AND claim_token = $3`

	tag, err := r.db.Exec(ctx, q, campaignID, actorID, claimToken, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("inflight repo: heartbeat %s/%s: %w", campaignID, actorID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the lease when claimToken still owns it. Releasing a lease
// that is already gone (or stolen) succeeds silently.
func (r *InflightRepo) Release(ctx context.Context, campaignID, actorID, claimToken string) error {
	const q = `
		DELETE FROM inflight_turns
		WHERE campaign_id = $1 AND actor_id = $2 AND claim_token = $3`

	if _, err := r.db.Exec(ctx, q, campaignID, actorID, claimToken); err != nil {
		return fmt.Errorf("inflight repo: release %s/%s: %w", campaignID, actorID, err)
	}
	return nil
}
