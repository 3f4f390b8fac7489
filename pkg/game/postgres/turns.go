package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rvickery/taleturn/pkg/game"
)

// TurnRepo is the PostgreSQL [game.TurnRepo]. Turn ids come from a BIGSERIAL
// sequence, so id order is commit-causal order within a campaign.
type TurnRepo struct {
	db DB
}

var _ game.TurnRepo = (*TurnRepo)(nil)

const turnColumns = `id, campaign_id, COALESCE(session_id, ''), COALESCE(actor_id, ''),
       kind, content, meta, external_message_id, external_user_message_id, created_at`

func scanTurn(row pgx.Row) (*game.Turn, error) {
	var t game.Turn
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.SessionID, &t.ActorID,
		&t.Kind, &t.Content, &t.Meta, &t.ExternalMessageID, &t.ExternalUserMessageID, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Append inserts t and fills in the assigned id and creation time.
func (r *TurnRepo) Append(ctx context.Context, t *game.Turn) error {
	if len(t.Meta) == 0 {
		t.Meta = []byte(`{}`)
	}

	const q = `
		INSERT INTO turns (campaign_id, session_id, actor_id, kind, content, meta)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, q,
		t.CampaignID, t.SessionID, t.ActorID, string(t.Kind), t.Content, t.Meta,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("turn repo: append: %w", err)
	}
	return nil
}

// Recent returns the most recent limit turns of the campaign in ascending id
// order.
func (r *TurnRepo) Recent(ctx context.Context, campaignID string, limit int) ([]game.Turn, error) {
	q := `
		SELECT ` + turnColumns + ` FROM (
		    SELECT ` + turnColumns + `
		    FROM turns
		    WHERE campaign_id = $1
		    ORDER BY id DESC
		    LIMIT $2
		) recent ORDER BY id`

	rows, err := r.db.Query(ctx, q, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("turn repo: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, collectTurn)
	if err != nil {
		return nil, fmt.Errorf("turn repo: recent scan: %w", err)
	}
	return turns, nil
}

func collectTurn(row pgx.CollectableRow) (game.Turn, error) {
	var t game.Turn
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.SessionID, &t.ActorID,
		&t.Kind, &t.Content, &t.Meta, &t.ExternalMessageID, &t.ExternalUserMessageID, &t.CreatedAt,
	)
	return t, err
}

// Get retrieves one turn of the campaign, (nil, nil) when absent.
func (r *TurnRepo) Get(ctx context.Context, campaignID string, turnID int64) (*game.Turn, error) {
	q := `SELECT ` + turnColumns + ` FROM turns WHERE campaign_id = $1 AND id = $2`
	t, err := scanTurn(r.db.QueryRow(ctx, q, campaignID, turnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("turn repo: get %d: %w", turnID, err)
	}
	return t, nil
}

// GetByExternalMessageID resolves a turn from the surface message id of its
// narration.
func (r *TurnRepo) GetByExternalMessageID(ctx context.Context, campaignID, messageID string) (*game.Turn, error) {
	return r.getByExternal(ctx, campaignID, "external_message_id", messageID)
}

// GetByExternalUserMessageID resolves a turn from the surface message id of
// the user action that produced it.
func (r *TurnRepo) GetByExternalUserMessageID(ctx context.Context, campaignID, messageID string) (*game.Turn, error) {
	return r.getByExternal(ctx, campaignID, "external_user_message_id", messageID)
}

func (r *TurnRepo) getByExternal(ctx context.Context, campaignID, column, messageID string) (*game.Turn, error) {
	q := `SELECT ` + turnColumns + ` FROM turns WHERE campaign_id = $1 AND ` + column + ` = $2 ORDER BY id DESC LIMIT 1`
	t, err := scanTurn(r.db.QueryRow(ctx, q, campaignID, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("turn repo: get by %s %q: %w", column, messageID, err)
	}
	return t, nil
}

// SetExternalIDs registers the surface message ids for a committed turn.
// Empty arguments leave the corresponding column untouched.
func (r *TurnRepo) SetExternalIDs(ctx context.Context, turnID int64, messageID, userMessageID string) error {
	const q = `
		UPDATE turns SET
		    external_message_id      = CASE WHEN $2 = '' THEN external_message_id ELSE $2 END,
		    external_user_message_id = CASE WHEN $3 = '' THEN external_user_message_id ELSE $3 END
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, q, turnID, messageID, userMessageID)
	if err != nil {
		return fmt.Errorf("turn repo: set external ids %d: %w", turnID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("turn repo: turn %d not found", turnID)
	}
	return nil
}

// DeleteAfter removes all turns of the campaign with id > turnID.
func (r *TurnRepo) DeleteAfter(ctx context.Context, campaignID string, turnID int64) (int64, error) {
	const q = `DELETE FROM turns WHERE campaign_id = $1 AND id > $2`
	tag, err := r.db.Exec(ctx, q, campaignID, turnID)
	if err != nil {
		return 0, fmt.Errorf("turn repo: delete after %d: %w", turnID, err)
	}
	return tag.RowsAffected(), nil
}

// SnapshotRepo is the PostgreSQL [game.SnapshotRepo].
type SnapshotRepo struct {
	db DB
}

var _ game.SnapshotRepo = (*SnapshotRepo)(nil)

// Add inserts a snapshot. The turn_id uniqueness constraint rejects a second
// snapshot for the same narration turn.
func (r *SnapshotRepo) Add(ctx context.Context, s *game.Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO snapshots
		    (id, turn_id, campaign_id, campaign_state, campaign_characters,
		     campaign_summary, last_narration, players)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, q,
		s.ID, s.TurnID, s.CampaignID, s.CampaignState, s.CampaignCharacters,
		s.CampaignSummary, s.LastNarration, s.Players,
	).Scan(&s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("snapshot repo: snapshot for turn %d already exists", s.TurnID)
		}
		return fmt.Errorf("snapshot repo: add: %w", err)
	}
	return nil
}

// GetByCampaignTurn retrieves the snapshot bound to a narration turn,
// (nil, nil) when absent.
func (r *SnapshotRepo) GetByCampaignTurn(ctx context.Context, campaignID string, turnID int64) (*game.Snapshot, error) {
	const q = `
		SELECT id, turn_id, campaign_id, campaign_state, campaign_characters,
		       campaign_summary, last_narration, players, created_at
		FROM snapshots
		WHERE campaign_id = $1 AND turn_id = $2`

	var s game.Snapshot
	err := r.db.QueryRow(ctx, q, campaignID, turnID).Scan(
		&s.ID, &s.TurnID, &s.CampaignID, &s.CampaignState, &s.CampaignCharacters,
		&s.CampaignSummary, &s.LastNarration, &s.Players, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot repo: get %d: %w", turnID, err)
	}
	return &s, nil
}

// DeleteAfterTurn removes all snapshots of the campaign bound to turns with
// id > turnID.
func (r *SnapshotRepo) DeleteAfterTurn(ctx context.Context, campaignID string, turnID int64) (int64, error) {
	const q = `DELETE FROM snapshots WHERE campaign_id = $1 AND turn_id > $2`
	tag, err := r.db.Exec(ctx, q, campaignID, turnID)
	if err != nil {
		return 0, fmt.Errorf("snapshot repo: delete after %d: %w", turnID, err)
	}
	return tag.RowsAffected(), nil
}
