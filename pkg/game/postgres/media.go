package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rvickery/taleturn/pkg/game"
)

// MediaRepo is the PostgreSQL [game.MediaRepo].
type MediaRepo struct {
	db DB
}

var _ game.MediaRepo = (*MediaRepo)(nil)

// Add inserts a media reference.
func (r *MediaRepo) Add(ctx context.Context, m *game.MediaRef) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if len(m.Metadata) == 0 {
		m.Metadata = []byte(`{}`)
	}

	const q = `
		INSERT INTO media_refs (id, campaign_id, player_id, ref_type, room_key, url, prompt, metadata)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, q,
		m.ID, m.CampaignID, m.PlayerID, m.RefType, m.RoomKey, m.URL, m.Prompt, m.Metadata,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("media repo: add: %w", err)
	}
	return nil
}

// ListByRoomKey returns media generated for one room, newest first.
func (r *MediaRepo) ListByRoomKey(ctx context.Context, campaignID, roomKey string) ([]game.MediaRef, error) {
	const q = `
		SELECT id, campaign_id, COALESCE(player_id, ''), ref_type, room_key,
		       url, prompt, metadata, created_at, updated_at
		FROM media_refs
		WHERE campaign_id = $1 AND room_key = $2
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, q, campaignID, roomKey)
	if err != nil {
		return nil, fmt.Errorf("media repo: list by room %q: %w", roomKey, err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.MediaRef, error) {
		var m game.MediaRef
		err := row.Scan(
			&m.ID, &m.CampaignID, &m.PlayerID, &m.RefType, &m.RoomKey,
			&m.URL, &m.Prompt, &m.Metadata, &m.CreatedAt, &m.UpdatedAt,
		)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("media repo: list by room scan: %w", err)
	}
	return refs, nil
}
