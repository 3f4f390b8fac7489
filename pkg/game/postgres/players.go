package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rvickery/taleturn/pkg/game"
)

// PlayerRepo is the PostgreSQL [game.PlayerRepo].
type PlayerRepo struct {
	db DB
}

var _ game.PlayerRepo = (*PlayerRepo)(nil)

const playerColumns = `id, campaign_id, actor_id, level, xp, attributes, state,
       last_active_at, created_at, updated_at`

func scanPlayer(row pgx.Row) (*game.Player, error) {
	var p game.Player
	err := row.Scan(
		&p.ID, &p.CampaignID, &p.ActorID, &p.Level, &p.XP, &p.Attributes, &p.State,
		&p.LastActiveAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByCampaignActor retrieves the player row for (campaign, actor),
// (nil, nil) when absent.
func (r *PlayerRepo) GetByCampaignActor(ctx context.Context, campaignID, actorID string) (*game.Player, error) {
	q := `SELECT ` + playerColumns + ` FROM players WHERE campaign_id = $1 AND actor_id = $2`
	p, err := scanPlayer(r.db.QueryRow(ctx, q, campaignID, actorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("player repo: get %s/%s: %w", campaignID, actorID, err)
	}
	return p, nil
}

// Create inserts a new player at level 1 with empty blobs unless set.
func (r *PlayerRepo) Create(ctx context.Context, p *game.Player) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Level == 0 {
		p.Level = 1
	}
	if len(p.Attributes) == 0 {
		p.Attributes = []byte(`{}`)
	}
	if len(p.State) == 0 {
		p.State = []byte(`{}`)
	}

	const q = `
		INSERT INTO players (id, campaign_id, actor_id, level, xp, attributes, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, q,
		p.ID, p.CampaignID, p.ActorID, p.Level, p.XP, p.Attributes, p.State,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("player repo: player %s/%s already exists", p.CampaignID, p.ActorID)
		}
		return fmt.Errorf("player repo: create: %w", err)
	}
	return nil
}

// Update persists the mutable player fields.
func (r *PlayerRepo) Update(ctx context.Context, p *game.Player) error {
	const q = `
		UPDATE players SET
		    level = $2, xp = $3, attributes = $4, state = $5,
		    last_active_at = $6, updated_at = $7
		WHERE id = $1
		RETURNING updated_at`

	now := time.Now().UTC()
	err := r.db.QueryRow(ctx, q,
		p.ID, p.Level, p.XP, p.Attributes, p.State, p.LastActiveAt, now,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("player repo: player %q not found", p.ID)
		}
		return fmt.Errorf("player repo: update: %w", err)
	}
	return nil
}

// ListByCampaign returns all players of a campaign, oldest first.
func (r *PlayerRepo) ListByCampaign(ctx context.Context, campaignID string) ([]game.Player, error) {
	q := `SELECT ` + playerColumns + ` FROM players WHERE campaign_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("player repo: list: %w", err)
	}
	players, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Player, error) {
		var p game.Player
		err := row.Scan(
			&p.ID, &p.CampaignID, &p.ActorID, &p.Level, &p.XP, &p.Attributes, &p.State,
			&p.LastActiveAt, &p.CreatedAt, &p.UpdatedAt,
		)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("player repo: list scan: %w", err)
	}
	return players, nil
}
