package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"

	"github.com/rvickery/taleturn/pkg/game"
)

// CampaignRepo is the PostgreSQL [game.CampaignRepo].
type CampaignRepo struct {
	db DB
}

var _ game.CampaignRepo = (*CampaignRepo)(nil)

const campaignColumns = `id, namespace, name, name_normalized, COALESCE(created_by_actor_id, ''),
       summary, state, characters, last_narration,
       memory_visible_max_turn_id, row_version, created_at, updated_at`

func scanCampaign(row pgx.Row) (*game.Campaign, error) {
	var c game.Campaign
	err := row.Scan(
		&c.ID, &c.Namespace, &c.Name, &c.NameNormalized, &c.CreatedByActorID,
		&c.Summary, &c.State, &c.Characters, &c.LastNarration,
		&c.MemoryVisibleMaxTurnID, &c.RowVersion, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get retrieves a campaign by id. It returns (nil, nil) when absent.
func (r *CampaignRepo) Get(ctx context.Context, id string) (*game.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("campaign repo: get %q: %w", id, err)
	}
	return c, nil
}

// GetByName retrieves a campaign by its (namespace, normalized name) key.
func (r *CampaignRepo) GetByName(ctx context.Context, namespace, nameNormalized string) (*game.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE namespace = $1 AND name_normalized = $2`
	c, err := scanCampaign(r.db.QueryRow(ctx, q, namespace, nameNormalized))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("campaign repo: get by name %q/%q: %w", namespace, nameNormalized, err)
	}
	return c, nil
}

// Create inserts a new campaign at row_version 1, filling defaults for unset
// fields.
func (r *CampaignRepo) Create(ctx context.Context, c *game.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.NameNormalized == "" {
		c.NameNormalized = game.NormalizeCampaignName(c.Name)
	}
	if len(c.State) == 0 {
		c.State = []byte(`{}`)
	}
	if len(c.Characters) == 0 {
		c.Characters = []byte(`{}`)
	}
	c.RowVersion = 1

	const q = `
		INSERT INTO campaigns
		    (id, namespace, name, name_normalized, created_by_actor_id,
		     summary, state, characters, last_narration, row_version)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, 1)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, q,
		c.ID, c.Namespace, c.Name, c.NameNormalized, c.CreatedByActorID,
		c.Summary, c.State, c.Characters, c.LastNarration,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign repo: campaign %q already exists in namespace %q", c.NameNormalized, c.Namespace)
		}
		return fmt.Errorf("campaign repo: create: %w", err)
	}
	return nil
}

// CASUpdate implements the optimistic-concurrency fence: the write lands only
// if row_version still equals expectedRowVersion, and then bumps it by one.
func (r *CampaignRepo) CASUpdate(ctx context.Context, id string, expectedRowVersion int, upd game.CampaignUpdate) (bool, error) {
	const q = `
		UPDATE campaigns SET
		    summary        = $3,
		    state          = $4,
		    characters     = $5,
		    last_narration = $6,
		    memory_visible_max_turn_id =
		        CASE WHEN $7::bigint IS NULL THEN memory_visible_max_turn_id ELSE $7::bigint END,
		    row_version    = row_version + 1,
		    updated_at     = $8
		WHERE id = $1 AND row_version = $2`

	state := upd.State
	if len(state) == 0 {
		state = []byte(`{}`)
	}
	characters := upd.Characters
	if len(characters) == 0 {
		characters = []byte(`{}`)
	}

	tag, err := r.db.Exec(ctx, q,
		id, expectedRowVersion,
		upd.Summary, state, characters, upd.LastNarration,
		upd.MemoryVisibleMaxTurnID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("campaign repo: cas update %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}
