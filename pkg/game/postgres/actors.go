package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rvickery/taleturn/pkg/game"
)

// ActorRepo is the PostgreSQL [game.ActorRepo].
type ActorRepo struct {
	db DB
}

var _ game.ActorRepo = (*ActorRepo)(nil)

const actorColumns = `id, display_name, kind, metadata, created_at, updated_at`

func scanActor(row pgx.Row) (*game.Actor, error) {
	var a game.Actor
	if err := row.Scan(&a.ID, &a.DisplayName, &a.Kind, &a.Metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Get retrieves an actor by id, (nil, nil) when absent.
func (r *ActorRepo) Get(ctx context.Context, id string) (*game.Actor, error) {
	q := `SELECT ` + actorColumns + ` FROM actors WHERE id = $1`
	a, err := scanActor(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("actor repo: get %q: %w", id, err)
	}
	return a, nil
}

// Create inserts a new actor.
func (r *ActorRepo) Create(ctx context.Context, a *game.Actor) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Kind == "" {
		a.Kind = "human"
	}
	if len(a.Metadata) == 0 {
		a.Metadata = []byte(`{}`)
	}

	const q = `
		INSERT INTO actors (id, display_name, kind, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	if err := r.db.QueryRow(ctx, q, a.ID, a.DisplayName, a.Kind, a.Metadata).Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("actor repo: create: %w", err)
	}
	return nil
}

// GetByExternalRef resolves an actor through a (provider, external_id) pair.
func (r *ActorRepo) GetByExternalRef(ctx context.Context, provider, externalID string) (*game.Actor, error) {
	q := `
		SELECT ` + actorColumns + `
		FROM actors a
		JOIN actor_external_refs ref ON ref.actor_id = a.id
		WHERE ref.provider = $1 AND ref.external_id = $2`
	a, err := scanActor(r.db.QueryRow(ctx, q, provider, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("actor repo: get by ref %s/%s: %w", provider, externalID, err)
	}
	return a, nil
}

// AddExternalRef links an actor to an external identity. Duplicate pairs are
// rejected with an error.
func (r *ActorRepo) AddExternalRef(ctx context.Context, ref *game.ActorExternalRef) error {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}

	const q = `
		INSERT INTO actor_external_refs (id, actor_id, provider, external_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, q, ref.ID, ref.ActorID, ref.Provider, ref.ExternalID).Scan(&ref.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("actor repo: ref %s/%s already linked", ref.Provider, ref.ExternalID)
		}
		return fmt.Errorf("actor repo: add ref: %w", err)
	}
	return nil
}

// ListByCampaign returns the actors that have a player in the campaign,
// ordered by display name.
func (r *ActorRepo) ListByCampaign(ctx context.Context, campaignID string) ([]game.Actor, error) {
	q := `
		SELECT a.id, a.display_name, a.kind, a.metadata, a.created_at, a.updated_at
		FROM actors a
		JOIN players p ON p.actor_id = a.id
		WHERE p.campaign_id = $1
		ORDER BY a.display_name`

	rows, err := r.db.Query(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("actor repo: list by campaign: %w", err)
	}
	actors, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Actor, error) {
		var a game.Actor
		err := row.Scan(&a.ID, &a.DisplayName, &a.Kind, &a.Metadata, &a.CreatedAt, &a.UpdatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("actor repo: list by campaign scan: %w", err)
	}
	return actors, nil
}

// SessionRepo is the PostgreSQL [game.SessionRepo].
type SessionRepo struct {
	db DB
}

var _ game.SessionRepo = (*SessionRepo)(nil)

const sessionColumns = `id, campaign_id, surface, surface_key, surface_guild_id,
       channel_id, thread_id, enabled, metadata, created_at, updated_at`

func scanSession(row pgx.Row) (*game.Session, error) {
	var s game.Session
	err := row.Scan(
		&s.ID, &s.CampaignID, &s.Surface, &s.SurfaceKey, &s.SurfaceGuildID,
		&s.ChannelID, &s.ThreadID, &s.Enabled, &s.Metadata, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get retrieves a session by id, (nil, nil) when absent.
func (r *SessionRepo) Get(ctx context.Context, id string) (*game.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session repo: get %q: %w", id, err)
	}
	return s, nil
}

// GetBySurfaceKey retrieves a session by its unique surface key.
func (r *SessionRepo) GetBySurfaceKey(ctx context.Context, surfaceKey string) (*game.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE surface_key = $1`
	s, err := scanSession(r.db.QueryRow(ctx, q, surfaceKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session repo: get by surface key %q: %w", surfaceKey, err)
	}
	return s, nil
}

// Create inserts a new session.
func (r *SessionRepo) Create(ctx context.Context, s *game.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if len(s.Metadata) == 0 {
		s.Metadata = []byte(`{}`)
	}

	const q = `
		INSERT INTO sessions
		    (id, campaign_id, surface, surface_key, surface_guild_id,
		     channel_id, thread_id, enabled, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, q,
		s.ID, s.CampaignID, s.Surface, s.SurfaceKey, s.SurfaceGuildID,
		s.ChannelID, s.ThreadID, s.Enabled, s.Metadata,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session repo: surface key %q already bound", s.SurfaceKey)
		}
		return fmt.Errorf("session repo: create: %w", err)
	}
	return nil
}
