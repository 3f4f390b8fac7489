package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/rvickery/taleturn/pkg/game"
)

// EmbeddingRepo is the PostgreSQL [game.EmbeddingRepo]. Vectors are stored in
// a pgvector column and similarity queries order by cosine distance over the
// hnsw index.
type EmbeddingRepo struct {
	db DB
}

var _ game.EmbeddingRepo = (*EmbeddingRepo)(nil)

// Add stores the vector derived from one turn. Re-indexing the same turn
// replaces the previous vector.
func (r *EmbeddingRepo) Add(ctx context.Context, e *game.Embedding) error {
	const q = `
		INSERT INTO embeddings (turn_id, campaign_id, kind, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (turn_id) DO UPDATE SET
		    kind = EXCLUDED.kind,
		    content = EXCLUDED.content,
		    embedding = EXCLUDED.embedding
		RETURNING created_at`

	err := r.db.QueryRow(ctx, q,
		e.TurnID, e.CampaignID, string(e.Kind), e.Content, pgvector.NewVector(e.Vector),
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("embedding repo: add turn %d: %w", e.TurnID, err)
	}
	return nil
}

// DeleteAfterTurn removes vectors of the campaign derived from turns with
// id > turnID.
func (r *EmbeddingRepo) DeleteAfterTurn(ctx context.Context, campaignID string, turnID int64) (int64, error) {
	const q = `DELETE FROM embeddings WHERE campaign_id = $1 AND turn_id > $2`
	tag, err := r.db.Exec(ctx, q, campaignID, turnID)
	if err != nil {
		return 0, fmt.Errorf("embedding repo: delete after %d: %w", turnID, err)
	}
	return tag.RowsAffected(), nil
}

// SearchSimilar returns up to topK vectors of the campaign ordered by
// ascending cosine distance to vector.
func (r *EmbeddingRepo) SearchSimilar(ctx context.Context, campaignID string, vector []float32, topK int) ([]game.EmbeddingMatch, error) {
	const q = `
		SELECT turn_id, content, embedding <=> $2 AS distance
		FROM embeddings
		WHERE campaign_id = $1
		ORDER BY distance
		LIMIT $3`

	rows, err := r.db.Query(ctx, q, campaignID, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("embedding repo: search: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.EmbeddingMatch, error) {
		var m game.EmbeddingMatch
		err := row.Scan(&m.TurnID, &m.Content, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("embedding repo: search scan: %w", err)
	}
	return matches, nil
}
