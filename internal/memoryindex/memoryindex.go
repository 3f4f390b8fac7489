// Package memoryindex maintains the per-turn embedding index: it derives a
// vector for every committed narration turn and serves the semantic retrieval
// the engine feeds into prompts.
package memoryindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/internal/observe"
	"github.com/rvickery/taleturn/pkg/game"
	"github.com/rvickery/taleturn/pkg/provider/embeddings"
)

// Index embeds turns and answers similarity queries. It implements both
// [engine.MemoryIndexer] and [engine.MemorySearch].
type Index struct {
	store    game.Store
	provider embeddings.Provider
	metrics  *observe.Metrics
	log      *slog.Logger
}

var (
	_ engine.MemoryIndexer = (*Index)(nil)
	_ engine.MemorySearch  = (*Index)(nil)
)

// Option configures an [Index].
type Option func(*Index)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(ix *Index) { ix.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(ix *Index) { ix.log = log }
}

// New returns an Index over store and provider.
func New(store game.Store, provider embeddings.Provider, opts ...Option) *Index {
	ix := &Index{
		store:    store,
		provider: provider,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// IndexTurn embeds t.Content and stores the vector keyed by the turn id.
func (ix *Index) IndexTurn(ctx context.Context, t *game.Turn) error {
	if t.Content == "" {
		return nil
	}

	vec, err := ix.embed(ctx, t.Content)
	if err != nil {
		return &game.PortError{Port: "embeddings", Err: err}
	}

	err = ix.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		return uow.Embeddings().Add(ctx, &game.Embedding{
			TurnID:     t.ID,
			CampaignID: t.CampaignID,
			Kind:       t.Kind,
			Content:    t.Content,
			Vector:     vec,
		})
	})
	if err != nil {
		return fmt.Errorf("memoryindex: store turn %d: %w", t.ID, err)
	}
	return nil
}

// Search embeds the query and returns the topK most similar indexed turns of
// the campaign, closest first.
func (ix *Index) Search(ctx context.Context, campaignID, query string, topK int) ([]engine.MemoryHit, error) {
	vec, err := ix.embed(ctx, query)
	if err != nil {
		return nil, &game.PortError{Port: "embeddings", Err: err}
	}

	var matches []game.EmbeddingMatch
	err = ix.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		var err error
		matches, err = uow.Embeddings().SearchSimilar(ctx, campaignID, vec, topK)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("memoryindex: search: %w", err)
	}

	hits := make([]engine.MemoryHit, len(matches))
	for i, m := range matches {
		hits[i] = engine.MemoryHit{TurnID: m.TurnID, Content: m.Content, Distance: m.Distance}
	}
	return hits, nil
}

func (ix *Index) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := ix.provider.Embed(ctx, text)
	ix.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		ix.metrics.RecordProviderError(ctx, ix.provider.ModelID(), "embeddings")
	}
	return vec, err
}
