package resilience

import (
	"context"

	"github.com/rvickery/taleturn/pkg/provider/llm"
)

// CompletionFallback implements [llm.Provider] with automatic failover across
// multiple completion backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is
// tried. A turn resolved through a fallback still commits normally; only the
// narration voice may differ between models.
type CompletionFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*CompletionFallback)(nil)

// NewCompletionFallback creates a [CompletionFallback] with primary as the
// preferred backend.
func NewCompletionFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *CompletionFallback {
	return &CompletionFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional completion provider as a fallback.
func (f *CompletionFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *CompletionFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
