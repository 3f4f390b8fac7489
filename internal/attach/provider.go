package attach

import (
	"context"
	"fmt"

	"github.com/rvickery/taleturn/pkg/provider/llm"
)

// providerCompletion adapts an [llm.Provider] to the [Completion] port.
type providerCompletion struct {
	provider llm.Provider
}

// NewProviderCompletion returns a [Completion] backed by provider.
func NewProviderCompletion(p llm.Provider) Completion {
	return &providerCompletion{provider: p}
}

func (c *providerCompletion) Complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	})
	if err != nil {
		return "", fmt.Errorf("attach: complete: %w", err)
	}
	return resp.Content, nil
}
