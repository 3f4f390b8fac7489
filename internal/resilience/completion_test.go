package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rvickery/taleturn/pkg/provider/llm"
	"github.com/rvickery/taleturn/pkg/provider/llm/mock"
)

func TestCompletionFallback_PrimarySuccess(t *testing.T) {
	primary := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
	}
	backup := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}

	f := NewCompletionFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("Content = %q, want from primary", resp.Content)
	}
	if len(backup.CompleteCalls) != 0 {
		t.Errorf("backup was called %d times, want 0", len(backup.CompleteCalls))
	}
}

func TestCompletionFallback_PrimaryFailsOver(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("rate limited")}
	backup := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}

	f := NewCompletionFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q, want from backup", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary was called %d times, want 1", len(primary.CompleteCalls))
	}
}

func TestCompletionFallback_AllFail(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("down")}
	backup := &mock.Provider{CompleteErr: errors.New("also down")}

	f := NewCompletionFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("backup", backup)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Complete() error = %v, want ErrAllFailed", err)
	}
	if !strings.Contains(err.Error(), "also down") {
		t.Errorf("error %q does not carry the last cause", err)
	}
}

func TestCompletionFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &mock.Provider{CompleteErr: errors.New("down")}
	backup := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}

	f := NewCompletionFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	f.AddFallback("backup", backup)

	// First call trips the primary's breaker.
	if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	// Second call must skip the open breaker without touching the primary.
	if _, err := f.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary was called %d times, want 1", len(primary.CompleteCalls))
	}
}
