package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rvickery/taleturn/internal/config"
	gamemock "github.com/rvickery/taleturn/pkg/game/mock"
	llmmock "github.com/rvickery/taleturn/pkg/provider/llm/mock"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{DSN: "postgres://unused"},
		Completion: config.ProviderEntry{
			Name:  "mock",
			Model: "test-model",
		},
	}
}

func TestNew_RequiresCompletionProvider(t *testing.T) {
	_, err := New(context.Background(), testConfig(), &Providers{},
		WithGameStore(gamemock.NewStore()))
	if err == nil {
		t.Fatal("New() = nil error, want completion provider error")
	}
}

func TestNew_WithInjectedStore(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		&Providers{Completion: &llmmock.Provider{}},
		WithGameStore(gamemock.NewStore()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.Engine() == nil {
		t.Error("Engine() = nil, want engine")
	}
	if a.dispatcher == nil {
		t.Error("dispatcher not initialised")
	}
	if a.sweeper == nil {
		t.Error("sweeper not initialised")
	}
	if a.httpSrv != nil {
		t.Error("http server initialised without a listen address")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		&Providers{Completion: &llmmock.Provider{}},
		WithGameStore(gamemock.NewStore()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(),
		&Providers{Completion: &llmmock.Provider{}},
		WithGameStore(gamemock.NewStore()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
