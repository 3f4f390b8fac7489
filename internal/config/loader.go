package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"completion": {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama", "mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Database
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d is negative", cfg.Database.EmbeddingDimensions))
	}

	// Engine
	if cfg.Engine.LeaseTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine.lease_ttl_seconds %d is negative", cfg.Engine.LeaseTTLSeconds))
	}
	if cfg.Engine.MaxConflictRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_conflict_retries %d is negative", cfg.Engine.MaxConflictRetries))
	}
	if cfg.Engine.RecentTurnWindow < 0 {
		errs = append(errs, fmt.Errorf("engine.recent_turn_window %d is negative", cfg.Engine.RecentTurnWindow))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("completion", cfg.Completion.Name)
	validateProviderName("embeddings", cfg.Embeddings.Name)

	if cfg.Completion.Name == "" {
		errs = append(errs, errors.New("completion.name is required; turns cannot resolve without a completion provider"))
	}
	if cfg.Completion.Temperature < 0 || cfg.Completion.Temperature > 2 {
		errs = append(errs, fmt.Errorf("completion.temperature %.2f is out of range [0, 2]", cfg.Completion.Temperature))
	}
	for i, fb := range cfg.CompletionFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("completion_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("completion", fb.Name)
	}

	// Embeddings ↔ database dimensions
	if cfg.Embeddings.Name != "" && cfg.Database.EmbeddingDimensions == 0 {
		slog.Warn("embeddings is configured but database.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Embeddings.Name == "" {
		slog.Warn("no embeddings provider configured; semantic memory retrieval will be disabled")
	}

	// Discord
	if cfg.Discord.Token != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}

	// Workers
	if cfg.Workers.OutboxIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("workers.outbox_interval_seconds %d is negative", cfg.Workers.OutboxIntervalSeconds))
	}
	if cfg.Workers.SweepIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("workers.sweep_interval_seconds %d is negative", cfg.Workers.SweepIntervalSeconds))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
