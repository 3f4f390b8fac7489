// Package postgres provides the PostgreSQL-backed implementation of the
// Taleturn [game.Store]: one repository per table, a unit of work over a
// pgx transaction, and an idempotent schema migration.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS for the embeddings table.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	err = store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
//	    c, err := uow.Campaigns().Get(ctx, id)
//	    …
//	})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlIdentity = `
CREATE TABLE IF NOT EXISTS actors (
    id           TEXT         PRIMARY KEY,
    display_name TEXT         NOT NULL DEFAULT '',
    kind         TEXT         NOT NULL DEFAULT 'human',
    metadata     JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS actor_external_refs (
    id          TEXT         PRIMARY KEY,
    actor_id    TEXT         NOT NULL REFERENCES actors (id),
    provider    TEXT         NOT NULL,
    external_id TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (provider, external_id)
);
`

const ddlCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id                  TEXT         PRIMARY KEY,
    namespace           TEXT         NOT NULL DEFAULT 'default',
    name                TEXT         NOT NULL,
    name_normalized     TEXT         NOT NULL,
    created_by_actor_id TEXT         REFERENCES actors (id),

    summary             TEXT         NOT NULL DEFAULT '',
    state               JSONB        NOT NULL DEFAULT '{}',
    characters          JSONB        NOT NULL DEFAULT '{}',
    last_narration      TEXT         NOT NULL DEFAULT '',

    memory_visible_max_turn_id BIGINT,
    row_version         INTEGER      NOT NULL DEFAULT 1,

    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (namespace, name_normalized)
);

CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    campaign_id      TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    surface          TEXT         NOT NULL,
    surface_key      TEXT         NOT NULL UNIQUE,
    surface_guild_id TEXT         NOT NULL DEFAULT '',
    channel_id       TEXT         NOT NULL DEFAULT '',
    thread_id        TEXT         NOT NULL DEFAULT '',
    enabled          BOOLEAN      NOT NULL DEFAULT TRUE,
    metadata         JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS players (
    id             TEXT         PRIMARY KEY,
    campaign_id    TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    actor_id       TEXT         NOT NULL REFERENCES actors (id),
    level          INTEGER      NOT NULL DEFAULT 1,
    xp             INTEGER      NOT NULL DEFAULT 0,
    attributes     JSONB        NOT NULL DEFAULT '{}',
    state          JSONB        NOT NULL DEFAULT '{}',
    last_active_at TIMESTAMPTZ,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (campaign_id, actor_id)
);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id                       BIGSERIAL    PRIMARY KEY,
    campaign_id              TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    session_id               TEXT         REFERENCES sessions (id),
    actor_id                 TEXT         REFERENCES actors (id),
    kind                     TEXT         NOT NULL,
    content                  TEXT         NOT NULL,
    meta                     JSONB        NOT NULL DEFAULT '{}',
    external_message_id      TEXT         NOT NULL DEFAULT '',
    external_user_message_id TEXT         NOT NULL DEFAULT '',
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_campaign_id_desc
    ON turns (campaign_id, id DESC);

CREATE INDEX IF NOT EXISTS idx_turns_campaign_external_msg
    ON turns (campaign_id, external_message_id);

CREATE TABLE IF NOT EXISTS snapshots (
    id                  TEXT         PRIMARY KEY,
    turn_id             BIGINT       NOT NULL UNIQUE REFERENCES turns (id) ON DELETE CASCADE,
    campaign_id         TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    campaign_state      JSONB        NOT NULL,
    campaign_characters JSONB        NOT NULL,
    campaign_summary    TEXT         NOT NULL DEFAULT '',
    last_narration      TEXT         NOT NULL DEFAULT '',
    players             JSONB        NOT NULL,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_snapshots_campaign_turn_desc
    ON snapshots (campaign_id, turn_id DESC);
`

const ddlTimersInflight = `
CREATE TABLE IF NOT EXISTS timers (
    id                  TEXT         PRIMARY KEY,
    campaign_id         TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    session_id          TEXT         REFERENCES sessions (id),
    status              TEXT         NOT NULL DEFAULT 'scheduled_unbound'
        CHECK (status IN ('scheduled_unbound','scheduled_bound','cancelled','expired','consumed')),
    event_text          TEXT         NOT NULL,
    interruptible       BOOLEAN      NOT NULL DEFAULT TRUE,
    interrupt_action    TEXT         NOT NULL DEFAULT '',
    due_at              TIMESTAMPTZ  NOT NULL,
    fired_at            TIMESTAMPTZ,
    cancelled_at        TIMESTAMPTZ,
    external_message_id TEXT         NOT NULL DEFAULT '',
    external_channel_id TEXT         NOT NULL DEFAULT '',
    external_thread_id  TEXT         NOT NULL DEFAULT '',
    meta                JSONB        NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_timers_campaign_status_due
    ON timers (campaign_id, status, due_at);

CREATE UNIQUE INDEX IF NOT EXISTS uq_timers_one_active_per_campaign
    ON timers (campaign_id)
    WHERE status IN ('scheduled_unbound','scheduled_bound');

CREATE TABLE IF NOT EXISTS inflight_turns (
    id           TEXT         PRIMARY KEY,
    campaign_id  TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    actor_id     TEXT         NOT NULL REFERENCES actors (id),
    claim_token  TEXT         NOT NULL,
    claimed_at   TIMESTAMPTZ  NOT NULL,
    heartbeat_at TIMESTAMPTZ  NOT NULL,
    expires_at   TIMESTAMPTZ  NOT NULL,
    UNIQUE (campaign_id, actor_id)
);

CREATE INDEX IF NOT EXISTS idx_inflight_expires_at
    ON inflight_turns (expires_at);
`

const ddlMediaOutbox = `
CREATE TABLE IF NOT EXISTS media_refs (
    id          TEXT         PRIMARY KEY,
    campaign_id TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    player_id   TEXT         REFERENCES players (id),
    ref_type    TEXT         NOT NULL,
    room_key    TEXT         NOT NULL DEFAULT '',
    url         TEXT         NOT NULL,
    prompt      TEXT         NOT NULL DEFAULT '',
    metadata    JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outbox_events (
    id              TEXT         PRIMARY KEY,
    campaign_id     TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    session_id      TEXT         REFERENCES sessions (id),
    session_scope   TEXT         NOT NULL DEFAULT '__none__',
    event_type      TEXT         NOT NULL,
    idempotency_key TEXT         NOT NULL,
    payload         JSONB        NOT NULL,
    status          TEXT         NOT NULL DEFAULT 'pending',
    attempts        INTEGER      NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (campaign_id, session_scope, event_type, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_outbox_status_next_created
    ON outbox_events (status, next_attempt_at, created_at);
`

// ddlEmbeddings returns the embeddings DDL with the vector dimension
// substituted. The dimension is baked into the column type at schema creation
// time; changing it afterwards requires a manual migration.
func ddlEmbeddings(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embeddings (
    turn_id     BIGINT       PRIMARY KEY REFERENCES turns (id) ON DELETE CASCADE,
    campaign_id TEXT         NOT NULL REFERENCES campaigns (id) ON DELETE CASCADE,
    kind        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_embeddings_campaign
    ON embeddings (campaign_id);

CREATE INDEX IF NOT EXISTS idx_embeddings_vector
    ON embeddings USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures every table, constraint and index the engine
// depends on. It is idempotent and safe to run on every start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g., 1536 for OpenAI text-embedding-3-small).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlIdentity,
		ddlCampaigns,
		ddlTurns,
		ddlTimersInflight,
		ddlEmbeddings(embeddingDimensions),
		ddlMediaOutbox,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
