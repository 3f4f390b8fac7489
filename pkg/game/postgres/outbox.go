package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rvickery/taleturn/pkg/game"
)

// OutboxRepo is the PostgreSQL [game.OutboxRepo]. Idempotency is enforced by
// the UNIQUE (campaign_id, session_scope, event_type, idempotency_key)
// constraint together with ON CONFLICT DO NOTHING, so writing the same event
// twice leaves a single pending row.
type OutboxRepo struct {
	db DB
}

var _ game.OutboxRepo = (*OutboxRepo)(nil)

// Add inserts ev as pending. When an event with the same idempotency identity
// already exists the insert is a silent no-op and ev.ID stays empty.
func (r *OutboxRepo) Add(ctx context.Context, ev *game.OutboxEvent) error {
	if ev.SessionScope == "" {
		ev.SessionScope = game.SessionScopeNone
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte(`{}`)
	}

	const q = `
		INSERT INTO outbox_events
		    (id, campaign_id, session_id, session_scope, event_type, idempotency_key, payload)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (campaign_id, session_scope, event_type, idempotency_key) DO NOTHING
		RETURNING id, created_at`

	id := uuid.NewString()
	err := r.db.QueryRow(ctx, q,
		id, ev.CampaignID, ev.SessionID, ev.SessionScope, ev.EventType, ev.IdempotencyKey, ev.Payload,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate; the original row stands.
			return nil
		}
		return fmt.Errorf("outbox repo: add %s: %w", ev.EventType, err)
	}
	ev.Status = game.OutboxPending
	return nil
}

const outboxColumns = `id, campaign_id, COALESCE(session_id, ''), session_scope,
       event_type, idempotency_key, payload, status, attempts, next_attempt_at,
       created_at, updated_at`

// ListPending returns pending events that are ready to dispatch, oldest first.
func (r *OutboxRepo) ListPending(ctx context.Context, now time.Time, limit int) ([]game.OutboxEvent, error) {
	q := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox repo: list pending: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.OutboxEvent, error) {
		var ev game.OutboxEvent
		err := row.Scan(
			&ev.ID, &ev.CampaignID, &ev.SessionID, &ev.SessionScope,
			&ev.EventType, &ev.IdempotencyKey, &ev.Payload, &ev.Status, &ev.Attempts, &ev.NextAttemptAt,
			&ev.CreatedAt, &ev.UpdatedAt,
		)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("outbox repo: list pending scan: %w", err)
	}
	return events, nil
}

// MarkSent finalises a dispatched event.
func (r *OutboxRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE outbox_events SET status = 'sent', updated_at = $2 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("outbox repo: mark sent %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox repo: event %q not found", id)
	}
	return nil
}

// MarkFailed records a failed dispatch attempt. A nil nextAttemptAt retires
// the event to failed; otherwise it stays pending and becomes eligible again
// at nextAttemptAt.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id string, attempts int, nextAttemptAt *time.Time) error {
	const q = `
		UPDATE outbox_events SET
		    status = CASE WHEN $3::timestamptz IS NULL THEN 'failed' ELSE 'pending' END,
		    attempts = $2,
		    next_attempt_at = $3,
		    updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, q, id, attempts, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("outbox repo: mark failed %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox repo: event %q not found", id)
	}
	return nil
}
