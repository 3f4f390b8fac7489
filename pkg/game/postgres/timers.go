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

// activeStatuses is the SQL fragment for the active-timer status set.
const activeStatuses = `('scheduled_unbound','scheduled_bound')`

// TimerRepo is the PostgreSQL [game.TimerRepo]. Every transition is a
// conditional update so replays from terminal states are no-ops, and the
// partial unique index uq_timers_one_active_per_campaign enforces the single
// active timer invariant at the storage layer.
type TimerRepo struct {
	db DB
}

var _ game.TimerRepo = (*TimerRepo)(nil)

const timerColumns = `id, campaign_id, COALESCE(session_id, ''), status, event_text,
       interruptible, interrupt_action, due_at, fired_at, cancelled_at,
       external_message_id, external_channel_id, external_thread_id,
       meta, created_at, updated_at`

func scanTimer(row pgx.Row) (*game.Timer, error) {
	var t game.Timer
	err := row.Scan(
		&t.ID, &t.CampaignID, &t.SessionID, &t.Status, &t.EventText,
		&t.Interruptible, &t.InterruptAction, &t.DueAt, &t.FiredAt, &t.CancelledAt,
		&t.ExternalMessageID, &t.ExternalChannelID, &t.ExternalThreadID,
		&t.Meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetActive returns the campaign's active timer, (nil, nil) when none exists.
func (r *TimerRepo) GetActive(ctx context.Context, campaignID string) (*game.Timer, error) {
	q := `
		SELECT ` + timerColumns + `
		FROM timers
		WHERE campaign_id = $1 AND status IN ` + activeStatuses + `
		ORDER BY created_at DESC
		LIMIT 1`

	t, err := scanTimer(r.db.QueryRow(ctx, q, campaignID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("timer repo: get active: %w", err)
	}
	return t, nil
}

// Schedule inserts a new timer in scheduled_unbound. A concurrent or
// uncancelled active timer trips the partial unique index and surfaces as
// [game.ErrActiveTimerExists].
func (r *TimerRepo) Schedule(ctx context.Context, t *game.Timer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if len(t.Meta) == 0 {
		t.Meta = []byte(`{}`)
	}
	t.Status = game.TimerScheduledUnbound

	const q = `
		INSERT INTO timers
		    (id, campaign_id, session_id, status, event_text, interruptible, interrupt_action, due_at, meta)
		VALUES ($1, $2, NULLIF($3, ''), 'scheduled_unbound', $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, q,
		t.ID, t.CampaignID, t.SessionID, t.EventText, t.Interruptible, t.InterruptAction, t.DueAt, t.Meta,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("timer repo: schedule: %w", game.ErrActiveTimerExists)
		}
		return fmt.Errorf("timer repo: schedule: %w", err)
	}
	return nil
}

// Attach binds an active timer to a surface message, moving it to
// scheduled_bound. Attaching a non-active timer reports false.
func (r *TimerRepo) Attach(ctx context.Context, timerID, messageID, channelID, threadID string) (bool, error) {
	q := `
		UPDATE timers SET
		    status = 'scheduled_bound',
		    external_message_id = $2,
		    external_channel_id = $3,
		    external_thread_id  = $4,
		    updated_at = now()
		WHERE id = $1 AND status IN ` + activeStatuses

	tag, err := r.db.Exec(ctx, q, timerID, messageID, channelID, threadID)
	if err != nil {
		return false, fmt.Errorf("timer repo: attach %q: %w", timerID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelActive cancels whatever active timer the campaign holds and returns
// the number of rows transitioned (0 or 1).
func (r *TimerRepo) CancelActive(ctx context.Context, campaignID string, at time.Time) (int64, error) {
	q := `
		UPDATE timers SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		WHERE campaign_id = $1 AND status IN ` + activeStatuses

	tag, err := r.db.Exec(ctx, q, campaignID, at)
	if err != nil {
		return 0, fmt.Errorf("timer repo: cancel active: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkExpired moves an active timer to expired.
func (r *TimerRepo) MarkExpired(ctx context.Context, timerID string, at time.Time) (bool, error) {
	q := `
		UPDATE timers SET status = 'expired', fired_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ` + activeStatuses

	tag, err := r.db.Exec(ctx, q, timerID, at)
	if err != nil {
		return false, fmt.Errorf("timer repo: mark expired %q: %w", timerID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkConsumed moves an expired timer to consumed.
func (r *TimerRepo) MarkConsumed(ctx context.Context, timerID string, at time.Time) (bool, error) {
	const q = `
		UPDATE timers SET status = 'consumed', updated_at = $2
		WHERE id = $1 AND status = 'expired'`

	tag, err := r.db.Exec(ctx, q, timerID, at)
	if err != nil {
		return false, fmt.Errorf("timer repo: mark consumed %q: %w", timerID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDue returns active timers whose due_at has passed, oldest due first.
func (r *TimerRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]game.Timer, error) {
	q := `
		SELECT ` + timerColumns + `
		FROM timers
		WHERE status IN ` + activeStatuses + ` AND due_at <= $1
		ORDER BY due_at
		LIMIT $2`

	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("timer repo: list due: %w", err)
	}
	timers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (game.Timer, error) {
		var t game.Timer
		err := row.Scan(
			&t.ID, &t.CampaignID, &t.SessionID, &t.Status, &t.EventText,
			&t.Interruptible, &t.InterruptAction, &t.DueAt, &t.FiredAt, &t.CancelledAt,
			&t.ExternalMessageID, &t.ExternalChannelID, &t.ExternalThreadID,
			&t.Meta, &t.CreatedAt, &t.UpdatedAt,
		)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("timer repo: list due scan: %w", err)
	}
	return timers, nil
}
