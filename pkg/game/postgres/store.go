package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/rvickery/taleturn/pkg/game"
)

// DB is the query surface the repositories run on. Both *pgxpool.Pool and
// pgx.Tx satisfy it, so every repository works inside and outside a unit of
// work.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ game.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [game.Store]. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("game store: parse dsn: %w", err)
	}

	// Register pgvector types so embedding columns scan into and insert from
	// pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("game store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("game store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("game store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the pool.
func (s *Store) Close() { s.pool.Close() }

// WithUnitOfWork implements [game.Store]. The transaction is rolled back
// whenever fn returns an error or panics.
func (s *Store) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow game.UnitOfWork) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("game store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, newUnitOfWork(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("game store: commit: %w", err)
	}
	return nil
}

// unitOfWork binds the repository set to one pgx transaction.
type unitOfWork struct {
	campaigns *CampaignRepo
	actors    *ActorRepo
	sessions  *SessionRepo
	players   *PlayerRepo
	turns     *TurnRepo
	snapshots *SnapshotRepo
	timers    *TimerRepo
	inflight  *InflightRepo
	embed     *EmbeddingRepo
	media     *MediaRepo
	outbox    *OutboxRepo
}

var _ game.UnitOfWork = (*unitOfWork)(nil)

func newUnitOfWork(db DB) *unitOfWork {
	return &unitOfWork{
		campaigns: &CampaignRepo{db: db},
		actors:    &ActorRepo{db: db},
		sessions:  &SessionRepo{db: db},
		players:   &PlayerRepo{db: db},
		turns:     &TurnRepo{db: db},
		snapshots: &SnapshotRepo{db: db},
		timers:    &TimerRepo{db: db},
		inflight:  &InflightRepo{db: db},
		embed:     &EmbeddingRepo{db: db},
		media:     &MediaRepo{db: db},
		outbox:    &OutboxRepo{db: db},
	}
}

func (u *unitOfWork) Campaigns() game.CampaignRepo   { return u.campaigns }
func (u *unitOfWork) Actors() game.ActorRepo         { return u.actors }
func (u *unitOfWork) Sessions() game.SessionRepo     { return u.sessions }
func (u *unitOfWork) Players() game.PlayerRepo       { return u.players }
func (u *unitOfWork) Turns() game.TurnRepo           { return u.turns }
func (u *unitOfWork) Snapshots() game.SnapshotRepo   { return u.snapshots }
func (u *unitOfWork) Timers() game.TimerRepo         { return u.timers }
func (u *unitOfWork) Inflight() game.InflightRepo    { return u.inflight }
func (u *unitOfWork) Embeddings() game.EmbeddingRepo { return u.embed }
func (u *unitOfWork) Media() game.MediaRepo          { return u.media }
func (u *unitOfWork) Outbox() game.OutboxRepo        { return u.outbox }

// isUniqueViolation checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
