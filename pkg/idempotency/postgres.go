package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps entries in the inbox table, so every replica sees the
// same deliveries
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (*Entry, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("inbox get: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Entry])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbox get: %w", err)
	}
	return e, nil
}

// Start claims the key. The upsert only takes over a RECOVERABLE row, so two
// deliveries racing on a new key cannot both win.
func (b *PostgresBackend) Start(ctx context.Context, e *Entry) error {
	tag, err := b.pool.Exec(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, handler_name = EXCLUDED.handler_name,
		    updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
		WHERE inbox.status = $7`,
		e.Key, e.Handler, e.Status, e.Payload, e.UpdatedAt, e.ExpiresAt, StatusRecoverable)
	if err != nil {
		return fmt.Errorf("inbox start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateMessage
	}
	return nil
}

// Mark sets the status, keeping the stored result when result is nil
func (b *PostgresBackend) Mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := b.pool.Exec(ctx, `
		UPDATE inbox SET status = $2, result = COALESCE($3, result), updated_at = NOW()
		WHERE idempotency_key = $1`, key, status, result)
	if err != nil {
		return fmt.Errorf("inbox mark %s: %w", status, err)
	}
	return nil
}

func (b *PostgresBackend) RecoverStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3`, StatusRecoverable, StatusStarted, before)
	if err != nil {
		return 0, fmt.Errorf("inbox recover: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) Stats(ctx context.Context) (*Stats, error) {
	rows, err := b.pool.Query(ctx, `SELECT status, COUNT(*) FROM inbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	s := &Stats{}
	var (
		status Status
		n      int64
	)
	_, err = pgx.ForEachRow(rows, []any{&status, &n}, func() error {
		s.add(status, n)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
