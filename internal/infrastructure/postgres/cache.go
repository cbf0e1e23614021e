package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-adherence/pkg/cache"
)

// Cache is a cache.Cache on the cache_entries table. It lets several API
// replicas share the patient fallback copies.
type Cache struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ cache.Cache = (*Cache)(nil)

// NewCache creates a table-backed cache
func NewCache(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool, now: time.Now}
}

// Get implements cache.Cache
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := c.pool.QueryRow(ctx, `
		SELECT value FROM cache_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`, key, c.now()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements cache.Cache. A zero ttl never expires.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := c.now().Add(ttl)
		expiresAt = &t
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete implements cache.Cache
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// PurgeExpired removes expired entries and returns how many were deleted
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, c.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
