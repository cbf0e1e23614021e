package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "short", []byte("a"), time.Minute))
	require.NoError(t, c.Set(ctx, "forever", []byte("b"), 0))

	v, ok, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), v)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "short")
	assert.False(t, ok)

	_, ok, _ = c.Get(ctx, "forever")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	buf := []byte("patient")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'X'

	v, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "patient", string(v))

	v[0] = 'Y'
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "patient", string(again))
}

func TestMemoryEvictExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemory().WithClock(func() time.Time { return now })

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	now = now.Add(time.Minute)
	c.evictExpired()
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Delete(ctx, "b"))
	assert.Equal(t, 0, c.Len())
}
