package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/pkg/cache"
)

type flakyDirectory struct {
	*memory.Directory
	down bool
}

var errUnavailable = errors.New("connection refused")

func (f *flakyDirectory) Lookup(ctx context.Context, id string) (*reminder.Patient, error) {
	if f.down {
		return nil, errUnavailable
	}
	return f.Directory.Lookup(ctx, id)
}

func (f *flakyDirectory) LookupByContact(ctx context.Context, contact string) (*reminder.Patient, error) {
	if f.down {
		return nil, errUnavailable
	}
	return f.Directory.LookupByContact(ctx, contact)
}

func setup() (*flakyDirectory, *cache.Memory, *Cached) {
	backend := &flakyDirectory{Directory: memory.NewDirectory(reminder.Patient{
		ID:       "p-1",
		Name:     "Asha",
		Contact:  "+91 98000 00001",
		Language: "hi",
	})}
	c := cache.NewMemory()
	return backend, c, NewCached(backend, c, DefaultConfig(), nil)
}

func TestCached_ServesCacheWhenBackendFails(t *testing.T) {
	backend, _, dir := setup()
	ctx := context.Background()

	p, err := dir.Lookup(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Asha", p.Name)
	_, err = dir.LookupByContact(ctx, "+919800000001")
	require.NoError(t, err)

	backend.down = true
	p, err = dir.Lookup(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", p.Language)

	p, err = dir.LookupByContact(ctx, "+91 98000 00001")
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)
}

func TestCached_NothingCachedPropagatesError(t *testing.T) {
	backend, _, dir := setup()
	backend.down = true

	_, err := dir.Lookup(context.Background(), "p-1")
	assert.ErrorIs(t, err, errUnavailable)
}

func TestCached_NotFoundEvicts(t *testing.T) {
	backend, c, dir := setup()
	ctx := context.Background()

	_, err := dir.Lookup(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	backend.Directory = memory.NewDirectory()
	_, err = dir.Lookup(ctx, "p-1")
	assert.ErrorIs(t, err, reminder.ErrNotFound)
	assert.Zero(t, c.Len())
}

func TestCached_ExpiredEntryIsNotServed(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	backend, _, _ := setup()
	c := cache.NewMemory().WithClock(func() time.Time { return now })
	dir := NewCached(backend, c, Config{TTL: time.Hour, KeyPrefix: "patient:"}, nil)
	ctx := context.Background()

	_, err := dir.Lookup(ctx, "p-1")
	require.NoError(t, err)

	backend.down = true
	now = now.Add(2 * time.Hour)
	_, err = dir.Lookup(ctx, "p-1")
	assert.Error(t, err)
}
