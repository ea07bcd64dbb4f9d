package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/HZ-Backend/internal/zones/cache"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func openStore(t *testing.T, ttl time.Duration) (*cache.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := cache.Open(t.TempDir(), cache.Options{TTL: ttl, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestGet_MissIsNotAnError(t *testing.T) {
	store, _ := openStore(t, time.Hour)

	payload, ok, err := store.Get(context.Background(), "boundary:tract:2024:51")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)
}

func TestPutThenGet(t *testing.T) {
	store, clock := openStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "census:acs5:2024:51", "https://api.census.gov/x", []byte(`[["NAME"]]`)))

	payload, ok, err := store.Get(ctx, "census:acs5:2024:51")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[["NAME"]]`, string(payload))

	entry, ok, err := store.Entry(ctx, "census:acs5:2024:51")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://api.census.gov/x", entry.SourceURL)
	assert.Equal(t, int64(len(`[["NAME"]]`)), entry.PayloadSize)
	assert.True(t, entry.ExpiresAt.Equal(clock.now.Add(time.Hour)))
}

func TestGet_ExpiredEntryForcesReacquire(t *testing.T) {
	store, clock := openStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "", []byte("v")))

	clock.now = clock.now.Add(59 * time.Minute)
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	// usable only while now < expiration
	clock.now = clock.now.Add(time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPut_OverwritesPriorEntry(t *testing.T) {
	store, clock := openStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "", []byte("old")))
	clock.now = clock.now.Add(2 * time.Hour)
	require.NoError(t, store.Put(ctx, "k", "", []byte("new")))

	payload, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(payload))
}

func TestGet_MissingPayloadFileIsAMiss(t *testing.T) {
	store, _ := openStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "", []byte("v")))
	entry, _, err := store.Entry(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.PayloadPath))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurge_RemovesOnlyExpired(t *testing.T) {
	store, clock := openStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "old", "", []byte("1")))
	clock.now = clock.now.Add(30 * time.Minute)
	require.NoError(t, store.Put(ctx, "fresh", "", []byte("2")))
	clock.now = clock.now.Add(45 * time.Minute)

	purged, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, ok, err := store.Entry(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}
