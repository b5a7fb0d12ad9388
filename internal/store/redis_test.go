package store_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/model"
	"github.com/atmx/auction-engine/internal/store"
)

// newTestRedis connects to TEST_REDIS_URL and empties the selected database.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	return rdb
}

// TestCachedStore runs the store contract through the Redis cache.
func TestCachedStore(t *testing.T) {
	rdb := newTestRedis(t)
	runStoreSuite(t, store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute))
}

func TestCachedStore_OnlyTerminalAuctionsCached(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	cs := store.NewCachedStore(store.NewMemoryStore(), rdb, time.Minute)

	live := newAuction("c-live", model.StateActive, t0.Add(-time.Hour), t0.Add(time.Hour))
	done := newAuction("c-done", model.StateCancelled, t0.Add(-time.Hour), t0.Add(time.Hour))
	for _, a := range []*model.Auction{live, done} {
		require.NoError(t, cs.CreateAuction(ctx, a))
		_, err := cs.GetAuction(ctx, a.ID)
		require.NoError(t, err)
	}

	n, err := rdb.Exists(ctx, "auction:c-live").Result()
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = rdb.Exists(ctx, "auction:c-done").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

// A stale entry left in Redis costs the writer one conflict; the retry
// reads the primary and succeeds.
func TestCachedStore_StaleEntryConflictsOnce(t *testing.T) {
	ctx := context.Background()
	rdb := newTestRedis(t)
	primary := store.NewMemoryStore()
	cs := store.NewCachedStore(primary, rdb, time.Minute)

	a := newAuction("c-stale", model.StateActive, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, cs.CreateAuction(ctx, a))

	// Advance the primary behind the cache's back, then plant the old row.
	next := a.Clone()
	next.CurrentPrice = decimal.NewFromInt(12)
	next.BidCount = 1
	require.NoError(t, primary.Commit(ctx, store.Commit{Auction: next, ExpectedVersion: 1}))
	old, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, rdb.Set(ctx, "auction:c-stale", old, time.Minute).Err())

	cached, err := cs.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, cached.Version)

	write := cached.Clone()
	write.CurrentPrice = decimal.NewFromInt(13)
	err = cs.Commit(ctx, store.Commit{Auction: write, ExpectedVersion: cached.Version})
	require.ErrorIs(t, err, store.ErrVersionConflict)

	fresh, err := cs.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, fresh.Version)

	write = fresh.Clone()
	write.CurrentPrice = decimal.NewFromInt(13)
	require.NoError(t, cs.Commit(ctx, store.Commit{Auction: write, ExpectedVersion: fresh.Version}))

	got, err := cs.GetAuction(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, got.Version)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(13)))
}
