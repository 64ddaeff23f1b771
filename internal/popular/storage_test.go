package popular_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/popular"
)

func TestRedisStorageRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	require.NoError(t, client.FlushDB(ctx).Err())

	storage := popular.NewRedisStorage(client, time.Minute)

	ok, err := storage.HasValidData(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = storage.Get(ctx)
	require.ErrorIs(t, err, popular.ErrCacheMiss)

	list := []models.PopularDataset{{Rank: 1, ID: 42, Title: "bus stops"}, {Rank: 2, ID: 7}}
	require.NoError(t, storage.Set(ctx, list))

	ok, err = storage.HasValidData(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := storage.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, list, got)

	raw, err := client.Get(ctx, "popular:datasets:metadata").Bytes()
	require.NoError(t, err)
	var snap popular.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, 2, snap.Size)

	ttl, err := client.TTL(ctx, "popular:datasets").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	// Losing one key invalidates the snapshot.
	require.NoError(t, client.Del(ctx, "popular:datasets:metadata").Err())
	ok, err = storage.HasValidData(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
