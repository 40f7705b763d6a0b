package caching

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oddnetworks/oddworks/pkg/storage"
	"github.com/oddnetworks/oddworks/pkg/storage/memory"
	"github.com/oddnetworks/oddworks/pkg/storage/test"
	"github.com/oddnetworks/oddworks/pkg/types"
)

func TestCachedDatastoreConformance(t *testing.T) {
	ds := NewCachedDatastore(memory.New())
	defer ds.Close()

	test.RunAllTests(t, ds)
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	memoryBackend := memory.New()
	cachingBackend := NewCachedDatastore(memoryBackend, WithTTL(time.Minute))
	defer cachingBackend.Close()

	channel := &types.Entity{ID: "odd-networks", Type: types.TypeChannel, Fields: map[string]any{"name": "Odd"}}
	_, err := memoryBackend.Set(ctx, channel)
	require.NoError(t, err)

	args := storage.GetArgs{ID: "odd-networks", Type: types.TypeChannel}
	got, err := cachingBackend.Get(ctx, args)
	require.NoError(t, err)
	require.Equal(t, "Odd", got.Fields["name"])

	cached, ok := cachingBackend.cache.Get(storage.NewKey(types.TypeChannel, "", "odd-networks").String())
	require.True(t, ok)
	require.Equal(t, "odd-networks", cached.ID)

	t.Run("writes_behind_the_cache_are_not_seen_until_expiry", func(t *testing.T) {
		_, err := memoryBackend.Set(ctx, &types.Entity{ID: "odd-networks", Type: types.TypeChannel, Fields: map[string]any{"name": "Renamed"}})
		require.NoError(t, err)

		got, err := cachingBackend.Get(ctx, args)
		require.NoError(t, err)
		require.Equal(t, "Odd", got.Fields["name"])
	})

	t.Run("writes_through_the_cache_invalidate", func(t *testing.T) {
		_, err := cachingBackend.Set(ctx, &types.Entity{ID: "odd-networks", Type: types.TypeChannel, Fields: map[string]any{"name": "Through"}})
		require.NoError(t, err)

		got, err := cachingBackend.Get(ctx, args)
		require.NoError(t, err)
		require.Equal(t, "Through", got.Fields["name"])
	})

	t.Run("returned_entities_are_copies", func(t *testing.T) {
		got, err := cachingBackend.Get(ctx, args)
		require.NoError(t, err)
		got.Fields["name"] = "mutated"

		again, err := cachingBackend.Get(ctx, args)
		require.NoError(t, err)
		require.Equal(t, "Through", again.Fields["name"])
	})

	t.Run("uncached_types_pass_through", func(t *testing.T) {
		video := &types.Entity{ID: "video-1", Type: types.TypeVideo, Channel: "odd-networks"}
		_, err := memoryBackend.Set(ctx, video)
		require.NoError(t, err)

		_, err = cachingBackend.Get(ctx, storage.GetArgs{ID: "video-1", Type: types.TypeVideo, Channel: "odd-networks"})
		require.NoError(t, err)

		_, ok := cachingBackend.cache.Get(storage.NewKey(types.TypeVideo, "odd-networks", "video-1").String())
		require.False(t, ok)
	})

	t.Run("misses_are_not_cached", func(t *testing.T) {
		_, err := cachingBackend.Get(ctx, storage.GetArgs{ID: "nope", Type: types.TypePlatform, Channel: "odd-networks"})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}
