package projectctx

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/db"
)

func testCache(t *testing.T, store Store, cfg config.CacheConfig) *Cache {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewCache(store, cfg, log)
}

func eachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		pool, err := db.Open(config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(t.TempDir(), "context.db"),
		})
		require.NoError(t, err)
		store, err := NewSQLStore(pool)
		require.NoError(t, err)
		defer store.Close()
		fn(t, store)
	})
}

func TestAddMessageIsWriteThrough(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		cache := testCache(t, store, config.CacheConfig{MaxProjects: 10, MaxMessages: 50})

		require.NoError(t, cache.AddMessage(ctx, "p-1", "user", "what's our WIP?"))
		require.NoError(t, cache.AddMessage(ctx, "p-1", "assistant", "two items in progress"))

		bundle, err := cache.Get(ctx, "p-1")
		require.NoError(t, err)
		require.Len(t, bundle.Messages, 2)
		assert.Equal(t, "user", bundle.Messages[0].Role)
		assert.Equal(t, "two items in progress", bundle.Messages[1].Text)

		// A cold cache reloads the same history from the store.
		cold := testCache(t, store, config.CacheConfig{MaxProjects: 10, MaxMessages: 50})
		reloaded, err := cold.Get(ctx, "p-1")
		require.NoError(t, err)
		require.Len(t, reloaded.Messages, 2)
		assert.Equal(t, "what's our WIP?", reloaded.Messages[0].Text)
	})
}

func TestMessageWindowIsTrimmed(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		cache := testCache(t, store, config.CacheConfig{MaxProjects: 10, MaxMessages: 3})

		for i := 0; i < 5; i++ {
			require.NoError(t, cache.AddMessage(ctx, "p-1", "user", fmt.Sprintf("message %d", i)))
		}

		bundle, err := cache.Get(ctx, "p-1")
		require.NoError(t, err)
		require.Len(t, bundle.Messages, 3)
		assert.Equal(t, "message 2", bundle.Messages[0].Text)
		assert.Equal(t, "message 4", bundle.Messages[2].Text)

		// Reload honors the same window.
		cold := testCache(t, store, config.CacheConfig{MaxProjects: 10, MaxMessages: 3})
		reloaded, err := cold.Get(ctx, "p-1")
		require.NoError(t, err)
		require.Len(t, reloaded.Messages, 3)
		assert.Equal(t, "message 2", reloaded.Messages[0].Text)
	})
}

func TestUpdatePreferenceIsWriteThrough(t *testing.T) {
	eachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		cache := testCache(t, store, config.CacheConfig{MaxProjects: 10, MaxMessages: 10})

		require.NoError(t, cache.UpdatePreference(ctx, "p-1", "tone", "concise"))
		require.NoError(t, cache.UpdatePreference(ctx, "p-1", "tone", "detailed"))

		bundle, err := cache.Get(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, "detailed", bundle.Preferences["tone"])

		cold := testCache(t, store, config.CacheConfig{MaxProjects: 10, MaxMessages: 10})
		reloaded, err := cold.Get(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, "detailed", reloaded.Preferences["tone"])
	})
}

func TestLRUEvictionAtCeiling(t *testing.T) {
	ctx := context.Background()
	cache := testCache(t, NewMemoryStore(), config.CacheConfig{MaxProjects: 2, MaxMessages: 10})

	require.NoError(t, cache.EnsureLoaded(ctx, "p-1"))
	require.NoError(t, cache.EnsureLoaded(ctx, "p-2"))
	assert.Equal(t, 2, cache.Len())

	// Touch p-1 so p-2 is the eviction candidate.
	_, err := cache.Get(ctx, "p-1")
	require.NoError(t, err)

	require.NoError(t, cache.EnsureLoaded(ctx, "p-3"))
	assert.Equal(t, 2, cache.Len())

	// p-2 was evicted; p-1 and p-3 remain.
	cache.mu.Lock()
	_, p1 := cache.entries["p-1"]
	_, p2 := cache.entries["p-2"]
	_, p3 := cache.entries["p-3"]
	cache.mu.Unlock()
	assert.True(t, p1)
	assert.False(t, p2)
	assert.True(t, p3)
}

func TestGetReturnsACopy(t *testing.T) {
	ctx := context.Background()
	cache := testCache(t, NewMemoryStore(), config.CacheConfig{MaxProjects: 10, MaxMessages: 10})

	require.NoError(t, cache.AddMessage(ctx, "p-1", "user", "hello"))
	bundle, err := cache.Get(ctx, "p-1")
	require.NoError(t, err)
	bundle.Messages[0].Text = "mutated"
	bundle.Preferences["sneaky"] = "edit"

	fresh, err := cache.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", fresh.Messages[0].Text)
	assert.NotContains(t, fresh.Preferences, "sneaky")
}

func TestConcurrentWritersOnOneProject(t *testing.T) {
	ctx := context.Background()
	cache := testCache(t, NewMemoryStore(), config.CacheConfig{MaxProjects: 10, MaxMessages: 100})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = cache.AddMessage(ctx, "p-1", "user", fmt.Sprintf("message %d", n))
		}(i)
	}
	wg.Wait()

	bundle, err := cache.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, bundle.Messages, 20)
}
