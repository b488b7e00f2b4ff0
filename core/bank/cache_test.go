package bank

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/banking-es-go/core/account"
	"github.com/codewandler/banking-es-go/core/es"
	"github.com/codewandler/banking-es-go/ports/kv"
)

func testAccount(id string, version int) *account.Account {
	acc := account.New(id)
	acc.Owner = "alice"
	acc.Status = account.StatusActive
	acc.Balance = d(100)
	acc.Version = es.Version(version)
	return acc
}

func TestStateCache_GetReturnsCopy(t *testing.T) {
	cache := newStateCache(slog.Default(), 0, nil, 0)
	ctx := t.Context()

	cache.put(ctx, testAccount("a1", 1))

	got, ok := cache.get("a1")
	require.True(t, ok)
	got.Balance = d(0)

	again, ok := cache.get("a1")
	require.True(t, ok)
	assert.True(t, again.Balance.Equal(d(100)))
}

func TestStateCache_Eviction(t *testing.T) {
	cache := newStateCache(slog.Default(), 2, nil, 0)
	ctx := t.Context()

	cache.put(ctx, testAccount("a1", 1))
	time.Sleep(time.Millisecond)
	cache.put(ctx, testAccount("a2", 1))
	time.Sleep(time.Millisecond)

	// Touch a1 so a2 becomes the least recently accessed.
	_, ok := cache.get("a1")
	require.True(t, ok)
	time.Sleep(time.Millisecond)

	cache.put(ctx, testAccount("a3", 1))

	_, ok = cache.get("a1")
	assert.True(t, ok)
	_, ok = cache.get("a2")
	assert.False(t, ok, "least recently accessed entry is evicted")
	_, ok = cache.get("a3")
	assert.True(t, ok)
}

func TestStateCache_WriteThrough(t *testing.T) {
	backing := kv.NewMemStore()
	cache := newStateCache(slog.Default(), 0, backing, 0)
	ctx := t.Context()

	cache.put(ctx, testAccount("a1", 1))

	mirrored, err := kv.Get[*account.Account](ctx, backing, backingKey("a1"))
	require.NoError(t, err)
	assert.Equal(t, "a1", mirrored.ID)
	assert.True(t, mirrored.Balance.Equal(d(100)))

	cache.delete(ctx, "a1")
	_, err = backing.Get(ctx, backingKey("a1"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStateCache_Delete(t *testing.T) {
	cache := newStateCache(slog.Default(), 0, nil, 0)
	ctx := t.Context()

	cache.put(ctx, testAccount("a1", 1))
	cache.delete(ctx, "a1")

	_, ok := cache.get("a1")
	assert.False(t, ok)
}
