package bank

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/banking-es-go/core/account"
	"github.com/codewandler/banking-es-go/core/es"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestRepo(t *testing.T, store es.EventStore, opts ...Option) *Repository {
	t.Helper()
	repo := New(slog.Default(), store, opts...)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	store := es.NewInMemoryStore()
	repo := newTestRepo(t, store)

	acc, err := repo.CreateAccount(t.Context(), "alice", d(100))
	require.NoError(t, err)
	require.NotEmpty(t, acc.ID)
	assert.True(t, acc.Balance.Equal(d(100)))
	assert.EqualValues(t, 1, acc.Version)

	got, err := repo.GetByID(t.Context(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.True(t, got.Balance.Equal(d(100)))

	// Create wrote through the cache, so the read above was a hit.
	snap := repo.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.CacheHits)
	assert.EqualValues(t, 0, snap.CacheMisses)
}

func TestRepository_GetByID_Absent(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())

	acc, err := repo.GetByID(t.Context(), "missing")
	require.NoError(t, err)
	assert.Nil(t, acc)

	snap := repo.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.CacheMisses)
	assert.EqualValues(t, 0, snap.Errors)
}

func TestRepository_EndToEnd(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())
	ctx := t.Context()

	acc, err := repo.CreateAccount(ctx, "alice", d(100))
	require.NoError(t, err)

	acc, err = repo.DepositMoney(ctx, acc.ID, d(50))
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d(150)))

	acc, err = repo.WithdrawMoney(ctx, acc.ID, d(30))
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(d(120)))

	_, err = repo.WithdrawMoney(ctx, acc.ID, d(200))
	require.ErrorIs(t, err, account.ErrInsufficientFunds)

	// The rejected withdrawal left no event behind.
	got, err := repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d(120)))
	assert.EqualValues(t, 3, got.Version)
}

func TestRepository_CacheMissReplays(t *testing.T) {
	store := es.NewInMemoryStore()
	writer := newTestRepo(t, store)

	acc, err := writer.CreateAccount(t.Context(), "alice", d(100))
	require.NoError(t, err)

	// A second repository over the same store has a cold cache.
	reader := newTestRepo(t, store)
	got, err := reader.GetByID(t.Context(), acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d(100)))

	snap := reader.Metrics().Snapshot()
	assert.EqualValues(t, 0, snap.CacheHits)
	assert.EqualValues(t, 1, snap.CacheMisses)

	// The replayed state is cached now.
	_, err = reader.GetByID(t.Context(), acc.ID)
	require.NoError(t, err)
	snap = reader.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.CacheHits)
	assert.EqualValues(t, 1, snap.CacheMisses)
}

func TestRepository_VersionConflict(t *testing.T) {
	store := es.NewInMemoryStore()
	repo := newTestRepo(t, store)
	ctx := t.Context()

	acc, err := repo.CreateAccount(ctx, "alice", d(100))
	require.NoError(t, err)
	stale := acc.Clone()

	// Another writer advances the stream behind our back.
	other := newTestRepo(t, store)
	_, err = other.DepositMoney(ctx, acc.ID, d(10))
	require.NoError(t, err)

	ev, err := stale.Deposit(d(5))
	require.NoError(t, err)
	_, err = repo.Save(ctx, stale, ev)
	require.ErrorIs(t, err, es.ErrVersionConflict)

	var conflict *es.VersionConflictError
	require.ErrorAs(t, err, &conflict, "the store's conflict error is surfaced unchanged")
	assert.EqualValues(t, 1, conflict.Expected)
	assert.EqualValues(t, 2, conflict.Actual)
	assert.EqualValues(t, 1, repo.Metrics().Snapshot().Errors)

	// The stale cache entry was invalidated: reload sees the committed
	// state and the retry goes through.
	fresh, err := repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fresh.Version)
	assert.True(t, fresh.Balance.Equal(d(110)))

	ev, err = fresh.Deposit(d(5))
	require.NoError(t, err)
	saved, err := repo.Save(ctx, fresh, ev)
	require.NoError(t, err)
	assert.True(t, saved.Balance.Equal(d(115)))
}

func TestRepository_CommandsOnAbsentAccount(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())

	_, err := repo.DepositMoney(t.Context(), "missing", d(1))
	require.ErrorIs(t, err, ErrAccountNotFound)
	_, err = repo.WithdrawMoney(t.Context(), "missing", d(1))
	require.ErrorIs(t, err, ErrAccountNotFound)
	_, err = repo.CloseAccount(t.Context(), "missing")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRepository_CloseAccount(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())
	ctx := t.Context()

	acc, err := repo.CreateAccount(ctx, "alice", d(100))
	require.NoError(t, err)

	closed, err := repo.CloseAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, account.StatusClosed, closed.Status)

	_, err = repo.DepositMoney(ctx, acc.ID, d(1))
	require.ErrorIs(t, err, account.ErrClosed)
}

func TestRepository_ConcurrentDeposits(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())
	ctx := t.Context()

	acc, err := repo.CreateAccount(ctx, "alice", d(0))
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.DepositMoney(ctx, acc.ID, d(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d(n)), "balance is %s", got.Balance)
	assert.EqualValues(t, n+1, got.Version)
	assert.EqualValues(t, 0, repo.Metrics().Snapshot().Errors,
		"in-process commands are serialized per account")
}

func TestRepository_GetByID_ReturnsCopy(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())
	ctx := t.Context()

	acc, err := repo.CreateAccount(ctx, "alice", d(100))
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	got.Balance = d(999999)

	again, err := repo.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(d(100)))
}

func TestRepository_SaveImmediateAlias(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore())
	ctx := t.Context()

	acc := account.New("a1")
	ev, err := acc.Open("alice", d(10))
	require.NoError(t, err)

	saved, err := repo.SaveImmediate(ctx, acc, ev)
	require.NoError(t, err)
	assert.EqualValues(t, 1, saved.Version)
	assert.EqualValues(t, 1, repo.Metrics().Snapshot().EventsProcessed)
}

func TestRepository_WithIDGenerator(t *testing.T) {
	repo := newTestRepo(t, es.NewInMemoryStore(), WithIDGenerator(func() string { return "fixed-id" }))

	acc, err := repo.CreateAccount(t.Context(), "alice", d(1))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", acc.ID)
}
