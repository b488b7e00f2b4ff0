package bank

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/banking-es-go/core/account"
	"github.com/codewandler/banking-es-go/core/es"
	"github.com/codewandler/banking-es-go/ports/kv"
)

// cacheEntry wraps one reconstructed account. The account snapshot is never
// mutated in place; writers replace the whole entry, so readers only need
// the map's read lock plus an atomic touch of lastAccessed.
type cacheEntry struct {
	account      *account.Account
	version      es.Version
	createdAt    time.Time
	lastAccessed atomic.Int64 // unix nanos
}

func (e *cacheEntry) touch() { e.lastAccessed.Store(time.Now().UnixNano()) }

// stateCache is the process-local acceleration layer for reconstructed
// account state. It is not a consistency boundary: entries are advanced or
// dropped by the writer that moved the version, and staleness caused by
// out-of-process writers is resolved at the event log, not here.
type stateCache struct {
	log      *slog.Logger
	capacity int
	backing  kv.Store // optional write-through, best-effort
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

func newStateCache(log *slog.Logger, capacity int, backing kv.Store, ttl time.Duration) *stateCache {
	return &stateCache{
		log:      log.With(slog.String("cache", "account_state")),
		capacity: capacity,
		backing:  backing,
		ttl:      ttl,
		entries:  map[string]*cacheEntry{},
	}
}

// get returns a copy of the cached account, so callers can never mutate
// shared state through the cache.
func (c *stateCache) get(id string) (*account.Account, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry.touch()
	return entry.account.Clone(), true
}

// put installs acc as the last-known state for its ID, replacing any older
// entry. The entry's version always equals the account's version.
func (c *stateCache) put(ctx context.Context, acc *account.Account) {
	entry := &cacheEntry{
		account:   acc.Clone(),
		version:   acc.Version,
		createdAt: time.Now(),
	}
	entry.touch()

	c.mu.Lock()
	c.entries[acc.ID] = entry
	c.evictLocked()
	c.mu.Unlock()

	c.writeThrough(ctx, acc)
}

func (c *stateCache) delete(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()

	if c.backing == nil {
		return
	}
	if err := c.backing.Delete(ctx, backingKey(id)); err != nil {
		c.log.Warn("backing store delete failed", slog.String("id", id), slog.Any("error", err))
	}
}

// evictLocked drops least-recently-accessed entries until the cache fits
// its capacity. Called with the write lock held.
func (c *stateCache) evictLocked() {
	for c.capacity > 0 && len(c.entries) > c.capacity {
		var (
			oldestID string
			oldest   int64
		)
		for id, entry := range c.entries {
			if at := entry.lastAccessed.Load(); oldestID == "" || at < oldest {
				oldestID, oldest = id, at
			}
		}
		delete(c.entries, oldestID)
	}
}

// writeThrough mirrors the entry to the distributed backing store. Failures
// are logged and ignored: the backing store is an optional accelerator and
// never a correctness dependency.
func (c *stateCache) writeThrough(ctx context.Context, acc *account.Account) {
	if c.backing == nil {
		return
	}
	err := kv.Put(ctx, c.backing, backingKey(acc.ID), acc, kv.PutOptions{TTL: c.ttl})
	if err != nil {
		c.log.Warn("backing store put failed", slog.String("id", acc.ID), slog.Any("error", err))
	}
}

func backingKey(id string) string { return "account/" + id }
