package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time // zero means no expiry
}

// MemStore is an in-memory Store for tests and development. Expired
// entries are dropped lazily on read.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	var expiresAt time.Time
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = memEntry{entry: entry, expiresAt: expiresAt}
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	me, ok := m.data[key]
	m.mu.RUnlock()

	if !ok {
		return Entry{}, ErrNotFound
	}
	if !me.expiresAt.IsZero() && time.Now().After(me.expiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	return me.entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)
