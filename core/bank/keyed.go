package bank

import "sync"

// keyedLocker serializes work per key while leaving different keys fully
// concurrent. The command handlers use it so that concurrent in-process
// commands against the same account line up instead of burning version
// conflicts at the event log; cross-process writers are still arbitrated
// by the log alone.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: map[string]*keyedLock{}}
}

// do runs fn while holding the lock for key. Locks are created on demand
// and removed once the last holder releases them, so the map never grows
// with dead keys.
func (k *keyedLocker) do(key string, fn func() error) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	err := fn()
	l.mu.Unlock()

	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	return err
}
