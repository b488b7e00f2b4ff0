package bank

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_SerializesPerKey(t *testing.T) {
	locker := newKeyedLocker()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.do("k", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Empty(t, locker.locks, "locks are removed once released")
}

func TestKeyedLocker_ReturnsFnError(t *testing.T) {
	locker := newKeyedLocker()
	err := locker.do("k", func() error { return assert.AnError })
	require.ErrorIs(t, err, assert.AnError)
}
