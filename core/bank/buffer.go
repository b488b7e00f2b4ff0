package bank

import (
	"sync"

	"github.com/codewandler/banking-es-go/core/es"
)

// bufferEntry is the not-yet-committed tail of one aggregate stream: the
// events queued for the next flush plus the stream version they were queued
// against. An entry is flushed whole, in enqueue order, or not at all.
type bufferEntry struct {
	base     es.Version
	events   []es.Event
	attempts int
}

// pendingBuffer queues events accepted by the batched write path until the
// flush scheduler commits them. Every critical section is O(1)-ish map and
// slice work; no I/O ever happens under the lock, so enqueueing never
// blocks on the network.
type pendingBuffer struct {
	mu      sync.Mutex
	entries map[string]*bufferEntry
}

func newPendingBuffer() *pendingBuffer {
	return &pendingBuffer{entries: map[string]*bufferEntry{}}
}

// enqueue adds events for aggregate id. The first call for an id records
// expected as the entry's base version; later calls accumulate in order and
// their expected version is ignored, since the whole entry commits on top
// of the recorded base.
func (b *pendingBuffer) enqueue(id string, expected es.Version, events []es.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[id]
	if !ok {
		entry = &bufferEntry{base: expected}
		b.entries[id] = entry
	}
	entry.events = append(entry.events, events...)
}

// take atomically removes and returns all non-empty entries. Events
// enqueued after take returns land in fresh entries and are picked up by
// the next cycle; nothing is lost or double-flushed.
func (b *pendingBuffer) take() map[string]*bufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	taken := b.entries
	b.entries = map[string]*bufferEntry{}
	return taken
}

// requeue puts a failed entry back for a later attempt. If new events
// arrived for the same aggregate while the flush was in flight, they are
// kept behind the failed ones and the original base version wins, so the
// eventual commit is still one ordered batch.
func (b *pendingBuffer) requeue(id string, entry *bufferEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry.attempts++
	if newer, ok := b.entries[id]; ok {
		entry.events = append(entry.events, newer.events...)
	}
	b.entries[id] = entry
}

func (b *pendingBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
