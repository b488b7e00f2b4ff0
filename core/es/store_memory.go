package es

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryStore is a simple, correct (optimistic) store for tests and
// development. Appends to one stream are serialized under a single mutex;
// the version check and the write happen in the same critical section, so
// an accepted batch is always committed as a whole.
type InMemoryStore struct {
	mu      sync.Mutex
	log     *slog.Logger
	seq     atomic.Uint64
	streams map[string][]Envelope
	subs    map[string]*memorySubscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Envelope{},
		subs:    map[string]*memorySubscription{},
	}
}

func streamKey(aggType, aggID string) string { return aggType + "-" + aggID }

func (s *InMemoryStore) Load(
	_ context.Context,
	aggType, aggID string,
	opts ...LoadOption,
) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := NewLoadOpts(opts...)

	out := make([]Envelope, 0)
	for _, e := range s.streams[streamKey(aggType, aggID)] {
		if e.Version <= options.afterVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemoryStore) Append(
	_ context.Context,
	aggType, aggID string,
	expected Version,
	events []Envelope,
) (*AppendResult, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk      = streamKey(aggType, aggID)
		stream  = s.streams[sk]
		current Version
	)
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if current != expected {
		return nil, &VersionConflictError{
			AggregateType: aggType,
			AggregateID:   aggID,
			Expected:      expected,
			Actual:        current,
		}
	}

	// Validate the whole batch before committing any of it.
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}

	var (
		lastSeq   uint64
		committed = make([]Envelope, 0, len(events))
	)
	for _, e := range events {
		lastSeq = s.seq.Add(1)
		e.Seq = lastSeq
		committed = append(committed, e)
	}
	s.streams[sk] = append(stream, committed...)

	s.log.Debug(
		"append",
		slog.String("agg_type", aggType),
		slog.String("agg_id", aggID),
		slog.Uint64("last_seq", lastSeq),
		slog.Int("num_events", len(committed)),
	)

	s.dispatch(committed)

	return &AppendResult{LastSeq: lastSeq}, nil
}

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	options := NewSubscribeOpts(opts...)

	subID := gonanoid.Must()
	sub := &memorySubscription{
		filters: options.Filters(),
		ch:      make(chan Envelope, 64),
		done:    make(chan struct{}),
	}
	sub.cancel = func() {
		sub.once.Do(func() {
			s.mu.Lock()
			delete(s.subs, subID)
			s.mu.Unlock()
			close(sub.done)
		})
	}
	s.subs[subID] = sub

	if options.DeliverPolicy() == DeliverAllPolicy {
		var backlog []Envelope
		for _, stream := range s.streams {
			for _, e := range stream {
				if matchFilters(e, sub.filters) {
					backlog = append(backlog, e)
				}
			}
		}
		sort.Slice(backlog, func(i, j int) bool { return backlog[i].Seq < backlog[j].Seq })
		go func() {
			for _, e := range backlog {
				select {
				case <-sub.done:
					return
				case sub.ch <- e:
				}
			}
		}()
	}

	context.AfterFunc(ctx, sub.Cancel)

	return sub, nil
}

// dispatch fans out to subscribers without blocking appends: a slow
// consumer drops envelopes once its buffer is full and has to catch up via
// Load.
func (s *InMemoryStore) dispatch(events []Envelope) {
	for _, e := range events {
		for _, sub := range s.subs {
			if !matchFilters(e, sub.filters) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

type memorySubscription struct {
	filters []SubscribeFilter
	ch      chan Envelope
	done    chan struct{}
	once    sync.Once
	cancel  func()
}

func (m *memorySubscription) Chan() <-chan Envelope { return m.ch }
func (m *memorySubscription) Cancel()               { m.cancel() }

var _ EventStore = (*InMemoryStore)(nil)
