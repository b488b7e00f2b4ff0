package es

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownEventType = errors.New("unknown event type")

// EventRegistry maps event type tags to constructors so persisted envelopes
// can be decoded back into concrete events.
type EventRegistry struct {
	mu    sync.RWMutex
	ctors map[string]func() any
}

func NewRegistry() *EventRegistry {
	return &EventRegistry{ctors: map[string]func() any{}}
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[eventType] = ctor
}

// Decode reconstructs the event carried by env. It fails on an unregistered
// type tag or a payload that does not unmarshal; callers replaying a stream
// must treat either as fatal for that replay.
func (r *EventRegistry) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s event: %w", env.Type, err)
		}
	}
	return ev, nil
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEvents registers constructors, deriving each tag from a sample
// instance. Constructors must return fresh instances per call.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample, ok := ctor().(Event)
		if !ok {
			panic(fmt.Sprintf("event constructor returned %T which has no EventType", ctor()))
		}
		r.Register(sample.EventType(), ctor)
	}
}

// NewEvent returns a constructor for an event of type T.
func NewEvent[T any]() func() any { return func() any { return new(T) } }
