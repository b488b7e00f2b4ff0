package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrVersionConflict is matched (errors.Is) by every VersionConflictError.
	ErrVersionConflict = errors.New("version conflict")

	ErrNoEvents = errors.New("no events to append")
)

// VersionConflictError reports a failed optimistic append: the stream was at
// Actual while the writer expected Expected. The caller is expected to
// reload state and resubmit; the store never retries on its own.
type VersionConflictError struct {
	AggregateType string
	AggregateID   string
	Expected      Version
	Actual        Version
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf(
		"version conflict on %s/%s: expected %d, actual %d",
		e.AggregateType, e.AggregateID, e.Expected, e.Actual,
	)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// Event is a domain event that can be enveloped. The tag returned by
// EventType must be stable; it is what gets persisted and registered for
// decoding.
type Event interface {
	EventType() string
}

type (
	// LoadOpts is the resolved form of a Load call's options; stores apply
	// it via NewLoadOpts.
	LoadOpts struct {
		afterVersion Version
	}

	// LoadOption narrows what Load returns.
	LoadOption func(*LoadOpts)

	// AppendResult reports where an append landed in the global stream.
	AppendResult struct {
		LastSeq uint64
	}

	// EventStore stores and loads envelopes per aggregate stream.
	//
	// Append commits all events atomically, or none of them, and is the
	// single source of truth for concurrency arbitration. Load returns the
	// stream in commit order; an absent aggregate yields an empty slice and
	// a nil error.
	EventStore interface {
		Stream
		Load(ctx context.Context, aggType, aggID string, opts ...LoadOption) ([]Envelope, error)
		Append(ctx context.Context, aggType, aggID string, expected Version, events []Envelope) (*AppendResult, error)
	}
)

func (o *LoadOpts) AfterVersion() Version { return o.afterVersion }

// WithAfterVersion makes Load return only events strictly after v.
func WithAfterVersion(v Version) LoadOption {
	return func(o *LoadOpts) { o.afterVersion = v }
}

func NewLoadOpts(opts ...LoadOption) LoadOpts {
	var options LoadOpts
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Wrap envelopes a batch of domain events on top of the expected stream
// version, assigning IDs and per-event versions expected+1..expected+n.
func Wrap(aggType, aggID string, expected Version, events ...Event) ([]Envelope, error) {
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	now := time.Now()
	envelopes := make([]Envelope, 0, len(events))
	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventType(), err)
		}
		envelopes = append(envelopes, Envelope{
			ID:            gonanoid.Must(),
			Type:          ev.EventType(),
			AggregateType: aggType,
			AggregateID:   aggID,
			Version:       expected + Version(i+1),
			OccurredAt:    now,
			Data:          data,
		})
	}
	return envelopes, nil
}

// AppendEvents wraps events and appends them in one call.
func AppendEvents(
	ctx context.Context,
	store EventStore,
	aggType, aggID string,
	expected Version,
	events ...Event,
) (*AppendResult, error) {
	envelopes, err := Wrap(aggType, aggID, expected, events...)
	if err != nil {
		return nil, err
	}
	return store.Append(ctx, aggType, aggID, expected, envelopes)
}
