// Package es provides the append-only event log that account state is
// persisted to, and the pieces needed to get state back out of it.
//
// # Event Log
//
// Events are persisted as [Envelope] records, one ordered stream per
// aggregate. [EventStore.Append] is the single point of concurrency
// arbitration: an append carries the version the writer expects the stream
// to be at, and fails with [VersionConflictError] when another writer got
// there first. [EventStore.Load] returns a stream in commit order; an
// aggregate with no events yields an empty slice, never an error.
//
//	res, err := store.Append(ctx, "account", id, acc.Version, envelopes)
//	var conflict *es.VersionConflictError
//	if errors.As(err, &conflict) {
//	    // reload at conflict.Actual and resubmit
//	}
//
// Use [NewInMemoryStore] for tests and development; the adapters/nats
// package provides the production implementation on NATS JetStream.
//
// # Decoding
//
// Envelopes carry an opaque JSON payload plus a type tag. An
// [EventRegistry] maps tags back to concrete event types so streams can be
// replayed:
//
//	reg := es.NewRegistry()
//	reg.Register(account.EventTypeDeposited, func() any { return new(account.Deposited) })
//	evt, err := reg.Decode(env)
//
// Decoding is fail-fast: an unknown tag or malformed payload aborts the
// replay that requested it.
//
// # Fan-out
//
// [EventStore.Subscribe] exposes committed events to downstream consumers
// (projections, broker pipelines). The repository never depends on a
// subscriber's progress.
package es
