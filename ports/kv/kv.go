// Package kv is the port for a distributed key/value store. The state
// cache uses it, when configured, as an optional write-through backing;
// it is never required for correctness.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	// TTL expires the entry after the given duration; zero keeps it until
	// overwritten or deleted.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (Entry, error)
	Delete(ctx context.Context, key string) error
}

// Put marshals v as JSON and stores it under key.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

// Get loads key and unmarshals its JSON payload into T.
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return out, err
	}
	return out, nil
}
