package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/banking-es-go/ports/kv"
)

type KVConfig struct {
	Connect  Connector // nil means ConnectDefault()
	Bucket   string
	MaxBytes int64
	// TTL expires entries at the bucket level. JetStream KV has no
	// per-key TTL here, so kv.PutOptions.TTL is ignored; pass the cache
	// TTL as the bucket TTL instead.
	TTL time.Duration
}

// KVStore implements the ports/kv store on a JetStream key/value bucket.
type KVStore struct {
	bucket  jetstream.KeyValue
	closeNc closeFunc
}

func NewKVStore(cfg KVConfig) (*KVStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}
	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024 * 1024
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
		TTL:      cfg.TTL,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.Bucket, err)
	}

	return &KVStore{bucket: bucket, closeNc: closeNc}, nil
}

func (k *KVStore) Close() error {
	k.closeNc()
	return nil
}

func (k *KVStore) Put(ctx context.Context, key string, entry kv.Entry, _ kv.PutOptions) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = k.bucket.Put(ctx, key, data)
	return err
}

func (k *KVStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var entry kv.Entry
	if err := json.Unmarshal(v.Value(), &entry); err != nil {
		return kv.Entry{}, err
	}
	return entry, nil
}

func (k *KVStore) Delete(ctx context.Context, key string) error {
	if err := k.bucket.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

var _ kv.Store = (*KVStore)(nil)
