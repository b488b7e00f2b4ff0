// Package nats provides the production event log on NATS JetStream and a
// JetStream KV implementation of the ports/kv store.
package nats

import (
	"os"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector creates the underlying NATS connection. Adapters take a
// Connector instead of a connection so callers decide about reuse and
// lifecycle.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.MaxReconnects(3),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the library
// default URL.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
