package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the record persisted in the event store. The payload is kept
// opaque; Type is the tag used to decode it again via an EventRegistry.
type Envelope struct {
	ID            string          `json:"id"`           // unique message ID
	Seq           uint64          `json:"seq"`          // global sequence, assigned by the store
	Version       Version         `json:"version"`      // 1..N within the aggregate stream
	AggregateType string          `json:"aggregate"`    // aggregate root type
	AggregateID   string          `json:"aggregate_id"` // aggregate root ID
	Type          string          `json:"type"`         // event type tag
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.AggregateType == "" {
		return fmt.Errorf("envelope aggregate type is empty")
	}
	if e.AggregateID == "" {
		return fmt.Errorf("envelope aggregate id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version == 0 {
		return fmt.Errorf("envelope version is zero")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("envelope occurred at is zero")
	}
	return nil
}
