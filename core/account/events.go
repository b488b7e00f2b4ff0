package account

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/codewandler/banking-es-go/core/es"
)

// Event type tags as persisted in envelopes. Stable; never renumber or
// reuse.
const (
	EventTypeOpened    = "account_opened"
	EventTypeDeposited = "money_deposited"
	EventTypeWithdrawn = "money_withdrawn"
	EventTypeClosed    = "account_closed"
)

type (
	// Opened is the first event of every account stream.
	Opened struct {
		Owner          string          `json:"owner"`
		InitialBalance decimal.Decimal `json:"initial_balance"`
	}

	Deposited struct {
		Amount decimal.Decimal `json:"amount"`
	}

	Withdrawn struct {
		Amount decimal.Decimal `json:"amount"`
	}

	// Closed is terminal; no further events may follow it.
	Closed struct{}
)

func (Opened) EventType() string    { return EventTypeOpened }
func (Deposited) EventType() string { return EventTypeDeposited }
func (Withdrawn) EventType() string { return EventTypeWithdrawn }
func (Closed) EventType() string    { return EventTypeClosed }

func (e Opened) Validate() error {
	if e.Owner == "" {
		return errors.New("owner is required")
	}
	if e.InitialBalance.IsNegative() {
		return errors.New("initial balance must not be negative")
	}
	return nil
}

func (e Deposited) Validate() error {
	if !e.Amount.IsPositive() {
		return errors.New("deposit amount must be positive")
	}
	return nil
}

func (e Withdrawn) Validate() error {
	if !e.Amount.IsPositive() {
		return errors.New("withdrawal amount must be positive")
	}
	return nil
}

func (Closed) Validate() error { return nil }

// Register adds all account event constructors to the registry.
func Register(r es.Registrar) {
	es.RegisterEvents(r,
		es.NewEvent[Opened](),
		es.NewEvent[Deposited](),
		es.NewEvent[Withdrawn](),
		es.NewEvent[Closed](),
	)
}
