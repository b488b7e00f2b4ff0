// Package account holds the Account aggregate: the in-memory projection of
// one account, rebuilt by folding its event stream, plus the business rules
// that decide which events may be produced next.
//
// Commands validate against current state and return events; they never
// mutate the aggregate they are called on. Folding the returned events (via
// [Account.Next] or a replay) is the only way state advances, so the
// version always equals the number of events folded in.
package account

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/codewandler/banking-es-go/core/es"
)

// AggregateType is the stream type tag for accounts.
const AggregateType = "account"

var (
	ErrAlreadyOpened     = errors.New("account already opened")
	ErrNotOpened         = errors.New("account not opened")
	ErrClosed            = errors.New("account is closed")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Status is the lifecycle state of an account. The zero value means the
// account does not exist yet; Closed is terminal.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Account is the reconstructed state of one account. Version counts the
// events folded in and is the optimistic-concurrency token for writes.
type Account struct {
	ID      string          `json:"id"`
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
	Status  Status          `json:"status"`
	Version es.Version      `json:"version"`
}

// New returns the zero state of an account stream. It has version 0 and no
// status; only an Opened event brings it to life.
func New(id string) *Account {
	return &Account{ID: id}
}

func (a *Account) Exists() bool { return a.Status != "" }
func (a *Account) Active() bool { return a.Status == StatusActive }

// Clone returns an independent copy. Decimal values are immutable, so a
// shallow copy is sufficient.
func (a *Account) Clone() *Account {
	cp := *a
	return &cp
}

// apply folds one event into the state and advances the version. It
// performs structural checks only; business rules live in the commands.
func (a *Account) apply(event any) error {
	switch e := event.(type) {
	case *Opened:
		a.Owner = e.Owner
		a.Balance = e.InitialBalance
		a.Status = StatusActive
	case *Deposited:
		a.Balance = a.Balance.Add(e.Amount)
	case *Withdrawn:
		a.Balance = a.Balance.Sub(e.Amount)
	case *Closed:
		a.Status = StatusClosed
	default:
		return fmt.Errorf("unknown account event: %T", event)
	}
	a.Version++
	return nil
}

// Next returns a copy of a with events folded in, in order. The copy's
// version advances by one per event.
func (a *Account) Next(events ...es.Event) (*Account, error) {
	next := a.Clone()
	for _, ev := range events {
		if err := next.apply(ev); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Replay rebuilds an account from its full event stream. It is fail-fast:
// any envelope that does not decode, or any gap in the version sequence,
// aborts the whole reconstruction and no partial state is returned.
func Replay(reg *es.EventRegistry, id string, envelopes []es.Envelope) (*Account, error) {
	acc := New(id)
	for _, env := range envelopes {
		if want := acc.Version + 1; env.Version != want {
			return nil, fmt.Errorf(
				"account %s: expected event version %d, got %d", id, want, env.Version,
			)
		}
		event, err := reg.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
		if err := acc.apply(event); err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}
	}
	return acc, nil
}

// === Commands ===

// Open produces the account-opened event. Valid only on a stream with no
// events yet.
func (a *Account) Open(owner string, initialBalance decimal.Decimal) (es.Event, error) {
	if a.Exists() {
		return nil, ErrAlreadyOpened
	}
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if initialBalance.IsNegative() {
		return nil, errors.New("initial balance must not be negative")
	}
	return &Opened{Owner: owner, InitialBalance: initialBalance}, nil
}

// Deposit produces a money-deposited event.
func (a *Account) Deposit(amount decimal.Decimal) (es.Event, error) {
	if err := a.mutable(); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return &Deposited{Amount: amount}, nil
}

// Withdraw produces a money-withdrawn event. A withdrawal that would drive
// the balance negative is rejected here; such an event is never appended.
func (a *Account) Withdraw(amount decimal.Decimal) (es.Event, error) {
	if err := a.mutable(); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if a.Balance.LessThan(amount) {
		return nil, fmt.Errorf(
			"%w: balance=%s, requested=%s", ErrInsufficientFunds, a.Balance, amount,
		)
	}
	return &Withdrawn{Amount: amount}, nil
}

// Close produces the terminal account-closed event.
func (a *Account) Close() (es.Event, error) {
	if err := a.mutable(); err != nil {
		return nil, err
	}
	return &Closed{}, nil
}

func (a *Account) mutable() error {
	if !a.Exists() {
		return ErrNotOpened
	}
	if a.Status == StatusClosed {
		return ErrClosed
	}
	return nil
}
