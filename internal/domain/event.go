package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the type of a ledger event.
type Kind string

const (
	KindDeposited Kind = "Deposited"
	KindWithdrawn Kind = "Withdrawn"
)

// Kinds lists every event kind the ledger knows about.
var Kinds = []Kind{KindDeposited, KindWithdrawn}

func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	return k == KindDeposited || k == KindWithdrawn
}

// Event is an immutable fact in an account stream.
// Version is assigned by the event log: 1 for the first event of an account,
// then incremented by one. It is the only ordering key within a stream.
type Event struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Kind      Kind            `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

// Signed returns the effect of the event on a balance:
// +Amount for a deposit, -Amount for a withdrawal.
func (e Event) Signed() decimal.Decimal {
	if e.Kind == KindWithdrawn {
		return e.Amount.Neg()
	}
	return e.Amount
}

// DefaultMaxAmount is the largest amount accepted by a single command.
var DefaultMaxAmount = decimal.NewFromInt(1000)

// ValidateAmount checks 0 < amount <= max.
func ValidateAmount(amount, max decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}
	if amount.GreaterThan(max) {
		return &ValidationError{Field: "amount", Reason: "must be at most " + max.String()}
	}
	return nil
}

// ValidateAccountID rejects empty account identifiers.
func ValidateAccountID(accountID string) error {
	if accountID == "" {
		return &ValidationError{Field: "account_id", Reason: "is required"}
	}
	return nil
}
