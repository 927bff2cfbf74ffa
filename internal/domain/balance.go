package domain

import (
	"github.com/shopspring/decimal"
)

// Balance is the read-model entry for one account.
type Balance struct {
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"balance"`
	LastVersion uint64          `json:"last_applied_version"` // Last event version folded in
}

// Apply folds ev into the balance. The event must be the next one in the
// stream; anything else is a consistency fault and leaves b untouched.
func (b *Balance) Apply(ev Event) error {
	if ev.Version != b.LastVersion+1 {
		return &ConsistencyError{AccountID: b.AccountID, Expected: b.LastVersion + 1, Got: ev.Version}
	}
	b.Amount = b.Amount.Add(ev.Signed())
	b.LastVersion = ev.Version
	return nil
}

// VerifyInvariant checks that the balance could have been produced by the ledger.
// Call this after any state change to ensure data integrity.
func (b *Balance) VerifyInvariant() error {
	if b.Amount.IsNegative() {
		return &ConsistencyError{AccountID: b.AccountID, Reason: "negative balance " + b.Amount.String()}
	}
	return nil
}

// Fold replays a stream from scratch.
func Fold(accountID string, events []Event) (Balance, error) {
	b := Balance{AccountID: accountID, Amount: decimal.Zero}
	for _, ev := range events {
		if err := b.Apply(ev); err != nil {
			return b, err
		}
	}
	return b, b.VerifyInvariant()
}
