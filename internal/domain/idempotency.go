package domain

import "github.com/shopspring/decimal"

// IdempotencyRecord binds a caller-supplied key to the commit it produced.
// Records live for the lifetime of the process.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	AccountID string          `json:"account_id"`
	Kind      Kind            `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Version   uint64          `json:"resulting_version"`
	EventID   string          `json:"event_id"`
}

// Matches reports whether a request carries the same intent as the recorded one.
func (r IdempotencyRecord) Matches(accountID string, kind Kind, amount decimal.Decimal) bool {
	return r.AccountID == accountID && r.Kind == kind && r.Amount.Equal(amount)
}
