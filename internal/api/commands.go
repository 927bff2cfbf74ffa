package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"ledger_go/internal/domain"
	"ledger_go/internal/ledger"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// IdempotencyHeader carries the optional caller-chosen idempotency key.
const IdempotencyHeader = "Idempotency-Key"

type commandRequest struct {
	Amount json.RawMessage `json:"amount"`
}

type commandResponse struct {
	Message  string      `json:"message"`
	Balance  json.Number `json:"balance"`
	Version  uint64      `json:"version"`
	EventID  string      `json:"event_id"`
	Replayed bool        `json:"replayed,omitempty"`
	Warning  string      `json:"warning,omitempty"`
}

// HandleDeposit handles POST /deposit/{accountId}.
func (c *Controller) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	cmd, err := parseCommand(w, r)
	if err != nil {
		c.Metrics.RecordValidationError()
		c.writeError(w, r, err)
		return
	}

	receipt, err := c.Ledger.Deposit(r.Context(), cmd)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCommandResponse("Deposit successful", receipt))
}

// HandleWithdrawal handles POST /withdrawal/{accountId}.
func (c *Controller) HandleWithdrawal(w http.ResponseWriter, r *http.Request) {
	cmd, err := parseCommand(w, r)
	if err != nil {
		c.Metrics.RecordValidationError()
		c.writeError(w, r, err)
		return
	}

	receipt, err := c.Ledger.Withdraw(r.Context(), cmd)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newCommandResponse("Withdrawal successful", receipt))
}

func newCommandResponse(msg string, r ledger.Receipt) commandResponse {
	return commandResponse{
		Message:  msg,
		Balance:  number(r.Balance),
		Version:  r.Event.Version,
		EventID:  r.Event.ID,
		Replayed: r.Replayed,
		Warning:  r.Warning,
	}
}

// parseCommand reads the account from the path and the amount from the body.
// The amount must be a JSON number; strings, booleans and null are rejected.
// Range checks are left to the ledger.
func parseCommand(w http.ResponseWriter, r *http.Request) (ledger.Command, error) {
	cmd := ledger.Command{
		AccountID:      mux.Vars(r)["accountId"],
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	}

	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return cmd, &domain.ValidationError{Field: "body", Reason: "must be a JSON object"}
	}

	raw := bytes.TrimSpace(req.Amount)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return cmd, &domain.ValidationError{Field: "amount", Reason: "is required"}
	}
	if raw[0] == '"' {
		return cmd, &domain.ValidationError{Field: "amount", Reason: "must be a number"}
	}

	amount, err := decimal.NewFromString(string(raw))
	if err != nil {
		return cmd, &domain.ValidationError{Field: "amount", Reason: "must be a number"}
	}
	cmd.Amount = amount
	return cmd, nil
}
