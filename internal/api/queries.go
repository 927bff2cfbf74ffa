package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ledger_go/internal/domain"
	"ledger_go/internal/infra/storage"

	"github.com/gorilla/mux"
)

type balanceResponse struct {
	AccountID string      `json:"account_id"`
	Balance   json.Number `json:"balance"`
}

// HandleBalance serves the projected balance. It never replays the stream.
func (c *Controller) HandleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: accountID,
		Balance:   number(c.Ledger.BalanceOf(accountID)),
	})
}

// HandleEvents returns the account stream, oldest first.
func (c *Controller) HandleEvents(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	events := c.Ledger.History(accountID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"version":    len(events),
		"events":     events,
	})
}

// HandleStatement returns the SQL statement read model for the account.
func (c *Controller) HandleStatement(w http.ResponseWriter, r *http.Request) {
	if c.Statements == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "statements disabled", Kind: domain.KindInternal})
		return
	}

	accountID := mux.Vars(r)["accountId"]
	lines, err := c.Statements.Statement(accountID)
	if err != nil {
		c.writeError(w, r, &domain.InternalError{Op: "statement " + accountID, Err: err})
		return
	}
	if lines == nil {
		lines = []storage.StatementLine{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"lines":      lines,
	})
}

// HandleRebuild recomputes every read model of the account from its stream.
func (c *Controller) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]

	b, err := c.Ledger.Rebuild(accountID)
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			err = &domain.InternalError{Op: "rebuild " + accountID, Err: err}
		}
		c.writeError(w, r, err)
		return
	}

	if c.Statements != nil && c.Reader != nil {
		if err := c.Statements.Rebuild(c.Reader, accountID); err != nil {
			c.writeError(w, r, &domain.InternalError{Op: "rebuild statement " + accountID, Err: err})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":           accountID,
		"balance":              number(b.Amount),
		"last_applied_version": b.LastVersion,
	})
}
