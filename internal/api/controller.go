package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"ledger_go/internal/domain"
	"ledger_go/internal/engine"
	"ledger_go/internal/infra"
	"ledger_go/internal/infra/storage"
	"ledger_go/internal/ledger"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// maxBodyBytes caps command request bodies.
const maxBodyBytes = 1 << 20

// Ledger is the command and query surface the handlers drive.
type Ledger interface {
	Deposit(ctx context.Context, cmd ledger.Command) (ledger.Receipt, error)
	Withdraw(ctx context.Context, cmd ledger.Command) (ledger.Receipt, error)
	BalanceOf(accountID string) decimal.Decimal
	History(accountID string) []domain.Event
	Rebuild(accountID string) (domain.Balance, error)
}

// Statements serves the SQL statement read model.
type Statements interface {
	Statement(accountID string) ([]storage.StatementLine, error)
	Rebuild(reader domain.StreamReader, accountID string) error
}

// Feed is the live event feed behind /ws.
type Feed interface {
	Subscribe(buffer int, since uint64) (uint64, <-chan engine.Entry, []engine.Entry)
	Unsubscribe(id uint64)
}

// Controller holds the HTTP handlers. Statements, Feed and Reader are
// optional; their endpoints answer 503 when unset.
type Controller struct {
	Ledger      Ledger
	Statements  Statements
	Reader      domain.StreamReader
	Feed        Feed
	Metrics     *infra.Metrics
	Logger      *slog.Logger
	ClientQueue int
}

// NewController returns a new controller.
func NewController(l Ledger, metrics *infra.Metrics, logger *slog.Logger) *Controller {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Ledger:      l,
		Metrics:     metrics,
		Logger:      logger,
		ClientQueue: 64,
	}
}

// NewRouter returns a new router with all the ledger routes.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", c.HandleHealth).Methods("GET")
	r.HandleFunc("/metrics", c.HandleMetrics).Methods("GET")

	r.HandleFunc("/deposit/{accountId}", c.HandleDeposit).Methods("POST")
	r.HandleFunc("/withdrawal/{accountId}", c.HandleWithdrawal).Methods("POST")
	r.HandleFunc("/balance/{accountId}", c.HandleBalance).Methods("GET")

	r.HandleFunc("/events/{accountId}", c.HandleEvents).Methods("GET")
	r.HandleFunc("/statement/{accountId}", c.HandleStatement).Methods("GET")
	r.HandleFunc("/rebuild/{accountId}", c.HandleRebuild).Methods("POST")

	r.HandleFunc("/ws", c.HandleWebSocket).Methods("GET")

	return r
}

// HandleHealth reports liveness.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMetrics returns the process counters.
func (c *Controller) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Metrics.Snapshot())
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindInsufficientFunds, domain.KindConflict:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError classifies err and writes it with the matching status.
// Internal faults are logged and their detail is kept out of the response.
func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		c.Logger.Error("Request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// number renders a decimal as a bare JSON number.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
