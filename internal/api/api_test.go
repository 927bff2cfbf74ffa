package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledger_go/internal/bus"
	"ledger_go/internal/domain"
	"ledger_go/internal/engine"
	"ledger_go/internal/eventlog"
	"ledger_go/internal/infra"
	"ledger_go/internal/infra/storage"
	"ledger_go/internal/ledger"
	"ledger_go/internal/projection"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	router  *mux.Router
	log     *eventlog.Log
	metrics *infra.Metrics
	seq     *engine.Sequencer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	b := bus.New()
	log := eventlog.New(b)
	balances := projection.NewBalances(log)
	balances.Register(b)

	store, err := storage.NewStorage(storage.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.Register(b)

	metrics := &infra.Metrics{}
	seq := engine.NewSequencer(64, 16, metrics)
	b.SubscribeAll("feed", seq.Listener())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go seq.Run(ctx)

	c := NewController(ledger.NewService(log, balances, ledger.DefaultConfig(), nil, metrics), metrics, nil)
	c.Statements = store
	c.Reader = log
	c.Feed = seq

	return &testApp{router: c.NewRouter(), log: log, metrics: metrics, seq: seq}
}

func (a *testApp) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCommand_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing amount", `{}`},
		{"zero amount", `{"amount": 0}`},
		{"negative amount", `{"amount": -100}`},
		{"amount above limit", `{"amount": 1001}`},
		{"string amount", `{"amount": "one hundred"}`},
		{"numeric string amount", `{"amount": "100"}`},
		{"null amount", `{"amount": null}`},
		{"boolean amount", `{"amount": true}`},
		{"malformed body", `{"amount":`},
	}

	for _, path := range []string{"/deposit/123", "/withdrawal/123"} {
		for _, tt := range tests {
			t.Run(path+" "+tt.name, func(t *testing.T) {
				app := newTestApp(t)
				rec := app.do(t, http.MethodPost, path, tt.body)

				assert.Equal(t, http.StatusBadRequest, rec.Code)
				body := decodeBody(t, rec)
				assert.Equal(t, string(domain.KindValidation), body["kind"])
				assert.NotEmpty(t, body["error"])
				assert.Equal(t, uint64(0), app.log.CurrentVersion("123"), "nothing may be committed")
			})
		}
	}
}

func TestDeposit_Success(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		balance string
	}{
		{"regular amount", `{"amount": 100}`, "100"},
		{"minimum amount", `{"amount": 0.01}`, "0.01"},
		{"maximum amount", `{"amount": 1000}`, "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t)
			rec := app.do(t, http.MethodPost, "/deposit/123", tt.body)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"balance":`+tt.balance)
			body := decodeBody(t, rec)
			assert.Equal(t, "Deposit successful", body["message"])
			assert.Equal(t, float64(1), body["version"])
		})
	}
}

func TestWithdrawal(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/withdrawal/123", `{"amount": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.KindInsufficientFunds), decodeBody(t, rec)["kind"])

	require.Equal(t, http.StatusOK, app.do(t, http.MethodPost, "/deposit/123", `{"amount": 500}`).Code)

	rec = app.do(t, http.MethodPost, "/withdrawal/123", `{"amount": 200}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"balance":300`)
	assert.Equal(t, "Withdrawal successful", decodeBody(t, rec)["message"])

	rec = app.do(t, http.MethodPost, "/withdrawal/123", `{"amount": 301}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = app.do(t, http.MethodPost, "/withdrawal/123", `{"amount": 300}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":0`)
}

func TestBalance(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/balance/unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":0`)

	app.do(t, http.MethodPost, "/deposit/A", `{"amount": 1000}`)
	app.do(t, http.MethodPost, "/withdrawal/A", `{"amount": 400}`)
	app.do(t, http.MethodPost, "/deposit/B", `{"amount": 50}`)

	rec = app.do(t, http.MethodGet, "/balance/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":600`)

	rec = app.do(t, http.MethodGet, "/balance/B", "")
	assert.Contains(t, rec.Body.String(), `"balance":50`)
}

func TestDeposit_IdempotencyKey(t *testing.T) {
	app := newTestApp(t)

	first := app.do(t, http.MethodPost, "/deposit/A", `{"amount": 100}`, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, first.Code)

	second := app.do(t, http.MethodPost, "/deposit/A", `{"amount": 100}`, IdempotencyHeader, "k1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, true, decodeBody(t, second)["replayed"])
	assert.Equal(t, decodeBody(t, first)["event_id"], decodeBody(t, second)["event_id"])

	assert.Equal(t, uint64(1), app.log.CurrentVersion("A"))
	assert.Contains(t, app.do(t, http.MethodGet, "/balance/A", "").Body.String(), `"balance":100`)

	reused := app.do(t, http.MethodPost, "/deposit/A", `{"amount": 200}`, IdempotencyHeader, "k1")
	assert.Equal(t, http.StatusBadRequest, reused.Code)
	assert.Equal(t, string(domain.KindValidation), decodeBody(t, reused)["kind"])
}

func TestEventsAndStatement(t *testing.T) {
	app := newTestApp(t)
	app.do(t, http.MethodPost, "/deposit/A", `{"amount": 1000}`)
	app.do(t, http.MethodPost, "/withdrawal/A", `{"amount": 250}`)

	rec := app.do(t, http.MethodGet, "/events/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Version int            `json:"version"`
		Events  []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, 2, events.Version)
	assert.Equal(t, domain.KindDeposited, events.Events[0].Kind)
	assert.Equal(t, domain.KindWithdrawn, events.Events[1].Kind)

	rec = app.do(t, http.MethodGet, "/statement/A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var statement struct {
		Lines []storage.StatementLine `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statement))
	require.Len(t, statement.Lines, 2)
	assert.True(t, statement.Lines[1].Balance.Equal(decimal.NewFromInt(750)))

	rec = app.do(t, http.MethodGet, "/events/nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestRebuild(t *testing.T) {
	app := newTestApp(t)
	app.do(t, http.MethodPost, "/deposit/A", `{"amount": 300}`)

	rec := app.do(t, http.MethodPost, "/rebuild/A", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"balance":300`)
	assert.Equal(t, float64(1), decodeBody(t, rec)["last_applied_version"])
	assert.Equal(t, uint64(1), app.metrics.Snapshot().Rebuilds)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)
	app.do(t, http.MethodPost, "/deposit/A", `{"amount": 10}`)
	app.do(t, http.MethodPost, "/deposit/A", `{"amount": 0}`)

	rec := app.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = app.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap infra.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(1), snap.Commits)
	assert.Equal(t, uint64(1), snap.ValidationErrors)
}

func TestRoutes_MethodMismatch(t *testing.T) {
	app := newTestApp(t)
	assert.Equal(t, http.StatusMethodNotAllowed, app.do(t, http.MethodGet, "/deposit/A", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, app.do(t, http.MethodPost, "/balance/A", "").Code)
}

// stubLedger fails every command with err.
type stubLedger struct {
	err error
}

func (s stubLedger) Deposit(context.Context, ledger.Command) (ledger.Receipt, error) {
	return ledger.Receipt{}, s.err
}

func (s stubLedger) Withdraw(context.Context, ledger.Command) (ledger.Receipt, error) {
	return ledger.Receipt{}, s.err
}

func (s stubLedger) BalanceOf(string) decimal.Decimal      { return decimal.Zero }
func (s stubLedger) History(string) []domain.Event          { return nil }
func (s stubLedger) Rebuild(string) (domain.Balance, error) { return domain.Balance{}, s.err }

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   domain.ErrorKind
	}{
		{
			name:   "conflict exhaustion",
			err:    &domain.ConflictError{AccountID: "A", Attempts: 5},
			status: http.StatusBadRequest,
			kind:   domain.KindConflict,
		},
		{
			name:   "insufficient funds",
			err:    &domain.InsufficientFundsError{AccountID: "A", Requested: decimal.NewFromInt(2), Available: decimal.NewFromInt(1)},
			status: http.StatusBadRequest,
			kind:   domain.KindInsufficientFunds,
		},
		{
			name:   "internal fault",
			err:    &domain.InternalError{Op: "append", Err: errors.New("disk on fire")},
			status: http.StatusInternalServerError,
			kind:   domain.KindInternal,
		},
		{
			name:   "unclassified error",
			err:    errors.New("boom"),
			status: http.StatusInternalServerError,
			kind:   domain.KindInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewController(stubLedger{err: tt.err}, nil, nil).NewRouter()

			req := httptest.NewRequest(http.MethodPost, "/withdrawal/A", strings.NewReader(`{"amount": 1}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.kind, body.Kind)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body.Error, "internal detail must not leak")
			}
		})
	}
}

func TestOptionalEndpoints_Unavailable(t *testing.T) {
	router := NewController(stubLedger{}, nil, nil).NewRouter()

	for _, path := range []string{"/statement/A", "/ws"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialFeed(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocket_StreamsCommits(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router)
	defer srv.Close()

	conn := dialFeed(t, srv, "")
	ready := readFrame(t, conn)
	require.Equal(t, "ready", ready.Type)
	assert.JSONEq(t, `{"backlog": 0}`, string(ready.Payload))

	resp, err := http.Post(srv.URL+"/deposit/A", "application/json", strings.NewReader(`{"amount": 42}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frame := readFrame(t, conn)
	require.Equal(t, "event", frame.Type)
	var entry engine.Entry
	require.NoError(t, json.Unmarshal(frame.Payload, &entry))
	assert.Equal(t, uint64(1), entry.Seq)
	assert.Equal(t, "A", entry.Event.AccountID)
	assert.Equal(t, uint64(1), entry.Event.Version)
	assert.True(t, entry.Event.Amount.Equal(decimal.NewFromInt(42)))

	assert.Eventually(t, func() bool {
		return app.metrics.Snapshot().FeedClients == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocket_Backlog(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, app.do(t, http.MethodPost, "/deposit/A", `{"amount": 1}`).Code)
	}
	require.Eventually(t, func() bool {
		return len(app.seq.Since(0)) == 3
	}, time.Second, 5*time.Millisecond)

	conn := dialFeed(t, srv, "?since=1")
	ready := readFrame(t, conn)
	require.Equal(t, "ready", ready.Type)
	assert.JSONEq(t, `{"backlog": 2}`, string(ready.Payload))

	for _, want := range []uint64{2, 3} {
		var entry engine.Entry
		require.NoError(t, json.Unmarshal(readFrame(t, conn).Payload, &entry))
		assert.Equal(t, want, entry.Seq)
	}
}

func TestWebSocket_InvalidSince(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/ws?since=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
