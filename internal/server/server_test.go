package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arki-trader/internal/models"
	"arki-trader/internal/scheduler"
	"arki-trader/internal/trading"
)

type stubEngine struct {
	summary *trading.Summary
	err     error
}

func (s stubEngine) Summary(context.Context) (*trading.Summary, error) {
	return s.summary, s.err
}

type stubLoop struct {
	last *scheduler.TickReport
}

func (stubLoop) State() models.SchedulerState      { return models.StateIdle }
func (stubLoop) Running() bool                     { return true }
func (l stubLoop) LastTick() *scheduler.TickReport { return l.last }

func summary() *trading.Summary {
	return &trading.Summary{
		Accounts: []models.Account{
			{ID: "CASH", Kind: models.AccountCash, Balance: decimal.NewFromInt(20000)},
			{ID: "INV", Kind: models.AccountInvestment, Balance: decimal.NewFromInt(50), Positions: map[string]models.Position{
				"AAPL": {Instrument: "AAPL", Quantity: 20, LastPrice: decimal.NewFromInt(150)},
			}},
		},
		Pending:   []models.Deposit{{ID: "d-1"}},
		NextSweep: models.TransferDecision{ShouldTransfer: true, Amount: decimal.NewFromInt(10000)},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Engine: stubEngine{summary: summary()}})
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	halted := summary()
	halted.Halted = true
	halted.HaltReason = "ledger diverged"
	s = New(Config{Log: zerolog.Nop(), Engine: stubEngine{summary: halted}})
	rec = get(t, s.Handler(), "/healthz")
	assert.JSONEq(t, `{"status":"halted","reason":"ledger diverged"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	loop := stubLoop{last: &scheduler.TickReport{
		Started:  time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		Duration: 250 * time.Millisecond,
		Sweep:    &trading.SweepResult{Transfer: &models.TransferExecuted{Amount: decimal.NewFromInt(10000)}},
		Errors:   []error{stderrors.New("rebalance: boom")},
	}}
	s := New(Config{Log: zerolog.Nop(), Engine: stubEngine{summary: summary()}, Loop: loop})

	rec := get(t, s.Handler(), "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var view statusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Accounts, 2)
	assert.Equal(t, "20000.00", view.Accounts[0].Balance)
	assert.Equal(t, int64(20), view.Accounts[1].Positions["AAPL"])
	assert.Equal(t, "3000.00", view.Accounts[1].Value)
	assert.Equal(t, 1, view.PendingDeposits)
	assert.True(t, view.SweepDue)
	assert.Equal(t, "10000.00", view.SweepAmount)
	assert.Equal(t, "IDLE", view.Scheduler)
	assert.True(t, view.SchedulerActive)
	require.NotNil(t, view.LastTick)
	assert.Equal(t, int64(250), view.LastTick.DurationMS)
	assert.Equal(t, "10000.00", view.LastTick.Transfer)
	assert.Equal(t, []string{"rebalance: boom"}, view.LastTick.Errors)
}

func TestStatus_EngineErrors(t *testing.T) {
	s := New(Config{Log: zerolog.Nop(), Engine: stubEngine{err: stderrors.New("db down")}})
	rec := get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	s = New(Config{Log: zerolog.Nop()})
	rec = get(t, s.Handler(), "/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{Log: zerolog.Nop()})
	get(t, s.Handler(), "/healthz")
	rec := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "arki_http_requests_total")
}
