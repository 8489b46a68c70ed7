// Package trading coordinates deposits, order execution, cash sweeps and
// rebalancing on top of the ledger.
package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arki-trader/internal/allocation"
	"arki-trader/internal/broker"
	"arki-trader/internal/errors"
	"arki-trader/internal/ledger"
	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
	"arki-trader/internal/notify"
	"arki-trader/internal/policy"
	"arki-trader/internal/store"
)

const stateHalted = "transfers_halted"

// Config holds the engine settings taken from the loaded configuration.
type Config struct {
	CashAccountID       string
	InvestmentAccountID string
	Currency            string
	Policy              models.CashPolicy
	// MaxAttempts bounds how often a deposit's failed orders are retried.
	MaxAttempts int
	// InvestTransfers queues swept cash for allocation in the investment account.
	InvestTransfers bool
}

// Publisher receives operator notifications. It must not block.
type Publisher interface {
	Publish(n notify.Notification)
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	Ledger    *ledger.Ledger
	Store     store.LedgerStore
	Table     *allocation.Table
	Executor  broker.Executor
	Prices    broker.PriceSource
	Publisher Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Engine owns the deposit queue and drives every state-changing operation.
// ProcessPending, ProcessDeposit, Sweep and Rebalance are serialized against each other.
type Engine struct {
	cfg       Config
	ledger    *ledger.Ledger
	store     store.LedgerStore
	table     *allocation.Table
	executor  broker.Executor
	prices    broker.PriceSource
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	procMu sync.Mutex

	mu         sync.Mutex
	pending    []*pendingDeposit
	halted     bool
	haltReason string
}

// NewEngine restores pending deposits and the halt flag from the store.
func NewEngine(ctx context.Context, cfg Config, deps Deps) (*Engine, error) {
	if deps.Ledger == nil || deps.Store == nil || deps.Table == nil || deps.Executor == nil || deps.Prices == nil {
		return nil, errors.NewConfigurationError("engine", nil, "ledger, store, table, executor and prices are required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Currency == "" {
		cfg.Currency = "SGD"
	}

	e := &Engine{
		cfg:       cfg,
		ledger:    deps.Ledger,
		store:     deps.Store,
		table:     deps.Table,
		executor:  deps.Executor,
		prices:    deps.Prices,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.publisher == nil {
		e.publisher = discard{}
	}

	for _, id := range []string{cfg.CashAccountID, cfg.InvestmentAccountID} {
		if _, err := e.ledger.Account(id); err != nil {
			return nil, err
		}
	}

	pending, err := e.store.ListDeposits(ctx, models.DepositPending)
	if err != nil {
		return nil, errors.Wrap(err, "loading pending deposits")
	}
	for _, d := range pending {
		e.pending = append(e.pending, &pendingDeposit{deposit: d})
	}
	metrics.PendingDeposits.Set(float64(len(e.pending)))

	reason, ok, err := e.store.GetState(ctx, stateHalted)
	if err != nil {
		return nil, errors.Wrap(err, "loading halt state")
	}
	if ok && reason != "" {
		e.halted = true
		e.haltReason = reason
		metrics.Halted.Set(1)
		e.logger.Warn().Str("reason", reason).Msg("Automated transfers are halted")
	}

	if len(e.pending) > 0 {
		e.logger.Info().Int("pending", len(e.pending)).Msg("Restored pending deposits")
	}
	return e, nil
}

type discard struct{}

func (discard) Publish(notify.Notification) {}

// AccountID maps an account kind to the configured account.
func (e *Engine) AccountID(kind models.AccountKind) (string, error) {
	switch kind {
	case models.AccountCash:
		return e.cfg.CashAccountID, nil
	case models.AccountInvestment:
		return e.cfg.InvestmentAccountID, nil
	default:
		return "", errors.Wrapf(errors.ErrAccountNotFound, "account kind %q", kind)
	}
}

// Ledger returns the underlying ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Table returns the allocation table.
func (e *Engine) Table() *allocation.Table { return e.table }

// Currency returns the account currency.
func (e *Engine) Currency() string { return e.cfg.Currency }

// Halt stops automated transfers until Resume succeeds.
func (e *Engine) Halt(ctx context.Context, reason error) {
	msg := "halted by operator"
	if reason != nil {
		msg = reason.Error()
	}

	e.mu.Lock()
	already := e.halted
	e.halted = true
	e.haltReason = msg
	e.mu.Unlock()

	metrics.Halted.Set(1)
	if err := e.store.SetState(ctx, stateHalted, msg); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist halt state")
	}
	if !already {
		e.logger.Error().Str("reason", msg).Msg("Automated transfers halted")
		e.publisher.Publish(notify.HaltNotification(reason))
	}
}

// Resume verifies every account and clears the halt when the log is consistent.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.ledger.VerifyAll(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.halted = false
	e.haltReason = ""
	e.mu.Unlock()

	metrics.Halted.Set(0)
	if err := e.store.SetState(ctx, stateHalted, ""); err != nil {
		return errors.Wrap(err, "clearing halt state")
	}
	e.logger.Info().Msg("Automated transfers resumed")
	return nil
}

// Halted reports whether transfers are paused and why.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}

// Summary is a point-in-time view of the engine.
type Summary struct {
	Accounts        []models.Account
	Pending         []models.Deposit
	FailedDeposits  int
	Halted          bool
	HaltReason      string
	NextSweep       models.TransferDecision
	TotalCash       decimal.Decimal
	TotalInvestment decimal.Decimal
}

// Summary reports balances, positions and the deposit queue.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	failed, err := e.store.ListDeposits(ctx, models.DepositFailed)
	if err != nil {
		return nil, errors.Wrap(err, "listing failed deposits")
	}

	s := &Summary{
		Accounts:        e.ledger.Accounts(),
		Pending:         e.Pending(),
		FailedDeposits:  len(failed),
		TotalCash:       decimal.Zero,
		TotalInvestment: decimal.Zero,
	}
	s.Halted, s.HaltReason = e.Halted()

	for _, a := range s.Accounts {
		s.TotalCash = s.TotalCash.Add(a.Balance)
		s.TotalInvestment = s.TotalInvestment.Add(a.PositionsValue())
		if a.ID == e.cfg.CashAccountID {
			s.NextSweep = policy.Decide(a.Balance, e.cfg.Policy)
		}
	}
	return s, nil
}
