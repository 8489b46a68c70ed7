package trading

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arki-trader/internal/allocation"
	"arki-trader/internal/broker"
	"arki-trader/internal/errors"
	"arki-trader/internal/ledger"
	"arki-trader/internal/models"
	"arki-trader/internal/notify"
	"arki-trader/internal/store"
)

const (
	cashID = "CASH-001"
	invID  = "INV-001"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingPublisher) Publish(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingPublisher) ofType(t notify.NotificationType) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	store  store.LedgerStore
	ledger *ledger.Ledger
	paper  *broker.PaperBroker
	pub    *recordingPublisher
	engine *Engine
}

func growthTable(t *testing.T) *allocation.Table {
	t.Helper()
	table, err := allocation.New([]models.AllocationTarget{
		{Strategy: "growth", Instrument: "AAPL", TargetWeight: decimal.NewFromFloat(0.3)},
		{Strategy: "growth", Instrument: "MSFT", TargetWeight: decimal.NewFromFloat(0.3)},
		{Strategy: "growth", Instrument: "AMZN", TargetWeight: decimal.NewFromFloat(0.4)},
	}, allocation.DefaultOptions())
	require.NoError(t, err)
	return table
}

func engineConfig() Config {
	return Config{
		CashAccountID:       cashID,
		InvestmentAccountID: invID,
		Currency:            "USD",
		Policy: models.CashPolicy{
			MinCashLevel:        decimal.NewFromInt(10000),
			TransferThreshold:   decimal.NewFromInt(5000),
			AllocationTolerance: decimal.NewFromFloat(0.05),
		},
		MaxAttempts:     3,
		InvestTransfers: true,
	}
}

// newFixture opens a ledger over st with the given opening cash and builds an
// engine whose orders go through exec, or straight to the paper broker when
// exec is nil.
func newFixture(t *testing.T, st store.LedgerStore, openingCash int64, exec func(*broker.PaperBroker) broker.Executor) *fixture {
	t.Helper()
	ctx := context.Background()

	l, err := ledger.Open(ctx, st, []ledger.AccountSpec{
		{ID: cashID, Kind: models.AccountCash, OpeningBalance: decimal.NewFromInt(openingCash)},
		{ID: invID, Kind: models.AccountInvestment},
	})
	require.NoError(t, err)

	paper := broker.NewPaperBroker(broker.PaperConfig{Prices: map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(150),
		"MSFT": decimal.NewFromInt(300),
		"AMZN": decimal.NewFromInt(100),
	}})
	var executor broker.Executor = paper
	if exec != nil {
		executor = exec(paper)
	}

	pub := &recordingPublisher{}
	e, err := NewEngine(ctx, engineConfig(), Deps{
		Ledger:    l,
		Store:     st,
		Table:     growthTable(t),
		Executor:  executor,
		Prices:    paper,
		Publisher: pub,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{store: st, ledger: l, paper: paper, pub: pub, engine: e}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(id)
	require.NoError(t, err)
	return b
}

func (f *fixture) positions(t *testing.T) map[string]int64 {
	t.Helper()
	acct, err := f.ledger.Account(invID)
	require.NoError(t, err)
	out := make(map[string]int64)
	for sym, p := range acct.Positions {
		out[sym] = p.Quantity
	}
	return out
}

// failLarge rejects AMZN orders of at least minQty shares and counts them.
func failLarge(minQty int64, calls *int) func(*broker.PaperBroker) broker.Executor {
	return func(p *broker.PaperBroker) broker.Executor {
		return broker.ExecutorFunc(func(ctx context.Context, in models.OrderIntent) (*models.FillResult, error) {
			if in.Instrument == "AMZN" && in.Quantity >= minQty {
				*calls++
				return nil, errors.NewExecutionError("", in.Instrument, string(in.Side), in.Quantity, "rejected", errors.ErrOrderRejected)
			}
			return p.PlaceOrder(ctx, in)
		})
	}
}

func TestSweep_TransfersExcessAndAllocatesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), 20000, nil)

	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.True(t, res.Decision.ShouldTransfer)
	require.NotNil(t, res.Transfer)
	assert.True(t, res.Transfer.Amount.Equal(decimal.NewFromInt(10000)))
	assert.True(t, f.balance(t, cashID).Equal(decimal.NewFromInt(10000)))
	assert.True(t, f.balance(t, invID).Equal(decimal.NewFromInt(10000)))

	transfers := f.pub.ofType(notify.NotificationTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, "Cash Transfer Notification - 10,000.00 USD", transfers[0].Title)

	require.NotNil(t, res.Queued)
	assert.Equal(t, res.Transfer.TransferID, res.Queued.ID)
	require.Len(t, f.engine.Pending(), 1)

	results, err := f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DepositCompleted, results[0].Deposit.Status)
	assert.True(t, results[0].Residual.IsZero())
	assert.True(t, results[0].Invested.Equal(decimal.NewFromInt(10000)))

	assert.Equal(t, map[string]int64{"AAPL": 20, "MSFT": 10, "AMZN": 40}, f.positions(t))
	assert.True(t, f.balance(t, invID).IsZero())
	assert.Empty(t, f.engine.Pending())

	// Cash is at the minimum now.
	res, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, res.Decision.ShouldTransfer)
	assert.Nil(t, res.Transfer)
}

func TestSweep_BelowThresholdDoesNothing(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), 15000, nil)

	res, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Decision.ShouldTransfer)
	assert.True(t, res.Decision.Excess.Equal(decimal.NewFromInt(5000)))
	assert.True(t, f.balance(t, cashID).Equal(decimal.NewFromInt(15000)))
	assert.Empty(t, f.pub.ofType(notify.NotificationTransfer))
}

func TestSubmitDeposit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), 0, nil)

	_, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.Zero, "")
	assert.Error(t, err)

	d, err := f.engine.SubmitDeposit(ctx, models.AccountCash, decimal.NewFromInt(500), "payroll")
	require.NoError(t, err)
	assert.Equal(t, models.DepositCompleted, d.Status)
	assert.Empty(t, f.engine.Pending())
	assert.True(t, f.balance(t, cashID).Equal(decimal.NewFromInt(500)))

	d, err = f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	assert.Equal(t, models.DepositPending, d.Status)
	require.Len(t, f.engine.Pending(), 1)

	history, err := f.ledger.History(ctx, invID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, d.ID, history[0].Reference)
}

func TestProcessPending_FailedDepositDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	var amznRejections int
	f := newFixture(t, store.NewMemoryStore(), 0, failLarge(40, &amznRejections))

	stuck, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)
	ok, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	results, err := f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.DepositPending, results[0].Deposit.Status)
	assert.Len(t, results[0].Failures(), 1)
	assert.Len(t, results[0].Fills(), 2)
	assert.True(t, results[0].Residual.Equal(decimal.NewFromInt(4000)))
	assert.Equal(t, models.DepositCompleted, results[1].Deposit.Status)
	assert.Equal(t, ok.ID, results[1].Deposit.ID)

	for i := 0; i < 2; i++ {
		results, err = f.engine.ProcessPending(ctx)
		require.NoError(t, err)
		require.Len(t, results, 1)
		// Only the failed instrument is placed again.
		require.Len(t, results[0].Outcomes, 1)
		assert.Equal(t, "AMZN", results[0].Outcomes[0].Intent.Instrument)
	}
	assert.Equal(t, models.DepositFailed, results[0].Deposit.Status)
	assert.Equal(t, 3, results[0].Deposit.Attempts)
	assert.Equal(t, 3, amznRejections)
	assert.Empty(t, f.engine.Pending())

	failed, err := f.engine.Deposits(ctx, models.DepositFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, stuck.ID, failed[0].ID)
	assert.Contains(t, failed[0].LastError, "order rejected")

	markers, err := f.store.ListTransactions(ctx, store.TransactionFilter{
		AccountID: invID,
		Types:     []models.TransactionType{models.TxDepositFailed, models.TxOrderFailed},
	})
	require.NoError(t, err)
	require.Len(t, markers, 4)
	assert.Equal(t, models.TxDepositFailed, markers[3].Type)
	assert.Equal(t, stuck.ID, markers[3].Reference)

	alerts := f.pub.ofType(notify.NotificationError)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Title, stuck.ID)

	// Positions from the first attempt stay; the failed budget stays as cash.
	assert.Equal(t, map[string]int64{"AAPL": 22, "MSFT": 11, "AMZN": 4}, f.positions(t))
	assert.True(t, f.balance(t, invID).Equal(decimal.NewFromInt(4000)))
	require.NoError(t, f.ledger.VerifyAll(ctx))
}

func TestNewEngine_RestoresPendingAndSkipsFilled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	var rejections int
	first := newFixture(t, st, 0, failLarge(40, &rejections))

	d, err := first.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)
	_, err = first.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rejections)

	// A new process over the same store picks the deposit up again.
	second := newFixture(t, st, 0, nil)
	pending := second.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, d.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)

	results, err := second.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DepositCompleted, results[0].Deposit.Status)

	orders := second.paper.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "AMZN", orders[0].Intent.Instrument)
	assert.Equal(t, map[string]int64{"AAPL": 20, "MSFT": 10, "AMZN": 40}, second.positions(t))
}

func TestExecute_RefusesBuyBeyondBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), 0, nil)

	out, err := f.engine.execute(ctx, invID, models.OrderIntent{
		Instrument: "AAPL", Side: models.OrderSideBuy, Quantity: 1, Price: decimal.NewFromInt(150),
	}, "manual")
	require.NoError(t, err)
	assert.False(t, out.Filled())
	assert.True(t, errors.Is(out.Err, errors.ErrInsufficientFunds))
	assert.Empty(t, f.paper.Orders())
}

func TestSweep_HaltsOnLedgerDivergence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), 20000, nil)

	last, err := f.store.LastSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.AppendTransactions(ctx, models.Transaction{
		Seq:          last + 1,
		AccountID:    cashID,
		Type:         models.TxDeposit,
		Amount:       decimal.NewFromInt(5),
		BalanceAfter: decimal.NewFromInt(20005),
	}))

	_, err = f.engine.Sweep(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLedgerDiverged))

	halted, reason := f.engine.Halted()
	assert.True(t, halted)
	assert.Contains(t, reason, "ledger inconsistency")
	assert.True(t, f.balance(t, cashID).Equal(decimal.NewFromInt(20000)), "no transfer while diverged")

	_, err = f.engine.Sweep(ctx)
	assert.True(t, errors.Is(err, errors.ErrTransfersHalted))
	require.Len(t, f.pub.ofType(notify.NotificationError), 1)

	stored, ok, err := f.store.GetState(ctx, stateHalted)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, reason, stored)

	assert.Error(t, f.engine.Resume(ctx))
	halted, _ = f.engine.Halted()
	assert.True(t, halted)
}

func TestNewEngine_RestoresHalt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SetState(ctx, stateHalted, "operator"))

	f := newFixture(t, st, 20000, nil)
	halted, reason := f.engine.Halted()
	assert.True(t, halted)
	assert.Equal(t, "operator", reason)

	require.NoError(t, f.engine.Resume(ctx))
	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.NotNil(t, res.Transfer)
}

func TestRebalance_CorrectsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), 0, nil)

	_, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)
	_, err = f.engine.ProcessPending(ctx)
	require.NoError(t, err)

	plan, err := f.engine.PlanRebalance(ctx)
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "freshly allocated portfolio is on target")

	f.paper.SetPrice("AAPL", decimal.NewFromInt(300))
	res, err := f.engine.Rebalance(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, res.Plan.Intents)
	assert.Equal(t, models.OrderSideSell, res.Plan.Intents[0].Side)
	assert.Equal(t, "AAPL", res.Plan.Intents[0].Instrument)
	assert.Empty(t, res.Failures())
	assert.True(t, strings.HasPrefix(res.Reference, "rebalance:"))

	acct, err := f.ledger.Account(invID)
	require.NoError(t, err)
	assert.Less(t, acct.Positions["AAPL"].Quantity, int64(20))
	assert.False(t, acct.Balance.IsNegative())
	require.NoError(t, f.ledger.VerifyAll(ctx))
}

func TestSummary(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore(), 20000, nil)
	f.engine.now = func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }

	s, err := f.engine.Summary(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Accounts, 2)
	assert.True(t, s.TotalCash.Equal(decimal.NewFromInt(20000)))
	assert.True(t, s.NextSweep.ShouldTransfer)
	assert.True(t, s.NextSweep.Amount.Equal(decimal.NewFromInt(10000)))
	assert.False(t, s.Halted)
}

// fillFailingStore refuses the first fill written under reference, leaving a
// brokerage fill the ledger never saw.
type fillFailingStore struct {
	*store.MemoryStore
	reference string
	failed    bool
}

func (s *fillFailingStore) AppendTransactions(ctx context.Context, txs ...models.Transaction) error {
	for _, tx := range txs {
		if !s.failed && tx.Type == models.TxOrderFill && tx.Reference == s.reference {
			s.failed = true
			return errors.Wrap(errors.ErrDatabaseError, "disk full")
		}
	}
	return s.MemoryStore.AppendTransactions(ctx, txs...)
}

func depositFailedMarkers(t *testing.T, st store.LedgerStore) []string {
	t.Helper()
	txs, err := st.ListTransactions(context.Background(), store.TransactionFilter{
		AccountID: invID,
		Types:     []models.TransactionType{models.TxDepositFailed},
	})
	require.NoError(t, err)
	refs := make([]string, len(txs))
	for i, tx := range txs {
		refs[i] = tx.Reference
	}
	return refs
}

func TestProcessPending_UnrecordedFillHaltsWithoutRetryingFinishedWork(t *testing.T) {
	ctx := context.Background()
	st := &fillFailingStore{MemoryStore: store.NewMemoryStore()}
	f := newFixture(t, st, 0, nil)
	f.engine.cfg.MaxAttempts = 1
	f.paper.FailNext("AAPL", -1, nil)

	a, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)
	b, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	st.reference = b.ID

	results, err := f.engine.ProcessPending(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrTransfersHalted))
	require.Len(t, results, 1)
	assert.Equal(t, a.ID, results[0].Deposit.ID)
	assert.Equal(t, models.DepositFailed, results[0].Deposit.Status)

	halted, reason := f.engine.Halted()
	require.True(t, halted)
	assert.Contains(t, reason, "not recorded")

	// The failed deposit left the queue even though the pass ended early.
	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, models.DepositPending, pending[0].Status)
	// a: MSFT and AMZN; b: the MSFT fill that never reached the ledger.
	require.Len(t, f.paper.Orders(), 3)

	_, err = f.engine.ProcessPending(ctx)
	assert.True(t, errors.Is(err, errors.ErrTransfersHalted))
	_, err = f.engine.ProcessDeposit(ctx, b.ID)
	assert.True(t, errors.Is(err, errors.ErrTransfersHalted))
	_, err = f.engine.Rebalance(ctx)
	assert.True(t, errors.Is(err, errors.ErrTransfersHalted))
	assert.Len(t, f.paper.Orders(), 3)

	require.NoError(t, f.engine.Resume(ctx))
	results, err = f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, b.ID, results[0].Deposit.ID)
	assert.Equal(t, models.DepositFailed, results[0].Deposit.Status)
	assert.Equal(t, 1, results[0].Deposit.Attempts)
	assert.Empty(t, results[0].Outcomes, "exhausted deposit places nothing")

	assert.Len(t, f.paper.Orders(), 3)
	assert.Equal(t, []string{a.ID, b.ID}, depositFailedMarkers(t, st))
	assert.Empty(t, f.engine.Pending())
	assert.Len(t, f.pub.ofType(notify.NotificationError), 3)
}

func TestProcessPending_UnrecordedFillIsNotPlacedAgain(t *testing.T) {
	ctx := context.Background()
	st := &fillFailingStore{MemoryStore: store.NewMemoryStore()}
	f := newFixture(t, st, 0, nil)

	d, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	st.reference = d.ID

	_, err = f.engine.ProcessPending(ctx)
	require.Error(t, err)
	require.Len(t, f.paper.Orders(), 1)
	assert.Equal(t, "AAPL", f.paper.Orders()[0].Intent.Instrument)

	require.NoError(t, f.engine.Resume(ctx))
	results, err := f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DepositCompleted, results[0].Deposit.Status)
	assert.Equal(t, 2, results[0].Deposit.Attempts)

	var placed []string
	for _, o := range f.paper.Orders() {
		placed = append(placed, o.Intent.Instrument)
	}
	assert.Equal(t, []string{"AAPL", "MSFT", "AMZN"}, placed)
	assert.Equal(t, map[string]int64{"MSFT": 1, "AMZN": 4}, f.positions(t))
}

// halfFirst fills only half of the first order for instrument.
func halfFirst(instrument string) func(*broker.PaperBroker) broker.Executor {
	var done bool
	return func(p *broker.PaperBroker) broker.Executor {
		return broker.ExecutorFunc(func(ctx context.Context, in models.OrderIntent) (*models.FillResult, error) {
			if in.Instrument == instrument && !done {
				done = true
				in.Quantity /= 2
			}
			return p.PlaceOrder(ctx, in)
		})
	}
}

func TestProcessPending_PartialFillLeavesRemainderOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemoryStore(), 0, halfFirst("AMZN"))

	_, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)

	results, err := f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DepositPending, results[0].Deposit.Status)
	assert.Contains(t, results[0].Deposit.LastError, "partially filled")
	assert.True(t, results[0].Invested.Equal(decimal.NewFromInt(8000)))
	assert.True(t, results[0].Residual.Equal(decimal.NewFromInt(2000)))

	results, err = f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Outcomes, 1)
	assert.Equal(t, int64(20), results[0].Outcomes[0].Intent.Quantity)
	assert.Equal(t, models.DepositCompleted, results[0].Deposit.Status)
	assert.True(t, results[0].Residual.IsZero())

	assert.Equal(t, map[string]int64{"AAPL": 20, "MSFT": 10, "AMZN": 40}, f.positions(t))
	assert.True(t, f.balance(t, invID).IsZero())
}

func TestNewEngine_RestoresPartiallyFilledQuantity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	first := newFixture(t, st, 0, halfFirst("AMZN"))

	_, err := first.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)
	_, err = first.engine.ProcessPending(ctx)
	require.NoError(t, err)

	second := newFixture(t, st, 0, nil)
	results, err := second.engine.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DepositCompleted, results[0].Deposit.Status)
	assert.True(t, results[0].Residual.IsZero())

	orders := second.paper.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "AMZN", orders[0].Intent.Instrument)
	assert.Equal(t, int64(20), orders[0].Intent.Quantity)
	assert.Equal(t, int64(40), second.positions(t)["AMZN"])
}

func TestProcessDeposit_LeavesOthersAlone(t *testing.T) {
	ctx := context.Background()
	var rejections int
	f := newFixture(t, store.NewMemoryStore(), 0, failLarge(40, &rejections))

	stuck, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)
	_, err = f.engine.ProcessPending(ctx)
	require.NoError(t, err)

	fresh, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	res, err := f.engine.ProcessDeposit(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.DepositCompleted, res.Deposit.Status)
	assert.Equal(t, 1, rejections)

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, stuck.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)

	res, err = f.engine.ProcessDeposit(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestProcessPending_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	var rejections int
	f := newFixture(t, store.NewMemoryStore(), 0, failLarge(40, &rejections))
	f.engine.cfg.MaxAttempts = 1000

	_, err := f.engine.SubmitDeposit(ctx, models.AccountInvestment, decimal.NewFromInt(10000), "")
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = f.engine.Pending()
			_, _ = f.engine.Summary(ctx)
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := f.engine.ProcessPending(ctx)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 50, pending[0].Attempts)
}
