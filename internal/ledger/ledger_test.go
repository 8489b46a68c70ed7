package ledger

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
	"arki-trader/internal/store"
)

const (
	cashID = "CASH"
	invID  = "INV"
)

func specs(cash, inv int64) []AccountSpec {
	return []AccountSpec{
		{ID: cashID, Kind: models.AccountCash, OpeningBalance: decimal.NewFromInt(cash)},
		{ID: invID, Kind: models.AccountInvestment, OpeningBalance: decimal.NewFromInt(inv)},
	}
}

func openLedger(t *testing.T, st store.LedgerStore, cash, inv int64) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), st, specs(cash, inv))
	require.NoError(t, err)
	return l
}

func balance(t *testing.T, l *Ledger, id string) decimal.Decimal {
	t.Helper()
	b, err := l.Balance(id)
	require.NoError(t, err)
	return b
}

// failingStore rejects appends once armed.
type failingStore struct {
	*store.MemoryStore
	fail bool
}

func (f *failingStore) AppendTransactions(ctx context.Context, txs ...models.Transaction) error {
	if f.fail {
		return stderrors.New("disk full")
	}
	return f.MemoryStore.AppendTransactions(ctx, txs...)
}

func TestOpen_WritesOpeningBalanceOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	l := openLedger(t, st, 20000, 0)
	assert.True(t, balance(t, l, cashID).Equal(decimal.NewFromInt(20000)))
	assert.True(t, balance(t, l, invID).IsZero())

	again := openLedger(t, st, 99999, 0)
	assert.True(t, balance(t, again, cashID).Equal(decimal.NewFromInt(20000)))

	history, err := again.History(ctx, cashID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TxOpeningBalance, history[0].Type)
}

func TestOpen_RejectsDuplicateAccounts(t *testing.T) {
	_, err := Open(context.Background(), store.NewMemoryStore(), []AccountSpec{
		{ID: cashID, Kind: models.AccountCash},
		{ID: cashID, Kind: models.AccountInvestment},
	})
	assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
}

func TestTransfer_UsesLedgerClock(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 16, 2, 0, 0, 0, time.UTC)
	l, err := Open(ctx, store.NewMemoryStore(), specs(20000, 0), WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	ev, err := l.Transfer(ctx, cashID, invID, decimal.NewFromInt(5000), "sweep")
	require.NoError(t, err)
	assert.Equal(t, at, ev.Timestamp)

	history, err := l.History(ctx, invID, 0)
	require.NoError(t, err)
	for _, tx := range history {
		assert.Equal(t, at, tx.Timestamp)
	}
}

func TestTransfer_MovesFundsWithLinkedLegs(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, store.NewMemoryStore(), 20000, 0)

	ev, err := l.Transfer(ctx, cashID, invID, decimal.NewFromInt(10000), "sweep")
	require.NoError(t, err)
	assert.Equal(t, cashID, ev.From)
	assert.Equal(t, invID, ev.To)
	assert.True(t, balance(t, l, cashID).Equal(decimal.NewFromInt(10000)))
	assert.True(t, balance(t, l, invID).Equal(decimal.NewFromInt(10000)))

	out, err := l.History(ctx, cashID, 1)
	require.NoError(t, err)
	in, err := l.History(ctx, invID, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, in, 1)
	assert.Equal(t, models.TxTransferOut, out[0].Type)
	assert.Equal(t, models.TxTransferIn, in[0].Type)
	assert.Equal(t, ev.TransferID, out[0].Reference)
	assert.Equal(t, ev.TransferID, in[0].Reference)
	assert.True(t, out[0].Amount.Add(in[0].Amount).IsZero())
	assert.Less(t, out[0].Seq, in[0].Seq)
}

func TestTransfer_InsufficientFundsLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := openLedger(t, st, 100, 0)

	_, err := l.Transfer(ctx, cashID, invID, decimal.NewFromInt(101), "too much")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientFunds))

	txs, err := st.ListTransactions(ctx, store.TransactionFilter{Types: []models.TransactionType{models.TxTransferOut, models.TxTransferIn}})
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.True(t, balance(t, l, cashID).Equal(decimal.NewFromInt(100)))
}

func TestTransfer_PersistFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	l := openLedger(t, st, 500, 0)

	st.fail = true
	_, err := l.Transfer(ctx, cashID, invID, decimal.NewFromInt(200), "")
	require.Error(t, err)

	assert.True(t, balance(t, l, cashID).Equal(decimal.NewFromInt(500)))
	assert.True(t, balance(t, l, invID).IsZero())
	require.NoError(t, l.VerifyAll(ctx))
}

func TestTransfer_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, store.NewMemoryStore(), 500, 0)

	_, err := l.Transfer(ctx, cashID, invID, decimal.Zero, "")
	assert.True(t, errors.Is(err, errors.ErrInvalidAmount))

	_, err = l.Transfer(ctx, cashID, cashID, decimal.NewFromInt(1), "")
	assert.Error(t, err)

	_, err = l.Transfer(ctx, cashID, "NOPE", decimal.NewFromInt(1), "")
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))
}

func TestTransfer_ConcurrentOppositeDirections(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, store.NewMemoryStore(), 1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Transfer(ctx, cashID, invID, decimal.NewFromInt(3), "")
		}()
		go func() {
			defer wg.Done()
			_, _ = l.Transfer(ctx, invID, cashID, decimal.NewFromInt(2), "")
		}()
	}
	wg.Wait()

	total := balance(t, l, cashID).Add(balance(t, l, invID))
	assert.True(t, total.Equal(decimal.NewFromInt(2000)))
	require.NoError(t, l.VerifyAll(ctx))
}

func TestRecordFill_UpdatesCashAndPositions(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, store.NewMemoryStore(), 0, 10000)

	buy := models.OrderIntent{Strategy: "growth", Instrument: "AAPL", Side: models.OrderSideBuy, Quantity: 20, Price: decimal.NewFromInt(150)}
	bal, err := l.RecordFill(ctx, invID, buy, models.FillResult{OrderID: "o-1", QuantityFilled: 20, FillPrice: decimal.NewFromInt(150)}, "dep-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(7000)))

	acct, err := l.Account(invID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), acct.Positions["AAPL"].Quantity)

	sell := buy
	sell.Side = models.OrderSideSell
	bal, err = l.RecordFill(ctx, invID, sell, models.FillResult{OrderID: "o-2", QuantityFilled: 20, FillPrice: decimal.NewFromInt(160)}, "rebalance:1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(10200)))

	acct, err = l.Account(invID)
	require.NoError(t, err)
	assert.NotContains(t, acct.Positions, "AAPL")

	_, err = l.RecordFill(ctx, invID, buy, models.FillResult{}, "dep-1")
	assert.Error(t, err)
}

func TestFailureMarkers_DoNotMoveBalance(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, store.NewMemoryStore(), 0, 1000)

	intent := models.OrderIntent{Instrument: "MSFT", Side: models.OrderSideBuy, Quantity: 1, Price: decimal.NewFromInt(300)}
	require.NoError(t, l.RecordOrderFailure(ctx, invID, intent, "dep-1", errors.ErrOrderRejected))
	require.NoError(t, l.MarkDepositFailed(ctx, invID, "dep-1", "max attempts reached"))

	assert.True(t, balance(t, l, invID).Equal(decimal.NewFromInt(1000)))
	history, err := l.History(ctx, invID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TxOrderFailed, history[0].Type)
	assert.Equal(t, models.TxDepositFailed, history[1].Type)
	assert.Equal(t, "dep-1", history[1].Reference)
}

func TestVerify_DetectsDivergence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := openLedger(t, st, 1000, 0)
	require.NoError(t, l.Verify(ctx, cashID))

	// A record written behind the ledger's back.
	last, err := st.LastSeq(ctx)
	require.NoError(t, err)
	require.NoError(t, st.AppendTransactions(ctx, models.Transaction{
		Seq:          last + 1,
		AccountID:    cashID,
		Type:         models.TxDeposit,
		Amount:       decimal.NewFromInt(5),
		BalanceAfter: decimal.NewFromInt(1005),
	}))

	err = l.Verify(ctx, cashID)
	require.Error(t, err)
	var lie *errors.LedgerInconsistencyError
	require.True(t, errors.As(err, &lie))
	assert.Equal(t, cashID, lie.AccountID)
	assert.True(t, errors.Is(err, errors.ErrLedgerDiverged))
}

func TestReplay_RejectsCorruptHistory(t *testing.T) {
	base := models.Account{ID: cashID}
	good := models.Transaction{Seq: 1, AccountID: cashID, Type: models.TxDeposit, Amount: decimal.NewFromInt(10), BalanceAfter: decimal.NewFromInt(10)}

	_, err := Replay(base, []models.Transaction{good, {Seq: 1, AccountID: cashID, Type: models.TxDeposit, Amount: decimal.NewFromInt(1), BalanceAfter: decimal.NewFromInt(11)}})
	assert.True(t, errors.Is(err, errors.ErrLedgerDiverged), "repeated seq")

	_, err = Replay(base, []models.Transaction{good, {Seq: 2, AccountID: cashID, Type: models.TxDeposit, Amount: decimal.NewFromInt(1), BalanceAfter: decimal.NewFromInt(12)}})
	assert.True(t, errors.Is(err, errors.ErrLedgerDiverged), "wrong balance_after")

	_, err = Replay(base, []models.Transaction{{Seq: 1, AccountID: invID}})
	assert.True(t, errors.Is(err, errors.ErrLedgerDiverged), "foreign record")
}

// Property: replaying the persisted log always reproduces the live state,
// and the sum of both balances only changes by deposits.
func TestProperty_ReplayMatchesLiveState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("reopened ledger equals live ledger", prop.ForAll(
		func(ops []int64) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			l, err := Open(ctx, st, specs(1000, 0))
			if err != nil {
				return false
			}

			deposited := decimal.NewFromInt(1000)
			for i, op := range ops {
				amount := decimal.New(op, -2)
				switch i % 3 {
				case 0:
					if _, err := l.Deposit(ctx, cashID, amount, "", ""); err != nil {
						return false
					}
					deposited = deposited.Add(amount)
				case 1:
					_, _ = l.Transfer(ctx, cashID, invID, amount, "")
				default:
					_, _ = l.Transfer(ctx, invID, cashID, amount, "")
				}
			}

			reopened, err := Open(ctx, st, specs(1000, 0))
			if err != nil {
				return false
			}
			for _, id := range []string{cashID, invID} {
				live, _ := l.Balance(id)
				replayed, _ := reopened.Balance(id)
				if !live.Equal(replayed) || live.IsNegative() {
					return false
				}
			}
			cash, _ := l.Balance(cashID)
			inv, _ := l.Balance(invID)
			return cash.Add(inv).Equal(deposited) && l.VerifyAll(ctx) == nil
		},
		gen.SliceOf(gen.Int64Range(1, 200_000)),
	))

	properties.TestingRun(t)
}
