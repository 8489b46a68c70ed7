// Package ledger applies transactions to account state and keeps the
// append-only log that state can always be rebuilt from.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
	"arki-trader/internal/store"
)

// AccountSpec declares an account the ledger manages.
type AccountSpec struct {
	ID             string
	Kind           models.AccountKind
	OpeningBalance decimal.Decimal
}

// Observer is told about every transaction after it is persisted.
type Observer func(tx models.Transaction)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithObserver registers a callback for appended transactions.
func WithObserver(obs Observer) Option {
	return func(l *Ledger) { l.observers = append(l.observers, obs) }
}

type accountState struct {
	mu      sync.Mutex
	account models.Account
}

// Ledger serializes all balance changes per account. Each account has its
// own lock; a transfer holds both locks, taken in account ID order.
type Ledger struct {
	store     store.LedgerStore
	accounts  map[string]*accountState
	seq       atomic.Int64
	now       func() time.Time
	logger    zerolog.Logger
	observers []Observer
}

// Open rebuilds every account from the persisted log. Accounts seen for the
// first time get an opening_balance record when OpeningBalance is positive.
func Open(ctx context.Context, st store.LedgerStore, specs []AccountSpec, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:    st,
		accounts: make(map[string]*accountState, len(specs)),
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	last, err := st.LastSeq(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading ledger sequence")
	}
	l.seq.Store(last)

	for _, spec := range specs {
		if _, dup := l.accounts[spec.ID]; dup {
			return nil, errors.NewConfigurationError("accounts", spec.ID, "duplicate account")
		}

		history, err := st.ListTransactions(ctx, store.TransactionFilter{AccountID: spec.ID})
		if err != nil {
			return nil, errors.Wrapf(err, "loading history for %s", spec.ID)
		}

		acct, err := Replay(models.Account{ID: spec.ID, Kind: spec.Kind}, history)
		if err != nil {
			return nil, err
		}

		state := &accountState{account: acct}
		l.accounts[spec.ID] = state

		if len(history) == 0 && spec.OpeningBalance.IsPositive() {
			if _, err := l.appendLocked(ctx, state, models.Transaction{
				AccountID: spec.ID,
				Type:      models.TxOpeningBalance,
				Amount:    spec.OpeningBalance,
				Note:      "opening balance",
			}); err != nil {
				return nil, err
			}
		}

		l.logger.Debug().
			Str("account", spec.ID).
			Int("transactions", len(history)).
			Str("balance", state.account.Balance.String()).
			Msg("Account loaded")
	}

	return l, nil
}

func (l *Ledger) state(accountID string) (*accountState, error) {
	st, ok := l.accounts[accountID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrAccountNotFound, "account %s", accountID)
	}
	return st, nil
}

func (l *Ledger) stamp(tx *models.Transaction, balanceAfter decimal.Decimal) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now().UTC()
	}
	tx.Seq = l.seq.Add(1)
	tx.BalanceAfter = balanceAfter
}

// appendLocked persists tx and applies it. The caller holds st.mu.
func (l *Ledger) appendLocked(ctx context.Context, st *accountState, tx models.Transaction) (decimal.Decimal, error) {
	if !tx.Type.Valid() {
		return decimal.Zero, errors.NewValidationError("type", tx.Type, "unknown transaction type")
	}

	next := st.account.Balance.Add(tx.Amount)
	l.stamp(&tx, next)

	if err := l.store.AppendTransactions(ctx, tx); err != nil {
		return st.account.Balance, errors.Wrapf(err, "persisting %s for %s", tx.Type, tx.AccountID)
	}

	apply(&st.account, tx)
	l.notify(tx)
	return st.account.Balance, nil
}

func (l *Ledger) notify(txs ...models.Transaction) {
	for _, tx := range txs {
		for _, obs := range l.observers {
			obs(tx)
		}
	}
}

// Append records tx against its account and returns the new balance.
func (l *Ledger) Append(ctx context.Context, tx models.Transaction) (decimal.Decimal, error) {
	st, err := l.state(tx.AccountID)
	if err != nil {
		return decimal.Zero, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return l.appendLocked(ctx, st, tx)
}

// Deposit credits amount to an account.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, reference, note string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(errors.ErrInvalidAmount, "deposit of %s", amount)
	}
	return l.Append(ctx, models.Transaction{
		AccountID: accountID,
		Type:      models.TxDeposit,
		Amount:    amount,
		Reference: reference,
		Note:      note,
	})
}

// RecordFill debits (buy) or credits (sell) the fill notional and updates the position.
func (l *Ledger) RecordFill(ctx context.Context, accountID string, intent models.OrderIntent, fill models.FillResult, reference string) (decimal.Decimal, error) {
	if fill.QuantityFilled <= 0 {
		return decimal.Zero, errors.NewValidationError("quantity_filled", fill.QuantityFilled, "must be positive")
	}
	amount := fill.Notional()
	if intent.Side != models.OrderSideSell {
		amount = amount.Neg()
	}
	return l.Append(ctx, models.Transaction{
		AccountID:  accountID,
		Type:       models.TxOrderFill,
		Amount:     amount,
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Quantity:   fill.QuantityFilled,
		Price:      fill.FillPrice,
		Reference:  reference,
		Note:       fill.OrderID,
	})
}

// RecordOrderFailure writes a zero-amount marker for a failed placement.
func (l *Ledger) RecordOrderFailure(ctx context.Context, accountID string, intent models.OrderIntent, reference string, cause error) error {
	note := "order failed"
	if cause != nil {
		note = cause.Error()
	}
	_, err := l.Append(ctx, models.Transaction{
		AccountID:  accountID,
		Type:       models.TxOrderFailed,
		Amount:     decimal.Zero,
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Quantity:   intent.Quantity,
		Price:      intent.Price,
		Reference:  reference,
		Note:       note,
	})
	return err
}

// MarkDepositFailed writes the zero-amount marker for a deposit that ran out of attempts.
func (l *Ledger) MarkDepositFailed(ctx context.Context, accountID, depositID, reason string) error {
	_, err := l.Append(ctx, models.Transaction{
		AccountID: accountID,
		Type:      models.TxDepositFailed,
		Amount:    decimal.Zero,
		Reference: depositID,
		Note:      reason,
	})
	return err
}

// Transfer moves amount between two accounts atomically. Both legs are
// persisted in one batch while both account locks are held.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, note string) (models.TransferExecuted, error) {
	var ev models.TransferExecuted
	if !amount.IsPositive() {
		return ev, errors.Wrapf(errors.ErrInvalidAmount, "transfer of %s", amount)
	}
	if fromID == toID {
		return ev, errors.NewValidationError("to", toID, "cannot transfer to the same account")
	}

	from, err := l.state(fromID)
	if err != nil {
		return ev, err
	}
	to, err := l.state(toID)
	if err != nil {
		return ev, err
	}

	first, second := from, to
	if toID < fromID {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if from.account.Balance.LessThan(amount) {
		return ev, errors.Wrapf(errors.ErrInsufficientFunds, "%s holds %s, transfer needs %s",
			fromID, from.account.Balance.StringFixed(2), amount.StringFixed(2))
	}

	transferID := uuid.NewString()
	now := l.now().UTC()
	out := models.Transaction{
		Timestamp:      now,
		AccountID:      fromID,
		Type:           models.TxTransferOut,
		Amount:         amount.Neg(),
		CounterpartyID: toID,
		Reference:      transferID,
		Note:           note,
	}
	in := models.Transaction{
		Timestamp:      now,
		AccountID:      toID,
		Type:           models.TxTransferIn,
		Amount:         amount,
		CounterpartyID: fromID,
		Reference:      transferID,
		Note:           note,
	}
	l.stamp(&out, from.account.Balance.Add(out.Amount))
	l.stamp(&in, to.account.Balance.Add(in.Amount))

	if err := l.store.AppendTransactions(ctx, out, in); err != nil {
		return ev, errors.Wrap(err, "persisting transfer")
	}

	apply(&from.account, out)
	apply(&to.account, in)
	l.notify(out, in)

	return models.TransferExecuted{
		TransferID: transferID,
		Amount:     amount,
		From:       fromID,
		To:         toID,
		Timestamp:  now,
	}, nil
}

// Balance returns the live balance of an account.
func (l *Ledger) Balance(accountID string) (decimal.Decimal, error) {
	st, err := l.state(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account.Balance, nil
}

// Account returns a copy of the live account state.
func (l *Ledger) Account(accountID string) (models.Account, error) {
	st, err := l.state(accountID)
	if err != nil {
		return models.Account{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.account.Clone(), nil
}

// Accounts returns copies of every account sorted by ID.
func (l *Ledger) Accounts() []models.Account {
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]models.Account, 0, len(ids))
	for _, id := range ids {
		acct, _ := l.Account(id)
		out = append(out, acct)
	}
	return out
}

// MarkPrices refreshes LastPrice on held positions. It does not touch the log.
func (l *Ledger) MarkPrices(accountID string, prices map[string]decimal.Decimal) error {
	st, err := l.state(accountID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for sym, pos := range st.account.Positions {
		if p, ok := prices[sym]; ok && p.IsPositive() {
			pos.LastPrice = p
			st.account.Positions[sym] = pos
		}
	}
	return nil
}

// History returns an account's transactions in chronological order. A
// positive limit keeps only the latest limit records.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if _, err := l.state(accountID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, store.TransactionFilter{AccountID: accountID, Limit: limit})
}

// Verify replays an account's full history and compares it with the live
// state. Any divergence is a LedgerInconsistencyError.
func (l *Ledger) Verify(ctx context.Context, accountID string) error {
	st, err := l.state(accountID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	history, err := l.store.ListTransactions(ctx, store.TransactionFilter{AccountID: accountID})
	if err != nil {
		return errors.Wrapf(err, "loading history for %s", accountID)
	}
	replayed, err := Replay(models.Account{ID: accountID, Kind: st.account.Kind}, history)
	if err != nil {
		return err
	}
	return compare(st.account, replayed, history)
}

// VerifyAll runs Verify on every account and returns the first failure.
func (l *Ledger) VerifyAll(ctx context.Context) error {
	for _, acct := range l.Accounts() {
		if err := l.Verify(ctx, acct.ID); err != nil {
			return err
		}
	}
	return nil
}

func compare(live, replayed models.Account, history []models.Transaction) error {
	var lastSeq int64
	if n := len(history); n > 0 {
		lastSeq = history[n-1].Seq
	}
	if !live.Balance.Equal(replayed.Balance) {
		return errors.NewLedgerInconsistencyError(live.ID, lastSeq,
			replayed.Balance.String(), live.Balance.String(), "live balance differs from replay")
	}
	for sym, pos := range replayed.Positions {
		if live.Positions[sym].Quantity != pos.Quantity {
			return errors.NewLedgerInconsistencyError(live.ID, lastSeq,
				fmt.Sprint(pos.Quantity), fmt.Sprint(live.Positions[sym].Quantity), "position "+sym+" differs from replay")
		}
	}
	for sym, pos := range live.Positions {
		if _, ok := replayed.Positions[sym]; !ok && pos.Quantity != 0 {
			return errors.NewLedgerInconsistencyError(live.ID, lastSeq,
				"0", fmt.Sprint(pos.Quantity), "position "+sym+" missing from replay")
		}
	}
	return nil
}
