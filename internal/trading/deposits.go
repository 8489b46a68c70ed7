package trading

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arki-trader/internal/allocator"
	"arki-trader/internal/broker"
	"arki-trader/internal/errors"
	"arki-trader/internal/logging"
	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
	"arki-trader/internal/notify"
	"arki-trader/internal/store"
)

// pendingDeposit is a queued deposit with its plan. The plan is computed
// once; later attempts only re-place what has not filled. deposit is read
// under Engine.mu, the other fields only under Engine.procMu.
type pendingDeposit struct {
	deposit  models.Deposit
	plan     *allocator.Plan
	open     []models.OrderIntent
	invested decimal.Decimal
}

// DepositResult summarizes one processing attempt of a deposit.
type DepositResult struct {
	Deposit  models.Deposit
	Plan     allocator.Plan
	Outcomes []OrderOutcome
	Invested decimal.Decimal
	// Residual is the part of the deposit left as cash so far.
	Residual decimal.Decimal
}

// Fills returns the outcomes that filled.
func (r DepositResult) Fills() []OrderOutcome {
	var out []OrderOutcome
	for _, o := range r.Outcomes {
		if o.Filled() {
			out = append(out, o)
		}
	}
	return out
}

// Failures returns the outcomes that did not fill.
func (r DepositResult) Failures() []OrderOutcome {
	var out []OrderOutcome
	for _, o := range r.Outcomes {
		if !o.Filled() {
			out = append(out, o)
		}
	}
	return out
}

// SubmitDeposit credits amount to the account of the given kind. Deposits
// into the investment account are queued for allocation; cash account
// deposits only raise the balance the next sweep looks at.
func (e *Engine) SubmitDeposit(ctx context.Context, kind models.AccountKind, amount decimal.Decimal, note string) (*models.Deposit, error) {
	if !amount.IsPositive() {
		return nil, errors.NewValidationError("amount", amount.String(), "deposit amount must be positive")
	}
	accountID, err := e.AccountID(kind)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	d := models.Deposit{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount,
		Source:      "manual",
		Status:      models.DepositPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if kind == models.AccountCash {
		d.Status = models.DepositCompleted
	}

	if _, err := e.ledger.Deposit(ctx, accountID, amount, d.ID, note); err != nil {
		return nil, err
	}
	logging.LogDeposit(e.logger, d.ID, accountID, amount)

	if err := e.enqueue(ctx, d); err != nil {
		return nil, err
	}
	return &d, nil
}

// enqueue persists d and, when pending, adds it to the queue.
func (e *Engine) enqueue(ctx context.Context, d models.Deposit) error {
	if err := e.store.SaveDeposit(ctx, &d); err != nil {
		return errors.Wrapf(err, "saving deposit %s", d.ID)
	}
	if d.Status != models.DepositPending {
		return nil
	}
	e.mu.Lock()
	e.pending = append(e.pending, &pendingDeposit{deposit: d})
	n := len(e.pending)
	e.mu.Unlock()
	metrics.PendingDeposits.Set(float64(n))
	return nil
}

// Pending returns the queued deposits in submission order.
func (e *Engine) Pending() []models.Deposit {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Deposit, len(e.pending))
	for i, p := range e.pending {
		out[i] = p.deposit
	}
	return out
}

// Deposits lists persisted deposits with the given status, or all when empty.
func (e *Engine) Deposits(ctx context.Context, status models.DepositStatus) ([]models.Deposit, error) {
	return e.store.ListDeposits(ctx, status)
}

// ProcessPending runs one attempt for every queued deposit. A deposit that
// still has unfilled orders after MaxAttempts attempts is marked failed and
// an operator is notified. One deposit's failures never stop the others.
func (e *Engine) ProcessPending(ctx context.Context) ([]DepositResult, error) {
	return e.process(ctx, func(models.Deposit) bool { return true })
}

// ProcessDeposit runs one attempt for the queued deposit with the given ID
// and leaves the rest of the queue alone. It returns nil when id is not
// pending.
func (e *Engine) ProcessDeposit(ctx context.Context, id string) (*DepositResult, error) {
	results, err := e.process(ctx, func(d models.Deposit) bool { return d.ID == id })
	if len(results) == 0 {
		return nil, err
	}
	return &results[0], err
}

func (e *Engine) process(ctx context.Context, want func(models.Deposit) bool) ([]DepositResult, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	if halted, reason := e.Halted(); halted {
		return nil, errors.Wrapf(errors.ErrTransfersHalted, "%s", reason)
	}

	e.mu.Lock()
	var queue []*pendingDeposit
	for _, pd := range e.pending {
		if pd.deposit.Status == models.DepositPending && want(pd.deposit) {
			queue = append(queue, pd)
		}
	}
	e.mu.Unlock()
	if len(queue) == 0 {
		return nil, nil
	}
	defer e.prune()

	logger := logging.WithOperation(e.logger, "process_deposits")
	logger.Debug().Int("pending", len(queue)).Msg("Processing deposits")

	var (
		prices  allocator.Prices
		results []DepositResult
	)
	for _, pd := range queue {
		if err := ctx.Err(); err != nil {
			break
		}
		if pd.plan == nil {
			if prices == nil {
				prices = broker.Snapshot(ctx, e.prices, e.table.Instruments())
			}
			if err := e.plan(ctx, pd, prices); err != nil {
				return results, err
			}
		}

		res, err := e.attempt(ctx, pd)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// prune drops every deposit that is no longer pending from the queue.
func (e *Engine) prune() {
	e.mu.Lock()
	kept := e.pending[:0]
	for _, pd := range e.pending {
		if pd.deposit.Status == models.DepositPending {
			kept = append(kept, pd)
		}
	}
	clear(e.pending[len(kept):])
	e.pending = kept
	n := len(kept)
	e.mu.Unlock()
	metrics.PendingDeposits.Set(float64(n))
}

// setDeposit publishes d as the queued state of pd.
func (e *Engine) setDeposit(pd *pendingDeposit, d models.Deposit) {
	e.mu.Lock()
	pd.deposit = d
	e.mu.Unlock()
}

// plan computes the deposit's allocation. Quantities already filled under
// this deposit in an earlier run are taken off the intents.
func (e *Engine) plan(ctx context.Context, pd *pendingDeposit, prices allocator.Prices) error {
	plan := allocator.Allocate(pd.deposit.Amount, e.table, prices)
	pd.plan = &plan
	pd.open = plan.Intents

	for _, sk := range plan.Skipped {
		e.logger.Warn().Str("deposit_id", pd.deposit.ID).Str("strategy", sk.Strategy).
			Str("instrument", sk.Instrument).Msg("No price, instrument left as cash")
	}

	if pd.deposit.Attempts == 0 {
		return nil
	}
	history, err := e.store.ListTransactions(ctx, store.TransactionFilter{
		AccountID: pd.deposit.AccountID,
		Types:     []models.TransactionType{models.TxOrderFill},
	})
	if err != nil {
		return errors.Wrapf(err, "loading fills for deposit %s", pd.deposit.ID)
	}
	filled := make(map[string]int64)
	for _, tx := range history {
		if tx.Reference != pd.deposit.ID {
			continue
		}
		filled[tx.Instrument] += tx.Quantity
		pd.invested = pd.invested.Sub(tx.Amount)
	}
	open := pd.open[:0:0]
	for _, in := range pd.open {
		in.Quantity -= filled[in.Instrument]
		if in.Quantity > 0 {
			open = append(open, in)
		}
	}
	pd.open = open
	return nil
}

// attempt places the deposit's open intents once. The deposit is updated on
// a copy and published under e.mu so readers of the queue never see a
// half-written attempt.
func (e *Engine) attempt(ctx context.Context, pd *pendingDeposit) (DepositResult, error) {
	d := pd.deposit
	logger := logging.WithDeposit(e.logger, d.ID)
	res := DepositResult{Plan: *pd.plan}

	// A deposit can reach its bound without a completed attempt when the
	// previous one was cut short; it is failed without placing anything.
	var lastErr error
	if d.Attempts < e.cfg.MaxAttempts {
		d.Attempts++
		var remaining []models.OrderIntent
		for i, intent := range pd.open {
			out, err := e.execute(ctx, d.AccountID, intent, d.ID)
			if err != nil {
				// An order the broker filled stays closed even if the fill
				// never reached the ledger; placing it again would double-buy.
				if out.Fill == nil {
					remaining = append(remaining, intent)
				}
				pd.open = append(remaining, pd.open[i+1:]...)
				d.LastError = err.Error()
				d.UpdatedAt = e.now().UTC()
				e.setDeposit(pd, d)
				if serr := e.store.SaveDeposit(context.WithoutCancel(ctx), &d); serr != nil {
					logger.Error().Err(serr).Msg("Saving interrupted deposit failed")
				}
				return res, err
			}
			res.Outcomes = append(res.Outcomes, out)
			if rest, ok := unfilled(out); ok {
				remaining = append(remaining, rest)
				lastErr = out.Err
				if lastErr == nil {
					lastErr = errors.NewExecutionError(out.Fill.OrderID, rest.Instrument, string(rest.Side), rest.Quantity, "partially filled", nil)
				}
			}
		}
		pd.open = remaining
		res.Invested = filledNotional(res.Outcomes)
		pd.invested = pd.invested.Add(res.Invested)
	}
	if lastErr != nil {
		d.LastError = lastErr.Error()
	}

	d.UpdatedAt = e.now().UTC()
	switch {
	case len(pd.open) == 0:
		d.Status = models.DepositCompleted
		d.LastError = ""
		metrics.DepositsTotal.WithLabelValues("completed").Inc()
		logger.Info().Int("attempts", d.Attempts).Int("orders", len(pd.plan.Intents)).Msg("Deposit allocated")
	case d.Attempts >= e.cfg.MaxAttempts:
		reason := "allocation failed after " + strconv.Itoa(d.Attempts) + " attempts: " + d.LastError
		if err := e.ledger.MarkDepositFailed(context.WithoutCancel(ctx), d.AccountID, d.ID, reason); err != nil {
			e.setDeposit(pd, d)
			return res, errors.Wrap(err, "marking deposit failed")
		}
		d.Status = models.DepositFailed
		metrics.DepositsTotal.WithLabelValues("failed").Inc()
		logger.Error().Int("attempts", d.Attempts).Strs("open", instruments(pd.open)).
			Str("error", d.LastError).Msg("Deposit needs manual intervention")
		e.publisher.Publish(notify.DepositFailedNotification(d, e.cfg.Currency))
	default:
		metrics.DepositsTotal.WithLabelValues("retried").Inc()
		logger.Warn().Int("attempts", d.Attempts).Int("max_attempts", e.cfg.MaxAttempts).
			Strs("open", instruments(pd.open)).Msg("Deposit partially allocated, will retry")
	}
	e.setDeposit(pd, d)

	if err := e.store.SaveDeposit(context.WithoutCancel(ctx), &d); err != nil {
		return res, errors.Wrapf(err, "saving deposit %s", d.ID)
	}

	res.Deposit = d
	res.Residual = d.Amount.Sub(pd.invested)
	return res, nil
}

// unfilled returns what is left of an outcome's intent, if anything.
func unfilled(out OrderOutcome) (models.OrderIntent, bool) {
	if !out.Filled() {
		return out.Intent, true
	}
	rest := out.Intent
	rest.Quantity -= out.Fill.QuantityFilled
	return rest, rest.Quantity > 0
}

func instruments(intents []models.OrderIntent) []string {
	out := make([]string, len(intents))
	for i, in := range intents {
		out[i] = in.Instrument
	}
	return out
}
