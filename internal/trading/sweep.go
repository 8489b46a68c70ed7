package trading

import (
	"context"

	"arki-trader/internal/errors"
	"arki-trader/internal/logging"
	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
	"arki-trader/internal/notify"
	"arki-trader/internal/policy"
)

// SweepResult reports one evaluation of the cash policy.
type SweepResult struct {
	Decision models.TransferDecision
	Transfer *models.TransferExecuted
	// Queued is the allocation deposit created for the swept cash, if any.
	Queued *models.Deposit
}

// Sweep moves excess cash to the investment account when the policy says so.
// The cash account is verified against its log first; a divergence halts
// automated transfers.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	if halted, reason := e.Halted(); halted {
		return nil, errors.Wrapf(errors.ErrTransfersHalted, "%s", reason)
	}

	logger := logging.WithOperation(e.logger, "sweep")
	for _, id := range []string{e.cfg.CashAccountID, e.cfg.InvestmentAccountID} {
		if err := e.ledger.Verify(ctx, id); err != nil {
			var inc *errors.LedgerInconsistencyError
			if errors.As(err, &inc) {
				e.Halt(ctx, err)
			}
			return nil, err
		}
	}

	balance, err := e.ledger.Balance(e.cfg.CashAccountID)
	if err != nil {
		return nil, err
	}
	metrics.AccountBalance.WithLabelValues(e.cfg.CashAccountID).Set(balance.InexactFloat64())

	res := &SweepResult{Decision: policy.Decide(balance, e.cfg.Policy)}
	if !res.Decision.ShouldTransfer {
		logger.Debug().
			Str("balance", balance.String()).
			Str("excess", res.Decision.Excess.String()).
			Msg("No transfer needed")
		return res, nil
	}

	ev, err := e.ledger.Transfer(ctx, e.cfg.CashAccountID, e.cfg.InvestmentAccountID, res.Decision.Amount, "automatic cash sweep")
	if err != nil {
		return res, err
	}
	res.Transfer = &ev

	logging.LogTransfer(logger, ev.From, ev.To, ev.Amount)
	metrics.TransfersTotal.Inc()
	metrics.TransferredAmount.Add(ev.Amount.InexactFloat64())
	e.publisher.Publish(notify.TransferNotification(ev, e.cfg.Currency))

	if e.cfg.InvestTransfers {
		now := e.now().UTC()
		d := models.Deposit{
			ID:          ev.TransferID,
			AccountID:   e.cfg.InvestmentAccountID,
			Amount:      ev.Amount,
			Source:      "sweep",
			Status:      models.DepositPending,
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		if err := e.enqueue(context.WithoutCancel(ctx), d); err != nil {
			return res, err
		}
		res.Queued = &d
	}
	return res, nil
}
