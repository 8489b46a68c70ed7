package trading

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arki-trader/internal/allocator"
	"arki-trader/internal/broker"
	"arki-trader/internal/errors"
	"arki-trader/internal/logging"
	"arki-trader/internal/models"
)

// RebalanceResult reports one rebalancing pass.
type RebalanceResult struct {
	Reference string
	Plan      allocator.Plan
	Outcomes  []OrderOutcome
}

// Failures returns the outcomes that did not fill.
func (r RebalanceResult) Failures() []OrderOutcome {
	var out []OrderOutcome
	for _, o := range r.Outcomes {
		if !o.Filled() {
			out = append(out, o)
		}
	}
	return out
}

// PlanRebalance computes corrective orders for the investment account without
// executing them.
func (e *Engine) PlanRebalance(ctx context.Context) (allocator.Plan, error) {
	acct, err := e.ledger.Account(e.cfg.InvestmentAccountID)
	if err != nil {
		return allocator.Plan{}, err
	}
	prices := broker.Snapshot(ctx, e.prices, e.rebalanceUniverse(acct))
	if err := e.ledger.MarkPrices(acct.ID, prices); err != nil {
		return allocator.Plan{}, err
	}
	return allocator.Rebalance(acct, e.table, prices, e.cfg.Policy.AllocationTolerance), nil
}

// Rebalance executes corrective orders once. Failed orders are recorded as
// order_failed and not retried; the next pass recomputes from scratch.
// Nothing is placed while transfers are halted.
func (e *Engine) Rebalance(ctx context.Context) (*RebalanceResult, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	if halted, reason := e.Halted(); halted {
		return nil, errors.Wrapf(errors.ErrTransfersHalted, "%s", reason)
	}

	plan, err := e.PlanRebalance(ctx)
	if err != nil {
		return nil, err
	}
	res := &RebalanceResult{Reference: "rebalance:" + uuid.NewString(), Plan: plan}
	logger := logging.WithOperation(e.logger, "rebalance")
	if plan.Empty() {
		logger.Debug().Msg("Portfolio within tolerance")
		return res, nil
	}

	for _, intent := range plan.Intents {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := e.execute(ctx, e.cfg.InvestmentAccountID, intent, res.Reference)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	logger.Info().
		Int("orders", len(plan.Intents)).
		Int("failed", len(res.Failures())).
		Str("residual", plan.Residual.StringFixed(2)).
		Msg("Rebalance complete")
	return res, nil
}

// Preview shows how amount would be allocated at current prices.
func (e *Engine) Preview(ctx context.Context, amount decimal.Decimal) allocator.Plan {
	prices := broker.Snapshot(ctx, e.prices, e.table.Instruments())
	return allocator.Allocate(amount, e.table, prices)
}

func (e *Engine) rebalanceUniverse(acct models.Account) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sym := range e.table.Instruments() {
		seen[sym] = true
		out = append(out, sym)
	}
	for sym := range acct.Positions {
		if !seen[sym] {
			out = append(out, sym)
		}
	}
	return out
}
