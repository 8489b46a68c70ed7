package trading

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/logging"
	"arki-trader/internal/metrics"
	"arki-trader/internal/models"
)

// OrderOutcome is the result of placing one intent.
type OrderOutcome struct {
	Intent models.OrderIntent
	Fill   *models.FillResult
	Err    error
}

// Filled reports whether the order produced a fill.
func (o OrderOutcome) Filled() bool {
	return o.Err == nil && o.Fill != nil
}

// execute places one intent and records the outcome. No account lock is held
// while the brokerage is called. The returned error is only set when the
// ledger itself could not be written; order failures are in the outcome.
func (e *Engine) execute(ctx context.Context, accountID string, intent models.OrderIntent, reference string) (OrderOutcome, error) {
	out := OrderOutcome{Intent: intent}
	logger := logging.WithAccount(e.logger, accountID)

	if intent.Side == models.OrderSideBuy {
		balance, err := e.ledger.Balance(accountID)
		if err != nil {
			return out, err
		}
		if balance.LessThan(intent.Notional()) {
			out.Err = errors.NewExecutionError("", intent.Instrument, string(intent.Side), intent.Quantity,
				"balance "+balance.StringFixed(2)+" below order notional", errors.ErrInsufficientFunds)
		}
	}

	if out.Err == nil {
		start := time.Now()
		fill, err := e.executor.PlaceOrder(ctx, intent)
		metrics.ObserveOrder(start)
		switch {
		case err != nil:
			out.Err = err
		case fill == nil || fill.QuantityFilled <= 0:
			out.Err = errors.NewExecutionError("", intent.Instrument, string(intent.Side), intent.Quantity,
				"empty fill", errors.ErrOrderRejected)
		default:
			out.Fill = fill
		}
	}

	// The outcome is recorded even if the caller's context has been cancelled.
	recCtx := context.WithoutCancel(ctx)

	if out.Err != nil {
		logging.LogOrderFailure(logger, intent.Instrument, string(intent.Side), intent.Quantity, out.Err)
		metrics.OrderFailures.WithLabelValues(intent.Instrument).Inc()
		if err := e.ledger.RecordOrderFailure(recCtx, accountID, intent, reference, out.Err); err != nil {
			return out, errors.Wrap(err, "recording order failure")
		}
		return out, nil
	}

	fill := *out.Fill
	if fill.QuantityFilled > intent.Quantity {
		logger.Warn().Str("instrument", intent.Instrument).
			Int64("requested", intent.Quantity).Int64("filled", fill.QuantityFilled).
			Msg("Fill exceeds requested quantity")
	}
	if _, err := e.ledger.RecordFill(recCtx, accountID, intent, fill, reference); err != nil {
		// The brokerage filled an order the log does not know about.
		e.Halt(recCtx, errors.Wrapf(err, "fill %s for %s not recorded", fill.OrderID, intent.Instrument))
		return out, errors.Wrap(err, "recording fill")
	}
	logging.LogFill(logger, fill.OrderID, intent.Instrument, string(intent.Side), fill.QuantityFilled, fill.FillPrice)
	metrics.FillsTotal.WithLabelValues(string(intent.Side)).Inc()
	return out, nil
}

// filledNotional sums fills net of sells.
func filledNotional(outcomes []OrderOutcome) decimal.Decimal {
	total := decimal.Zero
	for _, o := range outcomes {
		if !o.Filled() {
			continue
		}
		if o.Intent.Side == models.OrderSideSell {
			total = total.Sub(o.Fill.Notional())
			continue
		}
		total = total.Add(o.Fill.Notional())
	}
	return total
}
