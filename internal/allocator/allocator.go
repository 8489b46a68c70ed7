// Package allocator turns an amount of capital and an allocation table into
// whole-share order intents.
package allocator

import (
	"sort"

	"github.com/shopspring/decimal"

	"arki-trader/internal/allocation"
	"arki-trader/internal/errors"
	"arki-trader/internal/models"
)

// moneyPlaces is the precision instrument budgets are floored to.
const moneyPlaces = 8

// Prices is a point-in-time quote snapshot keyed by instrument.
type Prices map[string]decimal.Decimal

// StrategyAllocation summarizes one strategy inside a plan.
type StrategyAllocation struct {
	Name     string
	Budget   decimal.Decimal
	Invested decimal.Decimal
}

// Plan is the result of an allocation. Invested plus Residual always equals Amount.
type Plan struct {
	Amount     decimal.Decimal
	Intents    []models.OrderIntent
	Residual   decimal.Decimal
	Skipped    []*errors.PriceUnavailableError
	Strategies []StrategyAllocation
}

// Invested returns the total notional of all intents, net of sells.
func (p Plan) Invested() decimal.Decimal {
	total := decimal.Zero
	for _, in := range p.Intents {
		if in.Side == models.OrderSideSell {
			total = total.Sub(in.Notional())
			continue
		}
		total = total.Add(in.Notional())
	}
	return total
}

// Empty reports whether the plan has nothing to execute.
func (p Plan) Empty() bool {
	return len(p.Intents) == 0
}

// Allocate splits amount across strategies and instruments. Instruments with
// no positive quote are skipped and their budget stays in Residual, as does
// every remainder left by rounding down to whole shares.
func Allocate(amount decimal.Decimal, table *allocation.Table, prices Prices) Plan {
	plan := Plan{Amount: amount, Residual: amount}
	if !amount.IsPositive() || table == nil {
		return plan
	}

	invested := decimal.Zero
	for _, s := range table.Strategies() {
		sw, total := table.StrategyWeight(s.Name)
		sa := StrategyAllocation{Name: s.Name, Budget: decimal.Zero, Invested: decimal.Zero}
		if total.IsPositive() {
			sa.Budget = amount.Mul(sw).Div(total).RoundFloor(moneyPlaces)
		}
		if sw.IsZero() || s.TotalWeight.IsZero() {
			plan.Strategies = append(plan.Strategies, sa)
			continue
		}

		denom := total.Mul(s.TotalWeight)
		for _, tgt := range s.Targets {
			if tgt.TargetWeight.IsZero() {
				continue
			}
			price, ok := prices[tgt.Instrument]
			if !ok || !price.IsPositive() {
				plan.Skipped = append(plan.Skipped, errors.NewPriceUnavailableError(s.Name, tgt.Instrument, nil))
				continue
			}

			budget := amount.Mul(sw).Mul(tgt.TargetWeight).Div(denom).RoundFloor(moneyPlaces)
			qty := wholeShares(budget, price)
			if qty <= 0 {
				continue
			}

			intent := models.OrderIntent{
				Strategy:       s.Name,
				Instrument:     tgt.Instrument,
				InstrumentType: tgt.InstrumentType,
				Exchange:       tgt.Exchange,
				Side:           models.OrderSideBuy,
				Quantity:       qty,
				Price:          price,
			}
			plan.Intents = append(plan.Intents, intent)
			sa.Invested = sa.Invested.Add(intent.Notional())
		}
		invested = invested.Add(sa.Invested)
		plan.Strategies = append(plan.Strategies, sa)
	}

	plan.Residual = amount.Sub(invested)
	return plan
}

// wholeShares returns floor(budget / price) computed without rounding error.
func wholeShares(budget, price decimal.Decimal) int64 {
	if !budget.IsPositive() || !price.IsPositive() {
		return 0
	}
	q, _ := budget.QuoRem(price, 0)
	return q.IntPart()
}

// Rebalance plans corrective orders that move holdings back toward the
// table's portfolio weights. Only instruments whose weight has drifted by
// more than tolerance are traded. Sells are listed first; buys are funded by
// cash plus sell proceeds. Positions outside the table are left alone.
func Rebalance(account models.Account, table *allocation.Table, prices Prices, tolerance decimal.Decimal) Plan {
	plan := Plan{Amount: account.Balance, Residual: account.Balance}
	if table == nil {
		return plan
	}

	total := account.Balance
	for sym, pos := range account.Positions {
		if price, ok := prices[sym]; ok && price.IsPositive() {
			total = total.Add(price.Mul(decimal.NewFromInt(pos.Quantity)))
		}
	}
	if !total.IsPositive() {
		return plan
	}

	type buy struct {
		intent  models.OrderIntent
		deficit decimal.Decimal
	}
	var sells []models.OrderIntent
	var buys []buy

	weights := table.PortfolioWeights()
	for _, sym := range table.Instruments() {
		price, ok := prices[sym]
		if !ok || !price.IsPositive() {
			plan.Skipped = append(plan.Skipped, errors.NewPriceUnavailableError("rebalance", sym, nil))
			continue
		}

		held := account.Positions[sym].Quantity
		current := price.Mul(decimal.NewFromInt(held))
		target := total.Mul(weights[sym])
		drift := current.Div(total).Sub(weights[sym]).Abs()
		if drift.LessThanOrEqual(tolerance) {
			continue
		}

		instrumentType, exchange, _ := table.InstrumentInfo(sym)
		intent := models.OrderIntent{
			Strategy:       "rebalance",
			Instrument:     sym,
			InstrumentType: instrumentType,
			Exchange:       exchange,
			Price:          price,
		}

		diff := target.Sub(current)
		if diff.IsNegative() {
			qty := wholeShares(diff.Neg(), price)
			if qty > held {
				qty = held
			}
			if qty > 0 {
				intent.Side = models.OrderSideSell
				intent.Quantity = qty
				sells = append(sells, intent)
			}
			continue
		}
		intent.Side = models.OrderSideBuy
		buys = append(buys, buy{intent: intent, deficit: diff})
	}

	available := account.Balance
	for _, s := range sells {
		available = available.Add(s.Notional())
	}
	plan.Intents = append(plan.Intents, sells...)

	sort.SliceStable(buys, func(i, j int) bool {
		return buys[i].deficit.GreaterThan(buys[j].deficit)
	})
	for _, b := range buys {
		spend := decimal.Min(b.deficit, available)
		qty := wholeShares(spend, b.intent.Price)
		if qty <= 0 {
			continue
		}
		b.intent.Quantity = qty
		plan.Intents = append(plan.Intents, b.intent)
		available = available.Sub(b.intent.Notional())
	}

	plan.Residual = available
	return plan
}
