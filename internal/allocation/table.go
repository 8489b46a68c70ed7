// Package allocation holds the validated strategy/instrument target table.
package allocation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
)

// Strategy groups the targets of one named strategy.
type Strategy struct {
	Name    string
	Targets []models.AllocationTarget
	// TotalWeight is the raw sum of target weights, used to normalize drift.
	TotalWeight decimal.Decimal
}

// Options controls table validation.
type Options struct {
	// DriftTolerance bounds |sum(weights) - 1| per strategy.
	DriftTolerance decimal.Decimal
	// StrategyWeights overrides the equal split. Keys are compared case-insensitively.
	StrategyWeights map[string]decimal.Decimal
}

// DefaultOptions returns a 5% drift tolerance and an equal strategy split.
func DefaultOptions() Options {
	return Options{DriftTolerance: decimal.NewFromFloat(0.05)}
}

// Table is an immutable, indexed allocation table.
type Table struct {
	strategies  []Strategy
	index       map[string]int
	cash        []models.AllocationTarget
	weights     map[string]decimal.Decimal
	weightTotal decimal.Decimal
	warnings    []string
}

// New validates targets and builds the lookup index.
func New(targets []models.AllocationTarget, opts Options) (*Table, error) {
	t := &Table{index: make(map[string]int)}
	seen := make(map[string]bool)
	one := decimal.NewFromInt(1)

	for i, tgt := range targets {
		tgt.Strategy = strings.TrimSpace(tgt.Strategy)
		tgt.Instrument = strings.TrimSpace(tgt.Instrument)
		if tgt.AccountKind == "" {
			tgt.AccountKind = models.AccountInvestment
		}
		field := fmt.Sprintf("allocation[%d]", i)

		if !tgt.AccountKind.Valid() {
			return nil, errors.NewConfigurationError(field+".account_type", tgt.AccountKind, "must be cash or investment")
		}
		if tgt.Strategy == "" {
			return nil, errors.NewConfigurationError(field+".strategy", nil, "must be set")
		}
		if tgt.Instrument == "" {
			return nil, errors.NewConfigurationError(field+".instrument", nil, "must be set")
		}
		if tgt.TargetWeight.IsNegative() || tgt.TargetWeight.GreaterThan(one) {
			return nil, errors.NewConfigurationError(field+".target_percentage", tgt.TargetWeight.String(), "must be within [0, 1]")
		}

		key := string(tgt.AccountKind) + "|" + strings.ToLower(tgt.Strategy) + "|" + strings.ToUpper(tgt.Instrument)
		if seen[key] {
			return nil, errors.NewConfigurationError(field, tgt.Strategy+"/"+tgt.Instrument, "duplicate target")
		}
		seen[key] = true

		if tgt.AccountKind == models.AccountCash {
			t.cash = append(t.cash, tgt)
			continue
		}

		name := strings.ToLower(tgt.Strategy)
		idx, ok := t.index[name]
		if !ok {
			idx = len(t.strategies)
			t.index[name] = idx
			t.strategies = append(t.strategies, Strategy{Name: tgt.Strategy, TotalWeight: decimal.Zero})
		}
		s := &t.strategies[idx]
		s.Targets = append(s.Targets, tgt)
		s.TotalWeight = s.TotalWeight.Add(tgt.TargetWeight)
	}

	if len(t.strategies) == 0 {
		return nil, errors.NewConfigurationError("allocation", nil, "no investment targets defined")
	}

	for _, s := range t.strategies {
		if s.TotalWeight.IsZero() {
			t.warnings = append(t.warnings, fmt.Sprintf("strategy %q has zero total weight; its share stays as cash", s.Name))
			continue
		}
		if s.TotalWeight.Sub(one).Abs().GreaterThan(opts.DriftTolerance) {
			return nil, errors.NewConfigurationError("allocation."+s.Name, s.TotalWeight.String(),
				fmt.Sprintf("weights must sum to 1 within %s", opts.DriftTolerance.String()))
		}
	}

	if err := t.applyStrategyWeights(opts.StrategyWeights); err != nil {
		return nil, err
	}

	sort.SliceStable(t.strategies, func(i, j int) bool {
		return t.strategies[i].Name < t.strategies[j].Name
	})
	for i, s := range t.strategies {
		t.index[strings.ToLower(s.Name)] = i
	}

	return t, nil
}

func (t *Table) applyStrategyWeights(weights map[string]decimal.Decimal) error {
	t.weights = make(map[string]decimal.Decimal, len(t.strategies))

	if len(weights) == 0 {
		for name := range t.index {
			t.weights[name] = decimal.NewFromInt(1)
		}
		t.weightTotal = decimal.NewFromInt(int64(len(t.index)))
		return nil
	}

	lowered := make(map[string]decimal.Decimal, len(weights))
	for name, w := range weights {
		if w.IsNegative() {
			return errors.NewConfigurationError("allocation.strategy_weights."+name, w.String(), "must be non-negative")
		}
		lowered[strings.ToLower(name)] = w
	}

	total := decimal.Zero
	for name := range t.index {
		w, ok := lowered[name]
		if !ok {
			return errors.NewConfigurationError("allocation.strategy_weights", name, "missing weight for strategy")
		}
		t.weights[name] = w
		total = total.Add(w)
	}
	for name := range lowered {
		if _, ok := t.index[name]; !ok {
			return errors.NewConfigurationError("allocation.strategy_weights", name, "unknown strategy")
		}
	}
	if !total.IsPositive() {
		return errors.NewConfigurationError("allocation.strategy_weights", total.String(), "must sum to a positive value")
	}
	t.weightTotal = total
	return nil
}

// Strategies returns the investment strategies sorted by name.
func (t *Table) Strategies() []Strategy {
	out := make([]Strategy, len(t.strategies))
	copy(out, t.strategies)
	return out
}

// Strategy looks up a strategy by name, case-insensitively.
func (t *Table) Strategy(name string) (Strategy, bool) {
	idx, ok := t.index[strings.ToLower(name)]
	if !ok {
		return Strategy{}, false
	}
	return t.strategies[idx], true
}

// CashTargets returns the targets configured for the cash account.
func (t *Table) CashTargets() []models.AllocationTarget {
	out := make([]models.AllocationTarget, len(t.cash))
	copy(out, t.cash)
	return out
}

// Warnings returns non-fatal findings from validation.
func (t *Table) Warnings() []string {
	return t.warnings
}

// StrategyWeight returns the raw split weight of a strategy and the total
// across all strategies. The strategy's share of a deposit is weight/total.
func (t *Table) StrategyWeight(name string) (weight, total decimal.Decimal) {
	return t.weights[strings.ToLower(name)], t.weightTotal
}

// StrategyShare returns the fraction of a deposit assigned to a strategy.
func (t *Table) StrategyShare(name string) decimal.Decimal {
	w, total := t.StrategyWeight(name)
	if total.IsZero() {
		return decimal.Zero
	}
	return w.Div(total)
}

// PortfolioWeights returns each instrument's target share of the whole
// investment portfolio, summed across strategies.
func (t *Table) PortfolioWeights() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range t.strategies {
		if s.TotalWeight.IsZero() {
			continue
		}
		share := t.StrategyShare(s.Name)
		for _, tgt := range s.Targets {
			w := share.Mul(tgt.TargetWeight).Div(s.TotalWeight)
			out[tgt.Instrument] = out[tgt.Instrument].Add(w)
		}
	}
	return out
}

// Instruments returns every investment instrument, sorted and de-duplicated.
func (t *Table) Instruments() []string {
	set := make(map[string]bool)
	for _, s := range t.strategies {
		for _, tgt := range s.Targets {
			set[tgt.Instrument] = true
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Target finds the target of an instrument within a strategy.
func (t *Table) Target(strategy, instrument string) (models.AllocationTarget, bool) {
	s, ok := t.Strategy(strategy)
	if !ok {
		return models.AllocationTarget{}, false
	}
	for _, tgt := range s.Targets {
		if strings.EqualFold(tgt.Instrument, instrument) {
			return tgt, true
		}
	}
	return models.AllocationTarget{}, false
}

// InstrumentInfo returns the type and exchange of the first target naming instrument.
func (t *Table) InstrumentInfo(instrument string) (models.InstrumentType, string, bool) {
	for _, s := range t.strategies {
		for _, tgt := range s.Targets {
			if strings.EqualFold(tgt.Instrument, instrument) {
				return tgt.InstrumentType, tgt.Exchange, true
			}
		}
	}
	return "", "", false
}
