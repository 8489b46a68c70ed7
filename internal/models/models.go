// Package models provides domain models for the cash sweep and allocation engine.
package models

import (
	"github.com/shopspring/decimal"
)

// AccountKind distinguishes the settlement account from the investment account.
type AccountKind string

const (
	AccountCash       AccountKind = "cash"
	AccountInvestment AccountKind = "investment"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	return k == AccountCash || k == AccountInvestment
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// InstrumentType is the security type passed to the brokerage (STK, ETF, ...).
type InstrumentType string

const (
	InstrumentStock InstrumentType = "STK"
	InstrumentETF   InstrumentType = "ETF"
)

// SchedulerState is the phase the scheduler loop is currently in.
type SchedulerState string

const (
	StateIdle               SchedulerState = "IDLE"
	StateProcessingDeposits SchedulerState = "PROCESSING_DEPOSITS"
	StateRebalancing        SchedulerState = "REBALANCING"
)

// Position is a holding in a single instrument.
type Position struct {
	Instrument string
	Quantity   int64
	LastPrice  decimal.Decimal
}

// Value returns quantity times last price.
func (p Position) Value() decimal.Decimal {
	return p.LastPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// Account is a snapshot of one brokerage account.
type Account struct {
	ID        string
	Kind      AccountKind
	Balance   decimal.Decimal
	Positions map[string]Position
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	out := a
	out.Positions = make(map[string]Position, len(a.Positions))
	for k, v := range a.Positions {
		out.Positions[k] = v
	}
	return out
}

// PositionsValue sums the marked value of every position.
func (a Account) PositionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		total = total.Add(p.Value())
	}
	return total
}
