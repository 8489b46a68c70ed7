package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderIntent is a planned order produced by the allocator. It is not
// persisted; only its outcome reaches the ledger.
type OrderIntent struct {
	Strategy       string
	Instrument     string
	InstrumentType InstrumentType
	Exchange       string
	Side           OrderSide
	Quantity       int64
	// Price is the quote the plan was computed with.
	Price decimal.Decimal
}

// Notional returns quantity times planning price.
func (o OrderIntent) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

func (o OrderIntent) String() string {
	return fmt.Sprintf("%s %d %s @ %s", o.Side, o.Quantity, o.Instrument, o.Price.StringFixed(2))
}

// FillResult is the brokerage's answer to a placed order.
type FillResult struct {
	OrderID        string
	QuantityFilled int64
	FillPrice      decimal.Decimal
}

// Notional returns filled quantity times fill price.
func (f FillResult) Notional() decimal.Decimal {
	return f.FillPrice.Mul(decimal.NewFromInt(f.QuantityFilled))
}
