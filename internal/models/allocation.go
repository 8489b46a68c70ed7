package models

import "github.com/shopspring/decimal"

// AllocationTarget is a configured weight of one instrument within a strategy.
type AllocationTarget struct {
	AccountKind    AccountKind
	Strategy       string
	Instrument     string
	InstrumentType InstrumentType
	Exchange       string
	TargetWeight   decimal.Decimal
}
