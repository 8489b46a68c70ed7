package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashPolicy holds the sweep thresholds for the cash account.
type CashPolicy struct {
	MinCashLevel        decimal.Decimal
	TransferThreshold   decimal.Decimal
	AllocationTolerance decimal.Decimal
}

// TransferDecision is the outcome of evaluating the cash policy.
type TransferDecision struct {
	CashBalance    decimal.Decimal
	MinCashLevel   decimal.Decimal
	Threshold      decimal.Decimal
	Excess         decimal.Decimal
	ShouldTransfer bool
	Amount         decimal.Decimal
}

// TransferExecuted is emitted after a sweep has been committed to the ledger.
type TransferExecuted struct {
	TransferID string
	Amount     decimal.Decimal
	From       string
	To         string
	Timestamp  time.Time
}
