// Package policy decides when excess cash leaves the settlement account.
package policy

import (
	"github.com/shopspring/decimal"

	"arki-trader/internal/models"
)

// DecideTransfer evaluates the sweep rule for a cash balance. The excess over
// minCashLevel is moved only when it is strictly greater than
// transferThreshold, and then all of it is moved.
func DecideTransfer(cashBalance, minCashLevel, transferThreshold decimal.Decimal) models.TransferDecision {
	excess := cashBalance.Sub(minCashLevel)
	d := models.TransferDecision{
		CashBalance:  cashBalance,
		MinCashLevel: minCashLevel,
		Threshold:    transferThreshold,
		Excess:       excess,
		Amount:       decimal.Zero,
	}
	if excess.GreaterThan(transferThreshold) {
		d.ShouldTransfer = true
		d.Amount = excess
	}
	return d
}

// Decide applies DecideTransfer with the thresholds of p.
func Decide(cashBalance decimal.Decimal, p models.CashPolicy) models.TransferDecision {
	return DecideTransfer(cashBalance, p.MinCashLevel, p.TransferThreshold)
}
