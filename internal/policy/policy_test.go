package policy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"arki-trader/internal/models"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// Property: no transfer ever leaves the cash account at or below its minimum,
// and a transfer always moves exactly the excess.
func TestProperty_TransferNeverBreachesMinimum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("balance after transfer equals the minimum", prop.ForAll(
		func(balance, minLevel, threshold int64) bool {
			dec := DecideTransfer(d(balance), d(minLevel), d(threshold))
			if !dec.ShouldTransfer {
				return dec.Amount.IsZero()
			}
			return dec.Amount.IsPositive() &&
				d(balance).Sub(dec.Amount).Equal(d(minLevel)) &&
				dec.Amount.GreaterThan(d(threshold))
		},
		gen.Int64Range(-1_000_000, 10_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(1, 500_000),
	))

	properties.Property("cash at or below the minimum never transfers", prop.ForAll(
		func(minLevel, below, threshold int64) bool {
			return !DecideTransfer(d(minLevel-below), d(minLevel), d(threshold)).ShouldTransfer
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(1, 500_000),
	))

	properties.Property("one unit above min plus threshold transfers threshold plus one", prop.ForAll(
		func(minLevel, threshold int64) bool {
			dec := DecideTransfer(d(minLevel+threshold+1), d(minLevel), d(threshold))
			return dec.ShouldTransfer && dec.Amount.Equal(d(threshold+1))
		},
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(1, 500_000),
	))

	properties.TestingRun(t)
}

func TestDecideTransfer_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		want    bool
		amount  int64
		excess  int64
	}{
		{"well above threshold", 20000, true, 10000, 10000},
		{"excess equals threshold", 15000, false, 0, 5000},
		{"excess just above threshold", 15001, true, 5001, 5001},
		{"at minimum", 10000, false, 0, 0},
		{"below minimum", 4000, false, 0, -6000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := DecideTransfer(d(tt.balance), d(10000), d(5000))
			assert.Equal(t, tt.want, dec.ShouldTransfer)
			assert.True(t, dec.Amount.Equal(d(tt.amount)), "amount %s", dec.Amount)
			assert.True(t, dec.Excess.Equal(d(tt.excess)), "excess %s", dec.Excess)
		})
	}
}

func TestDecide_UsesPolicyThresholds(t *testing.T) {
	p := models.CashPolicy{MinCashLevel: d(1000), TransferThreshold: d(100)}
	dec := Decide(d(1200), p)
	assert.True(t, dec.ShouldTransfer)
	assert.True(t, dec.Amount.Equal(d(200)))
	assert.True(t, dec.MinCashLevel.Equal(d(1000)))
	assert.True(t, dec.Threshold.Equal(d(100)))
}
