// Package broker defines the execution and price boundaries and provides a
// paper brokerage that fills at configured quotes.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"arki-trader/internal/models"
)

// Executor places orders with a brokerage. Implementations must honor ctx
// cancellation and report failures as errors rather than partial fills.
type Executor interface {
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.FillResult, error)
}

// PriceSource provides current quotes. ok is false when no quote exists.
type PriceSource interface {
	CurrentPrice(ctx context.Context, instrument string) (price decimal.Decimal, ok bool, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, intent models.OrderIntent) (*models.FillResult, error)

// PlaceOrder implements Executor.
func (f ExecutorFunc) PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.FillResult, error) {
	return f(ctx, intent)
}

// Snapshot fetches quotes for every instrument. Instruments without a quote
// or whose lookup fails are left out; the allocator reports them as skipped.
func Snapshot(ctx context.Context, src PriceSource, instruments []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(instruments))
	for _, sym := range instruments {
		price, ok, err := src.CurrentPrice(ctx, sym)
		if err != nil || !ok || !price.IsPositive() {
			continue
		}
		out[sym] = price
	}
	return out
}
