package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
)

// PaperOrder is a fill recorded by the paper broker.
type PaperOrder struct {
	Intent   models.OrderIntent
	Fill     models.FillResult
	PlacedAt time.Time
}

// PaperConfig holds configuration for the paper broker.
type PaperConfig struct {
	// Prices are the quotes orders fill at, keyed by instrument.
	Prices map[string]decimal.Decimal
	// Latency delays every placement, bounded by the caller's context.
	Latency time.Duration
}

// PaperBroker simulates a brokerage. It fills market orders in full at the
// configured quote and can be told to fail specific instruments.
type PaperBroker struct {
	mu           sync.RWMutex
	prices       map[string]decimal.Decimal
	latency      time.Duration
	orderCounter int
	failures     map[string]failure
	orders       []PaperOrder
}

type failure struct {
	remaining int // negative means always
	err       error
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	p := &PaperBroker{
		prices:   make(map[string]decimal.Decimal, len(cfg.Prices)),
		latency:  cfg.Latency,
		failures: make(map[string]failure),
	}
	for sym, price := range cfg.Prices {
		p.prices[strings.ToUpper(sym)] = price
	}
	return p
}

// SetPrice sets or replaces a quote.
func (p *PaperBroker) SetPrice(instrument string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(instrument)] = price
}

// RemovePrice deletes a quote so the instrument becomes unpriced.
func (p *PaperBroker) RemovePrice(instrument string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, strings.ToUpper(instrument))
}

// FailNext makes the next n placements for instrument fail with err.
// A negative n fails every placement until ClearFailures is called.
func (p *PaperBroker) FailNext(instrument string, n int, err error) {
	if err == nil {
		err = errors.ErrOrderRejected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[strings.ToUpper(instrument)] = failure{remaining: n, err: err}
}

// ClearFailures removes every injected failure.
func (p *PaperBroker) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = make(map[string]failure)
}

// CurrentPrice implements PriceSource.
func (p *PaperBroker) CurrentPrice(_ context.Context, instrument string) (decimal.Decimal, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[strings.ToUpper(instrument)]
	return price, ok, nil
}

// PlaceOrder implements Executor.
func (p *PaperBroker) PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.FillResult, error) {
	if intent.Quantity <= 0 {
		return nil, errors.NewExecutionError("", intent.Instrument, string(intent.Side), intent.Quantity,
			"quantity must be positive", errors.ErrInvalidOrder)
	}

	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)
	sym := strings.ToUpper(intent.Instrument)

	if f, ok := p.failures[sym]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
			p.failures[sym] = f
		}
		return nil, errors.NewExecutionError(orderID, intent.Instrument, string(intent.Side), intent.Quantity, "rejected", f.err)
	}

	price, ok := p.prices[sym]
	if !ok || !price.IsPositive() {
		return nil, errors.NewExecutionError(orderID, intent.Instrument, string(intent.Side), intent.Quantity,
			"no quote", errors.ErrPriceUnavailable)
	}

	fill := models.FillResult{
		OrderID:        orderID,
		QuantityFilled: intent.Quantity,
		FillPrice:      price,
	}
	p.orders = append(p.orders, PaperOrder{Intent: intent, Fill: fill, PlacedAt: time.Now()})
	return &fill, nil
}

// Orders returns every filled paper order.
func (p *PaperBroker) Orders() []PaperOrder {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PaperOrder, len(p.orders))
	copy(out, p.orders)
	return out
}
