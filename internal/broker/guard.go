package broker

import (
	"context"
	"time"

	"arki-trader/internal/errors"
	"arki-trader/internal/models"
	"arki-trader/internal/resilience"
)

// TimeoutExecutor bounds each placement. A placement that does not finish in
// time fails with an ExecutionError wrapping errors.ErrTimeout.
type TimeoutExecutor struct {
	next    Executor
	timeout time.Duration
}

// WithTimeout wraps next with a per-order deadline.
func WithTimeout(next Executor, timeout time.Duration) *TimeoutExecutor {
	return &TimeoutExecutor{next: next, timeout: timeout}
}

// PlaceOrder implements Executor.
func (t *TimeoutExecutor) PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.FillResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		fill *models.FillResult
		err  error
	}
	done := make(chan result, 1)
	go func() {
		fill, err := t.next.PlaceOrder(ctx, intent)
		done <- result{fill, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, timeoutError(intent, t.timeout)
		}
		return r.fill, asExecutionError(intent, r.err)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, timeoutError(intent, t.timeout)
		}
		return nil, asExecutionError(intent, ctx.Err())
	}
}

func timeoutError(intent models.OrderIntent, timeout time.Duration) error {
	return errors.NewExecutionError("", intent.Instrument, string(intent.Side), intent.Quantity,
		"no response within "+timeout.String(), errors.ErrTimeout)
}

func asExecutionError(intent models.OrderIntent, err error) error {
	if err == nil {
		return nil
	}
	var execErr *errors.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	return errors.NewExecutionError("", intent.Instrument, string(intent.Side), intent.Quantity, "placement failed", err)
}

// GuardedExecutor stops calling the brokerage while its circuit is open.
type GuardedExecutor struct {
	next    Executor
	breaker *resilience.CircuitBreaker
}

// WithBreaker wraps next with cb.
func WithBreaker(next Executor, cb *resilience.CircuitBreaker) *GuardedExecutor {
	return &GuardedExecutor{next: next, breaker: cb}
}

// PlaceOrder implements Executor.
func (g *GuardedExecutor) PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.FillResult, error) {
	fill, err := resilience.Execute(ctx, g.breaker, func(ctx context.Context) (*models.FillResult, error) {
		return g.next.PlaceOrder(ctx, intent)
	})
	return fill, asExecutionError(intent, err)
}

// Breaker returns the circuit breaker guarding the executor.
func (g *GuardedExecutor) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// CountsAgainstBroker reports whether err should trip the breaker. Invalid
// orders and missing quotes are caller problems, not brokerage outages.
func CountsAgainstBroker(err error) bool {
	return !errors.Is(err, errors.ErrInvalidOrder) && !errors.Is(err, errors.ErrPriceUnavailable)
}
