package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arki-trader/internal/errors"
)

var errBoom = stderrors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var transitions []CircuitState
	cb := New("broker", Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(_ string, _, to CircuitState) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.False(t, called)

	stats := cb.Stats()
	assert.Equal(t, int64(3), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, []CircuitState{CircuitOpen}, transitions)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	cb := New("broker", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 30 * time.Second})
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, CircuitClosed, cb.State())

	require.Error(t, cb.Execute(ctx, fail))
	now = now.Add(31 * time.Second)
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, CircuitOpen, cb.State(), "half-open failure reopens")
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	benign := stderrors.New("caller error")
	cb := New("broker", Config{
		FailureThreshold: 1,
		Timeout:          time.Minute,
		IsFailure:        func(err error) bool { return !stderrors.Is(err, benign) },
	})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return benign })
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestExecute_ReturnsValue(t *testing.T) {
	cb := New("broker", DefaultConfig())
	v, err := Execute(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}
