// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrAccountNotFound   = errors.New("account not found")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDatabaseError     = errors.New("database error")
	ErrLedgerDiverged    = errors.New("ledger diverged")
	ErrTransfersHalted   = errors.New("automated transfers halted")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)

// ConfigurationError is returned when configuration or an allocation table is
// invalid. It is fatal at startup.
type ConfigurationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field string, value interface{}, message string) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// PriceUnavailableError reports an instrument that had no usable quote.
type PriceUnavailableError struct {
	Instrument string
	Strategy   string
	Err        error
}

func (e *PriceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price unavailable [%s/%s]: %v", e.Strategy, e.Instrument, e.Err)
	}
	return fmt.Sprintf("price unavailable [%s/%s]", e.Strategy, e.Instrument)
}

func (e *PriceUnavailableError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrPriceUnavailable
}

// Is lets errors.Is match ErrPriceUnavailable even when a cause is wrapped.
func (e *PriceUnavailableError) Is(target error) bool {
	return target == ErrPriceUnavailable
}

// NewPriceUnavailableError creates a new PriceUnavailableError.
func NewPriceUnavailableError(strategy, instrument string, err error) *PriceUnavailableError {
	return &PriceUnavailableError{
		Instrument: instrument,
		Strategy:   strategy,
		Err:        err,
	}
}

// ExecutionError represents a failed or timed out order placement.
type ExecutionError struct {
	OrderID    string
	Instrument string
	Side       string
	Quantity   int64
	Reason     string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution error [%s] %s %d %s: %s: %v", e.OrderID, e.Side, e.Quantity, e.Instrument, e.Reason, e.Err)
	}
	return fmt.Sprintf("execution error [%s] %s %d %s: %s", e.OrderID, e.Side, e.Quantity, e.Instrument, e.Reason)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(orderID, instrument, side string, quantity int64, reason string, err error) *ExecutionError {
	return &ExecutionError{
		OrderID:    orderID,
		Instrument: instrument,
		Side:       side,
		Quantity:   quantity,
		Reason:     reason,
		Err:        err,
	}
}

// LedgerInconsistencyError means a replay of the transaction log disagrees
// with the live account state. Automated transfers must stop when it occurs.
type LedgerInconsistencyError struct {
	AccountID string
	Seq       int64
	Expected  string
	Actual    string
	Message   string
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency [%s] seq=%d: %s (expected %s, got %s)",
		e.AccountID, e.Seq, e.Message, e.Expected, e.Actual)
}

func (e *LedgerInconsistencyError) Unwrap() error {
	return ErrLedgerDiverged
}

// NewLedgerInconsistencyError creates a new LedgerInconsistencyError.
func NewLedgerInconsistencyError(accountID string, seq int64, expected, actual, message string) *LedgerInconsistencyError {
	return &LedgerInconsistencyError{
		AccountID: accountID,
		Seq:       seq,
		Expected:  expected,
		Actual:    actual,
		Message:   message,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
