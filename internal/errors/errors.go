// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrMarketClosed       = errors.New("market is closed")
	ErrMissingCredential  = errors.New("missing broker credential")
	ErrBadRange           = errors.New("either start or end must be provided")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrOrderRejected      = errors.New("order rejected")
	ErrOrderCancelled     = errors.New("order cancelled")
	ErrOrderExpired       = errors.New("order expired")
	ErrFillTimeout        = errors.New("timed out waiting for fill")
	ErrEngineStopped      = errors.New("execution engine stopped")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrConflict           = errors.New("concurrent instance update")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrNoPrice            = errors.New("no price available")
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
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

// Is makes every ValidationError match ErrInvalidOrder.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidOrder
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// LedgerError represents a failure while reading or writing the ledger.
type LedgerError struct {
	Op         string
	InstanceID int64
	Err        error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger error [%s] instance %d: %v", e.Op, e.InstanceID, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewLedgerError creates a new LedgerError.
func NewLedgerError(op string, instanceID int64, err error) *LedgerError {
	return &LedgerError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
