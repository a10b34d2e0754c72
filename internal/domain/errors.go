package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

var (
	// ErrNetworkUnavailable matches every NetworkError. Callers decide whether to retry.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("transaction confirmation timed out")

	// ErrTransactionRejected matches every TransactionRejectedError.
	ErrTransactionRejected = errors.New("transaction rejected")

	// ErrNoTargetAccount is returned when no open orders account exists for a market.
	ErrNoTargetAccount = errors.New("no open orders account")

	// ErrOrderNotFound is returned when an order id is absent from both the index and the network.
	ErrOrderNotFound = errors.New("order not found")

	// ErrUnknownMarket is returned for a pair that is not configured.
	ErrUnknownMarket = errors.New("unknown market")

	// ErrInvalidRequest is returned when request parameters fail validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNoPayerAccount is returned when the wallet holds no token account to fund an order.
	ErrNoPayerAccount = errors.New("no token account to pay from")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// NetworkError represents a transport-level RPC failure
type NetworkError struct {
	Op        string // RPC method or websocket operation
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkUnavailable
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// TimeoutError is returned when neither confirmation observer resolved in time.
type TimeoutError struct {
	Signature string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed after %s", e.Signature, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsRetriable is true: the transaction may simply not have landed.
func (e *TimeoutError) IsRetriable() bool {
	return true
}

// TransactionRejectedError carries the error reported by the network for a
// transaction that landed but failed.
type TransactionRejectedError struct {
	Signature string
	Reason    string
}

func (e *TransactionRejectedError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Signature, e.Reason)
}

func (e *TransactionRejectedError) Is(target error) bool {
	return target == ErrTransactionRejected
}

func (e *TransactionRejectedError) IsRetriable() bool {
	return false
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
