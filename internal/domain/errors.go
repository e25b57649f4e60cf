package domain

import (
	"errors"
	"fmt"
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

// NetworkError represents a transport-level failure talking to the ledger.
// It covers dial errors, timeouts and unexpected HTTP statuses.
type NetworkError struct {
	Op        string // Operation that failed (e.g., "get quote", "submit trade")
	Status    int    // HTTP status if a response was received, 0 otherwise
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Err.Error())
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// DenialReason tags why a trade was refused before reaching the ledger.
type DenialReason string

const (
	ReasonInsufficientFunds  DenialReason = "InsufficientFunds"
	ReasonInsufficientShares DenialReason = "InsufficientShares"
	ReasonInvalidQuantity    DenialReason = "InvalidQuantity"
	ReasonInvalidSide        DenialReason = "InvalidSide"
	ReasonQuoteUnavailable   DenialReason = "QuoteUnavailable"
)

// ValidationError is a local admission denial. No network call was made.
type ValidationError struct {
	Reason DenialReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "trade denied: " + string(e.Reason)
	}
	return "trade denied: " + string(e.Reason) + ": " + e.Detail
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

// RejectionError is returned when the ledger refuses a trade that passed
// local admission (e.g. the cached balance was stale).
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return "ledger rejected trade: " + e.Message
}

func (e *RejectionError) IsRetriable() bool {
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

var (
	// ErrNotSeeded is returned by a series append before any reset.
	ErrNotSeeded = errors.New("quote series not seeded")

	// ErrStaleScope marks a response that belongs to a superseded instrument
	// subscription. It is dropped, never surfaced.
	ErrStaleScope = errors.New("stale scope")

	// ErrInvalidSymbol is returned when a symbol is not in the tradable set.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrTradeInFlight is returned when a submission is attempted while a
	// previous one has not resolved.
	ErrTradeInFlight = errors.New("trade submission already in flight")

	// ErrDuplicateTask is returned when a task key is registered twice in a scope.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrSchedulerClosed is returned when subscribing after shutdown.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrNotFound is returned by the ledger for unknown users or symbols.
	ErrNotFound = errors.New("not found")
)

// IsValidation reports whether err is a local admission denial and returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
