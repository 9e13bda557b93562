/*
errors.go - Centralized error types for the balance engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on them with errors.Is / errors.As; the HTTP layer maps
  them to status codes.

ERROR CATEGORIES:
  1. Guard failures - the operation was rejected before any write
     (InvalidAmount, InsufficientFunds, OverpaymentRejected, InvalidInput,
     InvalidTransition)
  2. Lookup failures - NotFound
  3. Authorization - AccessDenied
  4. Storage failures - the unit of work was rolled back (StorageFailure)

PROPAGATION:
  Guard failures leave the ledger and every aggregate exactly as before the
  call. Storage failures roll back the whole transaction. Nothing retries;
  the caller decides whether to resubmit.

SEE ALSO:
  - engine.go: Produces these errors
  - api/handlers.go: Maps them to HTTP responses
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for a non-positive amount where a positive
	// one is required, or a negative fee/rate.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientFunds is returned when a debit exceeds the cash balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOverpaymentRejected is returned when a loan collection exceeds the
	// customer's remaining loan.
	ErrOverpaymentRejected = errors.New("collection exceeds remaining loan")

	// ErrNotFound is returned when a referenced customer, loan, staff member
	// or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied is returned when the actor's role may not perform the
	// operation, or a staff member touches another collector's customer.
	ErrAccessDenied = errors.New("access denied")

	// ErrStorageFailure is returned when the store failed during the write
	// phase. The transaction has been rolled back.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidInput is returned for malformed non-monetary parameters
	// (unknown expense category, bad direction, empty name).
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when a loan status change is not
	// Pending -> Paid.
	ErrInvalidTransition = errors.New("invalid loan status transition")

	// ErrNotBootstrapped is returned when the cash balance singleton has not
	// been created yet. Call Engine.Bootstrap at startup.
	ErrNotBootstrapped = errors.New("cash balance not bootstrapped")

	// ErrDuplicate is returned when an ID or unique key already exists.
	ErrDuplicate = errors.New("duplicate")
)

// =============================================================================
// STRUCTURED ERRORS - Carry the balances needed for display
// =============================================================================

// InsufficientFundsError provides details about a cash shortage.
type InsufficientFundsError struct {
	Operation Operation
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s, shortfall %s",
		e.Operation, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// OverpaymentError is returned when a collection exceeds the remaining loan.
type OverpaymentError struct {
	CustomerID  CustomerID
	Remaining   decimal.Decimal
	Requested   decimal.Decimal
	CashBalance decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("collection of %s exceeds remaining loan %s for customer %s",
		e.Requested, e.Remaining, e.CustomerID)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpaymentRejected }

// StorageError wraps an unexpected store failure. It matches both
// ErrStorageFailure and the underlying cause.
type StorageError struct {
	Operation Operation
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Operation, ErrStorageFailure, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsGuardFailure returns true if the operation was rejected by a guard.
func IsGuardFailure(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrOverpaymentRejected) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFound builds an ErrNotFound naming the entity kind and id.
// Store implementations use it so callers can match with errors.Is.
func NotFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}
