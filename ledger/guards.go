package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GUARDS - Evaluated before any write; a failure leaves the ledger untouched
// =============================================================================

func requirePositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%s must be positive, got %s: %w", field, d, ErrInvalidAmount)
	}
	return nil
}

func requireNonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%s must not be negative, got %s: %w", field, d, ErrInvalidAmount)
	}
	return nil
}

// requireCash rejects a debit that would take the cash balance below zero.
func requireCash(op Operation, cash CashBalance, amount decimal.Decimal) error {
	if cash.Balance.LessThan(amount) {
		return &InsufficientFundsError{Operation: op, Available: cash.Balance, Requested: amount}
	}
	return nil
}

// requireCollectible rejects a loan collection larger than what is owed.
func requireCollectible(c Customer, amount decimal.Decimal, cash CashBalance) error {
	if amount.GreaterThan(c.RemainingLoan) {
		return &OverpaymentError{
			CustomerID:  c.ID,
			Remaining:   c.RemainingLoan,
			Requested:   amount,
			CashBalance: cash.Balance,
		}
	}
	return nil
}

// requireOwnership restricts staff to the customers they collect from.
func requireOwnership(op Operation, actor Actor, c Customer) error {
	if actor.IsAdmin() || c.StaffID == actor.StaffID {
		return nil
	}
	return fmt.Errorf("%s: customer %s belongs to another collector: %w", op, c.ID, ErrAccessDenied)
}

func requireText(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required: %w", field, ErrInvalidInput)
	}
	return nil
}
