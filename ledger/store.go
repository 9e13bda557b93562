/*
store.go - Persistence interface for ledger events and aggregates

PURPOSE:
  Defines the interface between the balance engine and the database.
  Events are append-only; aggregates (customers, loans, the cash balance)
  are read-modify-written inside a transaction by the engine only.

KEY INTERFACES:
  Reader:       Read-only view used by reporting (never mutates)
  Store:        Reader plus writes, valid inside one unit of work
  TxStore:      Store plus WithTx for atomic multi-write operations
  MessageStore: Staff notifications (not financial)

APPEND-ONLY CONTRACT:
  - AppendEvent(): the only event write
  - NO UpdateEvent() or DeleteEvent() methods exist

ATOMIC UNITS OF WORK:
  WithTx() runs fn against a transactional Store. If fn returns an error
  the transaction is rolled back and no event or aggregate change is
  visible to any reader. Implementations serialize writers, which gives
  the single-writer semantics the engine relies on: two concurrent
  collections can never both read a stale remaining loan.

CASH BALANCE LIFECYCLE:
  CashBalance() returns ErrNotBootstrapped until InitCashBalance() has
  created the singleton. InitCashBalance is idempotent and is called once
  at startup by Engine.Bootstrap, never inline by operations.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Durable SQLite store
  - ledger/store/memory.go: In-memory store for tests and development

SEE ALSO:
  - engine.go: The only writer
  - report/: Read-only consumer
*/
package ledger

import (
	"context"
	"strings"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Reader is the read side of the ledger store.
type Reader interface {
	// Events returns events matching filter, ordered by OccurredAt then
	// RecordedAt.
	Events(ctx context.Context, filter EventFilter) ([]Event, error)

	// CashBalance returns the singleton, or ErrNotBootstrapped.
	CashBalance(ctx context.Context) (CashBalance, error)

	Customer(ctx context.Context, id CustomerID) (Customer, error)
	Customers(ctx context.Context, filter CustomerFilter) ([]Customer, error)

	Loan(ctx context.Context, id LoanID) (Loan, error)
	Loans(ctx context.Context, filter LoanFilter) ([]Loan, error)

	Staff(ctx context.Context, id StaffID) (Staff, error)
	StaffByEmail(ctx context.Context, email string) (Staff, error)
	ListStaff(ctx context.Context, role Role) ([]Staff, error)
}

// Store adds writes to Reader.
// IMPORTANT: events are APPEND-ONLY. No Update, No Delete.
type Store interface {
	Reader

	AppendEvent(ctx context.Context, ev Event) error

	// InitCashBalance creates the singleton with a zero balance if absent
	// and returns the current value.
	InitCashBalance(ctx context.Context) (CashBalance, error)
	PutCashBalance(ctx context.Context, cb CashBalance) error

	// PutCustomer inserts or updates a customer.
	PutCustomer(ctx context.Context, c Customer) error

	// PutLoan inserts or updates a loan.
	PutLoan(ctx context.Context, l Loan) error

	// PutStaff inserts or updates a staff member. Emails are unique.
	PutStaff(ctx context.Context, s Staff) error
	DeleteStaff(ctx context.Context, id StaffID) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// MessageStore persists staff notifications.
type MessageStore interface {
	PutMessage(ctx context.Context, m Message) error
	Message(ctx context.Context, id MessageID) (Message, error)
	Messages(ctx context.Context, staffID StaffID) ([]Message, error)
}

// =============================================================================
// FILTER MATCHING (shared by implementations that filter in Go)
// =============================================================================

// Matches reports whether c passes the filter.
func (f CustomerFilter) Matches(c Customer) bool {
	if f.StaffID != "" && c.StaffID != f.StaffID {
		return false
	}
	if f.NameLike != "" && !containsFold(c.Name, f.NameLike) {
		return false
	}
	if f.WithLoan && !c.TotalLoan.IsPositive() {
		return false
	}
	if f.WithBalance && !c.RemainingLoan.IsPositive() {
		return false
	}
	return true
}

// Matches reports whether l passes the filter.
func (f LoanFilter) Matches(l Loan) bool {
	if f.StaffID != "" && l.StaffID != f.StaffID {
		return false
	}
	if f.CustomerID != "" && l.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.NameLike != "" && !containsFold(l.CustomerName, f.NameLike) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
