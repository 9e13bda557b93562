/*
Package ledger provides the balance-consistency engine of the field ledger.

PURPOSE:
  Every money-moving action in the field office (loan disbursement, loan
  installment, savings deposit, admission fee, investment, withdrawal,
  expense, cash adjustment) is recorded here as an immutable Event, and the
  denormalized running totals (customer remaining loan, customer total loan,
  customer savings, the single cash balance) are updated in the same unit
  of work.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: An immutable ledger entry; its CashDelta/LoanDelta/SavingsDelta
    define how it moves every aggregate
  - Customer: Borrower/saver with cached running totals
  - CashBalance: The process-wide pool of liquid funds (exactly one)
  - Loan: Disbursement record with installment plan and Pending/Paid status
  - Actor: Authenticated staff member (admin or staff) calling the engine

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified or deleted
  2. Precision: All money is decimal.Decimal, never float
  3. Replayability: Aggregates are projections; summing events rebuilds them
  4. Type Safety: Distinct ID types for customers, staff, loans and events

SEE ALSO:
  - engine.go: Operations that append events and update aggregates
  - projection.go: Replay of events into aggregates
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type StaffID string
type LoanID string
type EventID string
type MessageID string

var hundred = decimal.NewFromInt(100)

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleStaff }

// Actor is the authenticated caller of an engine or report operation.
type Actor struct {
	StaffID StaffID
	Role    Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Staff is a field officer or administrator.
type Staff struct {
	ID           StaffID
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// Actor returns the engine identity of the staff member.
func (s Staff) Actor() Actor { return Actor{StaffID: s.ID, Role: s.Role} }

// =============================================================================
// CUSTOMER - Borrower/saver with cached running totals
// =============================================================================

// Customer holds the per-customer aggregates.
//
// INVARIANTS:
//   - RemainingLoan >= 0 after every committed operation
//   - TotalLoan never decreases
//   - RemainingLoan <= TotalLoan is NOT required: TotalLoan is cumulative
//     across every loan ever disbursed to the customer
type Customer struct {
	ID             CustomerID
	Name           string
	StaffID        StaffID // owning collector
	MemberNo       string
	Phone          string
	Address        string
	NationalID     string
	TotalLoan      decimal.Decimal
	RemainingLoan  decimal.Decimal
	SavingsBalance decimal.Decimal
	AdmissionFee   decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	LoanPending LoanStatus = "Pending"
	LoanPaid    LoanStatus = "Paid"
)

type InstallmentType string

const (
	InstallmentNone    InstallmentType = ""
	InstallmentDaily   InstallmentType = "daily"
	InstallmentWeekly  InstallmentType = "weekly"
	InstallmentMonthly InstallmentType = "monthly"
)

func (t InstallmentType) Valid() bool {
	switch t {
	case InstallmentNone, InstallmentDaily, InstallmentWeekly, InstallmentMonthly:
		return true
	}
	return false
}

// Loan is created once per disbursement. Only Status ever changes, and only
// from Pending to Paid.
type Loan struct {
	ID                LoanID
	CustomerID        CustomerID
	CustomerName      string
	StaffID           StaffID
	Principal         decimal.Decimal
	InterestRate      decimal.Decimal // percent
	InterestAmount    decimal.Decimal
	ServiceCharge     decimal.Decimal
	WelfareFee        decimal.Decimal
	InstallmentCount  int
	InstallmentAmount decimal.Decimal
	InstallmentType   InstallmentType
	LoanDate          time.Time
	DueDate           time.Time
	Status            LoanStatus
	EventID           EventID
	CreatedAt         time.Time
}

// TotalWithInterest is what the customer owes for this loan.
func (l Loan) TotalWithInterest() decimal.Decimal {
	return l.Principal.Add(l.InterestAmount).Add(l.ServiceCharge)
}

// InterestFor computes principal * rate / 100.
func InterestFor(principal, ratePercent decimal.Decimal) decimal.Decimal {
	return principal.Mul(ratePercent).Div(hundred)
}

// =============================================================================
// EVENT - Immutable ledger entry
// =============================================================================

type EventKind string

const (
	EventLoanDisbursed   EventKind = "loan_disbursed"
	EventLoanCollected   EventKind = "loan_collected"
	EventSavingCollected EventKind = "saving_collected"
	EventAdmissionFee    EventKind = "admission_fee"
	EventInvestment      EventKind = "investment"
	EventWithdrawal      EventKind = "withdrawal"
	EventExpense         EventKind = "expense"
	EventCashAdjustment  EventKind = "cash_adjustment"
)

type ExpenseCategory string

const (
	ExpenseSalary    ExpenseCategory = "Salary"
	ExpenseOffice    ExpenseCategory = "Office"
	ExpenseTransport ExpenseCategory = "Transport"
	ExpenseOther     ExpenseCategory = "Other"
)

// ExpenseCategories lists every accepted category in display order.
var ExpenseCategories = []ExpenseCategory{ExpenseSalary, ExpenseOffice, ExpenseTransport, ExpenseOther}

func (c ExpenseCategory) Valid() bool {
	for _, known := range ExpenseCategories {
		if c == known {
			return true
		}
	}
	return false
}

type Direction string

const (
	DirectionAdd      Direction = "add"
	DirectionSubtract Direction = "subtract"
)

func (d Direction) Valid() bool { return d == DirectionAdd || d == DirectionSubtract }

// Event records one committed money movement. Amount is always positive;
// the Kind (and Direction for adjustments) decides the sign of each effect.
//
// For EventLoanDisbursed, Amount is the principal and Interest,
// ServiceCharge and WelfareFee carry the rest of the disbursement.
type Event struct {
	ID            EventID
	Kind          EventKind
	CustomerID    CustomerID
	StaffID       StaffID // actor who recorded the event
	LoanID        LoanID
	Amount        decimal.Decimal
	Interest      decimal.Decimal
	ServiceCharge decimal.Decimal
	WelfareFee    decimal.Decimal
	Category      ExpenseCategory
	Direction     Direction
	Counterparty  string // investor name
	Note          string
	OccurredAt    time.Time
	RecordedAt    time.Time
}

// CashDelta is the signed effect of the event on the cash balance.
func (e Event) CashDelta() decimal.Decimal {
	switch e.Kind {
	case EventLoanDisbursed:
		return e.ServiceCharge.Add(e.WelfareFee).Sub(e.Amount)
	case EventLoanCollected, EventSavingCollected, EventAdmissionFee, EventInvestment:
		return e.Amount
	case EventWithdrawal, EventExpense:
		return e.Amount.Neg()
	case EventCashAdjustment:
		if e.Direction == DirectionSubtract {
			return e.Amount.Neg()
		}
		return e.Amount
	}
	return decimal.Zero
}

// LoanDelta is the signed effect on the customer's remaining loan. For
// disbursements it is also the increase of the customer's total loan.
func (e Event) LoanDelta() decimal.Decimal {
	switch e.Kind {
	case EventLoanDisbursed:
		return e.Amount.Add(e.Interest).Add(e.ServiceCharge)
	case EventLoanCollected:
		return e.Amount.Neg()
	}
	return decimal.Zero
}

// SavingsDelta is the signed effect on the customer's savings balance.
func (e Event) SavingsDelta() decimal.Decimal {
	if e.Kind == EventSavingCollected {
		return e.Amount
	}
	return decimal.Zero
}

// IsCollection reports whether the event is money received from a customer.
func (e Event) IsCollection() bool {
	return e.Kind == EventLoanCollected || e.Kind == EventSavingCollected
}

// =============================================================================
// CASH BALANCE - Process-wide singleton
// =============================================================================

// CashBalance is the single pool of liquid funds. Exactly one exists once
// the store has been bootstrapped.
type CashBalance struct {
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Apply adds delta to the balance in place.
func (cb *CashBalance) Apply(delta decimal.Decimal, at time.Time) {
	cb.Balance = cb.Balance.Add(delta)
	cb.UpdatedAt = at
}

// =============================================================================
// MESSAGE - Admin to staff notification (not financial)
// =============================================================================

type Message struct {
	ID        MessageID
	StaffID   StaffID
	Content   string
	IsRead    bool
	CreatedAt time.Time
}

// =============================================================================
// FILTERS
// =============================================================================

// EventFilter selects events. Zero-valued fields do not filter.
// From is inclusive, To is exclusive.
type EventFilter struct {
	Kinds      []EventKind
	CustomerID CustomerID
	StaffID    StaffID
	From       time.Time
	To         time.Time
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CustomerID != "" && ev.CustomerID != f.CustomerID {
		return false
	}
	if f.StaffID != "" && ev.StaffID != f.StaffID {
		return false
	}
	if !f.From.IsZero() && ev.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !ev.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

type CustomerFilter struct {
	StaffID     StaffID
	NameLike    string
	WithLoan    bool // TotalLoan > 0
	WithBalance bool // RemainingLoan > 0
}

type LoanFilter struct {
	StaffID    StaffID
	CustomerID CustomerID
	Status     LoanStatus
	NameLike   string
}
