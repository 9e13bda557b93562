/*
engine.go - Balance engine: the only writer of the ledger

PURPOSE:
  Executes every money-moving operation as one atomic unit of work:

    authorize -> load aggregates -> guards -> append event -> update aggregates

  Either the event and every aggregate change commit together, or nothing
  changes at all.

CONSERVATION:
  Every operation applies exactly Event.CashDelta() to the cash balance and
  Event.LoanDelta()/SavingsDelta() to the customer. Because the aggregate
  updates are derived from the event being appended, replaying the events
  (projection.go) always reproduces the stored aggregates.

CASH BALANCE:
  The singleton is created by Bootstrap() at startup. Operations load it
  from the store and fail with ErrNotBootstrapped when it is missing.

LOGGING:
  Committed operations are logged at info, guard rejections at warn and
  storage failures at error.

SEE ALSO:
  - guards.go: Precondition checks
  - policy.go: Role table consulted before each operation
  - projection.go: Verify and Rebuild
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  TxStore
	policy Policy
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid generation for events, customers and loans.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: DefaultPolicy,
		now:    time.Now,
		newID:  uuid.NewString,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the permission table the engine enforces.
func (e *Engine) Policy() Policy { return e.policy }

// Receipt is the result of a committed operation.
type Receipt struct {
	Event       Event
	CashBalance CashBalance
	Customer    *Customer
	Loan        *Loan
}

// =============================================================================
// BOOTSTRAP
// =============================================================================

// Bootstrap creates the cash balance singleton with a zero balance if it
// does not exist yet. Safe to call on every start.
func (e *Engine) Bootstrap(ctx context.Context) (CashBalance, error) {
	var cb CashBalance
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		cb, err = s.InitCashBalance(ctx)
		return err
	})
	if err != nil {
		return CashBalance{}, &StorageError{Operation: "bootstrap", Err: err}
	}
	e.log.Info("cash balance ready", zap.String("balance", cb.Balance.String()))
	return cb, nil
}

// =============================================================================
// LOANS
// =============================================================================

type DisburseLoanInput struct {
	CustomerID        CustomerID
	Principal         decimal.Decimal
	InterestRate      decimal.Decimal // percent
	ServiceCharge     decimal.Decimal
	WelfareFee        decimal.Decimal
	LoanDate          time.Time // defaults to now
	DueDate           time.Time
	InstallmentCount  int
	InstallmentAmount decimal.Decimal // defaults to total / count
	InstallmentType   InstallmentType
	Note              string
}

// DisburseLoan pays principal out of the cash pool and books the loan
// against the customer. Only the principal is checked against cash; the
// service charge and welfare fee are received in the same step.
func (e *Engine) DisburseLoan(ctx context.Context, actor Actor, in DisburseLoanInput) (*Receipt, error) {
	op := OpDisburseLoan
	return e.run(ctx, actor, op, func(s Store, now time.Time) (*Receipt, error) {
		if err := requirePositive("principal", in.Principal); err != nil {
			return nil, err
		}
		if err := requireNonNegative("interest rate", in.InterestRate); err != nil {
			return nil, err
		}
		if err := requireNonNegative("service charge", in.ServiceCharge); err != nil {
			return nil, err
		}
		if err := requireNonNegative("welfare fee", in.WelfareFee); err != nil {
			return nil, err
		}
		if in.InstallmentCount < 0 {
			return nil, fmt.Errorf("installment count %d: %w", in.InstallmentCount, ErrInvalidInput)
		}
		if !in.InstallmentType.Valid() {
			return nil, fmt.Errorf("installment type %q: %w", in.InstallmentType, ErrInvalidInput)
		}

		cust, err := s.Customer(ctx, in.CustomerID)
		if err != nil {
			return nil, err
		}
		cash, err := s.CashBalance(ctx)
		if err != nil {
			return nil, err
		}
		if err := requireCash(op, cash, in.Principal); err != nil {
			return nil, err
		}

		ev := e.newEvent(EventLoanDisbursed, actor, now)
		ev.CustomerID = cust.ID
		ev.LoanID = LoanID(e.newID())
		ev.Amount = in.Principal
		ev.Interest = InterestFor(in.Principal, in.InterestRate)
		ev.ServiceCharge = in.ServiceCharge
		ev.WelfareFee = in.WelfareFee
		ev.Note = in.Note

		loan := Loan{
			ID:                ev.LoanID,
			CustomerID:        cust.ID,
			CustomerName:      cust.Name,
			StaffID:           cust.StaffID,
			Principal:         in.Principal,
			InterestRate:      in.InterestRate,
			InterestAmount:    ev.Interest,
			ServiceCharge:     in.ServiceCharge,
			WelfareFee:        in.WelfareFee,
			InstallmentCount:  in.InstallmentCount,
			InstallmentAmount: in.InstallmentAmount,
			InstallmentType:   in.InstallmentType,
			LoanDate:          in.LoanDate,
			DueDate:           in.DueDate,
			Status:            LoanPending,
			EventID:           ev.ID,
			CreatedAt:         now,
		}
		if loan.LoanDate.IsZero() {
			loan.LoanDate = now
		}
		if loan.InstallmentAmount.IsZero() && loan.InstallmentCount > 0 {
			loan.InstallmentAmount = loan.TotalWithInterest().
				Div(decimal.NewFromInt(int64(loan.InstallmentCount))).Round(2)
		}

		if err := s.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
		if err := s.PutLoan(ctx, loan); err != nil {
			return nil, err
		}
		if err := applyToCustomer(ctx, s, &cust, ev); err != nil {
			return nil, err
		}
		if err := applyToCash(ctx, s, &cash, ev, now); err != nil {
			return nil, err
		}
		return &Receipt{Event: ev, CashBalance: cash, Customer: &cust, Loan: &loan}, nil
	})
}

// CollectLoan records a loan installment received from a customer.
func (e *Engine) CollectLoan(ctx context.Context, actor Actor, customerID CustomerID, amount decimal.Decimal) (*Receipt, error) {
	op := OpCollectLoan
	return e.run(ctx, actor, op, func(s Store, now time.Time) (*Receipt, error) {
		if err := requirePositive("amount", amount); err != nil {
			return nil, err
		}
		cust, err := s.Customer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if err := requireOwnership(op, actor, cust); err != nil {
			return nil, err
		}
		cash, err := s.CashBalance(ctx)
		if err != nil {
			return nil, err
		}
		if err := requireCollectible(cust, amount, cash); err != nil {
			return nil, err
		}

		ev := e.newEvent(EventLoanCollected, actor, now)
		ev.CustomerID = cust.ID
		ev.Amount = amount
		return e.commitCustomerEvent(ctx, s, cust, cash, ev, now)
	})
}

// MarkLoanPaid closes a loan record. Pending -> Paid is the only transition.
// No money moves, so no event is appended.
func (e *Engine) MarkLoanPaid(ctx context.Context, actor Actor, loanID LoanID) (*Receipt, error) {
	return e.run(ctx, actor, OpMarkLoanPaid, func(s Store, now time.Time) (*Receipt, error) {
		loan, err := s.Loan(ctx, loanID)
		if err != nil {
			return nil, err
		}
		if loan.Status != LoanPending {
			return nil, fmt.Errorf("loan %s is %s: %w", loan.ID, loan.Status, ErrInvalidTransition)
		}
		loan.Status = LoanPaid
		if err := s.PutLoan(ctx, loan); err != nil {
			return nil, err
		}
		cash, err := s.CashBalance(ctx)
		if err != nil {
			return nil, err
		}
		return &Receipt{CashBalance: cash, Loan: &loan}, nil
	})
}

// =============================================================================
// SAVINGS AND CUSTOMERS
// =============================================================================

// CollectSaving records a savings deposit.
func (e *Engine) CollectSaving(ctx context.Context, actor Actor, customerID CustomerID, amount decimal.Decimal) (*Receipt, error) {
	op := OpCollectSaving
	return e.run(ctx, actor, op, func(s Store, now time.Time) (*Receipt, error) {
		if err := requirePositive("amount", amount); err != nil {
			return nil, err
		}
		cust, err := s.Customer(ctx, customerID)
		if err != nil {
			return nil, err
		}
		if err := requireOwnership(op, actor, cust); err != nil {
			return nil, err
		}
		cash, err := s.CashBalance(ctx)
		if err != nil {
			return nil, err
		}

		ev := e.newEvent(EventSavingCollected, actor, now)
		ev.CustomerID = cust.ID
		ev.Amount = amount
		return e.commitCustomerEvent(ctx, s, cust, cash, ev, now)
	})
}

type NewCustomer struct {
	Name         string
	MemberNo     string
	Phone        string
	Address      string
	NationalID   string
	StaffID      StaffID // owner; admins may assign, staff always own
	AdmissionFee decimal.Decimal
}

// AddCustomer registers a customer and receives the admission fee. An
// admission_fee event is appended even for a zero fee so that every
// customer has at least one ledger entry.
func (e *Engine) AddCustomer(ctx context.Context, actor Actor, in NewCustomer) (*Receipt, error) {
	return e.run(ctx, actor, OpAddCustomer, func(s Store, now time.Time) (*Receipt, error) {
		if err := requireText("name", in.Name); err != nil {
			return nil, err
		}
		if err := requireNonNegative("admission fee", in.AdmissionFee); err != nil {
			return nil, err
		}

		owner := actor.StaffID
		if actor.IsAdmin() && in.StaffID != "" {
			if _, err := s.Staff(ctx, in.StaffID); err != nil {
				return nil, err
			}
			owner = in.StaffID
		}
		cash, err := s.CashBalance(ctx)
		if err != nil {
			return nil, err
		}

		cust := Customer{
			ID:             CustomerID(e.newID()),
			Name:           in.Name,
			StaffID:        owner,
			MemberNo:       in.MemberNo,
			Phone:          in.Phone,
			Address:        in.Address,
			NationalID:     in.NationalID,
			TotalLoan:      decimal.Zero,
			RemainingLoan:  decimal.Zero,
			SavingsBalance: decimal.Zero,
			AdmissionFee:   in.AdmissionFee,
			CreatedAt:      now,
		}

		ev := e.newEvent(EventAdmissionFee, actor, now)
		ev.CustomerID = cust.ID
		ev.Amount = in.AdmissionFee
		return e.commitCustomerEvent(ctx, s, cust, cash, ev, now)
	})
}

// =============================================================================
// CASH POOL
// =============================================================================

// RecordInvestment adds investor capital to the cash pool.
func (e *Engine) RecordInvestment(ctx context.Context, actor Actor, investor string, amount decimal.Decimal, note string) (*Receipt, error) {
	return e.run(ctx, actor, OpRecordInvestment, func(s Store, now time.Time) (*Receipt, error) {
		if err := requirePositive("amount", amount); err != nil {
			return nil, err
		}
		ev := e.newEvent(EventInvestment, actor, now)
		ev.Amount = amount
		ev.Counterparty = investor
		ev.Note = note
		return e.commitCashEvent(ctx, s, ev, now)
	})
}

// RecordWithdrawal pays capital back to an investor.
func (e *Engine) RecordWithdrawal(ctx context.Context, actor Actor, investor string, amount decimal.Decimal, note string) (*Receipt, error) {
	op := OpRecordWithdrawal
	return e.run(ctx, actor, op, func(s Store, now time.Time) (*Receipt, error) {
		if err := requirePositive("amount", amount); err != nil {
			return nil, err
		}
		ev := e.newEvent(EventWithdrawal, actor, now)
		ev.Amount = amount
		ev.Counterparty = investor
		ev.Note = note
		return e.commitCashEvent(ctx, s, ev, now)
	})
}

// RecordExpense pays an operating expense out of the cash pool.
func (e *Engine) RecordExpense(ctx context.Context, actor Actor, category ExpenseCategory, amount decimal.Decimal, description string) (*Receipt, error) {
	return e.run(ctx, actor, OpRecordExpense, func(s Store, now time.Time) (*Receipt, error) {
		if !category.Valid() {
			return nil, fmt.Errorf("expense category %q: %w", category, ErrInvalidInput)
		}
		if err := requirePositive("amount", amount); err != nil {
			return nil, err
		}
		ev := e.newEvent(EventExpense, actor, now)
		ev.Amount = amount
		ev.Category = category
		ev.Note = description
		return e.commitCashEvent(ctx, s, ev, now)
	})
}

// AdjustCashBalance corrects the cash pool by hand. The correction is
// recorded as a cash_adjustment event.
func (e *Engine) AdjustCashBalance(ctx context.Context, actor Actor, amount decimal.Decimal, dir Direction, note string) (*Receipt, error) {
	return e.run(ctx, actor, OpAdjustCash, func(s Store, now time.Time) (*Receipt, error) {
		if !dir.Valid() {
			return nil, fmt.Errorf("direction %q: %w", dir, ErrInvalidInput)
		}
		if err := requirePositive("amount", amount); err != nil {
			return nil, err
		}
		ev := e.newEvent(EventCashAdjustment, actor, now)
		ev.Amount = amount
		ev.Direction = dir
		ev.Note = note
		return e.commitCashEvent(ctx, s, ev, now)
	})
}

// =============================================================================
// INTERNALS
// =============================================================================

type txFunc func(s Store, now time.Time) (*Receipt, error)

// run authorizes, executes fn inside one transaction and logs the outcome.
func (e *Engine) run(ctx context.Context, actor Actor, op Operation, fn txFunc) (*Receipt, error) {
	log := e.log.With(zap.String("op", string(op)), zap.String("actor", string(actor.StaffID)))

	if err := e.policy.Authorize(actor, op); err != nil {
		log.Warn("operation denied", zap.Error(err))
		return nil, err
	}

	now := e.now()
	var receipt *Receipt
	err := e.store.WithTx(ctx, func(s Store) error {
		r, err := fn(s, now)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		err = classify(op, err)
		switch {
		case errors.Is(err, ErrStorageFailure):
			log.Error("operation rolled back", zap.Error(err))
		default:
			log.Warn("operation rejected", zap.Error(err))
		}
		return nil, err
	}

	fields := []zap.Field{zap.String("balance", receipt.CashBalance.Balance.String())}
	if receipt.Event.ID != "" {
		fields = append(fields,
			zap.String("event_id", string(receipt.Event.ID)),
			zap.String("kind", string(receipt.Event.Kind)),
			zap.String("amount", receipt.Event.Amount.String()))
	}
	log.Info("operation committed", fields...)
	return receipt, nil
}

// classify leaves domain errors untouched and turns everything else into a
// StorageError.
func classify(op Operation, err error) error {
	var se *StorageError
	switch {
	case errors.As(err, &se),
		IsGuardFailure(err),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrNotBootstrapped),
		errors.Is(err, ErrDuplicate):
		return err
	}
	return &StorageError{Operation: op, Err: err}
}

func (e *Engine) newEvent(kind EventKind, actor Actor, now time.Time) Event {
	return Event{
		ID:            EventID(e.newID()),
		Kind:          kind,
		StaffID:       actor.StaffID,
		Amount:        decimal.Zero,
		Interest:      decimal.Zero,
		ServiceCharge: decimal.Zero,
		WelfareFee:    decimal.Zero,
		OccurredAt:    now,
		RecordedAt:    now,
	}
}

// commitCashEvent appends an event that touches only the cash pool.
func (e *Engine) commitCashEvent(ctx context.Context, s Store, ev Event, now time.Time) (*Receipt, error) {
	cash, err := s.CashBalance(ctx)
	if err != nil {
		return nil, err
	}
	if delta := ev.CashDelta(); delta.IsNegative() {
		if err := requireCash(opFor(ev.Kind), cash, delta.Neg()); err != nil {
			return nil, err
		}
	}
	if err := s.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := applyToCash(ctx, s, &cash, ev, now); err != nil {
		return nil, err
	}
	return &Receipt{Event: ev, CashBalance: cash}, nil
}

// commitCustomerEvent appends an event that touches a customer and the pool.
func (e *Engine) commitCustomerEvent(ctx context.Context, s Store, cust Customer, cash CashBalance, ev Event, now time.Time) (*Receipt, error) {
	if err := s.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}
	if err := applyToCustomer(ctx, s, &cust, ev); err != nil {
		return nil, err
	}
	if err := applyToCash(ctx, s, &cash, ev, now); err != nil {
		return nil, err
	}
	return &Receipt{Event: ev, CashBalance: cash, Customer: &cust}, nil
}

func applyToCustomer(ctx context.Context, s Store, c *Customer, ev Event) error {
	if ev.Kind == EventLoanDisbursed {
		c.TotalLoan = c.TotalLoan.Add(ev.LoanDelta())
	}
	c.RemainingLoan = c.RemainingLoan.Add(ev.LoanDelta())
	c.SavingsBalance = c.SavingsBalance.Add(ev.SavingsDelta())
	return s.PutCustomer(ctx, *c)
}

func applyToCash(ctx context.Context, s Store, cb *CashBalance, ev Event, now time.Time) error {
	cb.Apply(ev.CashDelta(), now)
	return s.PutCashBalance(ctx, *cb)
}

func opFor(kind EventKind) Operation {
	switch kind {
	case EventWithdrawal:
		return OpRecordWithdrawal
	case EventExpense:
		return OpRecordExpense
	case EventCashAdjustment:
		return OpAdjustCash
	case EventLoanDisbursed:
		return OpDisburseLoan
	}
	return Operation(kind)
}
