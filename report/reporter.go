/*
Package report aggregates ledger events into financial summaries.

PURPOSE:
  Read-only views over the event log and the customer aggregates: period
  summaries, profit/loss, the daily collection sheet, the monthly day-by-day
  statement and the dashboards. Nothing here writes to the store.

KEY CONCEPTS:
  Window:  Half-open [Start, End) range, resolved from a Period and a clock
  Totals:  Fold of events into income/outflow buckets
  Scoping: Staff actors only ever see events they recorded themselves

INCOME AND OUTFLOW:
  income  = loan collections + savings collections + service charges
            + welfare fees + admission fees
  outflow = principal disbursed + investor withdrawals + expenses
  net     = income - outflow

  Investments and cash adjustments move the cash balance but are capital,
  not profit, so they are reported separately.

DETERMINISM:
  Same window over an unchanged ledger yields identical output: events come
  back in (OccurredAt, insertion) order and every map is emitted sorted.

SEE ALSO:
  - window.go: Period resolution
  - monthly.go: Day-by-day statement
  - ledger/types.go: Event kinds and deltas
*/
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldledger/microledger/ledger"
)

// =============================================================================
// REPORTER
// =============================================================================

type Reporter struct {
	store    ledger.Reader
	messages ledger.MessageStore
	policy   ledger.Policy
	now      func() time.Time
	loc      *time.Location
	log      *zap.Logger
}

type Option func(*Reporter)

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithLocation sets the time zone in which days and months begin.
func WithLocation(loc *time.Location) Option {
	return func(r *Reporter) { r.loc = loc }
}

func WithPolicy(p ledger.Policy) Option {
	return func(r *Reporter) { r.policy = p }
}

// WithMessages enables the unread-message count on the staff dashboard.
func WithMessages(m ledger.MessageStore) Option {
	return func(r *Reporter) { r.messages = m }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Reporter) { r.log = log }
}

func NewReporter(store ledger.Reader, opts ...Option) *Reporter {
	r := &Reporter{
		store:  store,
		policy: ledger.DefaultPolicy,
		now:    time.Now,
		loc:    time.Local,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reporter) clock() time.Time {
	return r.now().In(r.loc)
}

// Location returns the time zone reports are computed in.
func (r *Reporter) Location() *time.Location { return r.loc }

// Now returns the reporter's clock in its location.
func (r *Reporter) Now() time.Time { return r.clock() }

// =============================================================================
// TOTALS
// =============================================================================

// Totals buckets events by what they mean for the field office.
type Totals struct {
	LoanCollected      decimal.Decimal                            `json:"loan_collected"`
	SavingsCollected   decimal.Decimal                            `json:"savings_collected"`
	Disbursed          decimal.Decimal                            `json:"disbursed"`
	InterestCharged    decimal.Decimal                            `json:"interest_charged"`
	ServiceCharges     decimal.Decimal                            `json:"service_charges"`
	WelfareFees        decimal.Decimal                            `json:"welfare_fees"`
	AdmissionFees      decimal.Decimal                            `json:"admission_fees"`
	Investments        decimal.Decimal                            `json:"investments"`
	Withdrawals        decimal.Decimal                            `json:"withdrawals"`
	Expenses           decimal.Decimal                            `json:"expenses"`
	ExpensesByCategory map[ledger.ExpenseCategory]decimal.Decimal `json:"expenses_by_category"`
	CashAdjustments    decimal.Decimal                            `json:"cash_adjustments"` // net, signed
	Events             int                                        `json:"events"`
}

func newTotals() Totals {
	t := Totals{
		LoanCollected:      decimal.Zero,
		SavingsCollected:   decimal.Zero,
		Disbursed:          decimal.Zero,
		InterestCharged:    decimal.Zero,
		ServiceCharges:     decimal.Zero,
		WelfareFees:        decimal.Zero,
		AdmissionFees:      decimal.Zero,
		Investments:        decimal.Zero,
		Withdrawals:        decimal.Zero,
		Expenses:           decimal.Zero,
		ExpensesByCategory: make(map[ledger.ExpenseCategory]decimal.Decimal, len(ledger.ExpenseCategories)),
		CashAdjustments:    decimal.Zero,
	}
	for _, c := range ledger.ExpenseCategories {
		t.ExpensesByCategory[c] = decimal.Zero
	}
	return t
}

func (t *Totals) add(ev ledger.Event) {
	t.Events++
	switch ev.Kind {
	case ledger.EventLoanCollected:
		t.LoanCollected = t.LoanCollected.Add(ev.Amount)
	case ledger.EventSavingCollected:
		t.SavingsCollected = t.SavingsCollected.Add(ev.Amount)
	case ledger.EventLoanDisbursed:
		t.Disbursed = t.Disbursed.Add(ev.Amount)
		t.InterestCharged = t.InterestCharged.Add(ev.Interest)
		t.ServiceCharges = t.ServiceCharges.Add(ev.ServiceCharge)
		t.WelfareFees = t.WelfareFees.Add(ev.WelfareFee)
	case ledger.EventAdmissionFee:
		t.AdmissionFees = t.AdmissionFees.Add(ev.Amount)
	case ledger.EventInvestment:
		t.Investments = t.Investments.Add(ev.Amount)
	case ledger.EventWithdrawal:
		t.Withdrawals = t.Withdrawals.Add(ev.Amount)
	case ledger.EventExpense:
		t.Expenses = t.Expenses.Add(ev.Amount)
		t.ExpensesByCategory[ev.Category] = t.ExpensesByCategory[ev.Category].Add(ev.Amount)
	case ledger.EventCashAdjustment:
		t.CashAdjustments = t.CashAdjustments.Add(ev.CashDelta())
	}
}

func totalsOf(events []ledger.Event) Totals {
	t := newTotals()
	for _, ev := range events {
		t.add(ev)
	}
	return t
}

// Collected is loan installments plus savings deposits.
func (t Totals) Collected() decimal.Decimal {
	return t.LoanCollected.Add(t.SavingsCollected)
}

// Fees is service charges plus welfare fees plus admission fees.
func (t Totals) Fees() decimal.Decimal {
	return t.ServiceCharges.Add(t.WelfareFees).Add(t.AdmissionFees)
}

func (t Totals) Income() decimal.Decimal {
	return t.Collected().Add(t.Fees())
}

func (t Totals) Outflow() decimal.Decimal {
	return t.Disbursed.Add(t.Withdrawals).Add(t.Expenses)
}

func (t Totals) Net() decimal.Decimal {
	return t.Income().Sub(t.Outflow())
}

// =============================================================================
// SUMMARY
// =============================================================================

// Query selects the window and collector for a summary.
type Query struct {
	Period  Period
	From    time.Time
	To      time.Time
	StaffID ledger.StaffID // empty means all collectors; forced for staff
}

type Summary struct {
	Period  Period         `json:"period"`
	Window  Window         `json:"window"`
	StaffID ledger.StaffID `json:"staff_id,omitempty"`
	Totals
	Collections []ledger.Event `json:"-"`
}

// Summary totals every event in the query window. With a staff ID, only
// collections that staff member recorded and the other events of customers
// they own are counted. Staff actors are always limited to themselves.
func (r *Reporter) Summary(ctx context.Context, actor ledger.Actor, q Query) (*Summary, error) {
	if err := r.policy.Authorize(actor, ledger.OpViewSummary); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		q.StaffID = actor.StaffID
	}
	w, err := WindowFor(q.Period, r.clock(), q.From, q.To)
	if err != nil {
		return nil, err
	}
	if q.Period == "" {
		q.Period = PeriodDaily
	}
	return r.summarize(ctx, q.Period, w, q.StaffID)
}

// ProfitLoss reports income against outflow for the current calendar month
// (PeriodCalendarMonth or PeriodMonthly) or year (PeriodYearly).
func (r *Reporter) ProfitLoss(ctx context.Context, actor ledger.Actor, p Period) (*Summary, error) {
	if err := r.policy.Authorize(actor, ledger.OpViewProfitLoss); err != nil {
		return nil, err
	}
	now := r.clock()
	var w Window
	switch p {
	case PeriodYearly:
		w = YearWindow(now.Year(), r.loc)
	case PeriodMonthly, PeriodCalendarMonth, "":
		p = PeriodCalendarMonth
		w = MonthWindow(now.Year(), now.Month(), r.loc)
	default:
		return nil, invalidPeriod(p)
	}
	return r.summarize(ctx, p, w, "")
}

func (r *Reporter) summarize(ctx context.Context, p Period, w Window, staffID ledger.StaffID) (*Summary, error) {
	events, err := r.store.Events(ctx, w.Filter())
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewSummary, Err: err}
	}
	if staffID != "" {
		if events, err = r.scopeToStaff(ctx, events, staffID); err != nil {
			return nil, err
		}
	}

	s := &Summary{Period: p, Window: w, StaffID: staffID, Totals: totalsOf(events)}
	for _, ev := range events {
		if ev.IsCollection() {
			s.Collections = append(s.Collections, ev)
		}
	}
	r.log.Debug("summary computed",
		zap.String("period", string(p)),
		zap.String("window", w.String()),
		zap.Int("events", s.Events))
	return s, nil
}

// scopeToStaff keeps the collections recorded by staffID and every other
// customer event of a customer staffID owns.
func (r *Reporter) scopeToStaff(ctx context.Context, events []ledger.Event, staffID ledger.StaffID) ([]ledger.Event, error) {
	customers, err := r.store.Customers(ctx, ledger.CustomerFilter{StaffID: staffID})
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewSummary, Err: err}
	}
	owned := make(map[ledger.CustomerID]bool, len(customers))
	for _, c := range customers {
		owned[c.ID] = true
	}

	var scoped []ledger.Event
	for _, ev := range events {
		switch {
		case ev.IsCollection():
			if ev.StaffID == staffID {
				scoped = append(scoped, ev)
			}
		case ev.CustomerID != "" && owned[ev.CustomerID]:
			scoped = append(scoped, ev)
		}
	}
	return scoped, nil
}
