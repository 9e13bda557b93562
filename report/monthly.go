package report

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldledger/microledger/ledger"
)

// =============================================================================
// MONTHLY STATEMENT - One row per calendar day with a running balance
// =============================================================================

// MonthlyDay is one day of the monthly statement.
//
//	income  = savings + installments + welfare + admission + service charge
//	expense = loan given + savings return + expenses
//
// Balance is that day's income minus expense; RunningBalance accumulates it
// from the first of the month.
type MonthlyDay struct {
	Day              int             `json:"day"`
	Date             time.Time       `json:"date"`
	Savings          decimal.Decimal `json:"savings"`
	Installments     decimal.Decimal `json:"installments"`
	WelfareFee       decimal.Decimal `json:"welfare_fee"`
	AdmissionFee     decimal.Decimal `json:"admission_fee"`
	ServiceCharge    decimal.Decimal `json:"service_charge"`
	CapitalSavings   decimal.Decimal `json:"capital_savings"` // installments + savings
	LoanGiven        decimal.Decimal `json:"loan_given"`
	Interest         decimal.Decimal `json:"interest"`
	LoanWithInterest decimal.Decimal `json:"loan_with_interest"` // loan given + interest
	SavingsReturn    decimal.Decimal `json:"savings_return"`     // withdrawals
	Expenses         decimal.Decimal `json:"expenses"`
	TotalIncome      decimal.Decimal `json:"total_income"`
	TotalExpense     decimal.Decimal `json:"total_expense"`
	Balance          decimal.Decimal `json:"balance"`
	RunningBalance   decimal.Decimal `json:"running_balance"`
}

type MonthlyReport struct {
	Year   int          `json:"year"`
	Month  time.Month   `json:"month"`
	Window Window       `json:"window"`
	Days   []MonthlyDay `json:"days"`
	Total  MonthlyDay   `json:"total"` // sums of every column; RunningBalance is the closing value

	// CurrentRemaining is the outstanding loan of every customer today.
	CurrentRemaining decimal.Decimal `json:"current_remaining"`
	// PreviousRemaining is the outstanding loan before the month:
	// current + loan given - installments collected.
	PreviousRemaining decimal.Decimal `json:"previous_remaining"`
}

// Monthly builds the day-by-day statement for a calendar month.
func (r *Reporter) Monthly(ctx context.Context, actor ledger.Actor, year int, month time.Month) (*MonthlyReport, error) {
	if err := r.policy.Authorize(actor, ledger.OpViewMonthlyReport); err != nil {
		return nil, err
	}
	if month < time.January || month > time.December || year < 1 {
		return nil, fmt.Errorf("month %d-%02d: %w", year, int(month), ledger.ErrInvalidInput)
	}
	w := MonthWindow(year, month, r.loc)

	events, err := r.store.Events(ctx, w.Filter())
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewMonthlyReport, Err: err}
	}
	customers, err := r.store.Customers(ctx, ledger.CustomerFilter{})
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewMonthlyReport, Err: err}
	}

	days := w.Days()
	rows := make([]MonthlyDay, len(days))
	for i, d := range days {
		rows[i] = zeroDay(i+1, d)
	}
	for _, ev := range events {
		i := ev.OccurredAt.In(r.loc).Day() - 1
		if i < 0 || i >= len(rows) {
			continue
		}
		rows[i].add(ev)
	}

	rep := &MonthlyReport{Year: year, Month: month, Window: w, Days: rows, Total: zeroDay(0, w.Start)}
	running := decimal.Zero
	for i := range rep.Days {
		day := &rep.Days[i]
		day.finish()
		running = running.Add(day.Balance)
		day.RunningBalance = running
		rep.Total.accumulate(*day)
	}
	rep.Total.RunningBalance = running

	rep.CurrentRemaining = decimal.Zero
	for _, c := range customers {
		rep.CurrentRemaining = rep.CurrentRemaining.Add(c.RemainingLoan)
	}
	rep.PreviousRemaining = rep.CurrentRemaining.
		Add(rep.Total.LoanGiven).
		Sub(rep.Total.Installments)
	return rep, nil
}

func zeroDay(n int, date time.Time) MonthlyDay {
	z := decimal.Zero
	return MonthlyDay{
		Day: n, Date: date,
		Savings: z, Installments: z, WelfareFee: z, AdmissionFee: z, ServiceCharge: z,
		CapitalSavings: z, LoanGiven: z, Interest: z, LoanWithInterest: z,
		SavingsReturn: z, Expenses: z, TotalIncome: z, TotalExpense: z,
		Balance: z, RunningBalance: z,
	}
}

func (d *MonthlyDay) add(ev ledger.Event) {
	switch ev.Kind {
	case ledger.EventSavingCollected:
		d.Savings = d.Savings.Add(ev.Amount)
	case ledger.EventLoanCollected:
		d.Installments = d.Installments.Add(ev.Amount)
	case ledger.EventAdmissionFee:
		d.AdmissionFee = d.AdmissionFee.Add(ev.Amount)
	case ledger.EventLoanDisbursed:
		d.LoanGiven = d.LoanGiven.Add(ev.Amount)
		d.Interest = d.Interest.Add(ev.Interest)
		d.ServiceCharge = d.ServiceCharge.Add(ev.ServiceCharge)
		d.WelfareFee = d.WelfareFee.Add(ev.WelfareFee)
	case ledger.EventWithdrawal:
		d.SavingsReturn = d.SavingsReturn.Add(ev.Amount)
	case ledger.EventExpense:
		d.Expenses = d.Expenses.Add(ev.Amount)
	}
}

// finish derives the computed columns from the raw ones.
func (d *MonthlyDay) finish() {
	d.CapitalSavings = d.Installments.Add(d.Savings)
	d.LoanWithInterest = d.LoanGiven.Add(d.Interest)
	d.TotalIncome = d.CapitalSavings.Add(d.ServiceCharge).Add(d.AdmissionFee).Add(d.WelfareFee)
	d.TotalExpense = d.LoanGiven.Add(d.SavingsReturn).Add(d.Expenses)
	d.Balance = d.TotalIncome.Sub(d.TotalExpense)
}

func (d *MonthlyDay) accumulate(o MonthlyDay) {
	d.Savings = d.Savings.Add(o.Savings)
	d.Installments = d.Installments.Add(o.Installments)
	d.WelfareFee = d.WelfareFee.Add(o.WelfareFee)
	d.AdmissionFee = d.AdmissionFee.Add(o.AdmissionFee)
	d.ServiceCharge = d.ServiceCharge.Add(o.ServiceCharge)
	d.CapitalSavings = d.CapitalSavings.Add(o.CapitalSavings)
	d.LoanGiven = d.LoanGiven.Add(o.LoanGiven)
	d.Interest = d.Interest.Add(o.Interest)
	d.LoanWithInterest = d.LoanWithInterest.Add(o.LoanWithInterest)
	d.SavingsReturn = d.SavingsReturn.Add(o.SavingsReturn)
	d.Expenses = d.Expenses.Add(o.Expenses)
	d.TotalIncome = d.TotalIncome.Add(o.TotalIncome)
	d.TotalExpense = d.TotalExpense.Add(o.TotalExpense)
	d.Balance = d.Balance.Add(o.Balance)
}
