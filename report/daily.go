package report

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldledger/microledger/ledger"
)

// =============================================================================
// DAILY COLLECTION SHEET
// =============================================================================

// DailyRow is one customer's collections on the report day.
type DailyRow struct {
	CustomerID       ledger.CustomerID `json:"customer_id"`
	Name             string            `json:"name"`
	MemberNo         string            `json:"member_no"`
	StaffID          ledger.StaffID    `json:"staff_id"`
	LoanCollected    decimal.Decimal   `json:"loan_collected"`
	SavingsCollected decimal.Decimal   `json:"savings_collected"`
	RemainingLoan    decimal.Decimal   `json:"remaining_loan"`
}

type DailyReport struct {
	Date   time.Time `json:"date"`
	Window Window    `json:"window"`
	Totals
	Rows []DailyRow `json:"rows"`
}

// Daily builds the collection sheet for the calendar day containing day.
// Every customer gets a row, ordered by member number.
func (r *Reporter) Daily(ctx context.Context, actor ledger.Actor, day time.Time) (*DailyReport, error) {
	if err := r.policy.Authorize(actor, ledger.OpViewDailyReport); err != nil {
		return nil, err
	}
	if day.IsZero() {
		day = r.clock()
	}
	w := DayWindow(day.In(r.loc))

	events, err := r.store.Events(ctx, w.Filter())
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewDailyReport, Err: err}
	}
	customers, err := r.store.Customers(ctx, ledger.CustomerFilter{})
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewDailyReport, Err: err}
	}

	type pair struct{ loan, saving decimal.Decimal }
	byCustomer := make(map[ledger.CustomerID]pair)
	for _, ev := range events {
		p, ok := byCustomer[ev.CustomerID]
		if !ok {
			p = pair{loan: decimal.Zero, saving: decimal.Zero}
		}
		switch ev.Kind {
		case ledger.EventLoanCollected:
			p.loan = p.loan.Add(ev.Amount)
		case ledger.EventSavingCollected:
			p.saving = p.saving.Add(ev.Amount)
		default:
			continue
		}
		byCustomer[ev.CustomerID] = p
	}

	rep := &DailyReport{Date: w.Start, Window: w, Totals: totalsOf(events)}
	for _, c := range customers {
		p, ok := byCustomer[c.ID]
		if !ok {
			p = pair{loan: decimal.Zero, saving: decimal.Zero}
		}
		rep.Rows = append(rep.Rows, DailyRow{
			CustomerID:       c.ID,
			Name:             c.Name,
			MemberNo:         c.MemberNo,
			StaffID:          c.StaffID,
			LoanCollected:    p.loan,
			SavingsCollected: p.saving,
			RemainingLoan:    c.RemainingLoan,
		})
	}
	sort.SliceStable(rep.Rows, func(i, j int) bool {
		a, b := rep.Rows[i], rep.Rows[j]
		if a.MemberNo != b.MemberNo {
			return memberLess(a.MemberNo, b.MemberNo)
		}
		return a.CustomerID < b.CustomerID
	})
	return rep, nil
}

// memberLess orders member numbers numerically when both are digits, and
// lexically otherwise. Empty numbers sort last.
func memberLess(a, b string) bool {
	if a == "" || b == "" {
		return b == "" && a != ""
	}
	if isDigits(a) && isDigits(b) {
		x, y := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(x) != len(y) {
			return len(x) < len(y)
		}
		if x != y {
			return x < y
		}
	}
	return a < b
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
