package report

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/fieldledger/microledger/ledger"
)

// =============================================================================
// DASHBOARDS
// =============================================================================

// AdminDashboard is the office-wide overview.
type AdminDashboard struct {
	StaffCount     int             `json:"staff_count"`
	CustomerCount  int             `json:"customer_count"`
	TotalLoan      decimal.Decimal `json:"total_loan"`
	PendingLoan    decimal.Decimal `json:"pending_loan"` // sum of remaining loans
	TotalSavings   decimal.Decimal `json:"total_savings"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	AdmissionFees  decimal.Decimal `json:"admission_fees"`
	ServiceCharges decimal.Decimal `json:"service_charges"`
	TotalFees      decimal.Decimal `json:"total_fees"`
}

// StaffDashboard is a collector's own overview.
type StaffDashboard struct {
	CustomerCount    int             `json:"customer_count"`
	TotalRemaining   decimal.Decimal `json:"total_remaining"`
	TodayCollections int             `json:"today_collections"`
	UnreadMessages   int             `json:"unread_messages"`
}

// Dashboard carries exactly one of Admin or Staff depending on the role.
type Dashboard struct {
	Role  ledger.Role     `json:"role"`
	Admin *AdminDashboard `json:"admin,omitempty"`
	Staff *StaffDashboard `json:"staff,omitempty"`
}

func (r *Reporter) Dashboard(ctx context.Context, actor ledger.Actor) (*Dashboard, error) {
	if err := r.policy.Authorize(actor, ledger.OpViewSummary); err != nil {
		return nil, err
	}
	if actor.IsAdmin() {
		a, err := r.adminDashboard(ctx)
		if err != nil {
			return nil, &ledger.StorageError{Operation: ledger.OpViewSummary, Err: err}
		}
		return &Dashboard{Role: actor.Role, Admin: a}, nil
	}
	s, err := r.staffDashboard(ctx, actor.StaffID)
	if err != nil {
		return nil, &ledger.StorageError{Operation: ledger.OpViewSummary, Err: err}
	}
	return &Dashboard{Role: actor.Role, Staff: s}, nil
}

func (r *Reporter) adminDashboard(ctx context.Context) (*AdminDashboard, error) {
	staff, err := r.store.ListStaff(ctx, ledger.RoleStaff)
	if err != nil {
		return nil, err
	}
	customers, err := r.store.Customers(ctx, ledger.CustomerFilter{})
	if err != nil {
		return nil, err
	}
	cash, err := r.store.CashBalance(ctx)
	if err != nil {
		return nil, err
	}
	fees, err := r.store.Events(ctx, ledger.EventFilter{
		Kinds: []ledger.EventKind{ledger.EventAdmissionFee, ledger.EventLoanDisbursed},
	})
	if err != nil {
		return nil, err
	}
	t := totalsOf(fees)

	d := &AdminDashboard{
		StaffCount:     len(staff),
		CustomerCount:  len(customers),
		TotalLoan:      decimal.Zero,
		PendingLoan:    decimal.Zero,
		TotalSavings:   decimal.Zero,
		CashBalance:    cash.Balance,
		AdmissionFees:  t.AdmissionFees,
		ServiceCharges: t.ServiceCharges,
		TotalFees:      t.AdmissionFees.Add(t.ServiceCharges),
	}
	for _, c := range customers {
		d.TotalLoan = d.TotalLoan.Add(c.TotalLoan)
		d.PendingLoan = d.PendingLoan.Add(c.RemainingLoan)
		d.TotalSavings = d.TotalSavings.Add(c.SavingsBalance)
	}
	return d, nil
}

func (r *Reporter) staffDashboard(ctx context.Context, staffID ledger.StaffID) (*StaffDashboard, error) {
	customers, err := r.store.Customers(ctx, ledger.CustomerFilter{StaffID: staffID})
	if err != nil {
		return nil, err
	}
	today := DayWindow(r.clock()).Filter()
	today.StaffID = staffID
	today.Kinds = []ledger.EventKind{ledger.EventLoanCollected, ledger.EventSavingCollected}
	collections, err := r.store.Events(ctx, today)
	if err != nil {
		return nil, err
	}

	d := &StaffDashboard{
		CustomerCount:    len(customers),
		TotalRemaining:   decimal.Zero,
		TodayCollections: len(collections),
	}
	for _, c := range customers {
		d.TotalRemaining = d.TotalRemaining.Add(c.RemainingLoan)
	}
	if r.messages != nil {
		msgs, err := r.messages.Messages(ctx, staffID)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !m.IsRead {
				d.UnreadMessages++
			}
		}
	}
	return d, nil
}
