/*
policy.go - Role-based authorization table

PURPOSE:
  One table decides which role may perform which operation. The engine and
  the reporter consult it exactly once per call, before touching the store.

ROW-LEVEL RULES (not in the table):
  Staff may only collect from customers they own. That check needs the
  customer, so it lives in the engine next to the other guards.

EXAMPLE:
  if err := DefaultPolicy.Authorize(actor, OpCollectLoan); err != nil {
      return err // wraps ErrAccessDenied
  }
*/
package ledger

import "fmt"

// Operation names an authorizable action.
type Operation string

const (
	OpDisburseLoan      Operation = "disburse_loan"
	OpCollectLoan       Operation = "collect_loan"
	OpCollectSaving     Operation = "collect_saving"
	OpAddCustomer       Operation = "add_customer"
	OpRecordInvestment  Operation = "record_investment"
	OpRecordWithdrawal  Operation = "record_withdrawal"
	OpRecordExpense     Operation = "record_expense"
	OpAdjustCash        Operation = "adjust_cash"
	OpMarkLoanPaid      Operation = "mark_loan_paid"
	OpViewSummary       Operation = "view_summary"
	OpViewProfitLoss    Operation = "view_profit_loss"
	OpViewDailyReport   Operation = "view_daily_report"
	OpViewMonthlyReport Operation = "view_monthly_report"
	OpManageStaff       Operation = "manage_staff"
	OpSendMessage       Operation = "send_message"
	OpReadMessages      Operation = "read_messages"
	OpVerifyLedger      Operation = "verify_ledger"
)

// Policy maps an operation to the roles allowed to perform it.
type Policy map[Operation]map[Role]bool

// DefaultPolicy is the field office's standard permission table.
var DefaultPolicy = Policy{
	OpDisburseLoan:      {RoleAdmin: true},
	OpCollectLoan:       {RoleAdmin: true, RoleStaff: true},
	OpCollectSaving:     {RoleAdmin: true, RoleStaff: true},
	OpAddCustomer:       {RoleAdmin: true, RoleStaff: true},
	OpRecordInvestment:  {RoleAdmin: true},
	OpRecordWithdrawal:  {RoleAdmin: true},
	OpRecordExpense:     {RoleAdmin: true},
	OpAdjustCash:        {RoleAdmin: true},
	OpMarkLoanPaid:      {RoleAdmin: true},
	OpViewSummary:       {RoleAdmin: true, RoleStaff: true},
	OpViewProfitLoss:    {RoleAdmin: true},
	OpViewDailyReport:   {RoleAdmin: true},
	OpViewMonthlyReport: {RoleAdmin: true},
	OpManageStaff:       {RoleAdmin: true},
	OpSendMessage:       {RoleAdmin: true},
	OpReadMessages:      {RoleAdmin: true, RoleStaff: true},
	OpVerifyLedger:      {RoleAdmin: true},
}

// Allows reports whether role may perform op. Unknown operations are denied.
func (p Policy) Allows(role Role, op Operation) bool {
	return p[op][role]
}

// Authorize returns an error wrapping ErrAccessDenied when the actor's role
// may not perform op.
func (p Policy) Authorize(actor Actor, op Operation) error {
	if !actor.Role.Valid() {
		return fmt.Errorf("%s: unknown role %q: %w", op, actor.Role, ErrAccessDenied)
	}
	if !p.Allows(actor.Role, op) {
		return fmt.Errorf("%s: role %s: %w", op, actor.Role, ErrAccessDenied)
	}
	return nil
}
