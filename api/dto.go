/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal and travel as JSON strings ("1250.50").
  Requests also accept JSON numbers.

VALIDATION:
  Shape checks (required, email, oneof) are struct tags checked by
  go-playground/validator before the handler runs. Amount rules (> 0, enough
  cash, no overpayment) belong to the ledger engine.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fieldledger/microledger/ledger"
	"github.com/fieldledger/microledger/report"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type CreateCustomerRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	MemberNo     string          `json:"member_no" validate:"max=50"`
	Phone        string          `json:"phone" validate:"max=50"`
	Address      string          `json:"address" validate:"max=500"`
	NationalID   string          `json:"national_id" validate:"max=50"`
	StaffID      string          `json:"staff_id"`
	AdmissionFee decimal.Decimal `json:"admission_fee"`
}

// AmountRequest is the body of a loan or savings collection.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type DisburseLoanRequest struct {
	CustomerID        string          `json:"customer_id" validate:"required"`
	Principal         decimal.Decimal `json:"principal"`
	InterestRate      decimal.Decimal `json:"interest_rate"`
	ServiceCharge     decimal.Decimal `json:"service_charge"`
	WelfareFee        decimal.Decimal `json:"welfare_fee"`
	LoanDate          string          `json:"loan_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate           string          `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	InstallmentCount  int             `json:"installment_count" validate:"gte=0"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	InstallmentType   string          `json:"installment_type" validate:"omitempty,oneof=daily weekly monthly"`
	Note              string          `json:"note" validate:"max=500"`
}

// InvestorRequest records an investment or a withdrawal.
type InvestorRequest struct {
	Investor string          `json:"investor" validate:"required,max=200"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note" validate:"max=500"`
}

type AdjustmentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction" validate:"required,oneof=add subtract"`
	Note      string          `json:"note" validate:"max=500"`
}

type ExpenseRequest struct {
	Category    string          `json:"category" validate:"required,oneof=Salary Office Transport Other"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=500"`
}

type CreateStaffRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"omitempty,oneof=admin staff"`
}

type UpdateStaffRequest struct {
	Name     string `json:"name" validate:"max=200"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"omitempty,min=6"`
}

type SendMessageRequest struct {
	StaffID string `json:"staff_id" validate:"required"`
	Content string `json:"content" validate:"required,max=2000"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response. Guard failures carry
// the balances the client needs to show the user.
type ErrorResponse struct {
	Error         string           `json:"error"`
	Details       string           `json:"details,omitempty"`
	Fields        []FieldError     `json:"fields,omitempty"`
	CashBalance   *decimal.Decimal `json:"cash_balance,omitempty"`
	RemainingLoan *decimal.Decimal `json:"remaining_loan,omitempty"`
	Shortfall     *decimal.Decimal `json:"shortfall,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Staff     StaffDTO  `json:"staff"`
}

type StaffDTO struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func toStaffDTO(s ledger.Staff) StaffDTO {
	return StaffDTO{
		ID:        string(s.ID),
		Name:      s.Name,
		Email:     s.Email,
		Role:      string(s.Role),
		CreatedAt: s.CreatedAt,
	}
}

type CustomerDTO struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	StaffID        string          `json:"staff_id"`
	MemberNo       string          `json:"member_no,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Address        string          `json:"address,omitempty"`
	NationalID     string          `json:"national_id,omitempty"`
	TotalLoan      decimal.Decimal `json:"total_loan"`
	RemainingLoan  decimal.Decimal `json:"remaining_loan"`
	SavingsBalance decimal.Decimal `json:"savings_balance"`
	AdmissionFee   decimal.Decimal `json:"admission_fee"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		ID:             string(c.ID),
		Name:           c.Name,
		StaffID:        string(c.StaffID),
		MemberNo:       c.MemberNo,
		Phone:          c.Phone,
		Address:        c.Address,
		NationalID:     c.NationalID,
		TotalLoan:      c.TotalLoan,
		RemainingLoan:  c.RemainingLoan,
		SavingsBalance: c.SavingsBalance,
		AdmissionFee:   c.AdmissionFee,
		CreatedAt:      c.CreatedAt,
	}
}

// CustomerDetailDTO is a customer with their loans and ledger history.
type CustomerDetailDTO struct {
	CustomerDTO
	Loans  []LoanDTO  `json:"loans"`
	Events []EventDTO `json:"events"`
}

type LoanDTO struct {
	ID                string          `json:"id"`
	CustomerID        string          `json:"customer_id"`
	CustomerName      string          `json:"customer_name"`
	StaffID           string          `json:"staff_id"`
	Principal         decimal.Decimal `json:"principal"`
	InterestRate      decimal.Decimal `json:"interest_rate"`
	InterestAmount    decimal.Decimal `json:"interest_amount"`
	ServiceCharge     decimal.Decimal `json:"service_charge"`
	WelfareFee        decimal.Decimal `json:"welfare_fee"`
	TotalWithInterest decimal.Decimal `json:"total_with_interest"`
	InstallmentCount  int             `json:"installment_count"`
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	InstallmentType   string          `json:"installment_type,omitempty"`
	LoanDate          string          `json:"loan_date"`
	DueDate           string          `json:"due_date,omitempty"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

func toLoanDTO(l ledger.Loan) LoanDTO {
	dto := LoanDTO{
		ID:                string(l.ID),
		CustomerID:        string(l.CustomerID),
		CustomerName:      l.CustomerName,
		StaffID:           string(l.StaffID),
		Principal:         l.Principal,
		InterestRate:      l.InterestRate,
		InterestAmount:    l.InterestAmount,
		ServiceCharge:     l.ServiceCharge,
		WelfareFee:        l.WelfareFee,
		TotalWithInterest: l.TotalWithInterest(),
		InstallmentCount:  l.InstallmentCount,
		InstallmentAmount: l.InstallmentAmount,
		InstallmentType:   string(l.InstallmentType),
		LoanDate:          l.LoanDate.Format(dateLayout),
		Status:            string(l.Status),
		CreatedAt:         l.CreatedAt,
	}
	if !l.DueDate.IsZero() {
		dto.DueDate = l.DueDate.Format(dateLayout)
	}
	return dto
}

type EventDTO struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind"`
	CustomerID    string           `json:"customer_id,omitempty"`
	StaffID       string           `json:"staff_id"`
	LoanID        string           `json:"loan_id,omitempty"`
	Amount        decimal.Decimal  `json:"amount"`
	Interest      *decimal.Decimal `json:"interest,omitempty"`
	ServiceCharge *decimal.Decimal `json:"service_charge,omitempty"`
	WelfareFee    *decimal.Decimal `json:"welfare_fee,omitempty"`
	Category      string           `json:"category,omitempty"`
	Direction     string           `json:"direction,omitempty"`
	Investor      string           `json:"investor,omitempty"`
	Note          string           `json:"note,omitempty"`
	CashDelta     decimal.Decimal  `json:"cash_delta"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

func toEventDTO(ev ledger.Event) EventDTO {
	dto := EventDTO{
		ID:         string(ev.ID),
		Kind:       string(ev.Kind),
		CustomerID: string(ev.CustomerID),
		StaffID:    string(ev.StaffID),
		LoanID:     string(ev.LoanID),
		Amount:     ev.Amount,
		Category:   string(ev.Category),
		Direction:  string(ev.Direction),
		Investor:   ev.Counterparty,
		Note:       ev.Note,
		CashDelta:  ev.CashDelta(),
		OccurredAt: ev.OccurredAt,
	}
	if ev.Kind == ledger.EventLoanDisbursed {
		interest, service, welfare := ev.Interest, ev.ServiceCharge, ev.WelfareFee
		dto.Interest, dto.ServiceCharge, dto.WelfareFee = &interest, &service, &welfare
	}
	return dto
}

func toEventDTOs(events []ledger.Event) []EventDTO {
	out := make([]EventDTO, len(events))
	for i, ev := range events {
		out[i] = toEventDTO(ev)
	}
	return out
}

type CashDTO struct {
	Balance   decimal.Decimal `json:"balance"`
	Formatted string          `json:"formatted"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReceiptDTO is returned by every money-moving operation.
type ReceiptDTO struct {
	Event       *EventDTO       `json:"event,omitempty"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Customer    *CustomerDTO    `json:"customer,omitempty"`
	Loan        *LoanDTO        `json:"loan,omitempty"`
}

func toReceiptDTO(r *ledger.Receipt) ReceiptDTO {
	dto := ReceiptDTO{CashBalance: r.CashBalance.Balance}
	if r.Event.ID != "" {
		ev := toEventDTO(r.Event)
		dto.Event = &ev
	}
	if r.Customer != nil {
		c := toCustomerDTO(*r.Customer)
		dto.Customer = &c
	}
	if r.Loan != nil {
		l := toLoanDTO(*r.Loan)
		dto.Loan = &l
	}
	return dto
}

type MessageDTO struct {
	ID        string    `json:"id"`
	StaffID   string    `json:"staff_id"`
	Content   string    `json:"content"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

func toMessageDTO(m ledger.Message) MessageDTO {
	return MessageDTO{
		ID:        string(m.ID),
		StaffID:   string(m.StaffID),
		Content:   m.Content,
		IsRead:    m.IsRead,
		CreatedAt: m.CreatedAt,
	}
}

// SummaryResponse adds the derived totals and the collection list to a
// report summary.
type SummaryResponse struct {
	*report.Summary
	Income      decimal.Decimal `json:"income"`
	Outflow     decimal.Decimal `json:"outflow"`
	Net         decimal.Decimal `json:"net"`
	Collections []EventDTO      `json:"collections"`
}

func toSummaryResponse(s *report.Summary) SummaryResponse {
	return SummaryResponse{
		Summary:     s,
		Income:      s.Income(),
		Outflow:     s.Outflow(),
		Net:         s.Net(),
		Collections: toEventDTOs(s.Collections),
	}
}

type ExpenseListResponse struct {
	Window   report.Window   `json:"window"`
	Total    decimal.Decimal `json:"total"`
	Expenses []EventDTO      `json:"expenses"`
}

type VerifyResponse struct {
	Consistent    bool     `json:"consistent"`
	Discrepancies []string `json:"discrepancies"`
}
