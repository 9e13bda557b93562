/*
handlers.go - HTTP API handlers for the field ledger

PURPOSE:
  Exposes the ledger engine, the reporter and the identity service via a
  REST API. Handles HTTP request/response, JSON serialization, and delegates
  to domain logic. Every rule lives in the ledger; handlers only translate.

ENDPOINTS:
  Health:
    GET    /healthz                            Store reachability (503 when down)

  Auth:
    POST   /api/login                          Email + password -> bearer token

  Customers:
    GET    /api/customers                      List (staff: own customers only)
    POST   /api/customers                      Register + admission fee
    GET    /api/customers/{id}                 Details, loans and history
    POST   /api/customers/{id}/loan-collections    Collect an installment
    POST   /api/customers/{id}/saving-collections  Collect a savings deposit

  Loans:
    GET    /api/loans                          List (status, customer_id, name)
    POST   /api/loans                          Disburse
    POST   /api/loans/{id}/paid                Mark paid

  Cash:
    GET    /api/cash                           Current balance
    GET    /api/cash/events                    Investments, withdrawals, adjustments
    POST   /api/cash/investments               Investor deposit
    POST   /api/cash/withdrawals               Investor withdrawal
    POST   /api/cash/adjustments               Manual correction

  Expenses:
    GET    /api/expenses                       List for a period
    POST   /api/expenses                       Record

  Reports:
    GET    /api/dashboard
    GET    /api/reports/summary                ?period=&from=&to=&staff_id=
    GET    /api/reports/profit-loss            ?period=monthly|yearly
    GET    /api/reports/daily                  ?date=YYYY-MM-DD
    GET    /api/reports/monthly                ?year=&month=

  Admin:
    GET/POST       /api/admin/staff
    PUT/DELETE     /api/admin/staff/{id}
    GET            /api/admin/verify           Replay and compare aggregates
    POST           /api/admin/rebuild          Rewrite aggregates from replay

  Messages:
    GET    /api/messages
    POST   /api/messages
    POST   /api/messages/{id}/read

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid amount or input
  - 401: Missing, invalid or expired token; bad credentials
  - 403: Role or ownership denied
  - 404: Resource not found
  - 409: Insufficient funds, overpayment, invalid transition, duplicate;
         the body carries the current cash balance
  - 500: Storage failure
  - 503: Ledger not bootstrapped

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - auth.go: Bearer token middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fieldledger/microledger/identity"
	"github.com/fieldledger/microledger/ledger"
	"github.com/fieldledger/microledger/logger"
	"github.com/fieldledger/microledger/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services the handlers delegate to.
type Deps struct {
	Engine      *ledger.Engine
	Reports     *report.Reporter
	Identity    *identity.Service
	Store       ledger.Reader
	Currency    string
	MaxBodySize int64
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps
	policy   ledger.Policy
	validate *validator.Validate
}

// NewHandler creates a new handler over the given services.
func NewHandler(d Deps) *Handler {
	if d.Currency == "" {
		d.Currency = report.DefaultCurrency
	}
	if d.MaxBodySize <= 0 {
		d.MaxBodySize = 1 << 20
	}
	return &Handler{Deps: d, policy: d.Engine.Policy(), validate: newValidator()}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Use JSON tag names for field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH
// =============================================================================

// pinger is implemented by stores backed by a connection that can drop.
type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			logger.FromContext(r.Context()).Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AUTH
// =============================================================================

// Login exchanges email and password for a bearer token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	sess, err := h.Identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     sess.Token.Value,
		TokenType: sess.Token.Type,
		ExpiresAt: sess.Token.ExpiresAt,
		Staff:     toStaffDTO(sess.Staff),
	})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns customers ordered by name. Staff see only their own.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	q := r.URL.Query()
	f := ledger.CustomerFilter{
		StaffID:     ledger.StaffID(q.Get("staff_id")),
		NameLike:    q.Get("name"),
		WithLoan:    q.Get("with_loan") == "true",
		WithBalance: q.Get("with_balance") == "true",
	}
	if !actor.IsAdmin() {
		f.StaffID = actor.StaffID
	}
	customers, err := h.Store.Customers(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpViewSummary, err))
		return
	}
	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer registers a customer and books the admission fee.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.AddCustomer(r.Context(), actorFrom(r.Context()), ledger.NewCustomer{
		Name:         req.Name,
		MemberNo:     req.MemberNo,
		Phone:        req.Phone,
		Address:      req.Address,
		NationalID:   req.NationalID,
		StaffID:      ledger.StaffID(req.StaffID),
		AdmissionFee: req.AdmissionFee,
	})
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

// GetCustomer returns a customer with their loans and ledger history.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	id := ledger.CustomerID(chi.URLParam(r, "id"))

	c, err := h.Store.Customer(ctx, id)
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpViewSummary, err))
		return
	}
	if !actor.IsAdmin() && c.StaffID != actor.StaffID {
		h.writeDomainError(w, r, fmt.Errorf("customer %s: %w", id, ledger.ErrAccessDenied))
		return
	}
	loans, err := h.Store.Loans(ctx, ledger.LoanFilter{CustomerID: id})
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpViewSummary, err))
		return
	}
	events, err := h.Store.Events(ctx, ledger.EventFilter{CustomerID: id})
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpViewSummary, err))
		return
	}

	dto := CustomerDetailDTO{CustomerDTO: toCustomerDTO(c), Loans: make([]LoanDTO, len(loans)), Events: toEventDTOs(events)}
	for i, l := range loans {
		dto.Loans[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dto)
}

// CollectLoan records an installment against the customer's remaining loan.
func (h *Handler) CollectLoan(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.CustomerID(chi.URLParam(r, "id"))
	rec, err := h.Engine.CollectLoan(r.Context(), actorFrom(r.Context()), id, req.Amount)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

// CollectSaving records a savings deposit.
func (h *Handler) CollectSaving(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.CustomerID(chi.URLParam(r, "id"))
	rec, err := h.Engine.CollectSaving(r.Context(), actorFrom(r.Context()), id, req.Amount)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	q := r.URL.Query()
	f := ledger.LoanFilter{
		StaffID:    ledger.StaffID(q.Get("staff_id")),
		CustomerID: ledger.CustomerID(q.Get("customer_id")),
		Status:     ledger.LoanStatus(q.Get("status")),
		NameLike:   q.Get("name"),
	}
	if !actor.IsAdmin() {
		f.StaffID = actor.StaffID
	}
	loans, err := h.Store.Loans(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpViewSummary, err))
		return
	}
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DisburseLoan pays out a new loan.
func (h *Handler) DisburseLoan(w http.ResponseWriter, r *http.Request) {
	var req DisburseLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	loc := h.Reports.Location()
	in := ledger.DisburseLoanInput{
		CustomerID:        ledger.CustomerID(req.CustomerID),
		Principal:         req.Principal,
		InterestRate:      req.InterestRate,
		ServiceCharge:     req.ServiceCharge,
		WelfareFee:        req.WelfareFee,
		InstallmentCount:  req.InstallmentCount,
		InstallmentAmount: req.InstallmentAmount,
		InstallmentType:   ledger.InstallmentType(req.InstallmentType),
		Note:              req.Note,
	}
	// datetime tags already checked the layout
	if req.LoanDate != "" {
		in.LoanDate, _ = time.ParseInLocation(dateLayout, req.LoanDate, loc)
	}
	if req.DueDate != "" {
		in.DueDate, _ = time.ParseInLocation(dateLayout, req.DueDate, loc)
	}
	rec, err := h.Engine.DisburseLoan(r.Context(), actorFrom(r.Context()), in)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

func (h *Handler) MarkLoanPaid(w http.ResponseWriter, r *http.Request) {
	id := ledger.LoanID(chi.URLParam(r, "id"))
	rec, err := h.Engine.MarkLoanPaid(r.Context(), actorFrom(r.Context()), id)
	h.writeReceipt(w, r, http.StatusOK, rec, err)
}

// =============================================================================
// CASH HANDLERS
// =============================================================================

func (h *Handler) GetCash(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ledger.OpAdjustCash) {
		return
	}
	cb, err := h.Store.CashBalance(r.Context())
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpAdjustCash, err))
		return
	}
	writeJSON(w, http.StatusOK, CashDTO{
		Balance:   cb.Balance,
		Formatted: report.FormatAmount(cb.Balance, h.Currency),
		Currency:  h.Currency,
		UpdatedAt: cb.UpdatedAt,
	})
}

// ListCashEvents lists investments, withdrawals and adjustments, optionally
// narrowed by ?kind= and a report period.
func (h *Handler) ListCashEvents(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ledger.OpAdjustCash) {
		return
	}
	f := ledger.EventFilter{Kinds: []ledger.EventKind{ledger.EventInvestment, ledger.EventWithdrawal, ledger.EventCashAdjustment}}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		f.Kinds = []ledger.EventKind{ledger.EventKind(kind)}
	}
	if r.URL.Query().Get("period") != "" {
		win, err := h.window(r)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		f.From, f.To = win.Start, win.End
	}
	events, err := h.Store.Events(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpAdjustCash, err))
		return
	}
	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

func (h *Handler) RecordInvestment(w http.ResponseWriter, r *http.Request) {
	var req InvestorRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.RecordInvestment(r.Context(), actorFrom(r.Context()), req.Investor, req.Amount, req.Note)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

func (h *Handler) RecordWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req InvestorRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.RecordWithdrawal(r.Context(), actorFrom(r.Context()), req.Investor, req.Amount, req.Note)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

func (h *Handler) AdjustCash(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.AdjustCashBalance(r.Context(), actorFrom(r.Context()), req.Amount, ledger.Direction(req.Direction), req.Note)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

// ListExpenses returns the expenses of a period (default: this calendar month).
func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ledger.OpRecordExpense) {
		return
	}
	if r.URL.Query().Get("period") == "" {
		q := r.URL.Query()
		q.Set("period", string(report.PeriodCalendarMonth))
		r.URL.RawQuery = q.Encode()
	}
	win, err := h.window(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	f := win.Filter()
	f.Kinds = []ledger.EventKind{ledger.EventExpense}
	events, err := h.Store.Events(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, storageError(ledger.OpRecordExpense, err))
		return
	}
	total := decimal.Zero
	for _, ev := range events {
		total = total.Add(ev.Amount)
	}
	writeJSON(w, http.StatusOK, ExpenseListResponse{Window: win, Total: total, Expenses: toEventDTOs(events)})
}

func (h *Handler) RecordExpense(w http.ResponseWriter, r *http.Request) {
	var req ExpenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.Engine.RecordExpense(r.Context(), actorFrom(r.Context()), ledger.ExpenseCategory(req.Category), req.Amount, req.Description)
	h.writeReceipt(w, r, http.StatusCreated, rec, err)
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.Reports.Dashboard(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := h.parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	s, err := h.Reports.Summary(r.Context(), actorFrom(r.Context()), report.Query{
		Period:  report.Period(q.Get("period")),
		From:    from,
		To:      to,
		StaffID: ledger.StaffID(q.Get("staff_id")),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(s))
}

func (h *Handler) ProfitLoss(w http.ResponseWriter, r *http.Request) {
	s, err := h.Reports.ProfitLoss(r.Context(), actorFrom(r.Context()), report.Period(r.URL.Query().Get("period")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryResponse(s))
}

func (h *Handler) DailyReport(w http.ResponseWriter, r *http.Request) {
	var day time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		var err error
		if day, err = time.ParseInLocation(dateLayout, raw, h.Reports.Location()); err != nil {
			h.writeDomainError(w, r, fmt.Errorf("date %q: %w", raw, ledger.ErrInvalidInput))
			return
		}
	}
	rep, err := h.Reports.Daily(r.Context(), actorFrom(r.Context()), day)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// MonthlyReport defaults to the current month.
func (h *Handler) MonthlyReport(w http.ResponseWriter, r *http.Request) {
	now := h.Reports.Now()
	year, month := now.Year(), int(now.Month())
	q := r.URL.Query()
	var err error
	if raw := q.Get("year"); raw != "" {
		if year, err = strconv.Atoi(raw); err != nil {
			h.writeDomainError(w, r, fmt.Errorf("year %q: %w", raw, ledger.ErrInvalidInput))
			return
		}
	}
	if raw := q.Get("month"); raw != "" {
		if month, err = strconv.Atoi(raw); err != nil {
			h.writeDomainError(w, r, fmt.Errorf("month %q: %w", raw, ledger.ErrInvalidInput))
			return
		}
	}
	rep, err := h.Reports.Monthly(r.Context(), actorFrom(r.Context()), year, time.Month(month))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListStaff(w http.ResponseWriter, r *http.Request) {
	list, err := h.Identity.ListStaff(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]StaffDTO, len(list))
	for i, s := range list {
		dtos[i] = toStaffDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	var req CreateStaffRequest
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.Identity.CreateStaff(r.Context(), actorFrom(r.Context()), identity.NewStaff{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Role:     ledger.Role(req.Role),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStaffDTO(st))
}

func (h *Handler) UpdateStaff(w http.ResponseWriter, r *http.Request) {
	var req UpdateStaffRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := ledger.StaffID(chi.URLParam(r, "id"))
	st, err := h.Identity.UpdateStaff(r.Context(), actorFrom(r.Context()), id, identity.StaffUpdate{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStaffDTO(st))
}

func (h *Handler) DeleteStaff(w http.ResponseWriter, r *http.Request) {
	id := ledger.StaffID(chi.URLParam(r, "id"))
	if err := h.Identity.DeleteStaff(r.Context(), actorFrom(r.Context()), id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify replays the event log and reports every aggregate that disagrees.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ledger.OpVerifyLedger) {
		return
	}
	diffs, err := h.Engine.Verify(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerifyResponse(diffs))
}

// Rebuild rewrites the aggregates from the event log and returns what it
// repaired.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, ledger.OpVerifyLedger) {
		return
	}
	diffs, err := h.Engine.Rebuild(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Warn("aggregates rebuilt", zap.Int("repaired", len(diffs)))
	writeJSON(w, http.StatusOK, toVerifyResponse(diffs))
}

func toVerifyResponse(diffs []ledger.Discrepancy) VerifyResponse {
	resp := VerifyResponse{Consistent: len(diffs) == 0, Discrepancies: make([]string, len(diffs))}
	for i, d := range diffs {
		resp.Discrepancies[i] = d.String()
	}
	return resp
}

// =============================================================================
// MESSAGE HANDLERS
// =============================================================================

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Identity.Messages(r.Context(), actorFrom(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]MessageDTO, len(msgs))
	for i, m := range msgs {
		dtos[i] = toMessageDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.Identity.SendMessage(r.Context(), actorFrom(r.Context()), ledger.StaffID(req.StaffID), req.Content)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageDTO(m))
}

func (h *Handler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	id := ledger.MessageID(chi.URLParam(r, "id"))
	m, err := h.Identity.MarkMessageRead(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageDTO(m))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads and validates a JSON body. It writes the 400 itself and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, h.MaxBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		resp := ErrorResponse{Error: "Request validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Fields = append(resp.Fields, FieldError{Field: fe.Field(), Message: validationMessage(fe)})
			}
		} else {
			resp.Details = err.Error()
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "min":
		return "Must be at least " + fe.Param() + " characters"
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	case "oneof":
		return "Must be one of: " + fe.Param()
	case "datetime":
		return "Must be a date formatted " + fe.Param()
	case "gte":
		return "Must be greater than or equal to " + fe.Param()
	}
	return "Invalid value"
}

// authorize checks the policy for handlers that read the store directly.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, op ledger.Operation) bool {
	if err := h.policy.Authorize(actorFrom(r.Context()), op); err != nil {
		h.writeDomainError(w, r, err)
		return false
	}
	return true
}

// window resolves ?period=&from=&to= against the reporter's clock.
func (h *Handler) window(r *http.Request) (report.Window, error) {
	q := r.URL.Query()
	from, to, err := h.parseRange(q.Get("from"), q.Get("to"))
	if err != nil {
		return report.Window{}, err
	}
	return report.WindowFor(report.Period(q.Get("period")), h.Reports.Now(), from, to)
}

// parseRange parses optional YYYY-MM-DD bounds. The end date is inclusive
// for callers, so it is moved to the following midnight.
func (h *Handler) parseRange(fromRaw, toRaw string) (from, to time.Time, err error) {
	loc := h.Reports.Location()
	if fromRaw != "" {
		if from, err = time.ParseInLocation(dateLayout, fromRaw, loc); err != nil {
			return from, to, fmt.Errorf("from %q: %w", fromRaw, ledger.ErrInvalidInput)
		}
	}
	if toRaw != "" {
		if to, err = time.ParseInLocation(dateLayout, toRaw, loc); err != nil {
			return from, to, fmt.Errorf("to %q: %w", toRaw, ledger.ErrInvalidInput)
		}
		to = to.AddDate(0, 0, 1)
	}
	return from, to, nil
}

func (h *Handler) writeReceipt(w http.ResponseWriter, r *http.Request, status int, rec *ledger.Receipt, err error) {
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, toReceiptDTO(rec))
}

// writeDomainError maps ledger and identity errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		insufficient *ledger.InsufficientFundsError
		overpay      *ledger.OverpaymentError
	)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "Unauthorized", err)

	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid input", err)

	case errors.Is(err, ledger.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "Access denied", err)

	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)

	case errors.As(err, &insufficient):
		available, shortfall := insufficient.Available, insufficient.Shortfall()
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:       "Insufficient funds",
			Details:     err.Error(),
			CashBalance: &available,
			Shortfall:   &shortfall,
		})

	case errors.As(err, &overpay):
		cash, remaining := overpay.CashBalance, overpay.Remaining
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:         "Overpayment rejected",
			Details:       err.Error(),
			CashBalance:   &cash,
			RemainingLoan: &remaining,
		})

	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, ledger.ErrDuplicate):
		resp := ErrorResponse{Error: "Conflict", Details: err.Error()}
		if cb, cerr := h.Store.CashBalance(r.Context()); cerr == nil {
			resp.CashBalance = &cb.Balance
		}
		writeJSON(w, http.StatusConflict, resp)

	case errors.Is(err, ledger.ErrNotBootstrapped):
		writeError(w, http.StatusServiceUnavailable, "Ledger not initialized", err)

	default:
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func storageError(op ledger.Operation, err error) error {
	if ledger.IsNotFound(err) || errors.Is(err, ledger.ErrNotBootstrapped) {
		return err
	}
	return &ledger.StorageError{Operation: op, Err: err}
}

type actorKey struct{}

func withActor(ctx context.Context, a ledger.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// actorFrom returns the authenticated caller. Routes behind Authenticate
// always have one; the zero Actor fails every policy check.
func actorFrom(ctx context.Context) ledger.Actor {
	a, _ := ctx.Value(actorKey{}).(ledger.Actor)
	return a
}
