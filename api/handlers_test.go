/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Login and bearer token enforcement
- The money flow end to end (investment, customer, loan, collections)
- Error mapping (validation, role, ownership, insufficient funds, overpayment)
- Staff scoping of lists
- Messages and ledger verification
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fieldledger/microledger/api"
	"github.com/fieldledger/microledger/config"
	"github.com/fieldledger/microledger/identity"
	"github.com/fieldledger/microledger/ledger"
	"github.com/fieldledger/microledger/ledger/store"
	"github.com/fieldledger/microledger/report"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type suite struct {
	t      *testing.T
	router *chi.Mux

	adminToken string
	aliceToken string
	bobToken   string
	bobID      string
}

func newSuite(t *testing.T) *suite {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	engine := ledger.NewEngine(mem)
	_, err := engine.Bootstrap(ctx)
	require.NoError(t, err)

	tokens := identity.NewTokenService(config.AuthConfig{Secret: "test-secret", Issuer: "microledger", TokenTTL: time.Hour})
	ids := identity.NewService(mem, tokens, identity.WithHasher(identity.NewHasher(bcrypt.MinCost)))
	_, err = ids.Seed(ctx, []config.SeedAccount{
		{Name: "Admin", Email: "admin@example.com", Password: "admin123", Role: "admin"},
		{Name: "Alice", Email: "alice@example.com", Password: "alice123", Role: "staff"},
		{Name: "Bob", Email: "bob@example.com", Password: "bob12345", Role: "staff"},
	})
	require.NoError(t, err)

	h := api.NewHandler(api.Deps{
		Engine:   engine,
		Reports:  report.NewReporter(mem, report.WithLocation(time.UTC), report.WithMessages(mem)),
		Identity: ids,
		Store:    mem,
	})
	s := &suite{t: t, router: api.NewRouter(h, api.RouterOptions{})}

	s.adminToken, _ = s.login("admin@example.com", "admin123")
	s.aliceToken, _ = s.login("alice@example.com", "alice123")
	s.bobToken, s.bobID = s.login("bob@example.com", "bob12345")
	return s
}

func (s *suite) login(email, password string) (token, staffID string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/login", "", api.LoginRequest{Email: email, Password: password})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.LoginResponse](s.t, rec)
	return resp.Token, resp.Staff.ID
}

func (s *suite) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func eq(t *testing.T, want string, got decimal.Decimal, what string) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "%s: want %s, got %s", what, want, got)
}

// fund invests capital and registers one customer for alice.
func (s *suite) fund(investment string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/cash/investments", s.adminToken, map[string]any{"investor": "Founder", "amount": investment})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/customers", s.aliceToken, map[string]any{"name": "Rahima", "member_no": "7", "admission_fee": "50"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.ReceiptDTO](s.t, rec).Customer.ID
}

// =============================================================================
// AUTH
// =============================================================================

func TestLogin(t *testing.T) {
	s := newSuite(t)

	t.Run("wrong password", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/login", "", api.LoginRequest{Email: "admin@example.com", Password: "nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown email reads the same", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/login", "", api.LoginRequest{Email: "ghost@example.com", Password: "admin123"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed email", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/login", "", api.LoginRequest{Email: "admin", Password: "admin123"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decode[api.ErrorResponse](t, rec)
		require.Len(t, resp.Fields, 1)
		assert.Equal(t, "email", resp.Fields[0].Field)
	})
}

func TestAuthenticate_RequiresBearerToken(t *testing.T) {
	s := newSuite(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/dashboard", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/dashboard", "garbage", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/dashboard", s.aliceToken, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
}

// unreachableStore is a memory store whose connection check always fails.
type unreachableStore struct {
	*store.Memory
}

func (unreachableStore) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth_ReportsUnreachableStore(t *testing.T) {
	// GIVEN: a handler over a store that cannot be reached
	mem := store.NewMemory()
	engine := ledger.NewEngine(mem)
	h := api.NewHandler(api.Deps{
		Engine:  engine,
		Reports: report.NewReporter(mem, report.WithLocation(time.UTC)),
		Store:   unreachableStore{Memory: mem},
	})
	router := api.NewRouter(h, api.RouterOptions{})

	// WHEN: the health endpoint is called
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	// THEN: it answers 503 instead of ok
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[map[string]string](t, rec)["status"])
}

// =============================================================================
// MONEY FLOW
// =============================================================================

func TestLoanLifecycle(t *testing.T) {
	// GIVEN: 10000 invested and a customer with a 50 admission fee
	s := newSuite(t)
	custID := s.fund("10000")

	// WHEN: A 1000 loan at 10% with 20 service charge and 10 welfare fee is disbursed
	rec := s.do(http.MethodPost, "/api/loans", s.adminToken, map[string]any{
		"customer_id":       custID,
		"principal":         "1000",
		"interest_rate":     "10",
		"service_charge":    "20",
		"welfare_fee":       "10",
		"loan_date":         "2025-03-02",
		"installment_count": 10,
		"installment_type":  "weekly",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	disbursed := decode[api.ReceiptDTO](t, rec)

	// THEN: Cash moves by fees minus principal and the customer owes principal + interest + service
	eq(t, "9080", disbursed.CashBalance, "cash after disbursement")
	require.NotNil(t, disbursed.Loan)
	assert.Equal(t, "2025-03-02", disbursed.Loan.LoanDate)
	assert.Equal(t, "Pending", disbursed.Loan.Status)
	eq(t, "112", disbursed.Loan.InstallmentAmount, "installment amount")
	eq(t, "1120", disbursed.Customer.RemainingLoan, "remaining loan")
	require.NotNil(t, disbursed.Event.Interest)
	eq(t, "100", *disbursed.Event.Interest, "interest")

	// WHEN: Alice collects an installment
	rec = s.do(http.MethodPost, "/api/customers/"+custID+"/loan-collections", s.aliceToken, map[string]any{"amount": 100})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	collected := decode[api.ReceiptDTO](t, rec)
	eq(t, "9180", collected.CashBalance, "cash after collection")
	eq(t, "1020", collected.Customer.RemainingLoan, "remaining after collection")
	assert.Nil(t, collected.Event.Interest)

	// WHEN: A collection exceeds what is owed
	rec = s.do(http.MethodPost, "/api/customers/"+custID+"/loan-collections", s.aliceToken, map[string]any{"amount": "2000"})

	// THEN: 409 with the balances needed to correct it
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[api.ErrorResponse](t, rec)
	require.NotNil(t, conflict.RemainingLoan)
	require.NotNil(t, conflict.CashBalance)
	eq(t, "1020", *conflict.RemainingLoan, "remaining in error")
	eq(t, "9180", *conflict.CashBalance, "cash in error")

	// WHEN: The loan is marked paid twice
	rec = s.do(http.MethodPost, "/api/loans/"+disbursed.Loan.ID+"/paid", s.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Paid", decode[api.ReceiptDTO](t, rec).Loan.Status)
	rec = s.do(http.MethodPost, "/api/loans/"+disbursed.Loan.ID+"/paid", s.adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// THEN: The aggregates still agree with the event log
	rec = s.do(http.MethodGet, "/api/admin/verify", s.adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.VerifyResponse](t, rec).Consistent)
}

func TestCustomerDetail(t *testing.T) {
	s := newSuite(t)
	custID := s.fund("5000")
	rec := s.do(http.MethodPost, "/api/customers/"+custID+"/saving-collections", s.aliceToken, map[string]any{"amount": "40"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/customers/"+custID, s.aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[api.CustomerDetailDTO](t, rec)
	eq(t, "40", detail.SavingsBalance, "savings")
	assert.Empty(t, detail.Loans)
	require.Len(t, detail.Events, 2)
	assert.Equal(t, string(ledger.EventAdmissionFee), detail.Events[0].Kind)
	assert.Equal(t, string(ledger.EventSavingCollected), detail.Events[1].Kind)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/customers/"+custID, s.bobToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/customers/missing", s.adminToken, nil).Code)
}

func TestCollections_StaffScoping(t *testing.T) {
	s := newSuite(t)
	custID := s.fund("5000")

	// Bob may not collect from Alice's customer
	rec := s.do(http.MethodPost, "/api/customers/"+custID+"/saving-collections", s.bobToken, map[string]any{"amount": "10"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Bob's list is empty, Alice sees her customer, admin sees everyone
	assert.Empty(t, decode[[]api.CustomerDTO](t, s.do(http.MethodGet, "/api/customers", s.bobToken, nil)))
	assert.Len(t, decode[[]api.CustomerDTO](t, s.do(http.MethodGet, "/api/customers", s.aliceToken, nil)), 1)
	assert.Len(t, decode[[]api.CustomerDTO](t, s.do(http.MethodGet, "/api/customers", s.adminToken, nil)), 1)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	s := newSuite(t)
	custID := s.fund("1000")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"staff cannot disburse", http.MethodPost, "/api/loans", s.aliceToken, map[string]any{"customer_id": custID, "principal": "10"}, http.StatusForbidden},
		{"staff cannot see cash", http.MethodGet, "/api/cash", s.aliceToken, nil, http.StatusForbidden},
		{"staff cannot verify", http.MethodGet, "/api/admin/verify", s.aliceToken, nil, http.StatusForbidden},
		{"zero amount", http.MethodPost, "/api/customers/" + custID + "/saving-collections", s.aliceToken, map[string]any{"amount": "0"}, http.StatusBadRequest},
		{"negative investment", http.MethodPost, "/api/cash/investments", s.adminToken, map[string]any{"investor": "X", "amount": "-5"}, http.StatusBadRequest},
		{"unknown category", http.MethodPost, "/api/expenses", s.adminToken, map[string]any{"category": "Food", "amount": "5"}, http.StatusBadRequest},
		{"bad direction", http.MethodPost, "/api/cash/adjustments", s.adminToken, map[string]any{"direction": "sideways", "amount": "5"}, http.StatusBadRequest},
		{"bad loan date", http.MethodPost, "/api/loans", s.adminToken, map[string]any{"customer_id": custID, "principal": "10", "loan_date": "03/02/2025"}, http.StatusBadRequest},
		{"unknown customer", http.MethodPost, "/api/loans", s.adminToken, map[string]any{"customer_id": "missing", "principal": "10"}, http.StatusNotFound},
		{"not json", http.MethodPost, "/api/expenses", s.adminToken, "{", http.StatusBadRequest},
		{"bad daily date", http.MethodGet, "/api/reports/daily?date=yesterday", s.adminToken, nil, http.StatusBadRequest},
		{"bad month", http.MethodGet, "/api/reports/monthly?year=2025&month=13", s.adminToken, nil, http.StatusBadRequest},
		{"bad period", http.MethodGet, "/api/reports/summary?period=fortnightly", s.adminToken, nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestInsufficientFunds(t *testing.T) {
	// GIVEN: 1050 in cash (1000 invested + 50 admission fee)
	s := newSuite(t)
	s.fund("1000")

	// WHEN: An expense larger than the balance is recorded
	rec := s.do(http.MethodPost, "/api/expenses", s.adminToken, map[string]any{"category": "Office", "amount": "1500"})

	// THEN: 409 with the balance and the shortfall; nothing is written
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)
	require.NotNil(t, resp.Shortfall)
	eq(t, "1050", *resp.CashBalance, "cash balance")
	eq(t, "450", *resp.Shortfall, "shortfall")

	cash := decode[api.CashDTO](t, s.do(http.MethodGet, "/api/cash", s.adminToken, nil))
	eq(t, "1050", cash.Balance, "cash unchanged")
	assert.Equal(t, "BDT", cash.Currency)
}

func TestValidationFields(t *testing.T) {
	s := newSuite(t)

	rec := s.do(http.MethodPost, "/api/admin/staff", s.adminToken, map[string]any{"name": "", "email": "x", "password": "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[api.ErrorResponse](t, rec)

	fields := map[string]bool{}
	for _, f := range resp.Fields {
		fields[f.Field] = true
	}
	assert.Equal(t, map[string]bool{"name": true, "email": true, "password": true}, fields)
}

// =============================================================================
// CASH AND EXPENSES
// =============================================================================

func TestCashEventsAndExpenses(t *testing.T) {
	s := newSuite(t)
	s.fund("2000")

	for _, step := range []struct {
		path string
		body map[string]any
	}{
		{"/api/cash/withdrawals", map[string]any{"investor": "Founder", "amount": "300"}},
		{"/api/cash/adjustments", map[string]any{"direction": "subtract", "amount": "25", "note": "count"}},
		{"/api/expenses", map[string]any{"category": "Transport", "amount": "40"}},
		{"/api/expenses", map[string]any{"category": "Salary", "amount": "60"}},
	} {
		rec := s.do(http.MethodPost, step.path, s.adminToken, step.body)
		require.Equal(t, http.StatusCreated, rec.Code, "%s: %s", step.path, rec.Body.String())
	}

	cash := decode[api.CashDTO](t, s.do(http.MethodGet, "/api/cash", s.adminToken, nil))
	eq(t, "1625", cash.Balance, "cash")

	events := decode[[]api.EventDTO](t, s.do(http.MethodGet, "/api/cash/events", s.adminToken, nil))
	assert.Len(t, events, 3)
	withdrawals := decode[[]api.EventDTO](t, s.do(http.MethodGet, "/api/cash/events?kind=withdrawal", s.adminToken, nil))
	require.Len(t, withdrawals, 1)
	assert.Equal(t, "Founder", withdrawals[0].Investor)

	expenses := decode[api.ExpenseListResponse](t, s.do(http.MethodGet, "/api/expenses", s.adminToken, nil))
	assert.Len(t, expenses.Expenses, 2)
	eq(t, "100", expenses.Total, "expense total")
}

// =============================================================================
// REPORTS
// =============================================================================

func TestReports(t *testing.T) {
	s := newSuite(t)
	custID := s.fund("1000")
	rec := s.do(http.MethodPost, "/api/customers/"+custID+"/saving-collections", s.aliceToken, map[string]any{"amount": "40"})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("summary", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/reports/summary?period=daily", s.aliceToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[map[string]any](t, rec)
		assert.Equal(t, "daily", resp["period"])
		assert.Len(t, resp["collections"], 1)
	})

	t.Run("profit and loss is admin only", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/reports/profit-loss", s.aliceToken, nil).Code)
		assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/reports/profit-loss?period=yearly", s.adminToken, nil).Code)
	})

	t.Run("daily", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/reports/daily", s.adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rep := decode[report.DailyReport](t, rec)
		require.Len(t, rep.Rows, 1)
		eq(t, "40", rep.Rows[0].SavingsCollected, "saving")
	})

	t.Run("monthly", func(t *testing.T) {
		now := time.Now().UTC()
		rec := s.do(http.MethodGet, fmt.Sprintf("/api/reports/monthly?year=%d&month=%d", now.Year(), int(now.Month())), s.adminToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rep := decode[report.MonthlyReport](t, rec)
		eq(t, "90", rep.Total.TotalIncome, "income")
	})

	t.Run("dashboard by role", func(t *testing.T) {
		adminDash := decode[report.Dashboard](t, s.do(http.MethodGet, "/api/dashboard", s.adminToken, nil))
		require.NotNil(t, adminDash.Admin)
		eq(t, "1090", adminDash.Admin.CashBalance, "cash")

		staffDash := decode[report.Dashboard](t, s.do(http.MethodGet, "/api/dashboard", s.aliceToken, nil))
		require.NotNil(t, staffDash.Staff)
		assert.Equal(t, 1, staffDash.Staff.TodayCollections)
	})
}

// =============================================================================
// ADMIN AND MESSAGES
// =============================================================================

func TestStaffAdministration(t *testing.T) {
	s := newSuite(t)

	rec := s.do(http.MethodPost, "/api/admin/staff", s.adminToken, api.CreateStaffRequest{Name: "Carol", Email: "carol@example.com", Password: "carol123"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	carol := decode[api.StaffDTO](t, rec)
	assert.Equal(t, "staff", carol.Role)

	rec = s.do(http.MethodPut, "/api/admin/staff/"+carol.ID, s.adminToken, api.UpdateStaffRequest{Name: "Carol B"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Carol B", decode[api.StaffDTO](t, rec).Name)

	assert.Len(t, decode[[]api.StaffDTO](t, s.do(http.MethodGet, "/api/admin/staff", s.adminToken, nil)), 3)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/admin/staff", s.aliceToken, nil).Code)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/admin/staff/"+carol.ID, s.adminToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/admin/staff/"+carol.ID, s.adminToken, nil).Code)

	// the deleted account can no longer log in
	rec = s.do(http.MethodPost, "/api/login", "", api.LoginRequest{Email: "carol@example.com", Password: "carol123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessages(t *testing.T) {
	s := newSuite(t)

	rec := s.do(http.MethodPost, "/api/messages", s.adminToken, api.SendMessageRequest{StaffID: s.bobID, Content: "Visit ward 4"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[api.MessageDTO](t, rec)
	assert.False(t, msg.IsRead)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/messages", s.bobToken, api.SendMessageRequest{StaffID: s.bobID, Content: "hi"}).Code)
	assert.Empty(t, decode[[]api.MessageDTO](t, s.do(http.MethodGet, "/api/messages", s.aliceToken, nil)))

	inbox := decode[[]api.MessageDTO](t, s.do(http.MethodGet, "/api/messages", s.bobToken, nil))
	require.Len(t, inbox, 1)
	assert.Equal(t, "Visit ward 4", inbox[0].Content)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/messages/"+msg.ID+"/read", s.aliceToken, nil).Code)
	rec = s.do(http.MethodPost, "/api/messages/"+msg.ID+"/read", s.bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.MessageDTO](t, rec).IsRead)
}
