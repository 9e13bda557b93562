package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/microledger/ledger"
	"github.com/fieldledger/microledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	admin = ledger.Actor{StaffID: "admin-1", Role: ledger.RoleAdmin}
	alice = ledger.Actor{StaffID: "staff-alice", Role: ledger.RoleStaff}
	bob   = ledger.Actor{StaffID: "staff-bob", Role: ledger.RoleStaff}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(by time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(by)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%04d", n)
	}
}

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	engine *ledger.Engine
	clock  *fixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clock := &fixedClock{now: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		ctx:   context.Background(),
		store: mem,
		clock: clock,
		engine: ledger.NewEngine(mem,
			ledger.WithClock(clock.Now),
			ledger.WithIDGenerator(sequentialIDs()),
		),
	}
	for _, a := range []ledger.Actor{admin, alice, bob} {
		require.NoError(t, mem.PutStaff(f.ctx, ledger.Staff{
			ID: a.StaffID, Name: string(a.StaffID), Email: string(a.StaffID) + "@example.org", Role: a.Role,
		}))
	}
	_, err := f.engine.Bootstrap(f.ctx)
	require.NoError(t, err)
	return f
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	_, err := f.engine.RecordInvestment(f.ctx, admin, "Founder", d(amount), "seed capital")
	require.NoError(t, err)
}

func (f *fixture) customer(t *testing.T, owner ledger.Actor, name string) ledger.Customer {
	t.Helper()
	r, err := f.engine.AddCustomer(f.ctx, owner, ledger.NewCustomer{Name: name, AdmissionFee: decimal.Zero})
	require.NoError(t, err)
	return *r.Customer
}

func (f *fixture) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	cb, err := f.store.CashBalance(f.ctx)
	require.NoError(t, err)
	return cb.Balance
}

func (f *fixture) reload(t *testing.T, id ledger.CustomerID) ledger.Customer {
	t.Helper()
	c, err := f.store.Customer(f.ctx, id)
	require.NoError(t, err)
	return c
}

func (f *fixture) requireConsistent(t *testing.T) {
	t.Helper()
	drift, err := f.engine.Verify(f.ctx)
	require.NoError(t, err)
	require.Empty(t, drift)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s, got %s", want, got}, msgAndArgs...)...)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_DisburseCollectAndCashMovements(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Rahima")

	// Scenario 1: disbursement
	r, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{
		CustomerID:    cust.ID,
		Principal:     d("500"),
		InterestRate:  d("10"),
		ServiceCharge: d("20"),
		WelfareFee:    d("5"),
	})
	require.NoError(t, err)
	assertDecimal(t, "50", r.Loan.InterestAmount)
	assertDecimal(t, "570", r.Loan.TotalWithInterest())
	assertDecimal(t, "570", r.Customer.TotalLoan)
	assertDecimal(t, "570", r.Customer.RemainingLoan)
	assertDecimal(t, "525", r.CashBalance.Balance)
	assert.Equal(t, ledger.LoanPending, r.Loan.Status)

	// Scenario 2: overpayment rejected, nothing changes
	_, err = f.engine.CollectLoan(f.ctx, alice, cust.ID, d("600"))
	require.ErrorIs(t, err, ledger.ErrOverpaymentRejected)
	var over *ledger.OverpaymentError
	require.ErrorAs(t, err, &over)
	assertDecimal(t, "570", over.Remaining)
	assertDecimal(t, "525", over.CashBalance)
	assertDecimal(t, "570", f.reload(t, cust.ID).RemainingLoan)
	assertDecimal(t, "525", f.cash(t))

	// Scenario 3: partial collection
	r, err = f.engine.CollectLoan(f.ctx, alice, cust.ID, d("200"))
	require.NoError(t, err)
	assertDecimal(t, "370", r.Customer.RemainingLoan)
	assertDecimal(t, "570", r.Customer.TotalLoan)
	assertDecimal(t, "725", r.CashBalance.Balance)
	assert.Equal(t, alice.StaffID, r.Event.StaffID)

	// Scenario 4: expense larger than cash
	_, err = f.engine.RecordExpense(f.ctx, admin, ledger.ExpenseOffice, d("800"), "rent")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	var short *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &short)
	assertDecimal(t, "75", short.Shortfall())
	assertDecimal(t, "725", f.cash(t))

	// Scenario 5: investment then withdrawal
	f.clock.Advance(time.Hour)
	invest, err := f.engine.RecordInvestment(f.ctx, admin, "Karim", d("1000"), "")
	require.NoError(t, err)
	assertDecimal(t, "1725", invest.CashBalance.Balance)

	f.clock.Advance(time.Hour)
	withdraw, err := f.engine.RecordWithdrawal(f.ctx, admin, "Karim", d("200"), "")
	require.NoError(t, err)
	assertDecimal(t, "1525", withdraw.CashBalance.Balance)

	events, err := f.store.Events(f.ctx, ledger.EventFilter{
		Kinds: []ledger.EventKind{ledger.EventInvestment, ledger.EventWithdrawal},
		From:  invest.Event.OccurredAt,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ledger.EventInvestment, events[0].Kind)
	assert.Equal(t, time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC), events[0].OccurredAt)
	assert.Equal(t, ledger.EventWithdrawal, events[1].Kind)
	assert.Equal(t, time.Date(2025, time.March, 10, 11, 0, 0, 0, time.UTC), events[1].OccurredAt)

	f.requireConsistent(t)
}

// =============================================================================
// GUARDS
// =============================================================================

func TestGuards_RejectInvalidAmounts(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "100")
	cust := f.customer(t, alice, "Jamal")

	tests := []struct {
		name string
		call func() error
	}{
		{"zero loan collection", func() error {
			_, err := f.engine.CollectLoan(f.ctx, alice, cust.ID, decimal.Zero)
			return err
		}},
		{"negative saving", func() error {
			_, err := f.engine.CollectSaving(f.ctx, alice, cust.ID, d("-5"))
			return err
		}},
		{"zero principal", func() error {
			_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID})
			return err
		}},
		{"negative service charge", func() error {
			_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{
				CustomerID: cust.ID, Principal: d("10"), ServiceCharge: d("-1"),
			})
			return err
		}},
		{"zero investment", func() error {
			_, err := f.engine.RecordInvestment(f.ctx, admin, "x", decimal.Zero, "")
			return err
		}},
		{"negative withdrawal", func() error {
			_, err := f.engine.RecordWithdrawal(f.ctx, admin, "x", d("-1"), "")
			return err
		}},
		{"negative admission fee", func() error {
			_, err := f.engine.AddCustomer(f.ctx, alice, ledger.NewCustomer{Name: "x", AdmissionFee: d("-1")})
			return err
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.ErrorIs(t, err, ledger.ErrInvalidAmount)
			assert.True(t, ledger.IsGuardFailure(err))
		})
	}
	assertDecimal(t, "100", f.cash(t))
	f.requireConsistent(t)
}

func TestGuards_InvalidInput(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "100")

	_, err := f.engine.RecordExpense(f.ctx, admin, "Lunch", d("10"), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.engine.AdjustCashBalance(f.ctx, admin, d("10"), "sideways", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.engine.AddCustomer(f.ctx, alice, ledger.NewCustomer{Name: ""})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	assertDecimal(t, "100", f.cash(t))
}

func TestDisburseLoan_ChecksPrincipalOnlyAgainstCash(t *testing.T) {
	// GIVEN: cash equal to the principal
	f := newFixture(t)
	f.fund(t, "500")
	cust := f.customer(t, alice, "Nasrin")

	// WHEN: disbursing with fees on top
	r, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{
		CustomerID: cust.ID, Principal: d("500"), InterestRate: d("12"), ServiceCharge: d("10"), WelfareFee: d("5"),
	})

	// THEN: the fees are received in the same step and cash ends at fees only
	require.NoError(t, err)
	assertDecimal(t, "15", r.CashBalance.Balance)

	// AND: one cent more principal is rejected
	_, err = f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d("15.01")})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assertDecimal(t, "15", f.cash(t))
}

func TestDisburseLoan_DefaultsInstallmentAmount(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Selim")

	r, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{
		CustomerID: cust.ID, Principal: d("1000"), InterestRate: d("10"),
		InstallmentCount: 3, InstallmentType: ledger.InstallmentWeekly,
	})
	require.NoError(t, err)
	assertDecimal(t, "366.67", r.Loan.InstallmentAmount)
	assert.Equal(t, f.clock.Now(), r.Loan.LoanDate)
}

func TestDisburseLoan_UnknownCustomer(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "1000")

	_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: "ghost", Principal: d("10")})
	require.ErrorIs(t, err, ledger.ErrNotFound)
	assert.True(t, ledger.IsNotFound(err))
}

func TestCollectLoan_ExactRemainingClearsLoan(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Rahim")
	_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d("100")})
	require.NoError(t, err)

	r, err := f.engine.CollectLoan(f.ctx, alice, cust.ID, d("100"))
	require.NoError(t, err)
	assert.True(t, r.Customer.RemainingLoan.IsZero())
	assertDecimal(t, "100", r.Customer.TotalLoan)

	_, err = f.engine.CollectLoan(f.ctx, alice, cust.ID, d("0.01"))
	require.ErrorIs(t, err, ledger.ErrOverpaymentRejected)
}

func TestCollectSaving_CreditsSavingsAndCash(t *testing.T) {
	f := newFixture(t)
	cust := f.customer(t, alice, "Mina")

	r, err := f.engine.CollectSaving(f.ctx, alice, cust.ID, d("40.50"))
	require.NoError(t, err)
	assertDecimal(t, "40.50", r.Customer.SavingsBalance)
	assertDecimal(t, "40.50", r.CashBalance.Balance)
	assert.True(t, r.Customer.RemainingLoan.IsZero())
}

func TestAddCustomer_AdmissionFeeCreditsCash(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.AddCustomer(f.ctx, alice, ledger.NewCustomer{
		Name: "Shila", MemberNo: "M-7", Phone: "017", AdmissionFee: d("50"),
	})
	require.NoError(t, err)
	assert.Equal(t, alice.StaffID, r.Customer.StaffID)
	assert.Equal(t, ledger.EventAdmissionFee, r.Event.Kind)
	assertDecimal(t, "50", r.CashBalance.Balance)

	// Zero fee still leaves a ledger entry
	r, err = f.engine.AddCustomer(f.ctx, alice, ledger.NewCustomer{Name: "Tariq"})
	require.NoError(t, err)
	events, err := f.store.Events(f.ctx, ledger.EventFilter{CustomerID: r.Customer.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Amount.IsZero())
}

func TestAddCustomer_AdminAssignsOwner(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.AddCustomer(f.ctx, admin, ledger.NewCustomer{Name: "Farid", StaffID: bob.StaffID})
	require.NoError(t, err)
	assert.Equal(t, bob.StaffID, r.Customer.StaffID)

	// Staff cannot assign to someone else
	r, err = f.engine.AddCustomer(f.ctx, alice, ledger.NewCustomer{Name: "Hena", StaffID: bob.StaffID})
	require.NoError(t, err)
	assert.Equal(t, alice.StaffID, r.Customer.StaffID)

	_, err = f.engine.AddCustomer(f.ctx, admin, ledger.NewCustomer{Name: "Ruma", StaffID: "nobody"})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAdjustCashBalance_RecordedAsEvent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "100")

	r, err := f.engine.AdjustCashBalance(f.ctx, admin, d("30"), ledger.DirectionSubtract, "counted short")
	require.NoError(t, err)
	assertDecimal(t, "70", r.CashBalance.Balance)
	assert.Equal(t, ledger.EventCashAdjustment, r.Event.Kind)

	_, err = f.engine.AdjustCashBalance(f.ctx, admin, d("71"), ledger.DirectionSubtract, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	r, err = f.engine.AdjustCashBalance(f.ctx, admin, d("5"), ledger.DirectionAdd, "found")
	require.NoError(t, err)
	assertDecimal(t, "75", r.CashBalance.Balance)

	f.requireConsistent(t)
}

func TestMarkLoanPaid_OneWayTransition(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "100")
	cust := f.customer(t, alice, "Babul")
	r, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d("50")})
	require.NoError(t, err)

	paid, err := f.engine.MarkLoanPaid(f.ctx, admin, r.Loan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LoanPaid, paid.Loan.Status)
	assertDecimal(t, "50", paid.CashBalance.Balance)

	_, err = f.engine.MarkLoanPaid(f.ctx, admin, r.Loan.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = f.engine.MarkLoanPaid(f.ctx, admin, "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMultipleLoans_AccumulateOnCustomer(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Kamal")

	for _, p := range []string{"100", "200"} {
		_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d(p)})
		require.NoError(t, err)
	}
	c := f.reload(t, cust.ID)
	assertDecimal(t, "300", c.TotalLoan)
	assertDecimal(t, "300", c.RemainingLoan)

	loans, err := f.store.Loans(f.ctx, ledger.LoanFilter{CustomerID: cust.ID})
	require.NoError(t, err)
	assert.Len(t, loans, 2)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorization_RoleTable(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Sumi")

	_, err := f.engine.DisburseLoan(f.ctx, alice, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d("10")})
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.engine.RecordExpense(f.ctx, alice, ledger.ExpenseOther, d("1"), "")
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.engine.AdjustCashBalance(f.ctx, alice, d("1"), ledger.DirectionAdd, "")
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.engine.RecordInvestment(f.ctx, ledger.Actor{StaffID: "x", Role: "guest"}, "x", d("1"), "")
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	assertDecimal(t, "1000", f.cash(t))
}

func TestAuthorization_StaffCollectOnlyFromOwnCustomers(t *testing.T) {
	f := newFixture(t)
	cust := f.customer(t, alice, "Parvin")

	_, err := f.engine.CollectSaving(f.ctx, bob, cust.ID, d("10"))
	require.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.engine.CollectSaving(f.ctx, admin, cust.ID, d("10"))
	require.NoError(t, err)
	assertDecimal(t, "10", f.cash(t))
}

func TestPolicy_Allows(t *testing.T) {
	p := ledger.DefaultPolicy
	assert.True(t, p.Allows(ledger.RoleStaff, ledger.OpCollectLoan))
	assert.False(t, p.Allows(ledger.RoleStaff, ledger.OpViewProfitLoss))
	assert.True(t, p.Allows(ledger.RoleAdmin, ledger.OpManageStaff))
	assert.False(t, p.Allows(ledger.RoleAdmin, "launch_rockets"))
}

// =============================================================================
// BOOTSTRAP, ATOMICITY AND STORAGE FAILURE
// =============================================================================

func TestOperations_RequireBootstrap(t *testing.T) {
	mem := store.NewMemory()
	engine := ledger.NewEngine(mem)

	_, err := engine.RecordInvestment(context.Background(), admin, "x", d("1"), "")
	require.ErrorIs(t, err, ledger.ErrNotBootstrapped)

	cb, err := engine.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, cb.Balance.IsZero())

	_, err = engine.RecordInvestment(context.Background(), admin, "x", d("1"), "")
	require.NoError(t, err)

	// Bootstrap again keeps the balance
	cb, err = engine.Bootstrap(context.Background())
	require.NoError(t, err)
	assertDecimal(t, "1", cb.Balance)
}

var errDisk = errors.New("disk full")

// failingStore fails one write method inside every transaction.
type failingStore struct {
	*store.Memory
	failOn string
}

func (f *failingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(&failingTx{Store: s, failOn: f.failOn})
	})
}

type failingTx struct {
	ledger.Store
	failOn string
}

func (f *failingTx) PutCashBalance(ctx context.Context, cb ledger.CashBalance) error {
	if f.failOn == "cash" {
		return errDisk
	}
	return f.Store.PutCashBalance(ctx, cb)
}

func (f *failingTx) PutCustomer(ctx context.Context, c ledger.Customer) error {
	if f.failOn == "customer" {
		return errDisk
	}
	return f.Store.PutCustomer(ctx, c)
}

func TestStorageFailure_RollsBackEventAndAggregates(t *testing.T) {
	// GIVEN: a funded ledger with one borrower
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Latif")
	_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d("300")})
	require.NoError(t, err)
	before, err := f.store.Events(f.ctx, ledger.EventFilter{})
	require.NoError(t, err)

	for _, failOn := range []string{"cash", "customer"} {
		t.Run(failOn, func(t *testing.T) {
			broken := ledger.NewEngine(&failingStore{Memory: f.store, failOn: failOn}, ledger.WithClock(f.clock.Now))

			// WHEN: the write phase fails after the event was appended
			_, err := broken.CollectLoan(f.ctx, alice, cust.ID, d("50"))

			// THEN: StorageFailure, and the event and aggregates are gone
			require.ErrorIs(t, err, ledger.ErrStorageFailure)
			require.ErrorIs(t, err, errDisk)
			assert.False(t, ledger.IsGuardFailure(err))

			after, err := f.store.Events(f.ctx, ledger.EventFilter{})
			require.NoError(t, err)
			assert.Len(t, after, len(before))
			assertDecimal(t, "300", f.reload(t, cust.ID).RemainingLoan)
			assertDecimal(t, "700", f.cash(t))
		})
	}
	f.requireConsistent(t)
}

// =============================================================================
// CONSERVATION AND NON-NEGATIVITY
// =============================================================================

func TestConservation_RandomizedSequence(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "5000")
	custs := []ledger.Customer{
		f.customer(t, alice, "A"),
		f.customer(t, alice, "B"),
		f.customer(t, bob, "C"),
	}
	owners := []ledger.Actor{alice, alice, bob}

	// Deterministic pseudo-random walk, including rejected operations.
	seed := uint32(7)
	next := func(n int) int {
		seed = seed*1664525 + 1013904223
		return int(seed>>16) % n
	}
	for i := 0; i < 300; i++ {
		f.clock.Advance(time.Minute)
		k := next(len(custs))
		amount := decimal.NewFromInt(int64(next(400) + 1))
		switch next(6) {
		case 0:
			_, _ = f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{
				CustomerID: custs[k].ID, Principal: amount, InterestRate: d("10"), ServiceCharge: d("3"), WelfareFee: d("2"),
			})
		case 1, 2:
			_, _ = f.engine.CollectLoan(f.ctx, owners[k], custs[k].ID, amount)
		case 3:
			_, _ = f.engine.CollectSaving(f.ctx, owners[k], custs[k].ID, amount)
		case 4:
			_, _ = f.engine.RecordExpense(f.ctx, admin, ledger.ExpenseTransport, amount, "")
		case 5:
			_, _ = f.engine.RecordWithdrawal(f.ctx, admin, "Founder", amount, "")
		}

		for _, c := range custs {
			assert.False(t, f.reload(t, c.ID).RemainingLoan.IsNegative())
		}
		assert.False(t, f.cash(t).IsNegative())
	}

	events, err := f.store.Events(f.ctx, ledger.EventFilter{})
	require.NoError(t, err)
	proj := ledger.Replay(events)
	assertDecimal(t, proj.Cash.String(), f.cash(t))
	f.requireConsistent(t)
}

func TestRebuild_RepairsDrift(t *testing.T) {
	// GIVEN: aggregates that drifted from the event log
	f := newFixture(t)
	f.fund(t, "1000")
	cust := f.customer(t, alice, "Drift")
	_, err := f.engine.CollectSaving(f.ctx, alice, cust.ID, d("25"))
	require.NoError(t, err)

	c := f.reload(t, cust.ID)
	c.SavingsBalance = d("999")
	require.NoError(t, f.store.PutCustomer(f.ctx, c))
	require.NoError(t, f.store.PutCashBalance(f.ctx, ledger.CashBalance{Balance: d("1")}))

	// WHEN: verifying
	drift, err := f.engine.Verify(f.ctx)
	require.NoError(t, err)

	// THEN: both the cash and the customer field are reported
	require.Len(t, drift, 2)
	assert.Equal(t, "cash_balance", drift[0].Aggregate)
	assertDecimal(t, "1025", drift[0].Replayed)
	assert.Equal(t, "savings_balance", drift[1].Field)

	// AND: rebuild restores the replayed values
	fixed, err := f.engine.Rebuild(f.ctx)
	require.NoError(t, err)
	assert.Len(t, fixed, 2)
	assertDecimal(t, "1025", f.cash(t))
	assertDecimal(t, "25", f.reload(t, cust.ID).SavingsBalance)
	f.requireConsistent(t)
}

func TestConcurrentCollections_NeverOverCollect(t *testing.T) {
	// GIVEN: a loan with 100 remaining
	f := newFixture(t)
	f.fund(t, "100")
	cust := f.customer(t, alice, "Race")
	_, err := f.engine.DisburseLoan(f.ctx, admin, ledger.DisburseLoanInput{CustomerID: cust.ID, Principal: d("100")})
	require.NoError(t, err)

	// WHEN: 20 collectors each try to take 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.CollectLoan(f.ctx, alice, cust.ID, d("10")); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// THEN: exactly ten succeed
	assert.Equal(t, 10, ok)
	assert.True(t, f.reload(t, cust.ID).RemainingLoan.IsZero())
	f.requireConsistent(t)
}
