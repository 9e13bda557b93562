/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable persistence for the field ledger: the append-only events table
  plus the cached aggregates (customers, loans, the cash balance singleton),
  staff accounts and staff messages.

INTERFACES IMPLEMENTED:
  ledger.TxStore:      Events, aggregates, staff
  ledger.MessageStore: Staff notifications

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the events table in this package
  - Triggers abort any UPDATE or DELETE that reaches the table anyway
  - Corrections are new events (cash_adjustment), never edits

KEY TABLES:
  events:       Immutable ledger of every money movement
  cash_balance: Exactly one row, enforced by CHECK (id = 1)
  customers:    Per-customer running totals (projection of events)
  loans:        Disbursement records with Pending/Paid status
  staff:        Accounts (unique email, case-insensitive)
  messages:     Admin to staff notifications

ENCODING:
  Money is stored as TEXT (decimal string) to avoid float rounding.
  Times are stored as fixed-width UTC TEXT so lexical order is time order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole unit of work, which makes the engine a single writer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). Every statement is idempotent.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldledger/microledger/ledger"
)

// timeLayout is fixed width so that TEXT comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore and ledger.MessageStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.TxStore      = (*Store)(nil)
	_ ledger.MessageStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store, err := Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an existing handle and migrates the schema.
func Open(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (append-only ledger)
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		customer_id TEXT,
		staff_id TEXT,
		loan_id TEXT,
		amount TEXT NOT NULL,
		interest TEXT NOT NULL,
		service_charge TEXT NOT NULL,
		welfare_fee TEXT NOT NULL,
		category TEXT,
		direction TEXT,
		counterparty TEXT,
		note TEXT,
		occurred_at TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_occurred_at
		ON events(occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_customer_date
		ON events(customer_id, occurred_at) WHERE customer_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_staff_date
		ON events(staff_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_events_kind
		ON events(kind);

	CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
	BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;

	-- Cash balance singleton
	CREATE TABLE IF NOT EXISTS cash_balance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Staff
	CREATE TABLE IF NOT EXISTS staff (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin', 'staff')),
		created_at TEXT NOT NULL
	);

	-- Customers (projection of events)
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		staff_id TEXT,
		member_no TEXT,
		phone TEXT,
		address TEXT,
		national_id TEXT,
		total_loan TEXT NOT NULL,
		remaining_loan TEXT NOT NULL,
		savings_balance TEXT NOT NULL,
		admission_fee TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_staff
		ON customers(staff_id);

	-- Loans
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		customer_name TEXT NOT NULL,
		staff_id TEXT,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		service_charge TEXT NOT NULL,
		welfare_fee TEXT NOT NULL,
		installment_count INTEGER NOT NULL DEFAULT 0,
		installment_amount TEXT NOT NULL,
		installment_type TEXT,
		loan_date TEXT NOT NULL,
		due_date TEXT,
		status TEXT NOT NULL CHECK (status IN ('Pending', 'Paid')),
		event_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_customer
		ON loans(customer_id);
	CREATE INDEX IF NOT EXISTS idx_loans_staff_status
		ON loans(staff_id, status);

	-- Messages
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		staff_id TEXT NOT NULL,
		content TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_staff
		ON messages(staff_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
// fn's error is returned unchanged so callers can match domain errors.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every operation against one querier. Store methods take the
// lock and use the pool; WithTx hands fn a conn bound to the transaction.
type conn struct {
	q querier
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (s *Store) pool() conn { return conn{q: s.db} }

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().AppendEvent(ctx, ev)
}

func (s *Store) Events(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Events(ctx, f)
}

func (s *Store) CashBalance(ctx context.Context) (ledger.CashBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().CashBalance(ctx)
}

func (s *Store) InitCashBalance(ctx context.Context) (ledger.CashBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().InitCashBalance(ctx)
}

func (s *Store) PutCashBalance(ctx context.Context, cb ledger.CashBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().PutCashBalance(ctx, cb)
}

func (s *Store) Customer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Customer(ctx, id)
}

func (s *Store) Customers(ctx context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Customers(ctx, f)
}

func (s *Store) PutCustomer(ctx context.Context, c ledger.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().PutCustomer(ctx, c)
}

func (s *Store) Loan(ctx context.Context, id ledger.LoanID) (ledger.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Loan(ctx, id)
}

func (s *Store) Loans(ctx context.Context, f ledger.LoanFilter) ([]ledger.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Loans(ctx, f)
}

func (s *Store) PutLoan(ctx context.Context, l ledger.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().PutLoan(ctx, l)
}

func (s *Store) Staff(ctx context.Context, id ledger.StaffID) (ledger.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Staff(ctx, id)
}

func (s *Store) StaffByEmail(ctx context.Context, email string) (ledger.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().StaffByEmail(ctx, email)
}

func (s *Store) ListStaff(ctx context.Context, role ledger.Role) ([]ledger.Staff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().ListStaff(ctx, role)
}

func (s *Store) PutStaff(ctx context.Context, st ledger.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().PutStaff(ctx, st)
}

func (s *Store) DeleteStaff(ctx context.Context, id ledger.StaffID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().DeleteStaff(ctx, id)
}

func (s *Store) PutMessage(ctx context.Context, m ledger.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool().PutMessage(ctx, m)
}

func (s *Store) Message(ctx context.Context, id ledger.MessageID) (ledger.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Message(ctx, id)
}

func (s *Store) Messages(ctx context.Context, staffID ledger.StaffID) ([]ledger.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool().Messages(ctx, staffID)
}

// =============================================================================
// EVENTS
// =============================================================================

const eventColumns = `id, kind, customer_id, staff_id, loan_id, amount, interest,
	service_charge, welfare_fee, category, direction, counterparty, note,
	occurred_at, recorded_at`

func (c conn) AppendEvent(ctx context.Context, ev ledger.Event) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.ID),
		string(ev.Kind),
		nullString(string(ev.CustomerID)),
		nullString(string(ev.StaffID)),
		nullString(string(ev.LoanID)),
		ev.Amount.String(),
		ev.Interest.String(),
		ev.ServiceCharge.String(),
		ev.WelfareFee.String(),
		nullString(string(ev.Category)),
		nullString(string(ev.Direction)),
		nullString(ev.Counterparty),
		nullString(ev.Note),
		formatTime(ev.OccurredAt),
		formatTime(ev.RecordedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("event %s: %w", ev.ID, ledger.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (c conn) Events(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, string(f.CustomerID))
	}
	if f.StaffID != "" {
		where = append(where, "staff_id = ?")
		args = append(args, string(f.StaffID))
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, formatTime(f.To))
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, seq"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var result []ledger.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		ev                                      ledger.Event
		id, kind                                string
		customerID, staffID, loanID             sql.NullString
		category, direction, counterparty, note sql.NullString
		occurredAt, recordedAt                  string
	)
	err := rows.Scan(&id, &kind, &customerID, &staffID, &loanID,
		&ev.Amount, &ev.Interest, &ev.ServiceCharge, &ev.WelfareFee,
		&category, &direction, &counterparty, &note, &occurredAt, &recordedAt)
	if err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.ID = ledger.EventID(id)
	ev.Kind = ledger.EventKind(kind)
	ev.CustomerID = ledger.CustomerID(customerID.String)
	ev.StaffID = ledger.StaffID(staffID.String)
	ev.LoanID = ledger.LoanID(loanID.String)
	ev.Category = ledger.ExpenseCategory(category.String)
	ev.Direction = ledger.Direction(direction.String)
	ev.Counterparty = counterparty.String
	ev.Note = note.String
	if ev.OccurredAt, err = parseTime(occurredAt); err != nil {
		return ev, err
	}
	if ev.RecordedAt, err = parseTime(recordedAt); err != nil {
		return ev, err
	}
	return ev, nil
}

// =============================================================================
// CASH BALANCE
// =============================================================================

func (c conn) CashBalance(ctx context.Context) (ledger.CashBalance, error) {
	var (
		cb        ledger.CashBalance
		updatedAt string
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM cash_balance WHERE id = 1`,
	).Scan(&cb.Balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cb, ledger.ErrNotBootstrapped
	}
	if err != nil {
		return cb, fmt.Errorf("failed to read cash balance: %w", err)
	}
	cb.UpdatedAt, err = parseTime(updatedAt)
	return cb, err
}

func (c conn) InitCashBalance(ctx context.Context) (ledger.CashBalance, error) {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO cash_balance (id, balance, updated_at) VALUES (1, '0', ?)
		ON CONFLICT(id) DO NOTHING`,
		formatTime(time.Now()),
	)
	if err != nil {
		return ledger.CashBalance{}, fmt.Errorf("failed to create cash balance: %w", err)
	}
	return c.CashBalance(ctx)
}

func (c conn) PutCashBalance(ctx context.Context, cb ledger.CashBalance) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE cash_balance SET balance = ?, updated_at = ? WHERE id = 1`,
		cb.Balance.String(), formatTime(cb.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update cash balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotBootstrapped
	}
	return nil
}

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `id, name, staff_id, member_no, phone, address, national_id,
	total_loan, remaining_loan, savings_balance, admission_fee, created_at`

func (c conn) PutCustomer(ctx context.Context, cu ledger.Customer) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			staff_id = excluded.staff_id,
			member_no = excluded.member_no,
			phone = excluded.phone,
			address = excluded.address,
			national_id = excluded.national_id,
			total_loan = excluded.total_loan,
			remaining_loan = excluded.remaining_loan,
			savings_balance = excluded.savings_balance,
			admission_fee = excluded.admission_fee`,
		string(cu.ID),
		cu.Name,
		nullString(string(cu.StaffID)),
		nullString(cu.MemberNo),
		nullString(cu.Phone),
		nullString(cu.Address),
		nullString(cu.NationalID),
		cu.TotalLoan.String(),
		cu.RemainingLoan.String(),
		cu.SavingsBalance.String(),
		cu.AdmissionFee.String(),
		formatTime(cu.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (c conn) Customer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT "+customerColumns+" FROM customers WHERE id = ?", string(id))
	if err != nil {
		return ledger.Customer{}, fmt.Errorf("failed to query customer: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Customer{}, err
		}
		return ledger.Customer{}, ledger.NotFound("customer", id)
	}
	return scanCustomer(rows)
}

func (c conn) Customers(ctx context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	query := "SELECT " + customerColumns + " FROM customers"
	var args []any
	if f.StaffID != "" {
		query += " WHERE staff_id = ?"
		args = append(args, string(f.StaffID))
	}
	query += " ORDER BY name, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var result []ledger.Customer
	for rows.Next() {
		cu, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		// Decimal columns are TEXT, so amount filters run here.
		if f.Matches(cu) {
			result = append(result, cu)
		}
	}
	return result, rows.Err()
}

func scanCustomer(rows *sql.Rows) (ledger.Customer, error) {
	var (
		cu                                     ledger.Customer
		id                                     string
		staffID, memberNo, phone, address, nid sql.NullString
		createdAt                              string
	)
	err := rows.Scan(&id, &cu.Name, &staffID, &memberNo, &phone, &address, &nid,
		&cu.TotalLoan, &cu.RemainingLoan, &cu.SavingsBalance, &cu.AdmissionFee, &createdAt)
	if err != nil {
		return cu, fmt.Errorf("failed to scan customer: %w", err)
	}
	cu.ID = ledger.CustomerID(id)
	cu.StaffID = ledger.StaffID(staffID.String)
	cu.MemberNo = memberNo.String
	cu.Phone = phone.String
	cu.Address = address.String
	cu.NationalID = nid.String
	cu.CreatedAt, err = parseTime(createdAt)
	return cu, err
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, customer_id, customer_name, staff_id, principal, interest_rate,
	interest_amount, service_charge, welfare_fee, installment_count,
	installment_amount, installment_type, loan_date, due_date, status, event_id,
	created_at`

func (c conn) PutLoan(ctx context.Context, l ledger.Loan) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		string(l.ID),
		string(l.CustomerID),
		l.CustomerName,
		nullString(string(l.StaffID)),
		l.Principal.String(),
		l.InterestRate.String(),
		l.InterestAmount.String(),
		l.ServiceCharge.String(),
		l.WelfareFee.String(),
		l.InstallmentCount,
		l.InstallmentAmount.String(),
		nullString(string(l.InstallmentType)),
		formatTime(l.LoanDate),
		nullString(formatOptionalTime(l.DueDate)),
		string(l.Status),
		nullString(string(l.EventID)),
		formatTime(l.CreatedAt),
	)
	if isForeignKeyError(err) {
		return ledger.NotFound("customer", l.CustomerID)
	}
	if err != nil {
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return nil
}

func (c conn) Loan(ctx context.Context, id ledger.LoanID) (ledger.Loan, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = ?", string(id))
	if err != nil {
		return ledger.Loan{}, fmt.Errorf("failed to query loan: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Loan{}, err
		}
		return ledger.Loan{}, ledger.NotFound("loan", id)
	}
	return scanLoan(rows)
}

func (c conn) Loans(ctx context.Context, f ledger.LoanFilter) ([]ledger.Loan, error) {
	var (
		where []string
		args  []any
	)
	if f.StaffID != "" {
		where = append(where, "staff_id = ?")
		args = append(args, string(f.StaffID))
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, string(f.CustomerID))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.NameLike != "" {
		where = append(where, "customer_name LIKE ?")
		args = append(args, "%"+f.NameLike+"%")
	}
	query := "SELECT " + loanColumns + " FROM loans"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var result []ledger.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func scanLoan(rows *sql.Rows) (ledger.Loan, error) {
	var (
		l                                   ledger.Loan
		id, customerID, status              string
		staffID, installType, dueDate, evID sql.NullString
		loanDate, createdAt                 string
	)
	err := rows.Scan(&id, &customerID, &l.CustomerName, &staffID, &l.Principal, &l.InterestRate,
		&l.InterestAmount, &l.ServiceCharge, &l.WelfareFee, &l.InstallmentCount,
		&l.InstallmentAmount, &installType, &loanDate, &dueDate, &status, &evID, &createdAt)
	if err != nil {
		return l, fmt.Errorf("failed to scan loan: %w", err)
	}
	l.ID = ledger.LoanID(id)
	l.CustomerID = ledger.CustomerID(customerID)
	l.StaffID = ledger.StaffID(staffID.String)
	l.InstallmentType = ledger.InstallmentType(installType.String)
	l.Status = ledger.LoanStatus(status)
	l.EventID = ledger.EventID(evID.String)
	if l.LoanDate, err = parseTime(loanDate); err != nil {
		return l, err
	}
	if l.DueDate, err = parseTime(dueDate.String); err != nil {
		return l, err
	}
	l.CreatedAt, err = parseTime(createdAt)
	return l, err
}

// =============================================================================
// STAFF
// =============================================================================

const staffColumns = `id, name, email, password_hash, role, created_at`

func (c conn) PutStaff(ctx context.Context, st ledger.Staff) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO staff (`+staffColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			password_hash = excluded.password_hash,
			role = excluded.role`,
		string(st.ID), st.Name, st.Email, st.PasswordHash, string(st.Role), formatTime(st.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("staff email %s: %w", st.Email, ledger.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to save staff: %w", err)
	}
	return nil
}

func (c conn) Staff(ctx context.Context, id ledger.StaffID) (ledger.Staff, error) {
	return c.oneStaff(ctx, "id = ?", string(id), id)
}

func (c conn) StaffByEmail(ctx context.Context, email string) (ledger.Staff, error) {
	return c.oneStaff(ctx, "email = ?", email, email)
}

func (c conn) oneStaff(ctx context.Context, cond string, arg any, label any) (ledger.Staff, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT "+staffColumns+" FROM staff WHERE "+cond, arg)
	if err != nil {
		return ledger.Staff{}, fmt.Errorf("failed to query staff: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Staff{}, err
		}
		return ledger.Staff{}, ledger.NotFound("staff", label)
	}
	return scanStaff(rows)
}

func (c conn) ListStaff(ctx context.Context, role ledger.Role) ([]ledger.Staff, error) {
	query := "SELECT " + staffColumns + " FROM staff"
	var args []any
	if role != "" {
		query += " WHERE role = ?"
		args = append(args, string(role))
	}
	query += " ORDER BY name, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list staff: %w", err)
	}
	defer rows.Close()

	var result []ledger.Staff
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (c conn) DeleteStaff(ctx context.Context, id ledger.StaffID) error {
	res, err := c.q.ExecContext(ctx, `DELETE FROM staff WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete staff: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.NotFound("staff", id)
	}
	return nil
}

func scanStaff(rows *sql.Rows) (ledger.Staff, error) {
	var (
		st                  ledger.Staff
		id, role, createdAt string
	)
	if err := rows.Scan(&id, &st.Name, &st.Email, &st.PasswordHash, &role, &createdAt); err != nil {
		return st, fmt.Errorf("failed to scan staff: %w", err)
	}
	st.ID = ledger.StaffID(id)
	st.Role = ledger.Role(role)
	var err error
	st.CreatedAt, err = parseTime(createdAt)
	return st, err
}

// =============================================================================
// MESSAGES
// =============================================================================

func (c conn) PutMessage(ctx context.Context, m ledger.Message) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO messages (id, staff_id, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET is_read = excluded.is_read`,
		string(m.ID), string(m.StaffID), m.Content, m.IsRead, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (c conn) Message(ctx context.Context, id ledger.MessageID) (ledger.Message, error) {
	msgs, err := c.queryMessages(ctx, "WHERE id = ?", string(id))
	if err != nil {
		return ledger.Message{}, err
	}
	if len(msgs) == 0 {
		return ledger.Message{}, ledger.NotFound("message", id)
	}
	return msgs[0], nil
}

func (c conn) Messages(ctx context.Context, staffID ledger.StaffID) ([]ledger.Message, error) {
	if staffID == "" {
		return c.queryMessages(ctx, "")
	}
	return c.queryMessages(ctx, "WHERE staff_id = ?", string(staffID))
}

func (c conn) queryMessages(ctx context.Context, where string, args ...any) ([]ledger.Message, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT id, staff_id, content, is_read, created_at FROM messages "+where+
			" ORDER BY created_at DESC, id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []ledger.Message
	for rows.Next() {
		var (
			m                      ledger.Message
			id, staffID, createdAt string
		)
		if err := rows.Scan(&id, &staffID, &m.Content, &m.IsRead, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ID = ledger.MessageID(id)
		m.StaffID = ledger.StaffID(staffID)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

