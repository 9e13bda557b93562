// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldledger/microledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the whole ledger in maps guarded by one RWMutex. WithTx runs
// against a copy of the state and swaps it in only when fn succeeds, so a
// failed unit of work leaves nothing behind.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	events    []ledger.Event
	eventIDs  map[ledger.EventID]bool
	cash      *ledger.CashBalance
	customers map[ledger.CustomerID]ledger.Customer
	loans     map[ledger.LoanID]ledger.Loan
	staff     map[ledger.StaffID]ledger.Staff
	messages  map[ledger.MessageID]ledger.Message
}

func newState() *state {
	return &state{
		eventIDs:  make(map[ledger.EventID]bool),
		customers: make(map[ledger.CustomerID]ledger.Customer),
		loans:     make(map[ledger.LoanID]ledger.Loan),
		staff:     make(map[ledger.StaffID]ledger.Staff),
		messages:  make(map[ledger.MessageID]ledger.Message),
	}
}

func (st *state) clone() *state {
	c := &state{
		events:    append([]ledger.Event(nil), st.events...),
		eventIDs:  make(map[ledger.EventID]bool, len(st.eventIDs)),
		customers: make(map[ledger.CustomerID]ledger.Customer, len(st.customers)),
		loans:     make(map[ledger.LoanID]ledger.Loan, len(st.loans)),
		staff:     make(map[ledger.StaffID]ledger.Staff, len(st.staff)),
		messages:  make(map[ledger.MessageID]ledger.Message, len(st.messages)),
	}
	if st.cash != nil {
		cb := *st.cash
		c.cash = &cb
	}
	for k, v := range st.eventIDs {
		c.eventIDs[k] = v
	}
	for k, v := range st.customers {
		c.customers[k] = v
	}
	for k, v := range st.loans {
		c.loans[k] = v
	}
	for k, v := range st.staff {
		c.staff[k] = v
	}
	for k, v := range st.messages {
		c.messages[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var (
	_ ledger.TxStore      = (*Memory)(nil)
	_ ledger.MessageStore = (*Memory)(nil)
)

// WithTx executes fn against a private copy of the state. The copy replaces
// the live state only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.st.clone()
	if err := fn(view{st: draft}); err != nil {
		return err
	}
	m.st = draft
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS - delegate to view under the mutex
// =============================================================================

func (m *Memory) read() view {
	return view{st: m.st}
}

func (m *Memory) AppendEvent(ctx context.Context, ev ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().AppendEvent(ctx, ev)
}

func (m *Memory) Events(ctx context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Events(ctx, f)
}

func (m *Memory) CashBalance(ctx context.Context) (ledger.CashBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().CashBalance(ctx)
}

func (m *Memory) InitCashBalance(ctx context.Context) (ledger.CashBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().InitCashBalance(ctx)
}

func (m *Memory) PutCashBalance(ctx context.Context, cb ledger.CashBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PutCashBalance(ctx, cb)
}

func (m *Memory) Customer(ctx context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Customer(ctx, id)
}

func (m *Memory) Customers(ctx context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Customers(ctx, f)
}

func (m *Memory) PutCustomer(ctx context.Context, c ledger.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PutCustomer(ctx, c)
}

func (m *Memory) Loan(ctx context.Context, id ledger.LoanID) (ledger.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Loan(ctx, id)
}

func (m *Memory) Loans(ctx context.Context, f ledger.LoanFilter) ([]ledger.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Loans(ctx, f)
}

func (m *Memory) PutLoan(ctx context.Context, l ledger.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PutLoan(ctx, l)
}

func (m *Memory) Staff(ctx context.Context, id ledger.StaffID) (ledger.Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Staff(ctx, id)
}

func (m *Memory) StaffByEmail(ctx context.Context, email string) (ledger.Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().StaffByEmail(ctx, email)
}

func (m *Memory) ListStaff(ctx context.Context, role ledger.Role) ([]ledger.Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListStaff(ctx, role)
}

func (m *Memory) PutStaff(ctx context.Context, s ledger.Staff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PutStaff(ctx, s)
}

func (m *Memory) DeleteStaff(ctx context.Context, id ledger.StaffID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().DeleteStaff(ctx, id)
}

func (m *Memory) PutMessage(ctx context.Context, msg ledger.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().PutMessage(ctx, msg)
}

func (m *Memory) Message(ctx context.Context, id ledger.MessageID) (ledger.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Message(ctx, id)
}

func (m *Memory) Messages(ctx context.Context, staffID ledger.StaffID) ([]ledger.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Messages(ctx, staffID)
}

// =============================================================================
// VIEW - Unlocked operations on one state; the caller holds the mutex
// =============================================================================

type view struct {
	st *state
}

func (v view) AppendEvent(_ context.Context, ev ledger.Event) error {
	if v.st.eventIDs[ev.ID] {
		return fmt.Errorf("event %s: %w", ev.ID, ledger.ErrDuplicate)
	}
	events := v.st.events
	// Binary search keeps events ordered by OccurredAt, stable for equal times.
	i := sort.Search(len(events), func(i int) bool {
		return events[i].OccurredAt.After(ev.OccurredAt)
	})
	events = append(events, ledger.Event{})
	copy(events[i+1:], events[i:])
	events[i] = ev
	v.st.events = events
	v.st.eventIDs[ev.ID] = true
	return nil
}

func (v view) Events(_ context.Context, f ledger.EventFilter) ([]ledger.Event, error) {
	var out []ledger.Event
	for _, ev := range v.st.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (v view) CashBalance(_ context.Context) (ledger.CashBalance, error) {
	if v.st.cash == nil {
		return ledger.CashBalance{}, ledger.ErrNotBootstrapped
	}
	return *v.st.cash, nil
}

func (v view) InitCashBalance(_ context.Context) (ledger.CashBalance, error) {
	if v.st.cash == nil {
		v.st.cash = &ledger.CashBalance{UpdatedAt: time.Now().UTC()}
	}
	return *v.st.cash, nil
}

func (v view) PutCashBalance(_ context.Context, cb ledger.CashBalance) error {
	if v.st.cash == nil {
		return ledger.ErrNotBootstrapped
	}
	*v.st.cash = cb
	return nil
}

func (v view) Customer(_ context.Context, id ledger.CustomerID) (ledger.Customer, error) {
	c, ok := v.st.customers[id]
	if !ok {
		return ledger.Customer{}, ledger.NotFound("customer", id)
	}
	return c, nil
}

func (v view) Customers(_ context.Context, f ledger.CustomerFilter) ([]ledger.Customer, error) {
	var out []ledger.Customer
	for _, c := range v.st.customers {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v view) PutCustomer(_ context.Context, c ledger.Customer) error {
	v.st.customers[c.ID] = c
	return nil
}

func (v view) Loan(_ context.Context, id ledger.LoanID) (ledger.Loan, error) {
	l, ok := v.st.loans[id]
	if !ok {
		return ledger.Loan{}, ledger.NotFound("loan", id)
	}
	return l, nil
}

func (v view) Loans(_ context.Context, f ledger.LoanFilter) ([]ledger.Loan, error) {
	var out []ledger.Loan
	for _, l := range v.st.loans {
		if f.Matches(l) {
			out = append(out, l)
		}
	}
	// Newest first, matching the loan list screen.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v view) PutLoan(_ context.Context, l ledger.Loan) error {
	if _, ok := v.st.customers[l.CustomerID]; !ok {
		return ledger.NotFound("customer", l.CustomerID)
	}
	v.st.loans[l.ID] = l
	return nil
}

func (v view) Staff(_ context.Context, id ledger.StaffID) (ledger.Staff, error) {
	s, ok := v.st.staff[id]
	if !ok {
		return ledger.Staff{}, ledger.NotFound("staff", id)
	}
	return s, nil
}

func (v view) StaffByEmail(_ context.Context, email string) (ledger.Staff, error) {
	for _, s := range v.st.staff {
		if strings.EqualFold(s.Email, email) {
			return s, nil
		}
	}
	return ledger.Staff{}, ledger.NotFound("staff", email)
}

func (v view) ListStaff(_ context.Context, role ledger.Role) ([]ledger.Staff, error) {
	var out []ledger.Staff
	for _, s := range v.st.staff {
		if role == "" || s.Role == role {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v view) PutStaff(_ context.Context, s ledger.Staff) error {
	for id, other := range v.st.staff {
		if id != s.ID && strings.EqualFold(other.Email, s.Email) {
			return fmt.Errorf("staff email %s: %w", s.Email, ledger.ErrDuplicate)
		}
	}
	v.st.staff[s.ID] = s
	return nil
}

func (v view) DeleteStaff(_ context.Context, id ledger.StaffID) error {
	if _, ok := v.st.staff[id]; !ok {
		return ledger.NotFound("staff", id)
	}
	delete(v.st.staff, id)
	return nil
}

func (v view) PutMessage(_ context.Context, msg ledger.Message) error {
	v.st.messages[msg.ID] = msg
	return nil
}

func (v view) Message(_ context.Context, id ledger.MessageID) (ledger.Message, error) {
	msg, ok := v.st.messages[id]
	if !ok {
		return ledger.Message{}, ledger.NotFound("message", id)
	}
	return msg, nil
}

func (v view) Messages(_ context.Context, staffID ledger.StaffID) ([]ledger.Message, error) {
	var out []ledger.Message
	for _, msg := range v.st.messages {
		if staffID == "" || msg.StaffID == staffID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
