/*
projection.go - Aggregates as projections of the event log

PURPOSE:
  The stored aggregates (cash balance, customer totals) are caches. This
  file derives them from the events alone, so the conservation identity

      CashBalance.Balance == sum of CashDelta over all events

  can be checked mechanically (Verify) and restored after drift (Rebuild).

REPLAY RULES:
  Replay is a pure fold over the events using the same CashDelta, LoanDelta
  and SavingsDelta methods the engine applies on write. Order does not
  matter because every effect is additive.

SEE ALSO:
  - types.go: Event delta methods
  - engine.go: Applies the same deltas incrementally
*/
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CustomerTotals are the replayed running totals of one customer.
type CustomerTotals struct {
	TotalLoan      decimal.Decimal
	RemainingLoan  decimal.Decimal
	SavingsBalance decimal.Decimal
}

// Projection is the result of replaying the event log.
type Projection struct {
	Cash      decimal.Decimal
	Customers map[CustomerID]CustomerTotals
	Events    int
}

// Replay folds events into aggregates.
func Replay(events []Event) Projection {
	p := Projection{Cash: decimal.Zero, Customers: make(map[CustomerID]CustomerTotals)}
	for _, ev := range events {
		p.Events++
		p.Cash = p.Cash.Add(ev.CashDelta())
		if ev.CustomerID == "" {
			continue
		}
		t, ok := p.Customers[ev.CustomerID]
		if !ok {
			t = CustomerTotals{TotalLoan: decimal.Zero, RemainingLoan: decimal.Zero, SavingsBalance: decimal.Zero}
		}
		if ev.Kind == EventLoanDisbursed {
			t.TotalLoan = t.TotalLoan.Add(ev.LoanDelta())
		}
		t.RemainingLoan = t.RemainingLoan.Add(ev.LoanDelta())
		t.SavingsBalance = t.SavingsBalance.Add(ev.SavingsDelta())
		p.Customers[ev.CustomerID] = t
	}
	return p
}

// Discrepancy is a stored aggregate that disagrees with the replay.
type Discrepancy struct {
	Aggregate  string // "cash_balance" or "customer"
	CustomerID CustomerID
	Field      string
	Stored     decimal.Decimal
	Replayed   decimal.Decimal
}

func (d Discrepancy) String() string {
	if d.CustomerID == "" {
		return fmt.Sprintf("%s.%s: stored %s, replayed %s", d.Aggregate, d.Field, d.Stored, d.Replayed)
	}
	return fmt.Sprintf("%s[%s].%s: stored %s, replayed %s", d.Aggregate, d.CustomerID, d.Field, d.Stored, d.Replayed)
}

// Verify replays every event and compares the result with the stored
// aggregates. An empty result means the ledger is consistent.
func (e *Engine) Verify(ctx context.Context) ([]Discrepancy, error) {
	var out []Discrepancy
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		out, _, err = diff(ctx, s)
		return err
	})
	if err != nil {
		return nil, classify(OpVerifyLedger, err)
	}
	if len(out) > 0 {
		e.log.Warn("ledger drift detected", zap.Int("discrepancies", len(out)))
	}
	return out, nil
}

// Rebuild overwrites the stored aggregates with the replayed values and
// returns what was corrected.
func (e *Engine) Rebuild(ctx context.Context) ([]Discrepancy, error) {
	now := e.now()
	var fixed []Discrepancy
	err := e.store.WithTx(ctx, func(s Store) error {
		found, proj, err := diff(ctx, s)
		if err != nil {
			return err
		}
		fixed = found
		if len(found) == 0 {
			return nil
		}
		if err := s.PutCashBalance(ctx, CashBalance{Balance: proj.Cash, UpdatedAt: now}); err != nil {
			return err
		}
		customers, err := s.Customers(ctx, CustomerFilter{})
		if err != nil {
			return err
		}
		for _, c := range customers {
			t := proj.totalsFor(c.ID)
			c.TotalLoan, c.RemainingLoan, c.SavingsBalance = t.TotalLoan, t.RemainingLoan, t.SavingsBalance
			if err := s.PutCustomer(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(OpVerifyLedger, err)
	}
	if len(fixed) > 0 {
		e.log.Info("aggregates rebuilt from events", zap.Int("corrected", len(fixed)))
	}
	return fixed, nil
}

func (p Projection) totalsFor(id CustomerID) CustomerTotals {
	if t, ok := p.Customers[id]; ok {
		return t
	}
	return CustomerTotals{TotalLoan: decimal.Zero, RemainingLoan: decimal.Zero, SavingsBalance: decimal.Zero}
}

func diff(ctx context.Context, s Reader) ([]Discrepancy, Projection, error) {
	events, err := s.Events(ctx, EventFilter{})
	if err != nil {
		return nil, Projection{}, err
	}
	proj := Replay(events)

	cash, err := s.CashBalance(ctx)
	if err != nil {
		return nil, Projection{}, err
	}
	var out []Discrepancy
	if !cash.Balance.Equal(proj.Cash) {
		out = append(out, Discrepancy{Aggregate: "cash_balance", Field: "balance", Stored: cash.Balance, Replayed: proj.Cash})
	}

	customers, err := s.Customers(ctx, CustomerFilter{})
	if err != nil {
		return nil, Projection{}, err
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })
	known := make(map[CustomerID]bool, len(customers))
	for _, c := range customers {
		known[c.ID] = true
		t := proj.totalsFor(c.ID)
		check := func(field string, stored, replayed decimal.Decimal) {
			if !stored.Equal(replayed) {
				out = append(out, Discrepancy{Aggregate: "customer", CustomerID: c.ID, Field: field, Stored: stored, Replayed: replayed})
			}
		}
		check("total_loan", c.TotalLoan, t.TotalLoan)
		check("remaining_loan", c.RemainingLoan, t.RemainingLoan)
		check("savings_balance", c.SavingsBalance, t.SavingsBalance)
	}

	var orphans []CustomerID
	for id := range proj.Customers {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, id := range orphans {
		out = append(out, Discrepancy{Aggregate: "customer", CustomerID: id, Field: "missing", Stored: decimal.Zero, Replayed: proj.Customers[id].RemainingLoan})
	}
	return out, proj, nil
}
