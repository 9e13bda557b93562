package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/fieldledger/microledger/report"
)

// =============================================================================
// SEED
// =============================================================================

type seedCmd struct{}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "create the configured accounts" }
func (*seedCmd) Usage() string {
	return `seed

  Creates every account under [[seed.accounts]] whose email is not yet
  registered. Existing accounts are left untouched.
`
}
func (*seedCmd) SetFlags(*flag.FlagSet) {}

func (*seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	n, err := a.identity.Seed(ctx, a.cfg.Seed.Accounts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d account(s) created\n", n)
	return subcommands.ExitSuccess
}

// =============================================================================
// VERIFY
// =============================================================================

type verifyCmd struct {
	repair bool
}

func (*verifyCmd) Name() string     { return "verify" }
func (*verifyCmd) Synopsis() string { return "check aggregates against the event log" }
func (*verifyCmd) Usage() string {
	return `verify [-repair]

  Replays every event and compares the result with the stored cash balance
  and customer totals. Exits 1 when they disagree, unless -repair rewrote
  them.
`
}

func (c *verifyCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.repair, "repair", false, "rewrite aggregates from the event log")
}

func (c *verifyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	run := a.engine.Verify
	if c.repair {
		run = a.engine.Rebuild
	}
	diffs, err := run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	for _, d := range diffs {
		fmt.Println(d.String())
	}
	switch {
	case len(diffs) == 0:
		fmt.Println("ledger consistent")
	case c.repair:
		fmt.Printf("%d aggregate(s) repaired\n", len(diffs))
	default:
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// =============================================================================
// REPORT
// =============================================================================

type reportCmd struct {
	kind   string
	date   string
	period string
}

func (*reportCmd) Name() string     { return "report" }
func (*reportCmd) Synopsis() string { return "print a report" }
func (*reportCmd) Usage() string {
	return `report [-kind daily|monthly|summary] [-date YYYY-MM-DD] [-period <period>]

  daily    collection sheet for -date (default today)
  monthly  day-by-day statement for the month containing -date
  summary  totals for -period (daily, weekly, monthly, calendar_month, yearly)
`
}

func (c *reportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.kind, "kind", "daily", "report to print")
	f.StringVar(&c.date, "date", "", "report date (YYYY-MM-DD)")
	f.StringVar(&c.period, "period", "daily", "summary period")
}

func (c *reportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	day := a.reports.Now()
	if c.date != "" {
		if day, err = time.ParseInLocation("2006-01-02", c.date, a.reports.Location()); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing date: %v\n", err)
			return subcommands.ExitUsageError
		}
	}

	p := printer{w: tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight), currency: a.cfg.Ledger.Currency}
	switch c.kind {
	case "daily":
		rep, err := a.reports.Daily(ctx, cliActor, day)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		p.daily(rep)
	case "monthly":
		rep, err := a.reports.Monthly(ctx, cliActor, day.Year(), day.Month())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		p.monthly(rep)
	case "summary":
		s, err := a.reports.Summary(ctx, cliActor, report.Query{Period: report.Period(c.period)})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		p.summary(s)
	default:
		fmt.Fprintf(os.Stderr, "unknown report %q\n", c.kind)
		return subcommands.ExitUsageError
	}
	if err := p.w.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type printer struct {
	w        *tabwriter.Writer
	currency string
}

func (p printer) money(d decimal.Decimal) string { return report.FormatAmount(d, p.currency) }

func (p printer) row(w io.Writer, cells ...string) {
	for _, c := range cells {
		fmt.Fprint(w, c, "\t")
	}
	fmt.Fprintln(w)
}

func (p printer) daily(rep *report.DailyReport) {
	fmt.Fprintf(p.w, "Collection sheet %s\n\n", rep.Date.Format("2006-01-02"))
	p.row(p.w, "Member", "Name", "Loan", "Savings", "Remaining")
	for _, r := range rep.Rows {
		p.row(p.w, r.MemberNo, r.Name, p.money(r.LoanCollected), p.money(r.SavingsCollected), p.money(r.RemainingLoan))
	}
	p.row(p.w, "", "Total", p.money(rep.LoanCollected), p.money(rep.SavingsCollected), "")
}

func (p printer) monthly(rep *report.MonthlyReport) {
	fmt.Fprintf(p.w, "Statement %d-%02d\n\n", rep.Year, int(rep.Month))
	p.row(p.w, "Day", "Income", "Expense", "Balance", "Running")
	for _, d := range rep.Days {
		p.row(p.w, fmt.Sprint(d.Day), p.money(d.TotalIncome), p.money(d.TotalExpense), p.money(d.Balance), p.money(d.RunningBalance))
	}
	t := rep.Total
	p.row(p.w, "Total", p.money(t.TotalIncome), p.money(t.TotalExpense), p.money(t.Balance), p.money(t.RunningBalance))
	fmt.Fprintf(p.w, "\nRemaining loan now\t%s\t\n", p.money(rep.CurrentRemaining))
	fmt.Fprintf(p.w, "Remaining loan before month\t%s\t\n", p.money(rep.PreviousRemaining))
}

func (p printer) summary(s *report.Summary) {
	fmt.Fprintf(p.w, "Summary %s %s\n\n", s.Period, s.Window)
	p.row(p.w, "Loan collected", p.money(s.LoanCollected))
	p.row(p.w, "Savings collected", p.money(s.SavingsCollected))
	p.row(p.w, "Fees", p.money(s.Fees()))
	p.row(p.w, "Income", p.money(s.Income()))
	p.row(p.w, "Outflow", p.money(s.Outflow()))
	p.row(p.w, "Net", p.money(s.Net()))
}
