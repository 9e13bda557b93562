package report

import (
	"fmt"
	"time"

	"github.com/fieldledger/microledger/ledger"
)

// =============================================================================
// WINDOW - Half-open time range every report is computed over
// =============================================================================

// Window is the range [Start, End). Events at End belong to the next window.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains returns true if t is within [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Filter returns the event filter selecting this window.
func (w Window) Filter() ledger.EventFilter {
	return ledger.EventFilter{From: w.Start, To: w.End}
}

// Days returns the start of every calendar day that begins inside the window.
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := StartOfDay(w.Start); d.Before(w.End); d = d.AddDate(0, 0, 1) {
		if !d.Before(w.Start) {
			days = append(days, d)
		}
	}
	return days
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// Period names how a window is derived from the clock.
type Period string

const (
	PeriodDaily         Period = "daily"          // today 00:00 -> tomorrow 00:00
	PeriodWeekly        Period = "weekly"         // now - 7 days -> now
	PeriodMonthly       Period = "monthly"        // now - 30 days -> now
	PeriodCalendarMonth Period = "calendar_month" // 1st of this month -> 1st of next
	PeriodYearly        Period = "yearly"         // Jan 1 -> next Jan 1
	PeriodCustom        Period = "custom"         // explicit from/to
)

// WindowFor resolves a period against now. The location of now decides
// where days begin. For PeriodCustom, from is required and to defaults to
// now.
func WindowFor(p Period, now time.Time, from, to time.Time) (Window, error) {
	switch p {
	case PeriodDaily, "":
		return DayWindow(now), nil
	case PeriodWeekly:
		return Window{Start: now.AddDate(0, 0, -7), End: now}, nil
	case PeriodMonthly:
		return Window{Start: now.AddDate(0, 0, -30), End: now}, nil
	case PeriodCalendarMonth:
		return MonthWindow(now.Year(), now.Month(), now.Location()), nil
	case PeriodYearly:
		return YearWindow(now.Year(), now.Location()), nil
	case PeriodCustom:
		if from.IsZero() {
			return Window{}, fmt.Errorf("custom period needs a start date: %w", ledger.ErrInvalidInput)
		}
		if to.IsZero() {
			to = now
		}
		if !to.After(from) {
			return Window{}, fmt.Errorf("custom period ends before it starts: %w", ledger.ErrInvalidInput)
		}
		return Window{Start: from, End: to}, nil
	}
	return Window{}, invalidPeriod(p)
}

func invalidPeriod(p Period) error {
	return fmt.Errorf("unknown period %q: %w", p, ledger.ErrInvalidInput)
}

// StartOfDay truncates t to midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func DayWindow(day time.Time) Window {
	start := StartOfDay(day)
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

func MonthWindow(year int, month time.Month, loc *time.Location) Window {
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(0, 1, 0)}
}

func YearWindow(year int, loc *time.Location) Window {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: start.AddDate(1, 0, 0)}
}
