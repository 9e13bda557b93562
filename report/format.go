package report

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is the ISO 4217 code amounts are shown in when none is
// configured.
const DefaultCurrency = "BDT"

// FormatAmount renders d in the currency's conventional form, rounded to
// its minor unit.
func FormatAmount(d decimal.Decimal, currency string) string {
	code := strings.ToUpper(currency)
	if code == "" {
		code = DefaultCurrency
	}
	// money.New never returns a nil currency, unlike money.GetCurrency.
	cur := *money.New(0, code).Currency()
	minor := d.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}
