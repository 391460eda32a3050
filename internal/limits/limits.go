// Package limits enforces per-identity transfer ceilings over the ledger's
// outgoing transfers.
package limits

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Limit kinds reported in Decision.Kind and metrics.
const (
	KindSingle  = "single"
	KindDaily   = "daily"
	KindMonthly = "monthly"
	KindCount   = "count"
)

// Limits are the configured ceilings.
type Limits struct {
	Daily                 decimal.Decimal `json:"dailyLimit"`
	Monthly               decimal.Decimal `json:"monthlyLimit"`
	SingleTransaction     decimal.Decimal `json:"singleTransactionLimit"`
	MaxTransactionsPerDay int             `json:"maxTransactionsPerDay"`
}

// Defaults returns the stock limits in TRY.
func Defaults() Limits {
	return Limits{
		Daily:                 decimal.NewFromInt(50_000),
		Monthly:               decimal.NewFromInt(500_000),
		SingleTransaction:     decimal.NewFromInt(100_000),
		MaxTransactionsPerDay: 20,
	}
}

// Decision is the outcome of a limit check. Limits are always populated.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Kind    string `json:"-"`
	Limits  Limits `json:"limits"`
}

// Window is usage against one rolling ceiling.
type Window struct {
	Used      decimal.Decimal `json:"used"`
	Limit     decimal.Decimal `json:"limit"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Usage summarises an identity's consumption of its limits.
type Usage struct {
	Daily             Window `json:"daily"`
	Monthly           Window `json:"monthly"`
	SingleTransaction struct {
		Limit decimal.Decimal `json:"limit"`
	} `json:"singleTransaction"`
	TransactionsToday     int `json:"transactionsToday"`
	MaxTransactionsPerDay int `json:"maxTransactionsPerDay"`
}

// StartOfDay returns local midnight of t's day.
func StartOfDay(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// StartOfMonth returns local midnight of the first day of t's month.
func StartOfMonth(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// FormatTRY renders an amount the way Turkish banking UIs do: "₺50.000,00".
func FormatTRY(d decimal.Decimal) string {
	neg := d.IsNegative()
	s := d.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString("₺")
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	b.WriteByte(',')
	b.WriteString(frac)
	return b.String()
}
