package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/metrics"
)

// Enforcer checks transfers against an identity's limits.
type Enforcer struct {
	ledger ledger.Store
	limits Limits
	now    func() time.Time
}

// NewEnforcer creates an enforcer reading usage from l.
func NewEnforcer(l ledger.Store, limits Limits) *Enforcer {
	return &Enforcer{ledger: l, limits: limits, now: time.Now}
}

// WithClock overrides the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Limits returns the configured ceilings.
func (e *Enforcer) Limits() Limits {
	return e.limits
}

// Check evaluates a proposed transfer of amount. Checks run single, daily,
// monthly, then count; the first failure wins.
func (e *Enforcer) Check(ctx context.Context, identityID string, amount decimal.Decimal) (*Decision, error) {
	if amount.GreaterThan(e.limits.SingleTransaction) {
		return e.deny(KindSingle, "Single transaction limit exceeded. Maximum: %s", FormatTRY(e.limits.SingleTransaction)), nil
	}

	ids, err := e.accountIDs(ctx, identityID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	today := ledger.OutgoingTransfers(ids, StartOfDay(now))
	dayTotal, err := e.ledger.SumTransactions(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("limits: daily usage: %w", err)
	}
	if dayTotal.Add(amount).GreaterThan(e.limits.Daily) {
		return e.deny(KindDaily, "Daily limit exceeded. Used: %s, Limit: %s", FormatTRY(dayTotal), FormatTRY(e.limits.Daily)), nil
	}

	monthTotal, err := e.ledger.SumTransactions(ctx, ledger.OutgoingTransfers(ids, StartOfMonth(now)))
	if err != nil {
		return nil, fmt.Errorf("limits: monthly usage: %w", err)
	}
	if monthTotal.Add(amount).GreaterThan(e.limits.Monthly) {
		return e.deny(KindMonthly, "Monthly limit exceeded. Used: %s, Limit: %s", FormatTRY(monthTotal), FormatTRY(e.limits.Monthly)), nil
	}

	count, err := e.ledger.CountTransactions(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("limits: daily count: %w", err)
	}
	if count >= e.limits.MaxTransactionsPerDay {
		return e.deny(KindCount, "Maximum transactions per day exceeded. Limit: %d", e.limits.MaxTransactionsPerDay), nil
	}

	return &Decision{Allowed: true, Limits: e.limits}, nil
}

// Usage reports the identity's consumption of its daily and monthly limits.
func (e *Enforcer) Usage(ctx context.Context, identityID string) (*Usage, error) {
	ids, err := e.accountIDs(ctx, identityID)
	if err != nil {
		return nil, err
	}
	now := e.now()

	today := ledger.OutgoingTransfers(ids, StartOfDay(now))
	dayTotal, err := e.ledger.SumTransactions(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("limits: daily usage: %w", err)
	}
	count, err := e.ledger.CountTransactions(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("limits: daily count: %w", err)
	}
	monthTotal, err := e.ledger.SumTransactions(ctx, ledger.OutgoingTransfers(ids, StartOfMonth(now)))
	if err != nil {
		return nil, fmt.Errorf("limits: monthly usage: %w", err)
	}

	u := &Usage{
		Daily:                 Window{Used: dayTotal, Limit: e.limits.Daily, Remaining: e.limits.Daily.Sub(dayTotal)},
		Monthly:               Window{Used: monthTotal, Limit: e.limits.Monthly, Remaining: e.limits.Monthly.Sub(monthTotal)},
		TransactionsToday:     count,
		MaxTransactionsPerDay: e.limits.MaxTransactionsPerDay,
	}
	u.SingleTransaction.Limit = e.limits.SingleTransaction
	return u, nil
}

// DailyGuard returns the daily ceiling for identityID in the form the ledger
// re-checks inside the atomic transfer step.
func (e *Enforcer) DailyGuard(identityID string) *ledger.DailyGuard {
	return &ledger.DailyGuard{
		OwnerID: identityID,
		Since:   StartOfDay(e.now()),
		Limit:   e.limits.Daily,
	}
}

func (e *Enforcer) accountIDs(ctx context.Context, identityID string) ([]string, error) {
	accs, err := e.ledger.AccountsByOwner(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("limits: accounts: %w", err)
	}
	return ledger.AccountIDs(accs), nil
}

func (e *Enforcer) deny(kind, format string, args ...any) *Decision {
	metrics.LimitDenialsTotal.WithLabelValues(kind).Inc()
	return &Decision{Allowed: false, Reason: fmt.Sprintf(format, args...), Kind: kind, Limits: e.limits}
}
