package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/traces"
)

const (
	rapidWindow        = 5 * time.Minute
	rapidTransferCount = 5
	failureWindow      = time.Hour
	failureCount       = 3
	suspiciousWindow   = 24 * time.Hour
	suspiciousTxCount  = 50
	largeOutflowCount  = 3
	businessStartHour  = 6
	businessEndHour    = 22
)

var (
	largeAmount        = decimal.NewFromInt(100_000)
	veryLargeAmount    = decimal.NewFromInt(500_000)
	newRecipientAmount = decimal.NewFromInt(10_000)
	lowBalanceFloor    = decimal.NewFromInt(100)
	lowBalanceMinimum  = decimal.NewFromInt(1_000)
	mostOfBalance      = decimal.RequireFromString("0.9")
	offHoursAmount     = decimal.NewFromInt(50_000)
	largeOutflowAmount = decimal.NewFromInt(50_000)
)

// Detector evaluates transfers against the ledger's history.
type Detector struct {
	ledger ledger.Store
	now    func() time.Time
}

// NewDetector creates a detector reading from l.
func NewDetector(l ledger.Store) *Detector {
	return &Detector{ledger: l, now: time.Now}
}

// WithClock overrides the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Check evaluates a proposed transfer of amount from fromAccountID to
// toAccountID. The level only ratchets upward as rules fire.
func (d *Detector) Check(ctx context.Context, identityID string, amount decimal.Decimal, toAccountID, fromAccountID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.Check",
		traces.IdentityID(identityID), traces.AccountID(fromAccountID), traces.Amount(amount.String()))
	defer span.End()

	now := d.now()
	e := &evaluation{level: Low}

	// Rule 1: size.
	if amount.GreaterThan(largeAmount) {
		e.raise(Medium, ReasonLargeAmount)
	}
	if amount.GreaterThan(veryLargeAmount) {
		e.raise(High, ReasonVeryLargeAmount)
	}

	// Rule 2: velocity.
	recent, err := d.ledger.CountTransactions(ctx, ledger.TxFilter{
		FromAccountIDs: []string{fromAccountID},
		Type:           ledger.TypeTransfer,
		Since:          now.Add(-rapidWindow),
	})
	if err != nil {
		return nil, d.fail(span, "recent transfers", err)
	}
	if recent >= rapidTransferCount {
		e.escalate(ReasonRapidTransfers)
	}

	// Rule 3: first transfer to this recipient.
	prior, err := d.ledger.ListTransactions(ctx, ledger.TxFilter{
		FromAccountIDs: []string{fromAccountID},
		ToAccountID:    toAccountID,
		Type:           ledger.TypeTransfer,
	}, 1)
	if err != nil {
		return nil, d.fail(span, "prior transfers", err)
	}
	if len(prior) == 0 && amount.GreaterThan(newRecipientAmount) {
		e.escalate(ReasonNewRecipient)
	}

	// Rule 4: balance impact. A missing source account skips the rule.
	from, err := d.ledger.GetAccount(ctx, fromAccountID)
	switch {
	case err == nil:
		balance := from.Balance
		if balance.Sub(amount).LessThan(lowBalanceFloor) && balance.GreaterThan(lowBalanceMinimum) {
			e.raise(Medium, ReasonLowBalanceAfter)
		}
		if amount.GreaterThan(balance.Mul(mostOfBalance)) {
			e.escalate(ReasonMostOfBalance)
		}
	case !errors.Is(err, ledger.ErrAccountNotFound):
		return nil, d.fail(span, "source account", err)
	}

	// Rule 5: recent failures.
	failed, err := d.ledger.CountTransactions(ctx, ledger.TxFilter{
		FromAccountIDs: []string{fromAccountID},
		Statuses:       []ledger.TxStatus{ledger.StatusFailed},
		Since:          now.Add(-failureWindow),
	})
	if err != nil {
		return nil, d.fail(span, "failed transactions", err)
	}
	if failed >= failureCount {
		e.raise(High, ReasonRecentFailures)
	}

	// Rule 6: large amount outside business hours.
	if hour := now.Local().Hour(); (hour < businessStartHour || hour > businessEndHour) && amount.GreaterThan(offHoursAmount) {
		e.raise(Medium, ReasonOffHoursLarge)
	}

	result := e.result()
	metrics.FraudChecksTotal.WithLabelValues(string(result.Level)).Inc()
	return result, nil
}

// CheckSuspiciousActivity scans the last 24 hours of an account's
// transactions for volume and outflow anomalies.
func (d *Detector) CheckSuspiciousActivity(ctx context.Context, accountID string) (*Activity, error) {
	txs, err := d.ledger.ListTransactions(ctx, ledger.TxFilter{
		Touching: accountID,
		Since:    d.now().Add(-suspiciousWindow),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("fraud: account activity: %w", err)
	}

	a := &Activity{Indicators: []string{}}
	if len(txs) > suspiciousTxCount {
		a.Indicators = append(a.Indicators, IndicatorHighVolume)
	}
	large := 0
	for _, tx := range txs {
		if tx.FromAccountID == accountID && tx.Amount.GreaterThan(largeOutflowAmount) {
			large++
		}
	}
	if large >= largeOutflowCount {
		a.Indicators = append(a.Indicators, IndicatorLargeOutflows)
	}
	a.Suspicious = len(a.Indicators) > 0
	return a, nil
}

func (d *Detector) fail(span trace.Span, what string, err error) error {
	span.RecordError(err)
	return fmt.Errorf("fraud: %s: %w", what, err)
}
