package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/fraud"
	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/limits"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/risk"
	"github.com/mbd888/riskgate/internal/syncutil"
	"github.com/mbd888/riskgate/internal/traces"
)

// DefaultHighValueReview is the amount above which a REVIEW risk
// recommendation requires additional approval.
var DefaultHighValueReview = decimal.NewFromInt(50_000)

// Orchestrator runs transfers. Check-then-act is serialised per identity
// in-process; the ledger re-checks the daily limit atomically.
type Orchestrator struct {
	ledger          ledger.Store
	limits          *limits.Enforcer
	fraud           *fraud.Detector
	recorder        *audit.Recorder
	locks           *syncutil.KeyedMutex
	fraudBlockLevel fraud.Level
	highValueReview decimal.Decimal
	now             func() time.Time
}

// NewOrchestrator creates an orchestrator with the stock enforcement policy:
// fraud blocks only at CRITICAL and REVIEW risk needs approval above 50,000.
func NewOrchestrator(l ledger.Store, le *limits.Enforcer, fd *fraud.Detector, rec *audit.Recorder) *Orchestrator {
	return &Orchestrator{
		ledger:          l,
		limits:          le,
		fraud:           fd,
		recorder:        rec,
		locks:           syncutil.NewKeyedMutex(syncutil.DefaultShards),
		fraudBlockLevel: fraud.Critical,
		highValueReview: DefaultHighValueReview,
		now:             time.Now,
	}
}

// WithFraudBlockLevel sets the minimum fraud level that rejects a transfer
// whose fraud recommendation is BLOCK.
func (o *Orchestrator) WithFraudBlockLevel(l fraud.Level) *Orchestrator {
	o.fraudBlockLevel = l
	return o
}

// WithHighValueReview sets the REVIEW-risk approval threshold.
func (o *Orchestrator) WithHighValueReview(amount decimal.Decimal) *Orchestrator {
	o.highValueReview = amount
	return o
}

// Execute validates, checks and performs a transfer. Policy refusals come
// back as a Result with a Rejection; only infrastructure failures are errors.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Execute",
		traces.IdentityID(req.IdentityID), traces.AccountID(req.FromAccountID), traces.Amount(req.Amount.String()))
	defer span.End()

	res, err := o.execute(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		metrics.TransfersTotal.WithLabelValues("error").Inc()
	case res.Completed():
		metrics.TransfersTotal.WithLabelValues("completed").Inc()
	default:
		metrics.TransfersTotal.WithLabelValues("rejected_" + string(res.Rejection.Kind)).Inc()
	}
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (*Result, error) {
	if req.FromAccountID == "" || req.ToAccount == "" {
		return rejected(RejectInvalid, "Missing required fields", "fromAccountId, toAccountIdentifier (or toAccountId) and amount are required", nil), nil
	}
	if !req.Amount.IsPositive() {
		return rejected(RejectInvalid, "Amount must be greater than 0", "", nil), nil
	}

	unlock, err := o.locks.Lock(ctx, req.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("transfer: waiting for lock: %w", err)
	}
	defer unlock()

	// Limits come first; the single-transaction ceiling needs no reads.
	lim, err := o.limits.Check(ctx, req.IdentityID, req.Amount)
	if err != nil {
		return nil, err
	}
	if !lim.Allowed {
		o.recordLimitBlock(ctx, req, req.ToAccount, lim.Reason)
		r := rejected(RejectLimit, "Transfer limit exceeded", lim.Reason, map[string]any{"limits": lim.Limits})
		r.Limits = lim
		return r, nil
	}

	// Resolve the destination early so fraud history matches on account ID.
	dest, err := o.ledger.ResolveAccount(ctx, req.ToAccount)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("transfer: destination: %w", err)
	}
	destID := req.ToAccount
	if dest != nil {
		destID = dest.ID
	}

	fr, err := o.fraud.Check(ctx, req.IdentityID, req.Amount, destID, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	if fr.Blocks(o.fraudBlockLevel) {
		o.recorder.Record(ctx, audit.Transfer(req.IdentityID, audit.StatusBlocked, req.Origin, audit.TransferDetails{
			TransactionID: "fraud-blocked",
			Amount:        req.Amount,
			FromAccountID: req.FromAccountID,
			ToAccountID:   destID,
			Reason:        "Transfer blocked due to fraud detection",
			FraudLevel:    string(fr.Level),
			FraudReasons:  fr.Reasons,
		}))
		r := rejected(RejectFraud, "Transfer blocked due to fraud detection", "",
			map[string]any{"reasons": fr.Reasons, "riskLevel": fr.Level})
		r.Fraud, r.Limits = fr, lim
		return r, nil
	}
	if fr.Recommendation == risk.Review || fr.Recommendation == risk.Block {
		logging.L(ctx).Warn("transfer flagged for review",
			"from_account", req.FromAccountID, "level", string(fr.Level), "reasons", fr.Reasons)
	}

	// Source account checks.
	from, err := o.ledger.GetAccount(ctx, req.FromAccountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return rejected(RejectNotFound, "Source account not found", "", nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("transfer: source: %w", err)
	}
	if from.OwnerID != req.IdentityID {
		return rejected(RejectForbidden, "Forbidden", "You can only transfer from your own accounts", nil), nil
	}
	if err := ledger.ValidateSource(from, req.Amount); err != nil {
		return accountRejection(err), nil
	}
	if dest == nil {
		return rejected(RejectNotFound, "Destination account not found. Please check the account number or ID.", "", nil), nil
	}

	// High-value transfers under REVIEW risk need another approval.
	if req.Risk != nil && req.Risk.Recommendation == risk.Review && req.Amount.GreaterThan(o.highValueReview) {
		return rejected(RejectApproval, "Additional approval required",
			"This transfer requires additional approval due to risk assessment",
			map[string]any{"riskScore": req.Risk.Score}), nil
	}

	description := req.Description
	if description == "" {
		description = DefaultDescription
	}
	tx, err := o.ledger.ExecuteTransfer(ctx, ledger.TransferOrder{
		FromAccountID: from.ID,
		ToAccountID:   dest.ID,
		Amount:        req.Amount,
		Description:   description,
		Reference:     ledger.NewReference(o.now()),
		Guard:         o.limits.DailyGuard(req.IdentityID),
	})
	if err != nil {
		if r := executionRejection(err); r != nil {
			if r.Rejection.Kind == RejectLimit {
				o.recordLimitBlock(ctx, req, dest.ID, r.Rejection.Message)
			}
			return r, nil
		}
		return nil, fmt.Errorf("transfer: execute: %w", err)
	}

	details := audit.TransferDetails{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		FromAccountID: tx.FromAccountID,
		ToAccountID:   tx.ToAccountID,
		Description:   tx.Description,
		FraudLevel:    string(fr.Level),
	}
	if req.Risk != nil {
		details.RiskScore = req.Risk.Score
	}
	o.recorder.Record(ctx, audit.Transfer(req.IdentityID, audit.StatusSuccess, req.Origin, details))

	logging.L(ctx).Info("transfer completed",
		"transaction_id", tx.ID, "reference", tx.Reference, "amount", tx.Amount.String())
	return &Result{Transaction: tx, Fraud: fr, Limits: lim}, nil
}

func (o *Orchestrator) recordLimitBlock(ctx context.Context, req Request, toAccountID, reason string) {
	o.recorder.Record(ctx, audit.Transfer(req.IdentityID, audit.StatusBlocked, req.Origin, audit.TransferDetails{
		TransactionID: "limit-blocked",
		Amount:        req.Amount,
		FromAccountID: req.FromAccountID,
		ToAccountID:   toAccountID,
		Reason:        reason,
	}))
}

func accountRejection(err error) *Result {
	switch {
	case errors.Is(err, ledger.ErrAccountInactive):
		return rejected(RejectAccount, "Account is not active", "", nil)
	case errors.Is(err, ledger.ErrAccountFrozen):
		return rejected(RejectAccount, "Account is frozen. You cannot transfer from a frozen account", "", nil)
	default:
		return rejected(RejectAccount, "Insufficient balance", "", nil)
	}
}

// executionRejection maps ledger refusals raised inside the atomic step, which
// can differ from the pre-checks when another writer got there first.
func executionRejection(err error) *Result {
	switch {
	case errors.Is(err, ledger.ErrDailyLimitExceeded):
		return rejected(RejectLimit, "Transfer limit exceeded", "Daily limit exceeded", nil)
	case errors.Is(err, ledger.ErrAccountInactive), errors.Is(err, ledger.ErrAccountFrozen), errors.Is(err, ledger.ErrInsufficientBalance):
		return accountRejection(err)
	case errors.Is(err, ledger.ErrSameAccount):
		return rejected(RejectInvalid, "Source and destination accounts must differ", "", nil)
	case errors.Is(err, ledger.ErrCurrencyMismatch):
		return rejected(RejectInvalid, "Currency mismatch between accounts", "", nil)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return rejected(RejectNotFound, "Account not found", "", nil)
	}
	return nil
}
