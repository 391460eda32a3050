// Package transfer orchestrates a money transfer through limits, fraud rules,
// risk-based approval and the atomic ledger step.
package transfer

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/fraud"
	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/limits"
	"github.com/mbd888/riskgate/internal/risk"
)

// DefaultDescription is used when the caller supplies none.
const DefaultDescription = "Money transfer"

// Request is a transfer initiated by an authenticated identity.
type Request struct {
	IdentityID    string
	FromAccountID string
	// ToAccount is a destination account ID or account number.
	ToAccount   string
	Amount      decimal.Decimal
	Description string
	Origin      audit.Origin
	// Risk is the gate's assessment of this request, if any.
	Risk *risk.Score
}

// RejectionKind classifies why a transfer was refused.
type RejectionKind string

const (
	RejectInvalid   RejectionKind = "invalid"
	RejectLimit     RejectionKind = "limit"
	RejectFraud     RejectionKind = "fraud"
	RejectApproval  RejectionKind = "approval"
	RejectNotFound  RejectionKind = "not_found"
	RejectForbidden RejectionKind = "forbidden"
	RejectAccount   RejectionKind = "account"
)

// Rejection is a policy refusal. Error and Message are safe for clients.
type Rejection struct {
	Kind    RejectionKind  `json:"-"`
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the outcome of Execute: either a completed transaction or a
// rejection.
type Result struct {
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Rejection   *Rejection          `json:"rejection,omitempty"`
	Fraud       *fraud.Result       `json:"-"`
	Limits      *limits.Decision    `json:"-"`
}

// Completed reports whether money moved.
func (r *Result) Completed() bool {
	return r.Transaction != nil
}

func rejected(kind RejectionKind, errText, message string, details map[string]any) *Result {
	return &Result{Rejection: &Rejection{Kind: kind, Error: errText, Message: message, Details: details}}
}
