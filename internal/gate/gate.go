// Package gate composes the zero-trust checks every sensitive request passes:
// IP reputation, MFA enrolment, role membership, behavioural risk and session
// validity. Each denial is returned as a structured decision and audited.
package gate

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/fingerprint"
	"github.com/mbd888/riskgate/internal/identity"
	"github.com/mbd888/riskgate/internal/risk"
	"github.com/mbd888/riskgate/internal/session"
)

// Step names a stage of the gate.
type Step string

const (
	StepIP      Step = "IP_CHECK"
	StepMFA     Step = "MFA_CHECK"
	StepRole    Step = "ROLE_CHECK"
	StepRisk    Step = "RISK_CHECK"
	StepSession Step = "SESSION_CHECK"
	StepAllowed Step = "ALLOWED"
)

// Options tune the gate per route.
type Options struct {
	RequireMFA bool `json:"requireMfa"`
	// MinRiskScore, when positive, denies REVIEW recommendations scoring at
	// or above it.
	MinRiskScore int      `json:"minRiskScore,omitempty"`
	AllowedRoles []string `json:"allowedRoles,omitempty"`
}

// Request is a sensitive request from an authenticated identity.
type Request struct {
	Identity *identity.Identity
	// Session is the caller's session, if one matched the bearer token.
	Session *session.Session
	IP      string
	Headers fingerprint.Headers
	Method  string
	Path    string
	// Resource defaults to the second path segment, e.g. "transfers" for
	// "/v1/transfers".
	Resource string
	Amount   decimal.NullDecimal
}

func (r *Request) resource() string {
	if r.Resource != "" {
		return r.Resource
	}
	parts := strings.Split(r.Path, "/")
	if len(parts) > 2 && parts[2] != "" {
		return parts[2]
	}
	return "unknown"
}

// Decision is the gate's verdict. Error and Message are safe to return to
// clients; Details never carries factor weights.
type Decision struct {
	Blocked bool           `json:"blocked"`
	Step    Step           `json:"step"`
	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	Risk        *risk.Score `json:"-"`
	Fingerprint string      `json:"-"`
}

// Unauthenticated reports whether the denial should map to 401 rather than 403.
func (d *Decision) Unauthenticated() bool {
	return d.Blocked && d.Step == StepSession
}
