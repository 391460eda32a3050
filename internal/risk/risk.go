// Package risk scores sensitive requests from behavioural signals.
//
// Each request is evaluated against seven additive factors: time of day,
// device novelty, recent failed logins, transaction value, IP novelty, action
// velocity and sensitivity. Scores range from 0 (safe) to 100. Requests at or
// above the block threshold are rejected by the policy gate before any
// resource is touched.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/audit"
)

// Recommendation is the scorer's verdict on a request.
type Recommendation string

const (
	Allow  Recommendation = "ALLOW"
	Review Recommendation = "REVIEW"
	Block  Recommendation = "BLOCK"
)

// Default thresholds for recommendations.
const (
	DefaultBlockThreshold  = 70
	DefaultReviewThreshold = 40
	MaxScore               = 100
)

// Factor descriptions reported to callers and written to the audit log.
const (
	FactorOffHours      = "Unusual time of day"
	FactorNewDevice     = "New device detected"
	FactorHighValue     = "High-value transaction"
	FactorNewIP         = "New IP address"
	FactorRapidActivity = "Rapid successive actions"
	FactorSensitive     = "Sensitive action"
)

// Context carries the data needed to score one request.
type Context struct {
	IdentityID  string
	Action      string // e.g. "POST /v1/transfers"
	Resource    string // e.g. "transfers", "customer"
	IP          string
	Fingerprint string
	Hour        int // local hour of day, 0-23
	Amount      decimal.NullDecimal

	// Origin and Path are copied onto the RISK_ASSESSMENT record.
	Origin audit.Origin
	Path   string
}

// HourOf returns the local hour of t.
func HourOf(t time.Time) int {
	return t.Local().Hour()
}

// Score is the result of evaluating a single request.
type Score struct {
	Score          int            `json:"score"`
	Factors        []string       `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}

// Signals is the audit-log projection the scorer reads.
type Signals interface {
	FailedLogins(ctx context.Context, identityID string, window time.Duration) (int, error)
	RecentActivity(ctx context.Context, identityID string, window time.Duration) (int, error)
}

// History is the per-identity session history the scorer compares against.
type History interface {
	RecentDevices(ctx context.Context, identityID string, limit int) ([]string, error)
	RecentIPs(ctx context.Context, identityID string, limit int) ([]string, error)
}
