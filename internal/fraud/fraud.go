// Package fraud applies rule-based fraud detection to proposed transfers.
package fraud

import (
	"fmt"
	"strings"

	"github.com/mbd888/riskgate/internal/risk"
)

// Level is a fraud risk level. Levels are ordered LOW < MEDIUM < HIGH < CRITICAL.
type Level string

const (
	Low      Level = "LOW"
	Medium   Level = "MEDIUM"
	High     Level = "HIGH"
	Critical Level = "CRITICAL"
)

func (l Level) rank() int {
	switch l {
	case Medium:
		return 1
	case High:
		return 2
	case Critical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(strings.TrimSpace(s))); l {
	case Low, Medium, High, Critical:
		return l, nil
	}
	return "", fmt.Errorf("fraud: unknown level %q", s)
}

// Reasons reported by Check.
const (
	ReasonLargeAmount      = "Unusually large transfer amount"
	ReasonVeryLargeAmount  = "Very large transfer amount"
	ReasonRapidTransfers   = "Rapid successive transfers detected"
	ReasonNewRecipient     = "First-time transfer to new recipient with significant amount"
	ReasonLowBalanceAfter  = "Transfer would leave account with very low balance"
	ReasonMostOfBalance    = "Transfer exceeds 90% of account balance"
	ReasonRecentFailures   = "Multiple failed transactions in the last hour"
	ReasonOffHoursLarge    = "Large transfer outside business hours"
	IndicatorHighVolume    = "Unusually high number of transactions in 24 hours"
	IndicatorLargeOutflows = "Multiple large withdrawals in 24 hours"
)

// Result is the outcome of a fraud check.
type Result struct {
	IsFraud        bool                `json:"isFraud"`
	Level          Level               `json:"riskLevel"`
	Reasons        []string            `json:"reasons"`
	Recommendation risk.Recommendation `json:"recommendation"`
}

// Blocks reports whether the result should reject a transfer under the given
// enforcement level: the recommendation must be BLOCK and the level at or
// above blockLevel.
func (r *Result) Blocks(blockLevel Level) bool {
	return r.Recommendation == risk.Block && r.Level.AtLeast(blockLevel)
}

// Activity is the outcome of a suspicious-activity scan of one account.
type Activity struct {
	Suspicious bool     `json:"isSuspicious"`
	Indicators []string `json:"indicators"`
}

// evaluation accumulates reasons while the level ratchets upward.
type evaluation struct {
	level   Level
	reasons []string
}

// raise sets the level to at least l.
func (e *evaluation) raise(l Level, reason string) {
	if l.rank() > e.level.rank() {
		e.level = l
	}
	e.reasons = append(e.reasons, reason)
}

// escalate moves LOW to MEDIUM and anything else to at least HIGH.
func (e *evaluation) escalate(reason string) {
	if e.level == Low {
		e.raise(Medium, reason)
		return
	}
	e.raise(High, reason)
}

func (e *evaluation) result() *Result {
	rec := risk.Allow
	switch e.level {
	case High, Critical:
		rec = risk.Block
	case Medium:
		rec = risk.Review
	}
	reasons := e.reasons
	if reasons == nil {
		reasons = []string{}
	}
	return &Result{
		IsFraud:        e.level == Critical || (e.level == High && len(reasons) >= 3),
		Level:          e.level,
		Reasons:        reasons,
		Recommendation: rec,
	}
}
