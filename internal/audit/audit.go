// Package audit is the append-only decision log of the risk pipeline.
//
// Every gate step, risk assessment, transfer and authentication event is
// written here through a Recorder. The same records are the historical
// signal source for later decisions (failed-login counts, recent activity,
// bruteforce blocks, JIT grants). Reads go through two projections:
// SignalView for scoring and ComplianceView for filtered listings.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/riskgate/internal/pagination"
)

var (
	ErrNotFound      = errors.New("audit: record not found")
	ErrInvalidStatus = errors.New("audit: invalid status")
)

// Status is the outcome recorded on an audit entry.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
	StatusRevoked Status = "REVOKED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusBlocked, StatusRevoked:
		return true
	}
	return false
}

// Action tags.
const (
	ActionLogin            = "LOGIN"
	ActionLogout           = "LOGOUT"
	ActionTransfer         = "TRANSFER"
	ActionRiskAssessment   = "RISK_ASSESSMENT"
	ActionZeroTrustBlock   = "ZERO_TRUST_BLOCK"
	ActionMFARequired      = "MFA_REQUIRED"
	ActionPermissionDenied = "PERMISSION_DENIED"
	ActionSessionExpired   = "SESSION_EXPIRED"
	ActionBruteforceBlock  = "BRUTEFORCE_BLOCK"
	ActionJITRequest       = "JIT_ACCESS_REQUEST"
	ActionJITUsed          = "JIT_ACCESS_USED"
	ActionAccountCreate    = "ACCOUNT_CREATE"

	// Prefixes for families of actions.
	CustomerActionPrefix = "CUSTOMER_"
	EmployeeActionPrefix = "EMPLOYEE_"
)

// Origin describes where a request came from.
type Origin struct {
	IP         string
	UserAgent  string
	DeviceInfo string
}

// Entry is the input to Recorder.Record.
type Entry struct {
	IdentityID string
	Action     string
	Resource   string
	ResourceID string
	Status     Status
	Origin     Origin
	Metadata   Metadata
}

// Record is a persisted audit entry. Records are immutable except for the
// status patch used to revoke JIT grants.
type Record struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"userId,omitempty"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Status     Status    `json:"status"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	DeviceInfo string    `json:"deviceInfo,omitempty"`
	Metadata   Metadata  `json:"metadata"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UnmarshalJSON decodes metadata according to the record's action.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	md, err := DecodeMetadata(r.Action, aux.Metadata)
	if err != nil {
		return err
	}
	r.Metadata = md
	return nil
}

// Subject matches records by identity or by origin IP.
type Subject struct {
	IdentityID string
	IP         string
}

// Query filters records. Zero-valued fields are ignored. Results are ordered
// newest first.
type Query struct {
	IdentityID     string
	Action         string
	ActionPrefix   string
	ActionContains string // case-insensitive
	Resource       string
	ResourceID     string
	Status         Status
	IPAddress      string
	// Either matches records whose identity or IP equals the subject's.
	Either *Subject
	Since  time.Time // inclusive
	Until  time.Time // inclusive
	// After continues a listing strictly past the cursor position.
	After *pagination.Cursor
	Limit int // 0 means unbounded
}

// GroupField names a column records can be grouped by.
type GroupField string

const (
	GroupByAction    GroupField = "action"
	GroupByIPAddress GroupField = "ip_address"
)

// GroupCount is one bucket of a grouped count.
type GroupCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	SetStatus(ctx context.Context, id string, status Status) error
	List(ctx context.Context, q Query) ([]*Record, error)
	Count(ctx context.Context, q Query) (int, error)
	CountBy(ctx context.Context, q Query, field GroupField, limit int) ([]GroupCount, error)
}
