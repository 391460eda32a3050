package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Metadata is the action-specific payload of a record. The concrete type is
// determined by the record's action.
type Metadata interface {
	metadataKind() string
}

// RiskMetadata accompanies RISK_ASSESSMENT records.
type RiskMetadata struct {
	RiskScore      int      `json:"riskScore"`
	Factors        []string `json:"factors"`
	Recommendation string   `json:"recommendation"`
	RequestAction  string   `json:"requestAction,omitempty"`
}

// TransferMetadata accompanies TRANSFER records.
type TransferMetadata struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Description   string          `json:"description,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	FraudLevel    string          `json:"fraudLevel,omitempty"`
	FraudReasons  []string        `json:"fraudReasons,omitempty"`
	RiskScore     int             `json:"riskScore,omitempty"`
}

// Block types carried in BlockMetadata.Type.
const (
	BlockIPRestriction = "IP_RESTRICTION"
	BlockMFA           = "MFA"
	BlockRole          = "ROLE"
	BlockRisk          = "RISK"
	BlockSession       = "SESSION"
	BlockBruteforce    = "BRUTEFORCE"
)

// BlockMetadata accompanies denial records (ZERO_TRUST_BLOCK, MFA_REQUIRED,
// PERMISSION_DENIED, SESSION_EXPIRED, BRUTEFORCE_BLOCK).
type BlockMetadata struct {
	Reason             string     `json:"reason"`
	Type               string     `json:"type,omitempty"`
	RiskScore          int        `json:"riskScore,omitempty"`
	Factors            []string   `json:"factors,omitempty"`
	RequiredRoles      []string   `json:"requiredRoles,omitempty"`
	RequiredPermission string     `json:"requiredPermission,omitempty"`
	Identifier         string     `json:"identifier,omitempty"`
	FailedAttempts     int        `json:"failedAttempts,omitempty"`
	BlockUntil         *time.Time `json:"blockUntil,omitempty"`
}

// JITMetadata accompanies JIT_ACCESS_REQUEST and JIT_ACCESS_USED records.
// Only a digest of the grant token is stored.
type JITMetadata struct {
	TokenHash         string    `json:"tokenHash"`
	GrantedAction     string    `json:"grantedAction,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt,omitzero"`
	OriginalRequestID string    `json:"originalRequestId,omitempty"`
}

// LoginMetadata accompanies LOGIN and LOGOUT records.
type LoginMetadata struct {
	Method     string    `json:"method,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// AccessMetadata accompanies customer access, employee activity and generic
// failed-access records.
type AccessMetadata struct {
	CustomerID string            `json:"customerId,omitempty"`
	EmployeeID string            `json:"employeeId,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Blocked    bool              `json:"blocked,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// RawMetadata holds payloads of actions without a dedicated type.
type RawMetadata map[string]any

func (RiskMetadata) metadataKind() string     { return "risk" }
func (TransferMetadata) metadataKind() string { return "transfer" }
func (BlockMetadata) metadataKind() string    { return "block" }
func (JITMetadata) metadataKind() string      { return "jit" }
func (LoginMetadata) metadataKind() string    { return "login" }
func (AccessMetadata) metadataKind() string   { return "access" }
func (RawMetadata) metadataKind() string      { return "raw" }

// DecodeMetadata parses a stored payload using action as the discriminator.
// Empty payloads decode to nil.
func DecodeMetadata(action string, raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		md  Metadata
		err error
	)
	switch {
	case action == ActionRiskAssessment:
		md, err = decodeAs[RiskMetadata](raw)
	case action == ActionTransfer:
		md, err = decodeAs[TransferMetadata](raw)
	case action == ActionZeroTrustBlock, action == ActionMFARequired, action == ActionPermissionDenied,
		action == ActionSessionExpired, action == ActionBruteforceBlock:
		md, err = decodeAs[BlockMetadata](raw)
	case action == ActionJITRequest, action == ActionJITUsed:
		md, err = decodeAs[JITMetadata](raw)
	case action == ActionLogin, action == ActionLogout:
		md, err = decodeAs[LoginMetadata](raw)
	case strings.HasPrefix(action, CustomerActionPrefix), strings.HasPrefix(action, EmployeeActionPrefix):
		md, err = decodeAs[AccessMetadata](raw)
	default:
		md, err = decodeAs[RawMetadata](raw)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: decode %s metadata: %w", action, err)
	}
	return md, nil
}

// encodeMetadata renders metadata for storage; nil becomes an empty object.
func encodeMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

func decodeAs[T Metadata](raw []byte) (Metadata, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
