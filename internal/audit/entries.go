package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Login builds a LOGIN entry. identityID may be empty for unknown accounts.
func Login(identityID string, status Status, o Origin, md LoginMetadata) Entry {
	if md.Timestamp.IsZero() {
		md.Timestamp = time.Now().UTC()
	}
	return Entry{IdentityID: identityID, Action: ActionLogin, Status: status, Origin: o, Metadata: md}
}

// Logout builds a LOGOUT entry.
func Logout(identityID string, o Origin) Entry {
	return Entry{IdentityID: identityID, Action: ActionLogout, Status: StatusSuccess, Origin: o}
}

// AccountCreated builds an ACCOUNT_CREATE entry.
func AccountCreated(identityID, accountID, accountNumber, currency string, o Origin) Entry {
	return Entry{
		IdentityID: identityID,
		Action:     ActionAccountCreate,
		Resource:   "account",
		ResourceID: accountID,
		Status:     StatusSuccess,
		Origin:     o,
		Metadata:   RawMetadata{"accountNumber": accountNumber, "currency": currency},
	}
}

// CustomerAccess builds a CUSTOMER_<verb> entry (verb is VIEW, MODIFY or LIST).
func CustomerAccess(employeeID, customerID, verb string, o Origin, details map[string]string) Entry {
	return Entry{
		IdentityID: employeeID,
		Action:     CustomerActionPrefix + verb,
		Resource:   "customer",
		ResourceID: customerID,
		Status:     StatusSuccess,
		Origin:     o,
		Metadata:   AccessMetadata{CustomerID: customerID, Details: details},
	}
}

// TransferDetails describes the money movement behind a TRANSFER entry.
type TransferDetails struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	FromAccountID string
	ToAccountID   string
	Description   string
	Reason        string
	FraudLevel    string
	FraudReasons  []string
	RiskScore     int
}

// Transfer builds a TRANSFER entry.
func Transfer(identityID string, status Status, o Origin, d TransferDetails) Entry {
	return Entry{
		IdentityID: identityID,
		Action:     ActionTransfer,
		Resource:   "transaction",
		ResourceID: d.TransactionID,
		Status:     status,
		Origin:     o,
		Metadata: TransferMetadata{
			Amount:        d.Amount,
			Currency:      d.Currency,
			FromAccountID: d.FromAccountID,
			ToAccountID:   d.ToAccountID,
			Description:   d.Description,
			Reason:        d.Reason,
			FraudLevel:    d.FraudLevel,
			FraudReasons:  d.FraudReasons,
			RiskScore:     d.RiskScore,
		},
	}
}

// FailedAccess builds a FAILED entry for an arbitrary action.
func FailedAccess(identityID, action, resource, reason string, o Origin) Entry {
	return Entry{
		IdentityID: identityID,
		Action:     action,
		Resource:   resource,
		Status:     StatusFailed,
		Origin:     o,
		Metadata:   AccessMetadata{Reason: reason, Blocked: true},
	}
}

// PermissionDenied builds a PERMISSION_DENIED entry.
func PermissionDenied(identityID, required string, o Origin, md BlockMetadata) Entry {
	if md.Type == "" {
		md.Type = BlockRole
	}
	if md.Reason == "" {
		md.Reason = "Insufficient role privileges"
	}
	md.RequiredPermission = required
	return Entry{
		IdentityID: identityID,
		Action:     ActionPermissionDenied,
		Resource:   required,
		Status:     StatusBlocked,
		Origin:     o,
		Metadata:   md,
	}
}

// EmployeeActivity builds an EMPLOYEE_<action> entry.
func EmployeeActivity(employeeID, action, resource, resourceID string, o Origin, details map[string]string) Entry {
	return Entry{
		IdentityID: employeeID,
		Action:     EmployeeActionPrefix + action,
		Resource:   resource,
		ResourceID: resourceID,
		Status:     StatusSuccess,
		Origin:     o,
		Metadata:   AccessMetadata{EmployeeID: employeeID, Details: details},
	}
}

// RiskAssessment builds a RISK_ASSESSMENT entry. Status is BLOCKED when the
// recommendation is BLOCK.
func RiskAssessment(identityID, resource string, o Origin, md RiskMetadata) Entry {
	status := StatusSuccess
	if md.Recommendation == "BLOCK" {
		status = StatusBlocked
	}
	return Entry{
		IdentityID: identityID,
		Action:     ActionRiskAssessment,
		Resource:   resource,
		Status:     status,
		Origin:     o,
		Metadata:   md,
	}
}

// ZeroTrustBlock builds a ZERO_TRUST_BLOCK entry.
func ZeroTrustBlock(identityID, resource string, o Origin, md BlockMetadata) Entry {
	return Entry{
		IdentityID: identityID,
		Action:     ActionZeroTrustBlock,
		Resource:   resource,
		Status:     StatusBlocked,
		Origin:     o,
		Metadata:   md,
	}
}

// Denial builds a BLOCKED entry for one of the gate's denial actions
// (MFA_REQUIRED, SESSION_EXPIRED, BRUTEFORCE_BLOCK).
func Denial(identityID, action, resource string, o Origin, md BlockMetadata) Entry {
	return Entry{
		IdentityID: identityID,
		Action:     action,
		Resource:   resource,
		Status:     StatusBlocked,
		Origin:     o,
		Metadata:   md,
	}
}
