// Package ledger holds bank accounts and their transactions.
//
// The risk pipeline reads it as a signal source (balances, prior transfers,
// recent failures). Only ExecuteTransfer mutates balances, and it does so
// atomically with a re-check of the owner's daily usage.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/idgen"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAccountInactive     = errors.New("ledger: account is not active")
	ErrAccountFrozen       = errors.New("ledger: account is frozen")
	ErrSameAccount         = errors.New("ledger: source and destination are the same account")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrCurrencyMismatch    = errors.New("ledger: currency mismatch")
	ErrDailyLimitExceeded  = errors.New("ledger: daily limit exceeded")
)

// Account is a customer bank account.
type Account struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	AccountNumber string          `json:"accountNumber"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Active        bool            `json:"active"`
	Frozen        bool            `json:"frozen"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TxType classifies a transaction.
type TxType string

const (
	TypeTransfer    TxType = "TRANSFER"
	TypeDeposit     TxType = "DEPOSIT"
	TypeWithdrawal  TxType = "WITHDRAWAL"
	TypeBillPayment TxType = "BILL_PAYMENT"
)

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
	StatusCancelled TxStatus = "CANCELLED"
)

// Transaction is a money movement between accounts.
type Transaction struct {
	ID            string          `json:"id"`
	Type          TxType          `json:"type"`
	Status        TxStatus        `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	FromAccountID string          `json:"fromAccountId,omitempty"`
	ToAccountID   string          `json:"toAccountId,omitempty"`
	Reference     string          `json:"referenceNumber"`
	Description   string          `json:"description,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TxFilter selects transactions. Zero-valued fields are ignored.
type TxFilter struct {
	FromAccountIDs []string
	ToAccountID    string
	// Touching matches transactions where the account is source or destination.
	Touching    string
	Type        TxType
	Statuses    []TxStatus
	Since       time.Time // inclusive
	AmountAbove decimal.NullDecimal
}

// DailyGuard re-checks the owner's outgoing transfer total inside the
// atomic transfer step.
type DailyGuard struct {
	OwnerID string
	Since   time.Time
	Limit   decimal.Decimal
}

// TransferOrder is a validated request to move money.
type TransferOrder struct {
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Description   string
	Reference     string
	Guard         *DailyGuard
}

// Store persists accounts and transactions.
type Store interface {
	CreateAccount(ctx context.Context, acc *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// ResolveAccount finds an account by ID or by account number.
	ResolveAccount(ctx context.Context, idOrNumber string) (*Account, error)
	AccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error)

	RecordTransaction(ctx context.Context, tx *Transaction) error
	ListTransactions(ctx context.Context, f TxFilter, limit int) ([]*Transaction, error)
	CountTransactions(ctx context.Context, f TxFilter) (int, error)
	SumTransactions(ctx context.Context, f TxFilter) (decimal.Decimal, error)

	// ExecuteTransfer debits the source, credits the destination and records a
	// COMPLETED TRANSFER as one atomic step.
	ExecuteTransfer(ctx context.Context, order TransferOrder) (*Transaction, error)
}

// OutgoingTransfers is the filter used for limit accounting: the owner's
// outgoing TRANSFERs that are COMPLETED or PENDING since the given instant.
func OutgoingTransfers(accountIDs []string, since time.Time) TxFilter {
	return TxFilter{
		FromAccountIDs: accountIDs,
		Type:           TypeTransfer,
		Statuses:       []TxStatus{StatusCompleted, StatusPending},
		Since:          since,
	}
}

// AccountIDs returns the IDs of accs.
func AccountIDs(accs []*Account) []string {
	ids := make([]string, len(accs))
	for i, a := range accs {
		ids[i] = a.ID
	}
	return ids
}

// ValidateSource checks that acc can send amount.
func ValidateSource(acc *Account, amount decimal.Decimal) error {
	switch {
	case !acc.Active:
		return ErrAccountInactive
	case acc.Frozen:
		return ErrAccountFrozen
	case acc.Balance.LessThan(amount):
		return ErrInsufficientBalance
	}
	return nil
}

// NewReference returns a human-facing transfer reference such as
// "TRF-1767225600000-9f3a".
func NewReference(now time.Time) string {
	return fmt.Sprintf("TRF-%d-%s", now.UnixMilli(), idgen.Token(2))
}

// NewAccountNumber returns a fresh account number.
func NewAccountNumber(now time.Time) string {
	return fmt.Sprintf("TR%d%s", now.UnixMilli(), idgen.Token(2))
}

func referenceOrNew(ref string, now time.Time) string {
	if ref != "" {
		return ref
	}
	return NewReference(now)
}
