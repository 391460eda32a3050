package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/idgen"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	txs      []*Transaction
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		now:      time.Now,
	}
}

// WithClock overrides the time source used for new transactions.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) CreateAccount(_ context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.ID == "" {
		acc.ID = idgen.WithPrefix("acc_")
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = m.now()
	}
	cp := *acc
	m.accounts[acc.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ResolveAccount(ctx context.Context, idOrNumber string) (*Account, error) {
	if a, err := m.GetAccount(ctx, idOrNumber); err == nil {
		return a, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.AccountNumber != "" && a.AccountNumber == idOrNumber {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) AccountsByOwner(_ context.Context, ownerID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) RecordTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("txn_")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = m.now()
	}
	cp := *tx
	m.txs = append(m.txs, &cp)
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, f TxFilter, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if f.matches(m.txs[i]) {
			cp := *m.txs[i]
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountTransactions(_ context.Context, f TxFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tx := range m.txs {
		if f.matches(tx) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SumTransactions(_ context.Context, f TxFilter) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(f), nil
}

func (m *MemoryStore) sumLocked(f TxFilter) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range m.txs {
		if f.matches(tx) {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum
}

func (m *MemoryStore) ExecuteTransfer(_ context.Context, order TransferOrder) (*Transaction, error) {
	if !order.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if order.FromAccountID == order.ToAccountID {
		return nil, ErrSameAccount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.accounts[order.FromAccountID]
	if !ok {
		return nil, fmt.Errorf("source: %w", ErrAccountNotFound)
	}
	to, ok := m.accounts[order.ToAccountID]
	if !ok {
		return nil, fmt.Errorf("destination: %w", ErrAccountNotFound)
	}
	if from.Currency != to.Currency {
		return nil, ErrCurrencyMismatch
	}
	if err := ValidateSource(from, order.Amount); err != nil {
		return nil, err
	}

	if g := order.Guard; g != nil {
		var ids []string
		for _, a := range m.accounts {
			if a.OwnerID == g.OwnerID {
				ids = append(ids, a.ID)
			}
		}
		used := m.sumLocked(OutgoingTransfers(ids, g.Since))
		if used.Add(order.Amount).GreaterThan(g.Limit) {
			return nil, ErrDailyLimitExceeded
		}
	}

	now := m.now()
	from.Balance = from.Balance.Sub(order.Amount)
	to.Balance = to.Balance.Add(order.Amount)

	tx := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		Type:          TypeTransfer,
		Status:        StatusCompleted,
		Amount:        order.Amount,
		Currency:      from.Currency,
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Reference:     referenceOrNew(order.Reference, now),
		Description:   order.Description,
		CreatedAt:     now,
	}
	m.txs = append(m.txs, tx)

	cp := *tx
	return &cp, nil
}

func (f TxFilter) matches(tx *Transaction) bool {
	if len(f.FromAccountIDs) > 0 && !slices.Contains(f.FromAccountIDs, tx.FromAccountID) {
		return false
	}
	if f.FromAccountIDs != nil && len(f.FromAccountIDs) == 0 {
		return false
	}
	if f.ToAccountID != "" && tx.ToAccountID != f.ToAccountID {
		return false
	}
	if f.Touching != "" && tx.FromAccountID != f.Touching && tx.ToAccountID != f.Touching {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, tx.Status) {
		return false
	}
	if !f.Since.IsZero() && tx.CreatedAt.Before(f.Since) {
		return false
	}
	if f.AmountAbove.Valid && !tx.Amount.GreaterThan(f.AmountAbove.Decimal) {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
