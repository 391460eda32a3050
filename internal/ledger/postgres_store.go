package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/idgen"
	"github.com/mbd888/riskgate/internal/retry"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	retry retry.Policy
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	p := retry.Default
	p.Retryable = IsSerializationFailure
	return &PostgresStore{db: db, retry: p}
}

// WithRetry overrides the conflict retry policy for ExecuteTransfer.
func (p *PostgresStore) WithRetry(policy retry.Policy) *PostgresStore {
	if policy.Retryable == nil {
		policy.Retryable = IsSerializationFailure
	}
	p.retry = policy
	return p
}

// Migrate creates the ledger tables with NUMERIC columns.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id              VARCHAR(40) PRIMARY KEY,
			owner_id        VARCHAR(64) NOT NULL,
			account_number  VARCHAR(34) UNIQUE,
			balance         NUMERIC(20,2) NOT NULL DEFAULT 0,
			currency        VARCHAR(3) NOT NULL DEFAULT 'TRY',
			is_active       BOOLEAN NOT NULL DEFAULT TRUE,
			is_frozen       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id                VARCHAR(40) PRIMARY KEY,
			type              VARCHAR(20) NOT NULL,
			status            VARCHAR(20) NOT NULL,
			amount            NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			currency          VARCHAR(3) NOT NULL,
			from_account_id   VARCHAR(40) REFERENCES accounts(id),
			to_account_id     VARCHAR(40) REFERENCES accounts(id),
			reference_number  VARCHAR(64) NOT NULL,
			description       TEXT,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_id);
		CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_account_id, created_at DESC);
	`)
	return err
}

const accountColumns = `id, owner_id, COALESCE(account_number, ''), balance, currency, is_active, is_frozen, created_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, acc *Account) error {
	if acc.ID == "" {
		acc.ID = idgen.WithPrefix("acc_")
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, account_number, balance, currency, is_active, is_frozen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acc.ID, acc.OwnerID, nullString(acc.AccountNumber), acc.Balance, acc.Currency, acc.Active, acc.Frozen, acc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return p.queryAccount(ctx, p.db, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
}

func (p *PostgresStore) ResolveAccount(ctx context.Context, idOrNumber string) (*Account, error) {
	return p.queryAccount(ctx, p.db,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 OR account_number = $1
		 ORDER BY (id = $1) DESC LIMIT 1`, idOrNumber)
}

func (p *PostgresStore) AccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("txn_")
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	return insertTransaction(ctx, p.db, tx)
}

const txColumns = `id, type, status, amount, currency, COALESCE(from_account_id, ''), COALESCE(to_account_id, ''),
		       reference_number, COALESCE(description, ''), created_at`

func (p *PostgresStore) ListTransactions(ctx context.Context, f TxFilter, limit int) ([]*Transaction, error) {
	where, args := f.where()
	query := `SELECT ` + txColumns + ` FROM transactions` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx := &Transaction{}
		var typ, status string
		if err := rows.Scan(&tx.ID, &typ, &status, &tx.Amount, &tx.Currency, &tx.FromAccountID, &tx.ToAccountID,
			&tx.Reference, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Type, tx.Status = TxType(typ), TxStatus(status)
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountTransactions(ctx context.Context, f TxFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) SumTransactions(ctx context.Context, f TxFilter) (decimal.Decimal, error) {
	where, args := f.where()
	var sum decimal.Decimal
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions`+where, args...).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// ExecuteTransfer runs the transfer in a SERIALIZABLE transaction, locking both
// account rows in sorted order. Serialization failures are retried.
func (p *PostgresStore) ExecuteTransfer(ctx context.Context, order TransferOrder) (*Transaction, error) {
	if !order.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if order.FromAccountID == order.ToAccountID {
		return nil, ErrSameAccount
	}

	var result *Transaction
	err := retry.Do(ctx, p.retry, func() error {
		tx, err := p.executeOnce(ctx, order)
		if err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) executeOnce(ctx context.Context, order TransferOrder) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbtx.Rollback() }()

	locked := make(map[string]*Account, 2)
	ids := []string{order.FromAccountID, order.ToAccountID}
	sort.Strings(ids)
	for _, id := range ids {
		acc, err := p.queryAccount(ctx, dbtx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		locked[id] = acc
	}

	from, to := locked[order.FromAccountID], locked[order.ToAccountID]
	if from.Currency != to.Currency {
		return nil, retry.Permanent(ErrCurrencyMismatch)
	}
	if err := ValidateSource(from, order.Amount); err != nil {
		return nil, retry.Permanent(err)
	}

	if g := order.Guard; g != nil {
		var used decimal.Decimal
		err := dbtx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(t.amount), 0)
			FROM transactions t
			JOIN accounts a ON a.id = t.from_account_id
			WHERE a.owner_id = $1
			  AND t.type = 'TRANSFER'
			  AND t.status IN ('COMPLETED', 'PENDING')
			  AND t.created_at >= $2`, g.OwnerID, g.Since).Scan(&used)
		if err != nil {
			return nil, err
		}
		if used.Add(order.Amount).GreaterThan(g.Limit) {
			return nil, retry.Permanent(ErrDailyLimitExceeded)
		}
	}

	if _, err := dbtx.ExecContext(ctx, `UPDATE accounts SET balance = balance - $2 WHERE id = $1`, from.ID, order.Amount); err != nil {
		return nil, fmt.Errorf("failed to debit source: %w", err)
	}
	if _, err := dbtx.ExecContext(ctx, `UPDATE accounts SET balance = balance + $2 WHERE id = $1`, to.ID, order.Amount); err != nil {
		return nil, fmt.Errorf("failed to credit destination: %w", err)
	}

	now := time.Now()
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
	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return nil, err
	}
	if err := dbtx.Commit(); err != nil {
		return nil, err
	}
	return tx, nil
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure or deadlock, both safe to retry.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertTransaction(ctx context.Context, db execer, tx *Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, type, status, amount, currency, from_account_id, to_account_id,
			reference_number, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tx.ID, string(tx.Type), string(tx.Status), tx.Amount, tx.Currency,
		nullString(tx.FromAccountID), nullString(tx.ToAccountID),
		referenceOrNew(tx.Reference, tx.CreatedAt), nullString(tx.Description), tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) queryAccount(ctx context.Context, q queryer, query string, arg string) (*Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(sc scanner) (*Account, error) {
	a := &Account{}
	if err := sc.Scan(&a.ID, &a.OwnerID, &a.AccountNumber, &a.Balance, &a.Currency, &a.Active, &a.Frozen, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func (f TxFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.FromAccountIDs != nil {
		add("from_account_id = ANY($%d)", pq.Array(f.FromAccountIDs))
	}
	if f.ToAccountID != "" {
		add("to_account_id = $%d", f.ToAccountID)
	}
	if f.Touching != "" {
		args = append(args, f.Touching)
		conds = append(conds, fmt.Sprintf("(from_account_id = $%d OR to_account_id = $%d)", len(args), len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if f.AmountAbove.Valid {
		add("amount > $%d", f.AmountAbove.Decimal)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
