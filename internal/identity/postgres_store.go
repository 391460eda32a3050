package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/riskgate/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Roles and permissions are
// denormalised into text arrays.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS identities (
			id           VARCHAR(64) PRIMARY KEY,
			email        VARCHAR(255),
			is_active    BOOLEAN NOT NULL DEFAULT TRUE,
			roles        TEXT[] NOT NULL DEFAULT '{}',
			permissions  TEXT[] NOT NULL DEFAULT '{}',
			mfa_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, ident *Identity) error {
	if ident.ID == "" {
		ident.ID = idgen.WithPrefix("usr_")
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO identities (id, email, is_active, roles, permissions, mfa_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ident.ID, ident.Email, ident.Active, pq.Array(ident.Roles), pq.Array(ident.Permissions),
		ident.MFAEnabled, ident.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Identity, error) {
	ident := &Identity{}
	var email sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, is_active, roles, permissions, mfa_enabled, created_at
		FROM identities WHERE id = $1`, id,
	).Scan(&ident.ID, &email, &ident.Active, pq.Array(&ident.Roles), pq.Array(&ident.Permissions),
		&ident.MFAEnabled, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	ident.Email = email.String
	return ident, nil
}

func (p *PostgresStore) SetMFA(ctx context.Context, id string, enabled bool) error {
	return p.set(ctx, `UPDATE identities SET mfa_enabled = $2 WHERE id = $1`, id, enabled)
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	return p.set(ctx, `UPDATE identities SET is_active = $2 WHERE id = $1`, id, active)
}

func (p *PostgresStore) set(ctx context.Context, query, id string, v bool) error {
	res, err := p.db.ExecContext(ctx, query, id, v)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
