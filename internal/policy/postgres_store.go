package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists route policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the route_policies table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS route_policies (
			route             TEXT PRIMARY KEY,
			options           JSONB NOT NULL DEFAULT '{}',
			enabled           BOOLEAN NOT NULL DEFAULT true,
			enforcement_mode  TEXT NOT NULL DEFAULT 'enforce',
			shadow_expires_at TIMESTAMPTZ,
			updated_by        TEXT,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

const policyColumns = `route, options, enabled, enforcement_mode, shadow_expires_at,
	COALESCE(updated_by, ''), created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, route string) (*RoutePolicy, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM route_policies WHERE route = $1`, route)
	rp, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rp, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*RoutePolicy, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM route_policies ORDER BY route`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RoutePolicy
	for rows.Next() {
		rp, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rp)
	}
	return result, rows.Err()
}

// Put upserts by route; created_at survives replacement.
func (p *PostgresStore) Put(ctx context.Context, rp *RoutePolicy) error {
	opts, err := json.Marshal(rp.Options)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO route_policies (route, options, enabled, enforcement_mode, shadow_expires_at, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (route) DO UPDATE SET
			options = EXCLUDED.options,
			enabled = EXCLUDED.enabled,
			enforcement_mode = EXCLUDED.enforcement_mode,
			shadow_expires_at = EXCLUDED.shadow_expires_at,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		rp.Route, opts, rp.Enabled, rp.EnforcementMode, nullTime(rp.ShadowExpiresAt),
		nullString(rp.UpdatedBy), rp.CreatedAt, rp.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, route string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM route_policies WHERE route = $1`, route)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*RoutePolicy, error) {
	rp := &RoutePolicy{}
	var opts []byte
	var shadowExp sql.NullTime
	err := row.Scan(&rp.Route, &opts, &rp.Enabled, &rp.EnforcementMode, &shadowExp,
		&rp.UpdatedBy, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// Corrupt options must not silently fall back to permissive defaults.
	if err := json.Unmarshal(opts, &rp.Options); err != nil {
		return nil, fmt.Errorf("policy: corrupt options for %s: %w", rp.Route, err)
	}
	if shadowExp.Valid {
		rp.ShadowExpiresAt = shadowExp.Time
	}
	return rp, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
