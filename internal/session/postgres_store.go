package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/riskgate/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sessions table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id             VARCHAR(40) PRIMARY KEY,
			user_id        VARCHAR(64) NOT NULL,
			token          TEXT NOT NULL UNIQUE,
			refresh_token  TEXT,
			device_info    TEXT,
			fingerprint    VARCHAR(64),
			ip_address     VARCHAR(64),
			expires_at     TIMESTAMPTZ NOT NULL,
			last_activity  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`)
	return err
}

const sessionColumns = `id, user_id, token, COALESCE(refresh_token, ''), COALESCE(device_info, ''),
		       COALESCE(fingerprint, ''), COALESCE(ip_address, ''), expires_at, last_activity, created_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = idgen.WithPrefix("ses_")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token, refresh_token, device_info, fingerprint, ip_address,
		                      expires_at, last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.IdentityID, s.Token, nullString(s.RefreshToken), nullString(s.DeviceInfo),
		nullString(s.Fingerprint), nullString(s.IPAddress), s.ExpiresAt, s.LastActivity, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return p.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
}

func (p *PostgresStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	return p.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = $1`, token)
}

func (p *PostgresStore) getOne(ctx context.Context, query, arg string) (*Session, error) {
	s := &Session{}
	err := p.db.QueryRowContext(ctx, query, arg).Scan(
		&s.ID, &s.IdentityID, &s.Token, &s.RefreshToken, &s.DeviceInfo,
		&s.Fingerprint, &s.IPAddress, &s.ExpiresAt, &s.LastActivity, &s.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	return p.execOne(ctx, `UPDATE sessions SET last_activity = $2 WHERE id = $1`, id, at)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return p.execOne(ctx, `DELETE FROM sessions WHERE id = $1`, id)
}

func (p *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
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

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) RecentDevices(ctx context.Context, identityID string, limit int) ([]string, error) {
	return p.strings(ctx, `
		SELECT COALESCE(fingerprint, '') FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, identityID, limit)
}

func (p *PostgresStore) RecentIPs(ctx context.Context, identityID string, limit int) ([]string, error) {
	return p.strings(ctx, `
		SELECT COALESCE(ip_address, '') AS ip FROM sessions
		WHERE user_id = $1
		GROUP BY ip
		ORDER BY MAX(created_at) DESC
		LIMIT $2`, identityID, limit)
}

func (p *PostgresStore) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
