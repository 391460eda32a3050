package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore persists audit records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_logs table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id           VARCHAR(40) PRIMARY KEY,
			user_id      VARCHAR(64),
			action       VARCHAR(64) NOT NULL,
			resource     TEXT,
			resource_id  TEXT,
			status       VARCHAR(10) NOT NULL CHECK (status IN ('SUCCESS','FAILED','BLOCKED','REVOKED')),
			ip_address   VARCHAR(64),
			user_agent   TEXT,
			device_info  TEXT,
			metadata     JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_ip_action ON audit_logs (ip_address, action, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action, created_at DESC);
	`)
	return err
}

const selectColumns = `id, user_id, action, resource, resource_id, status,
		       ip_address, user_agent, device_info, metadata, created_at`

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, user_id, action, resource, resource_id, status,
			ip_address, user_agent, device_info, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, nullString(rec.IdentityID), rec.Action, nullString(rec.Resource), nullString(rec.ResourceID),
		string(rec.Status), nullString(rec.IPAddress), nullString(rec.UserAgent), nullString(rec.DeviceInfo),
		metadata, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM audit_logs WHERE id = $1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	res, err := s.db.ExecContext(ctx, `UPDATE audit_logs SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update audit status: %w", err)
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

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Record, error) {
	where, args := buildWhere(q)
	query := `SELECT ` + selectColumns + ` FROM audit_logs` + where + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, q Query) (int, error) {
	where, args := buildWhere(q)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountBy(ctx context.Context, q Query, field GroupField, limit int) ([]GroupCount, error) {
	var column string
	switch field {
	case GroupByAction:
		column = "action"
	case GroupByIPAddress:
		column = "ip_address"
	default:
		return nil, fmt.Errorf("audit: unsupported group field %q", field)
	}

	where, args := buildWhere(q)
	query := `SELECT COALESCE(` + column + `, ''), COUNT(*) FROM audit_logs` + where +
		` GROUP BY ` + column + ` ORDER BY COUNT(*) DESC, ` + column
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to group audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []GroupCount
	for rows.Next() {
		var g GroupCount
		if err := rows.Scan(&g.Key, &g.Count); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

// buildWhere renders q as a WHERE clause with positional arguments.
func buildWhere(q Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.IdentityID != "" {
		add("user_id = $%d", q.IdentityID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.ActionPrefix != "" {
		add("action LIKE $%d", escapeLike(q.ActionPrefix)+"%")
	}
	if q.ActionContains != "" {
		add("action ILIKE $%d", "%"+escapeLike(q.ActionContains)+"%")
	}
	if q.Resource != "" {
		add("resource = $%d", q.Resource)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.IPAddress != "" {
		add("ip_address = $%d", q.IPAddress)
	}
	if q.Either != nil {
		var either []string
		if q.Either.IdentityID != "" {
			args = append(args, q.Either.IdentityID)
			either = append(either, fmt.Sprintf("user_id = $%d", len(args)))
		}
		if q.Either.IP != "" {
			args = append(args, q.Either.IP)
			either = append(either, fmt.Sprintf("ip_address = $%d", len(args)))
		}
		if len(either) == 0 {
			either = append(either, "FALSE")
		}
		conds = append(conds, "("+strings.Join(either, " OR ")+")")
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("created_at <= $%d", q.Until)
	}
	if q.After != nil {
		args = append(args, q.After.CreatedAt, q.After.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*Record, error) {
	r := &Record{}
	var (
		identityID, resource, resourceID sql.NullString
		ip, userAgent, deviceInfo        sql.NullString
		status                           string
		metadata                         []byte
	)
	if err := sc.Scan(
		&r.ID, &identityID, &r.Action, &resource, &resourceID, &status,
		&ip, &userAgent, &deviceInfo, &metadata, &r.CreatedAt,
	); err != nil {
		return nil, err
	}

	r.IdentityID = identityID.String
	r.Resource = resource.String
	r.ResourceID = resourceID.String
	r.Status = Status(status)
	r.IPAddress = ip.String
	r.UserAgent = userAgent.String
	r.DeviceInfo = deviceInfo.String

	md, err := DecodeMetadata(r.Action, metadata)
	if err != nil {
		return nil, err
	}
	r.Metadata = md
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
