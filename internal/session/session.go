// Package session stores authenticated sessions and the per-identity device
// and IP history the risk scorer compares against.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// Bounds of the history windows read by the risk scorer.
const (
	DeviceHistory = 10
	IPHistory     = 5
)

// Session is an authenticated session issued at login or MFA verification.
type Session struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"userId"`
	Token        string    `json:"-"`
	RefreshToken string    `json:"-"`
	DeviceInfo   string    `json:"deviceInfo,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByToken(ctx context.Context, token string) (*Session, error)
	// Touch sets the session's last activity.
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// RecentDevices returns the fingerprints of the identity's newest sessions.
	RecentDevices(ctx context.Context, identityID string, limit int) ([]string, error)
	// RecentIPs returns up to limit distinct IPs from the identity's sessions,
	// most recently used first.
	RecentIPs(ctx context.Context, identityID string, limit int) ([]string, error)
}
