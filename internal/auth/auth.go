// Package auth authenticates API callers by session token.
//
// Tokens are opaque "sk_" strings returned once at issue time; only their
// sha256 digest is stored on the session. Expiry is not enforced here: the
// gate's session step rejects and audits expired sessions.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/fingerprint"
	"github.com/mbd888/riskgate/internal/identity"
	"github.com/mbd888/riskgate/internal/session"
)

// TokenPrefix marks session tokens.
const TokenPrefix = "sk_"

// DefaultSessionTTL is the lifetime of an issued session.
const DefaultSessionTTL = 15 * time.Minute

var (
	ErrNoToken      = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is an authenticated caller.
type Principal struct {
	Identity *identity.Identity
	Session  *session.Session
}

// Manager issues, resolves and revokes session tokens.
type Manager struct {
	sessions   session.Store
	identities identity.Store
	recorder   *audit.Recorder
	ttl        time.Duration
	now        func() time.Time
}

// NewManager creates a manager.
func NewManager(sessions session.Store, identities identity.Store, recorder *audit.Recorder) *Manager {
	return &Manager{
		sessions:   sessions,
		identities: identities,
		recorder:   recorder,
		ttl:        DefaultSessionTTL,
		now:        time.Now,
	}
}

// WithTTL overrides the session lifetime.
func (m *Manager) WithTTL(d time.Duration) *Manager {
	m.ttl = d
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue opens a session for identityID from the device described by headers
// and returns the raw token, shown once.
func (m *Manager) Issue(ctx context.Context, identityID, ip string, headers fingerprint.Headers) (string, *session.Session, error) {
	ident, err := identity.Resolve(ctx, m.identities, identityID)
	if err != nil {
		return "", nil, fmt.Errorf("auth: resolve identity: %w", err)
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	raw := TokenPrefix + hex.EncodeToString(b)

	now := m.now()
	s := &session.Session{
		IdentityID:   ident.ID,
		Token:        HashToken(raw),
		DeviceInfo:   fingerprint.DeviceInfo(headers),
		Fingerprint:  fingerprint.Generate(headers),
		IPAddress:    ip,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return "", nil, fmt.Errorf("auth: create session: %w", err)
	}

	m.recorder.Record(ctx, audit.Login(ident.ID, audit.StatusSuccess,
		audit.Origin{IP: ip, UserAgent: headerValue(headers, "User-Agent"), DeviceInfo: s.DeviceInfo},
		audit.LoginMetadata{Method: "token", Timestamp: now.UTC()}))
	return raw, s, nil
}

// Authenticate resolves a bearer value ("Bearer sk_..." or the bare token)
// to its principal.
func (m *Manager) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}
	if !strings.HasPrefix(raw, TokenPrefix) {
		return nil, ErrInvalidToken
	}

	s, err := m.sessions.GetByToken(ctx, HashToken(raw))
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load session: %w", err)
	}

	ident, err := identity.Resolve(ctx, m.identities, s.IdentityID)
	if errors.Is(err, identity.ErrNotFound) || errors.Is(err, identity.ErrInactive) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("auth: resolve identity: %w", err)
	}
	return &Principal{Identity: ident, Session: s}, nil
}

// Revoke ends the principal's session and records the logout.
func (m *Manager) Revoke(ctx context.Context, p *Principal, o audit.Origin) error {
	if err := m.sessions.Delete(ctx, p.Session.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	m.recorder.Record(ctx, audit.Logout(p.Identity.ID, o))
	return nil
}

// RecordFailure audits a rejected token as a failed login so repeated
// guessing counts toward the bruteforce lockout.
func (m *Manager) RecordFailure(ctx context.Context, err error, o audit.Origin) {
	m.recorder.Record(ctx, audit.Login("", audit.StatusFailed, o, audit.LoginMetadata{
		Method:    "token",
		Reason:    err.Error(),
		Timestamp: m.now().UTC(),
	}))
}

// HashToken is the digest stored in place of a session token.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func headerValue(h fingerprint.Headers, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}
