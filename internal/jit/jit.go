// Package jit issues just-in-time access grants: short-lived tokens that let
// an employee perform one kind of action on one resource. Grants live in the
// audit log as JIT_ACCESS_REQUEST records holding a digest of the token.
package jit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/logging"
)

// DefaultDuration is the grant lifetime when none is requested.
const DefaultDuration = 30 * time.Minute

// Scan depths when looking a token up among an identity's grants.
const (
	verifyScan = 10
	revokeScan = 100
)

// EligibleRoles may request grants.
var EligibleRoles = []string{"EMPLOYEE", "ADMIN"}

var (
	ErrMissingFields = errors.New("jit: resource, resourceId, action and reason are required")
	ErrInvalidToken  = errors.New("jit: invalid or expired access token")
)

// Request asks for temporary access.
type Request struct {
	IdentityID string
	Resource   string
	ResourceID string
	Action     string
	Reason     string
	Duration   time.Duration
	Origin     audit.Origin
}

// Grant is an issued access token. The plaintext token is only ever returned
// here.
type Grant struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resourceId"`
	Action     string    `json:"action"`
}

// Service grants, verifies and revokes JIT access.
type Service struct {
	recorder *audit.Recorder
	now      func() time.Time
}

// NewService creates a service storing grants through recorder.
func NewService(recorder *audit.Recorder) *Service {
	return &Service{recorder: recorder, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Grant issues a token for req.
func (s *Service) Grant(ctx context.Context, req Request) (*Grant, error) {
	if req.Resource == "" || req.ResourceID == "" || req.Action == "" || req.Reason == "" {
		return nil, ErrMissingFields
	}
	d := req.Duration
	if d <= 0 {
		d = DefaultDuration
	}

	token := uuid.NewString()
	expiresAt := s.now().Add(d).UTC()
	rec, err := s.recorder.Persist(ctx, audit.Entry{
		IdentityID: req.IdentityID,
		Action:     audit.ActionJITRequest,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Status:     audit.StatusSuccess,
		Origin:     req.Origin,
		Metadata: audit.JITMetadata{
			TokenHash:     HashToken(token),
			GrantedAction: req.Action,
			Reason:        req.Reason,
			ExpiresAt:     expiresAt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jit: record grant: %w", err)
	}

	logging.L(ctx).Info("jit access granted",
		"identity_id", req.IdentityID,
		"resource", req.Resource,
		"resource_id", req.ResourceID,
		"action", req.Action,
		"expires_at", expiresAt,
	)
	return &Grant{
		ID:         rec.ID,
		Token:      token,
		ExpiresAt:  expiresAt,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Action:     req.Action,
	}, nil
}

// Use checks token against the identity's live grants for the resource and
// records JIT_ACCESS_USED. It returns ErrInvalidToken when the token is
// unknown, revoked, expired or issued for a different action.
func (s *Service) Use(ctx context.Context, token, identityID, resource, resourceID, action string, o audit.Origin) error {
	grants, err := s.recorder.Store().List(ctx, audit.Query{
		IdentityID: identityID,
		Action:     audit.ActionJITRequest,
		Resource:   resource,
		ResourceID: resourceID,
		Status:     audit.StatusSuccess,
		Limit:      verifyScan,
	})
	if err != nil {
		return fmt.Errorf("jit: list grants: %w", err)
	}

	hash := HashToken(token)
	var grant *audit.Record
	var md audit.JITMetadata
	for _, g := range grants {
		if m, ok := g.Metadata.(audit.JITMetadata); ok && m.TokenHash == hash {
			grant, md = g, m
			break
		}
	}
	if grant == nil {
		return ErrInvalidToken
	}
	if !md.ExpiresAt.IsZero() && md.ExpiresAt.Before(s.now()) {
		return ErrInvalidToken
	}
	if md.GrantedAction != action {
		return ErrInvalidToken
	}

	s.recorder.Record(ctx, audit.Entry{
		IdentityID: identityID,
		Action:     audit.ActionJITUsed,
		Resource:   resource,
		ResourceID: resourceID,
		Status:     audit.StatusSuccess,
		Origin:     o,
		Metadata: audit.JITMetadata{
			TokenHash:         hash,
			GrantedAction:     action,
			OriginalRequestID: grant.ID,
		},
	})
	return nil
}

// Revoke marks every grant of identityID carrying token as REVOKED and
// returns how many were revoked.
func (s *Service) Revoke(ctx context.Context, token, identityID string) (int, error) {
	grants, err := s.recorder.Store().List(ctx, audit.Query{
		IdentityID: identityID,
		Action:     audit.ActionJITRequest,
		Limit:      revokeScan,
	})
	if err != nil {
		return 0, fmt.Errorf("jit: list grants: %w", err)
	}

	hash := HashToken(token)
	revoked := 0
	for _, g := range grants {
		m, ok := g.Metadata.(audit.JITMetadata)
		if !ok || m.TokenHash != hash || g.Status == audit.StatusRevoked {
			continue
		}
		if err := s.recorder.Store().SetStatus(ctx, g.ID, audit.StatusRevoked); err != nil {
			return revoked, fmt.Errorf("jit: revoke %s: %w", g.ID, err)
		}
		revoked++
	}
	return revoked, nil
}

// HashToken is the digest stored in place of a grant token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
