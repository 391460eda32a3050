// Package identity resolves authenticated principals: their roles,
// permissions and MFA enrolment.
package identity

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrNotFound = errors.New("identity: not found")
	ErrInactive = errors.New("identity: inactive")
)

// Identity is an authenticated customer or employee.
type Identity struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Active      bool      `json:"active"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	MFAEnabled  bool      `json:"mfaEnabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasAnyRole reports whether the identity holds at least one of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(i.Roles, r) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the identity was granted perm.
func (i *Identity) HasPermission(perm string) bool {
	return slices.Contains(i.Permissions, perm)
}

// Store persists identities.
type Store interface {
	Create(ctx context.Context, id *Identity) error
	Get(ctx context.Context, id string) (*Identity, error)
	SetMFA(ctx context.Context, id string, enabled bool) error
	SetActive(ctx context.Context, id string, active bool) error
}

// Resolve loads an identity and rejects inactive ones.
func Resolve(ctx context.Context, s Store, id string) (*Identity, error) {
	ident, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ident.Active {
		return nil, ErrInactive
	}
	return ident, nil
}
