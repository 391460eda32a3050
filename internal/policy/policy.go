// Package policy stores per-route overrides of the gate options.
//
// Routes ship with compiled-in defaults (the transfer route requires a risk
// score below 70, for instance). An operator can override them per route,
// and can run an override in shadow mode first: the gate still evaluates and
// audits, but a shadow denial does not block the request.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/gate"
)

var (
	ErrNotFound     = errors.New("policy: not found")
	ErrInvalidRoute = errors.New("policy: route must be \"METHOD /path\"")
)

// Enforcement modes.
const (
	ModeEnforce = "enforce"
	ModeShadow  = "shadow"
)

// MaxShadowDuration bounds how long a policy may stay in shadow mode.
const MaxShadowDuration = 30 * 24 * time.Hour

// RoutePolicy overrides the gate options of one route.
type RoutePolicy struct {
	Route           string       `json:"route"` // e.g. "POST /v1/transfers"
	Options         gate.Options `json:"options"`
	Enabled         bool         `json:"enabled"`
	EnforcementMode string       `json:"enforcementMode"`
	// ShadowExpiresAt flips a shadow policy to enforcement once passed.
	ShadowExpiresAt time.Time `json:"shadowExpiresAt,omitzero"`
	UpdatedBy       string    `json:"updatedBy,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Shadow reports whether denials under p are observed rather than enforced
// at now.
func (p *RoutePolicy) Shadow(now time.Time) bool {
	if p.EnforcementMode != ModeShadow {
		return false
	}
	return p.ShadowExpiresAt.IsZero() || now.Before(p.ShadowExpiresAt)
}

// Normalize fills defaults and validates p.
func (p *RoutePolicy) Normalize(now time.Time) error {
	method, path, ok := strings.Cut(strings.TrimSpace(p.Route), " ")
	if !ok || method == "" || !strings.HasPrefix(path, "/") {
		return ErrInvalidRoute
	}
	p.Route = strings.ToUpper(method) + " " + strings.TrimSpace(path)

	switch p.EnforcementMode {
	case "":
		p.EnforcementMode = ModeEnforce
	case ModeEnforce, ModeShadow:
	default:
		return fmt.Errorf("policy: enforcementMode must be %q or %q", ModeEnforce, ModeShadow)
	}
	if p.EnforcementMode == ModeShadow {
		if p.ShadowExpiresAt.IsZero() || p.ShadowExpiresAt.Sub(now) > MaxShadowDuration {
			p.ShadowExpiresAt = now.Add(MaxShadowDuration)
		}
	} else {
		p.ShadowExpiresAt = time.Time{}
	}

	if p.Options.MinRiskScore < 0 || p.Options.MinRiskScore > 100 {
		return fmt.Errorf("policy: minRiskScore must be within 0..100")
	}
	for _, r := range p.Options.AllowedRoles {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("policy: allowedRoles must not contain empty names")
		}
	}
	return nil
}

// Store persists route policies keyed by route.
type Store interface {
	Get(ctx context.Context, route string) (*RoutePolicy, error)
	List(ctx context.Context) ([]*RoutePolicy, error)
	// Put creates or replaces the policy for p.Route.
	Put(ctx context.Context, p *RoutePolicy) error
	Delete(ctx context.Context, route string) error
}
