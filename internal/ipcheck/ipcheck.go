// Package ipcheck applies blacklist, whitelist and trusted-range rules to
// client addresses.
package ipcheck

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/mbd888/riskgate/internal/logging"
)

// Denial reasons.
const (
	ReasonBlacklisted    = "IP is blacklisted"
	ReasonNotWhitelisted = "IP is not whitelisted"
)

// Result is the outcome of a reputation check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Private marks RFC 1918 / ULA addresses. They are allowed but flagged.
	Private bool `json:"private"`
	// Trusted marks addresses in the operator's trusted list.
	Trusted bool `json:"trusted"`
}

// Lists holds the raw configured entries. Each entry is an address or a CIDR prefix.
type Lists struct {
	Trusted     []string
	Blacklisted []string
	Whitelisted []string
}

// Checker evaluates addresses against the configured lists.
type Checker struct {
	mu          sync.RWMutex
	trusted     matcher
	blacklisted matcher
	whitelisted matcher
}

// NewChecker compiles the lists. Invalid entries are rejected.
func NewChecker(lists Lists) (*Checker, error) {
	c := &Checker{}
	if err := c.Update(lists); err != nil {
		return nil, err
	}
	return c, nil
}

// Update atomically replaces the lists.
func (c *Checker) Update(lists Lists) error {
	trusted, err := compile(lists.Trusted)
	if err != nil {
		return fmt.Errorf("trusted list: %w", err)
	}
	black, err := compile(lists.Blacklisted)
	if err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	white, err := compile(lists.Whitelisted)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}

	c.mu.Lock()
	c.trusted, c.blacklisted, c.whitelisted = trusted, black, white
	c.mu.Unlock()
	return nil
}

// Check evaluates ip in order: blacklist, then whitelist (when non-empty).
// The result depends only on ip and the current lists.
func (c *Checker) Check(ctx context.Context, ip, identityID string) Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ip = strings.TrimSpace(ip)
	addr, parseErr := netip.ParseAddr(ip)
	if parseErr == nil {
		addr = addr.Unmap()
	}
	valid := parseErr == nil

	res := Result{
		Private: valid && addr.IsPrivate(),
		Trusted: c.trusted.contains(ip, addr, valid),
	}

	switch {
	case c.blacklisted.contains(ip, addr, valid):
		res.Reason = ReasonBlacklisted
	case !c.whitelisted.empty() && !c.whitelisted.contains(ip, addr, valid):
		res.Reason = ReasonNotWhitelisted
	default:
		res.Allowed = true
	}

	if !res.Allowed {
		logging.L(ctx).Debug("ip check denied", "ip", ip, "identity_id", identityID, "reason", res.Reason)
	}
	return res
}

// IsTrusted reports whether ip is in the trusted list.
func (c *Checker) IsTrusted(ip string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err == nil {
		addr = addr.Unmap()
	}
	return c.trusted.contains(strings.TrimSpace(ip), addr, err == nil)
}

type matcher struct {
	raw      map[string]struct{}
	prefixes []netip.Prefix
}

func compile(entries []string) (matcher, error) {
	m := matcher{raw: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return matcher{}, fmt.Errorf("invalid prefix %q: %w", e, err)
			}
			m.prefixes = append(m.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return matcher{}, fmt.Errorf("invalid address %q: %w", e, err)
		}
		m.raw[addr.Unmap().String()] = struct{}{}
	}
	return m, nil
}

func (m matcher) empty() bool {
	return len(m.raw) == 0 && len(m.prefixes) == 0
}

func (m matcher) contains(raw string, addr netip.Addr, valid bool) bool {
	if !valid {
		_, ok := m.raw[raw]
		return ok
	}
	if _, ok := m.raw[addr.String()]; ok {
		return true
	}
	for _, p := range m.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
