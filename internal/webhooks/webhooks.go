// Package webhooks pushes security alerts to external services.
//
// Operators subscribe URLs to alert types. The dispatcher receives every
// persisted audit record, classifies the ones that warrant an alert and
// delivers them as signed JSON:
//   - transfer.blocked: transfers stopped by fraud detection or limits
//   - access.denied: zero-trust, MFA and permission refusals
//   - auth.lockout: bruteforce lockouts
//   - risk.block: risk assessments recommending BLOCK
//   - jit.granted: just-in-time access grants
//   - customer.accessed: staff viewing customer data
package webhooks

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/risk"
)

// EventType names an alert.
type EventType string

const (
	EventTransferBlocked EventType = "transfer.blocked"
	EventAccessDenied    EventType = "access.denied"
	EventLockout         EventType = "auth.lockout"
	EventRiskBlock       EventType = "risk.block"
	EventJITGranted      EventType = "jit.granted"
	EventCustomerAccess  EventType = "customer.accessed"
	// EventTest is only sent on demand to check a subscription.
	EventTest EventType = "webhook.test"
)

// EventTypes lists the alerts a subscription may select.
var EventTypes = []EventType{
	EventTransferBlocked,
	EventAccessDenied,
	EventLockout,
	EventRiskBlock,
	EventJITGranted,
	EventCustomerAccess,
}

// Valid reports whether t can be subscribed to.
func (t EventType) Valid() bool {
	return slices.Contains(EventTypes, t)
}

var ErrNotFound = errors.New("webhooks: subscription not found")

// Classify maps an audit record to the alert it raises, if any.
func Classify(rec *audit.Record) (EventType, bool) {
	switch {
	case rec.Action == audit.ActionTransfer && rec.Status == audit.StatusBlocked:
		return EventTransferBlocked, true
	case rec.Action == audit.ActionZeroTrustBlock,
		rec.Action == audit.ActionMFARequired,
		rec.Action == audit.ActionPermissionDenied:
		return EventAccessDenied, true
	case rec.Action == audit.ActionBruteforceBlock:
		return EventLockout, true
	case rec.Action == audit.ActionRiskAssessment:
		md, ok := rec.Metadata.(audit.RiskMetadata)
		if ok && md.Recommendation == string(risk.Block) {
			return EventRiskBlock, true
		}
	case rec.Action == audit.ActionJITRequest && rec.Status == audit.StatusSuccess:
		return EventJITGranted, true
	case strings.HasPrefix(rec.Action, audit.CustomerActionPrefix):
		return EventCustomerAccess, true
	}
	return "", false
}

// Event is the delivered payload.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Record    *audit.Record `json:"record,omitempty"`
}

// Subscription is a registered alert endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // HMAC key
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedBy           string      `json:"createdBy,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives t.
func (s *Subscription) Wants(t EventType) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// ListByEvent returns the active subscriptions selecting t.
	ListByEvent(ctx context.Context, t EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, clone(sub))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, t EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wants(t) {
			result = append(result, clone(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
