package audit

import (
	"context"
	"time"

	"github.com/mbd888/riskgate/internal/pagination"
)

// SignalView answers the count and recency questions decision components ask
// of the audit log. Every read is identity- or origin-scoped and windowed.
type SignalView struct {
	store Store
	now   func() time.Time
}

// NewSignalView creates a signal projection over store.
func NewSignalView(store Store) *SignalView {
	return &SignalView{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (v *SignalView) WithClock(now func() time.Time) *SignalView {
	v.now = now
	return v
}

// FailedLogins counts FAILED LOGIN records for identityID within window.
func (v *SignalView) FailedLogins(ctx context.Context, identityID string, window time.Duration) (int, error) {
	return v.store.Count(ctx, Query{
		IdentityID: identityID,
		Action:     ActionLogin,
		Status:     StatusFailed,
		Since:      v.now().Add(-window),
	})
}

// FailedLoginsBySubject counts FAILED LOGIN records matching either the
// identity or the IP within window.
func (v *SignalView) FailedLoginsBySubject(ctx context.Context, s Subject, window time.Duration) (int, error) {
	return v.store.Count(ctx, Query{
		Either: &s,
		Action: ActionLogin,
		Status: StatusFailed,
		Since:  v.now().Add(-window),
	})
}

// RecentActivity counts all records for identityID within window.
func (v *SignalView) RecentActivity(ctx context.Context, identityID string, window time.Duration) (int, error) {
	return v.store.Count(ctx, Query{
		IdentityID: identityID,
		Since:      v.now().Add(-window),
	})
}

// LatestBySubject returns the newest record with action and status for the
// subject within window, or nil.
func (v *SignalView) LatestBySubject(ctx context.Context, s Subject, action string, status Status, window time.Duration) (*Record, error) {
	recs, err := v.store.List(ctx, Query{
		Either: &s,
		Action: action,
		Status: status,
		Since:  v.now().Add(-window),
		Limit:  1,
	})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Recent lists the newest records for identityID with the given action and
// status, capped at limit.
func (v *SignalView) Recent(ctx context.Context, identityID, action string, status Status, limit int) ([]*Record, error) {
	return v.store.List(ctx, Query{
		IdentityID: identityID,
		Action:     action,
		Status:     status,
		Limit:      limit,
	})
}

// ComplianceView serves filtered listings and aggregates for reviewers.
type ComplianceView struct {
	store Store
}

// NewComplianceView creates a compliance projection over store.
func NewComplianceView(store Store) *ComplianceView {
	return &ComplianceView{store: store}
}

// Page is one page of a compliance listing.
type Page struct {
	Records    []*Record `json:"logs"`
	Total      int       `json:"total"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// List returns records matching q, newest first, with keyset pagination.
func (v *ComplianceView) List(ctx context.Context, q Query) (*Page, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	limit := q.Limit

	countQuery := q
	countQuery.After, countQuery.Limit = nil, 0
	total, err := v.store.Count(ctx, countQuery)
	if err != nil {
		return nil, err
	}

	q.Limit = limit + 1
	recs, err := v.store.List(ctx, q)
	if err != nil {
		return nil, err
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return &Page{Records: recs, Total: total, NextCursor: next, HasMore: more}, nil
}

// CustomerAccess lists CUSTOMER_* records, optionally for one customer or employee.
func (v *ComplianceView) CustomerAccess(ctx context.Context, customerID, employeeID string, q Query) (*Page, error) {
	q.ActionPrefix = CustomerActionPrefix
	q.ResourceID = customerID
	q.IdentityID = employeeID
	return v.List(ctx, q)
}

// Stats summarises the log over [since, until].
type Stats struct {
	Total           int          `json:"total"`
	Success         int          `json:"success"`
	Failed          int          `json:"failed"`
	Blocked         int          `json:"blocked"`
	LoginAttempts   int          `json:"loginAttempts"`
	Transfers       int          `json:"transfers"`
	CustomerAccess  int          `json:"customerAccess"`
	TopActions      []GroupCount `json:"topActions"`
	FailedLoginByIP []GroupCount `json:"failedLoginByIp"`
}

// Stats computes the dashboard summary.
func (v *ComplianceView) Stats(ctx context.Context, since, until time.Time) (*Stats, error) {
	base := Query{Since: since, Until: until}
	with := func(mut func(q *Query)) Query {
		q := base
		mut(&q)
		return q
	}

	st := &Stats{}
	type countInto struct {
		dst *int
		q   Query
	}
	counts := []countInto{
		{&st.Total, base},
		{&st.Success, with(func(q *Query) { q.Status = StatusSuccess })},
		{&st.Failed, with(func(q *Query) { q.Status = StatusFailed })},
		{&st.Blocked, with(func(q *Query) { q.Status = StatusBlocked })},
		{&st.LoginAttempts, with(func(q *Query) { q.Action = ActionLogin })},
		{&st.Transfers, with(func(q *Query) { q.Action = ActionTransfer })},
		{&st.CustomerAccess, with(func(q *Query) { q.ActionPrefix = CustomerActionPrefix })},
	}
	for _, c := range counts {
		n, err := v.store.Count(ctx, c.q)
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}

	var err error
	if st.TopActions, err = v.store.CountBy(ctx, base, GroupByAction, 10); err != nil {
		return nil, err
	}
	failed := with(func(q *Query) { q.Action, q.Status = ActionLogin, StatusFailed })
	if st.FailedLoginByIP, err = v.store.CountBy(ctx, failed, GroupByIPAddress, 10); err != nil {
		return nil, err
	}
	return st, nil
}
