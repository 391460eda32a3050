package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/riskgate/internal/idgen"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
)

// Sink receives every record after it has been persisted.
type Sink interface {
	Publish(rec *Record)
}

// Recorder is the single write path into the audit log.
type Recorder struct {
	store Store
	sinks []Sink
	now   func() time.Time
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithSink registers a subscriber for persisted records.
func (r *Recorder) WithSink(s Sink) *Recorder {
	r.sinks = append(r.sinks, s)
	return r
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}

// Record appends an entry. Failures are logged and counted, never returned:
// a broken audit store must not fail the request being audited.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if _, err := r.Persist(ctx, e); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		logging.L(ctx).Error("audit write failed",
			"action", e.Action,
			"status", string(e.Status),
			"error", err,
		)
	}
}

// Persist appends an entry and reports failures. Use it where the record
// itself is load-bearing, such as JIT grants.
func (r *Recorder) Persist(ctx context.Context, e Entry) (*Record, error) {
	if e.Action == "" {
		return nil, fmt.Errorf("audit: action is required")
	}
	if !e.Status.Valid() {
		return nil, ErrInvalidStatus
	}

	now := r.now().UTC()
	rec := &Record{
		ID:         idgen.NewAt(now),
		IdentityID: e.IdentityID,
		Action:     e.Action,
		Resource:   e.Resource,
		ResourceID: e.ResourceID,
		Status:     e.Status,
		IPAddress:  e.Origin.IP,
		UserAgent:  e.Origin.UserAgent,
		DeviceInfo: e.Origin.DeviceInfo,
		Metadata:   e.Metadata,
		CreatedAt:  now,
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return nil, err
	}

	for _, s := range r.sinks {
		s.Publish(rec)
	}
	return rec, nil
}
