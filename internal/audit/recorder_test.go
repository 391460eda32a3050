package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/metrics"
)

type failingStore struct {
	*MemoryStore
}

func (failingStore) Append(context.Context, *Record) error {
	return errors.New("disk full")
}

type captureSink struct {
	mu   sync.Mutex
	recs []*Record
}

func (s *captureSink) Publish(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func failureCount(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.AuditWriteFailuresTotal.Write(&m))
	return m.GetCounter().GetValue()
}

var origin = Origin{IP: "203.0.113.10", UserAgent: "Mozilla/5.0", DeviceInfo: "Mozilla/5.0 | tr-TR"}

func TestRecorder_PersistsAndPublishes(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{}
	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	rec := NewRecorder(store).WithSink(sink).WithClock(func() time.Time { return at })

	rec.Record(context.Background(), Logout("usr-1", origin))

	recs, err := store.List(context.Background(), Query{IdentityID: "usr-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ActionLogout, recs[0].Action)
	assert.Equal(t, StatusSuccess, recs[0].Status)
	assert.Equal(t, "203.0.113.10", recs[0].IPAddress)
	assert.Equal(t, at, recs[0].CreatedAt)
	assert.Len(t, recs[0].ID, 26)

	require.Len(t, sink.recs, 1)
	assert.Equal(t, recs[0].ID, sink.recs[0].ID)
}

func TestRecorder_SwallowsStoreFailure(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(failingStore{NewMemoryStore()}).WithSink(sink)
	before := failureCount(t)

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), Logout("usr-1", origin))
	})
	assert.Equal(t, before+1, failureCount(t))
	assert.Empty(t, sink.recs)
}

func TestRecorder_PersistReportsErrors(t *testing.T) {
	rec := NewRecorder(NewMemoryStore())

	_, err := rec.Persist(context.Background(), Entry{Status: StatusSuccess})
	assert.Error(t, err)

	_, err = rec.Persist(context.Background(), Entry{Action: ActionLogin, Status: "MAYBE"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = NewRecorder(failingStore{NewMemoryStore()}).Persist(context.Background(), Logout("usr-1", origin))
	assert.Error(t, err)
}

func TestRiskAssessmentEntry_StatusFollowsRecommendation(t *testing.T) {
	blocked := RiskAssessment("usr-1", "/v1/transfers", origin, RiskMetadata{RiskScore: 75, Recommendation: "BLOCK"})
	assert.Equal(t, StatusBlocked, blocked.Status)
	assert.Equal(t, ActionRiskAssessment, blocked.Action)

	review := RiskAssessment("usr-1", "/v1/transfers", origin, RiskMetadata{RiskScore: 45, Recommendation: "REVIEW"})
	assert.Equal(t, StatusSuccess, review.Status)
}

func TestEntryConstructors(t *testing.T) {
	e := CustomerAccess("emp-1", "cus-9", "VIEW", origin, nil)
	assert.Equal(t, "CUSTOMER_VIEW", e.Action)
	assert.Equal(t, "customer", e.Resource)
	assert.Equal(t, "cus-9", e.ResourceID)
	assert.Equal(t, "cus-9", e.Metadata.(AccessMetadata).CustomerID)

	e = EmployeeActivity("emp-1", "APPROVE", "account", "acc-1", origin, map[string]string{"note": "kyc"})
	assert.Equal(t, "EMPLOYEE_APPROVE", e.Action)
	assert.Equal(t, "emp-1", e.Metadata.(AccessMetadata).EmployeeID)

	e = PermissionDenied("usr-1", "audit:read", origin, BlockMetadata{})
	assert.Equal(t, StatusBlocked, e.Status)
	md := e.Metadata.(BlockMetadata)
	assert.Equal(t, "audit:read", md.RequiredPermission)
	assert.Equal(t, BlockRole, md.Type)

	e = FailedAccess("", "CUSTOMER_MODIFY", "customer", "account frozen", origin)
	assert.Equal(t, StatusFailed, e.Status)
	assert.True(t, e.Metadata.(AccessMetadata).Blocked)

	e = Transfer("usr-1", StatusSuccess, origin, TransferDetails{
		TransactionID: "txn-1",
		Amount:        decimal.NewFromInt(500),
		FromAccountID: "acc-1",
		ToAccountID:   "acc-2",
	})
	assert.Equal(t, "transaction", e.Resource)
	assert.Equal(t, "txn-1", e.ResourceID)
	assert.True(t, e.Metadata.(TransferMetadata).Amount.Equal(decimal.NewFromInt(500)))

	e = Login("", StatusFailed, origin, LoginMetadata{Identifier: "a@b.c"})
	assert.False(t, e.Metadata.(LoginMetadata).Timestamp.IsZero())

	e = ZeroTrustBlock("usr-1", "/v1/transfers", origin, BlockMetadata{Reason: "IP is blacklisted", Type: BlockIPRestriction})
	assert.Equal(t, ActionZeroTrustBlock, e.Action)
	assert.Equal(t, StatusBlocked, e.Status)
}
