package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/session"
)

var now = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

type fixture struct {
	audit    *audit.MemoryStore
	sessions *session.MemoryStore
	scorer   *Scorer
}

func newFixture() *fixture {
	as := audit.NewMemoryStore()
	ss := session.NewMemoryStore()
	clock := func() time.Time { return now }
	rec := audit.NewRecorder(as).WithClock(clock)
	return &fixture{
		audit:    as,
		sessions: ss,
		scorer:   NewScorer(audit.NewSignalView(as).WithClock(clock), ss, rec),
	}
}

func (f *fixture) failedLogins(t *testing.T, identityID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.audit.Append(context.Background(), &audit.Record{
			ID:         fmt.Sprintf("fail-%s-%d", identityID, i),
			IdentityID: identityID,
			Action:     audit.ActionLogin,
			Status:     audit.StatusFailed,
			CreatedAt:  now.Add(-time.Duration(10+i) * time.Minute),
		}))
	}
}

func (f *fixture) session(t *testing.T, identityID, fp, ip string) {
	t.Helper()
	require.NoError(t, f.sessions.Create(context.Background(), &session.Session{
		IdentityID:  identityID,
		Token:       fp + ip,
		Fingerprint: fp,
		IPAddress:   ip,
		CreatedAt:   now.Add(-24 * time.Hour),
		ExpiresAt:   now.Add(time.Hour),
	}))
}

func amount(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func TestScore_NoFactors(t *testing.T) {
	f := newFixture()
	got, err := f.scorer.Score(context.Background(), Context{IdentityID: "usr-1", Hour: 14, Amount: amount(500)})
	require.NoError(t, err)
	assert.Equal(t, 0, got.Score)
	assert.Empty(t, got.Factors)
	assert.Equal(t, Allow, got.Recommendation)
}

func TestScore_EachFactor(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testing.T, *fixture)
		rc     Context
		points int
		factor string
	}{
		{"early morning", nil, Context{Hour: 5}, 15, FactorOffHours},
		{"late night", nil, Context{Hour: 23}, 15, FactorOffHours},
		{"hour 22 is daytime", nil, Context{Hour: 22}, 0, ""},
		{"new device", func(t *testing.T, f *fixture) { f.session(t, "usr-1", "fp-known", "203.0.113.1") },
			Context{Hour: 12, Fingerprint: "fp-new", IP: "203.0.113.1"}, 25, FactorNewDevice},
		{"known device", func(t *testing.T, f *fixture) { f.session(t, "usr-1", "fp-known", "203.0.113.1") },
			Context{Hour: 12, Fingerprint: "fp-known", IP: "203.0.113.1"}, 0, ""},
		{"new ip", func(t *testing.T, f *fixture) { f.session(t, "usr-1", "fp-known", "203.0.113.1") },
			Context{Hour: 12, Fingerprint: "fp-known", IP: "198.51.100.7"}, 15, FactorNewIP},
		{"new ip after address-less session", func(t *testing.T, f *fixture) { f.session(t, "usr-1", "fp-known", "") },
			Context{Hour: 12, Fingerprint: "fp-known", IP: "198.51.100.7"}, 15, FactorNewIP},
		{"failed logins", func(t *testing.T, f *fixture) { f.failedLogins(t, "usr-1", 2) },
			Context{Hour: 12}, 20, "2 recent failed login attempts"},
		{"high value", nil, Context{Hour: 12, Amount: amount(100_001)}, 30, FactorHighValue},
		{"exactly 100k is not high value", nil, Context{Hour: 12, Amount: amount(100_000)}, 10, FactorSensitive},
		{"customer resource", nil, Context{Hour: 12, Resource: "customer"}, 10, FactorSensitive},
		{"rapid activity", func(t *testing.T, f *fixture) {
			for i := 0; i < 11; i++ {
				require.NoError(t, f.audit.Append(context.Background(), &audit.Record{
					ID: fmt.Sprintf("act-%d", i), IdentityID: "usr-1", Action: audit.ActionTransfer,
					Status: audit.StatusSuccess, CreatedAt: now.Add(-time.Minute),
				}))
			}
		}, Context{Hour: 12}, 20, FactorRapidActivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.setup != nil {
				tt.setup(t, f)
			}
			tt.rc.IdentityID = "usr-1"
			got, err := f.scorer.Score(context.Background(), tt.rc)
			require.NoError(t, err)
			assert.Equal(t, tt.points, got.Score)
			if tt.factor != "" {
				assert.Contains(t, got.Factors, tt.factor)
			} else {
				assert.Empty(t, got.Factors)
			}
		})
	}
}

func TestScore_Monotonic(t *testing.T) {
	f := newFixture()
	f.session(t, "usr-1", "fp-known", "203.0.113.1")
	ctx := context.Background()

	steps := []Context{
		{IdentityID: "usr-1", Hour: 12, Fingerprint: "fp-known", IP: "203.0.113.1"},
		{IdentityID: "usr-1", Hour: 3, Fingerprint: "fp-known", IP: "203.0.113.1"},
		{IdentityID: "usr-1", Hour: 3, Fingerprint: "fp-other", IP: "203.0.113.1"},
		{IdentityID: "usr-1", Hour: 3, Fingerprint: "fp-other", IP: "198.51.100.1"},
		{IdentityID: "usr-1", Hour: 3, Fingerprint: "fp-other", IP: "198.51.100.1", Amount: amount(200_000)},
	}
	prev := -1
	for _, rc := range steps {
		got, err := f.scorer.Score(ctx, rc)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got.Score, prev)
		prev = got.Score
	}
}

func TestScore_ClampsAndBlocks(t *testing.T) {
	f := newFixture()
	f.session(t, "usr-1", "fp-known", "203.0.113.1")
	f.failedLogins(t, "usr-1", 8)

	got, err := f.scorer.Score(context.Background(), Context{
		IdentityID: "usr-1", Hour: 2, Fingerprint: "fp-x", IP: "198.51.100.1",
		Resource: "customer", Amount: amount(600_000),
	})
	require.NoError(t, err)
	assert.Equal(t, MaxScore, got.Score)
	assert.Equal(t, Block, got.Recommendation)
}

func TestScore_ScenarioB(t *testing.T) {
	f := newFixture()
	f.failedLogins(t, "usr-1", 6)

	got, err := f.scorer.Score(context.Background(), Context{IdentityID: "usr-1", Hour: 12, Resource: "customer"})
	require.NoError(t, err)
	assert.Equal(t, 70, got.Score)
	assert.Equal(t, Block, got.Recommendation)
	assert.Contains(t, got.Factors, "6 recent failed login attempts")
}

func TestScore_Thresholds(t *testing.T) {
	f := newFixture()
	f.failedLogins(t, "usr-1", 4)
	ctx := context.Background()

	got, err := f.scorer.Score(ctx, Context{IdentityID: "usr-1", Hour: 12})
	require.NoError(t, err)
	assert.Equal(t, 40, got.Score)
	assert.Equal(t, Review, got.Recommendation)

	f.scorer.WithReviewThreshold(50).WithBlockThreshold(60)
	got, err = f.scorer.Score(ctx, Context{IdentityID: "usr-1", Hour: 12})
	require.NoError(t, err)
	assert.Equal(t, Allow, got.Recommendation)
}

func TestScore_RecordsAssessment(t *testing.T) {
	f := newFixture()
	f.failedLogins(t, "usr-1", 7)

	_, err := f.scorer.Score(context.Background(), Context{
		IdentityID: "usr-1", Hour: 12, Action: "POST /v1/transfers", Path: "/v1/transfers",
		Origin: audit.Origin{IP: "203.0.113.9"},
	})
	require.NoError(t, err)

	recs, err := f.audit.List(context.Background(), audit.Query{Action: audit.ActionRiskAssessment})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.StatusBlocked, recs[0].Status)
	assert.Equal(t, "/v1/transfers", recs[0].Resource)
	assert.Equal(t, "203.0.113.9", recs[0].IPAddress)
	md, ok := recs[0].Metadata.(audit.RiskMetadata)
	require.True(t, ok)
	assert.Equal(t, 70, md.RiskScore)
	assert.Equal(t, "BLOCK", md.Recommendation)
	assert.Equal(t, "POST /v1/transfers", md.RequestAction)
}

type brokenHistory struct{}

func (brokenHistory) RecentDevices(context.Context, string, int) ([]string, error) {
	return nil, errors.New("connection refused")
}

func (brokenHistory) RecentIPs(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func TestScore_HistoryFailure(t *testing.T) {
	as := audit.NewMemoryStore()
	s := NewScorer(audit.NewSignalView(as), brokenHistory{}, audit.NewRecorder(as))

	got, err := s.Score(context.Background(), Context{IdentityID: "usr-1", Hour: 12})
	assert.Error(t, err)
	assert.Nil(t, got)

	n, _ := as.Count(context.Background(), audit.Query{})
	assert.Zero(t, n, "no assessment recorded without a score")
}
