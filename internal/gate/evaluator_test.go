package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/fingerprint"
	"github.com/mbd888/riskgate/internal/identity"
	"github.com/mbd888/riskgate/internal/ipcheck"
	"github.com/mbd888/riskgate/internal/risk"
	"github.com/mbd888/riskgate/internal/session"
)

var afternoon = time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local)

type fixture struct {
	audit    *audit.MemoryStore
	sessions *session.MemoryStore
	gate     *Gate
}

func newFixture(t *testing.T, lists ipcheck.Lists) *fixture {
	t.Helper()
	clock := func() time.Time { return afternoon }
	as := audit.NewMemoryStore()
	ss := session.NewMemoryStore()
	rec := audit.NewRecorder(as).WithClock(clock)
	ips, err := ipcheck.NewChecker(lists)
	require.NoError(t, err)
	scorer := risk.NewScorer(audit.NewSignalView(as).WithClock(clock), ss, rec)
	return &fixture{audit: as, sessions: ss, gate: New(ips, scorer, ss, rec).WithClock(clock)}
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	recs, err := f.audit.List(context.Background(), audit.Query{})
	require.NoError(t, err)
	var out []string
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Action)
	}
	return out
}

func (f *fixture) failedLogins(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.audit.Append(context.Background(), &audit.Record{
			ID: fmt.Sprintf("fail-%d", i), IdentityID: "usr-1", Action: audit.ActionLogin,
			Status: audit.StatusFailed, CreatedAt: afternoon.Add(-20 * time.Minute),
		}))
	}
}

func headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 test")
	h.Set("Accept-Language", "tr-TR")
	return h
}

func customer() *identity.Identity {
	return &identity.Identity{ID: "usr-1", Active: true, Roles: []string{"CUSTOMER"}}
}

func transferRequest(ip string) Request {
	return Request{
		Identity: customer(),
		IP:       ip,
		Headers:  headers(),
		Method:   http.MethodPost,
		Path:     "/v1/transfers",
		Amount:   decimal.NewNullDecimal(decimal.NewFromInt(500)),
	}
}

func TestEvaluate_ScenarioA(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{})

	d, err := f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{})
	require.NoError(t, err)
	assert.False(t, d.Blocked)
	assert.Equal(t, StepAllowed, d.Step)
	require.NotNil(t, d.Risk)
	assert.Equal(t, 0, d.Risk.Score)
	assert.Equal(t, fingerprint.Generate(headers()), d.Fingerprint)
	assert.Equal(t, []string{audit.ActionRiskAssessment}, f.actions(t))
}

func TestEvaluate_ScenarioE_BlacklistBeforeRisk(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{Blacklisted: []string{"198.51.100.0/24"}})
	f.failedLogins(t, 9)

	d, err := f.gate.Evaluate(context.Background(), transferRequest("198.51.100.23"), Options{})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, StepIP, d.Step)
	assert.Equal(t, ipcheck.ReasonBlacklisted, d.Message)
	assert.Nil(t, d.Risk, "risk scoring never ran")

	recs, err := f.audit.List(context.Background(), audit.Query{Action: audit.ActionZeroTrustBlock})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	md := recs[0].Metadata.(audit.BlockMetadata)
	assert.Equal(t, audit.BlockIPRestriction, md.Type)
	assert.Equal(t, ipcheck.ReasonBlacklisted, md.Reason)
	assert.Equal(t, "198.51.100.23", recs[0].IPAddress)

	n, _ := f.audit.Count(context.Background(), audit.Query{Action: audit.ActionRiskAssessment})
	assert.Zero(t, n)
}

func TestEvaluate_Whitelist(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{Whitelisted: []string{"10.0.0.0/8"}})

	d, err := f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, ipcheck.ReasonNotWhitelisted, d.Message)

	d, err = f.gate.Evaluate(context.Background(), transferRequest("10.1.2.3"), Options{})
	require.NoError(t, err)
	assert.False(t, d.Blocked)
}

func TestEvaluate_MFARequired(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{})

	d, err := f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{RequireMFA: true})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, StepMFA, d.Step)
	assert.Equal(t, "MFA required", d.Error)
	assert.Equal(t, []string{audit.ActionMFARequired}, f.actions(t))

	req := transferRequest("203.0.113.5")
	req.Identity.MFAEnabled = true
	d, err = f.gate.Evaluate(context.Background(), req, Options{RequireMFA: true})
	require.NoError(t, err)
	assert.False(t, d.Blocked)
}

func TestEvaluate_RoleCheck(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{})

	d, err := f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{AllowedRoles: []string{"EMPLOYEE", "ADMIN"}})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, StepRole, d.Step)
	assert.Equal(t, "Insufficient role privileges", d.Message)

	recs, _ := f.audit.List(context.Background(), audit.Query{Action: audit.ActionPermissionDenied})
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"EMPLOYEE", "ADMIN"}, recs[0].Metadata.(audit.BlockMetadata).RequiredRoles)
}

func TestEvaluate_RiskBlock(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{})
	f.failedLogins(t, 7)

	d, err := f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, StepRisk, d.Step)
	assert.Equal(t, "High risk activity detected", d.Message)
	assert.Equal(t, 70, d.Details["riskScore"])
	assert.NotContains(t, d.Details, "weights")

	var tail []string
	for _, a := range f.actions(t) {
		if a != audit.ActionLogin {
			tail = append(tail, a)
		}
	}
	assert.Equal(t, []string{audit.ActionRiskAssessment, audit.ActionZeroTrustBlock}, tail)
}

func TestEvaluate_ReviewWithMinRiskScore(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{})
	f.failedLogins(t, 5)

	d, err := f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{})
	require.NoError(t, err)
	assert.False(t, d.Blocked, "REVIEW passes without MinRiskScore")
	assert.Equal(t, risk.Review, d.Risk.Recommendation)

	d, err = f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{MinRiskScore: 50})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, "Additional verification required", d.Error)

	d, err = f.gate.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{MinRiskScore: 60})
	require.NoError(t, err)
	assert.False(t, d.Blocked)
}

func TestEvaluate_Session(t *testing.T) {
	f := newFixture(t, ipcheck.Lists{})
	ctx := context.Background()

	live := &session.Session{IdentityID: "usr-1", Token: "live", Fingerprint: fingerprint.Generate(headers()),
		IPAddress: "203.0.113.5", CreatedAt: afternoon.Add(-time.Hour), ExpiresAt: afternoon.Add(time.Hour)}
	require.NoError(t, f.sessions.Create(ctx, live))

	req := transferRequest("203.0.113.5")
	req.Session = live
	d, err := f.gate.Evaluate(ctx, req, Options{})
	require.NoError(t, err)
	assert.False(t, d.Blocked)
	got, _ := f.sessions.Get(ctx, live.ID)
	assert.Equal(t, afternoon, got.LastActivity)

	expired := *live
	expired.ExpiresAt = afternoon.Add(-time.Second)
	req.Session = &expired
	d, err = f.gate.Evaluate(ctx, req, Options{})
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.True(t, d.Unauthenticated())
	assert.Equal(t, "Session expired", d.Error)

	n, _ := f.audit.Count(ctx, audit.Query{Action: audit.ActionSessionExpired})
	assert.Equal(t, 1, n)
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, risk.Context) (*risk.Score, error) {
	return nil, errors.New("db down")
}

func TestEvaluate_RiskErrorFailsClosed(t *testing.T) {
	ips, err := ipcheck.NewChecker(ipcheck.Lists{})
	require.NoError(t, err)
	as := audit.NewMemoryStore()
	g := New(ips, failingScorer{}, session.NewMemoryStore(), audit.NewRecorder(as))

	d, err := g.Evaluate(context.Background(), transferRequest("203.0.113.5"), Options{})
	assert.Error(t, err)
	assert.Nil(t, d)
}

func TestRequest_Resource(t *testing.T) {
	assert.Equal(t, "transfers", (&Request{Path: "/v1/transfers"}).resource())
	assert.Equal(t, "customer", (&Request{Path: "/v1/customer/42"}).resource())
	assert.Equal(t, "unknown", (&Request{Path: "/health"}).resource())
	assert.Equal(t, "accounts", (&Request{Path: "/v1/x", Resource: "accounts"}).resource())
}
