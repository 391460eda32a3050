package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/risk"
)

var afternoon = time.Date(2026, 3, 2, 14, 0, 0, 0, time.Local)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	ledger   *ledger.MemoryStore
	detector *Detector
}

func newFixture(t *testing.T, balance int64, at time.Time) *fixture {
	t.Helper()
	l := ledger.NewMemoryStore().WithClock(func() time.Time { return at })
	ctx := context.Background()
	require.NoError(t, l.CreateAccount(ctx, &ledger.Account{ID: "acc_src", OwnerID: "usr-1", Balance: d(balance), Currency: "TRY", Active: true}))
	require.NoError(t, l.CreateAccount(ctx, &ledger.Account{ID: "acc_dst", OwnerID: "usr-2", Currency: "TRY", Active: true}))
	return &fixture{ledger: l, detector: NewDetector(l).WithClock(func() time.Time { return at })}
}

func (f *fixture) record(t *testing.T, status ledger.TxStatus, to string, amount int64, at time.Time) {
	t.Helper()
	require.NoError(t, f.ledger.RecordTransaction(context.Background(), &ledger.Transaction{
		Type: ledger.TypeTransfer, Status: status, Amount: d(amount), Currency: "TRY",
		FromAccountID: "acc_src", ToAccountID: to, CreatedAt: at,
	}))
}

func (f *fixture) check(t *testing.T, amount int64) *Result {
	t.Helper()
	r, err := f.detector.Check(context.Background(), "usr-1", d(amount), "acc_dst", "acc_src")
	require.NoError(t, err)
	return r
}

func TestCheck_ScenarioA(t *testing.T) {
	f := newFixture(t, 10_000, afternoon)
	f.record(t, ledger.StatusCompleted, "acc_dst", 100, afternoon.Add(-48*time.Hour))

	r := f.check(t, 500)
	assert.Equal(t, Low, r.Level)
	assert.Equal(t, risk.Allow, r.Recommendation)
	assert.False(t, r.IsFraud)
	assert.Empty(t, r.Reasons)
}

func TestCheck_ScenarioC(t *testing.T) {
	f := newFixture(t, 10_000_000, afternoon)

	r := f.check(t, 600_000)
	assert.Equal(t, High, r.Level)
	assert.Equal(t, risk.Block, r.Recommendation)
	assert.Equal(t, []string{ReasonLargeAmount, ReasonVeryLargeAmount, ReasonNewRecipient}, r.Reasons)
	assert.True(t, r.IsFraud, "HIGH with three reasons")
}

func TestCheck_ScenarioD(t *testing.T) {
	f := newFixture(t, 1_000, afternoon)
	f.record(t, ledger.StatusCompleted, "acc_dst", 10, afternoon.Add(-48*time.Hour))

	r := f.check(t, 950)
	assert.Equal(t, Medium, r.Level)
	assert.Equal(t, risk.Review, r.Recommendation)
	assert.Equal(t, []string{ReasonMostOfBalance}, r.Reasons)
}

func TestCheck_LowBalanceOnlyPromotesLow(t *testing.T) {
	f := newFixture(t, 2_000, afternoon)
	f.record(t, ledger.StatusCompleted, "acc_dst", 10, afternoon.Add(-48*time.Hour))

	// 1950 leaves 50 (low balance, MEDIUM) and is over 90% (escalate to HIGH).
	r := f.check(t, 1_950)
	assert.Equal(t, High, r.Level)
	assert.Equal(t, []string{ReasonLowBalanceAfter, ReasonMostOfBalance}, r.Reasons)
	assert.False(t, r.IsFraud, "HIGH with two reasons")
}

func TestCheck_RapidTransfersEscalate(t *testing.T) {
	f := newFixture(t, 1_000_000, afternoon)
	for i := 0; i < 5; i++ {
		f.record(t, ledger.StatusCompleted, "acc_dst", 10, afternoon.Add(-time.Minute))
	}

	r := f.check(t, 200)
	assert.Equal(t, Medium, r.Level)
	assert.Contains(t, r.Reasons, ReasonRapidTransfers)

	// Already MEDIUM from size: escalation goes to HIGH.
	r = f.check(t, 150_000)
	assert.Equal(t, High, r.Level)
}

func TestCheck_RecentFailuresForceHigh(t *testing.T) {
	f := newFixture(t, 1_000_000, afternoon)
	f.record(t, ledger.StatusCompleted, "acc_dst", 10, afternoon.Add(-48*time.Hour))
	for i := 0; i < 3; i++ {
		f.record(t, ledger.StatusFailed, "acc_dst", 10, afternoon.Add(-30*time.Minute))
	}

	r := f.check(t, 100)
	assert.Equal(t, High, r.Level)
	assert.Equal(t, risk.Block, r.Recommendation)
	assert.Equal(t, []string{ReasonRecentFailures}, r.Reasons)
}

func TestCheck_OffHoursLarge(t *testing.T) {
	night := time.Date(2026, 3, 2, 23, 30, 0, 0, time.Local)
	f := newFixture(t, 1_000_000, night)
	f.record(t, ledger.StatusCompleted, "acc_dst", 10, night.Add(-48*time.Hour))

	r := f.check(t, 60_000)
	assert.Equal(t, Medium, r.Level)
	assert.Equal(t, []string{ReasonOffHoursLarge}, r.Reasons)

	r = f.check(t, 40_000)
	assert.Equal(t, Low, r.Level)
}

func TestCheck_LevelNeverDecreases(t *testing.T) {
	levels := []Level{Low, Medium, High, Critical}
	for _, start := range levels {
		for _, step := range levels {
			e := &evaluation{level: start}
			e.raise(step, "r")
			assert.True(t, e.level.AtLeast(start), "raise(%s) from %s", step, start)
			before := e.level
			e.escalate("r")
			assert.True(t, e.level.AtLeast(before), "escalate from %s", before)
		}
	}
}

func TestResult_Blocks(t *testing.T) {
	high := &Result{Level: High, Recommendation: risk.Block}
	assert.False(t, high.Blocks(Critical))
	assert.True(t, high.Blocks(High))
	assert.True(t, high.Blocks(Medium))

	review := &Result{Level: Medium, Recommendation: risk.Review}
	assert.False(t, review.Blocks(Medium), "only BLOCK recommendations reject")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" high ")
	require.NoError(t, err)
	assert.Equal(t, High, l)
	_, err = ParseLevel("SEVERE")
	assert.Error(t, err)
}

func TestCheckSuspiciousActivity(t *testing.T) {
	f := newFixture(t, 0, afternoon)
	ctx := context.Background()

	a, err := f.detector.CheckSuspiciousActivity(ctx, "acc_src")
	require.NoError(t, err)
	assert.False(t, a.Suspicious)
	assert.Empty(t, a.Indicators)

	for i := 0; i < 3; i++ {
		f.record(t, ledger.StatusCompleted, "acc_dst", 60_000, afternoon.Add(-time.Hour))
	}
	f.record(t, ledger.StatusCompleted, "acc_dst", 60_000, afternoon.Add(-25*time.Hour))
	a, err = f.detector.CheckSuspiciousActivity(ctx, "acc_src")
	require.NoError(t, err)
	assert.True(t, a.Suspicious)
	assert.Equal(t, []string{IndicatorLargeOutflows}, a.Indicators)

	for i := 0; i < 48; i++ {
		require.NoError(t, f.ledger.RecordTransaction(ctx, &ledger.Transaction{
			Type: ledger.TypeDeposit, Status: ledger.StatusCompleted, Amount: d(1), Currency: "TRY",
			ToAccountID: "acc_src", CreatedAt: afternoon.Add(-time.Minute),
		}))
	}
	a, err = f.detector.CheckSuspiciousActivity(ctx, "acc_src")
	require.NoError(t, err)
	assert.Equal(t, []string{IndicatorHighVolume, IndicatorLargeOutflows}, a.Indicators)
}
