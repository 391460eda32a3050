//go:build integration

package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/testutil"
)

func TestPostgresStore_SignalsRoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := NewRecorder(store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	o := Origin{IP: "203.0.113.10", UserAgent: "curl/8"}
	for range 3 {
		_, err := rec.Persist(ctx, Login("", StatusFailed, o, LoginMetadata{Method: "token", Reason: "invalid token"}))
		require.NoError(t, err)
	}
	_, err := rec.Persist(ctx, Login("usr-1", StatusSuccess, o, LoginMetadata{Method: "token"}))
	require.NoError(t, err)

	n, err := store.Count(ctx, Query{Action: ActionLogin, Status: StatusFailed, IPAddress: o.IP, Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	list, err := store.List(ctx, Query{IdentityID: "usr-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	md, ok := list[0].Metadata.(LoginMetadata)
	require.True(t, ok)
	assert.Equal(t, "token", md.Method)
}

func TestPostgresStore_LongResourcePersists(t *testing.T) {
	db := testutil.PGTest(t)
	store := NewPostgresStore(db)
	rec := NewRecorder(store)
	ctx := context.Background()

	path := "/v1/accounts/" + strings.Repeat("a", 600) + "/activity"
	_, err := rec.Persist(ctx, RiskAssessment("usr-1", path, Origin{IP: "203.0.113.10"}, RiskMetadata{RiskScore: 10, Recommendation: "ALLOW"}))
	require.NoError(t, err)

	list, err := store.List(ctx, Query{Action: ActionRiskAssessment})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, path, list[0].Resource)
}
