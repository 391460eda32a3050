//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskgate/internal/testutil"
)

func TestPostgresStore_ConcurrentTransfersRespectBalance(t *testing.T) {
	db := testutil.PGTest(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "acc_a", OwnerID: "usr-1", AccountNumber: "TR0001", Balance: d("1000"), Currency: "TRY", Active: true}))
	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "acc_b", OwnerID: "usr-2", AccountNumber: "TR0002", Balance: d("0"), Currency: "TRY", Active: true}))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ExecuteTransfer(ctx, TransferOrder{FromAccountID: "acc_a", ToAccountID: "acc_b", Amount: d("200")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok, insufficient := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrInsufficientBalance):
			insufficient++
		}
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 3, insufficient)

	from, err := s.GetAccount(ctx, "acc_a")
	require.NoError(t, err)
	assert.True(t, from.Balance.IsZero())
}

func TestPostgresStore_DailyGuard(t *testing.T) {
	db := testutil.PGTest(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "acc_a", OwnerID: "usr-1", AccountNumber: "TR0001", Balance: d("100000"), Currency: "TRY", Active: true}))
	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "acc_b", OwnerID: "usr-2", AccountNumber: "TR0002", Balance: d("0"), Currency: "TRY", Active: true}))

	guard := &DailyGuard{OwnerID: "usr-1", Since: time.Now().Add(-time.Hour), Limit: d("50000")}
	_, err := s.ExecuteTransfer(ctx, TransferOrder{FromAccountID: "acc_a", ToAccountID: "acc_b", Amount: d("40000"), Guard: guard})
	require.NoError(t, err)

	_, err = s.ExecuteTransfer(ctx, TransferOrder{FromAccountID: "acc_a", ToAccountID: "acc_b", Amount: d("10000.01"), Guard: guard})
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)
}
