package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		counter int
	)
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "usr-1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestKeyedMutex_ContextCancelledWhileWaiting(t *testing.T) {
	m := NewKeyedMutex(1)

	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "b") // same shard with one shard
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex(DefaultShards)
	require.NotEqual(t, m.index("usr-1"), m.index("usr-2"), "test keys must land on different shards")

	unlock1, err := m.Lock(context.Background(), "usr-1")
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock2, err := m.Lock(ctx, "usr-2")
	require.NoError(t, err)
	unlock2()
}
