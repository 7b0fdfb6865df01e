package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCounterStoreIncrementWithinWindow(t *testing.T) {
	t.Parallel()

	clk := newTestClock(time.Unix(0, 0).UTC())
	store := NewCounterStore(clk)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		count, expires, err := store.Increment(ctx, "scope:user", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, count)
		require.Equal(t, time.Unix(60, 0).UTC(), expires)
	}
}

func TestCounterStoreWindowResetsAfterExpiry(t *testing.T) {
	t.Parallel()

	clk := newTestClock(time.Unix(0, 0).UTC())
	store := NewCounterStore(clk)
	ctx := context.Background()

	count, _, err := store.Increment(ctx, "scope:user", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	clk.Advance(61 * time.Second)
	count, expires, err := store.Increment(ctx, "scope:user", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.Equal(t, clk.Now().Add(time.Minute), expires)
}

func TestCounterStoreConcurrentIncrementsAreExact(t *testing.T) {
	t.Parallel()

	clk := newTestClock(time.Unix(0, 0).UTC())
	store := NewCounterStore(clk)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	counts := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, _, err := store.Increment(ctx, "race", time.Minute)
			require.NoError(t, err)
			counts <- count
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]bool)
	for c := range counts {
		require.False(t, seen[c], "duplicate count %d observed", c)
		seen[c] = true
	}
	require.Len(t, seen, workers)
}
