package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platefork/recipe-extractor/internal/extraction"
)

func TestLedgerStoreClaimOnce(t *testing.T) {
	t.Parallel()

	store := NewLedgerStore()
	ctx := context.Background()
	event := extraction.WebhookEvent{ID: "evt-1", Type: "subscription.updated", Payload: []byte(`{"a":1}`)}

	claimed, err := store.Claim(ctx, event)
	require.NoError(t, err)
	require.True(t, claimed)

	// Second delivery with different payload bytes: the first record wins.
	dup := extraction.WebhookEvent{ID: "evt-1", Type: "subscription.updated", Payload: []byte(`{"a":2}`)}
	claimed, err = store.Claim(ctx, dup)
	require.NoError(t, err)
	require.False(t, claimed)

	stored, ok := store.Event("evt-1")
	require.True(t, ok)
	require.Equal(t, []byte(`{"a":1}`), stored.Payload)
}

func TestLedgerStoreConcurrentClaims(t *testing.T) {
	t.Parallel()

	store := NewLedgerStore()
	ctx := context.Background()

	const deliveries = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(ctx, extraction.WebhookEvent{ID: "evt-race"})
			require.NoError(t, err)
			if claimed {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claims)
}

func TestLedgerStoreRecordOutcome(t *testing.T) {
	t.Parallel()

	store := NewLedgerStore()
	ctx := context.Background()
	_, err := store.Claim(ctx, extraction.WebhookEvent{ID: "evt-2"})
	require.NoError(t, err)

	require.NoError(t, store.RecordOutcome(ctx, "evt-2", "ok"))
	stored, ok := store.Event("evt-2")
	require.True(t, ok)
	require.Equal(t, "ok", stored.Outcome)

	require.Error(t, store.RecordOutcome(ctx, "evt-unknown", "ok"))
}
