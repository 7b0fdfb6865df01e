package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestLedger() (*Ledger, *memory.LedgerStore) {
	store := memory.NewLedgerStore()
	clock := fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(store, clock, zap.NewNop()), store
}

func TestApplyIfNewFirstDelivery(t *testing.T) {
	t.Parallel()

	ledger, store := newTestLedger()
	applied := 0
	ok, err := ledger.ApplyIfNew(context.Background(), extraction.WebhookEvent{
		ID:      "evt-1",
		Type:    "subscription.updated",
		Subject: "user-1",
		Payload: []byte(`{"plan":"pro"}`),
	}, func(context.Context, extraction.WebhookEvent) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, applied)

	event, found := store.Event("evt-1")
	require.True(t, found)
	require.Equal(t, "applied", event.Outcome)
}

func TestApplyIfNewDuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	ledger, store := newTestLedger()
	applied := 0
	fn := func(context.Context, extraction.WebhookEvent) error {
		applied++
		return nil
	}
	ctx := context.Background()

	ok, err := ledger.ApplyIfNew(ctx, extraction.WebhookEvent{ID: "evt-1", Payload: []byte(`{"v":1}`)}, fn)
	require.NoError(t, err)
	require.True(t, ok)

	// Retry with a different payload body; the original stays on record.
	ok, err = ledger.ApplyIfNew(ctx, extraction.WebhookEvent{ID: "evt-1", Payload: []byte(`{"v":2}`)}, fn)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, applied)

	event, _ := store.Event("evt-1")
	require.Equal(t, []byte(`{"v":1}`), event.Payload)
}

func TestApplyIfNewConcurrentDeliveries(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	var applied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ledger.ApplyIfNew(context.Background(), extraction.WebhookEvent{ID: "evt-1"},
				func(context.Context, extraction.WebhookEvent) error {
					applied.Add(1)
					return nil
				})
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), applied.Load())
}

func TestApplyIfNewFailedApplyKeepsClaim(t *testing.T) {
	t.Parallel()

	ledger, store := newTestLedger()
	ctx := context.Background()

	ok, err := ledger.ApplyIfNew(ctx, extraction.WebhookEvent{ID: "evt-1"},
		func(context.Context, extraction.WebhookEvent) error {
			return errors.New("ledger write refused")
		})
	require.Error(t, err)
	require.True(t, ok)

	event, _ := store.Event("evt-1")
	require.Contains(t, event.Outcome, "error")

	// Redelivery after a failed apply is still a no-op.
	ok, err = ledger.ApplyIfNew(ctx, extraction.WebhookEvent{ID: "evt-1"},
		func(context.Context, extraction.WebhookEvent) error { return nil })
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApplyIfNewRequiresEventID(t *testing.T) {
	t.Parallel()

	ledger, _ := newTestLedger()
	_, err := ledger.ApplyIfNew(context.Background(), extraction.WebhookEvent{},
		func(context.Context, extraction.WebhookEvent) error { return nil })
	require.Error(t, err)
}
