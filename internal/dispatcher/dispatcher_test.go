// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/extraction"
	"github.com/platefork/recipe-extractor/internal/orchestrator"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	mainQueue := &blockingQueue{started: make(chan struct{}, 1)}
	videoQueue := &blockingQueue{started: make(chan struct{}, 1)}
	newWorker := func(q extraction.Queue) *orchestrator.Worker {
		return orchestrator.NewWorker(
			q, nil, nil, nil, nil, nil, nil, nil, nil, nil,
			orchestrator.WorkerConfig{}, zap.NewNop(),
		)
	}
	dispatch := New(
		Pool{Name: "main", Workers: []*orchestrator.Worker{newWorker(mainQueue)}},
		Pool{Name: "video", Workers: []*orchestrator.Worker{newWorker(videoQueue)}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, q := range []*blockingQueue{mainQueue, videoQueue} {
		select {
		case <-q.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not begin dequeuing")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(context.Context, extraction.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (extraction.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return extraction.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}
