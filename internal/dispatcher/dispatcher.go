// Package dispatcher manages worker fan-out over the per-kind job queues.
package dispatcher

import (
	"context"
	"sync"

	"github.com/platefork/recipe-extractor/internal/orchestrator"
)

// Pool is one named group of workers sharing a queue.
type Pool struct {
	Name    string
	Workers []*orchestrator.Worker
}

// Dispatcher runs the url/image pool and the (smaller) video pool until
// shutdown.
type Dispatcher struct {
	pools []Pool
}

// New creates a Dispatcher over the given pools.
func New(pools ...Pool) *Dispatcher {
	return &Dispatcher{pools: pools}
}

// Run starts all workers and blocks until the context finishes and every
// worker has drained out.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pool := range d.pools {
		for _, w := range pool.Workers {
			wg.Add(1)
			go func(wk *orchestrator.Worker) {
				defer wg.Done()
				wk.Run(ctx)
			}(w)
		}
	}
	<-ctx.Done()
	wg.Wait()
}
