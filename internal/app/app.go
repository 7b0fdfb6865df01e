// Package app initializes and holds long-lived application services, acting
// as the composition root for the extraction service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/platefork/recipe-extractor/internal/api"
	"github.com/platefork/recipe-extractor/internal/cache"
	"github.com/platefork/recipe-extractor/internal/clock/system"
	"github.com/platefork/recipe-extractor/internal/config"
	"github.com/platefork/recipe-extractor/internal/dispatcher"
	"github.com/platefork/recipe-extractor/internal/engine"
	"github.com/platefork/recipe-extractor/internal/extraction"
	collyfetcher "github.com/platefork/recipe-extractor/internal/fetcher/colly"
	"github.com/platefork/recipe-extractor/internal/hash/sha256"
	"github.com/platefork/recipe-extractor/internal/id/uuid"
	"github.com/platefork/recipe-extractor/internal/orchestrator"
	"github.com/platefork/recipe-extractor/internal/progress"
	"github.com/platefork/recipe-extractor/internal/progress/sinks"
	memorypub "github.com/platefork/recipe-extractor/internal/publisher/memory"
	pubsubpub "github.com/platefork/recipe-extractor/internal/publisher/pubsub"
	queuemem "github.com/platefork/recipe-extractor/internal/queue/memory"
	"github.com/platefork/recipe-extractor/internal/ratelimit"
	"github.com/platefork/recipe-extractor/internal/source"
	"github.com/platefork/recipe-extractor/internal/storage/gcs"
	"github.com/platefork/recipe-extractor/internal/storage/local"
	storagemem "github.com/platefork/recipe-extractor/internal/storage/memory"
	"github.com/platefork/recipe-extractor/internal/storage/postgres"
	"github.com/platefork/recipe-extractor/internal/webhook"
)

// App owns every long-lived service: stores, the orchestrator, worker pools,
// the progress hub, and the HTTP server. It is built once at startup and torn
// down through Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	server     *api.Server
	dispatcher *dispatcher.Dispatcher
	hub        *progress.Hub

	mainQueue  *queuemem.Queue
	videoQueue *queuemem.Queue

	closers []func()
}

// New wires the application from configuration. It fails fast when any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	clk := system.New()
	ids := uuid.New()
	normalizer := source.New(sha256.New())

	var (
		jobs    extraction.JobStore
		caches  extraction.CacheStore
		counter extraction.CounterStore
		ledger  extraction.LedgerStore
	)
	if dsn := cfg.DB.DSN; dsn != "" {
		logger.Info("using postgres stores")
		pgJobs, err := postgres.NewJobStore(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("init job store: %w", err)
		}
		a.closers = append(a.closers, pgJobs.Close)
		pgCache, err := postgres.NewCacheStore(ctx, dsn)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init cache store: %w", err)
		}
		a.closers = append(a.closers, pgCache.Close)
		pgCounter, err := postgres.NewCounterStore(ctx, dsn)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init counter store: %w", err)
		}
		a.closers = append(a.closers, pgCounter.Close)
		pgLedger, err := postgres.NewLedgerStore(ctx, dsn)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("init ledger store: %w", err)
		}
		a.closers = append(a.closers, pgLedger.Close)
		jobs, caches, counter, ledger = pgJobs, pgCache, pgCounter, pgLedger
	} else {
		logger.Info("using in-memory stores")
		jobs = storagemem.NewJobStore()
		caches = storagemem.NewCacheStore(clk)
		counter = storagemem.NewCounterStore(clk)
		ledger = storagemem.NewLedgerStore()
	}
	// Recipe CRUD lives in a separate service; the in-memory store records
	// the IDs this subsystem hands back.
	recipes := storagemem.NewRecipeStore()

	blobs, err := a.newBlobStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	publisher, err := a.newPublisher(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	limiter := ratelimit.New(counter, clk, logger, cfg.Limits.FailOpen)
	resultCache := cache.New(caches, normalizer, ids, clk, cache.Config{
		TTL:           cfg.CacheTTL(),
		FailOpenReads: cfg.Cache.FailOpenReads,
	}, logger)

	engineClient, err := engine.NewClient(engine.Config{
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
		Timeout: cfg.EngineTimeout(),
		MaxRPS:  cfg.Engine.MaxRPS,
		Burst:   cfg.Engine.Burst,
	}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init engine client: %w", err)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)

	a.mainQueue = queuemem.NewQueue(cfg.Workers.QueueDepth)
	a.videoQueue = queuemem.NewQueue(cfg.Workers.QueueDepth)

	policies := orchestrator.Policies{
		Extraction: ratelimit.Policy{
			Scope:       "extraction",
			MaxRequests: cfg.Limits.ExtractionPerUserHour,
			Window:      time.Hour,
		},
		Video: ratelimit.Policy{
			Scope:       "video-extraction",
			MaxRequests: cfg.Limits.VideoPerUserHour,
			Window:      time.Hour,
		},
	}
	orch := orchestrator.New(jobs, a.mainQueue, a.videoQueue, limiter, policies, ids, clk, a.hub, logger)

	workerCfg := orchestrator.WorkerConfig{Topic: cfg.PubSub.TopicName}
	newWorker := func(q extraction.Queue) *orchestrator.Worker {
		return orchestrator.NewWorker(
			q, jobs, resultCache, engineClient, fetcher, blobs, recipes,
			publisher, clk, a.hub, workerCfg, logger,
		)
	}
	mainPool := dispatcher.Pool{Name: "main"}
	for i := 0; i < cfg.Workers.Concurrency; i++ {
		mainPool.Workers = append(mainPool.Workers, newWorker(a.mainQueue))
	}
	videoPool := dispatcher.Pool{Name: "video"}
	for i := 0; i < cfg.Workers.VideoConcurrency; i++ {
		videoPool.Workers = append(videoPool.Workers, newWorker(a.videoQueue))
	}
	a.dispatcher = dispatcher.New(mainPool, videoPool)

	a.server = api.NewServer(api.Deps{
		Orchestrator: orch,
		Jobs:         jobs,
		Blobs:        blobs,
		Ledger:       webhook.New(ledger, clk, logger),
		Limiter:      limiter,
		IDs:          ids,
		Clock:        clk,
	}, cfg, logger)

	return a, nil
}

func (a *App) newBlobStore(ctx context.Context) (extraction.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close gcs client", zap.Error(err))
			}
		})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return store, nil
	default:
		return storagemem.NewBlobStore(), nil
	}
}

func (a *App) newPublisher(ctx context.Context) (extraction.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		return memorypub.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	})
	return pubsubpub.New(client)
}

// Run serves HTTP and drives the worker pools until ctx finishes, then shuts
// everything down gracefully.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.dispatcher.Run(workerCtx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	a.logger.Info("server listening", zap.Int("port", a.cfg.Server.Port))

	var runErr error
	select {
	case runErr = <-serveErr:
		a.logger.Error("http server failed", zap.Error(runErr))
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown incomplete", zap.Error(err))
		}
	}

	// The HTTP server is down, so no new submissions arrive. Stop the pools,
	// then close the queues and drain the event hub.
	stopWorkers()
	wg.Wait()
	a.mainQueue.Close()
	a.videoQueue.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(drainCtx); err != nil {
		a.logger.Warn("progress hub drain incomplete", zap.Error(err))
	}
	return runErr
}

// Close releases store pools and cloud clients.
func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
