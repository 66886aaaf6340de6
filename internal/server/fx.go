// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rag-pipeline/internal/api"
	"github.com/JakeFAU/rag-pipeline/internal/browser"
	"github.com/JakeFAU/rag-pipeline/internal/chunker"
	"github.com/JakeFAU/rag-pipeline/internal/clock/system"
	"github.com/JakeFAU/rag-pipeline/internal/config"
	"github.com/JakeFAU/rag-pipeline/internal/crawlcache"
	"github.com/JakeFAU/rag-pipeline/internal/crawler"
	"github.com/JakeFAU/rag-pipeline/internal/dispatcher"
	"github.com/JakeFAU/rag-pipeline/internal/embedding"
	"github.com/JakeFAU/rag-pipeline/internal/fetcher"
	collyfetcher "github.com/JakeFAU/rag-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/rag-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/rag-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/rag-pipeline/internal/health"
	"github.com/JakeFAU/rag-pipeline/internal/id/uuid"
	"github.com/JakeFAU/rag-pipeline/internal/ingest"
	"github.com/JakeFAU/rag-pipeline/internal/jobs"
	"github.com/JakeFAU/rag-pipeline/internal/knowledge"
	"github.com/JakeFAU/rag-pipeline/internal/logging"
	"github.com/JakeFAU/rag-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/rag-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/rag-pipeline/internal/progress/sinks"
	"github.com/JakeFAU/rag-pipeline/internal/publisher"
	gcppublisher "github.com/JakeFAU/rag-pipeline/internal/publisher/pubsub"
	memoryqueue "github.com/JakeFAU/rag-pipeline/internal/queue/memory"
	redisqueue "github.com/JakeFAU/rag-pipeline/internal/queue/redis"
	"github.com/JakeFAU/rag-pipeline/internal/retry"
	"github.com/JakeFAU/rag-pipeline/internal/search"
	gcsstorage "github.com/JakeFAU/rag-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rag-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/rag-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/rag-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
	"github.com/JakeFAU/rag-pipeline/internal/weburl"
	"github.com/JakeFAU/rag-pipeline/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	ingest    *ingest.Service
	crawler   *crawler.Orchestrator
	watchdog  *ingest.Watchdog
	queue     jobs.Queue
	dispatch  *dispatcher.Dispatcher
	pool      *browser.Pool

	progressHub    *progress.Hub
	broadcaster    *progress.Broadcaster
	pubsubClient   *pubsub.Client
	storageClient  *storage.Client
	pgPool         *pgxpool.Pool
	tracerProvider *sdktrace.TracerProvider
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Crawl runs one crawl outside the job queue. Nothing is stored in the
// knowledge base.
func (a *App) Crawl(ctx context.Context, rawURL string, policy knowledge.CrawlPolicy) (crawler.Result, error) {
	result, err := a.crawler.Crawl(ctx, crawler.Request{SourceID: "cli", URL: rawURL, Policy: policy}, nil)
	if err != nil {
		return crawler.Result{}, fmt.Errorf("crawl %s: %w", rawURL, err)
	}
	return result, nil
}

// Embed runs one embedding pass over the agent's pending chunks.
func (a *App) Embed(ctx context.Context, agentID string) (embedding.Summary, error) {
	return a.ingest.Embed(ctx, agentID)
}

// Run starts background loops and the HTTP server, and blocks until the
// context is canceled or a termination signal arrives. Callers still Close
// the App afterwards.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started")

	var wg sync.WaitGroup
	if a.dispatch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Concurrency))
			if err := a.dispatch.Run(ctx); err != nil {
				a.logger.Error("dispatcher stopped", zap.Error(err))
			}
		}()
	}
	if a.pool != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pool.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchdog.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	return nil
}

// Close releases every resource the App owns.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("browser pool close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Bool("postgres", cfg.Database.DSN != ""),
	)

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		if cerr := app.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp

	clock := system.New()
	ids := uuid.New()

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	store, pinger, err := a.setupDatabase(ctx, clock)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx, store)
	if err != nil {
		return err
	}

	cache, err := crawlcache.New(cfg.Cache.MaxEntries, cfg.CacheTTL())
	if err != nil {
		return fmt.Errorf("crawl cache init failed: %w", err)
	}
	guard := weburl.NewGuard(weburl.GuardConfig{
		AllowPrivateHosts: cfg.Crawler.AllowPrivateHosts,
		BlockedDomains:    cfg.Crawler.BlockedDomains,
	})
	if a.crawler, err = a.setupCrawler(guard, cache, blobs, clock); err != nil {
		return err
	}

	chunks, err := chunker.New(chunker.Config{
		MaxSize: cfg.Chunker.MaxChunkSize,
		Overlap: cfg.Chunker.Overlap,
	}, ids, clock)
	if err != nil {
		return fmt.Errorf("chunker init failed: %w", err)
	}

	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedding provider init failed: %w", err)
	}
	generator, err := embedding.NewGenerator(embedding.Config{
		BatchSize:  cfg.Embedding.BatchSize,
		BatchDelay: cfg.BatchDelay(),
		Retry: retry.Policy{
			MaxAttempts: cfg.Embedding.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Embedding.BackoffInitialMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Embedding.BackoffMaxMs) * time.Millisecond,
		},
		PricePer1KTokens: cfg.Embedding.PricePer1KTokens,
	}, provider, store, a.logger)
	if err != nil {
		return fmt.Errorf("embedding generator init failed: %w", err)
	}
	searcher, err := search.New(search.Config{
		DefaultLimit:     cfg.Search.DefaultLimit,
		MaxLimit:         cfg.Search.MaxLimit,
		DefaultThreshold: cfg.Search.DefaultThreshold,
	}, generator, store, a.logger)
	if err != nil {
		return fmt.Errorf("searcher init failed: %w", err)
	}

	a.ingest, err = ingest.New(ingest.Config{
		EmbedOnIngest: cfg.Embedding.EmbedOnIngest,
		StatsWindow:   cfg.Health.RecentCrawlSampleSize,
	}, ingest.Dependencies{
		Store:    store,
		Crawler:  a.crawler,
		Chunker:  chunks,
		Embedder: generator,
		Cache:    cache,
		Guard:    guard,
		Blobs:    blobs,
		Progress: emitter,
		Clock:    clock,
		IDs:      ids,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("ingest service init failed: %w", err)
	}
	a.watchdog = ingest.NewWatchdog(a.ingest, ingest.WatchdogConfig{
		Interval:   time.Duration(cfg.Watchdog.IntervalSec) * time.Second,
		StaleAfter: cfg.StaleAfter(),
	})

	if err := a.setupQueue(ctx, ids, clock); err != nil {
		return err
	}

	monitorDeps := health.Dependencies{
		Cache:  cache,
		Queue:  a.queue,
		Crawls: a.ingest.Stats(),
		Clock:  clock,
		Logger: a.logger,
	}
	if a.pool != nil {
		monitorDeps.Pool = a.pool
	}
	if pinger != nil {
		monitorDeps.Store = pinger
	}
	monitor := health.NewMonitor(health.Thresholds{
		BusyUtilization:        cfg.Health.BusyUtilization,
		BusyQueueDepth:         int64(cfg.Health.BusyQueueDepth),
		CriticalQueueDepth:     int64(cfg.Health.CriticalQueueDepth),
		DegradedCrawlErrorRate: cfg.Health.DegradedCrawlErrRate,
	}, monitorDeps)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	deps := api.Dependencies{
		Ingest:   a.ingest,
		Store:    store,
		Chunks:   store,
		Queue:    a.queue,
		Searcher: searcher,
		Health:   monitor,
		Logger:   a.logger,
	}
	if a.broadcaster != nil {
		deps.Events = a.broadcaster
	}
	a.apiServer = api.NewServer(deps, api.Options{APIKey: apiKey})
	return nil
}

func (a *App) setupStorage(ctx context.Context) (knowledge.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

// setupDatabase returns the knowledge store and, for Postgres, a pinger for
// the health monitor.
func (a *App) setupDatabase(ctx context.Context, clock knowledge.Clock) (knowledge.Store, health.Pinger, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory knowledge store")
		return memorystorage.NewStore(clock), nil, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pgPool = pool
	if err := pgstore.InitSchema(ctx, pool); err != nil {
		return nil, nil, err
	}
	store, err := pgstore.New(pool, clock)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	a.logger.Info("postgres knowledge store initialized")
	return store, store, nil
}

func (a *App) setupProgress(ctx context.Context, store knowledge.Store) (progress.Emitter, error) {
	cfg := a.cfg.Progress
	a.broadcaster = progress.NewBroadcaster(cfg.SubscriberSize)
	sinks := []progress.Sink{a.broadcaster}
	if cfg.StoreEnabled {
		sinks = append(sinks, progresssinks.NewStoreSink(store, a.logger))
	}
	if cfg.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger))
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("progress metrics sink disabled", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	if a.cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		pub := gcppublisher.New(client.Publisher(a.cfg.PubSub.TopicName))
		sinks = append(sinks, publisher.NewSink(pub, a.cfg.PubSub.TopicName, a.logger))
		a.logger.Info("pubsub progress publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.BatchSize,
		MaxBatchWait:   time.Duration(cfg.FlushMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger,
	}
	a.progressHub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupCrawler(
	guard *weburl.Guard,
	cache *crawlcache.Cache,
	blobs knowledge.BlobStore,
	clock knowledge.Clock,
) (*crawler.Orchestrator, error) {
	cfg := a.cfg
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		Timeout:       cfg.RequestTimeout(),
		RedirectGuard: guard.Check,
	})
	a.logger.Info("using colly probe fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	mode := fetcher.RenderMode(cfg.Crawler.RenderMode)
	var headless fetcher.Fetcher
	if cfg.Pool.Enabled && mode != fetcher.RenderNever {
		pool, err := browser.NewPool(browser.Config{
			MaxBrowsers:           cfg.Pool.MaxBrowsers,
			MaxContextsPerBrowser: cfg.Pool.MaxContextsPerBrowser,
			MinBrowsers:           cfg.Pool.MinBrowsers,
			AcquireTimeout:        cfg.AcquireTimeout(),
			IdleTimeout:           time.Duration(cfg.Pool.IdleTimeoutSec) * time.Second,
			RecycleAfter:          cfg.Pool.RecycleAfter,
		}, browser.ChromeLauncher{UserAgent: cfg.Crawler.UserAgent}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("browser pool init failed: %w", err)
		}
		a.pool = pool
		headless, err = headlessfetcher.New(headlessfetcher.Config{
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Pool.NavTimeoutSec) * time.Second,
			AcquireTimeout:    cfg.AcquireTimeout(),
		}, pool)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.logger.Info("headless rendering enabled",
			zap.Int("max_browsers", cfg.Pool.MaxBrowsers),
			zap.Int("max_contexts_per_browser", cfg.Pool.MaxContextsPerBrowser),
		)
	}
	auto, err := fetcher.NewAuto(mode, probe, headless, fetcher.NewHeuristic(cfg.Crawler.PromotionThreshold), a.logger)
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.RateLimitRPS,
		DefaultBurst: cfg.Crawler.RateLimitBurst,
	})
	a.logger.Info("per-host rate limiter",
		zap.Float64("default_rps", cfg.Crawler.RateLimitRPS),
		zap.Int("default_burst", cfg.Crawler.RateLimitBurst),
	)

	orch, err := crawler.New(crawler.Config{
		MaxPagesCeiling: cfg.Crawler.MaxPagesCeiling,
		MaxPagesDefault: cfg.Crawler.MaxPagesDefault,
		RenderMode:      cfg.Crawler.RenderMode,
		PersistPages:    cfg.Crawler.PersistPages,
		CacheTTL:        cfg.CacheTTL(),
	}, crawler.Dependencies{
		Fetcher: auto,
		Guard:   guard,
		Robots:  crawler.NewRobotsEnforcer(cfg.Crawler.RespectRobots, cfg.Crawler.UserAgent, nil, a.logger),
		Limiter: limiter,
		Cache:   cache,
		Blobs:   blobs,
		Hasher:  sha256.New(),
		Clock:   clock,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("crawl orchestrator init failed: %w", err)
	}
	return orch, nil
}

// setupQueue picks the job broker. An unreachable broker falls back to
// running jobs inline; workers only start for broker-backed queues.
func (a *App) setupQueue(ctx context.Context, ids knowledge.IDGenerator, clock knowledge.Clock) error {
	cfg := a.cfg.Queue
	backoff := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}

	var broker jobs.Broker
	switch cfg.Backend {
	case "redis":
		rb, err := redisqueue.NewFromURL(ctx, cfg.RedisURL, redisqueue.Config{
			Stream:   cfg.Stream,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
		}, a.logger)
		if err != nil {
			a.logger.Warn("redis broker unavailable", zap.Error(err))
		} else {
			broker = rb
		}
	case "memory":
		broker = memoryqueue.NewQueue(cfg.MemoryDepth)
	}

	a.queue = jobs.New(ctx, broker, a.ingest, jobs.Options{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     backoff,
		JobTimeout:  a.cfg.JobTimeout(),
		IDs:         ids,
		Clock:       clock,
		Logger:      a.logger,
	})

	bq, ok := a.queue.(*jobs.BrokerQueue)
	if !ok {
		return nil
	}
	workers := make([]*worker.Worker, 0, cfg.Concurrency)
	for i := range cfg.Concurrency {
		workers = append(workers, worker.New(i, bq.Broker(), a.ingest, worker.Config{
			JobTimeout: a.cfg.JobTimeout(),
			Backoff:    backoff,
		}, a.logger.Named("worker").With(zap.Int("index", i))))
	}
	dispatch, err := dispatcher.New(workers, a.logger)
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}
	a.dispatch = dispatch
	return nil
}
