package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/dataracy/backend/internal/config"
	"github.com/DeafMist/dataracy/backend/internal/dataset"
	"github.com/DeafMist/dataracy/backend/internal/elasticsearch"
	"github.com/DeafMist/dataracy/backend/internal/kv"
	"github.com/DeafMist/dataracy/backend/internal/lock"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/pipeline"
	"github.com/DeafMist/dataracy/backend/internal/popular"
	"github.com/DeafMist/dataracy/backend/internal/projection"
	"github.com/DeafMist/dataracy/backend/internal/reference"
)

func main() {
	log := logger.New("projector")
	cfg, err := config.LoadProjector()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := connectElasticsearch(ctx, log, cfg)
	if err != nil {
		log.Error("failed to connect to elasticsearch after retries", slog.Any("err", err))
		os.Exit(1)
	}
	if ctx.Err() != nil {
		log.Info("shutdown signal received during startup")
		return
	}
	log.Info("connected to elasticsearch", slog.String("index", esClient.Index()))

	if err := run(ctx, log, cfg, esClient); err != nil {
		log.Error("projector stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

// connectElasticsearch retries client creation and ping with exponential
// backoff capped at 30s.
func connectElasticsearch(ctx context.Context, log *slog.Logger, cfg *config.Projector) (*elasticsearch.Client, error) {
	const maxRetries = 10
	retryDelay := 2 * time.Second

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = esClient.Ping(pingCtx)
			cancel()
			if err == nil {
				return esClient, nil
			}
		}
		lastErr = err
		log.Warn("elasticsearch not ready, retrying",
			slog.Any("err", err),
			slog.Int("attempt", i+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("retry_in", retryDelay),
		)

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, nil
		}
		retryDelay = min(retryDelay*2, 30*time.Second)
	}
	return nil, lastErr
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Projector, esClient *elasticsearch.Client) error {
	if err := esClient.EnsureIndex(ctx); err != nil {
		return err
	}

	pool, err := dataset.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisCfg := kv.DefaultConfig(cfg.RedisAddr)
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisClient, err := kv.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("close redis", slog.Any("err", err))
		}
	}()

	resolver := reference.NewResolver(reference.NewPostgresLookup(pool), reference.DefaultTTL)
	defer resolver.Close()

	store := dataset.NewPostgresStore(pool)
	locker := lock.NewManager(redisClient, log)

	// Retries are owned by the task queue here, so each stage runs once.
	ingestor := pipeline.NewIngestor(pipeline.Deps{
		Store:  store,
		Labels: resolver,
		Index:  esClient,
	}, pipeline.Config{
		Retry:         pipeline.RetryPolicy{MaxAttempts: 1},
		KeywordLimit:  cfg.KeywordLimit,
		KeywordMinLen: cfg.KeywordMinLength,
	}, log)

	queue := projection.NewQueue(pool)
	logBacklog(ctx, log, queue, store)

	worker := projection.NewWorker(
		queue,
		projection.NewIndexHandler(ingestor, esClient),
		projection.WorkerConfig{BatchSize: cfg.BatchSize, MaxRetry: cfg.MaxRetry, RatePerSecond: cfg.IndexRPS},
		log,
	)

	popularSvc := popular.NewService(
		popular.NewRedisStorage(redisClient, popular.DefaultTTL),
		store,
		resolver,
		locker,
		popular.Options{WorkTimeout: 2 * time.Minute},
		log,
	)

	log.Info("projector running",
		slog.Duration("interval", cfg.Interval),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Duration("popular_refresh", cfg.PopularRefreshInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx, cfg.Interval)
	})
	g.Go(func() error {
		refreshLoop(gctx, log, popularSvc, cfg)
		return nil
	})
	return g.Wait()
}

type pendingCounter interface {
	Pending(ctx context.Context) (int64, error)
}

type visibleCounter interface {
	CountVisible(ctx context.Context) (int64, error)
}

// logBacklog reports how much projection work is waiting at startup.
func logBacklog(ctx context.Context, log *slog.Logger, queue pendingCounter, store visibleCounter) {
	pending, err := queue.Pending(ctx)
	if err != nil {
		log.Warn("count projection tasks", slog.Any("err", err))
		return
	}
	visible, err := store.CountVisible(ctx)
	if err != nil {
		log.Warn("count datasets", slog.Any("err", err))
		return
	}
	log.Info("projection backlog", slog.Int64("pending_tasks", pending), slog.Int64("visible_datasets", visible))
}

type refresher interface {
	Refresh(ctx context.Context, size int) error
}

// refreshLoop refreshes the popular cache immediately and then on every tick.
// Failures are logged and retried on the next interval.
func refreshLoop(ctx context.Context, log *slog.Logger, svc refresher, cfg *config.Projector) {
	ticker := time.NewTicker(cfg.PopularRefreshInterval)
	defer ticker.Stop()

	refreshOnce(ctx, log, svc, cfg.PopularRefreshSize)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case <-ticker.C:
			refreshOnce(ctx, log, svc, cfg.PopularRefreshSize)
		}
	}
}

func refreshOnce(ctx context.Context, log *slog.Logger, svc refresher, size int) {
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := svc.Refresh(subCtx, size); err != nil {
		log.Warn("popular refresh failed (will retry on next interval)", slog.Any("err", err))
		return
	}
	log.Debug("popular refresh completed", slog.Int("size", size))
}
