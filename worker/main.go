package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/dataracy/backend/internal/config"
	"github.com/DeafMist/dataracy/backend/internal/dataset"
	"github.com/DeafMist/dataracy/backend/internal/dedupe"
	"github.com/DeafMist/dataracy/backend/internal/elasticsearch"
	"github.com/DeafMist/dataracy/backend/internal/events"
	"github.com/DeafMist/dataracy/backend/internal/filestorage"
	"github.com/DeafMist/dataracy/backend/internal/kv"
	"github.com/DeafMist/dataracy/backend/internal/lock"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/metadata"
	"github.com/DeafMist/dataracy/backend/internal/pipeline"
	"github.com/DeafMist/dataracy/backend/internal/projection"
	"github.com/DeafMist/dataracy/backend/internal/reference"
)

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Worker) error {
	pool, err := dataset.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		return err
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		return err
	}

	storage, err := filestorage.NewS3(ctx, filestorage.Config{
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3PathStyle,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		PublicBaseURL:   cfg.S3PublicBaseURL,
	}, log)
	if err != nil {
		return err
	}

	redisCfg := kv.DefaultConfig(cfg.RedisAddr)
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisClient, err := kv.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}

	cache := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)
	resolver := reference.NewResolver(reference.NewPostgresLookup(pool), reference.DefaultTTL)
	dlqWriter := events.NewWriter(cfg.KafkaBrokers, events.DLQTopic(cfg.KafkaTopic))

	defer func() {
		var closeErr *multierror.Error
		closeErr = multierror.Append(closeErr, dlqWriter.Close(), redisClient.Close())
		cache.Close()
		resolver.Close()
		if cerr := closeErr.ErrorOrNil(); cerr != nil {
			log.Warn("close resources", slog.Any("err", cerr))
		}
	}()

	retry := pipeline.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxAttempts
	ingestor := pipeline.NewIngestor(pipeline.Deps{
		Files:  storage,
		Store:  dataset.NewPostgresStore(pool),
		Labels: resolver,
		Index:  esClient,
		Queue:  projection.NewQueue(pool),
		Locker: lock.NewManager(redisClient, log),
	}, pipeline.Config{
		Limits:        metadata.Limits{PreviewRows: cfg.PreviewRows, PreviewBytes: cfg.PreviewBytes},
		Retry:         retry,
		KeywordLimit:  cfg.KeywordLimit,
		KeywordMinLen: cfg.KeywordMinLength,
		LockLease:     cfg.LockTTL,
	}, log)

	dlq := events.NewDeadLetter(dlqWriter, log)

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", events.DLQTopic(cfg.KafkaTopic)),
		slog.Int("concurrency", cfg.Concurrency),
	)

	// Each reader is a member of the same group, so a partition and with it
	// every event of one dataset is owned by a single goroutine.
	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Concurrency {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.KafkaBrokers,
			Topic:          cfg.KafkaTopic,
			GroupID:        cfg.KafkaConsumer,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commit only
		})
		c := &consumer{
			reader:  reader,
			dlq:     dlq,
			handler: ingestor,
			cache:   cache,
			log:     log.With(slog.Int("reader", i)),
		}
		g.Go(func() error {
			defer reader.Close()
			return c.run(gctx)
		})
	}
	return g.Wait()
}
