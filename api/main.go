package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/DeafMist/dataracy/backend/internal/config"
	"github.com/DeafMist/dataracy/backend/internal/dataset"
	"github.com/DeafMist/dataracy/backend/internal/elasticsearch"
	"github.com/DeafMist/dataracy/backend/internal/events"
	"github.com/DeafMist/dataracy/backend/internal/filestorage"
	"github.com/DeafMist/dataracy/backend/internal/kv"
	"github.com/DeafMist/dataracy/backend/internal/lock"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/popular"
	"github.com/DeafMist/dataracy/backend/internal/reference"
	"github.com/DeafMist/dataracy/backend/internal/upload"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("api stopped", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg *config.API) error {
	pool, err := dataset.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
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

	writer := events.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	resolver := reference.NewResolver(reference.NewPostgresLookup(pool), reference.DefaultTTL)

	defer func() {
		var closeErr *multierror.Error
		closeErr = multierror.Append(closeErr, writer.Close(), redisClient.Close())
		resolver.Close()
		if cerr := closeErr.ErrorOrNil(); cerr != nil {
			log.Warn("close resources", slog.Any("err", cerr))
		}
	}()

	store := dataset.NewPostgresStore(pool)
	popularSvc := popular.NewService(
		popular.NewRedisStorage(redisClient, popular.DefaultTTL),
		store,
		resolver,
		lock.NewManager(redisClient, log),
		popular.Options{},
		log,
	)

	srv := &server{
		log:      log,
		cfg:      cfg,
		search:   esClient,
		datasets: store,
		uploads:  upload.NewService(storage, store, events.NewPublisher(writer, log), cfg.PresignTTL, log),
		popular:  popularSvc,
		health: []healthCheck{
			{name: "elasticsearch", check: esClient.Health},
			{name: "postgres", check: pool.Ping},
			{name: "redis", check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
