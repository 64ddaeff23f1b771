package projection

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/processing"
)

const (
	DefaultBatchSize = 100
	DefaultMaxRetry  = 8
	maxErrorLength   = 2000
	maxBackoff       = 120 * time.Second
)

// Store is the part of Queue the worker needs.
type Store interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Complete(ctx context.Context, id int64) error
	Retry(ctx context.Context, id int64, retryCount int, nextRunAt time.Time, lastError string) error
	Bury(ctx context.Context, t Task, retryCount int, lastError string) error
}

var _ Store = (*Queue)(nil)

// Handler applies one task to the search index.
type Handler interface {
	Apply(ctx context.Context, t Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Task) error

func (f HandlerFunc) Apply(ctx context.Context, t Task) error { return f(ctx, t) }

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	BatchSize int
	MaxRetry  int
	// RatePerSecond caps index writes. Zero disables the limit.
	RatePerSecond float64
}

// Worker drains due tasks.
type Worker struct {
	store   Store
	handler Handler
	limiter *rate.Limiter
	batch   int
	retries int
	log     *slog.Logger
	now     func() time.Time
}

// NewWorker builds a worker.
func NewWorker(store Store, handler Handler, cfg WorkerConfig, log *slog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = DefaultMaxRetry
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Worker{
		store:   store,
		handler: handler,
		limiter: limiter,
		batch:   cfg.BatchSize,
		retries: cfg.MaxRetry,
		log:     logger.OrDiscard(log),
		now:     time.Now,
	}
}

// Backoff returns the delay before attempt retryCount+1: 1s, 2s, 4s ... 64s,
// and 120s once retryCount reaches 8.
func Backoff(retryCount int) time.Duration {
	if retryCount >= 8 {
		return maxBackoff
	}
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 6 {
		shift = 6
	}
	return time.Duration(1<<shift) * time.Second
}

// Stats summarizes one RunOnce call.
type Stats struct {
	Claimed      int
	Applied      int
	Retried      int
	DeadLettered int
}

// RunOnce claims one batch and applies it. A task failure never stops the
// rest of the batch.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	tasks, err := w.store.Claim(ctx, w.now(), w.batch)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(tasks)

	for _, t := range tasks {
		if err := w.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		applyErr := w.handler.Apply(ctx, t)
		if applyErr == nil {
			if err := w.store.Complete(ctx, t.ID); err != nil {
				w.log.Error("complete projection task", slog.Int64("task_id", t.ID), slog.Any("err", err))
				continue
			}
			stats.Applied++
			continue
		}
		if errors.Is(applyErr, context.Canceled) && ctx.Err() != nil {
			return stats, ctx.Err()
		}

		next := t.RetryCount + 1
		msg := processing.Truncate(applyErr.Error(), maxErrorLength)
		w.log.Warn("projection task failed",
			slog.Int64("task_id", t.ID),
			slog.Int64("data_id", t.DataID),
			slog.String("kind", string(t.Kind)),
			slog.Int("attempt", next),
			slog.Any("err", applyErr),
		)

		if next >= w.retries {
			if err := w.store.Bury(ctx, t, next, msg); err != nil {
				w.log.Error("move projection task to dlq", slog.Int64("task_id", t.ID), slog.Any("err", err))
				continue
			}
			stats.DeadLettered++
			continue
		}
		if err := w.store.Retry(ctx, t.ID, next, w.now().Add(Backoff(next)), msg); err != nil {
			w.log.Error("reschedule projection task", slog.Int64("task_id", t.ID), slog.Any("err", err))
			continue
		}
		stats.Retried++
	}
	return stats, nil
}

// Run calls RunOnce every interval until ctx ends. A full batch is followed
// immediately by another one.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			stats, err := w.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Error("projection run failed", slog.Any("err", err))
				break
			}
			if stats.Claimed > 0 {
				w.log.Debug("projection batch done",
					slog.Int("claimed", stats.Claimed),
					slog.Int("applied", stats.Applied),
					slog.Int("retried", stats.Retried),
					slog.Int("dead_lettered", stats.DeadLettered),
				)
			}
			if stats.Claimed < w.batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
