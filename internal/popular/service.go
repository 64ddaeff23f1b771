// Package popular maintains the ranked popular-datasets cache.
package popular

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

// ErrIncompleteRanking is returned when fewer than the requested number of
// datasets could be ranked. Nothing is written in that case.
var ErrIncompleteRanking = errors.New("ranking returned fewer entries than requested")

// Ranker returns the top datasets by popularity.
type Ranker interface {
	PopularDataSets(ctx context.Context, size int) ([]models.RankedDataset, error)
}

// LabelResolver resolves the reference labels of a dataset.
type LabelResolver interface {
	Labels(ctx context.Context, d models.Dataset) (models.Labels, error)
}

// Locker serializes warm-ups across processes.
type Locker interface {
	WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error
}

const lockName = "popular:datasets:warmup"

// Options tunes the lock and timeout used around a warm-up.
type Options struct {
	LockWait  time.Duration
	LockLease time.Duration
	// WorkTimeout bounds one shared recomputation.
	WorkTimeout time.Duration
}

func (o Options) normalize() Options {
	if o.LockWait <= 0 {
		o.LockWait = 3 * time.Second
	}
	if o.LockLease <= 0 {
		o.LockLease = 30 * time.Second
	}
	if o.WorkTimeout <= 0 {
		o.WorkTimeout = 30 * time.Second
	}
	return o
}

// Service warms, refreshes and serves the cache.
type Service struct {
	storage Storage
	ranker  Ranker
	labels  LabelResolver
	locker  Locker
	opts    Options
	log     *slog.Logger
	group   singleflight.Group
}

// NewService wires a Service. locker may be nil for a single process.
func NewService(storage Storage, ranker Ranker, labels LabelResolver, locker Locker, opts Options, log *slog.Logger) *Service {
	return &Service{
		storage: storage,
		ranker:  ranker,
		labels:  labels,
		locker:  locker,
		opts:    opts.normalize(),
		log:     logger.OrDiscard(log),
	}
}

// WarmUpCacheIfNeeded fills the cache with the top size datasets unless it is
// already warm. Concurrent callers share one recomputation.
func (s *Service) WarmUpCacheIfNeeded(ctx context.Context, size int) error {
	if size <= 0 {
		return apperr.Newf(apperr.InvalidRequest, "size must be positive, got %d", size)
	}
	warm, err := s.storage.HasValidData(ctx)
	if err != nil {
		return err
	}
	if warm {
		return nil
	}

	return s.shared(ctx, strconv.Itoa(size), func(ctx context.Context) error {
		warm, err := s.storage.HasValidData(ctx)
		if err != nil || warm {
			return err
		}
		return s.populate(ctx, size)
	})
}

// Refresh recomputes and replaces the cache unconditionally.
func (s *Service) Refresh(ctx context.Context, size int) error {
	if size <= 0 {
		return apperr.Newf(apperr.InvalidRequest, "size must be positive, got %d", size)
	}
	return s.shared(ctx, "refresh:"+strconv.Itoa(size), func(ctx context.Context) error {
		return s.populate(ctx, size)
	})
}

// shared runs fn once for all concurrent callers of key. The work is detached
// from the caller that started it, so one caller giving up does not fail the
// others; each caller only stops waiting on its own ctx.
func (s *Service) shared(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ch := s.group.DoChan(key, func() (any, error) {
		workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WorkTimeout)
		defer cancel()
		return nil, s.guarded(workCtx, fn)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// GetPopularDataSets serves the top size datasets, warming the cache first.
// When the cache cannot be used the list is computed directly.
func (s *Service) GetPopularDataSets(ctx context.Context, size int) ([]models.PopularDataset, error) {
	if err := s.WarmUpCacheIfNeeded(ctx, size); err != nil {
		if ctx.Err() != nil || apperr.KindOf(err) == apperr.KindValidation {
			return nil, err
		}
		if !errors.Is(err, ErrIncompleteRanking) {
			s.log.Warn("popular cache warm-up failed", slog.Int("size", size), slog.Any("err", err))
		}
	} else {
		list, err := s.storage.Get(ctx)
		if err == nil && len(list) >= size {
			return list[:size], nil
		}
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("popular cache read failed", slog.Any("err", err))
		}
	}
	return s.compute(ctx, size)
}

func (s *Service) guarded(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithLock(ctx, lockName, s.opts.LockWait, s.opts.LockLease, fn)
	if apperr.CodeOf(err) == apperr.LockNotAcquired {
		// Another process is warming the same cache.
		s.log.Debug("popular warm-up skipped, lock held elsewhere")
		return nil
	}
	return err
}

func (s *Service) populate(ctx context.Context, size int) error {
	start := time.Now()
	list, err := s.compute(ctx, size)
	if err != nil {
		return err
	}
	if len(list) < size {
		return fmt.Errorf("%w: want %d, got %d", ErrIncompleteRanking, size, len(list))
	}
	if err := s.storage.Set(ctx, list); err != nil {
		return err
	}
	s.log.Info("popular cache populated",
		slog.Int("size", len(list)),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// compute ranks and labels the top size datasets. Any label failure fails
// the whole list.
func (s *Service) compute(ctx context.Context, size int) ([]models.PopularDataset, error) {
	ranked, err := s.ranker.PopularDataSets(ctx, size)
	if err != nil {
		return nil, fmt.Errorf("rank datasets: %w", err)
	}

	out := make([]models.PopularDataset, 0, len(ranked))
	for i, r := range ranked {
		labels, err := s.labels.Labels(ctx, r.Dataset)
		if err != nil {
			return nil, fmt.Errorf("labels for dataset %d: %w", r.ID, err)
		}
		entry := models.PopularDataset{
			Rank:                  i + 1,
			ID:                    r.ID,
			Title:                 r.Title,
			Username:              labels.Username,
			Topic:                 labels.Topic,
			DataSource:            labels.DataSource,
			DataType:              labels.DataType,
			ThumbnailURL:          r.ThumbnailURL,
			DownloadCount:         r.DownloadCount,
			ConnectedProjectCount: r.ConnectedProjectCount,
		}
		if r.Metadata != nil {
			entry.RowCount = r.Metadata.RowCount
			entry.ColumnCount = r.Metadata.ColumnCount
		}
		out = append(out, entry)
	}
	return out, nil
}
