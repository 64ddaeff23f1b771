package popular_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
	"github.com/DeafMist/dataracy/backend/internal/popular"
)

type memStorage struct {
	mu      sync.Mutex
	list    []models.PopularDataset
	writes  int
	readErr error
}

func (m *memStorage) HasValidData(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list != nil, nil
}

func (m *memStorage) Get(context.Context) ([]models.PopularDataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	if m.list == nil {
		return nil, popular.ErrCacheMiss
	}
	return append([]models.PopularDataset(nil), m.list...), nil
}

func (m *memStorage) Set(_ context.Context, list []models.PopularDataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = append([]models.PopularDataset(nil), list...)
	m.writes++
	return nil
}

type stubRanker struct {
	total int
	calls atomic.Int32
	delay time.Duration
}

func (r *stubRanker) PopularDataSets(_ context.Context, size int) ([]models.RankedDataset, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	n := min(size, r.total)
	out := make([]models.RankedDataset, 0, n)
	for i := range n {
		id := int64(i + 1)
		out = append(out, models.RankedDataset{
			Dataset: models.Dataset{
				ID: id, Title: fmt.Sprintf("dataset %d", id), UserID: id, DownloadCount: 100 - i,
				Metadata: &models.ParsedMetadata{RowCount: 10, ColumnCount: 3, PreviewJSON: "[]"},
			},
			ConnectedProjectCount: int64(i),
		})
	}
	return out, nil
}

// gatedRanker blocks its first call until release is closed. Like a database
// query it gives up when its ctx is done.
type gatedRanker struct {
	stubRanker
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRanker) PopularDataSets(ctx context.Context, size int) ([]models.RankedDataset, error) {
	r.once.Do(func() { close(r.started) })
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.stubRanker.PopularDataSets(ctx, size)
}

type stubLabels struct {
	failID int64
}

func (l stubLabels) Labels(_ context.Context, d models.Dataset) (models.Labels, error) {
	if d.ID == l.failID {
		return models.Labels{}, apperr.Newf(apperr.ReferenceNotFound, "user %d", d.UserID)
	}
	return models.Labels{Topic: "transport", DataSource: "public", DataType: "csv", Username: fmt.Sprintf("user%d", d.UserID)}, nil
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, time.Duration, time.Duration, func(context.Context) error) error {
	return apperr.New(apperr.LockNotAcquired, "held")
}

func newService(storage popular.Storage, ranker popular.Ranker, labels popular.LabelResolver, locker popular.Locker) *popular.Service {
	return popular.NewService(storage, ranker, labels, locker, popular.Options{}, nil)
}

func TestWarmUpIsNoOpWhenWarm(t *testing.T) {
	storage := &memStorage{list: []models.PopularDataset{{Rank: 1, ID: 9}}}
	ranker := &stubRanker{total: 20}
	svc := newService(storage, ranker, stubLabels{}, nil)

	require.NoError(t, svc.WarmUpCacheIfNeeded(context.Background(), 10))
	require.Zero(t, ranker.calls.Load())
	require.Zero(t, storage.writes)
}

func TestWarmUpTwiceRecomputesOnce(t *testing.T) {
	storage := &memStorage{}
	ranker := &stubRanker{total: 20}
	svc := newService(storage, ranker, stubLabels{}, nil)
	ctx := context.Background()

	require.NoError(t, svc.WarmUpCacheIfNeeded(ctx, 10))
	require.NoError(t, svc.WarmUpCacheIfNeeded(ctx, 10))

	require.Equal(t, int32(1), ranker.calls.Load())
	require.Len(t, storage.list, 10)
	for i, entry := range storage.list {
		require.Equal(t, i+1, entry.Rank)
	}
	require.Equal(t, "user1", storage.list[0].Username)
	require.Equal(t, 10, storage.list[0].RowCount)
}

func TestConcurrentWarmUpsShareOneRecomputation(t *testing.T) {
	storage := &memStorage{}
	ranker := &stubRanker{total: 20, delay: 20 * time.Millisecond}
	svc := newService(storage, ranker, stubLabels{}, nil)

	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.WarmUpCacheIfNeeded(context.Background(), 10)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), ranker.calls.Load())
	require.Equal(t, 1, storage.writes)
}

func TestWarmUpWritesAllOrNothing(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		failID  int64
		wantErr error
		wantLen int
	}{
		{name: "full ranking", total: 25, wantLen: 10},
		{name: "label failure", total: 25, failID: 7, wantErr: apperr.New(apperr.ReferenceNotFound, "")},
		{name: "short ranking", total: 6, wantErr: popular.ErrIncompleteRanking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := &memStorage{}
			svc := newService(storage, &stubRanker{total: tt.total}, stubLabels{failID: tt.failID}, nil)

			err := svc.WarmUpCacheIfNeeded(context.Background(), 10)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, storage.list)
				require.Zero(t, storage.writes)
				return
			}
			require.NoError(t, err)
			require.Len(t, storage.list, tt.wantLen)
		})
	}
}

func TestWarmUpRejectsNonPositiveSize(t *testing.T) {
	svc := newService(&memStorage{}, &stubRanker{}, stubLabels{}, nil)
	err := svc.WarmUpCacheIfNeeded(context.Background(), 0)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestWarmUpSkipsWhenLockHeldElsewhere(t *testing.T) {
	storage := &memStorage{}
	ranker := &stubRanker{total: 20}
	svc := newService(storage, ranker, stubLabels{}, busyLocker{})

	require.NoError(t, svc.WarmUpCacheIfNeeded(context.Background(), 10))
	require.Zero(t, ranker.calls.Load())
	require.Nil(t, storage.list)
}

func TestGetPopularDataSets(t *testing.T) {
	t.Run("serves and truncates the cache", func(t *testing.T) {
		storage := &memStorage{}
		ranker := &stubRanker{total: 30}
		svc := newService(storage, ranker, stubLabels{}, nil)
		ctx := context.Background()

		require.NoError(t, svc.Refresh(ctx, 20))
		list, err := svc.GetPopularDataSets(ctx, 5)
		require.NoError(t, err)
		require.Len(t, list, 5)
		require.Equal(t, int64(1), list[0].ID)
		require.Equal(t, int32(1), ranker.calls.Load())
	})

	t.Run("computes directly when the cache is unreadable", func(t *testing.T) {
		storage := &memStorage{readErr: errors.New("connection refused")}
		ranker := &stubRanker{total: 30}
		svc := newService(storage, ranker, stubLabels{}, nil)

		list, err := svc.GetPopularDataSets(context.Background(), 3)
		require.NoError(t, err)
		require.Len(t, list, 3)
	})

	t.Run("computes directly when fewer datasets exist", func(t *testing.T) {
		storage := &memStorage{}
		svc := newService(storage, &stubRanker{total: 2}, stubLabels{}, nil)

		list, err := svc.GetPopularDataSets(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Nil(t, storage.list)
	})
}

func TestRefreshReplacesWarmCache(t *testing.T) {
	storage := &memStorage{list: []models.PopularDataset{{Rank: 1, ID: 99}}}
	ranker := &stubRanker{total: 20}
	svc := newService(storage, ranker, stubLabels{}, nil)

	require.NoError(t, svc.Refresh(context.Background(), 20))
	require.Len(t, storage.list, 20)
	require.Equal(t, int64(1), storage.list[0].ID)
}

func TestCancelledCallerDoesNotFailSharedWarmUp(t *testing.T) {
	storage := &memStorage{}
	ranker := &gatedRanker{stubRanker: stubRanker{total: 20}, started: make(chan struct{}), release: make(chan struct{})}
	svc := newService(storage, ranker, stubLabels{}, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.GetPopularDataSets(ctxA, 10)
		errA <- err
	}()
	<-ranker.started

	type result struct {
		list []models.PopularDataset
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		list, err := svc.GetPopularDataSets(context.Background(), 10)
		resB <- result{list: list, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(ranker.release)
	b := <-resB
	require.NoError(t, b.err)
	require.Len(t, b.list, 10)
	require.Equal(t, int32(1), ranker.calls.Load())
	require.Equal(t, 1, storage.writes)
}
