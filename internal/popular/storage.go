package popular

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/models"
)

const (
	listKey     = "popular:datasets"
	metadataKey = "popular:datasets:metadata"

	// DefaultTTL is the staleness window of a warmed cache.
	DefaultTTL = 10 * time.Minute
)

// ErrCacheMiss means the cached list is absent or expired.
var ErrCacheMiss = errors.New("popular datasets cache miss")

// Snapshot describes the cached list.
type Snapshot struct {
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Storage holds the ranked list.
type Storage interface {
	HasValidData(ctx context.Context) (bool, error)
	Get(ctx context.Context) ([]models.PopularDataset, error)
	Set(ctx context.Context, list []models.PopularDataset) error
}

// RedisStorage keeps the list and its snapshot metadata under two keys that
// are always written together in one MULTI block.
type RedisStorage struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage returns a storage that expires entries after ttl.
func NewRedisStorage(client redis.Cmdable, ttl time.Duration) *RedisStorage {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStorage{client: client, ttl: ttl, now: time.Now}
}

// HasValidData reports whether both keys are present.
func (s *RedisStorage) HasValidData(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, listKey, metadataKey).Result()
	if err != nil {
		return false, apperr.Wrap(apperr.CacheUnavailable, "check popular cache", err)
	}
	return n == 2, nil
}

// Get returns the cached list or ErrCacheMiss.
func (s *RedisStorage) Get(ctx context.Context) ([]models.PopularDataset, error) {
	raw, err := s.client.Get(ctx, listKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CacheUnavailable, "read popular cache", err)
	}
	var list []models.PopularDataset
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode popular cache: %w", err)
	}
	return list, nil
}

// Set replaces the list and its metadata atomically.
func (s *RedisStorage) Set(ctx context.Context, list []models.PopularDataset) error {
	body, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode popular cache: %w", err)
	}
	meta, err := json.Marshal(Snapshot{Size: len(list), UpdatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode popular cache metadata: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, listKey, body, s.ttl)
		pipe.Set(ctx, metadataKey, meta, s.ttl)
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.CacheUnavailable, "write popular cache", err)
	}
	return nil
}
