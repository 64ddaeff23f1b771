// Package lock implements a Redis backed distributed mutex.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
	"github.com/DeafMist/dataracy/backend/internal/logger"
)

const (
	keyPrefix    = "lock:"
	initialDelay = 100 * time.Millisecond
	maxDelay     = 5 * time.Second
)

// ErrNotHeld is returned by Release and Extend when the lock expired or was
// taken over by another owner.
var ErrNotHeld = errors.New("lock no longer held")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// Manager hands out locks stored in Redis.
type Manager struct {
	client redis.Cmdable
	log    *slog.Logger
}

// NewManager returns a Manager over client.
func NewManager(client redis.Cmdable, log *slog.Logger) *Manager {
	return &Manager{client: client, log: logger.OrDiscard(log)}
}

// Lock is one acquired lock. Its token guards release against a lease that
// expired and was reacquired by someone else.
type Lock struct {
	client redis.Cmdable
	key    string
	token  string
	lease  time.Duration
}

// Key returns the Redis key of the lock.
func (l *Lock) Key() string { return l.key }

// RetryDelay returns the wait before attempt n (0 based): 100ms doubling up to 5s.
func RetryDelay(n int) time.Duration {
	d := initialDelay
	for i := 0; i < n && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// TryLock attempts to take name for lease, retrying until wait elapses. It
// fails with LOCK_NOT_ACQUIRED when the lock stays held.
func (m *Manager) TryLock(ctx context.Context, name string, wait, lease time.Duration) (*Lock, error) {
	key := keyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for attempt := 0; ; attempt++ {
		ok, err := m.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, apperr.Wrap(apperr.CacheUnavailable, "acquire lock "+key, err)
		}
		if ok {
			m.log.Debug("lock acquired", slog.String("key", key), slog.Int("attempt", attempt))
			return &Lock{client: m.client, key: key, token: token, lease: lease}, nil
		}

		delay := RetryDelay(attempt)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, apperr.Newf(apperr.LockNotAcquired, "key=%s", key)
		}
		if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// WithLock runs fn while holding name. The lease is renewed every half lease
// while fn runs, and the lock is released afterwards even when ctx was
// cancelled.
func (m *Manager) WithLock(ctx context.Context, name string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	l, err := m.TryLock(ctx, name, wait, lease)
	if err != nil {
		return err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.keepAlive(ctx, l, stop)
	}()
	defer func() {
		close(stop)
		<-done

		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			m.log.Warn("release lock", slog.String("key", l.key), slog.Any("err", err))
		}
	}()
	return fn(ctx)
}

func (m *Manager) keepAlive(ctx context.Context, l *Lock, stop <-chan struct{}) {
	interval := l.lease / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx); err != nil {
				m.log.Warn("extend lock", slog.String("key", l.key), slog.Any("err", err))
				if errors.Is(err, ErrNotHeld) {
					return
				}
			}
		}
	}
}

// Release deletes the lock if it is still owned by this holder.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend renews the lease if the lock is still owned by this holder.
func (l *Lock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
