package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/DeafMist/dataracy/backend/internal/apperr"
)

// RetryPolicy bounds retries of one stage.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy is 5 attempts from 500ms doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: 500 * time.Millisecond, Max: 30 * time.Second}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

// Delay returns the wait after the given failed attempt (1 based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalize()
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	return min(d, p.Max)
}

// Retry runs fn until it succeeds, fails with a non transient error or the
// attempts run out. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, log *slog.Logger, op string, fn func(ctx context.Context) error) error {
	policy = policy.normalize()
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) || attempt >= policy.MaxAttempts {
			return err
		}

		wait := policy.Delay(attempt)
		log.Warn("stage failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("err", err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
