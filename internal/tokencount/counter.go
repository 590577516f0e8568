// Package tokencount turns text into token counts. The gateway treats the
// counter as ground truth and never counts a failure as zero.
package tokencount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var ErrUnavailable = errors.New("token counter unavailable")

type Counter interface {
	Count(ctx context.Context, text string) (int, error)
}

// CounterFunc adapts a plain function to Counter.
type CounterFunc func(ctx context.Context, text string) (int, error)

func (f CounterFunc) Count(ctx context.Context, text string) (int, error) { return f(ctx, text) }

// Estimate is the conservative fallback used when the counter stays
// unreachable after retries: one token per three bytes, rounded up.
func Estimate(text string) int {
	return (len(text) + 2) / 3
}

type RetryConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}
}

// CountWithRetry retries transport failures with exponential backoff. Errors
// other than ErrUnavailable are returned immediately.
func CountWithRetry(ctx context.Context, c Counter, text string, cfg RetryConfig, log *zap.Logger) (int, error) {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}

	attempt := 0
	return backoff.Retry(ctx, func() (int, error) {
		attempt++
		n, err := c.Count(ctx, text)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(cfg.MaxAttempts, 1)),
		backoff.WithMaxElapsedTime(cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("token count failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
}

// CountOrEstimate is used after generation, where a count must always be
// produced. It retries the counter and falls back to Estimate; estimated
// reports whether the fallback was used.
func CountOrEstimate(ctx context.Context, c Counter, text string, cfg RetryConfig, log *zap.Logger) (n int, estimated bool) {
	if text == "" {
		return 0, false
	}
	n, err := CountWithRetry(ctx, c, text, cfg, log)
	if err == nil {
		return n, false
	}
	n = Estimate(text)
	log.Warn("token counter exhausted, using estimate",
		zap.Int("estimated_tokens", n),
		zap.Int("bytes", len(text)),
		zap.Error(err),
	)
	return n, true
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
