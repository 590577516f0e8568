// Package ratelimit is the short-window tokens-per-minute throttle applied
// before quota admission. It is independent of the tenant's plan limits.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// DefaultCost is charged when a request does not name max_tokens.
const DefaultCost = 1000

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter. A nil
// *Limiter allows everything, which is how the gateway runs without Redis.
type Limiter struct {
	store  extratelimit.Limiter
	window time.Duration
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

func NewLimiter(rdb *goredis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store, window: time.Minute}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store, window: time.Minute}
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}

// Allow charges tokens against the tenant's window. A store error is
// returned with a denied decision.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (Decision, error) {
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	if tokens <= 0 {
		tokens = DefaultCost
	}
	res, err := l.store.AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return Decision{RetryAfter: l.window}, fmt.Errorf("rate limit check: %w", err)
	}
	if !res.Allowed {
		return Decision{RetryAfter: l.window}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	if l == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Status(ctx, key(tenantID))
}
