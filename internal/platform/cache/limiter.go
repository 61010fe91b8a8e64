package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed window counter stored in Redis. Keys expire with their
// window, so no sweeping is needed.
type Limiter struct {
	client  redis.Cmdable
	prefix  string
	limit   int64
	window  time.Duration
	timeout time.Duration
}

// NewLimiter builds a limiter allowing limit hits per window for each key.
// A non-positive limit disables limiting.
func NewLimiter(client redis.Cmdable, prefix string, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{
		client:  client,
		prefix:  prefix,
		limit:   int64(limit),
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
// Redis failures are returned to the caller, which decides whether to fail
// open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || l.limit <= 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	redisKey := l.prefix + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("platform/cache: limiter incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, fmt.Errorf("platform/cache: limiter expire: %w", err)
		}
	}
	return count <= l.limit, nil
}
