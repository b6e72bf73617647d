package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neon-arena/leaderboard/internal/domain"
)

// RateLimiter is a fixed-window submission counter per player
type RateLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows limit calls per player in each window
func NewRateLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

func (l *RateLimiter) key(player domain.Address) string {
	slot := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("%s:ratelimit:%s:%d", l.prefix, player, slot)
}

// Allow counts one call and reports whether it fits in the current window
func (l *RateLimiter) Allow(ctx context.Context, player domain.Address) (bool, error) {
	key := l.key(player)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("counting submission: %w", err)
	}
	return incr.Val() <= l.limit, nil
}
