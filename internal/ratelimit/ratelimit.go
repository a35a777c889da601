// Package ratelimit provides Redis-based rate limiting and duplicate
// suppression. Every check fails open when Redis is unavailable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gitlab.com/voxline/services/backend/internal/logger"
)

var log = logger.For("RateLimit")

// ErrRateLimited is returned when a rate limit is exceeded
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter provides rate limiting functionality using Redis
type Limiter struct {
	redis *redis.Client
}

// NewLimiter creates a new rate limiter. redis may be nil.
func NewLimiter(redis *redis.Client) *Limiter {
	return &Limiter{redis: redis}
}

// CheckConnect limits dashboard connection attempts per account.
func (l *Limiter) CheckConnect(ctx context.Context, accountID string, limit int, window time.Duration) error {
	if l == nil || l.redis == nil || limit <= 0 {
		return nil
	}

	key := fmt.Sprintf("ratelimit:ws:account:%s", accountID)
	if err := l.checkLimit(ctx, key, limit, window); err != nil {
		log.Warnf("Account %s exceeded connection limit", accountID)
		return err
	}
	return nil
}

// FirstSeen reports whether key has not been seen within window, and marks
// it seen. Used to drop provider retries of the same status callback.
func (l *Limiter) FirstSeen(ctx context.Context, key string, window time.Duration) bool {
	if l == nil || l.redis == nil || window <= 0 {
		return true
	}

	ok, err := l.redis.SetNX(ctx, "dedup:"+key, 1, window).Result()
	if err != nil {
		log.WithError(err).Debug("Dedup check failed, allowing")
		return true
	}
	return ok
}

// checkLimit performs the actual rate limit check using Redis INCR
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return nil
	}

	if count == 1 {
		l.redis.Expire(ctx, key, window)
	}

	if int(count) > limit {
		return ErrRateLimited
	}

	return nil
}
