package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sms-dispatch/internal/db"
)

// Limiter is a Redis-backed token bucket keyed by caller identity,
// protecting the mutating admin endpoints.
type Limiter struct {
	redis  *db.RedisClient
	logger *zap.Logger
	rps    int
	burst  int
}

func NewLimiter(redis *db.RedisClient, logger *zap.Logger, rps, burst int) *Limiter {
	return &Limiter{
		redis:  redis,
		logger: logger,
		rps:    rps,
		burst:  burst,
	}
}

// Allow consumes one token for the caller. When Redis is unavailable the
// request is allowed; the limiter degrades open.
func (l *Limiter) Allow(ctx context.Context, callerID string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}

	key := fmt.Sprintf("rate_limit:%s", callerID)
	now := time.Now()
	windowStart := now.Truncate(time.Second)

	currentStr, err := l.redis.Get(ctx, key).Result()
	currentTokens := l.burst
	lastRefill := windowStart

	if err == nil {
		var lastRefillUnix int64
		fmt.Sscanf(currentStr, "%d:%d", &currentTokens, &lastRefillUnix)
		lastRefill = time.Unix(lastRefillUnix, 0)
	} else if err != redis.Nil {
		l.logger.Warn("rate limiter degraded open", zap.Error(err))
		return true, 0, nil
	}

	elapsed := windowStart.Sub(lastRefill)
	tokensToAdd := int(elapsed.Seconds()) * l.rps
	if currentTokens+tokensToAdd < l.burst {
		currentTokens += tokensToAdd
	} else {
		currentTokens = l.burst
	}

	if currentTokens <= 0 {
		retryAfter := time.Second - time.Duration(now.Nanosecond())
		return false, retryAfter, nil
	}

	currentTokens--
	newValue := fmt.Sprintf("%d:%d", currentTokens, windowStart.Unix())
	if err := l.redis.Set(ctx, key, newValue, time.Minute).Err(); err != nil {
		l.logger.Warn("failed to persist rate limit state", zap.Error(err))
	}

	return true, 0, nil
}

// Reset clears the bucket for a caller.
func (l *Limiter) Reset(ctx context.Context, callerID string) error {
	if l == nil || l.redis == nil {
		return nil
	}
	return l.redis.Del(ctx, fmt.Sprintf("rate_limit:%s", callerID)).Err()
}
