package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig is the per-tenant quota on the campaign API.
type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length
}

// RateLimitResult is the verdict for one request.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces a sliding-window quota per key. Each key keeps
// a sorted set of request timestamps; entries older than the window
// are dropped before counting, so a tenant that bursts gets its quota
// back gradually rather than all at once on a boundary.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a rate limiter with the given quota.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks and consumes one request for the key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks whether n requests fit in the key's window and, if so,
// consumes them.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	quotaKey := "dispatch:ratelimit:" + key

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, quotaKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, quotaKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count window: %w", err)
	}

	used := int(countCmd.Val())
	result := &RateLimitResult{
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-used),
		ResetAt:   now.Add(r.config.Window),
	}

	if used+n > r.config.Limit {
		r.logger.Debug("request over tenant quota",
			zap.String("key", key),
			zap.Int("used", used),
			zap.Int("limit", r.config.Limit),
		)
		return result, nil
	}

	consume := r.client.rdb.Pipeline()
	for i := 0; i < n; i++ {
		score := float64(now.UnixNano()) + float64(i)
		consume.ZAdd(ctx, quotaKey, redis.Z{
			Score:  score,
			Member: fmt.Sprintf("%d-%d", now.UnixNano(), i),
		})
	}
	consume.Expire(ctx, quotaKey, r.config.Window+time.Second)
	if _, err := consume.Exec(ctx); err != nil {
		return nil, fmt.Errorf("consume quota: %w", err)
	}

	result.Allowed = true
	result.Remaining = max(0, result.Remaining-n)
	return result, nil
}
