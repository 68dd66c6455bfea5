package cache

import (
	"context"
	"time"
)

// AllowRequest 固定窗口计数限流，返回是否放行及窗口剩余时间
func AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if !Enabled() || limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	fullKey := buildKey("rate:" + key)
	count, err := redisClient.Incr(ctx, fullKey).Result()
	if err != nil {
		return true, 0, err
	}
	if count == 1 {
		if err := redisClient.Expire(ctx, fullKey, window).Err(); err != nil {
			return true, 0, err
		}
	}
	retryAfter, err := redisClient.TTL(ctx, fullKey).Result()
	if err != nil || retryAfter < 0 {
		retryAfter = window
	}
	return count <= int64(limit), retryAfter, nil
}
