package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld 锁已被其他持有者占用
var ErrLockHeld = errors.New("lock held by another holder")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 基于 SET NX 的互斥锁
type Lock struct {
	key   string
	token string
}

// Unlock 仅在仍持有时释放
func (l *Lock) Unlock(ctx context.Context) error {
	if l == nil || !Enabled() {
		return nil
	}
	return releaseScript.Run(ctx, redisClient, []string{buildKey(l.key)}, l.token).Err()
}

// AcquireLock 获取互斥锁，Redis 未启用时直接返回空锁
func AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if !Enabled() {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	token := uuid.NewString()
	ok, err := redisClient.SetNX(ctx, buildKey(key), token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	return &Lock{key: key, token: token}, nil
}

// NotifyLockKey 通知处理锁键
func NotifyLockKey(channel, kind, orderID string) string {
	return fmt.Sprintf("notify_lock:%s:%s:%s",
		strings.ToLower(strings.TrimSpace(channel)),
		strings.ToLower(strings.TrimSpace(kind)),
		strings.TrimSpace(orderID),
	)
}
