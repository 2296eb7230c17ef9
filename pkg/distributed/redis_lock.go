package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockNotAcquired 等待超时仍未拿到锁
var ErrLockNotAcquired = errors.New("distributed lock not acquired")

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisLock Redis 分布式锁
// 单据推进的跨实例互斥、周期任务选主都依赖它
type RedisLock struct {
	client   *redis.Client
	key      string
	value    string
	expiry   time.Duration
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewRedisLock 创建 Redis 分布式锁
// client 为 nil（Redis未启用）时，TryLock 返回 false，由调用方决定是否降级
func NewRedisLock(client *redis.Client, key string, expiry time.Duration) *RedisLock {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisLock{
		client:   client,
		key:      key,
		value:    uuid.New().String(), // 锁的值，防止误释放
		expiry:   expiry,
		ctx:      ctx,
		cancelFn: cancel,
	}
}

// Key 锁的键
func (l *RedisLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *RedisLock) TryLock() (bool, error) {
	if l.client == nil {
		return false, nil
	}

	// SET NX PX：key 不存在则设置，并设置过期时间
	ok, err := l.client.SetNX(l.ctx, l.key, l.value, l.expiry).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if ok {
		go l.autoRenew()
	}
	return ok, nil
}

// Lock 阻塞获取锁，直到成功或 ctx 结束
func (l *RedisLock) Lock(ctx context.Context, retryInterval time.Duration) error {
	if l.client == nil {
		return ErrLockNotAcquired
	}
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}

	for {
		ok, err := l.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, l.key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Unlock 释放锁，只有持有锁的实例才能释放
func (l *RedisLock) Unlock() error {
	// 解锁完成后再取消上下文，停止自动续期
	defer l.cancelFn()

	if l.client == nil {
		return nil
	}

	result, err := l.client.Eval(context.Background(), unlockScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if result == int64(0) {
		logger.Warn("[RedisLock] Lock was not held by this instance", zap.String("key", l.key))
	}
	return nil
}

// autoRenew 自动续期锁（每隔 expiry/3 续期一次）
func (l *RedisLock) autoRenew() {
	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := l.client.Eval(l.ctx, renewScript, []string{l.key}, l.value, l.expiry.Milliseconds()).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("[RedisLock] Failed to renew lock", zap.String("key", l.key), zap.Error(err))
				}
				return
			}
			if result == int64(0) {
				logger.Warn("[RedisLock] Lost lock, stopping auto-renew", zap.String("key", l.key))
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}

// IsLocked 检查锁是否存在
func (l *RedisLock) IsLocked() (bool, error) {
	if l.client == nil {
		return false, nil
	}

	n, err := l.client.Exists(context.Background(), l.key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
