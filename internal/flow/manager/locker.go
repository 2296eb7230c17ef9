package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/pkg/distributed"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	ticketLockExpiry = 30 * time.Second
	ticketLockRetry  = 20 * time.Millisecond
)

// Locker 单据推进锁：进程内按单据 ID 互斥，多实例部署时叠加 Redis 锁
type Locker struct {
	mu    sync.Mutex
	locks map[uint]*latch

	redis  *redis.Client
	prefix string
}

type latch struct {
	mu   sync.Mutex
	refs int
}

// NewLocker 创建单据锁
func NewLocker() *Locker {
	return &Locker{locks: make(map[uint]*latch)}
}

// WithRedis 启用跨实例锁
func (l *Locker) WithRedis(client *redis.Client, prefix string) *Locker {
	l.redis = client
	l.prefix = prefix
	return l
}

// Lock 获取单据锁，返回释放函数
func (l *Locker) Lock(ctx context.Context, ticketID uint) (func(), error) {
	l.mu.Lock()
	lt, ok := l.locks[ticketID]
	if !ok {
		lt = &latch{}
		l.locks[ticketID] = lt
	}
	lt.refs++
	l.mu.Unlock()

	lt.mu.Lock()
	release := func() {
		lt.mu.Unlock()
		l.mu.Lock()
		lt.refs--
		if lt.refs == 0 {
			delete(l.locks, ticketID)
		}
		l.mu.Unlock()
	}

	if l.redis == nil {
		return release, nil
	}
	rl := distributed.NewRedisLock(l.redis, fmt.Sprintf("%s:%d", l.prefix, ticketID), ticketLockExpiry)
	if err := rl.Lock(ctx, ticketLockRetry); err != nil {
		release()
		return nil, err
	}
	return func() {
		if err := rl.Unlock(); err != nil {
			logger.Warn("[Manager] release ticket lock failed", zap.Uint("ticket_id", ticketID), zap.Error(err))
		}
		release()
	}, nil
}
