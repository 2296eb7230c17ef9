// Package signal 任务流信号总线与分发：根节点状态变化回流到单据流程管理
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
)

// maxAttempts 单条信号最多投递次数
const maxAttempts = 5

// Handler 信号处理函数，返回错误时信号重新投递
type Handler func(ctx context.Context, sig workflow.Signal) error

// Bus 至少一次投递的信号总线
type Bus interface {
	workflow.SignalPublisher
	// Consume 阻塞消费直到 ctx 结束
	Consume(ctx context.Context, handler Handler) error
}

// envelope 总线上传输的信号
type envelope struct {
	Signal   workflow.Signal `json:"signal"`
	Attempts int             `json:"attempts"`
}

// MemoryBus 进程内无界队列，Publish 永不阻塞
type MemoryBus struct {
	mu     sync.Mutex
	queue  []envelope
	notify chan struct{}
	retry  time.Duration
}

// NewMemoryBus 创建进程内总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queue:  make([]envelope, 0, 64),
		notify: make(chan struct{}, 1),
		retry:  100 * time.Millisecond,
	}
}

// Publish 入队
func (b *MemoryBus) Publish(_ context.Context, sig workflow.Signal) error {
	b.enqueue(envelope{Signal: sig})
	return nil
}

func (b *MemoryBus) enqueue(env envelope) {
	b.mu.Lock()
	b.queue = append(b.queue, env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBus) tryDequeue() (envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return envelope{}, false
	}
	env := b.queue[0]
	b.queue[0] = envelope{}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = make([]envelope, 0, 64)
	}
	return env, true
}

// Len 队列长度
func (b *MemoryBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Consume 顺序消费
func (b *MemoryBus) Consume(ctx context.Context, handler Handler) error {
	for {
		env, ok := b.tryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.notify:
				continue
			}
		}

		if err := handler(ctx, env.Signal); err != nil {
			env.Attempts++
			if env.Attempts >= maxAttempts {
				logger.Error("[Signal] drop signal after max attempts",
					zap.String("root_id", env.Signal.RootID),
					zap.String("status", string(env.Signal.Status)),
					zap.Error(err))
				continue
			}
			logger.Warn("[Signal] handle failed, requeue",
				zap.String("root_id", env.Signal.RootID),
				zap.Int("attempts", env.Attempts),
				zap.Error(err))
			go func(env envelope) {
				select {
				case <-time.After(b.retry * time.Duration(env.Attempts)):
					b.enqueue(env)
				case <-ctx.Done():
				}
			}(env)
		}
	}
}
