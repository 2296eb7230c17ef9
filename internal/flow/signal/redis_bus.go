package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBus 基于 Redis 列表的信号总线
// 消费时 BRPOPLPUSH 到 processing 列表，处理成功后 LREM 确认；启动时将遗留的 processing 信号放回队列
type RedisBus struct {
	client      *redis.Client
	key         string
	processing  string
	dead        string
	pollTimeout time.Duration
}

// NewRedisBus 创建 Redis 总线
func NewRedisBus(client *redis.Client, key string) *RedisBus {
	return &RedisBus{
		client:      client,
		key:         key,
		processing:  key + ":processing",
		dead:        key + ":dead",
		pollTimeout: time.Second,
	}
}

// Publish 入队
func (b *RedisBus) Publish(ctx context.Context, sig workflow.Signal) error {
	return b.push(ctx, envelope{Signal: sig})
}

func (b *RedisBus) push(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.LPush(ctx, b.key, data).Err()
}

// requeueProcessing 将上次未确认的信号放回队列
func (b *RedisBus) requeueProcessing(ctx context.Context) (int, error) {
	count := 0
	for {
		err := b.client.RPopLPush(ctx, b.processing, b.key).Err()
		if errors.Is(err, redis.Nil) {
			return count, nil
		}
		if err != nil {
			return count, err
		}
		count++
	}
}

// Consume 阻塞消费
func (b *RedisBus) Consume(ctx context.Context, handler Handler) error {
	requeued, err := b.requeueProcessing(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		logger.Info("[Signal] requeued unacknowledged signals", zap.Int("count", requeued))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := b.client.BRPopLPush(ctx, b.key, b.processing, b.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("[Signal] redis pop failed", zap.Error(err))
			time.Sleep(b.pollTimeout)
			continue
		}

		b.handle(ctx, raw, handler)
	}
}

func (b *RedisBus) handle(ctx context.Context, raw string, handler Handler) {
	ack := func() {
		if err := b.client.LRem(context.WithoutCancel(ctx), b.processing, 1, raw).Err(); err != nil {
			logger.Error("[Signal] ack failed", zap.Error(err))
		}
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Error("[Signal] drop malformed signal", zap.String("raw", raw), zap.Error(err))
		ack()
		return
	}

	herr := handler(ctx, env.Signal)
	if herr == nil {
		ack()
		return
	}

	env.Attempts++
	pctx := context.WithoutCancel(ctx)
	if env.Attempts >= maxAttempts {
		logger.Error("[Signal] move signal to dead queue",
			zap.String("root_id", env.Signal.RootID),
			zap.Error(herr))
		data, _ := json.Marshal(env)
		b.client.LPush(pctx, b.dead, data)
		ack()
		return
	}

	logger.Warn("[Signal] handle failed, requeue",
		zap.String("root_id", env.Signal.RootID),
		zap.Int("attempts", env.Attempts),
		zap.Error(herr))
	if err := b.push(pctx, env); err != nil {
		// 保留在 processing 中，下次启动时重新投递
		logger.Error("[Signal] requeue failed", zap.Error(err))
		return
	}
	ack()
}
