package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Client 全局 Redis 客户端（nil表示Redis未启用）
var Client *redis.Client

// Init 初始化 Redis 连接
// Redis 未启用时返回 nil，调用方退化为单机模式（内存信号队列、进程内锁）
func Init(cfg *config.RedisConfig) error {
	if !cfg.Enabled {
		logger.Info("[Redis] Redis is disabled in config, running in single-node mode")
		return nil
	}

	client, err := NewClient(cfg)
	if err != nil {
		return err
	}
	Client = client
	return nil
}

// NewClient 按配置创建客户端并 Ping 验证
func NewClient(cfg *config.RedisConfig) (*redis.Client, error) {
	cfg.SetDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Duration(cfg.ConnectTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	logger.Info("[Redis] ✅ Connected",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))
	return client, nil
}

// Close 关闭 Redis 连接
func Close() error {
	if Client != nil {
		err := Client.Close()
		Client = nil
		return err
	}
	return nil
}

// IsEnabled 检查 Redis 是否已启用且连接正常
func IsEnabled() bool {
	return Client != nil
}

// GetClient 获取Redis客户端（如果未启用则返回nil）
func GetClient() *redis.Client {
	return Client
}
