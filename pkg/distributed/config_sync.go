package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ConfigChange 配置变更消息
type ConfigChange struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
}

// ConfigChangeListener 配置变更监听器
type ConfigChangeListener func(change ConfigChange)

// ConfigSyncManager 配置同步管理器
// 多实例部署时，互斥矩阵等配置变更通过 Redis 发布订阅广播
type ConfigSyncManager struct {
	client  *redis.Client
	channel string

	mu        sync.RWMutex
	listeners map[string][]ConfigChangeListener

	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewConfigSyncManager 创建配置同步管理器
// client 为 nil 时只在本进程内分发
func NewConfigSyncManager(client *redis.Client, channel string) *ConfigSyncManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConfigSyncManager{
		client:    client,
		channel:   channel,
		listeners: make(map[string][]ConfigChangeListener),
		ctx:       ctx,
		cancelFn:  cancel,
	}
}

// AddListener 监听指定 key 的变更
func (m *ConfigSyncManager) AddListener(key string, listener ConfigChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[key] = append(m.listeners[key], listener)
}

// Start 启动配置同步（阻塞，建议在 goroutine 中调用）
func (m *ConfigSyncManager) Start() {
	if m.client == nil {
		logger.Info("[ConfigSync] Redis not available, config sync is local only")
		return
	}

	pubsub := m.client.Subscribe(m.ctx, m.channel)
	defer pubsub.Close()

	logger.Info("[ConfigSync] Started listening", zap.String("channel", m.channel))

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleMessage(msg.Payload)
		case <-m.ctx.Done():
			logger.Info("[ConfigSync] Stopped listening", zap.String("channel", m.channel))
			return
		}
	}
}

// Stop 停止配置同步
func (m *ConfigSyncManager) Stop() {
	m.cancelFn()
}

// PublishConfigChange 发布配置变更
// Redis 未启用时直接在本进程内分发
func (m *ConfigSyncManager) PublishConfigChange(ctx context.Context, key, value string) error {
	change := ConfigChange{Key: key, Value: value, Timestamp: time.Now().Format(time.RFC3339)}
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}

	if m.client == nil {
		m.handleMessage(string(payload))
		return nil
	}
	return m.client.Publish(ctx, m.channel, payload).Err()
}

// handleMessage 处理接收到的配置变更消息
func (m *ConfigSyncManager) handleMessage(payload string) {
	var change ConfigChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		logger.Warn("[ConfigSync] Failed to parse message", zap.Error(err))
		return
	}

	logger.Info("[ConfigSync] Received config change", zap.String("key", change.Key))

	m.mu.RLock()
	listeners := append([]ConfigChangeListener(nil), m.listeners[change.Key]...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener(change)
	}
}
