package exclusive

import (
	"context"

	"github.com/fisker/dbm-flow/pkg/distributed"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
)

// Watch 收到矩阵变更广播时原地替换
func Watch(sync *distributed.ConfigSyncManager, key string, m *Matrix) {
	sync.AddListener(key, func(change distributed.ConfigChange) {
		next, err := ParseMatrix([]byte(change.Value))
		if err != nil {
			logger.Error("[Exclusive] Ignore invalid matrix change", zap.Error(err))
			return
		}
		m.Replace(next)
		logger.Info("[Exclusive] ✅ Matrix reloaded", zap.Int("pairs", m.Size()))
	})
}

// Broadcast 通知所有实例重新加载矩阵
func Broadcast(ctx context.Context, sync *distributed.ConfigSyncManager, key string, m *Matrix) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return sync.PublishConfigChange(ctx, key, string(data))
}
