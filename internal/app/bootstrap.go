package app

import (
	"log"
	"os"

	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/database"
	"github.com/fisker/dbm-flow/pkg/logger"
	pkgredis "github.com/fisker/dbm-flow/pkg/redis"
)

// ConfigEnv 指定配置文件路径的环境变量
const ConfigEnv = "DBM_FLOW_CONFIG"

// ResolveConfigPath 未指定时依次取环境变量、默认路径
func ResolveConfigPath(cfgPath string) string {
	if cfgPath != "" {
		return cfgPath
	}
	if env := os.Getenv(ConfigEnv); env != "" {
		return env
	}
	return "config/config.yaml"
}

// Bootstrap 初始化基础设施（logger, database, redis）
func Bootstrap(cfgPath string) (*config.Config, error) {
	cfg, err := config.Load(ResolveConfigPath(cfgPath))
	if err != nil {
		return nil, err
	}

	// Initialize logger
	if err := logger.Init(&cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize database
	if err := database.Init(&cfg.Database); err != nil {
		return nil, err
	}

	// Initialize Redis (optional, for distributed features)
	if err := pkgredis.Init(&cfg.Redis); err != nil {
		logger.Warnf("⚠️  Redis initialization failed: %v", err)
		logger.Info("   → Signal bus falls back to in-memory queue (single-server deployment)")
		logger.Info("   → Ticket locks and exclusive admission are process local")
	} else if cfg.Redis.Enabled {
		logger.Infof("✅ Redis initialized successfully - distributed features enabled")
	} else {
		logger.Info("ℹ️  Redis is disabled in config - using single-node mode")
	}

	return cfg, nil
}
