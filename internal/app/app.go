package app

import (
	"context"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/api/handler"
	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/dnsclient"
	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/flow/signal"
	"github.com/fisker/dbm-flow/internal/jobexecutor"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/notification"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/internal/scheduler"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/database"
	"github.com/fisker/dbm-flow/pkg/distributed"
	"github.com/fisker/dbm-flow/pkg/logger"
	pkgredis "github.com/fisker/dbm-flow/pkg/redis"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const (
	// ConfigSyncChannel 多实例配置广播频道
	ConfigSyncChannel = "dbm:flow:config_sync"
	// TicketLockPrefix 单据推进锁前缀
	TicketLockPrefix = "dbm:flow:ticket_lock:"
	// ExclusiveLockKey 互斥准入锁
	ExclusiveLockKey = "dbm:flow:exclusive_lock"

	metadataCacheSize = 4096
)

// App 应用程序上下文
type App struct {
	Config *config.Config

	Store      *repository.Store
	Registry   *registry.Registry
	Manager    *manager.Manager
	Engine     *workflow.Engine
	Bus        signal.Bus
	Dispatcher *signal.Dispatcher
	Scheduler  *scheduler.Scheduler
	ConfigSync *distributed.ConfigSyncManager
	Matrix     *exclusive.Matrix

	NotificationManager *notification.NotificationManager

	TicketHandler           *handler.TicketHandler
	ApprovalCallbackHandler *handler.ApprovalCallbackHandler
}

// Initialize 初始化应用程序
func Initialize(cfgPath string) (*App, error) {
	// 1. Bootstrap (logger, database, redis)
	cfg, err := Bootstrap(cfgPath)
	if err != nil {
		return nil, err
	}

	a, err := Build(cfg, database.DB, pkgredis.Client)
	if err != nil {
		database.Close()
		pkgredis.Close()
		return nil, err
	}
	return a, nil
}

// ApprovalProvider 按配置选择审批平台
func ApprovalProvider(cfg *config.Config) (approval.Provider, error) {
	factory := approval.NewFactory()

	itsm := approval.NewITSMProvider(cfg.Services.ITSM)
	if cfg.Server.BackendURL != "" {
		itsm.WithCallbackURL(cfg.Server.BackendURL + "/api/approvals/itsm/callback")
	}
	factory.Register(itsm.GetName(), itsm)
	if cfg.Services.Feishu.Enabled {
		feishu := approval.NewFeishuProvider(cfg.Services.Feishu)
		factory.Register(feishu.GetName(), feishu)
	}

	provider, ok := factory.GetProvider(cfg.Engine.ApprovalPlatform)
	if !ok {
		return nil, fmt.Errorf("approval platform %q is not available (registered: %v)",
			cfg.Engine.ApprovalPlatform, factory.ListProviders())
	}
	return provider, nil
}

// Build 组装单据引擎的全部组件，rdb 为 nil 时以单机模式运行
func Build(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (*App, error) {
	ctx := context.Background()
	store := repository.NewStore(db)

	// 外部服务
	meta := metadata.NewCachedClient(
		metadata.NewHTTPClient(cfg.Services.Metadata),
		metadataCacheSize,
		time.Duration(cfg.Services.MetadataCacheTTL)*time.Second,
	)
	provider, err := ApprovalProvider(cfg)
	if err != nil {
		return nil, err
	}
	pool := resourcepool.NewHTTPClient(cfg.Services.ResourcePool)
	job := jobexecutor.NewHTTPClient(cfg.Services.JobExecutor)
	dns := dnsclient.NewHTTPClient(cfg.Services.DNS)
	logger.Infof("External service clients initialized (approval platform: %s)", provider.GetName())

	// 单据类型
	reg := registry.New()
	builders.Register(reg, builders.Deps{Meta: meta})
	logger.Infof("Ticket types registered: %d", len(reg.Types()))

	// 互斥矩阵
	matrix, err := exclusive.Load(ctx, rdb, cfg.Engine.ExclusiveMatrixKey, cfg.Engine.ExclusiveMatrixFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load exclusive matrix: %w", err)
	}
	if unknown := matrix.UnknownTypes(reg.Types()); len(unknown) > 0 {
		logger.Warnf("Exclusive matrix references unknown ticket types: %v", unknown)
	}
	configSync := distributed.NewConfigSyncManager(rdb, ConfigSyncChannel)
	exclusive.Watch(configSync, cfg.Engine.ExclusiveMatrixKey, matrix)

	arbiter := exclusive.NewArbiter(matrix, store.OperationRecord)
	locker := manager.NewLocker()
	if rdb != nil {
		arbiter.WithRedis(rdb, ExclusiveLockKey)
		locker.WithRedis(rdb, TicketLockPrefix)
	}

	// 任务流引擎与信号总线
	engine := workflow.NewEngine(
		store.FlowNode,
		workflow.NewComponentRegistry(workflow.BuiltinComponents(job, dns)...),
		cfg.Engine.WorkerPoolSize,
		cfg.Engine.ActTimeoutDuration(),
	)
	var bus signal.Bus
	if rdb != nil {
		bus = signal.NewRedisBus(rdb, cfg.Engine.SignalQueueKey)
	} else {
		bus = signal.NewMemoryBus()
	}
	engine.SetPublisher(bus)

	notifier := notification.InitFromConfig(cfg, store, meta)

	mgr := manager.New(manager.Options{
		Store:    store,
		Registry: reg,
		Arbiter:  arbiter,
		Notifier: notifier,
		Approval: provider,
		Locker:   locker,
		Drivers: driver.Deps{
			Pool:     pool,
			Executor: engine,
			Meta:     meta,
			Notifier: notifier,
		},
		PlatformBizID:     cfg.Engine.PlatformBizID,
		SystemUser:        cfg.Engine.SystemUser,
		MaxAdvanceSteps:   cfg.Engine.MaxAdvanceSteps,
		RecycleTicketType: builders.TicketRecycleHost,
	})
	logger.Infof("Ticket manager initialized")

	sched := scheduler.New(scheduler.Options{
		Config:        cfg.Scheduler,
		Manager:       mgr,
		Store:         store,
		Meta:          meta,
		Notifier:      notifier,
		Redis:         rdb,
		PlatformBizID: cfg.Engine.PlatformBizID,
	})

	return &App{
		Config:                  cfg,
		Store:                   store,
		Registry:                reg,
		Manager:                 mgr,
		Engine:                  engine,
		Bus:                     bus,
		Dispatcher:              signal.NewDispatcher(store.Flow, mgr),
		Scheduler:               sched,
		ConfigSync:              configSync,
		Matrix:                  matrix,
		NotificationManager:     notifier,
		TicketHandler:           handler.NewTicketHandler(mgr),
		ApprovalCallbackHandler: handler.NewApprovalCallbackHandler(mgr),
	}, nil
}

// Health 健康检查：数据库可用，启用时 Redis 可用
func (a *App) Health(ctx context.Context) error {
	sqlDB, err := a.Store.DB().DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	if client := pkgredis.GetClient(); client != nil {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unavailable: %w", err)
		}
	}
	return nil
}
