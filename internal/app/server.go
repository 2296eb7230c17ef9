package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisker/dbm-flow/internal/api/router"
	"github.com/fisker/dbm-flow/pkg/database"
	"github.com/fisker/dbm-flow/pkg/logger"
	pkgredis "github.com/fisker/dbm-flow/pkg/redis"
)

// Handler HTTP 路由
func (a *App) Handler() http.Handler {
	return router.Setup(a.TicketHandler, a.ApprovalCallbackHandler, a.Health, a.Config.Server.Mode)
}

// StartBackground 启动后台组件：任务流恢复、信号分发、配置同步、周期任务
func (a *App) StartBackground(ctx context.Context) {
	// 进程重启后继续执行未结束的任务流
	if n, err := a.Engine.Recover(ctx); err != nil {
		logger.Warnf("Failed to recover pipelines: %v", err)
	} else if n > 0 {
		logger.Infof("Recovered %d running pipelines", n)
	}

	go func() {
		if err := a.Dispatcher.Run(ctx, a.Bus); err != nil && ctx.Err() == nil {
			logger.Errorf("Signal dispatcher exited: %v", err)
		}
	}()
	logger.Infof("Signal dispatcher started")

	go a.ConfigSync.Start()

	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start()
		logger.Infof("Scheduler started")
		logger.Infof("   Exclusive retry every %ds, expire scan every %ds",
			a.Config.Scheduler.RetryExclusive, a.Config.Scheduler.ExpireScan)
	}
}

// StartServer 启动 HTTP 服务器，收到 SIGINT/SIGTERM 后优雅退出
func StartServer(a *App) {
	cfg := a.Config

	bgCtx, bgCancel := context.WithCancel(context.Background())
	a.StartBackground(bgCtx)
	logger.Infof("")

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler: a.Handler(),
	}

	printStartupBanner(a)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Infof("\nShutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 1. Shutdown HTTP server
	logger.Infof("  → Stopping HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Infof("  Warning: HTTP server shutdown error: %v", err)
	} else {
		logger.Infof("  ✓ HTTP server stopped")
	}

	// 2. Stop scheduler
	if cfg.Scheduler.Enabled {
		logger.Infof("  → Stopping scheduler...")
		a.Scheduler.Stop()
		logger.Infof("  ✓ Scheduler stopped")
	}

	// 3. Stop signal dispatcher and config sync
	logger.Infof("  → Stopping signal dispatcher...")
	bgCancel()
	a.ConfigSync.Stop()
	logger.Infof("  ✓ Signal dispatcher stopped")

	// 4. Stop pipeline engine, running acts are resumed by Recover on next start
	logger.Infof("  → Stopping pipeline engine...")
	a.Engine.Close()
	logger.Infof("  ✓ Pipeline engine stopped")

	// 5. Close database
	logger.Infof("  → Closing database connection...")
	if err := database.Close(); err != nil {
		logger.Infof("  Warning: database close error: %v", err)
	} else {
		logger.Infof("  ✓ Database connection closed")
	}

	// 6. Close Redis
	if pkgredis.IsEnabled() {
		logger.Infof("  → Closing Redis connection...")
		if err := pkgredis.Close(); err != nil {
			logger.Infof("  Warning: Redis close error: %v", err)
		} else {
			logger.Infof("  ✓ Redis connection closed")
		}
	}

	logger.Infof("Server exited")
	logger.Sync()
}

func printStartupBanner(a *App) {
	cfg := a.Config
	mode := "single-node"
	if pkgredis.IsEnabled() {
		mode = "distributed (redis)"
	}
	logger.Infof("========================================")
	logger.Infof("  DBM Flow - Ticket Flow Engine")
	logger.Infof("========================================")
	logger.Infof("  API:        http://0.0.0.0:%d/api", cfg.Server.APIPort)
	logger.Infof("  Health:     http://0.0.0.0:%d/healthz", cfg.Server.APIPort)
	logger.Infof("  Metrics:    http://0.0.0.0:%d/metrics", cfg.Server.APIPort)
	logger.Infof("  Mode:       %s", mode)
	logger.Infof("  Approval:   %s", a.Manager.ApprovalPlatform())
	logger.Infof("  Ticket types: %d, exclusive pairs: %d", len(a.Registry.Types()), a.Matrix.Size())
	logger.Infof("========================================")
}
