// Package scheduler 单据引擎的周期任务
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/distributed"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 任务名
const (
	TaskRetryExclusive = "retry-auto-exclusive"
	TaskExpireScan     = "expire-scan"
	TaskTimerWake      = "timer-wake"
	TaskITSMSync       = "itsm-sync"
	TaskDataRepair     = "routine-data-repair"
)

const leaderKeyPrefix = "dbm:flow:scheduler"

// DeadlineNotifier 即将超时提醒
type DeadlineNotifier interface {
	NotifyDeadline(ctx context.Context, ticket *model.Ticket, flow *model.Flow, remain time.Duration) error
}

// Options 调度器依赖
type Options struct {
	Config        config.SchedulerConfig
	Manager       *manager.Manager
	Store         *repository.Store
	Meta          metadata.Client
	Notifier      DeadlineNotifier
	Redis         *redis.Client
	PlatformBizID int64
	Now           func() time.Time
}

// Scheduler 周期任务调度器，每个任务一个 goroutine
type Scheduler struct {
	cfg           config.SchedulerConfig
	mgr           *manager.Manager
	store         *repository.Store
	meta          metadata.Client
	notifier      DeadlineNotifier
	redis         *redis.Client
	platformBizID int64
	now           func() time.Time

	tasks    map[string]*task
	tasksMu  sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	ticker   *time.Ticker
}

// New 创建调度器
func New(opts Options) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	cfg.SetDefaults()
	s := &Scheduler{
		cfg:           cfg,
		mgr:           opts.Manager,
		store:         opts.Store,
		meta:          opts.Meta,
		notifier:      opts.Notifier,
		redis:         opts.Redis,
		platformBizID: opts.PlatformBizID,
		now:           now,
		tasks:         make(map[string]*task),
		stopChan:      make(chan struct{}),
	}
	s.register(TaskRetryExclusive, cfg.RetryExclusive, s.retryAutoExclusive)
	s.register(TaskExpireScan, cfg.ExpireScan, s.expireScan)
	s.register(TaskTimerWake, cfg.TimerWake, s.timerWake)
	s.register(TaskITSMSync, cfg.ITSMSync, s.itsmSync)
	if cfg.DataRepairEnabled && s.meta != nil {
		s.register(TaskDataRepair, cfg.DataRepair, s.routineDataRepair)
	}
	return s
}

func (s *Scheduler) register(name string, seconds int, run func(ctx context.Context) error) {
	s.tasks[name] = &task{name: name, interval: time.Duration(seconds) * time.Second, run: run}
}

// Start 启动全部任务
func (s *Scheduler) Start() {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	for _, t := range s.tasks {
		t.ticker = time.NewTicker(t.interval)
		s.wg.Add(1)
		go s.loop(t)
	}
	logger.Info("[Scheduler] started", zap.Int("tasks", len(s.tasks)))
}

// Stop 停止全部任务，等待运行中的任务结束
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.tasksMu.Lock()
	for _, t := range s.tasks {
		if t.ticker != nil {
			t.ticker.Stop()
		}
	}
	s.tasksMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("[Scheduler] all tasks stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("[Scheduler] timeout waiting for tasks to stop")
	}
}

// Tasks 已注册的任务名
func (s *Scheduler) Tasks() []string {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) loop(t *task) {
	defer s.wg.Done()
	for {
		select {
		case <-t.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.interval)
			if err := s.RunOnce(ctx, t.name); err != nil {
				logger.Error("[Scheduler] task failed", zap.String("task", t.name), zap.Error(err))
			}
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce 执行一次任务；启用 Redis 时只有拿到锁的实例执行
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}

	if s.redis != nil {
		lock := distributed.NewRedisLock(s.redis, fmt.Sprintf("%s:%s", leaderKeyPrefix, name), t.interval)
		acquired, err := lock.TryLock()
		if err != nil {
			metrics.PeriodicTaskRunsTotal.WithLabelValues(name, "error").Inc()
			return err
		}
		if !acquired {
			metrics.PeriodicTaskRunsTotal.WithLabelValues(name, "skipped").Inc()
			logger.Debug("[Scheduler] task is running on another instance", zap.String("task", name))
			return nil
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				logger.Warn("[Scheduler] release leader lock failed", zap.String("task", name), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	err := t.run(ctx)
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.PeriodicTaskRunsTotal.WithLabelValues(name, result).Inc()
	logger.Debug("[Scheduler] task finished", zap.String("task", name), zap.Duration("cost", time.Since(start)), zap.Error(err))
	return err
}

func (s *Scheduler) retryAutoExclusive(ctx context.Context) error {
	admitted, err := s.mgr.RetryAutoExclusive(ctx)
	if err != nil {
		return err
	}
	if admitted > 0 {
		logger.Info("[Scheduler] exclusive-blocked tickets admitted", zap.Int("count", admitted))
	}
	return nil
}
