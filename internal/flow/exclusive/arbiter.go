package exclusive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/distributed"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Request 准入请求
type Request struct {
	Ticket     *model.Ticket
	FlowID     uint
	ClusterIDs []uint
	// PlatformExclusive 平台级单据之间互斥，不查矩阵
	PlatformExclusive bool
}

// Records 准入后要追加的操作记录
func (r *Request) Records() []model.OperationRecord {
	ids := append([]uint(nil), r.ClusterIDs...)
	if r.PlatformExclusive {
		ids = append(ids, model.PlatformClusterID)
	}
	records := make([]model.OperationRecord, 0, len(ids))
	seen := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		records = append(records, model.OperationRecord{
			TicketID:   r.Ticket.ID,
			FlowID:     r.FlowID,
			ClusterID:  id,
			TicketType: r.Ticket.TicketType,
			Creator:    r.Ticket.Creator,
		})
	}
	return records
}

// Conflict 阻塞准入的开放操作
type Conflict struct {
	TicketID   uint   `json:"ticket_id"`
	TicketType string `json:"ticket_type"`
	ClusterID  uint   `json:"cluster_id"`
}

// Decision 准入结果
type Decision struct {
	Admitted  bool
	Conflicts []Conflict
}

// Reason 阻塞原因，写入 flow.err_msg
func (d *Decision) Reason() string {
	if d.Admitted {
		return ""
	}
	parts := make([]string, 0, len(d.Conflicts))
	for _, c := range d.Conflicts {
		parts = append(parts, fmt.Sprintf("cluster %d is being operated by ticket %d(%s)", c.ClusterID, c.TicketID, c.TicketType))
	}
	return strings.Join(parts, "; ")
}

// Arbiter 集群级互斥仲裁
// 判断与追加操作记录在同一把准入锁内完成，多实例时再叠加 Redis 锁
type Arbiter struct {
	matrix  *Matrix
	records *repository.OperationRecordRepository

	mu      sync.Mutex
	redis   *redis.Client
	lockKey string
}

// NewArbiter 创建仲裁器
func NewArbiter(matrix *Matrix, records *repository.OperationRecordRepository) *Arbiter {
	return &Arbiter{matrix: matrix, records: records}
}

// WithRedis 多实例部署时使用 Redis 锁串行化准入
func (a *Arbiter) WithRedis(client *redis.Client, lockKey string) *Arbiter {
	a.redis = client
	a.lockKey = lockKey
	return a
}

// Matrix 当前使用的矩阵
func (a *Arbiter) Matrix() *Matrix {
	return a.matrix
}

// Check 只判断不加锁
func (a *Arbiter) Check(ctx context.Context, req *Request) (*Decision, error) {
	decision := &Decision{Admitted: true}
	seen := make(map[Conflict]struct{})
	block := func(c Conflict) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		decision.Admitted = false
		decision.Conflicts = append(decision.Conflicts, c)
	}

	if req.PlatformExclusive {
		open, err := a.records.ListOpenByClusters(ctx, []uint{model.PlatformClusterID}, req.Ticket.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range open {
			block(Conflict{TicketID: r.TicketID, TicketType: r.TicketType, ClusterID: r.ClusterID})
		}
	}

	clusters := make([]uint, 0, len(req.ClusterIDs))
	for _, id := range req.ClusterIDs {
		if id != model.PlatformClusterID {
			clusters = append(clusters, id)
		}
	}
	if len(clusters) > 0 {
		open, err := a.records.ListOpenByClusters(ctx, clusters, req.Ticket.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range open {
			if a.matrix.Compatible(req.Ticket.TicketType, r.TicketType) {
				continue
			}
			block(Conflict{TicketID: r.TicketID, TicketType: r.TicketType, ClusterID: r.ClusterID})
		}
	}
	return decision, nil
}

// Admit 在准入锁内判断，通过时执行 onAdmit（追加操作记录并让流程进入运行）
func (a *Arbiter) Admit(ctx context.Context, req *Request, onAdmit func(ctx context.Context) error) (*Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.redis != nil {
		lock := distributed.NewRedisLock(a.redis, a.lockKey, 10*time.Second)
		if err := lock.Lock(ctx, 20*time.Millisecond); err != nil {
			return nil, err
		}
		defer lock.Unlock()
	}

	decision, err := a.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	if !decision.Admitted {
		metrics.ExclusionBlockedTotal.WithLabelValues(req.Ticket.TicketType).Inc()
		logger.Info("[Exclusive] admission blocked",
			zap.Uint("ticket_id", req.Ticket.ID),
			zap.String("ticket_type", req.Ticket.TicketType),
			zap.Uint("flow_id", req.FlowID),
			zap.String("reason", decision.Reason()))
		return decision, nil
	}

	if err := onAdmit(ctx); err != nil {
		return nil, err
	}
	return decision, nil
}
