package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// InnerDriver 内部任务流，root_id 由流程 ID 确定，重复下发不会重复执行
type InnerDriver struct {
	unsupported
	deps Deps
}

func NewInnerDriver(deps Deps) *InnerDriver {
	return &InnerDriver{deps: deps}
}

func (d *InnerDriver) FlowType() model.FlowType { return model.FlowTypeInner }

// PlanHandle 流程的任务流 root_id
func (d *InnerDriver) PlanHandle(flow *model.Flow) string {
	if flow.FlowObjID != "" {
		return flow.FlowObjID
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("dbm-flow:%d", flow.ID)))
	return strings.ReplaceAll(id.String(), "-", "")
}

func (d *InnerDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	ib, ok := env.Builder.(registry.InnerFlowBuilder)
	if !ok {
		return nil, errors.Errorf("ticket type %s does not build inner flow", env.Ticket.TicketType)
	}
	rootID := d.PlanHandle(env.Flow)
	env.Flow.FlowObjID = rootID

	if err := ib.Format(ctx, env.Ticket, env.Details, env.Flow); err != nil {
		return nil, errors.Annotate(err, "format inner flow")
	}

	wb := workflow.NewBuilder(rootID, transData(env))
	if err := ib.BuildPipeline(ctx, env.Ticket, env.Details, env.Flow, wb); err != nil {
		return nil, errors.Annotate(err, "build pipeline")
	}
	p, err := wb.Build(env.Ticket.ID, env.Flow.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.deps.Executor.Submit(ctx, p); err != nil {
		return nil, errors.Annotatef(err, "submit pipeline %s", rootID)
	}
	logger.Info("[Driver] inner flow submitted",
		zap.Uint("ticket_id", env.Ticket.ID),
		zap.Uint("flow_id", env.Flow.ID),
		zap.String("root_id", rootID))
	return running(), nil
}

// transData 任务流初始上下文：流程 details 加单据公共字段
func transData(env *Env) map[string]interface{} {
	data := make(map[string]interface{}, len(env.Flow.Details)+3)
	for k, v := range env.Flow.Details {
		data[k] = v
	}
	data["bk_biz_id"] = env.Ticket.BkBizID
	data["ticket_id"] = env.Ticket.ID
	data["created_by"] = env.Ticket.Creator
	return data
}

func (d *InnerDriver) Poll(ctx context.Context, env *Env) (*Result, error) {
	rootID := env.Flow.FlowObjID
	if rootID == "" {
		return running(), nil
	}
	state, err := d.deps.Executor.State(ctx, rootID)
	if err != nil {
		if errno.Is(err, errno.ErrPipelineNotFound) {
			// RUNNING 已落库但下发前进程退出
			logger.Warn("[Driver] pipeline missing, resubmit", zap.String("root_id", rootID))
			return d.Start(ctx, env)
		}
		return nil, errors.Trace(err)
	}

	switch state {
	case model.NodeStatusFinished:
		return succeeded(), nil
	case model.NodeStatusRevoked:
		return revoked(), nil
	case model.NodeStatusFailed:
		return d.failure(ctx, env), nil
	}
	return running(), nil
}

// failure 首个失败原子作为失败信息
func (d *InnerDriver) failure(ctx context.Context, env *Env) *Result {
	res := failed(env.Flow, model.ErrCodeInnerFailed, model.SuggestionRetry, "pipeline %s failed", env.Flow.FlowObjID)
	nodes, err := d.deps.Executor.NodeStates(ctx, env.Flow.FlowObjID)
	if err != nil {
		logger.Warn("[Driver] list node states failed", zap.String("root_id", env.Flow.FlowObjID), zap.Error(err))
		return res
	}
	for _, n := range nodes {
		if n.Status == model.NodeStatusFailed && n.ComponentCode != "" {
			res.Failure.ActID = n.NodeID
			res.Failure.Message = n.ErrMsg
			break
		}
	}
	return res
}

// Retry 从失败原子继续执行
func (d *InnerDriver) Retry(ctx context.Context, env *Env) (*Result, error) {
	if env.Flow.FlowObjID == "" {
		return d.Start(ctx, env)
	}
	if err := d.deps.Executor.Retry(ctx, env.Flow.FlowObjID); err != nil {
		if errno.Is(err, errno.ErrPipelineNotFound) {
			return d.Start(ctx, env)
		}
		return nil, errors.Trace(err)
	}
	return running(), nil
}

func (d *InnerDriver) SkipNode(ctx context.Context, env *Env, nodeID string) error {
	return errors.Trace(d.deps.Executor.SkipNode(ctx, env.Flow.FlowObjID, nodeID))
}

func (d *InnerDriver) Revoke(ctx context.Context, env *Env) error {
	if env.Flow.FlowObjID == "" {
		return nil
	}
	err := d.deps.Executor.Revoke(ctx, env.Flow.FlowObjID)
	if err != nil && !errno.Is(err, errno.ErrPipelineNotFound) {
		return errors.Trace(err)
	}
	return nil
}
