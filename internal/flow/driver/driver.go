// Package driver 各流程类型的执行驱动
//
// 驱动只负责与外部系统交互并给出结果，流程与单据状态由 manager 持久化。
// 驱动可以修改 env.Flow 的 FlowObjID、Details、Context、ErrCode，调用返回后由调用方保存。
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// Result 驱动一次调用的结果，Status 为 RUNNING 表示仍在等待外部事件
type Result struct {
	Status  model.FlowStatus
	ErrCode string
	Failure *model.FlowFailure
}

// Finished 流程是否已离开 RUNNING
func (r *Result) Finished() bool {
	return r != nil && r.Status != model.FlowStatusRunning && r.Status != model.FlowStatusPending
}

func running() *Result   { return &Result{Status: model.FlowStatusRunning} }
func succeeded() *Result { return &Result{Status: model.FlowStatusSucceeded} }

func revoked() *Result { return &Result{Status: model.FlowStatusRevoked} }

func failed(flow *model.Flow, code, suggestion, format string, args ...interface{}) *Result {
	return &Result{
		Status:  model.FlowStatusFailed,
		ErrCode: code,
		Failure: &model.FlowFailure{FlowID: flow.ID, Message: fmt.Sprintf(format, args...), Suggestion: suggestion},
	}
}

func terminated(flow *model.Flow, code, format string, args ...interface{}) *Result {
	return &Result{
		Status:  model.FlowStatusTerminated,
		ErrCode: code,
		Failure: &model.FlowFailure{FlowID: flow.ID, Message: fmt.Sprintf(format, args...), Suggestion: model.SuggestionTerminate},
	}
}

// Env 驱动调用上下文
type Env struct {
	Ticket   *model.Ticket
	Flow     *model.Flow
	Builder  registry.Builder
	Details  interface{}
	Operator string
}

// Driver 流程驱动
type Driver interface {
	FlowType() model.FlowType
	// Start 进入流程，重复调用必须幂等
	Start(ctx context.Context, env *Env) (*Result, error)
	// Poll 主动查询外部状态
	Poll(ctx context.Context, env *Env) (*Result, error)
	// Callback 外部系统回调
	Callback(ctx context.Context, env *Env, payload map[string]interface{}) (*Result, error)
	// Revoke 撤销运行中的流程
	Revoke(ctx context.Context, env *Env) error
}

// Planner 需要在 Start 前确定外部句柄的驱动，句柄与 RUNNING 状态一起落库
type Planner interface {
	PlanHandle(flow *model.Flow) string
}

// Retrier 自定义失败重试，未实现时重新 Start
type Retrier interface {
	Retry(ctx context.Context, env *Env) (*Result, error)
}

// TodoHandler 处理挂在流程上的待办
type TodoHandler interface {
	OnTodo(ctx context.Context, env *Env, todo *model.Todo, action model.TodoAction, params map[string]interface{}) (*Result, error)
}

// NodeSkipper 跳过内部任务流中失败的原子
type NodeSkipper interface {
	SkipNode(ctx context.Context, env *Env, nodeID string) error
}

// DeliveryNotifier 交付通知
type DeliveryNotifier interface {
	NotifyDelivery(ctx context.Context, ticket *model.Ticket, flow *model.Flow) error
}

// SpawnFunc 创建主机回收子单据
type SpawnFunc func(ctx context.Context, parent *model.Ticket, flow *model.Flow, hosts []resourcepool.Host) (*model.Ticket, error)

// Deps 驱动依赖的外部服务
type Deps struct {
	Store      *repository.Store
	Approval   approval.Provider
	Pool       resourcepool.Client
	Executor   workflow.Executor
	Meta       metadata.Client
	Notifier   DeliveryNotifier
	Spawn      SpawnFunc
	ChildType  string
	SystemUser string
	Now        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Table 流程类型到驱动的分发表
type Table map[model.FlowType]Driver

// NewTable 创建分发表
func NewTable(drivers ...Driver) Table {
	t := make(Table, len(drivers))
	for _, d := range drivers {
		t[d.FlowType()] = d
	}
	return t
}

// Default 全部内置流程类型的驱动
func Default(deps Deps) Table {
	return NewTable(
		NewITSMDriver(deps),
		NewManualDriver(model.FlowTypePause, model.TodoTypeApprove, "人工确认", deps),
		NewManualDriver(model.FlowTypeInnerApprove, model.TodoTypeInnerApprove, "任务确认", deps),
		NewTimerDriver(deps),
		NewResourceApplyDriver(deps),
		NewResourceDeliveryDriver(deps),
		NewInnerDriver(deps),
		NewDeliveryDriver(deps),
		NewDescribeDriver(deps),
		NewRecycleDriver(deps),
	)
}

// Get 获取驱动
func (t Table) Get(flowType model.FlowType) (Driver, error) {
	d, ok := t[flowType]
	if !ok {
		return nil, errors.Annotatef(errno.ErrUnknownFlowType, "flow type %s", flowType)
	}
	return d, nil
}

// operators 待办处理人：单据创建人、协助人与业务 DBA
func operators(ctx context.Context, deps Deps, ticket *model.Ticket, withDBA bool) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(ticket.Creator)
	add(ticket.Helpers...)
	if withDBA {
		add(dbas(ctx, deps, ticket)...)
	}
	return out
}

// dbas 业务在单据数据库类型上的 DBA，查询失败时返回空
func dbas(ctx context.Context, deps Deps, ticket *model.Ticket) []string {
	if deps.Meta == nil {
		return nil
	}
	names, err := deps.Meta.ListDBAs(ctx, ticket.BkBizID, ticket.Group)
	if err != nil {
		logger.Warn("[Driver] list dba failed", zap.Uint("ticket_id", ticket.ID), zap.Error(err))
		return nil
	}
	return names
}

// ensureTodo 流程上没有同类型的开放待办时创建
func ensureTodo(ctx context.Context, store *repository.Store, env *Env, todoType model.TodoType, name string, ops []string, todoCtx map[string]interface{}) (*model.Todo, error) {
	open, err := store.Todo.ListOpenByFlow(ctx, env.Flow.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := range open {
		if open[i].Type == todoType {
			return &open[i], nil
		}
	}

	todo := &model.Todo{
		Name:      name,
		TicketID:  env.Ticket.ID,
		FlowID:    env.Flow.ID,
		Type:      todoType,
		Operators: ops,
		Context:   todoCtx,
		Status:    model.TodoStatusTodo,
	}
	if err := store.Todo.Create(ctx, todo); err != nil {
		return nil, errors.Annotatef(err, "create %s todo", todoType)
	}
	logger.Info("[Driver] todo created",
		zap.Uint("ticket_id", env.Ticket.ID),
		zap.Uint("flow_id", env.Flow.ID),
		zap.Uint("todo_id", todo.ID),
		zap.String("type", string(todoType)))
	return todo, nil
}

// unsupported 不接受外部回调的驱动
type unsupported struct{}

func (unsupported) Callback(context.Context, *Env, map[string]interface{}) (*Result, error) {
	return nil, errors.Annotate(errno.ErrInvalidAction, "flow does not accept callbacks")
}
