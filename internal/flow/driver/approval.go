package driver

import (
	"context"
	"fmt"

	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/pingcap/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// ITSMDriver 外部审批流程，审批单句柄保存在 FlowObjID
type ITSMDriver struct {
	deps Deps
}

func NewITSMDriver(deps Deps) *ITSMDriver {
	return &ITSMDriver{deps: deps}
}

func (d *ITSMDriver) FlowType() model.FlowType { return model.FlowTypeITSM }

func (d *ITSMDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	if env.Flow.FlowObjID != "" {
		return d.Poll(ctx, env)
	}

	ticket := env.Ticket
	approvers := dbas(ctx, d.deps, ticket)
	if len(approvers) == 0 {
		approvers = []string{d.deps.SystemUser}
	}
	handle, err := d.deps.Approval.OpenTicket(ctx, &approval.OpenRequest{
		Title:      fmt.Sprintf("「DBM」%s 单据审批", ticket.TicketType),
		Creator:    ticket.Creator,
		Approvers:  approvers,
		BkBizID:    ticket.BkBizID,
		TicketID:   ticket.ID,
		TicketType: ticket.TicketType,
		Fields: []approval.Field{
			{Key: "ticket_id", Name: "单据ID", Value: cast.ToString(ticket.ID)},
			{Key: "bk_biz_id", Name: "业务", Value: cast.ToString(ticket.BkBizID)},
			{Key: "remark", Name: "备注", Value: ticket.Remark},
		},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "open %s approval", d.deps.Approval.GetName())
	}
	env.Flow.FlowObjID = handle

	if _, err := ensureTodo(ctx, d.deps.Store, env, model.TodoTypeITSM, "单据审批", approvers, map[string]interface{}{"sn": handle}); err != nil {
		return nil, err
	}
	logger.Info("[Driver] approval opened",
		zap.Uint("ticket_id", ticket.ID),
		zap.String("platform", d.deps.Approval.GetName()),
		zap.String("sn", handle))
	return running(), nil
}

func (d *ITSMDriver) Poll(ctx context.Context, env *Env) (*Result, error) {
	if env.Flow.FlowObjID == "" {
		return running(), nil
	}
	res, err := d.deps.Approval.QueryStatus(ctx, env.Flow.FlowObjID)
	if err != nil {
		return nil, errors.Annotatef(err, "query approval %s", env.Flow.FlowObjID)
	}
	return d.resultOf(env, res.Status, res.Operator), nil
}

// Callback payload 为审批平台回调解析后的 status 与 operator
func (d *ITSMDriver) Callback(_ context.Context, env *Env, payload map[string]interface{}) (*Result, error) {
	status := approval.Status(cast.ToString(payload["status"]))
	switch status {
	case approval.StatusPending, approval.StatusApproved, approval.StatusRejected, approval.StatusCanceled:
	default:
		return nil, errors.Annotatef(errno.ErrInvalidAction, "approval status %q", status)
	}
	return d.resultOf(env, status, cast.ToString(payload["operator"])), nil
}

// OnTodo 代替审批人在审批平台上处理
func (d *ITSMDriver) OnTodo(ctx context.Context, env *Env, _ *model.Todo, action model.TodoAction, params map[string]interface{}) (*Result, error) {
	var (
		act    approval.Action
		status approval.Status
	)
	switch action {
	case model.TodoActionApprove:
		act, status = approval.ActionApprove, approval.StatusApproved
	case model.TodoActionTerminate:
		act, status = approval.ActionReject, approval.StatusRejected
	default:
		return nil, errors.Annotatef(errno.ErrInvalidAction, "action %s on approval todo", action)
	}
	if err := d.deps.Approval.ProcessTodo(ctx, env.Flow.FlowObjID, act, env.Operator, cast.ToString(params["remark"])); err != nil {
		return nil, errors.Annotatef(err, "process approval %s", env.Flow.FlowObjID)
	}
	return d.resultOf(env, status, env.Operator), nil
}

func (d *ITSMDriver) Revoke(ctx context.Context, env *Env) error {
	if env.Flow.FlowObjID == "" {
		return nil
	}
	if err := d.deps.Approval.Cancel(ctx, env.Flow.FlowObjID, env.Operator); err != nil {
		return errors.Annotatef(err, "cancel approval %s", env.Flow.FlowObjID)
	}
	return nil
}

func (d *ITSMDriver) resultOf(env *Env, status approval.Status, operator string) *Result {
	switch status {
	case approval.StatusApproved:
		return succeeded()
	case approval.StatusRejected:
		return terminated(env.Flow, model.ErrCodeApprovalRejected, "rejected by %s", operator)
	case approval.StatusCanceled:
		return revoked()
	}
	return running()
}

// ManualDriver 平台内人工确认（PAUSE、INNER_APPROVE），流程挂一个待办
type ManualDriver struct {
	unsupported
	flowType model.FlowType
	todoType model.TodoType
	name     string
	deps     Deps
}

func NewManualDriver(flowType model.FlowType, todoType model.TodoType, name string, deps Deps) *ManualDriver {
	return &ManualDriver{flowType: flowType, todoType: todoType, name: name, deps: deps}
}

func (d *ManualDriver) FlowType() model.FlowType { return d.flowType }

func (d *ManualDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	withDBA := d.flowType == model.FlowTypeInnerApprove
	if _, err := ensureTodo(ctx, d.deps.Store, env, d.todoType, d.name, operators(ctx, d.deps, env.Ticket, withDBA), nil); err != nil {
		return nil, err
	}
	return running(), nil
}

// Poll 人工确认只能由待办推进
func (d *ManualDriver) Poll(context.Context, *Env) (*Result, error) {
	return running(), nil
}

func (d *ManualDriver) OnTodo(_ context.Context, env *Env, _ *model.Todo, action model.TodoAction, _ map[string]interface{}) (*Result, error) {
	switch action {
	case model.TodoActionApprove:
		return succeeded(), nil
	case model.TodoActionTerminate:
		return terminated(env.Flow, "", "terminated by %s", env.Operator), nil
	}
	return nil, errors.Annotatef(errno.ErrInvalidAction, "action %s on %s todo", action, d.todoType)
}

func (d *ManualDriver) Revoke(context.Context, *Env) error {
	return nil
}
