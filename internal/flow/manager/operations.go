package manager

import (
	"context"

	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/pingcap/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// RevokeTicket 撤销单据：未结束的流程全部置为 REVOKED，关闭待办，再撤销外部任务
func (m *Manager) RevokeTicket(ctx context.Context, ticketID uint, operator string) error {
	return m.withTicket(ctx, ticketID, func(ob *outbox) error {
		ticket, err := m.store.Ticket.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status.IsFinished() {
			return errors.Annotatef(errno.ErrTicketTerminal, "ticket %d is %s", ticketID, ticket.Status)
		}

		var active, revoked []model.Flow
		now := m.now()
		err = m.store.Transaction(ctx, func(tx *repository.Store) error {
			if _, err := tx.Ticket.LockByID(ctx, ticketID); err != nil {
				return err
			}
			flows, err := tx.Flow.ListByTicket(ctx, ticketID)
			if err != nil {
				return err
			}
			for i := range flows {
				f := &flows[i]
				if f.Status.IsImmutable() {
					continue
				}
				if f.Status == model.FlowStatusRunning || f.Status == model.FlowStatusFailed {
					active = append(active, *f)
				}
				f.Status = model.FlowStatusRevoked
				f.EndAt = &now
				if err := tx.Flow.Save(ctx, f); err != nil {
					return err
				}
				revoked = append(revoked, *f)
			}
			if _, err := tx.Todo.CloseOpenByTicket(ctx, ticketID, model.TodoStatusDoneFailed, operator); err != nil {
				return err
			}
			return m.refoldTx(ctx, tx, ticketID, operator, ob)
		})
		if err != nil {
			return errors.Annotatef(err, "revoke ticket %d", ticketID)
		}

		for _, f := range revoked {
			metrics.FlowTransitionTotal.WithLabelValues(string(f.FlowType), string(f.Status)).Inc()
		}
		logger.Info("[Manager] ticket revoked", zap.Uint("ticket_id", ticketID), zap.String("operator", operator))
		for i := range active {
			m.revokeExternal(ctx, ticket, &active[i], operator)
		}
		return nil
	})
}

// revokeExternal 撤销流程在外部系统上的任务，失败只记录日志
func (m *Manager) revokeExternal(ctx context.Context, ticket *model.Ticket, flow *model.Flow, operator string) {
	env, drv, err := m.env(ticket, flow, operator)
	if err == nil {
		err = drv.Revoke(ctx, env)
	}
	if err != nil {
		logger.Warn("[Manager] revoke external task failed",
			zap.Uint("ticket_id", ticket.ID),
			zap.Uint("flow_id", flow.ID),
			zap.String("flow_type", string(flow.FlowType)),
			zap.Error(err))
	}
}

// TerminateTicket 终止单据：当前流程置为 TERMINATED，后续流程撤销
// 用于审批拒绝以外的系统终止，例如流程超时
func (m *Manager) TerminateTicket(ctx context.Context, ticketID uint, operator, errCode, reason string) error {
	return m.withTicket(ctx, ticketID, func(ob *outbox) error {
		ticket, err := m.store.Ticket.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status.IsFinished() {
			return errors.Annotatef(errno.ErrTicketTerminal, "ticket %d is %s", ticketID, ticket.Status)
		}
		flows, err := m.store.Flow.ListByTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		current := currentFlow(flows)
		if current == nil {
			return nil
		}

		res := &driver.Result{
			Status:  model.FlowStatusTerminated,
			ErrCode: errCode,
			Failure: &model.FlowFailure{FlowID: current.ID, Message: reason, Suggestion: model.SuggestionTerminate},
		}
		wasRunning := current.Status == model.FlowStatusRunning
		applied, _, _, err := m.complete(ctx, current.ID, nil, res, operator, ob)
		if err != nil {
			return errors.Annotatef(err, "terminate ticket %d", ticketID)
		}
		if applied && wasRunning {
			m.revokeExternal(ctx, ticket, current, operator)
		}
		logger.Info("[Manager] ticket terminated",
			zap.Uint("ticket_id", ticketID),
			zap.Uint("flow_id", current.ID),
			zap.String("err_code", errCode),
			zap.String("reason", reason))
		return nil
	})
}

// RetryTicket 重试失败的流程，内部任务流从失败的原子继续
func (m *Manager) RetryTicket(ctx context.Context, ticketID uint, operator string) error {
	return m.withTicket(ctx, ticketID, func(ob *outbox) error {
		ticket, err := m.store.Ticket.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status != model.TicketStatusFailed {
			return errors.Annotatef(errno.ErrRetryNotAllowed, "ticket %d is %s", ticketID, ticket.Status)
		}
		flows, err := m.store.Flow.ListByTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		current := currentFlow(flows)
		if current == nil || current.Status != model.FlowStatusFailed {
			return errors.Annotatef(errno.ErrRetryNotAllowed, "ticket %d has no failed flow", ticketID)
		}

		env, drv, err := m.env(ticket, current, operator)
		if err != nil {
			return err
		}
		if err := m.markRunning(ctx, current, drv, nil, model.RetryTypeManual, ob); err != nil {
			return err
		}
		logger.Info("[Manager] retry flow",
			zap.Uint("ticket_id", ticketID),
			zap.Uint("flow_id", current.ID),
			zap.String("flow_type", string(current.FlowType)),
			zap.String("operator", operator))

		var res *driver.Result
		if r, ok := drv.(driver.Retrier); ok {
			res, err = r.Retry(ctx, env)
		} else {
			res, err = drv.Start(ctx, env)
		}
		if err != nil {
			logger.Error("[Manager] retry flow failed", zap.Uint("flow_id", current.ID), zap.Error(err))
			res = startFailure(current, err)
		}
		return m.applyAndAdvance(ctx, env, res, ob)
	})
}

// todoActions 各类待办允许的操作
var todoActions = map[model.TodoType][]model.TodoAction{
	model.TodoTypeITSM:              {model.TodoActionApprove, model.TodoActionTerminate},
	model.TodoTypeApprove:           {model.TodoActionApprove, model.TodoActionTerminate},
	model.TodoTypeInnerApprove:      {model.TodoActionApprove, model.TodoActionTerminate},
	model.TodoTypeResourceReplenish: {model.TodoActionResourceReplenish, model.TodoActionTerminate},
}

func allowedAction(todoType model.TodoType, action model.TodoAction) bool {
	for _, a := range todoActions[todoType] {
		if a == action {
			return true
		}
	}
	return false
}

// ProcessTodo 处理待办，已处理的待办再次处理返回 ErrTodoAlreadyProcessed 且不改变状态
func (m *Manager) ProcessTodo(ctx context.Context, todoID uint, action model.TodoAction, operator string, params map[string]interface{}) error {
	todo, err := m.store.Todo.GetByID(ctx, todoID)
	if err != nil {
		return err
	}
	return m.withTicket(ctx, todo.TicketID, func(ob *outbox) error {
		todo, err := m.store.Todo.GetByID(ctx, todoID)
		if err != nil {
			return err
		}
		if !todo.IsOpen() {
			return errors.Annotatef(errno.ErrTodoAlreadyProcessed, "todo %d is %s", todoID, todo.Status)
		}
		if !m.canOperate(todo, operator) {
			return errors.Annotatef(errno.ErrTodoNoPermission, "operator %s on todo %d", operator, todoID)
		}
		if !allowedAction(todo.Type, action) {
			return errors.Annotatef(errno.ErrInvalidAction, "action %s on %s todo", action, todo.Type)
		}

		ticket, flow, err := m.reload(ctx, todo.TicketID, todo.FlowID)
		if err != nil {
			return err
		}
		if flow.Status != model.FlowStatusRunning {
			return errors.Annotatef(errno.ErrTodoAlreadyProcessed, "flow %d is %s", flow.ID, flow.Status)
		}
		env, drv, err := m.env(ticket, flow, operator)
		if err != nil {
			return err
		}
		handler, ok := drv.(driver.TodoHandler)
		if !ok {
			return errors.Annotatef(errno.ErrInvalidAction, "flow type %s has no todo", flow.FlowType)
		}

		remark := cast.ToString(params["remark"])
		if err := m.closeTodo(ctx, todo, action, operator, remark); err != nil {
			return err
		}
		res, err := handler.OnTodo(ctx, env, todo, action, params)
		if err != nil {
			if rerr := m.reopenTodo(ctx, todo); rerr != nil {
				logger.Error("[Manager] reopen todo failed", zap.Uint("todo_id", todoID), zap.Error(rerr))
			}
			return err
		}
		logger.Info("[Manager] todo processed",
			zap.Uint("ticket_id", ticket.ID),
			zap.Uint("todo_id", todoID),
			zap.String("action", string(action)),
			zap.String("operator", operator))
		return m.applyAndAdvance(ctx, env, res, ob)
	})
}

func (m *Manager) canOperate(todo *model.Todo, operator string) bool {
	if operator == m.systemUser {
		return true
	}
	for _, op := range todo.Operators {
		if op == operator {
			return true
		}
	}
	return false
}

func (m *Manager) closeTodo(ctx context.Context, todo *model.Todo, action model.TodoAction, operator, remark string) error {
	now := m.now()
	todo.Status = model.TodoStatusDoneSuccess
	if action == model.TodoActionTerminate {
		todo.Status = model.TodoStatusDoneFailed
	}
	todo.DoneBy = operator
	todo.DoneAt = &now
	todo.Remark = remark
	return m.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Todo.Save(ctx, todo); err != nil {
			return err
		}
		return tx.Todo.AddHistory(ctx, &model.TodoHistory{
			TodoID:   todo.ID,
			TicketID: todo.TicketID,
			Action:   action,
			Operator: operator,
			Remark:   remark,
		})
	})
}

func (m *Manager) reopenTodo(ctx context.Context, todo *model.Todo) error {
	todo.Status = model.TodoStatusTodo
	todo.DoneBy = ""
	todo.DoneAt = nil
	return m.store.Todo.Save(ctx, todo)
}

// TodoOperation 批量处理中的一项
type TodoOperation struct {
	TodoID uint                   `json:"todo_id" binding:"required"`
	Action model.TodoAction       `json:"action" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

// TodoOperationResult 批量处理结果，Error 为空表示成功
type TodoOperationResult struct {
	TodoID uint   `json:"todo_id"`
	Error  string `json:"error,omitempty"`
}

// BatchProcessTodos 逐个处理待办，单个失败不影响其他待办
func (m *Manager) BatchProcessTodos(ctx context.Context, ops []TodoOperation, operator string) []TodoOperationResult {
	results := make([]TodoOperationResult, 0, len(ops))
	for _, op := range ops {
		r := TodoOperationResult{TodoID: op.TodoID}
		if err := m.ProcessTodo(ctx, op.TodoID, op.Action, operator, op.Params); err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// Callback 外部回调恢复单据当前运行中的流程
func (m *Manager) Callback(ctx context.Context, ticketID uint, operator string, payload map[string]interface{}) error {
	return m.withTicket(ctx, ticketID, func(ob *outbox) error {
		flows, err := m.store.Flow.ListByTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		current := currentFlow(flows)
		if current == nil || current.Status != model.FlowStatusRunning {
			return errors.Annotatef(errno.ErrInvalidAction, "ticket %d has no running flow", ticketID)
		}
		return m.callback(ctx, ticketID, current.ID, operator, payload, ob)
	})
}

func (m *Manager) callback(ctx context.Context, ticketID, flowID uint, operator string, payload map[string]interface{}, ob *outbox) error {
	ticket, flow, err := m.reload(ctx, ticketID, flowID)
	if err != nil {
		return err
	}
	if flow.Status != model.FlowStatusRunning {
		logger.Warn("[Manager] callback for flow not running, ignored",
			zap.Uint("ticket_id", ticketID),
			zap.Uint("flow_id", flowID),
			zap.String("status", string(flow.Status)))
		return nil
	}
	env, drv, err := m.env(ticket, flow, operator)
	if err != nil {
		return err
	}
	res, err := drv.Callback(ctx, env, payload)
	if err != nil {
		return err
	}
	return m.applyAndAdvance(ctx, env, res, ob)
}

// HandleApprovalCallback 审批平台回调，按审批单句柄找到流程
func (m *Manager) HandleApprovalCallback(ctx context.Context, data map[string]interface{}) error {
	if m.approval == nil {
		return errors.New("approval provider is not configured")
	}
	result, err := m.approval.HandleCallback(ctx, data)
	if err != nil {
		return errors.Annotate(err, "parse approval callback")
	}
	flow, err := m.store.Flow.GetByFlowObjID(ctx, result.Handle)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"status":   string(result.Status),
		"operator": result.Operator,
	}
	return m.withTicket(ctx, flow.TicketID, func(ob *outbox) error {
		return m.callback(ctx, flow.TicketID, flow.ID, result.Operator, payload, ob)
	})
}

// RetryAutoExclusive 重新准入被互斥阻塞的流程，返回已放行的单据数
func (m *Manager) RetryAutoExclusive(ctx context.Context) (int, error) {
	flows, err := m.store.Flow.ListByErrCode(ctx, model.ErrCodeAutoExclusive, model.FlowStatusPending)
	if err != nil {
		return 0, err
	}
	seen := make(map[uint]bool)
	admitted := 0
	for _, f := range flows {
		if seen[f.TicketID] {
			continue
		}
		seen[f.TicketID] = true
		if err := m.RunNextFlow(ctx, f.TicketID); err != nil {
			logger.Warn("[Manager] retry auto exclusive failed", zap.Uint("ticket_id", f.TicketID), zap.Error(err))
			continue
		}
		fresh, err := m.store.Flow.GetByID(ctx, f.ID)
		if err == nil && fresh.ErrCode != model.ErrCodeAutoExclusive {
			admitted++
		}
	}
	return admitted, nil
}

// SkipNode 跳过内部任务流中失败的原子并重试
func (m *Manager) SkipNode(ctx context.Context, ticketID, flowID uint, nodeID, operator string) error {
	return m.withTicket(ctx, ticketID, func(ob *outbox) error {
		ticket, flow, err := m.reload(ctx, ticketID, flowID)
		if err != nil {
			return err
		}
		if flow.Status != model.FlowStatusFailed {
			return errors.Annotatef(errno.ErrRetryNotAllowed, "flow %d is %s", flowID, flow.Status)
		}
		env, drv, err := m.env(ticket, flow, operator)
		if err != nil {
			return err
		}
		skipper, ok := drv.(driver.NodeSkipper)
		if !ok {
			return errors.Annotatef(errno.ErrInvalidAction, "flow type %s can not skip node", flow.FlowType)
		}
		if err := m.markRunning(ctx, flow, drv, nil, model.RetryTypeManual, ob); err != nil {
			return err
		}
		logger.Info("[Manager] skip node",
			zap.Uint("ticket_id", ticketID),
			zap.Uint("flow_id", flowID),
			zap.String("node_id", nodeID),
			zap.String("operator", operator))
		if err := skipper.SkipNode(ctx, env, nodeID); err != nil {
			return m.applyAndAdvance(ctx, env, startFailure(flow, err), ob)
		}
		return nil
	})
}
