package manager

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/pingcap/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// ContextFailure 流程上下文中的失败详情
const ContextFailure = "failure"

// exclusiveFlowTypes 进入前需要互斥准入的流程类型
var exclusiveFlowTypes = map[model.FlowType]bool{
	model.FlowTypeResourceApply:    true,
	model.FlowTypeResourceDelivery: true,
	model.FlowTypeInner:            true,
	model.FlowTypeTimer:            true,
}

// RunNextFlow 推进单据，直到当前流程需要等待外部事件
func (m *Manager) RunNextFlow(ctx context.Context, ticketID uint) error {
	return m.withTicket(ctx, ticketID, func(ob *outbox) error {
		return m.advance(ctx, ticketID, ob)
	})
}

// advance 调用方持有单据锁
func (m *Manager) advance(ctx context.Context, ticketID uint, ob *outbox) error {
	for step := 0; step < m.maxSteps; step++ {
		ticket, err := m.store.Ticket.GetByID(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status.IsFinished() {
			return nil
		}
		flows, err := m.store.Flow.ListByTicket(ctx, ticketID)
		if err != nil {
			return errors.Trace(err)
		}

		current := currentFlow(flows)
		if current == nil {
			return m.store.Transaction(ctx, func(tx *repository.Store) error {
				return m.refoldTx(ctx, tx, ticketID, "", ob)
			})
		}

		switch current.Status {
		case model.FlowStatusPending:
			progressed, err := m.enter(ctx, ticket, current, ob)
			if err != nil {
				return err
			}
			if !progressed {
				return nil
			}
		case model.FlowStatusRunning:
			m.kickChild(current, ob)
			return nil
		default:
			return nil
		}
	}
	logger.Warn("[Manager] advance stopped at step limit", zap.Uint("ticket_id", ticketID), zap.Int("steps", m.maxSteps))
	return nil
}

// currentFlow 第一个未成功结束的流程
func currentFlow(flows []model.Flow) *model.Flow {
	for i := range flows {
		if !flows[i].Status.IsDone() {
			return &flows[i]
		}
	}
	return nil
}

// enter 让 PENDING 流程进入运行，返回流程是否已成功结束
func (m *Manager) enter(ctx context.Context, ticket *model.Ticket, flow *model.Flow, ob *outbox) (bool, error) {
	env, drv, err := m.env(ticket, flow, "")
	if err != nil {
		return false, err
	}

	if m.arbiter != nil && exclusiveFlowTypes[flow.FlowType] {
		req := &exclusive.Request{
			Ticket:            ticket,
			FlowID:            flow.ID,
			ClusterIDs:        ticket.ClusterIDs,
			PlatformExclusive: env.Builder.Attrs().PlatformExclusive,
		}
		decision, err := m.arbiter.Admit(ctx, req, func(ctx context.Context) error {
			return m.markRunning(ctx, flow, drv, req.Records(), "", ob)
		})
		if err != nil {
			return false, errors.Annotatef(err, "admit flow %d", flow.ID)
		}
		if !decision.Admitted {
			return false, m.markBlocked(ctx, flow, decision.Reason(), ob)
		}
	} else if err := m.markRunning(ctx, flow, drv, nil, "", ob); err != nil {
		return false, err
	}

	res, err := drv.Start(ctx, env)
	if err != nil {
		logger.Error("[Manager] start flow failed",
			zap.Uint("ticket_id", ticket.ID),
			zap.Uint("flow_id", flow.ID),
			zap.String("flow_type", string(flow.FlowType)),
			zap.Error(err))
		res = startFailure(flow, err)
	}
	return m.apply(ctx, env, res, ob)
}

func startFailure(flow *model.Flow, err error) *driver.Result {
	return &driver.Result{
		Status:  model.FlowStatusFailed,
		ErrCode: model.ErrCodeStartFailed,
		Failure: &model.FlowFailure{FlowID: flow.ID, Message: err.Error(), Suggestion: model.SuggestionRetry},
	}
}

// markRunning 流程置为 RUNNING，外部句柄和操作记录一起落库
func (m *Manager) markRunning(ctx context.Context, flow *model.Flow, drv driver.Driver, records []model.OperationRecord, retryType string, ob *outbox) error {
	now := m.now()
	return m.store.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.Ticket.LockByID(ctx, flow.TicketID); err != nil {
			return err
		}
		fresh, err := tx.Flow.GetByID(ctx, flow.ID)
		if err != nil {
			return err
		}
		if fresh.Status != model.FlowStatusPending && fresh.Status != model.FlowStatusFailed {
			return errors.Errorf("flow %d is %s, can not run", fresh.ID, fresh.Status)
		}

		*flow = *fresh
		flow.Status = model.FlowStatusRunning
		flow.StartAt = &now
		flow.EndAt = nil
		flow.ErrCode = ""
		flow.ErrMsg = ""
		if flow.Context != nil {
			delete(flow.Context, ContextFailure)
		}
		if retryType != "" {
			flow.RetryType = retryType
		}
		if p, ok := drv.(driver.Planner); ok {
			flow.FlowObjID = p.PlanHandle(flow)
		}
		if err := tx.Flow.Save(ctx, flow); err != nil {
			return err
		}
		if err := tx.OperationRecord.Append(ctx, records); err != nil {
			return errors.Annotate(err, "append operation records")
		}
		return m.refoldTx(ctx, tx, flow.TicketID, "", ob)
	})
}

// markBlocked 互斥阻塞，流程保持 PENDING 等待定时重试
func (m *Manager) markBlocked(ctx context.Context, flow *model.Flow, reason string, ob *outbox) error {
	return m.store.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.Ticket.LockByID(ctx, flow.TicketID); err != nil {
			return err
		}
		flow.ErrCode = model.ErrCodeAutoExclusive
		flow.ErrMsg = reason
		flow.RetryType = model.RetryTypeAuto
		if err := tx.Flow.Save(ctx, flow); err != nil {
			return err
		}
		return m.refoldTx(ctx, tx, flow.TicketID, "", ob)
	})
}

// apply 持久化驱动结果，返回流程是否已成功结束
func (m *Manager) apply(ctx context.Context, env *driver.Env, res *driver.Result, ob *outbox) (bool, error) {
	if res == nil {
		res = &driver.Result{Status: model.FlowStatusRunning}
	}
	if res.Finished() {
		applied, _, _, err := m.complete(ctx, env.Flow.ID, env.Flow, res, env.Operator, ob)
		if err != nil {
			return false, err
		}
		return applied && res.Status.IsDone(), nil
	}
	if err := m.saveRunning(ctx, env, res, ob); err != nil {
		return false, err
	}
	m.kickChild(env.Flow, ob)
	return false, nil
}

// saveRunning 保存驱动对运行中流程的修改
func (m *Manager) saveRunning(ctx context.Context, env *driver.Env, res *driver.Result, ob *outbox) error {
	return m.store.Transaction(ctx, func(tx *repository.Store) error {
		if _, err := tx.Ticket.LockByID(ctx, env.Flow.TicketID); err != nil {
			return err
		}
		fresh, err := tx.Flow.GetByID(ctx, env.Flow.ID)
		if err != nil {
			return err
		}
		if fresh.Status != model.FlowStatusRunning {
			return nil
		}
		errCode := env.Flow.ErrCode
		if res.ErrCode != "" {
			errCode = res.ErrCode
		}
		// 轮询无变化时不落库，updated_at 不被刷新
		if fresh.FlowObjID != env.Flow.FlowObjID || fresh.ErrCode != errCode || fresh.ErrMsg != env.Flow.ErrMsg ||
			!sameJSON(fresh.Details, env.Flow.Details) || !sameJSON(fresh.Context, env.Flow.Context) {
			fresh.Details = env.Flow.Details
			fresh.Context = env.Flow.Context
			fresh.FlowObjID = env.Flow.FlowObjID
			fresh.ErrCode = errCode
			fresh.ErrMsg = env.Flow.ErrMsg
			if err := tx.Flow.Save(ctx, fresh); err != nil {
				return err
			}
		}
		return m.refoldTx(ctx, tx, fresh.TicketID, env.Operator, ob)
	})
}

func sameJSON(a, b interface{}) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}

// kickChild 回收流程运行中时推进其子单据
func (m *Manager) kickChild(flow *model.Flow, ob *outbox) {
	if flow.FlowType != model.FlowTypeRecycle || flow.Status != model.FlowStatusRunning {
		return
	}
	v, ok := flow.ContextValue(driver.ContextChildTicket)
	if !ok {
		return
	}
	if id := cast.ToUint(v); id != 0 {
		ob.runs = append(ob.runs, id)
	}
}

// CompleteFlow 将流程置为结束状态，供任务流信号回流使用
func (m *Manager) CompleteFlow(ctx context.Context, flowID uint, status model.FlowStatus, failure *model.FlowFailure) (bool, *model.Ticket, *model.Flow, error) {
	flow, err := m.store.Flow.GetByID(ctx, flowID)
	if err != nil {
		return false, nil, nil, err
	}

	var (
		applied bool
		ticket  *model.Ticket
		updated *model.Flow
	)
	err = m.withTicket(ctx, flow.TicketID, func(ob *outbox) error {
		res := &driver.Result{Status: status, Failure: failure}
		if status == model.FlowStatusFailed {
			res.ErrCode = model.ErrCodeInnerFailed
		}
		applied, ticket, updated, err = m.complete(ctx, flowID, nil, res, m.systemUser, ob)
		return err
	})
	return applied, ticket, updated, err
}

// complete 结束流程并在同一事务内重算单据状态
// 流程已是目标状态或不可变更时 applied=false
func (m *Manager) complete(ctx context.Context, flowID uint, patch *model.Flow, res *driver.Result, operator string, ob *outbox) (bool, *model.Ticket, *model.Flow, error) {
	var (
		applied bool
		ticket  *model.Ticket
		flow    *model.Flow
	)
	err := m.store.Transaction(ctx, func(tx *repository.Store) error {
		f, err := tx.Flow.GetByID(ctx, flowID)
		if err != nil {
			return err
		}
		t, err := tx.Ticket.LockByID(ctx, f.TicketID)
		if err != nil {
			return err
		}
		if f, err = tx.Flow.GetByID(ctx, flowID); err != nil {
			return err
		}
		ticket, flow = t, f
		if f.Status == res.Status || f.Status.IsImmutable() {
			return nil
		}

		if patch != nil {
			f.Details = patch.Details
			f.Context = patch.Context
			f.FlowObjID = patch.FlowObjID
		}
		now := m.now()
		f.Status = res.Status
		f.EndAt = &now
		if res.Status.IsDone() {
			f.ErrCode = ""
			f.ErrMsg = ""
		} else {
			if res.ErrCode != "" {
				f.ErrCode = res.ErrCode
			}
			if res.Failure != nil {
				f.ErrMsg = res.Failure.Message
				f.SetContext(ContextFailure, res.Failure)
			}
		}

		todoStatus := model.TodoStatusDoneFailed
		if res.Status.IsDone() {
			todoStatus = model.TodoStatusDoneSuccess
		}
		if _, err := tx.Todo.CloseOpenByFlow(ctx, f.ID, todoStatus, operator); err != nil {
			return err
		}

		flows, err := tx.Flow.ListByTicket(ctx, t.ID)
		if err != nil {
			return err
		}
		switch res.Status {
		case model.FlowStatusSucceeded, model.FlowStatusSkipped:
			if err := m.postCallbacks(ctx, tx, t, f, flows); err != nil {
				return err
			}
		case model.FlowStatusRevoked, model.FlowStatusTerminated:
			if err := m.revokeLater(ctx, tx, t, f, flows, operator); err != nil {
				return err
			}
		}

		if err := tx.Flow.Save(ctx, f); err != nil {
			return err
		}
		applied = true
		return m.refoldTx(ctx, tx, t.ID, operator, ob)
	})
	if err != nil {
		return false, nil, nil, err
	}

	if applied {
		metrics.FlowTransitionTotal.WithLabelValues(string(flow.FlowType), string(flow.Status)).Inc()
		logger.Info("[Manager] flow finished",
			zap.Uint("ticket_id", flow.TicketID),
			zap.Uint("flow_id", flow.ID),
			zap.String("flow_type", string(flow.FlowType)),
			zap.String("status", string(flow.Status)),
			zap.String("err_code", flow.ErrCode))
		if fresh, err := m.store.Ticket.GetByID(ctx, ticket.ID); err == nil {
			ticket = fresh
		}
	}
	return applied, ticket, flow, nil
}

// postCallbacks 按注册顺序执行流程回调，只修改下一个流程的 details
func (m *Manager) postCallbacks(ctx context.Context, tx *repository.Store, ticket *model.Ticket, finished *model.Flow, flows []model.Flow) error {
	var next *model.Flow
	for i := range flows {
		if flows[i].FlowOrder > finished.FlowOrder && flows[i].Status == model.FlowStatusPending {
			next = &flows[i]
			break
		}
	}
	b, err := m.registry.Get(ticket.TicketType)
	if err != nil {
		return err
	}
	callbacks := registry.PostCallbacks(b)
	if next == nil || len(callbacks) == 0 {
		return nil
	}
	for _, cb := range callbacks {
		if err := cb(ctx, ticket, finished, next); err != nil {
			return errors.Annotatef(err, "post callback of flow %d", finished.ID)
		}
	}
	return tx.Flow.Save(ctx, next)
}

// revokeLater 后续未开始的流程全部撤销，关闭单据的开放待办
func (m *Manager) revokeLater(ctx context.Context, tx *repository.Store, ticket *model.Ticket, finished *model.Flow, flows []model.Flow, operator string) error {
	now := m.now()
	for i := range flows {
		f := &flows[i]
		if f.FlowOrder <= finished.FlowOrder || f.Status != model.FlowStatusPending {
			continue
		}
		f.Status = model.FlowStatusRevoked
		f.EndAt = &now
		if err := tx.Flow.Save(ctx, f); err != nil {
			return err
		}
	}
	_, err := tx.Todo.CloseOpenByTicket(ctx, ticket.ID, model.TodoStatusDoneFailed, operator)
	return err
}

// refoldTx 由流程状态重算单据状态，变化时登记通知
func (m *Manager) refoldTx(ctx context.Context, tx *repository.Store, ticketID uint, operator string, ob *outbox) error {
	ticket, err := tx.Ticket.GetByID(ctx, ticketID)
	if err != nil {
		return err
	}
	flows, err := tx.Flow.ListByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	todos, err := tx.Todo.ListOpenByTicket(ctx, ticketID)
	if err != nil {
		return err
	}

	status := FoldStatus(flows, todos)
	if code := foldErrCode(flows); code != ticket.ErrCode {
		if err := tx.Ticket.UpdateErrCode(ctx, ticketID, code); err != nil {
			return err
		}
		ticket.ErrCode = code
	}
	if status == ticket.Status {
		return nil
	}
	if err := tx.Ticket.UpdateStatus(ctx, ticketID, status, operator); err != nil {
		return err
	}

	logger.Info("[Manager] ticket status changed",
		zap.Uint("ticket_id", ticketID),
		zap.String("from", string(ticket.Status)),
		zap.String("to", string(status)))
	ticket.Status = status
	ob.notices = append(ob.notices, notice{ticket: *ticket, status: status})
	if status.IsTerminal() && ticket.ParentID != 0 {
		ob.parents = append(ob.parents, ticket.ParentID)
	}
	return nil
}

// foldErrCode 单据错误码取自失败、终止或被互斥阻塞的流程
func foldErrCode(flows []model.Flow) string {
	for _, f := range flows {
		switch f.Status {
		case model.FlowStatusFailed, model.FlowStatusTerminated:
			if f.ErrCode != "" {
				return f.ErrCode
			}
		case model.FlowStatusPending, model.FlowStatusRunning:
			if f.ErrCode == model.ErrCodeAutoExclusive || f.ErrCode == model.ErrCodeResourceShortage {
				return f.ErrCode
			}
		}
	}
	return ""
}

// PollFlow 主动查询运行中流程的外部状态并推进
func (m *Manager) PollFlow(ctx context.Context, flowID uint) error {
	flow, err := m.store.Flow.GetByID(ctx, flowID)
	if err != nil {
		return err
	}
	return m.withTicket(ctx, flow.TicketID, func(ob *outbox) error {
		ticket, flow, err := m.reload(ctx, flow.TicketID, flowID)
		if err != nil {
			return err
		}
		if flow.Status != model.FlowStatusRunning {
			return nil
		}
		env, drv, err := m.env(ticket, flow, "")
		if err != nil {
			return err
		}
		res, err := drv.Poll(ctx, env)
		if err != nil {
			return errors.Annotatef(err, "poll flow %d", flowID)
		}
		return m.applyAndAdvance(ctx, env, res, ob)
	})
}

func (m *Manager) applyAndAdvance(ctx context.Context, env *driver.Env, res *driver.Result, ob *outbox) error {
	progressed, err := m.apply(ctx, env, res, ob)
	if err != nil || !progressed {
		return err
	}
	return m.advance(ctx, env.Ticket.ID, ob)
}

func (m *Manager) reload(ctx context.Context, ticketID, flowID uint) (*model.Ticket, *model.Flow, error) {
	ticket, err := m.store.Ticket.GetByID(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	flow, err := m.store.Flow.GetByID(ctx, flowID)
	if err != nil {
		return nil, nil, err
	}
	if flow.TicketID != ticketID {
		return nil, nil, errors.Errorf("flow %d does not belong to ticket %d", flowID, ticketID)
	}
	return ticket, flow, nil
}
