package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
)

// NoticeKindDeadline 即将超时提醒
const NoticeKindDeadline = "deadline"

// 由待办推进、按 flow_todo_days 计算超时的待办类型
var expiringTodoTypes = []model.TodoType{
	model.TodoTypeApprove,
	model.TodoTypeInnerApprove,
	model.TodoTypeResourceReplenish,
}

// waiting 一个等待中的流程及其开始等待的时间
type waiting struct {
	flow  model.Flow
	since time.Time
	days  func(model.ExpireConfig) int
}

// expireScan 终止等待超时的单据，并在到期前发送提醒
func (s *Scheduler) expireScan(ctx context.Context) error {
	items, err := s.collectWaiting(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	offsets := s.cfg.NoticeOffsets()
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	expireCache := make(map[string]model.ExpireConfig)

	for _, w := range items {
		ticket, err := s.store.Ticket.GetByID(ctx, w.flow.TicketID)
		if err != nil {
			logger.Warn("[Scheduler] load ticket failed", zap.Uint("ticket_id", w.flow.TicketID), zap.Error(err))
			continue
		}
		if ticket.Status.IsFinished() {
			continue
		}
		expire, err := s.expireConfig(ctx, ticket, expireCache)
		if err != nil {
			return err
		}
		days := w.days(expire)
		if days <= 0 {
			continue
		}

		deadline := w.since.Add(time.Duration(days) * 24 * time.Hour)
		if !now.Before(deadline) {
			s.expire(ctx, ticket, &w.flow, days)
			continue
		}
		s.noticeDeadline(ctx, ticket, &w.flow, deadline.Sub(now), offsets)
	}
	return nil
}

// collectWaiting 审批中、失败待重试或挂着待办的流程，按流程去重
func (s *Scheduler) collectWaiting(ctx context.Context) ([]waiting, error) {
	var items []waiting
	seen := make(map[uint]bool)
	add := func(flow model.Flow, since time.Time, days func(model.ExpireConfig) int) {
		if seen[flow.ID] {
			return
		}
		seen[flow.ID] = true
		items = append(items, waiting{flow: flow, since: since, days: days})
	}

	itsm, err := s.store.Flow.ListByTypeAndStatus(ctx, []model.FlowType{model.FlowTypeITSM}, model.FlowStatusRunning)
	if err != nil {
		return nil, err
	}
	for _, f := range itsm {
		since := f.UpdatedAt
		if f.StartAt != nil {
			since = *f.StartAt
		}
		add(f, since, func(c model.ExpireConfig) int { return c.ITSMDays })
	}

	failed, err := s.store.Flow.ListByTypeAndStatus(ctx, []model.FlowType{model.FlowTypeInner}, model.FlowStatusFailed)
	if err != nil {
		return nil, err
	}
	for _, f := range failed {
		add(f, f.UpdatedAt, func(c model.ExpireConfig) int { return c.InnerFlowDays })
	}

	todos, err := s.store.Todo.ListOpenByTypes(ctx, expiringTodoTypes)
	if err != nil {
		return nil, err
	}
	for _, todo := range todos {
		flow, err := s.store.Flow.GetByID(ctx, todo.FlowID)
		if err != nil {
			logger.Warn("[Scheduler] load todo flow failed", zap.Uint("todo_id", todo.ID), zap.Error(err))
			continue
		}
		if flow.Status != model.FlowStatusRunning {
			continue
		}
		add(*flow, todo.UpdatedAt, func(c model.ExpireConfig) int { return c.FlowTodoDays })
	}
	return items, nil
}

func (s *Scheduler) expireConfig(ctx context.Context, ticket *model.Ticket, cache map[string]model.ExpireConfig) (model.ExpireConfig, error) {
	key := fmt.Sprintf("%s/%d", ticket.TicketType, ticket.BkBizID)
	if cfg, ok := cache[key]; ok {
		return cfg, nil
	}
	resolved, err := s.store.FlowConfig.Resolve(ctx, ticket.TicketType, ticket.BkBizID, s.platformBizID,
		model.ResolvedFlowsConfig{Expire: model.DefaultExpireConfig})
	if err != nil {
		return model.ExpireConfig{}, err
	}
	cache[key] = resolved.Expire
	return resolved.Expire, nil
}

func (s *Scheduler) expire(ctx context.Context, ticket *model.Ticket, flow *model.Flow, days int) {
	reason := fmt.Sprintf("%s flow has been waiting for more than %d days", flow.FlowType, days)
	err := s.mgr.TerminateTicket(ctx, ticket.ID, s.mgr.SystemUser(), model.ErrCodeExpired, reason)
	if err != nil && !errno.Is(err, errno.ErrTicketTerminal) {
		logger.Error("[Scheduler] terminate expired ticket failed", zap.Uint("ticket_id", ticket.ID), zap.Error(err))
		return
	}
	logger.Info("[Scheduler] ⏰ ticket expired",
		zap.Uint("ticket_id", ticket.ID),
		zap.Uint("flow_id", flow.ID),
		zap.String("flow_type", string(flow.FlowType)))
}

// noticeDeadline 每个提前量只提醒一次，多个提前量同时命中时只发一条
func (s *Scheduler) noticeDeadline(ctx context.Context, ticket *model.Ticket, flow *model.Flow, remain time.Duration, offsets []time.Duration) {
	if s.notifier == nil {
		return
	}
	fresh := false
	for _, ahead := range offsets {
		if remain > ahead {
			continue
		}
		inserted, err := s.store.Notify.RecordNotice(ctx, &model.NoticeRecord{
			FlowID:   flow.ID,
			Kind:     NoticeKindDeadline,
			AheadOf:  ahead.String(),
			TicketID: ticket.ID,
		})
		if err != nil {
			logger.Warn("[Scheduler] record notice failed", zap.Uint("flow_id", flow.ID), zap.Error(err))
			return
		}
		fresh = fresh || inserted
	}
	if !fresh {
		return
	}
	if err := s.notifier.NotifyDeadline(ctx, ticket, flow, remain); err != nil {
		logger.Warn("[Scheduler] deadline notice failed", zap.Uint("ticket_id", ticket.ID), zap.Error(err))
	}
}
