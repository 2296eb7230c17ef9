package scheduler

import (
	"context"

	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"go.uber.org/zap"
)

// timerWake 推进已到触发时间的定时流程
func (s *Scheduler) timerWake(ctx context.Context) error {
	flows, err := s.store.Flow.ListByTypeAndStatus(ctx, []model.FlowType{model.FlowTypeTimer}, model.FlowStatusRunning)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range flows {
		at, err := driver.TriggerTime(&flows[i])
		if err != nil {
			logger.Warn("[Scheduler] bad timer flow", zap.Uint("flow_id", flows[i].ID), zap.Error(err))
			continue
		}
		if now.Before(at) {
			continue
		}
		s.poll(ctx, &flows[i])
	}
	return nil
}

// itsmSync 主动查询审批状态，补偿丢失的审批回调
func (s *Scheduler) itsmSync(ctx context.Context) error {
	flows, err := s.store.Flow.ListByTypeAndStatus(ctx, []model.FlowType{model.FlowTypeITSM}, model.FlowStatusRunning)
	if err != nil {
		return err
	}
	for i := range flows {
		if flows[i].FlowObjID == "" {
			continue
		}
		s.poll(ctx, &flows[i])
	}
	return nil
}

func (s *Scheduler) poll(ctx context.Context, flow *model.Flow) {
	if err := s.mgr.PollFlow(ctx, flow.ID); err != nil {
		logger.Warn("[Scheduler] poll flow failed",
			zap.Uint("ticket_id", flow.TicketID),
			zap.Uint("flow_id", flow.ID),
			zap.String("flow_type", string(flow.FlowType)),
			zap.Error(err))
	}
}
