package signal

import (
	"context"
	"sync"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"go.uber.org/zap"
)

// FlowManager 信号回流时依赖的单据流程管理能力
type FlowManager interface {
	// CompleteFlow 将流程置为结束状态，applied=false 表示状态已是目标值（重复投递）
	CompleteFlow(ctx context.Context, flowID uint, status model.FlowStatus, failure *model.FlowFailure) (applied bool, ticket *model.Ticket, flow *model.Flow, err error)
	// RunNextFlow 推进单据到下一个流程
	RunNextFlow(ctx context.Context, ticketID uint) error
}

// TypeHandler 单据类型的信号回调，流程状态更新后执行
type TypeHandler func(ctx context.Context, ticket *model.Ticket, flow *model.Flow, status model.FlowStatus) error

// Dispatcher 将任务流根节点信号回流到单据流程
type Dispatcher struct {
	flows   *repository.FlowRepository
	manager FlowManager

	mu       sync.RWMutex
	handlers map[string]TypeHandler
}

// NewDispatcher 创建信号分发器
func NewDispatcher(flows *repository.FlowRepository, manager FlowManager) *Dispatcher {
	return &Dispatcher{
		flows:    flows,
		manager:  manager,
		handlers: make(map[string]TypeHandler),
	}
}

// RegisterHandler 注册单据类型的回调，未注册的类型只更新状态
func (d *Dispatcher) RegisterHandler(ticketType string, handler TypeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[ticketType] = handler
}

func (d *Dispatcher) handler(ticketType string) TypeHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.handlers[ticketType]; ok {
		return h
	}
	return defaultHandler
}

func defaultHandler(context.Context, *model.Ticket, *model.Flow, model.FlowStatus) error {
	return nil
}

// flowStatusOf 根节点状态到流程状态，非结束状态返回空
func flowStatusOf(status model.NodeStatus) model.FlowStatus {
	switch status {
	case model.NodeStatusFinished:
		return model.FlowStatusSucceeded
	case model.NodeStatusFailed:
		return model.FlowStatusFailed
	case model.NodeStatusRevoked:
		return model.FlowStatusRevoked
	}
	return ""
}

// Handle 处理一条信号，重复投递时幂等
func (d *Dispatcher) Handle(ctx context.Context, sig workflow.Signal) error {
	if !sig.IsRoot() {
		return nil
	}
	status := flowStatusOf(sig.Status)
	if status == "" {
		return nil
	}

	flow, err := d.flows.GetByFlowObjID(ctx, sig.RootID)
	if err != nil {
		if errno.Is(err, errno.ErrFlowNotFound) {
			logger.Warn("[Signal] signal for unknown root, ignored",
				zap.String("root_id", sig.RootID),
				zap.String("status", string(sig.Status)))
			metrics.SignalProcessedTotal.WithLabelValues(string(sig.Status), "ignored").Inc()
			return nil
		}
		metrics.SignalProcessedTotal.WithLabelValues(string(sig.Status), "error").Inc()
		return err
	}

	var failure *model.FlowFailure
	if status == model.FlowStatusFailed {
		failure = &model.FlowFailure{
			FlowID:     flow.ID,
			ActID:      sig.FailedNodeID,
			Message:    sig.ErrMsg,
			Suggestion: model.SuggestionRetry,
		}
	}

	applied, ticket, updated, err := d.manager.CompleteFlow(ctx, flow.ID, status, failure)
	if err != nil {
		if errno.Is(err, errno.ErrTicketNotFound) {
			logger.Warn("[Signal] signal for unknown ticket, ignored",
				zap.String("root_id", sig.RootID),
				zap.Uint("flow_id", flow.ID))
			metrics.SignalProcessedTotal.WithLabelValues(string(sig.Status), "ignored").Inc()
			return nil
		}
		metrics.SignalProcessedTotal.WithLabelValues(string(sig.Status), "error").Inc()
		return err
	}

	if applied {
		if err := d.handler(ticket.TicketType)(ctx, ticket, updated, status); err != nil {
			logger.Error("[Signal] ticket type handler failed",
				zap.Uint("ticket_id", ticket.ID),
				zap.String("ticket_type", ticket.TicketType),
				zap.Error(err))
		}
	}

	// 成功信号重复投递时也尝试推进，推进本身幂等
	if status == model.FlowStatusSucceeded {
		if err := d.manager.RunNextFlow(ctx, flow.TicketID); err != nil {
			metrics.SignalProcessedTotal.WithLabelValues(string(sig.Status), "error").Inc()
			return err
		}
	}

	result := "applied"
	if !applied {
		result = "duplicate"
	}
	metrics.SignalProcessedTotal.WithLabelValues(string(sig.Status), result).Inc()
	logger.Info("[Signal] flow completed by signal",
		zap.Uint("ticket_id", flow.TicketID),
		zap.Uint("flow_id", flow.ID),
		zap.String("root_id", sig.RootID),
		zap.String("status", string(status)),
		zap.Bool("applied", applied))
	return nil
}

// Run 消费总线直到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context, bus Bus) error {
	logger.Info("[Signal] dispatcher started")
	err := bus.Consume(ctx, d.Handle)
	logger.Info("[Signal] dispatcher stopped")
	return err
}
