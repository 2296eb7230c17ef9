package manager

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
)

// TicketDetail 单据详情
type TicketDetail struct {
	model.Ticket
	Flows []FlowView   `json:"flows"`
	Todos []model.Todo `json:"todos"`
}

// FlowView 流程及其失败详情
type FlowView struct {
	model.Flow
	Failure *model.FlowFailure `json:"failure,omitempty"`
}

// FlowFailure 读取流程上下文中的失败详情
func FlowFailure(flow *model.Flow) *model.FlowFailure {
	v, ok := flow.ContextValue(ContextFailure)
	if !ok {
		return nil
	}
	var failure model.FlowFailure
	if err := model.DecodeJSON(v, &failure); err != nil {
		return nil
	}
	return &failure
}

// GetTicket 单据、流程与开放待办
func (m *Manager) GetTicket(ctx context.Context, ticketID uint) (*TicketDetail, error) {
	ticket, err := m.store.Ticket.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	flows, err := m.ListFlows(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	todos, err := m.store.Todo.ListOpenByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return &TicketDetail{Ticket: *ticket, Flows: flows, Todos: todos}, nil
}

// ListTickets 分页查询单据
func (m *Manager) ListTickets(ctx context.Context, params model.TicketListParams) ([]model.Ticket, int64, error) {
	return m.store.Ticket.List(ctx, params)
}

// ListFlows 单据的流程，按顺序排列
func (m *Manager) ListFlows(ctx context.Context, ticketID uint) ([]FlowView, error) {
	if _, err := m.store.Ticket.GetByID(ctx, ticketID); err != nil {
		return nil, err
	}
	flows, err := m.store.Flow.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	views := make([]FlowView, 0, len(flows))
	for i := range flows {
		views = append(views, FlowView{Flow: flows[i], Failure: FlowFailure(&flows[i])})
	}
	return views, nil
}

// ListTodos 单据的全部待办
func (m *Manager) ListTodos(ctx context.Context, ticketID uint) ([]model.Todo, error) {
	if _, err := m.store.Ticket.GetByID(ctx, ticketID); err != nil {
		return nil, err
	}
	return m.store.Todo.ListByTicket(ctx, ticketID)
}

// FlowNodes 单据内部任务流的原子节点
func (m *Manager) FlowNodes(ctx context.Context, ticketID uint) (map[uint][]model.FlowNode, error) {
	flows, err := m.store.Flow.ListByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[uint][]model.FlowNode)
	for _, f := range flows {
		if f.FlowType != model.FlowTypeInner || f.FlowObjID == "" {
			continue
		}
		list, err := m.store.FlowNode.ListNodes(ctx, f.FlowObjID)
		if err != nil {
			return nil, err
		}
		nodes[f.ID] = list
	}
	return nodes, nil
}
