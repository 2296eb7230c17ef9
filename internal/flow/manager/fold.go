package manager

import "github.com/fisker/dbm-flow/internal/model"

// FoldStatus 由流程状态与开放待办推导单据状态
//
//	TERMINATED > REVOKED > FAILED > 运行中的流程（按待办细分）> 全部成功 > PENDING
func FoldStatus(flows []model.Flow, openTodos []model.Todo) model.TicketStatus {
	var (
		terminated, revoked, failed bool
		running                     *model.Flow
		done                        int
	)
	for i := range flows {
		switch flows[i].Status {
		case model.FlowStatusTerminated:
			terminated = true
		case model.FlowStatusRevoked:
			revoked = true
		case model.FlowStatusFailed:
			failed = true
		case model.FlowStatusRunning:
			if running == nil {
				running = &flows[i]
			}
		case model.FlowStatusSucceeded, model.FlowStatusSkipped:
			done++
		}
	}

	switch {
	case terminated:
		return model.TicketStatusTerminated
	case revoked:
		return model.TicketStatusRevoked
	case failed:
		return model.TicketStatusFailed
	case running != nil:
		return runningStatus(running, openTodos)
	case len(flows) > 0 && done == len(flows):
		return model.TicketStatusSucceeded
	}
	return model.TicketStatusPending
}

func runningStatus(flow *model.Flow, openTodos []model.Todo) model.TicketStatus {
	if flow.FlowType == model.FlowTypeITSM {
		return model.TicketStatusApprove
	}
	for _, todo := range openTodos {
		if todo.FlowID != flow.ID || !todo.IsOpen() {
			continue
		}
		switch todo.Type {
		case model.TodoTypeITSM, model.TodoTypeApprove:
			return model.TicketStatusApprove
		case model.TodoTypeInnerApprove:
			return model.TicketStatusInnerTodo
		case model.TodoTypeResourceReplenish:
			if flow.FlowType == model.FlowTypeResourceApply {
				return model.TicketStatusResourceReplenish
			}
		}
	}
	return model.TicketStatusRunning
}
