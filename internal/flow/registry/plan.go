package registry

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
)

// BuildFlowPlan 生成单据的完整流程序列
//
//	[DESCRIBE_TASK] [ITSM] [PAUSE] core... (RESOURCE_APPLY 插在第一个 INNER 前) [DELIVERY] [RECYCLE]
func BuildFlowPlan(ctx context.Context, b Builder, ticket *model.Ticket, details interface{}, cfg model.ResolvedFlowsConfig) ([]*model.Flow, error) {
	attrs := b.Attrs()
	var specs []FlowSpec

	if _, ok := b.(Describer); ok {
		specs = append(specs, FlowSpec{FlowType: model.FlowTypeDescribeTask, Alias: "任务描述"})
	}
	if cfg.NeedITSM {
		specs = append(specs, FlowSpec{FlowType: model.FlowTypeITSM, Alias: "单据审批"})
	}
	if cfg.NeedManualConfirm {
		specs = append(specs, FlowSpec{FlowType: model.FlowTypePause, Alias: "人工确认"})
	}

	core, err := b.FlowPlan(ctx, ticket, details)
	if err != nil {
		return nil, err
	}
	if attrs.IsApply {
		core = insertResourceApply(core)
	}
	specs = append(specs, core...)

	if attrs.NeedDelivery {
		specs = append(specs, FlowSpec{FlowType: model.FlowTypeDelivery, Alias: "交付"})
	}
	if attrs.IsRecycle {
		spec := FlowSpec{FlowType: model.FlowTypeRecycle, Alias: "主机回收"}
		if rc, ok := b.(Recycler); ok {
			hosts, err := rc.RecycleHosts(ctx, ticket, details)
			if err != nil {
				return nil, err
			}
			spec.Details = map[string]interface{}{DetailRecycleHosts: hosts}
		}
		specs = append(specs, spec)
	}

	flows := make([]*model.Flow, 0, len(specs))
	for i, spec := range specs {
		flow := &model.Flow{
			TicketID:  ticket.ID,
			FlowOrder: i + 1,
			FlowType:  spec.FlowType,
			FlowAlias: spec.Alias,
			Status:    model.FlowStatusPending,
		}
		for k, v := range spec.Details {
			flow.SetDetail(k, v)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func insertResourceApply(core []FlowSpec) []FlowSpec {
	apply := FlowSpec{FlowType: model.FlowTypeResourceApply, Alias: "资源申请"}
	for i, spec := range core {
		if spec.FlowType == model.FlowTypeInner {
			out := make([]FlowSpec, 0, len(core)+1)
			out = append(out, core[:i]...)
			out = append(out, apply)
			return append(out, core[i:]...)
		}
	}
	return append([]FlowSpec{apply}, core...)
}
