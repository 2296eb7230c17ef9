package driver

import (
	"context"

	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
)

// DeliveryDriver 交付：通知申请人，通知失败不影响单据
type DeliveryDriver struct {
	unsupported
	deps Deps
}

func NewDeliveryDriver(deps Deps) *DeliveryDriver {
	return &DeliveryDriver{deps: deps}
}

func (d *DeliveryDriver) FlowType() model.FlowType { return model.FlowTypeDelivery }

func (d *DeliveryDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	if d.deps.Notifier != nil {
		if err := d.deps.Notifier.NotifyDelivery(ctx, env.Ticket, env.Flow); err != nil {
			logger.Warn("[Driver] delivery notice failed", zap.Uint("ticket_id", env.Ticket.ID), zap.Error(err))
		}
	}
	return succeeded(), nil
}

func (d *DeliveryDriver) Poll(context.Context, *Env) (*Result, error) {
	return succeeded(), nil
}

func (d *DeliveryDriver) Revoke(context.Context, *Env) error { return nil }

// DescribeDriver 记录任务影响描述
type DescribeDriver struct {
	unsupported
}

func NewDescribeDriver(Deps) *DescribeDriver {
	return &DescribeDriver{}
}

func (d *DescribeDriver) FlowType() model.FlowType { return model.FlowTypeDescribeTask }

func (d *DescribeDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	desc, ok := env.Builder.(registry.Describer)
	if !ok {
		return succeeded(), nil
	}
	out, err := desc.Describe(ctx, env.Ticket, env.Details)
	if err != nil {
		return nil, errors.Annotate(err, "describe ticket")
	}
	env.Flow.SetDetail(registry.DetailDescribe, out)
	return succeeded(), nil
}

func (d *DescribeDriver) Poll(ctx context.Context, env *Env) (*Result, error) {
	return d.Start(ctx, env)
}

func (d *DescribeDriver) Revoke(context.Context, *Env) error { return nil }
