package driver

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/pingcap/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// ContextChildTicket 回收子单据 ID
const ContextChildTicket = "child_ticket_id"

// RecycleDriver 生成主机回收子单据，等待子单据结束
type RecycleDriver struct {
	unsupported
	deps Deps
}

func NewRecycleDriver(deps Deps) *RecycleDriver {
	return &RecycleDriver{deps: deps}
}

func (d *RecycleDriver) FlowType() model.FlowType { return model.FlowTypeRecycle }

func (d *RecycleDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	hosts, err := recycleHosts(env.Flow)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return succeeded(), nil
	}

	child, err := d.deps.Store.Ticket.FindChild(ctx, env.Ticket.ID, d.deps.ChildType)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if child == nil {
		if d.deps.Spawn == nil {
			return nil, errors.New("recycle ticket spawner is not configured")
		}
		child, err = d.deps.Spawn(ctx, env.Ticket, env.Flow, hosts)
		if err != nil {
			return nil, errors.Annotate(err, "spawn recycle ticket")
		}
		logger.Info("[Driver] recycle ticket spawned",
			zap.Uint("ticket_id", env.Ticket.ID),
			zap.Uint("child_ticket_id", child.ID),
			zap.Int("hosts", len(hosts)))
	}
	env.Flow.SetContext(ContextChildTicket, child.ID)
	return d.resultOf(env, child), nil
}

func (d *RecycleDriver) Poll(ctx context.Context, env *Env) (*Result, error) {
	v, ok := env.Flow.ContextValue(ContextChildTicket)
	if !ok {
		return d.Start(ctx, env)
	}
	child, err := d.deps.Store.Ticket.GetByID(ctx, cast.ToUint(v))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return d.resultOf(env, child), nil
}

func (d *RecycleDriver) resultOf(env *Env, child *model.Ticket) *Result {
	switch child.Status {
	case model.TicketStatusSucceeded:
		return succeeded()
	case model.TicketStatusFailed:
		return failed(env.Flow, child.ErrCode, model.SuggestionRetry, "recycle ticket %d failed", child.ID)
	case model.TicketStatusRevoked, model.TicketStatusTerminated:
		return failed(env.Flow, child.ErrCode, model.SuggestionTerminate, "recycle ticket %d is %s", child.ID, child.Status)
	}
	return running()
}

// Revoke 子单据独立存在，不随父单据撤销
func (d *RecycleDriver) Revoke(context.Context, *Env) error { return nil }
