package driver

import (
	"context"
	"fmt"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/pingcap/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// 资源申请流程上下文
const (
	ContextAttempt      = "attempt"
	ContextReplenishing = "replenishing"
	ContextRecycled     = "recycled"
)

// ResourceApplyDriver 资源申请，一次申请要么全部成功要么不占用任何主机
type ResourceApplyDriver struct {
	deps Deps
}

func NewResourceApplyDriver(deps Deps) *ResourceApplyDriver {
	return &ResourceApplyDriver{deps: deps}
}

func (d *ResourceApplyDriver) FlowType() model.FlowType { return model.FlowTypeResourceApply }

// IdempotencyKey 同一次尝试的重复申请返回相同主机
func IdempotencyKey(flow *model.Flow) string {
	return fmt.Sprintf("ticket-%d-flow-%d-%d", flow.TicketID, flow.ID, attempt(flow))
}

func attempt(flow *model.Flow) int {
	v, _ := flow.ContextValue(ContextAttempt)
	if n := cast.ToInt(v); n > 0 {
		return n
	}
	return 1
}

func (d *ResourceApplyDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	if _, ok := env.Flow.Detail(registry.DetailResourceOutput); ok {
		return succeeded(), nil
	}
	rb, ok := env.Builder.(registry.ResourceApplyBuilder)
	if !ok {
		return nil, errors.Errorf("ticket type %s does not support resource apply", env.Ticket.TicketType)
	}

	req, err := rb.ResourceRequest(ctx, env.Ticket, env.Details)
	if err != nil {
		return nil, errors.Annotate(err, "build resource request")
	}
	env.Flow.SetContext(ContextAttempt, attempt(env.Flow))
	req.IdempotencyKey = IdempotencyKey(env.Flow)

	want := 0
	for _, spec := range req.Specs {
		want += spec.Count
	}

	res, err := d.deps.Pool.Reserve(ctx, req)
	if err != nil {
		if errno.Is(err, resourcepool.ErrShortage) {
			return d.shortage(ctx, env, req, err.Error())
		}
		return nil, errors.Annotatef(err, "reserve %s", req.IdempotencyKey)
	}
	if res.Total() < want {
		// 部分分配的主机立即归还
		if err := d.deps.Pool.Recycle(ctx, env.Ticket.BkBizID, res.AllHosts()); err != nil {
			return nil, errors.Annotatef(err, "recycle partial allocation %s", req.IdempotencyKey)
		}
		return d.shortage(ctx, env, req, fmt.Sprintf("partial allocation %d/%d", res.Total(), want))
	}

	env.Flow.SetDetail(registry.DetailResourceRequest, req)
	env.Flow.SetDetail(registry.DetailResourceOutput, res)
	env.Flow.SetContext(ContextReplenishing, false)
	env.Flow.ErrCode = ""
	logger.Info("[Driver] ✅ resource reserved",
		zap.Uint("ticket_id", env.Ticket.ID),
		zap.String("request_id", req.IdempotencyKey),
		zap.Int("hosts", res.Total()))
	return succeeded(), nil
}

// shortage 资源不足：流程保持运行，生成补货待办
func (d *ResourceApplyDriver) shortage(ctx context.Context, env *Env, req *resourcepool.ReserveRequest, reason string) (*Result, error) {
	env.Flow.SetContext(ContextReplenishing, true)
	env.Flow.ErrCode = model.ErrCodeResourceShortage
	env.Flow.ErrMsg = reason

	todoCtx := map[string]interface{}{"request_id": req.IdempotencyKey, "specs": req.Specs}
	if _, err := ensureTodo(ctx, d.deps.Store, env, model.TodoTypeResourceReplenish, "资源补货", operators(ctx, d.deps, env.Ticket, true), todoCtx); err != nil {
		return nil, err
	}
	logger.Warn("[Driver] resource shortage, waiting for replenish",
		zap.Uint("ticket_id", env.Ticket.ID),
		zap.String("request_id", req.IdempotencyKey),
		zap.String("reason", reason))
	return running(), nil
}

func (d *ResourceApplyDriver) Poll(context.Context, *Env) (*Result, error) {
	return running(), nil
}

// Callback 补货回调：payload.hosts 导入资源池后重新申请
func (d *ResourceApplyDriver) Callback(ctx context.Context, env *Env, payload map[string]interface{}) (*Result, error) {
	return d.replenish(ctx, env, payload)
}

func (d *ResourceApplyDriver) OnTodo(ctx context.Context, env *Env, _ *model.Todo, action model.TodoAction, params map[string]interface{}) (*Result, error) {
	switch action {
	case model.TodoActionResourceReplenish:
		return d.replenish(ctx, env, params)
	case model.TodoActionTerminate:
		return terminated(env.Flow, model.ErrCodeResourceShortage, "terminated by %s", env.Operator), nil
	}
	return nil, errors.Annotatef(errno.ErrInvalidAction, "action %s on resource apply", action)
}

func (d *ResourceApplyDriver) replenish(ctx context.Context, env *Env, payload map[string]interface{}) (*Result, error) {
	var hosts []resourcepool.Host
	if raw, ok := payload["hosts"]; ok {
		if err := model.DecodeJSON(raw, &hosts); err != nil {
			return nil, errors.Annotatef(errno.ErrInvalidAction, "malformed hosts: %v", err)
		}
	}
	if len(hosts) > 0 {
		if err := d.deps.Pool.Import(ctx, env.Ticket.BkBizID, hosts); err != nil {
			return nil, errors.Annotate(err, "import replenish hosts")
		}
		logger.Info("[Driver] replenish hosts imported", zap.Uint("ticket_id", env.Ticket.ID), zap.Int("hosts", len(hosts)))
	}
	return d.Retry(ctx, env)
}

// Retry 新的尝试使用新的幂等键
func (d *ResourceApplyDriver) Retry(ctx context.Context, env *Env) (*Result, error) {
	if _, ok := env.Flow.Detail(registry.DetailResourceOutput); ok {
		return succeeded(), nil
	}
	env.Flow.SetContext(ContextAttempt, attempt(env.Flow)+1)
	return d.Start(ctx, env)
}

// Revoke 已申请的主机归还资源池
func (d *ResourceApplyDriver) Revoke(ctx context.Context, env *Env) error {
	raw, ok := env.Flow.Detail(registry.DetailResourceOutput)
	if !ok {
		return nil
	}
	var res resourcepool.ReserveResult
	if err := model.DecodeJSON(raw, &res); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.deps.Pool.Recycle(ctx, env.Ticket.BkBizID, res.AllHosts()))
}

// ResourceDeliveryDriver 主机归还资源池
type ResourceDeliveryDriver struct {
	unsupported
	deps Deps
}

func NewResourceDeliveryDriver(deps Deps) *ResourceDeliveryDriver {
	return &ResourceDeliveryDriver{deps: deps}
}

func (d *ResourceDeliveryDriver) FlowType() model.FlowType { return model.FlowTypeResourceDelivery }

func (d *ResourceDeliveryDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	if env.Flow.ContextBool(ContextRecycled) {
		return succeeded(), nil
	}
	hosts, err := recycleHosts(env.Flow)
	if err != nil {
		return nil, err
	}
	if len(hosts) > 0 {
		if err := d.deps.Pool.Recycle(ctx, env.Ticket.BkBizID, hosts); err != nil {
			return nil, errors.Annotate(err, "recycle hosts")
		}
	}
	env.Flow.SetContext(ContextRecycled, true)
	logger.Info("[Driver] ✅ hosts recycled", zap.Uint("ticket_id", env.Ticket.ID), zap.Int("hosts", len(hosts)))
	return succeeded(), nil
}

func (d *ResourceDeliveryDriver) Poll(ctx context.Context, env *Env) (*Result, error) {
	return d.Start(ctx, env)
}

func (d *ResourceDeliveryDriver) Revoke(_ context.Context, env *Env) error {
	if env.Flow.ContextBool(ContextRecycled) {
		return errors.Annotatef(errno.ErrIrreversible, "hosts of flow %d already recycled", env.Flow.ID)
	}
	return nil
}

func recycleHosts(flow *model.Flow) ([]resourcepool.Host, error) {
	var hosts []resourcepool.Host
	raw, ok := flow.Detail(registry.DetailRecycleHosts)
	if !ok {
		return nil, nil
	}
	if err := model.DecodeJSON(raw, &hosts); err != nil {
		return nil, errors.Annotatef(err, "decode %s", registry.DetailRecycleHosts)
	}
	return hosts, nil
}
