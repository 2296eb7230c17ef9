package driver

import (
	"context"
	"time"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/pingcap/errors"
	"github.com/spf13/cast"
)

// DetailTriggerTime 定时流程的触发时间，RFC3339
const DetailTriggerTime = "trigger_time"

// TimerDriver 定时流程，到点后由定时任务唤醒
type TimerDriver struct {
	unsupported
	deps Deps
}

func NewTimerDriver(deps Deps) *TimerDriver {
	return &TimerDriver{deps: deps}
}

func (d *TimerDriver) FlowType() model.FlowType { return model.FlowTypeTimer }

func (d *TimerDriver) Start(ctx context.Context, env *Env) (*Result, error) {
	return d.Poll(ctx, env)
}

func (d *TimerDriver) Poll(_ context.Context, env *Env) (*Result, error) {
	at, err := TriggerTime(env.Flow)
	if err != nil {
		return nil, err
	}
	if !d.deps.now().Before(at) {
		return succeeded(), nil
	}
	env.Flow.SetContext("trigger_at", at.Unix())
	return running(), nil
}

func (d *TimerDriver) Revoke(context.Context, *Env) error {
	return nil
}

// TriggerTime 读取定时流程的触发时间
func TriggerTime(flow *model.Flow) (time.Time, error) {
	raw, ok := flow.Detail(DetailTriggerTime)
	if !ok {
		return time.Time{}, errors.Errorf("flow %d has no %s", flow.ID, DetailTriggerTime)
	}
	at, err := time.Parse(time.RFC3339, cast.ToString(raw))
	if err != nil {
		return time.Time{}, errors.Annotatef(err, "flow %d %s", flow.ID, DetailTriggerTime)
	}
	return at, nil
}
