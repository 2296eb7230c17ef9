package driver_test

import (
	"context"
	"testing"
	"time"

	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *repository.Store
	meta   *testutil.FakeMetadata
	pool   *testutil.FakeResourcePool
	appr   *testutil.FakeApproval
	deps   driver.Deps
	ticket *model.Ticket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewStore(testutil.NewTestDB(t))
	meta := testutil.NewFakeMetadata()
	meta.DBAs["mysql"] = []string{"dba1"}

	ticket := &model.Ticket{TicketType: builders.TicketMySQLSingleApply, Creator: "alice", BkBizID: 100, Group: "mysql", Status: model.TicketStatusRunning}
	require.NoError(t, store.Ticket.Create(context.Background(), ticket))

	f := &fixture{
		store:  store,
		meta:   meta,
		pool:   testutil.NewFakeResourcePool(5),
		appr:   testutil.NewFakeApproval(),
		ticket: ticket,
	}
	f.deps = driver.Deps{
		Store:      store,
		Approval:   f.appr,
		Pool:       f.pool,
		Meta:       meta,
		SystemUser: "admin",
		Now:        func() time.Time { return now },
	}
	return f
}

func (f *fixture) flow(t *testing.T, flowType model.FlowType, details map[string]interface{}) *model.Flow {
	t.Helper()
	flow := &model.Flow{TicketID: f.ticket.ID, FlowOrder: 1, FlowType: flowType, Status: model.FlowStatusRunning}
	for k, v := range details {
		flow.SetDetail(k, v)
	}
	require.NoError(t, f.store.Flow.CreateBatch(context.Background(), []*model.Flow{flow}))
	return flow
}

func (f *fixture) singleApplyEnv(t *testing.T, count int) *driver.Env {
	t.Helper()
	domains := make([]builders.DomainInfo, 0, count)
	for i := 0; i < count; i++ {
		domains = append(domains, builders.DomainInfo{Key: "db" + string(rune('a'+i))})
	}
	return &driver.Env{
		Ticket:   f.ticket,
		Flow:     f.flow(t, model.FlowTypeResourceApply, nil),
		Builder:  builders.NewMySQLSingleApply(builders.Deps{Meta: f.meta}),
		Details:  &builders.MySQLSingleApplyDetails{DBModuleID: 1, ClusterCount: count, Domains: domains, SpecID: 1, StartMySQLPort: 20000},
		Operator: "alice",
	}
}

func TestTimerDriver(t *testing.T) {
	f := newFixture(t)
	d := driver.NewTimerDriver(f.deps)
	ctx := context.Background()

	future := &driver.Env{Ticket: f.ticket, Flow: f.flow(t, model.FlowTypeTimer, map[string]interface{}{
		driver.DetailTriggerTime: now.Add(time.Minute).Format(time.RFC3339),
	})}
	res, err := d.Start(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusRunning, res.Status)
	assert.False(t, res.Finished())

	due := &driver.Env{Ticket: f.ticket, Flow: &model.Flow{ID: 99}}
	due.Flow.SetDetail(driver.DetailTriggerTime, now.Format(time.RFC3339))
	res, err = d.Poll(ctx, due)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)

	_, err = d.Start(ctx, &driver.Env{Ticket: f.ticket, Flow: &model.Flow{ID: 100}})
	assert.Error(t, err)
}

func TestResourceApplyReserve(t *testing.T) {
	f := newFixture(t)
	d := driver.NewResourceApplyDriver(f.deps)
	ctx := context.Background()
	env := f.singleApplyEnv(t, 2)

	res, err := d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	_, ok := env.Flow.Detail(registry.DetailResourceOutput)
	assert.True(t, ok)
	assert.Equal(t, 1, f.pool.Calls)

	// 已有申请结果时不再调用资源池
	res, err = d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	assert.Equal(t, 1, f.pool.Calls)

	require.NoError(t, d.Revoke(ctx, env))
	assert.Equal(t, 2, f.pool.RecycledCount())
}

func TestResourceApplyShortageAndReplenish(t *testing.T) {
	f := newFixture(t)
	f.pool.SetAvailable(1)
	d := driver.NewResourceApplyDriver(f.deps)
	ctx := context.Background()
	env := f.singleApplyEnv(t, 2)

	res, err := d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusRunning, res.Status)
	assert.Equal(t, model.ErrCodeResourceShortage, env.Flow.ErrCode)
	assert.True(t, env.Flow.ContextBool(driver.ContextReplenishing))
	first := driver.IdempotencyKey(env.Flow)

	todos, err := f.store.Todo.ListOpenByFlow(ctx, env.Flow.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, model.TodoTypeResourceReplenish, todos[0].Type)
	assert.ElementsMatch(t, []string{"alice", "dba1"}, []string(todos[0].Operators))

	// 重复进入不会生成第二个待办
	_, err = d.Start(ctx, env)
	require.NoError(t, err)
	todos, err = f.store.Todo.ListOpenByFlow(ctx, env.Flow.ID)
	require.NoError(t, err)
	assert.Len(t, todos, 1)

	_, err = d.Callback(ctx, env, map[string]interface{}{"hosts": "not-a-list"})
	assert.True(t, errno.Is(err, errno.ErrInvalidAction))

	res, err = d.Callback(ctx, env, map[string]interface{}{
		"hosts": []map[string]interface{}{{"ip": "10.9.9.9", "bk_host_id": 909}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	assert.Empty(t, env.Flow.ErrCode)
	assert.NotEqual(t, first, driver.IdempotencyKey(env.Flow))
	assert.Len(t, f.pool.Imported, 1)
}

// partialPool 只分配一台主机
type partialPool struct {
	*testutil.FakeResourcePool
}

func (p partialPool) Reserve(_ context.Context, req *resourcepool.ReserveRequest) (*resourcepool.ReserveResult, error) {
	spec := req.Specs[0]
	return &resourcepool.ReserveResult{Groups: map[string][]resourcepool.Host{
		spec.Group: {{IP: "10.0.0.100", BkHostID: 100}},
	}}, nil
}

func TestResourceApplyPartialAllocationIsReturned(t *testing.T) {
	f := newFixture(t)
	pool := partialPool{FakeResourcePool: f.pool}
	f.deps.Pool = pool
	d := driver.NewResourceApplyDriver(f.deps)
	env := f.singleApplyEnv(t, 2)

	res, err := d.Start(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusRunning, res.Status)
	assert.Equal(t, model.ErrCodeResourceShortage, env.Flow.ErrCode)
	assert.Contains(t, env.Flow.ErrMsg, "partial allocation 1/2")
	assert.Equal(t, 1, f.pool.RecycledCount())
	_, ok := env.Flow.Detail(registry.DetailResourceOutput)
	assert.False(t, ok)
}

func TestResourceApplyTodoActions(t *testing.T) {
	f := newFixture(t)
	d := driver.NewResourceApplyDriver(f.deps)
	env := f.singleApplyEnv(t, 1)

	res, err := d.OnTodo(context.Background(), env, nil, model.TodoActionTerminate, nil)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusTerminated, res.Status)
	assert.Equal(t, model.ErrCodeResourceShortage, res.ErrCode)
	assert.Equal(t, model.SuggestionTerminate, res.Failure.Suggestion)

	_, err = d.OnTodo(context.Background(), env, nil, model.TodoActionApprove, nil)
	assert.True(t, errno.Is(err, errno.ErrInvalidAction))
}

func TestResourceDeliveryIrreversible(t *testing.T) {
	f := newFixture(t)
	d := driver.NewResourceDeliveryDriver(f.deps)
	ctx := context.Background()
	env := &driver.Env{Ticket: f.ticket, Flow: f.flow(t, model.FlowTypeResourceDelivery, map[string]interface{}{
		registry.DetailRecycleHosts: []resourcepool.Host{{IP: "4.4.4.1"}, {IP: "4.4.4.2"}},
	})}

	require.NoError(t, d.Revoke(ctx, env))

	res, err := d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	res, err = d.Poll(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	assert.Equal(t, 2, f.pool.RecycledCount())

	err = d.Revoke(ctx, env)
	assert.True(t, errno.Is(err, errno.ErrIrreversible))
}

func TestITSMDriver(t *testing.T) {
	f := newFixture(t)
	d := driver.NewITSMDriver(f.deps)
	ctx := context.Background()
	env := &driver.Env{Ticket: f.ticket, Flow: f.flow(t, model.FlowTypeITSM, nil), Operator: "alice"}

	res, err := d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusRunning, res.Status)
	require.Equal(t, "SN1", env.Flow.FlowObjID)
	assert.Equal(t, []string{"dba1"}, f.appr.Opened["SN1"].Approvers)

	// 已开单时只查询状态
	res, err = d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusRunning, res.Status)
	assert.Len(t, f.appr.Opened, 1)

	_, err = d.Callback(ctx, env, map[string]interface{}{"status": "UNKNOWN"})
	assert.True(t, errno.Is(err, errno.ErrInvalidAction))

	res, err = d.Callback(ctx, env, map[string]interface{}{"status": string(approval.StatusRejected), "operator": "leader"})
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusTerminated, res.Status)
	assert.Equal(t, model.ErrCodeApprovalRejected, res.ErrCode)
	assert.Contains(t, res.Failure.Message, "leader")

	f.appr.SetStatus("SN1", approval.StatusApproved)
	res, err = d.Poll(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)

	require.NoError(t, d.Revoke(ctx, env))
	assert.Equal(t, []string{"SN1"}, f.appr.Canceled)
}

func TestITSMDriverFallsBackToSystemUser(t *testing.T) {
	f := newFixture(t)
	f.ticket.Group = "redis"
	d := driver.NewITSMDriver(f.deps)
	env := &driver.Env{Ticket: f.ticket, Flow: f.flow(t, model.FlowTypeITSM, nil)}

	_, err := d.Start(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, f.appr.Opened[env.Flow.FlowObjID].Approvers)
}

func TestManualDriver(t *testing.T) {
	f := newFixture(t)
	f.ticket.Helpers = model.StringArray{"bob"}
	ctx := context.Background()

	pause := driver.NewManualDriver(model.FlowTypePause, model.TodoTypeApprove, "人工确认", f.deps)
	env := &driver.Env{Ticket: f.ticket, Flow: f.flow(t, model.FlowTypePause, nil), Operator: "bob"}
	_, err := pause.Start(ctx, env)
	require.NoError(t, err)
	todos, err := f.store.Todo.ListOpenByFlow(ctx, env.Flow.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, []string{"alice", "bob"}, []string(todos[0].Operators))

	res, err := pause.OnTodo(ctx, env, &todos[0], model.TodoActionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	res, err = pause.OnTodo(ctx, env, &todos[0], model.TodoActionTerminate, nil)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusTerminated, res.Status)

	inner := driver.NewManualDriver(model.FlowTypeInnerApprove, model.TodoTypeInnerApprove, "任务确认", f.deps)
	env2 := &driver.Env{Ticket: f.ticket, Flow: &model.Flow{ID: env.Flow.ID + 100, TicketID: f.ticket.ID}}
	_, err = inner.Start(ctx, env2)
	require.NoError(t, err)
	todos, err = f.store.Todo.ListOpenByFlow(ctx, env2.Flow.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, []string{"alice", "bob", "dba1"}, []string(todos[0].Operators))
}

func TestRecycleDriver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var spawned []resourcepool.Host
	f.deps.ChildType = builders.TicketRecycleHost
	f.deps.Spawn = func(ctx context.Context, parent *model.Ticket, _ *model.Flow, hosts []resourcepool.Host) (*model.Ticket, error) {
		spawned = hosts
		child := &model.Ticket{TicketType: builders.TicketRecycleHost, Creator: parent.Creator, BkBizID: parent.BkBizID, ParentID: parent.ID, Status: model.TicketStatusPending}
		return child, f.store.Ticket.Create(ctx, child)
	}
	d := driver.NewRecycleDriver(f.deps)

	empty := &driver.Env{Ticket: f.ticket, Flow: f.flow(t, model.FlowTypeRecycle, nil)}
	res, err := d.Start(ctx, empty)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
	assert.Nil(t, spawned)

	env := &driver.Env{Ticket: f.ticket, Flow: &model.Flow{ID: 500, TicketID: f.ticket.ID, FlowType: model.FlowTypeRecycle}}
	env.Flow.SetDetail(registry.DetailRecycleHosts, []resourcepool.Host{{IP: "4.4.4.1"}})
	res, err = d.Start(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusRunning, res.Status)
	require.Len(t, spawned, 1)
	childID, ok := env.Flow.ContextValue(driver.ContextChildTicket)
	require.True(t, ok)

	// 子单据已存在时不重复创建
	spawned = nil
	_, err = d.Start(ctx, env)
	require.NoError(t, err)
	assert.Nil(t, spawned)

	child, err := f.store.Ticket.GetByID(ctx, childID.(uint))
	require.NoError(t, err)
	child.Status = model.TicketStatusFailed
	require.NoError(t, f.store.Ticket.Update(ctx, child))
	res, err = d.Poll(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusFailed, res.Status)
	assert.Equal(t, model.SuggestionRetry, res.Failure.Suggestion)

	child.Status = model.TicketStatusSucceeded
	require.NoError(t, f.store.Ticket.Update(ctx, child))
	res, err = d.Poll(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, res.Status)
}

func TestInnerPlanHandleIsStable(t *testing.T) {
	d := driver.NewInnerDriver(driver.Deps{})
	a := d.PlanHandle(&model.Flow{ID: 42})
	b := d.PlanHandle(&model.Flow{ID: 42})
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, d.PlanHandle(&model.Flow{ID: 43}))
	assert.Equal(t, "kept", d.PlanHandle(&model.Flow{ID: 42, FlowObjID: "kept"}))
}

func TestTableGet(t *testing.T) {
	table := driver.Default(driver.Deps{})
	for _, ft := range []model.FlowType{
		model.FlowTypeITSM, model.FlowTypePause, model.FlowTypeInnerApprove, model.FlowTypeTimer,
		model.FlowTypeResourceApply, model.FlowTypeResourceDelivery, model.FlowTypeInner,
		model.FlowTypeDelivery, model.FlowTypeDescribeTask, model.FlowTypeRecycle,
	} {
		d, err := table.Get(ft)
		require.NoError(t, err)
		assert.Equal(t, ft, d.FlowType())
	}
	_, err := table.Get("UNKNOWN")
	assert.True(t, errno.Is(err, errno.ErrUnknownFlowType))
}
