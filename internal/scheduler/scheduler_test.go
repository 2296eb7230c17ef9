package scheduler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/scheduler"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// nopExecutor 任务流只提交，不回流结果
type nopExecutor struct {
	mu      sync.Mutex
	revoked []string
}

func (e *nopExecutor) Submit(context.Context, *workflow.Pipeline) error { return nil }
func (e *nopExecutor) Retry(context.Context, string) error              { return nil }
func (e *nopExecutor) SkipNode(context.Context, string, string) error   { return nil }

func (e *nopExecutor) Revoke(_ context.Context, rootID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revoked = append(e.revoked, rootID)
	return nil
}

func (e *nopExecutor) State(context.Context, string) (model.NodeStatus, error) {
	return model.NodeStatusRunning, nil
}

func (e *nopExecutor) NodeStates(context.Context, string) ([]model.FlowNode, error) {
	return nil, nil
}

type deadlineRecorder struct {
	mu      sync.Mutex
	notices []uint
}

func (r *deadlineRecorder) NotifyDeadline(_ context.Context, ticket *model.Ticket, _ *model.Flow, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, ticket.ID)
	return nil
}

func (r *deadlineRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type env struct {
	s        *scheduler.Scheduler
	m        *manager.Manager
	store    *repository.Store
	meta     *testutil.FakeMetadata
	approval *testutil.FakeApproval
	deadline *deadlineRecorder
	clock    *clock
}

func newEnv(t *testing.T, rdb *redis.Client) *env {
	t.Helper()
	store := repository.NewStore(testutil.NewTestDB(t))
	meta := testutil.NewFakeMetadata(
		metadata.Cluster{ID: 1, ClusterType: "tendbha", MajorVersion: "MySQL-8.0", Instances: []metadata.Instance{
			{IP: "1.1.1.1", Port: 3306, Role: metadata.RoleBackendMaster},
			{IP: "1.1.1.2", Port: 3306, Role: metadata.RoleBackendSlave},
		}},
		metadata.Cluster{ID: 2, ClusterType: "tendbha", MajorVersion: "MySQL-8.0", Instances: []metadata.Instance{
			{IP: "2.2.2.1", Port: 3306, Role: metadata.RoleBackendMaster},
		}},
	)
	meta.DBAs["mysql"] = []string{"dba1"}

	c := &clock{now: time.Now()}
	reg := registry.New()
	builders.Register(reg, builders.Deps{Meta: meta, Now: c.Now})

	fa := testutil.NewFakeApproval()
	m := manager.New(manager.Options{
		Store:    store,
		Registry: reg,
		Arbiter:  exclusive.NewArbiter(exclusive.NewMatrix(), store.OperationRecord),
		Approval: fa,
		Drivers: driver.Deps{
			Pool:     testutil.NewFakeResourcePool(10),
			Executor: &nopExecutor{},
			Meta:     meta,
		},
		SystemUser: "admin",
		Now:        c.Now,
	})

	dr := &deadlineRecorder{}
	s := scheduler.New(scheduler.Options{
		Config:   config.SchedulerConfig{DataRepairEnabled: true},
		Manager:  m,
		Store:    store,
		Meta:     meta,
		Notifier: dr,
		Redis:    rdb,
		Now:      c.Now,
	})
	return &env{s: s, m: m, store: store, meta: meta, approval: fa, deadline: dr, clock: c}
}

func (e *env) create(t *testing.T, ticketType string, details interface{}) *model.Ticket {
	t.Helper()
	raw, err := json.Marshal(details)
	require.NoError(t, err)
	ticket, err := e.m.CreateTicket(context.Background(), &manager.CreateRequest{
		TicketType: ticketType,
		BkBizID:    100,
		Creator:    "alice",
		Details:    raw,
	})
	require.NoError(t, err)
	return ticket
}

func (e *env) ticket(t *testing.T, id uint) *model.Ticket {
	t.Helper()
	ticket, err := e.store.Ticket.GetByID(context.Background(), id)
	require.NoError(t, err)
	return ticket
}

func (e *env) flows(t *testing.T, ticketID uint) []model.Flow {
	t.Helper()
	flows, err := e.store.Flow.ListByTicket(context.Background(), ticketID)
	require.NoError(t, err)
	return flows
}

func (e *env) rollback(t *testing.T, trigger *time.Time) *model.Ticket {
	t.Helper()
	d := map[string]interface{}{
		"cluster_id": 1, "target_cluster_id": 2,
		"rollback_time": e.clock.Now().Add(-time.Hour), "databases": []string{"db1"},
	}
	if trigger != nil {
		d["trigger_time"] = *trigger
	}
	return e.create(t, builders.TicketMySQLRollbackCluster, d)
}

func TestTasksRegistered(t *testing.T) {
	e := newEnv(t, nil)
	assert.ElementsMatch(t, []string{
		scheduler.TaskRetryExclusive,
		scheduler.TaskExpireScan,
		scheduler.TaskTimerWake,
		scheduler.TaskITSMSync,
		scheduler.TaskDataRepair,
	}, e.s.Tasks())

	err := e.s.RunOnce(context.Background(), "no-such-task")
	assert.Error(t, err)
}

func TestRetryAutoExclusiveTask(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	off := false
	row := &model.TicketFlowsConfig{TicketType: builders.TicketMySQLMasterSlaveSwitch, Editable: true}
	require.NoError(t, row.SetConfigs(&model.FlowsConfigs{NeedITSM: &off, NeedManualConfirm: &off}))
	require.NoError(t, e.store.FlowConfig.Upsert(ctx, row))

	details := map[string]interface{}{
		"infos": []map[string]interface{}{{
			"cluster_ids": []uint{1},
			"master_ip":   map[string]interface{}{"ip": "1.1.1.1"},
			"slave_ip":    map[string]interface{}{"ip": "1.1.1.2"},
		}},
	}
	first := e.create(t, builders.TicketMySQLMasterSlaveSwitch, details)
	second := e.create(t, builders.TicketMySQLMasterSlaveSwitch, details)
	require.Equal(t, model.TicketStatusPending, second.Status)

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskRetryExclusive))
	assert.Equal(t, model.TicketStatusPending, e.ticket(t, second.ID).Status)

	require.NoError(t, e.m.RevokeTicket(ctx, first.ID, "alice"))
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskRetryExclusive))
	assert.Equal(t, model.TicketStatusRunning, e.ticket(t, second.ID).Status)
}

func TestExpireScanTerminatesOverdueApproval(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	ticket := e.rollback(t, nil)
	require.Equal(t, model.TicketStatusApprove, ticket.Status)

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))
	assert.Equal(t, model.TicketStatusApprove, e.ticket(t, ticket.ID).Status)

	e.clock.Add(8 * 24 * time.Hour)
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))

	got := e.ticket(t, ticket.ID)
	assert.Equal(t, model.TicketStatusTerminated, got.Status)
	assert.Equal(t, model.ErrCodeExpired, got.ErrCode)
	assert.Equal(t, model.FlowStatusTerminated, e.flows(t, ticket.ID)[0].Status)

	todos, err := e.m.ListTodos(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, model.TodoStatusDoneFailed, todos[0].Status)

	// 已终止的单据不再处理
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))
	assert.Equal(t, model.TicketStatusTerminated, e.ticket(t, ticket.ID).Status)
}

func TestExpireScanSendsDeadlineNoticeOnce(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	ticket := e.rollback(t, nil)

	e.clock.Add(5 * 24 * time.Hour)
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))
	assert.Equal(t, 1, e.deadline.count())

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))
	assert.Equal(t, 1, e.deadline.count(), "same offset is noticed once")

	e.clock.Add(47 * time.Hour)
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))
	assert.Equal(t, 2, e.deadline.count())
	assert.Equal(t, model.TicketStatusApprove, e.ticket(t, ticket.ID).Status)
}

func TestTimerWake(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	trigger := e.clock.Now().Add(time.Hour)

	ticket := e.rollback(t, &trigger)
	todos, err := e.store.Todo.ListOpenByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.NoError(t, e.m.ProcessTodo(ctx, todos[0].ID, model.TodoActionApprove, "dba1", nil))
	require.Equal(t, model.FlowStatusRunning, e.flows(t, ticket.ID)[1].Status)

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskTimerWake))
	assert.Equal(t, model.FlowStatusRunning, e.flows(t, ticket.ID)[1].Status)

	e.clock.Add(2 * time.Hour)
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskTimerWake))
	flows := e.flows(t, ticket.ID)
	assert.Equal(t, model.FlowStatusSucceeded, flows[1].Status)
	assert.Equal(t, model.FlowStatusRunning, flows[2].Status)
}

func TestITSMSync(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	ticket := e.rollback(t, nil)
	sn := e.flows(t, ticket.ID)[0].FlowObjID
	require.NotEmpty(t, sn)

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskITSMSync))
	assert.Equal(t, model.TicketStatusApprove, e.ticket(t, ticket.ID).Status)

	e.approval.SetStatus(sn, approval.StatusApproved)
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskITSMSync))

	flows := e.flows(t, ticket.ID)
	assert.Equal(t, model.FlowStatusSucceeded, flows[0].Status)
	assert.Equal(t, model.TicketStatusRunning, e.ticket(t, ticket.ID).Status)
}

func TestExpireScanAfterITSMSync(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	ticket := e.rollback(t, nil)
	flow := e.flows(t, ticket.ID)[0]
	require.Equal(t, model.FlowTypeITSM, flow.FlowType)

	// 审批已挂起 8 天
	past := e.clock.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, e.store.DB().Model(&model.Flow{}).Where("id = ?", flow.ID).
		UpdateColumns(map[string]interface{}{"start_at": past, "updated_at": past}).Error)

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskITSMSync))
	synced := e.flows(t, ticket.ID)[0]
	assert.Equal(t, model.FlowStatusRunning, synced.Status)
	assert.WithinDuration(t, past, synced.UpdatedAt, time.Second, "unchanged poll keeps updated_at")

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskExpireScan))
	got := e.ticket(t, ticket.ID)
	assert.Equal(t, model.TicketStatusTerminated, got.Status)
	assert.Equal(t, model.ErrCodeExpired, got.ErrCode)
}

func TestRoutineDataRepair(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	found := e.clock.Now().Add(-time.Hour)
	e.meta.Failures = []metadata.ChecksumFailure{
		{ClusterID: 1, BkBizID: 100, MasterIP: "1.1.1.1", MasterPort: 3306, SlaveIP: "1.1.1.2", SlavePort: 3306, DB: "db1", Table: "t1", FoundAt: found},
		{ClusterID: 1, BkBizID: 100, MasterIP: "1.1.1.1", MasterPort: 3306, SlaveIP: "1.1.1.2", SlavePort: 3306, DB: "db1", Table: "t2", FoundAt: found},
		{ClusterID: 1, BkBizID: 100, MasterIP: "1.1.1.1", MasterPort: 3306, SlaveIP: "1.1.1.2", SlavePort: 3306, DB: "db1", Table: "t1", FoundAt: found},
		{ClusterID: 2, BkBizID: 100, MasterIP: "2.2.2.1", MasterPort: 3306, SlaveIP: "2.2.2.2", SlavePort: 3306, DB: "db2", Table: "t9", FoundAt: found.Add(-48 * time.Hour)},
	}

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskDataRepair))
	open, err := e.store.Ticket.ListOpenByType(ctx, builders.TicketMySQLDataRepair)
	require.NoError(t, err)
	require.Len(t, open, 1, "failures older than one interval are ignored")

	ticket := open[0]
	assert.Equal(t, "admin", ticket.Creator)
	assert.Equal(t, model.UintArray{1}, ticket.ClusterIDs)

	var details builders.MySQLDataRepairDetails
	require.NoError(t, json.Unmarshal(ticket.Details, &details))
	assert.Equal(t, builders.RepairTriggerRoutine, details.TriggerType)
	assert.Len(t, details.Slaves, 1)
	assert.Equal(t, []builders.RepairTable{{DB: "db1", Table: "t1"}, {DB: "db1", Table: "t2"}}, details.Tables)

	flows := e.flows(t, ticket.ID)
	require.Len(t, flows, 2)
	assert.Equal(t, model.FlowTypeInnerApprove, flows[0].FlowType)

	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskDataRepair))
	open, err = e.store.Ticket.ListOpenByType(ctx, builders.TicketMySQLDataRepair)
	require.NoError(t, err)
	assert.Len(t, open, 1, "open repair ticket covers the cluster")
}

func TestLeaderLockSkipsBusyTask(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e := newEnv(t, rdb)
	ctx := context.Background()
	trigger := e.clock.Now().Add(time.Hour)
	ticket := e.rollback(t, &trigger)
	sn := e.flows(t, ticket.ID)[0].FlowObjID
	e.approval.SetStatus(sn, approval.StatusApproved)

	require.NoError(t, mr.Set("dbm:flow:scheduler:"+scheduler.TaskITSMSync, "other-instance"))
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskITSMSync))
	assert.Equal(t, model.FlowStatusRunning, e.flows(t, ticket.ID)[0].Status, "another instance holds the lock")

	mr.Del("dbm:flow:scheduler:" + scheduler.TaskITSMSync)
	require.NoError(t, e.s.RunOnce(ctx, scheduler.TaskITSMSync))
	assert.Equal(t, model.FlowStatusSucceeded, e.flows(t, ticket.ID)[0].Status)
	assert.False(t, mr.Exists("dbm:flow:scheduler:"+scheduler.TaskITSMSync), "lock is released after the run")
}
