package manager_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor 只记录调用，任务流结果由测试通过 CompleteFlow 回流
type fakeExecutor struct {
	mu        sync.Mutex
	submitted map[string]*workflow.Pipeline
	states    map[string]model.NodeStatus
	retried   []string
	revoked   []string
	skipped   []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{submitted: make(map[string]*workflow.Pipeline), states: make(map[string]model.NodeStatus)}
}

func (e *fakeExecutor) Submit(_ context.Context, p *workflow.Pipeline) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.submitted[p.RootID]; ok {
		return nil
	}
	e.submitted[p.RootID] = p
	e.states[p.RootID] = model.NodeStatusRunning
	return nil
}

func (e *fakeExecutor) Retry(_ context.Context, rootID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.submitted[rootID]; !ok {
		return errno.ErrPipelineNotFound
	}
	e.retried = append(e.retried, rootID)
	e.states[rootID] = model.NodeStatusRunning
	return nil
}

func (e *fakeExecutor) Revoke(_ context.Context, rootID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revoked = append(e.revoked, rootID)
	e.states[rootID] = model.NodeStatusRevoked
	return nil
}

func (e *fakeExecutor) State(_ context.Context, rootID string) (model.NodeStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[rootID]
	if !ok {
		return "", errno.ErrPipelineNotFound
	}
	return s, nil
}

func (e *fakeExecutor) SkipNode(_ context.Context, rootID, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipped = append(e.skipped, rootID+"/"+nodeID)
	return nil
}

func (e *fakeExecutor) NodeStates(context.Context, string) ([]model.FlowNode, error) {
	return nil, nil
}

func (e *fakeExecutor) setState(rootID string, s model.NodeStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[rootID] = s
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices map[uint][]model.TicketStatus
}

func (n *noticeRecorder) NotifyTicket(_ context.Context, ticket *model.Ticket, status model.TicketStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices[ticket.ID] = append(n.notices[ticket.ID], status)
	return nil
}

func (n *noticeRecorder) of(ticketID uint) []model.TicketStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.TicketStatus(nil), n.notices[ticketID]...)
}

type harness struct {
	m        *manager.Manager
	store    *repository.Store
	meta     *testutil.FakeMetadata
	pool     *testutil.FakeResourcePool
	approval *testutil.FakeApproval
	exec     *fakeExecutor
	notices  *noticeRecorder
	matrix   *exclusive.Matrix
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
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
		metadata.Cluster{ID: 20, ClusterType: builders.ClusterTypeRedis, Status: builders.ClusterStatusOffline, ImmuteDomain: "cache.redis.db", Instances: []metadata.Instance{
			{IP: "4.4.4.1", Port: 50000, Role: metadata.RoleProxy, BkHostID: 41},
			{IP: "4.4.4.2", Port: 30000, Role: metadata.RoleRedisMaster, BkHostID: 42},
		}},
	)
	meta.DBAs["mysql"] = []string{"dba1"}
	meta.DBAs["redis"] = []string{"dba1"}

	clock := &fakeClock{now: fixedNow}
	reg := registry.New()
	builders.Register(reg, builders.Deps{Meta: meta, Now: clock.Now})

	h := &harness{
		store:    store,
		meta:     meta,
		pool:     testutil.NewFakeResourcePool(10),
		approval: testutil.NewFakeApproval(),
		exec:     newFakeExecutor(),
		notices:  &noticeRecorder{notices: make(map[uint][]model.TicketStatus)},
		matrix:   exclusive.NewMatrix(),
		clock:    clock,
	}
	h.m = manager.New(manager.Options{
		Store:    store,
		Registry: reg,
		Arbiter:  exclusive.NewArbiter(h.matrix, store.OperationRecord),
		Notifier: h.notices,
		Approval: h.approval,
		Drivers: driver.Deps{
			Pool:     h.pool,
			Executor: h.exec,
			Meta:     meta,
		},
		SystemUser:        "admin",
		RecycleTicketType: builders.TicketRecycleHost,
		Now:               clock.Now,
	})
	return h
}

func (h *harness) create(t *testing.T, ticketType string, details interface{}) *model.Ticket {
	t.Helper()
	raw, err := json.Marshal(details)
	require.NoError(t, err)
	ticket, err := h.m.CreateTicket(context.Background(), &manager.CreateRequest{
		TicketType: ticketType,
		BkBizID:    100,
		Creator:    "alice",
		Details:    raw,
	})
	require.NoError(t, err)
	return ticket
}

func (h *harness) ticket(t *testing.T, id uint) *model.Ticket {
	t.Helper()
	ticket, err := h.store.Ticket.GetByID(context.Background(), id)
	require.NoError(t, err)
	return ticket
}

func (h *harness) flows(t *testing.T, ticketID uint) []model.Flow {
	t.Helper()
	flows, err := h.store.Flow.ListByTicket(context.Background(), ticketID)
	require.NoError(t, err)
	return flows
}

func (h *harness) openTodo(t *testing.T, ticketID uint) model.Todo {
	t.Helper()
	todos, err := h.store.Todo.ListOpenByTicket(context.Background(), ticketID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	return todos[0]
}

// disableApproval 关闭单据类型的审批与人工确认
func (h *harness) disableApproval(t *testing.T, ticketType string) {
	t.Helper()
	off := false
	row := &model.TicketFlowsConfig{TicketType: ticketType, BkBizID: 0, Editable: true}
	require.NoError(t, row.SetConfigs(&model.FlowsConfigs{NeedITSM: &off, NeedManualConfirm: &off}))
	require.NoError(t, h.store.FlowConfig.Upsert(context.Background(), row))
}

func flowStatuses(flows []model.Flow) []model.FlowStatus {
	out := make([]model.FlowStatus, 0, len(flows))
	for _, f := range flows {
		out = append(out, f.Status)
	}
	return out
}

func singleApplyDetails() map[string]interface{} {
	return map[string]interface{}{
		"db_module_id": 1, "cluster_count": 1, "spec_id": 1, "start_mysql_port": 20000,
		"domains": []map[string]string{{"key": "orders"}},
	}
}

func switchDetails() map[string]interface{} {
	return map[string]interface{}{
		"infos": []map[string]interface{}{{
			"cluster_ids": []uint{1},
			"master_ip":   map[string]interface{}{"ip": "1.1.1.1"},
			"slave_ip":    map[string]interface{}{"ip": "1.1.1.2"},
		}},
	}
}

func rollbackDetails(trigger *time.Time) map[string]interface{} {
	d := map[string]interface{}{
		"cluster_id": 1, "target_cluster_id": 2,
		"rollback_time": fixedNow.Add(-time.Hour), "databases": []string{"db1"},
	}
	if trigger != nil {
		d["trigger_time"] = *trigger
	}
	return d
}

func TestHappyPathSingleApply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())
	assert.Equal(t, model.TicketStatusRunning, ticket.Status)

	flows := h.flows(t, ticket.ID)
	require.Len(t, flows, 3)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusSucceeded, model.FlowStatusSucceeded, model.FlowStatusRunning}, flowStatuses(flows))

	describe, ok := flows[0].Detail(registry.DetailDescribe)
	require.True(t, ok)
	assert.NotEmpty(t, describe)

	inner := flows[2]
	ips, ok := inner.Detail("single_ips")
	require.True(t, ok, "post callback patches the inner flow")
	assert.Len(t, ips, 1)
	require.NotEmpty(t, inner.FlowObjID)
	_, submitted := h.exec.submitted[inner.FlowObjID]
	assert.True(t, submitted)

	applied, done, _, err := h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusSucceeded, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TicketStatusSucceeded, done.Status)
	assert.NotNil(t, done.FinishedAt)
	assert.Contains(t, h.notices.of(ticket.ID), model.TicketStatusSucceeded)

	applied, _, _, err = h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusSucceeded, nil)
	require.NoError(t, err)
	assert.False(t, applied, "duplicate signal is ignored")
	require.NoError(t, h.m.RunNextFlow(ctx, ticket.ID))
	assert.Equal(t, model.TicketStatusSucceeded, h.ticket(t, ticket.ID).Status)
}

func TestValidationRejectsWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	details := singleApplyDetails()
	details["cluster_count"] = 2

	raw, err := json.Marshal(details)
	require.NoError(t, err)
	_, err = h.m.CreateTicket(context.Background(), &manager.CreateRequest{
		TicketType: builders.TicketMySQLSingleApply,
		BkBizID:    100,
		Creator:    "alice",
		Details:    raw,
	})
	require.Error(t, err)
	assert.True(t, errno.IsValidation(err))

	tickets, total, err := h.m.ListTickets(context.Background(), model.TicketListParams{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tickets)
}

func TestBatchCreateAllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good, err := json.Marshal(singleApplyDetails())
	require.NoError(t, err)
	_, err = h.m.BatchCreate(ctx, []*manager.CreateRequest{
		{TicketType: builders.TicketMySQLSingleApply, BkBizID: 100, Creator: "alice", Details: good},
		{TicketType: builders.TicketMySQLSingleApply, BkBizID: 100, Creator: "alice", Details: []byte(`{"cluster_count":1}`)},
	})
	require.Error(t, err)
	assert.True(t, errno.IsValidation(err))
	assert.Contains(t, err.Error(), "tickets[1].details")
	_, total, err := h.m.ListTickets(ctx, model.TicketListParams{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Zero(t, total)

	tickets, err := h.m.BatchCreate(ctx, []*manager.CreateRequest{
		{TicketType: builders.TicketMySQLSingleApply, BkBizID: 100, Creator: "alice", Details: good},
		{TicketType: builders.TicketMySQLSingleApply, BkBizID: 100, Creator: "bob", Details: good},
	})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	for _, ticket := range tickets {
		assert.Equal(t, model.TicketStatusRunning, ticket.Status)
	}
}

func TestITSMRejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLRollbackCluster, rollbackDetails(nil))
	assert.Equal(t, model.TicketStatusApprove, ticket.Status)
	todo := h.openTodo(t, ticket.ID)
	assert.Equal(t, model.TodoTypeITSM, todo.Type)
	assert.Equal(t, model.StringArray{"dba1"}, todo.Operators)

	err := h.m.ProcessTodo(ctx, todo.ID, model.TodoActionTerminate, "mallory", nil)
	assert.True(t, errno.Is(err, errno.ErrTodoNoPermission))

	require.NoError(t, h.m.ProcessTodo(ctx, todo.ID, model.TodoActionTerminate, "dba1", map[string]interface{}{"remark": "not now"}))

	got := h.ticket(t, ticket.ID)
	assert.Equal(t, model.TicketStatusTerminated, got.Status)
	assert.Equal(t, model.ErrCodeApprovalRejected, got.ErrCode)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusTerminated, model.FlowStatusRevoked, model.FlowStatusRevoked}, flowStatuses(h.flows(t, ticket.ID)))
	assert.Contains(t, h.notices.of(ticket.ID), model.TicketStatusTerminated)

	history, err := h.store.Todo.ListHistory(ctx, todo.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "dba1", history[0].Operator)
	assert.Equal(t, model.TodoActionTerminate, history[0].Action)
}

func TestTodoProcessedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLRollbackCluster, rollbackDetails(nil))
	todo := h.openTodo(t, ticket.ID)

	require.NoError(t, h.m.ProcessTodo(ctx, todo.ID, model.TodoActionApprove, "dba1", nil))
	before := h.flows(t, ticket.ID)
	assert.Equal(t, model.TicketStatusRunning, h.ticket(t, ticket.ID).Status)

	err := h.m.ProcessTodo(ctx, todo.ID, model.TodoActionTerminate, "dba1", nil)
	require.Error(t, err)
	assert.True(t, errno.Is(err, errno.ErrTodoAlreadyProcessed))
	assert.Equal(t, flowStatuses(before), flowStatuses(h.flows(t, ticket.ID)))
	assert.Equal(t, model.TicketStatusRunning, h.ticket(t, ticket.ID).Status)
}

func TestApprovalCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLRollbackCluster, rollbackDetails(nil))
	flows := h.flows(t, ticket.ID)
	sn := flows[0].FlowObjID
	require.NotEmpty(t, sn)

	require.NoError(t, h.m.HandleApprovalCallback(ctx, map[string]interface{}{"sn": sn, "status": string(approval.StatusApproved)}))
	flows = h.flows(t, ticket.ID)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusSucceeded, model.FlowStatusRunning, model.FlowStatusPending}, flowStatuses(flows))

	todos, err := h.m.ListTodos(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, model.TodoStatusDoneSuccess, todos[0].Status)

	// 重复回调不改变状态
	require.NoError(t, h.m.HandleApprovalCallback(ctx, map[string]interface{}{"sn": sn, "status": string(approval.StatusApproved)}))
	assert.Equal(t, flowStatuses(flows), flowStatuses(h.flows(t, ticket.ID)))
}

func TestExclusionRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.disableApproval(t, builders.TicketMySQLMasterSlaveSwitch)

	t1 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	assert.Equal(t, model.TicketStatusRunning, t1.Status)

	t2 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	assert.Equal(t, model.TicketStatusPending, t2.Status)
	assert.Equal(t, model.ErrCodeAutoExclusive, t2.ErrCode)
	blocked := h.flows(t, t2.ID)[0]
	assert.Equal(t, model.FlowStatusPending, blocked.Status)
	assert.Equal(t, model.ErrCodeAutoExclusive, blocked.ErrCode)
	assert.Equal(t, model.RetryTypeAuto, blocked.RetryType)
	assert.Contains(t, blocked.ErrMsg, "cluster 1")

	admitted, err := h.m.RetryAutoExclusive(ctx)
	require.NoError(t, err)
	assert.Zero(t, admitted)

	require.NoError(t, h.m.RevokeTicket(ctx, t1.ID, "alice"))
	assert.Equal(t, model.TicketStatusRevoked, h.ticket(t, t1.ID).Status)
	assert.Len(t, h.exec.revoked, 1)

	admitted, err = h.m.RetryAutoExclusive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)
	got := h.ticket(t, t2.ID)
	assert.Equal(t, model.TicketStatusRunning, got.Status)
	assert.Empty(t, got.ErrCode)
	assert.Equal(t, model.FlowStatusRunning, h.flows(t, t2.ID)[0].Status)

	open, err := h.store.OperationRecord.ListOpenByClusters(ctx, []uint{1}, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, t2.ID, open[0].TicketID)
}

func TestCompatibleTypesRunTogether(t *testing.T) {
	h := newHarness(t)
	h.disableApproval(t, builders.TicketMySQLMasterSlaveSwitch)
	h.matrix.Allow(builders.TicketMySQLMasterSlaveSwitch, builders.TicketMySQLMasterSlaveSwitch)

	t1 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	t2 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	assert.Equal(t, model.TicketStatusRunning, t1.Status)
	assert.Equal(t, model.TicketStatusRunning, t2.Status)
}

func TestRevokePendingTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.disableApproval(t, builders.TicketMySQLMasterSlaveSwitch)

	h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	t2 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	require.Equal(t, model.TicketStatusPending, t2.Status)

	require.NoError(t, h.m.RevokeTicket(ctx, t2.ID, "alice"))
	got := h.ticket(t, t2.ID)
	assert.Equal(t, model.TicketStatusRevoked, got.Status)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusRevoked}, flowStatuses(h.flows(t, t2.ID)))

	open, err := h.store.OperationRecord.ListOpenByClusters(ctx, []uint{1}, 0)
	require.NoError(t, err)
	for _, r := range open {
		assert.NotEqual(t, t2.ID, r.TicketID)
	}
	todos, err := h.store.Todo.ListOpenByTicket(ctx, t2.ID)
	require.NoError(t, err)
	assert.Empty(t, todos)

	err = h.m.RevokeTicket(ctx, t2.ID, "alice")
	assert.True(t, errno.Is(err, errno.ErrTicketTerminal))
}

func TestResourceReplenish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.pool.SetAvailable(0)

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())
	assert.Equal(t, model.TicketStatusResourceReplenish, ticket.Status)
	assert.Equal(t, model.ErrCodeResourceShortage, ticket.ErrCode)
	todo := h.openTodo(t, ticket.ID)
	assert.Equal(t, model.TodoTypeResourceReplenish, todo.Type)

	err := h.m.ProcessTodo(ctx, todo.ID, model.TodoActionApprove, "alice", nil)
	assert.True(t, errno.Is(err, errno.ErrInvalidAction))

	require.NoError(t, h.m.Callback(ctx, ticket.ID, "alice", map[string]interface{}{
		"hosts": []map[string]interface{}{{"ip": "10.1.1.1", "bk_host_id": 101}},
	}))
	assert.Len(t, h.pool.Imported, 1)

	got := h.ticket(t, ticket.ID)
	assert.Equal(t, model.TicketStatusRunning, got.Status)
	assert.Empty(t, got.ErrCode)
	flows := h.flows(t, ticket.ID)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusSucceeded, model.FlowStatusSucceeded, model.FlowStatusRunning}, flowStatuses(flows))
	_, ok := flows[2].Detail("single_hosts")
	assert.True(t, ok)

	todos, err := h.store.Todo.ListOpenByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Empty(t, todos)
}

func TestResourceReplenishTerminate(t *testing.T) {
	h := newHarness(t)
	h.pool.SetAvailable(0)

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())
	todo := h.openTodo(t, ticket.ID)
	require.NoError(t, h.m.ProcessTodo(context.Background(), todo.ID, model.TodoActionTerminate, "dba1", nil))

	assert.Equal(t, model.TicketStatusTerminated, h.ticket(t, ticket.ID).Status)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusSucceeded, model.FlowStatusTerminated, model.FlowStatusRevoked}, flowStatuses(h.flows(t, ticket.ID)))
}

func TestInnerFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())
	inner := h.flows(t, ticket.ID)[2]

	err := h.m.RetryTicket(ctx, ticket.ID, "alice")
	assert.True(t, errno.Is(err, errno.ErrRetryNotAllowed))

	failure := &model.FlowFailure{FlowID: inner.ID, ActID: "act_42", Message: "install mysql failed", Suggestion: model.SuggestionRetry}
	applied, got, _, err := h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusFailed, failure)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.TicketStatusFailed, got.Status)
	assert.Equal(t, model.ErrCodeInnerFailed, got.ErrCode)

	detail, err := h.m.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Flows[2].Failure)
	assert.Equal(t, "act_42", detail.Flows[2].Failure.ActID)
	assert.Equal(t, model.SuggestionRetry, detail.Flows[2].Failure.Suggestion)

	require.NoError(t, h.m.RetryTicket(ctx, ticket.ID, "alice"))
	assert.Equal(t, []string{inner.FlowObjID}, h.exec.retried)
	retried := h.flows(t, ticket.ID)[2]
	assert.Equal(t, model.FlowStatusRunning, retried.Status)
	assert.Equal(t, model.RetryTypeManual, retried.RetryType)
	assert.Equal(t, inner.FlowObjID, retried.FlowObjID)
	assert.Empty(t, retried.ErrCode)
	assert.Nil(t, manager.FlowFailure(&retried))
	assert.Equal(t, model.TicketStatusRunning, h.ticket(t, ticket.ID).Status)

	_, got, _, err = h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusSucceeded, nil)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusSucceeded, got.Status)
}

func TestFailedTicketKeepsClusterLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.disableApproval(t, builders.TicketMySQLMasterSlaveSwitch)

	t1 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	var inner model.Flow
	for _, f := range h.flows(t, t1.ID) {
		if f.FlowType == model.FlowTypeInner && f.Status == model.FlowStatusRunning {
			inner = f
		}
	}
	require.NotZero(t, inner.ID)

	_, got, _, err := h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusFailed, &model.FlowFailure{FlowID: inner.ID, ActID: "act_1"})
	require.NoError(t, err)
	require.Equal(t, model.TicketStatusFailed, got.Status)

	// 失败单据的操作记录仍占用集群
	open, err := h.store.OperationRecord.ListOpenByClusters(ctx, []uint{1}, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, t1.ID, open[0].TicketID)

	t2 := h.create(t, builders.TicketMySQLMasterSlaveSwitch, switchDetails())
	assert.Equal(t, model.TicketStatusPending, t2.Status)
	assert.Equal(t, model.ErrCodeAutoExclusive, t2.ErrCode)

	// 重试不重新准入，也不新增记录
	require.NoError(t, h.m.RetryTicket(ctx, t1.ID, "alice"))
	assert.Equal(t, model.TicketStatusRunning, h.ticket(t, t1.ID).Status)
	records, err := h.store.OperationRecord.ListByTicket(ctx, t1.ID)
	require.NoError(t, err)
	assert.Len(t, records, len(open))

	require.NoError(t, h.m.RevokeTicket(ctx, t1.ID, "alice"))
	admitted, err := h.m.RetryAutoExclusive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)
	assert.Equal(t, model.TicketStatusRunning, h.ticket(t, t2.ID).Status)
}

func TestPollFinishedPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())
	inner := h.flows(t, ticket.ID)[2]

	h.exec.setState(inner.FlowObjID, model.NodeStatusFinished)
	require.NoError(t, h.m.PollFlow(ctx, inner.ID))
	assert.Equal(t, model.TicketStatusSucceeded, h.ticket(t, ticket.ID).Status)
}

func TestSkipNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())
	inner := h.flows(t, ticket.ID)[2]

	err := h.m.SkipNode(ctx, ticket.ID, inner.ID, "act_3", "alice")
	assert.True(t, errno.Is(err, errno.ErrRetryNotAllowed))

	_, _, _, err = h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusFailed, &model.FlowFailure{FlowID: inner.ID, ActID: "act_3"})
	require.NoError(t, err)
	require.NoError(t, h.m.SkipNode(ctx, ticket.ID, inner.ID, "act_3", "alice"))
	assert.Equal(t, []string{inner.FlowObjID + "/act_3"}, h.exec.skipped)
	assert.Equal(t, model.TicketStatusRunning, h.ticket(t, ticket.ID).Status)
}

func TestTimerFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trigger := fixedNow.Add(time.Hour)

	ticket := h.create(t, builders.TicketMySQLRollbackCluster, rollbackDetails(&trigger))
	todo := h.openTodo(t, ticket.ID)
	require.NoError(t, h.m.ProcessTodo(ctx, todo.ID, model.TodoActionApprove, "dba1", nil))

	flows := h.flows(t, ticket.ID)
	require.Len(t, flows, 4)
	timer := flows[1]
	assert.Equal(t, model.FlowTypeTimer, timer.FlowType)
	assert.Equal(t, model.FlowStatusRunning, timer.Status)

	require.NoError(t, h.m.PollFlow(ctx, timer.ID))
	assert.Equal(t, model.FlowStatusRunning, h.flows(t, ticket.ID)[1].Status)

	h.clock.Add(2 * time.Hour)
	require.NoError(t, h.m.PollFlow(ctx, timer.ID))
	flows = h.flows(t, ticket.ID)
	assert.Equal(t, []model.FlowStatus{model.FlowStatusSucceeded, model.FlowStatusSucceeded, model.FlowStatusRunning, model.FlowStatusPending}, flowStatuses(flows))

	_, _, _, err := h.m.CompleteFlow(ctx, flows[2].ID, model.FlowStatusSucceeded, nil)
	require.NoError(t, err)
	require.NoError(t, h.m.RunNextFlow(ctx, ticket.ID))
	assert.Equal(t, model.TicketStatusSucceeded, h.ticket(t, ticket.ID).Status)
}

func TestTerminateTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLRollbackCluster, rollbackDetails(nil))
	sn := h.flows(t, ticket.ID)[0].FlowObjID

	require.NoError(t, h.m.TerminateTicket(ctx, ticket.ID, "admin", model.ErrCodeExpired, "approval expired"))
	got := h.ticket(t, ticket.ID)
	assert.Equal(t, model.TicketStatusTerminated, got.Status)
	assert.Equal(t, model.ErrCodeExpired, got.ErrCode)
	assert.Contains(t, h.approval.Canceled, sn)

	todos, err := h.m.ListTodos(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, model.TodoStatusDoneFailed, todos[0].Status)
}

func TestRecycleChildTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketRedisClusterShutdown, map[string]interface{}{"cluster_ids": []uint{20}})
	todo := h.openTodo(t, ticket.ID)
	require.NoError(t, h.m.ProcessTodo(ctx, todo.ID, model.TodoActionApprove, "dba1", nil))

	inner := h.flows(t, ticket.ID)[1]
	require.Equal(t, model.FlowStatusRunning, inner.Status)
	_, _, _, err := h.m.CompleteFlow(ctx, inner.ID, model.FlowStatusSucceeded, nil)
	require.NoError(t, err)
	require.NoError(t, h.m.RunNextFlow(ctx, ticket.ID))

	child, err := h.store.Ticket.FindChild(ctx, ticket.ID, builders.TicketRecycleHost)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, model.TicketStatusSucceeded, child.Status)
	assert.Equal(t, 2, h.pool.RecycledCount())

	assert.Equal(t, model.TicketStatusSucceeded, h.ticket(t, ticket.ID).Status)
	recycle := h.flows(t, ticket.ID)[2]
	assert.Equal(t, model.FlowTypeRecycle, recycle.FlowType)
	assert.Equal(t, model.FlowStatusSucceeded, recycle.Status)
}

func TestConcurrentAdvanceKeepsOneRunningFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ticket := h.create(t, builders.TicketMySQLSingleApply, singleApplyDetails())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.m.RunNextFlow(ctx, ticket.ID))
		}()
	}
	wg.Wait()

	running := 0
	for _, f := range h.flows(t, ticket.ID) {
		if f.Status == model.FlowStatusRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
	assert.Len(t, h.exec.submitted, 1)
}
