package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fisker/dbm-flow/internal/api/handler"
	"github.com/fisker/dbm-flow/internal/api/middleware"
	"github.com/fisker/dbm-flow/internal/api/router"
	"github.com/fisker/dbm-flow/internal/flow/builders"
	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/manager"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/fisker/dbm-flow/internal/workflow"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopExecutor struct{}

func (nopExecutor) Submit(context.Context, *workflow.Pipeline) error { return nil }
func (nopExecutor) Retry(context.Context, string) error              { return nil }
func (nopExecutor) Revoke(context.Context, string) error             { return nil }
func (nopExecutor) SkipNode(context.Context, string, string) error   { return nil }

func (nopExecutor) State(context.Context, string) (model.NodeStatus, error) {
	return model.NodeStatusRunning, nil
}

func (nopExecutor) NodeStates(context.Context, string) ([]model.FlowNode, error) {
	return nil, nil
}

type testServer struct {
	engine   *gin.Engine
	store    *repository.Store
	approval *testutil.FakeApproval
}

func newTestServer(t *testing.T, health router.HealthChecker) *testServer {
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

	reg := registry.New()
	builders.Register(reg, builders.Deps{Meta: meta})
	fa := testutil.NewFakeApproval()
	mgr := manager.New(manager.Options{
		Store:    store,
		Registry: reg,
		Arbiter:  exclusive.NewArbiter(exclusive.NewMatrix(), store.OperationRecord),
		Approval: fa,
		Drivers: driver.Deps{
			Pool:     testutil.NewFakeResourcePool(10),
			Executor: nopExecutor{},
			Meta:     meta,
		},
		SystemUser: "admin",
	})

	engine := router.Setup(handler.NewTicketHandler(mgr), handler.NewApprovalCallbackHandler(mgr), health, gin.TestMode)
	return &testServer{engine: engine, store: store, approval: fa}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.OperatorHeader, user)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var resp envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func rollbackRequest() map[string]interface{} {
	return map[string]interface{}{
		"ticket_type": builders.TicketMySQLRollbackCluster,
		"bk_biz_id":   100,
		"details": map[string]interface{}{
			"cluster_id": 1, "target_cluster_id": 2,
			"rollback_time": time.Now().Add(-time.Hour), "databases": []string{"db1"},
		},
	}
}

func (s *testServer) createRollback(t *testing.T) model.Ticket {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/tickets", "alice", rollbackRequest())
	require.Equal(t, http.StatusOK, code, resp.Message)
	var ticket model.Ticket
	require.NoError(t, json.Unmarshal(resp.Data, &ticket))
	return ticket
}

func (s *testServer) openTodo(t *testing.T, ticketID uint) model.Todo {
	t.Helper()
	todos, err := s.store.Todo.ListOpenByTicket(context.Background(), ticketID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	return todos[0]
}

func TestCreateAndGetTicket(t *testing.T) {
	s := newTestServer(t, nil)

	ticket := s.createRollback(t)
	assert.Equal(t, "alice", ticket.Creator)
	assert.Equal(t, model.TicketStatusApprove, ticket.Status)

	code, resp := s.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d", ticket.ID), "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var detail manager.TicketDetail
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, ticket.ID, detail.ID)
	require.NotEmpty(t, detail.Flows)
	assert.Equal(t, model.FlowTypeITSM, detail.Flows[0].FlowType)
	assert.Len(t, detail.Todos, 1)

	code, resp = s.do(t, http.MethodGet, fmt.Sprintf("/api/tickets/%d/flows", ticket.ID), "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var flows []manager.FlowView
	require.NoError(t, json.Unmarshal(resp.Data, &flows))
	assert.Len(t, flows, len(detail.Flows))

	code, resp = s.do(t, http.MethodGet, "/api/tickets?ticket_type="+builders.TicketMySQLRollbackCluster, "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var page model.PaginatedResponse
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.EqualValues(t, 1, page.Total)
}

func TestOperatorRequired(t *testing.T) {
	s := newTestServer(t, nil)
	code, _ := s.do(t, http.MethodPost, "/api/tickets", "", rollbackRequest())
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateTicketErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body map[string]interface{}
		code int
	}{
		{
			name: "缺少单据类型",
			body: map[string]interface{}{"details": map[string]interface{}{}},
			code: http.StatusBadRequest,
		},
		{
			name: "未知单据类型",
			body: map[string]interface{}{"ticket_type": "NO_SUCH_TYPE", "details": map[string]interface{}{}},
			code: http.StatusBadRequest,
		},
		{
			name: "详情校验失败",
			body: map[string]interface{}{
				"ticket_type": builders.TicketMySQLRollbackCluster,
				"details":     map[string]interface{}{"target_cluster_id": 2},
			},
			code: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := s.do(t, http.MethodPost, "/api/tickets", "alice", tt.body)
			assert.Equal(t, tt.code, code)
		})
	}

	var count int64
	require.NoError(t, s.store.DB().Model(&model.Ticket{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestValidationErrorCarriesFieldPath(t *testing.T) {
	s := newTestServer(t, nil)
	body := map[string]interface{}{
		"ticket_type": builders.TicketMySQLRollbackCluster,
		"details":     map[string]interface{}{"target_cluster_id": 2, "databases": []string{"db1"}},
	}
	code, resp := s.do(t, http.MethodPost, "/api/tickets", "alice", body)
	require.Equal(t, http.StatusBadRequest, code)

	var data struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.NotEmpty(t, data.Fields)
	assert.Contains(t, resp.Message, "details.")
}

func TestTicketNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	for _, path := range []string{"/api/tickets/999", "/api/tickets/999/flows", "/api/tickets/999/todos", "/api/tickets/999/nodes"} {
		code, _ := s.do(t, http.MethodGet, path, "alice", nil)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
	code, _ := s.do(t, http.MethodPost, "/api/tickets/999/revoke", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/api/tickets/abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProcessTodo(t *testing.T) {
	s := newTestServer(t, nil)
	ticket := s.createRollback(t)
	todo := s.openTodo(t, ticket.ID)
	path := fmt.Sprintf("/api/tickets/%d/todos/%d/process", ticket.ID, todo.ID)

	code, _ := s.do(t, http.MethodPost, path, "dba1", map[string]interface{}{"action": "JUMP"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, path, "mallory", map[string]interface{}{"action": "APPROVE"})
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := s.do(t, http.MethodPost, path, "dba1", map[string]interface{}{"action": "APPROVE"})
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, _ = s.do(t, http.MethodPost, path, "dba1", map[string]interface{}{"action": "APPROVE"})
	assert.Equal(t, http.StatusConflict, code)

	other := s.createRollback(t)
	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/todos/%d/process", other.ID, todo.ID), "dba1",
		map[string]interface{}{"action": "APPROVE"})
	assert.Equal(t, http.StatusNotFound, code, "todo belongs to another ticket")
}

func TestBatchProcessTodos(t *testing.T) {
	s := newTestServer(t, nil)
	first := s.createRollback(t)
	second := s.createRollback(t)
	t1 := s.openTodo(t, first.ID)
	t2 := s.openTodo(t, second.ID)

	body := map[string]interface{}{
		"operations": []map[string]interface{}{
			{"todo_id": t1.ID, "action": "APPROVE"},
			{"todo_id": t2.ID, "action": "TERMINATE", "params": map[string]interface{}{"remark": "no"}},
			{"todo_id": 999, "action": "APPROVE"},
		},
	}
	code, resp := s.do(t, http.MethodPost, "/api/tickets/approvals/batch", "dba1", body)
	require.Equal(t, http.StatusOK, code)

	var results []manager.TodoOperationResult
	require.NoError(t, json.Unmarshal(resp.Data, &results))
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[2].Error)

	got, err := s.store.Ticket.GetByID(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusTerminated, got.Status)
}

func TestRevokeAndRetry(t *testing.T) {
	s := newTestServer(t, nil)
	ticket := s.createRollback(t)

	code, _ := s.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/retry", ticket.ID), "alice", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/revoke", ticket.ID), "alice", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, fmt.Sprintf("/api/tickets/%d/revoke", ticket.ID), "alice", nil)
	assert.Equal(t, http.StatusConflict, code)

	got, err := s.store.Ticket.GetByID(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusRevoked, got.Status)
}

func TestApprovalCallbacks(t *testing.T) {
	s := newTestServer(t, nil)
	ticket := s.createRollback(t)
	flows, err := s.store.Flow.ListByTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	sn := flows[0].FlowObjID

	code, _ := s.do(t, http.MethodPost, "/api/approvals/feishu/callback", "", map[string]interface{}{
		"header": map[string]interface{}{"event_type": "approval_instance"},
		"event":  map[string]interface{}{"instance_code": sn, "status": "APPROVED"},
	})
	assert.Equal(t, http.StatusNotFound, code, "feishu is not the enabled platform")

	code, _ = s.do(t, http.MethodPost, "/api/approvals/feishu/callback", "", map[string]interface{}{
		"type": "url_verification", "challenge": "abc",
	})
	require.Equal(t, http.StatusOK, code)

	code, resp := s.do(t, http.MethodPost, "/api/approvals/itsm/callback", "", map[string]interface{}{"sn": sn, "status": "APPROVED"})
	require.Equal(t, http.StatusOK, code, resp.Message)

	flows, err = s.store.Flow.ListByTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusSucceeded, flows[0].Status)

	code, _ = s.do(t, http.MethodPost, "/api/approvals/itsm/callback", "", map[string]interface{}{"sn": "SN404", "status": "APPROVED"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	code, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dbm_api_requests_total")

	unhealthy := newTestServer(t, func(context.Context) error { return errors.New("database is down") })
	code, _ = unhealthy.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
