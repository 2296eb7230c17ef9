package repository_test

import (
	"context"
	"testing"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *repository.Store {
	return repository.NewStore(testutil.NewTestDB(t))
}

func createTicket(t *testing.T, s *repository.Store, ticketType string, status model.TicketStatus) *model.Ticket {
	t.Helper()
	ticket := &model.Ticket{TicketType: ticketType, Creator: "admin", BkBizID: 3, Status: status}
	require.NoError(t, s.Ticket.Create(context.Background(), ticket))
	return ticket
}

func TestOperationRecordOpenFollowsTicketStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	running := createTicket(t, s, "MYSQL_MASTER_SLAVE_SWITCH", model.TicketStatusRunning)
	failed := createTicket(t, s, "MYSQL_ROLLBACK_CLUSTER", model.TicketStatusFailed)
	done := createTicket(t, s, "REDIS_CLUSTER_SHUTDOWN", model.TicketStatusSucceeded)
	candidate := createTicket(t, s, "MYSQL_DATA_REPAIR", model.TicketStatusPending)

	for _, tk := range []*model.Ticket{running, failed, done} {
		require.NoError(t, s.OperationRecord.Append(ctx, []model.OperationRecord{
			{TicketID: tk.ID, FlowID: 1, ClusterID: 10, TicketType: tk.TicketType},
		}))
	}
	// 重复追加被忽略
	require.NoError(t, s.OperationRecord.Append(ctx, []model.OperationRecord{
		{TicketID: running.ID, FlowID: 1, ClusterID: 10, TicketType: running.TicketType},
	}))

	records, err := s.OperationRecord.ListOpenByClusters(ctx, []uint{10, 11}, candidate.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, running.ID, records[0].TicketID)
	assert.Equal(t, model.TicketStatusRunning, records[0].TicketStatus)
	assert.Equal(t, failed.ID, records[1].TicketID)

	// 候选单据自己的记录不参与判断
	records, err = s.OperationRecord.ListOpenByClusters(ctx, []uint{10}, running.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFlowConfigResolve(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	yes, no := true, false
	platform := &model.TicketFlowsConfig{TicketType: "MYSQL_SINGLE_APPLY", BkBizID: 0}
	require.NoError(t, platform.SetConfigs(&model.FlowsConfigs{NeedITSM: &yes, ExpireConfig: &model.ExpireConfig{ITSMDays: 1}}))
	require.NoError(t, s.FlowConfig.Upsert(ctx, platform))

	biz := &model.TicketFlowsConfig{TicketType: "MYSQL_SINGLE_APPLY", BkBizID: 3}
	require.NoError(t, biz.SetConfigs(&model.FlowsConfigs{NeedITSM: &no}))
	require.NoError(t, s.FlowConfig.Upsert(ctx, biz))

	tests := []struct {
		name     string
		bizID    int64
		needITSM bool
		itsmDays int
	}{
		{"业务配置覆盖平台配置", 3, false, 1},
		{"无业务配置使用平台配置", 4, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := s.FlowConfig.Resolve(ctx, "MYSQL_SINGLE_APPLY", tt.bizID, 0, model.ResolvedFlowsConfig{Expire: model.DefaultExpireConfig})
			require.NoError(t, err)
			assert.Equal(t, tt.needITSM, resolved.NeedITSM)
			assert.Equal(t, tt.itsmDays, resolved.Expire.ITSMDays)
		})
	}

	// 再次 upsert 覆盖原有配置
	require.NoError(t, biz.SetConfigs(&model.FlowsConfigs{NeedITSM: &yes}))
	require.NoError(t, s.FlowConfig.Upsert(ctx, &model.TicketFlowsConfig{TicketType: "MYSQL_SINGLE_APPLY", BkBizID: 3, Configs: biz.Configs}))
	resolved, err := s.FlowConfig.Resolve(ctx, "MYSQL_SINGLE_APPLY", 3, 0, model.ResolvedFlowsConfig{})
	require.NoError(t, err)
	assert.True(t, resolved.NeedITSM)
}

func TestRecordNoticeOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	inserted, err := s.Notify.RecordNotice(ctx, &model.NoticeRecord{FlowID: 7, Kind: "expire", AheadOf: "3h0m0s", TicketID: 1})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Notify.RecordNotice(ctx, &model.NoticeRecord{FlowID: 7, Kind: "expire", AheadOf: "3h0m0s", TicketID: 1})
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := s.Notify.CountNotices(ctx, 7, "expire")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestNotifyConfigPriority(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// 平台默认配置由迁移写入
	cfg, err := s.Notify.FindConfig(ctx, 3, 0, "MYSQL_SINGLE_APPLY", model.TicketStatusTerminated)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, model.StringArray{"mail"}, cfg.Channels)

	require.NoError(t, s.Notify.SaveConfig(ctx, &model.NotifyConfig{
		BkBizID: 3, Status: model.TicketStatusTerminated, Channels: model.StringArray{"sms"}, Receivers: model.StringArray{model.ReceiverDBA}, Enabled: true,
	}))
	cfg, err = s.Notify.FindConfig(ctx, 3, 0, "MYSQL_SINGLE_APPLY", model.TicketStatusTerminated)
	require.NoError(t, err)
	assert.Equal(t, model.StringArray{"sms"}, cfg.Channels)
}

func TestTicketTransactionAndLock(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ticket := createTicket(t, s, "MYSQL_SINGLE_APPLY", model.TicketStatusPending)

	err := s.Transaction(ctx, func(tx *repository.Store) error {
		locked, err := tx.Ticket.LockByID(ctx, ticket.ID)
		if err != nil {
			return err
		}
		flows := []*model.Flow{
			{TicketID: locked.ID, FlowOrder: 1, FlowType: model.FlowTypeDescribeTask, Status: model.FlowStatusPending},
			{TicketID: locked.ID, FlowOrder: 2, FlowType: model.FlowTypeInner, Status: model.FlowStatusPending},
		}
		if err := tx.Flow.CreateBatch(ctx, flows); err != nil {
			return err
		}
		return tx.Ticket.UpdateStatus(ctx, locked.ID, model.TicketStatusSucceeded, "admin")
	})
	require.NoError(t, err)

	got, err := s.Ticket.GetByID(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusSucceeded, got.Status)
	assert.NotNil(t, got.FinishedAt)

	flows, err := s.Flow.ListByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, model.FlowTypeDescribeTask, flows[0].FlowType)

	_, err = s.Ticket.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, errno.ErrTicketNotFound)
}

func TestTodoClose(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	ticket := createTicket(t, s, "MYSQL_MASTER_SLAVE_SWITCH", model.TicketStatusApprove)

	todo := &model.Todo{TicketID: ticket.ID, FlowID: 1, Type: model.TodoTypeApprove, Operators: model.StringArray{"admin"}, Status: model.TodoStatusTodo}
	require.NoError(t, s.Todo.Create(ctx, todo))

	open, err := s.Todo.ListOpenByTicket(ctx, ticket.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.StringArray{"admin"}, open[0].Operators)

	n, err := s.Todo.CloseOpenByTicket(ctx, ticket.ID, model.TodoStatusDoneFailed, "system")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Todo.GetByID(ctx, todo.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TodoStatusDoneFailed, got.Status)
	assert.False(t, got.IsOpen())
}
