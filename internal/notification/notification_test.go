package notification_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/notification"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
)

func newManager(t *testing.T) (*notification.NotificationManager, *repository.Store, *testutil.RecordingNotifier) {
	store := repository.NewStore(testutil.NewTestDB(t))
	meta := testutil.NewFakeMetadata()
	meta.DBAs["mysql"] = []string{"dba1", "dba2"}

	nm := notification.NewNotificationManager(store, meta, 0, rate.Inf, 1)
	mail := testutil.NewRecordingNotifier(notification.ChannelMail)
	nm.AddNotifier(mail)
	return nm, store, mail
}

func TestNotifyTicketDefaultConfig(t *testing.T) {
	nm, store, mail := newManager(t)
	ctx := context.Background()

	ticket := &model.Ticket{TicketType: "MYSQL_SINGLE_APPLY", Creator: "alice", BkBizID: 3, Group: "mysql", Status: model.TicketStatusTerminated}
	require.NoError(t, store.Ticket.Create(ctx, ticket))

	require.NoError(t, nm.NotifyTicket(ctx, ticket, model.TicketStatusTerminated))
	msgs := mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice"}, msgs[0].Receivers)
	assert.Contains(t, msgs[0].Title, "已终止")
	assert.True(t, strings.HasPrefix(msgs[0].Content, "<table>"))

	// RUNNING 没有平台默认配置
	require.NoError(t, nm.NotifyTicket(ctx, ticket, model.TicketStatusRunning))
	assert.Len(t, mail.Messages(), 1)
}

func TestNotifyTicketReceivers(t *testing.T) {
	nm, store, mail := newManager(t)
	ctx := context.Background()

	ticket := &model.Ticket{TicketType: "MYSQL_SINGLE_APPLY", Creator: "alice", BkBizID: 3, Group: "mysql", Helpers: model.StringArray{"bob", "alice"}}
	require.NoError(t, store.Ticket.Create(ctx, ticket))

	// 业务级配置覆盖平台配置
	require.NoError(t, store.Notify.SaveConfig(ctx, &model.NotifyConfig{
		BkBizID: 3, Status: model.TicketStatusFailed, Enabled: true,
		Channels:  model.StringArray{"mail"},
		Receivers: model.StringArray{model.ReceiverCreator, model.ReceiverAssistants, model.ReceiverDBA},
	}))

	require.NoError(t, nm.NotifyTicket(ctx, ticket, model.TicketStatusFailed))
	msgs := mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice", "bob", "dba1", "dba2"}, msgs[0].Receivers)
}

func TestNotifyTicketSendMsgConfig(t *testing.T) {
	nm, store, mail := newManager(t)
	ctx := context.Background()
	wecom := testutil.NewRecordingNotifier(notification.ChannelWeComRobot)
	nm.AddNotifier(wecom)

	cfg, _ := json.Marshal(model.TicketSendMsgConfig{
		Checked: []model.TicketStatus{model.TicketStatusSucceeded},
		MsgType: []string{notification.ChannelWeComRobot},
	})
	ticket := &model.Ticket{TicketType: "MYSQL_SINGLE_APPLY", Creator: "alice", BkBizID: 3, SendMsgConfig: datatypes.JSON(cfg)}
	require.NoError(t, store.Ticket.Create(ctx, ticket))

	require.NoError(t, nm.NotifyTicket(ctx, ticket, model.TicketStatusTerminated))
	require.NoError(t, nm.NotifyTicket(ctx, ticket, model.TicketStatusSucceeded))

	assert.Empty(t, mail.Messages())
	msgs := wecom.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "<@alice>")
}

func TestNotifyDeadline(t *testing.T) {
	nm, store, mail := newManager(t)
	ctx := context.Background()

	ticket := &model.Ticket{TicketType: "MYSQL_MASTER_SLAVE_SWITCH", Creator: "alice", BkBizID: 3, Status: model.TicketStatusApprove}
	require.NoError(t, store.Ticket.Create(ctx, ticket))
	flow := &model.Flow{TicketID: ticket.ID, FlowType: model.FlowTypePause, Status: model.FlowStatusRunning}
	require.NoError(t, store.Flow.CreateBatch(ctx, []*model.Flow{flow}))
	require.NoError(t, store.Todo.Create(ctx, &model.Todo{
		TicketID: ticket.ID, FlowID: flow.ID, Type: model.TodoTypeApprove,
		Operators: model.StringArray{"leader"}, Status: model.TodoStatusTodo,
	}))

	require.NoError(t, nm.NotifyDeadline(ctx, ticket, flow, 3*time.Hour))
	msgs := mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice", "leader"}, msgs[0].Receivers)
	assert.Contains(t, msgs[0].Title, "即将超时")
}

func TestNotifyDelivery(t *testing.T) {
	nm, store, mail := newManager(t)
	ctx := context.Background()

	ticket := &model.Ticket{
		TicketType: "MYSQL_ROLLBACK_CLUSTER", Creator: "alice", BkBizID: 3,
		Helpers: model.StringArray{"bob", "alice"}, Status: model.TicketStatusRunning,
	}
	require.NoError(t, store.Ticket.Create(ctx, ticket))
	flow := &model.Flow{TicketID: ticket.ID, FlowType: model.FlowTypeDelivery, Status: model.FlowStatusRunning}
	flow.SetDetail("describe", "回档到集群 2")

	require.NoError(t, nm.NotifyDelivery(ctx, ticket, flow))
	msgs := mail.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice", "bob"}, msgs[0].Receivers)
	assert.Contains(t, msgs[0].Title, "已交付")
	assert.Contains(t, msgs[0].Content, "回档到集群 2")
}

func TestRender(t *testing.T) {
	p := &notification.Payload{
		Title:     "单据[1] 已完成",
		Lines:     []notification.Line{{Name: "申请人", Value: "<alice>"}},
		Link:      "http://dbm/ticket/1",
		Receivers: []string{"alice"},
	}

	tests := []struct {
		name    string
		channel string
		check   func(t *testing.T, msg *notification.Message)
	}{
		{"邮件转义HTML", notification.ChannelMail, func(t *testing.T, msg *notification.Message) {
			assert.Contains(t, msg.Content, "&lt;alice&gt;")
			assert.Contains(t, msg.Content, `<a href="http://dbm/ticket/1">`)
		}},
		{"短信合并标题", notification.ChannelSMS, func(t *testing.T, msg *notification.Message) {
			assert.Empty(t, msg.Title)
			assert.Equal(t, "【DBM】单据[1] 已完成，申请人:<alice>", msg.Content)
		}},
		{"飞书@提醒", notification.ChannelFeishuRobot, func(t *testing.T, msg *notification.Message) {
			assert.Contains(t, msg.Content, "<at id=alice></at>")
		}},
		{"钉钉@提醒", notification.ChannelDingTalkRobot, func(t *testing.T, msg *notification.Message) {
			assert.Contains(t, msg.Content, "@alice")
		}},
		{"语音只读标题", notification.ChannelVoice, func(t *testing.T, msg *notification.Message) {
			assert.Equal(t, p.Title, msg.Content)
		}},
		{"RTX纯文本", notification.ChannelRTX, func(t *testing.T, msg *notification.Message) {
			assert.Equal(t, "申请人: <alice>\nhttp://dbm/ticket/1", msg.Content)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := notification.Render(tt.channel, p)
			assert.Equal(t, tt.channel, msg.Channel)
			tt.check(t, msg)
		})
	}
}

func TestDingTalkNotifierSend(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("sign"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notification.NewDingTalkNotifier(srv.URL+"/robot/send?access_token=x", "secret")
	err := n.Send(context.Background(), &notification.Message{Title: "t", Content: "c", Receivers: []string{"alice"}})
	require.NoError(t, err)

	at := body["at"].(map[string]interface{})
	assert.Equal(t, []interface{}{"alice"}, at["atUserIds"])
}

func TestFeishuNotifierErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 19021, "msg": "sign match fail"})
	}))
	defer srv.Close()

	n := notification.NewFeishuNotifier(srv.URL, "secret")
	err := n.Send(context.Background(), &notification.Message{Title: "t", Content: "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "19021")
}
