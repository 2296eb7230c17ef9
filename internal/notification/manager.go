package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var statusTitles = map[model.TicketStatus]string{
	model.TicketStatusPending:           "待执行",
	model.TicketStatusApprove:           "待审批",
	model.TicketStatusRunning:           "执行中",
	model.TicketStatusInnerTodo:         "待确认",
	model.TicketStatusResourceReplenish: "待补货",
	model.TicketStatusFailed:            "执行失败",
	model.TicketStatusSucceeded:         "已完成",
	model.TicketStatusRevoked:           "已撤销",
	model.TicketStatusTerminated:        "已终止",
}

// NotificationManager 通知管理器
type NotificationManager struct {
	store         *repository.Store
	meta          metadata.Client
	platformBizID int64
	ticketURL     string
	limiter       *rate.Limiter

	mu        sync.RWMutex
	notifiers map[string]Notifier
	enabled   bool
}

// NewNotificationManager 创建通知管理器
func NewNotificationManager(store *repository.Store, meta metadata.Client, platformBizID int64, limit rate.Limit, burst int) *NotificationManager {
	if burst <= 0 {
		burst = 1
	}
	return &NotificationManager{
		store:         store,
		meta:          meta,
		platformBizID: platformBizID,
		limiter:       rate.NewLimiter(limit, burst),
		notifiers:     make(map[string]Notifier),
		enabled:       true,
	}
}

// SetTicketURL 设置单据详情地址模板
func (m *NotificationManager) SetTicketURL(tmpl string) {
	m.ticketURL = tmpl
}

// SetEnabled 设置是否启用通知
func (m *NotificationManager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// AddNotifier 添加通知渠道，同名渠道覆盖
func (m *NotificationManager) AddNotifier(notifier Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers[notifier.Channel()] = notifier
}

// GetNotifiersCount 获取通知器数量
func (m *NotificationManager) GetNotifiersCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notifiers)
}

// NotifyTicket 单据状态变更通知
// 渠道优先级：单据自身配置 > 业务配置 > 平台配置
func (m *NotificationManager) NotifyTicket(ctx context.Context, ticket *model.Ticket, status model.TicketStatus) error {
	channels, receivers, err := m.resolve(ctx, ticket, status)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}

	users, err := m.resolveReceivers(ctx, ticket, receivers)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		logger.Warn("[Notification] no receivers resolved", zap.Uint("ticket_id", ticket.ID), zap.String("status", string(status)))
		return nil
	}

	payload := &Payload{
		Title:     fmt.Sprintf("「DBM」单据[%d] %s", ticket.ID, statusTitles[status]),
		Lines:     m.ticketLines(ticket, status),
		Link:      m.link(ticket.ID),
		Receivers: users,
	}
	return m.dispatch(ctx, channels, payload)
}

// NotifyDeadline 单据即将超时提醒
func (m *NotificationManager) NotifyDeadline(ctx context.Context, ticket *model.Ticket, flow *model.Flow, remain time.Duration) error {
	channels, _, err := m.resolve(ctx, ticket, ticket.Status)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		channels = []string{ChannelMail}
	}

	users, err := m.resolveReceivers(ctx, ticket, []string{model.ReceiverCreator, model.ReceiverApprovers})
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	lines := append(m.ticketLines(ticket, ticket.Status),
		Line{Name: "当前流程", Value: string(flow.FlowType)},
		Line{Name: "剩余时间", Value: remain.Round(time.Minute).String()},
	)
	payload := &Payload{
		Title:     fmt.Sprintf("「DBM」单据[%d] 即将超时", ticket.ID),
		Lines:     lines,
		Link:      m.link(ticket.ID),
		Receivers: users,
	}
	return m.dispatch(ctx, channels, payload)
}

// NotifyDelivery 交付通知，发送给申请人和协助人
func (m *NotificationManager) NotifyDelivery(ctx context.Context, ticket *model.Ticket, flow *model.Flow) error {
	channels, _, err := m.resolve(ctx, ticket, model.TicketStatusSucceeded)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		channels = []string{ChannelMail}
	}

	users, err := m.resolveReceivers(ctx, ticket, []string{model.ReceiverCreator, model.ReceiverAssistants})
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return nil
	}

	lines := m.ticketLines(ticket, ticket.Status)
	if desc, ok := flow.Detail("describe"); ok {
		lines = append(lines, Line{Name: "交付内容", Value: fmt.Sprint(desc)})
	}
	payload := &Payload{
		Title:     fmt.Sprintf("「DBM」单据[%d] 已交付", ticket.ID),
		Lines:     lines,
		Link:      m.link(ticket.ID),
		Receivers: users,
	}
	return m.dispatch(ctx, channels, payload)
}

// resolve 解析通知渠道和接收人角色
func (m *NotificationManager) resolve(ctx context.Context, ticket *model.Ticket, status model.TicketStatus) ([]string, []string, error) {
	m.mu.RLock()
	enabled := m.enabled
	m.mu.RUnlock()
	if !enabled {
		return nil, nil, nil
	}

	cfg, err := m.store.Notify.FindConfig(ctx, ticket.BkBizID, m.platformBizID, ticket.TicketType, status)
	if err != nil {
		return nil, nil, err
	}

	var channels, receivers []string
	if cfg != nil && cfg.Enabled {
		channels = cfg.Channels
		receivers = cfg.Receivers
	}

	if msgCfg := ticket.MsgConfig(); msgCfg != nil {
		checked := false
		for _, s := range msgCfg.Checked {
			if s == status {
				checked = true
				break
			}
		}
		if !checked {
			return nil, nil, nil
		}
		channels = msgCfg.MsgType
	}

	if len(receivers) == 0 {
		receivers = []string{model.ReceiverCreator}
	}
	return channels, receivers, nil
}

// resolveReceivers 将接收人角色展开为用户名（去重，保持顺序）
func (m *NotificationManager) resolveReceivers(ctx context.Context, ticket *model.Ticket, roles []string) ([]string, error) {
	var users []string
	seen := make(map[string]bool)
	add := func(names ...string) {
		for _, name := range names {
			if name != "" && !seen[name] {
				seen[name] = true
				users = append(users, name)
			}
		}
	}

	for _, role := range roles {
		switch role {
		case model.ReceiverCreator:
			add(ticket.Creator)
		case model.ReceiverAssistants:
			add(ticket.Helpers...)
		case model.ReceiverApprovers:
			todos, err := m.store.Todo.ListOpenByTicket(ctx, ticket.ID)
			if err != nil {
				return nil, err
			}
			for _, todo := range todos {
				add(todo.Operators...)
			}
		case model.ReceiverDBA:
			if m.meta == nil {
				continue
			}
			dbas, err := m.meta.ListDBAs(ctx, ticket.BkBizID, ticket.Group)
			if err != nil {
				logger.Warn("[Notification] list dba failed", zap.Int64("bk_biz_id", ticket.BkBizID), zap.Error(err))
				continue
			}
			add(dbas...)
		}
	}
	return users, nil
}

// dispatch 逐渠道渲染并发送，单渠道失败不影响其它渠道
func (m *NotificationManager) dispatch(ctx context.Context, channels []string, payload *Payload) error {
	var failed []string
	for _, channel := range channels {
		m.mu.RLock()
		notifier, ok := m.notifiers[channel]
		m.mu.RUnlock()
		if !ok {
			logger.Debug("[Notification] channel not configured, skip", zap.String("channel", channel))
			continue
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		msg := Render(channel, payload)
		if err := notifier.Send(ctx, msg); err != nil {
			metrics.NotificationSentTotal.WithLabelValues(channel, "failed").Inc()
			logger.Error("[Notification] Failed to send notification", zap.String("channel", channel), zap.Error(err))
			failed = append(failed, channel)
			continue
		}
		metrics.NotificationSentTotal.WithLabelValues(channel, "success").Inc()
	}

	if len(failed) > 0 {
		return fmt.Errorf("notification failed on channels: %s", strings.Join(failed, ","))
	}
	return nil
}

func (m *NotificationManager) ticketLines(ticket *model.Ticket, status model.TicketStatus) []Line {
	return []Line{
		{Name: "单据类型", Value: ticket.TicketType},
		{Name: "业务", Value: fmt.Sprintf("%d", ticket.BkBizID)},
		{Name: "申请人", Value: ticket.Creator},
		{Name: "状态", Value: statusTitles[status]},
	}
}

func (m *NotificationManager) link(ticketID uint) string {
	if m.ticketURL == "" {
		return ""
	}
	return fmt.Sprintf(m.ticketURL, ticketID)
}
