// Package manager 单据流程状态机：创建、推进、撤销、重试与待办处理
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/flow/driver"
	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/exclusive"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultMaxAdvanceSteps = 32

// TicketNotifier 单据状态变更通知
type TicketNotifier interface {
	NotifyTicket(ctx context.Context, ticket *model.Ticket, status model.TicketStatus) error
}

// Options 管理器依赖
type Options struct {
	Store    *repository.Store
	Registry *registry.Registry
	Arbiter  *exclusive.Arbiter
	Notifier TicketNotifier
	Approval approval.Provider
	Locker   *Locker
	// Drivers 驱动依赖，Store、Approval 为空时使用管理器的
	Drivers driver.Deps

	PlatformBizID     int64
	SystemUser        string
	MaxAdvanceSteps   int
	RecycleTicketType string
	Now               func() time.Time
}

// Manager 单据流程管理器
type Manager struct {
	store    *repository.Store
	registry *registry.Registry
	arbiter  *exclusive.Arbiter
	notifier TicketNotifier
	approval approval.Provider
	locker   *Locker
	drivers  driver.Table

	platformBizID int64
	systemUser    string
	maxSteps      int
	recycleType   string
	now           func() time.Time
}

// New 创建管理器
func New(opts Options) *Manager {
	m := &Manager{
		store:         opts.Store,
		registry:      opts.Registry,
		arbiter:       opts.Arbiter,
		notifier:      opts.Notifier,
		approval:      opts.Approval,
		locker:        opts.Locker,
		platformBizID: opts.PlatformBizID,
		systemUser:    opts.SystemUser,
		maxSteps:      opts.MaxAdvanceSteps,
		recycleType:   opts.RecycleTicketType,
		now:           opts.Now,
	}
	if m.locker == nil {
		m.locker = NewLocker()
	}
	if m.maxSteps <= 0 {
		m.maxSteps = defaultMaxAdvanceSteps
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.systemUser == "" {
		m.systemUser = "admin"
	}

	deps := opts.Drivers
	if deps.Store == nil {
		deps.Store = opts.Store
	}
	if deps.Approval == nil {
		deps.Approval = opts.Approval
	}
	if deps.Now == nil {
		deps.Now = m.now
	}
	if deps.SystemUser == "" {
		deps.SystemUser = m.systemUser
	}
	deps.Spawn = m.spawnRecycle
	deps.ChildType = m.recycleType
	m.drivers = driver.Default(deps)
	return m
}

// SetDriver 替换流程类型的驱动
func (m *Manager) SetDriver(d driver.Driver) {
	m.drivers[d.FlowType()] = d
}

// SystemUser 系统用户
func (m *Manager) SystemUser() string {
	return m.systemUser
}

// ApprovalPlatform 当前审批平台名称，未配置时为空
func (m *Manager) ApprovalPlatform() string {
	if m.approval == nil {
		return ""
	}
	return m.approval.GetName()
}

// Registry 单据类型注册表
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// CreateRequest 创建单据
type CreateRequest struct {
	TicketType    string                     `json:"ticket_type" binding:"required"`
	BkBizID       int64                      `json:"bk_biz_id"`
	Creator       string                     `json:"-"`
	Remark        string                     `json:"remark"`
	Details       json.RawMessage            `json:"details"`
	Helpers       []string                   `json:"helpers"`
	SendMsgConfig *model.TicketSendMsgConfig `json:"send_msg_config,omitempty"`
	ParentID      uint                       `json:"-"`
}

// CreateTicket 校验、生成流程并开始推进
// 校验失败时不落库
func (m *Manager) CreateTicket(ctx context.Context, req *CreateRequest) (*model.Ticket, error) {
	ticket, err := m.createTicket(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.RunNextFlow(ctx, ticket.ID); err != nil {
		logger.Error("[Manager] advance new ticket failed", zap.Uint("ticket_id", ticket.ID), zap.Error(err))
	}
	return m.store.Ticket.GetByID(ctx, ticket.ID)
}

// BatchCreate 批量创建，全部校验通过后才落库
func (m *Manager) BatchCreate(ctx context.Context, reqs []*CreateRequest) ([]*model.Ticket, error) {
	for i, req := range reqs {
		if _, _, _, err := m.prepare(ctx, req); err != nil {
			logger.Warn("[Manager] batch create rejected", zap.Int("index", i), zap.Error(err))
			if errno.IsValidation(err) {
				return nil, errno.WithFieldPrefix(fmt.Sprintf("tickets[%d].", i), err)
			}
			return nil, errors.Annotatef(err, "tickets[%d]", i)
		}
	}

	tickets := make([]*model.Ticket, len(reqs))
	for i, req := range reqs {
		ticket, err := m.createTicket(ctx, req)
		if err != nil {
			return nil, errors.Annotatef(err, "tickets[%d]", i)
		}
		tickets[i] = ticket
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ticket := range tickets {
		id := ticket.ID
		g.Go(func() error {
			if err := m.RunNextFlow(gctx, id); err != nil {
				logger.Error("[Manager] advance new ticket failed", zap.Uint("ticket_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, ticket := range tickets {
		fresh, err := m.store.Ticket.GetByID(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		tickets[i] = fresh
	}
	return tickets, nil
}

// prepare 校验并生成待落库的单据与流程
func (m *Manager) prepare(ctx context.Context, req *CreateRequest) (*model.Ticket, []*model.Flow, registry.Builder, error) {
	b, err := m.registry.Get(req.TicketType)
	if err != nil {
		return nil, nil, nil, err
	}
	attrs := b.Attrs()
	ticket := &model.Ticket{
		TicketType: req.TicketType,
		Creator:    req.Creator,
		Updater:    req.Creator,
		BkBizID:    req.BkBizID,
		Group:      attrs.Group,
		Status:     model.TicketStatusPending,
		Details:    []byte(req.Details),
		Remark:     req.Remark,
		Helpers:    req.Helpers,
		ParentID:   req.ParentID,
	}
	if req.SendMsgConfig != nil {
		raw, err := json.Marshal(req.SendMsgConfig)
		if err != nil {
			return nil, nil, nil, errno.NewValidationError("send_msg_config", "%v", err)
		}
		ticket.SendMsgConfig = raw
	}

	details, err := m.registry.Validate(ctx, b, ticket)
	if err != nil {
		return nil, nil, nil, err
	}
	ticket.ClusterIDs = b.Clusters(details)

	cfg, err := m.store.FlowConfig.Resolve(ctx, req.TicketType, req.BkBizID, m.platformBizID, registry.DefaultFlowsConfig(attrs))
	if err != nil {
		return nil, nil, nil, err
	}
	flows, err := registry.BuildFlowPlan(ctx, b, ticket, details, cfg)
	if err != nil {
		return nil, nil, nil, errors.Annotate(err, "build flow plan")
	}
	return ticket, flows, b, nil
}

func (m *Manager) createTicket(ctx context.Context, req *CreateRequest) (*model.Ticket, error) {
	ticket, flows, _, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	err = m.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Ticket.Create(ctx, ticket); err != nil {
			return err
		}
		for _, f := range flows {
			f.TicketID = ticket.ID
		}
		return tx.Flow.CreateBatch(ctx, flows)
	})
	if err != nil {
		return nil, errors.Annotate(err, "persist ticket")
	}

	metrics.TicketCreatedTotal.WithLabelValues(ticket.TicketType).Inc()
	logger.Info("[Manager] ticket created",
		zap.Uint("ticket_id", ticket.ID),
		zap.String("ticket_type", ticket.TicketType),
		zap.Int64("bk_biz_id", ticket.BkBizID),
		zap.Int("flows", len(flows)))
	return ticket, nil
}

// spawnRecycle 生成主机回收子单据，由父单据推进结束后再推进子单据
func (m *Manager) spawnRecycle(ctx context.Context, parent *model.Ticket, _ *model.Flow, hosts []resourcepool.Host) (*model.Ticket, error) {
	details, err := json.Marshal(map[string]interface{}{
		"parent_ticket_id": parent.ID,
		"hosts":            hosts,
	})
	if err != nil {
		return nil, err
	}
	return m.createTicket(ctx, &CreateRequest{
		TicketType: m.recycleType,
		BkBizID:    parent.BkBizID,
		Creator:    parent.Creator,
		Remark:     "主机回收",
		Details:    details,
		Helpers:    parent.Helpers,
		ParentID:   parent.ID,
	})
}

// load 单据的类型定义与 details
func (m *Manager) load(ticket *model.Ticket) (registry.Builder, interface{}, error) {
	b, err := m.registry.Get(ticket.TicketType)
	if err != nil {
		return nil, nil, err
	}
	details, err := m.registry.DecodeDetails(b, ticket.Details)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "ticket %d details", ticket.ID)
	}
	return b, details, nil
}

func (m *Manager) env(ticket *model.Ticket, flow *model.Flow, operator string) (*driver.Env, driver.Driver, error) {
	b, details, err := m.load(ticket)
	if err != nil {
		return nil, nil, err
	}
	drv, err := m.drivers.Get(flow.FlowType)
	if err != nil {
		return nil, nil, err
	}
	if operator == "" {
		operator = m.systemUser
	}
	return &driver.Env{Ticket: ticket, Flow: flow, Builder: b, Details: details, Operator: operator}, drv, nil
}

// withTicket 在单据锁内执行 fn，锁释放后投递 outbox
func (m *Manager) withTicket(ctx context.Context, ticketID uint, fn func(ob *outbox) error) error {
	ob := &outbox{}
	unlock, err := m.locker.Lock(ctx, ticketID)
	if err != nil {
		return errors.Annotatef(err, "lock ticket %d", ticketID)
	}
	err = fn(ob)
	unlock()
	m.flush(ctx, ob)
	return err
}

// outbox 锁外执行的后续动作
type outbox struct {
	notices []notice
	// runs 需要推进的子单据
	runs []uint
	// parents 子单据结束后需要唤醒的父单据
	parents []uint
}

type notice struct {
	ticket model.Ticket
	status model.TicketStatus
}

func (m *Manager) flush(ctx context.Context, ob *outbox) {
	for _, n := range ob.notices {
		if n.status.IsTerminal() {
			metrics.TicketFinishedTotal.WithLabelValues(n.ticket.TicketType, string(n.status)).Inc()
		}
		if m.notifier == nil {
			continue
		}
		t := n.ticket
		if err := m.notifier.NotifyTicket(ctx, &t, n.status); err != nil {
			logger.Warn("[Manager] notify ticket failed", zap.Uint("ticket_id", t.ID), zap.String("status", string(n.status)), zap.Error(err))
		}
	}
	for _, id := range ob.runs {
		if err := m.RunNextFlow(ctx, id); err != nil {
			logger.Error("[Manager] advance child ticket failed", zap.Uint("ticket_id", id), zap.Error(err))
		}
	}
	for _, id := range ob.parents {
		if err := m.wakeParent(ctx, id); err != nil {
			logger.Error("[Manager] wake parent ticket failed", zap.Uint("ticket_id", id), zap.Error(err))
		}
	}
}

// wakeParent 子单据结束后查询父单据的回收流程
func (m *Manager) wakeParent(ctx context.Context, parentID uint) error {
	flows, err := m.store.Flow.ListByTicket(ctx, parentID)
	if err != nil {
		return err
	}
	for _, f := range flows {
		if f.FlowType == model.FlowTypeRecycle && f.Status == model.FlowStatusRunning {
			return m.PollFlow(ctx, f.ID)
		}
	}
	return nil
}
