// Package approval 外部审批平台（ITSM、飞书审批）
package approval

import (
	"context"
	"sort"
)

// Status 审批单状态
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusCanceled Status = "CANCELED"
)

// IsFinished 审批单是否已结束
func (s Status) IsFinished() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCanceled
}

// Action 审批操作
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Field 审批单展示字段
type Field struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OpenRequest 创建审批单
type OpenRequest struct {
	Title       string   `json:"title"`
	Creator     string   `json:"creator"`
	Approvers   []string `json:"approvers"`
	BkBizID     int64    `json:"bk_biz_id"`
	TicketID    uint     `json:"ticket_id"`
	TicketType  string   `json:"ticket_type"`
	Fields      []Field  `json:"fields"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

// StatusResult 审批单状态
type StatusResult struct {
	Handle   string `json:"handle"`
	Status   Status `json:"status"`
	Operator string `json:"operator"`
	Comment  string `json:"comment"`
}

// Provider 第三方审批平台接口
type Provider interface {
	// GetName 获取平台名称
	GetName() string

	// OpenTicket 创建审批单，返回外部句柄
	OpenTicket(ctx context.Context, req *OpenRequest) (handle string, err error)

	// QueryStatus 查询审批单状态
	QueryStatus(ctx context.Context, handle string) (*StatusResult, error)

	// Cancel 撤销审批单
	Cancel(ctx context.Context, handle, operator string) error

	// ProcessTodo 代替审批人处理审批节点
	ProcessTodo(ctx context.Context, handle string, action Action, operator, remark string) error

	// HandleCallback 解析审批平台回调
	HandleCallback(ctx context.Context, data map[string]interface{}) (*StatusResult, error)
}

// Factory 审批平台工厂
type Factory struct {
	providers map[string]Provider
}

// NewFactory 创建工厂
func NewFactory() *Factory {
	return &Factory{
		providers: make(map[string]Provider),
	}
}

// Register 注册审批平台
func (f *Factory) Register(platform string, provider Provider) {
	f.providers[platform] = provider
}

// GetProvider 获取审批平台
func (f *Factory) GetProvider(platform string) (Provider, bool) {
	provider, ok := f.providers[platform]
	return provider, ok
}

// ListProviders 列出所有注册的平台
func (f *Factory) ListProviders() []string {
	platforms := make([]string, 0, len(f.providers))
	for platform := range f.providers {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}
