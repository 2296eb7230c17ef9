// Package registry 单据类型注册：参数校验、流程编排、资源申请与任务流构造
package registry

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/fisker/dbm-flow/internal/workflow"
)

// Attrs 单据类型属性
type Attrs struct {
	Group             string
	NeedITSM          bool
	NeedManualConfirm bool
	// IsApply 第一个内部流程前插入资源申请
	IsApply bool
	// IsRecycle 结束前生成主机回收子单据
	IsRecycle bool
	// NeedDelivery 追加交付流程
	NeedDelivery bool
	// PlatformExclusive 平台级单据之间互斥
	PlatformExclusive bool
}

// FlowSpec 待创建的流程
type FlowSpec struct {
	FlowType model.FlowType
	Alias    string
	Details  map[string]interface{}
}

// Builder 单据类型定义
type Builder interface {
	TicketType() string
	Attrs() Attrs
	// NewDetails 返回 details 结构体指针，用于解码和校验
	NewDetails() interface{}
	// Validate 跨字段校验，结构体 tag 校验已由注册表完成
	Validate(ctx context.Context, ticket *model.Ticket, details interface{}) error
	// Clusters 单据涉及的集群
	Clusters(details interface{}) []uint
	// FlowPlan 单据的核心流程，审批、资源申请、交付、回收由 BuildFlowPlan 补齐
	FlowPlan(ctx context.Context, ticket *model.Ticket, details interface{}) ([]FlowSpec, error)
}

// Describer 生成任务影响描述，存在时前置 DESCRIBE_TASK
type Describer interface {
	Describe(ctx context.Context, ticket *model.Ticket, details interface{}) (map[string]interface{}, error)
}

// ResourceApplyBuilder 资源申请
type ResourceApplyBuilder interface {
	ResourceRequest(ctx context.Context, ticket *model.Ticket, details interface{}) (*resourcepool.ReserveRequest, error)
	// PostApply 由申请输入与输出计算下一个流程 details 的补丁，必须是纯函数
	PostApply(input *resourcepool.ReserveRequest, output *resourcepool.ReserveResult) map[string]interface{}
}

// InnerFlowBuilder 内部任务流
type InnerFlowBuilder interface {
	// Format 下发前整理流程 details
	Format(ctx context.Context, ticket *model.Ticket, details interface{}, flow *model.Flow) error
	// BuildPipeline 向 b 中添加原子
	BuildPipeline(ctx context.Context, ticket *model.Ticket, details interface{}, flow *model.Flow, b *workflow.Builder) error
}

// Recycler 单据结束后需要回收的主机
type Recycler interface {
	RecycleHosts(ctx context.Context, ticket *model.Ticket, details interface{}) ([]resourcepool.Host, error)
}

// PostCallback 流程成功后的回调，只允许修改下一个流程的 details
type PostCallback func(ctx context.Context, ticket *model.Ticket, finished, next *model.Flow) error

// PostCallbacker 自定义流程回调
type PostCallbacker interface {
	PostCallbacks() []PostCallback
}
